package main

import (
	"bytes"
	"fmt"
)

const (
	UnitSeparator byte = 0x1f
)

// Op is a state machine command. Ops are encoded as their name followed by
// their fields, separated by 0x1f; the fields are raw JSON values, in which
// control characters only ever appear escaped.
type Op interface {
	Name() string
	Encode(*bytes.Buffer)
	Decode([]byte) error

	Apply(*Store) (interface{}, error)
}

func EncodeOp(op Op) []byte {
	var buf bytes.Buffer

	buf.WriteString(op.Name())
	buf.WriteByte(UnitSeparator)
	op.Encode(&buf)

	return buf.Bytes()
}

func DecodeOp(data []byte) (Op, error) {
	sep := bytes.IndexByte(data, UnitSeparator)
	if sep == -1 {
		return nil, fmt.Errorf("invalid data")
	}

	var op Op

	name := string(data[:sep])
	switch name {
	case "write":
		op = &OpWrite{}
	case "cas":
		op = &OpCas{}
	default:
		return nil, fmt.Errorf("unknown op %q", name)
	}

	if err := op.Decode(data[sep+1:]); err != nil {
		return nil, err
	}

	return op, nil
}

type OpWrite struct {
	Key   string
	Value []byte
}

func (op OpWrite) Name() string {
	return "write"
}

func (op OpWrite) Encode(buf *bytes.Buffer) {
	buf.WriteString(op.Key)
	buf.WriteByte(UnitSeparator)
	buf.Write(op.Value)
}

func (op *OpWrite) Decode(data []byte) error {
	sep := bytes.IndexByte(data, UnitSeparator)
	if sep == -1 {
		return fmt.Errorf("invalid data")
	}

	op.Key = string(data[:sep])
	op.Value = append([]byte(nil), data[sep+1:]...)

	return nil
}

func (op *OpWrite) Apply(store *Store) (interface{}, error) {
	store.Put(op.Key, op.Value)
	return nil, nil
}

type OpCas struct {
	Key  string
	From []byte
	To   []byte
}

func (op OpCas) Name() string {
	return "cas"
}

func (op OpCas) Encode(buf *bytes.Buffer) {
	buf.WriteString(op.Key)
	buf.WriteByte(UnitSeparator)
	buf.Write(op.From)
	buf.WriteByte(UnitSeparator)
	buf.Write(op.To)
}

func (op *OpCas) Decode(data []byte) error {
	sep := bytes.IndexByte(data, UnitSeparator)
	if sep == -1 {
		return fmt.Errorf("invalid data")
	}

	op.Key = string(data[:sep])
	data = data[sep+1:]

	sep = bytes.IndexByte(data, UnitSeparator)
	if sep == -1 {
		return fmt.Errorf("invalid data")
	}

	op.From = append([]byte(nil), data[:sep]...)
	op.To = append([]byte(nil), data[sep+1:]...)

	return nil
}

func (op *OpCas) Apply(store *Store) (interface{}, error) {
	return nil, store.Cas(op.Key, op.From, op.To)
}
