package maelstrom

import (
	"encoding/json"
	"fmt"
)

// Message is the envelope exchanged between nodes and clients of the
// harness: a source, a destination and a JSON body carrying a "type" tag.
type Message struct {
	Src  string          `json:"src"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

func (msg *Message) DecodeHeader() (*BodyHeader, error) {
	var header BodyHeader

	if err := json.Unmarshal(msg.Body, &header); err != nil {
		return nil, fmt.Errorf("cannot decode body header: %w", err)
	}

	return &header, nil
}

func (msg *Message) DecodeBody(dest interface{}) error {
	if err := json.Unmarshal(msg.Body, dest); err != nil {
		return fmt.Errorf("cannot decode body: %w", err)
	}

	return nil
}

func (msg *Message) String() string {
	header, err := msg.DecodeHeader()
	if err != nil {
		return fmt.Sprintf("Message{%s -> %s, invalid body}", msg.Src, msg.Dest)
	}

	return fmt.Sprintf("Message{%s -> %s, %q, msgId: %d, inReplyTo: %d}",
		msg.Src, msg.Dest, header.Type, header.MsgId, header.InReplyTo)
}

// BodyHeader contains the fields shared by all message bodies. Concrete body
// types embed it and provide their type tag with GetType.
type BodyHeader struct {
	Type      string `json:"type"`
	MsgId     int64  `json:"msg_id,omitempty"`
	InReplyTo int64  `json:"in_reply_to,omitempty"`
}

func (h *BodyHeader) Header() *BodyHeader {
	return h
}

type Body interface {
	GetType() string
	Header() *BodyHeader
}

type InitBody struct {
	BodyHeader
	NodeId  string   `json:"node_id"`
	NodeIds []string `json:"node_ids"`
}

func (b *InitBody) GetType() string {
	return "init"
}

type InitOkBody struct {
	BodyHeader
}

func (b *InitOkBody) GetType() string {
	return "init_ok"
}

// ErrorCode identifies an error outcome in the taxonomy understood by the
// harness.
type ErrorCode int

const (
	ErrorTimeout                ErrorCode = 0
	ErrorNotSupported           ErrorCode = 10
	ErrorTemporarilyUnavailable ErrorCode = 11
	ErrorMalformedRequest       ErrorCode = 12
	ErrorCrash                  ErrorCode = 13
	ErrorAbort                  ErrorCode = 14
	ErrorKeyDoesNotExist        ErrorCode = 20
	ErrorKeyAlreadyExists       ErrorCode = 21
	ErrorPreconditionFailed     ErrorCode = 22
	ErrorTxnConflict            ErrorCode = 30
)

// Error is both a message body and a Go error, so that handlers can return
// protocol errors directly.
type Error struct {
	BodyHeader
	Code ErrorCode `json:"code"`
	Text string    `json:"text,omitempty"`
}

func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code: code,
		Text: fmt.Sprintf(format, args...),
	}
}

func (e *Error) GetType() string {
	return "error"
}

func (e *Error) Error() string {
	return fmt.Sprintf("error %d: %s", e.Code, e.Text)
}
