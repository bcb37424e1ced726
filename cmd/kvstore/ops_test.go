package main

import (
	"testing"
)

func TestOpWriteRoundTrip(t *testing.T) {
	op := OpWrite{Key: "1", Value: []byte(`"hello"`)}

	decoded, err := DecodeOp(EncodeOp(&op))
	if err != nil {
		t.Fatalf("cannot decode op: %v", err)
	}

	write, ok := decoded.(*OpWrite)
	if !ok {
		t.Fatalf("decoded op is a %T", decoded)
	}

	if write.Key != "1" {
		t.Errorf("key is %q", write.Key)
	}
	if string(write.Value) != `"hello"` {
		t.Errorf("value is %q", write.Value)
	}
}

func TestOpCasRoundTrip(t *testing.T) {
	op := OpCas{Key: "42", From: []byte(`1`), To: []byte(`2`)}

	decoded, err := DecodeOp(EncodeOp(&op))
	if err != nil {
		t.Fatalf("cannot decode op: %v", err)
	}

	cas, ok := decoded.(*OpCas)
	if !ok {
		t.Fatalf("decoded op is a %T", decoded)
	}

	if cas.Key != "42" {
		t.Errorf("key is %q", cas.Key)
	}
	if string(cas.From) != `1` {
		t.Errorf("from value is %q", cas.From)
	}
	if string(cas.To) != `2` {
		t.Errorf("to value is %q", cas.To)
	}
}

func TestDecodeOpInvalid(t *testing.T) {
	if _, err := DecodeOp([]byte("garbage")); err == nil {
		t.Errorf("decoding garbage succeeded")
	}

	if _, err := DecodeOp([]byte("delete\x1ffoo")); err == nil {
		t.Errorf("decoding unknown op succeeded")
	}
}
