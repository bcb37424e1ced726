package main

import (
	"encoding/json"
	"fmt"
)

const (
	OpRead  = "r"
	OpWrite = "w"
)

// Operation is a single transaction step, encoded as a [type, key, value]
// triple. The value of a read is null in requests and filled in replies.
type Operation struct {
	Type  string
	Key   int64
	Value *int64
}

func (op Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{op.Type, op.Key, op.Value})
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	if len(fields) != 3 {
		return fmt.Errorf("invalid operation: expected 3 fields, got %d",
			len(fields))
	}

	if err := json.Unmarshal(fields[0], &op.Type); err != nil {
		return fmt.Errorf("invalid operation type: %w", err)
	}

	if op.Type != OpRead && op.Type != OpWrite {
		return fmt.Errorf("unknown operation type %q", op.Type)
	}

	if err := json.Unmarshal(fields[1], &op.Key); err != nil {
		return fmt.Errorf("invalid operation key: %w", err)
	}

	if err := json.Unmarshal(fields[2], &op.Value); err != nil {
		return fmt.Errorf("invalid operation value: %w", err)
	}

	if op.Type == OpWrite && op.Value == nil {
		return fmt.Errorf("missing value in write operation")
	}

	return nil
}
