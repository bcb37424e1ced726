package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/galdor/go-maelstrom/pkg/maelstrom"
	"github.com/galdor/go-maelstrom/pkg/raft"
)

// Store is the replicated state machine: a map associating JSON values. It
// is only ever accessed from the node decision loop, for command
// application and for reads, so it does not need any synchronization.
type Store struct {
	Entries map[string]json.RawMessage
}

func NewStore() *Store {
	s := Store{
		Entries: make(map[string]json.RawMessage),
	}

	return &s
}

func (s *Store) Apply(index raft.LogIndex, data []byte) (interface{}, error) {
	op, err := DecodeOp(data)
	if err != nil {
		return nil, fmt.Errorf("cannot decode op: %w", err)
	}

	return op.Apply(s)
}

func (s *Store) Get(key string) (json.RawMessage, bool) {
	value, found := s.Entries[key]
	return value, found
}

func (s *Store) Put(key string, value []byte) {
	s.Entries[key] = value
}

func (s *Store) Cas(key string, from, to []byte) error {
	value, found := s.Entries[key]
	if !found {
		return maelstrom.NewError(maelstrom.ErrorKeyDoesNotExist,
			"unknown key %s", key)
	}

	if !bytes.Equal(value, from) {
		return maelstrom.NewError(maelstrom.ErrorPreconditionFailed,
			"current value %s does not match %s", value, from)
	}

	s.Entries[key] = to

	return nil
}
