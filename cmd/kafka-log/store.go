package main

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Entry is a log record. It is encoded as an [offset, msg] pair, both in
// gossip and in poll replies.
type Entry struct {
	Offset int64
	Msg    int64
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{e.Offset, e.Msg})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var pair [2]int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("invalid entry: %w", err)
	}

	e.Offset = pair[0]
	e.Msg = pair[1]

	return nil
}

// LogStore associates keys with their entries, kept sorted by offset, and
// with the highest committed offset.
type LogStore struct {
	Entries   map[string][]Entry
	Committed map[string]int64
}

func NewLogStore() *LogStore {
	s := LogStore{
		Entries:   make(map[string][]Entry),
		Committed: make(map[string]int64),
	}

	return &s
}

// Append inserts an entry in the log of a key and indicates whether it was
// not already present.
func (s *LogStore) Append(key string, entry Entry) bool {
	entries := s.Entries[key]

	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Offset >= entry.Offset
	})

	if i < len(entries) && entries[i].Offset == entry.Offset {
		return false
	}

	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = entry

	s.Entries[key] = entries

	return true
}

func (s *LogStore) EntriesFrom(key string, offset int64) []Entry {
	entries := s.Entries[key]

	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Offset >= offset
	})

	return entries[i:]
}

func (s *LogStore) Commit(key string, offset int64) {
	if offset > s.Committed[key] {
		s.Committed[key] = offset
	}
}

func (s *LogStore) CommittedOffset(key string) (int64, bool) {
	offset, found := s.Committed[key]
	return offset, found
}
