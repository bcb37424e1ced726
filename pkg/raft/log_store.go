package raft

import (
	"github.com/galdor/go-maelstrom/pkg/maelstrom"
)

// LogStore is the ordered sequence of log entries, the single source of
// truth for command order. Indices are 1-based and contiguous. The log is an
// append-only arena with a logical length; conflict truncation is a length
// reset, never a deletion of unrelated entries.
type LogStore struct {
	entries []LogEntry
}

func NewLogStore() *LogStore {
	return &LogStore{}
}

func (s *LogStore) Open() error {
	s.entries = make([]LogEntry, 0)
	return nil
}

func (s *LogStore) Close() {
}

func (s *LogStore) LastIndex() LogIndex {
	return LogIndex(len(s.entries))
}

func (s *LogStore) LastTerm() Term {
	nbEntries := len(s.entries)

	if nbEntries == 0 {
		return 0
	}

	return s.entries[nbEntries-1].Term
}

func (s *LogStore) Entry(index LogIndex) LogEntry {
	if index < 1 || index > s.LastIndex() {
		maelstrom.Panicf("log index %d out of range [1, %d]",
			index, s.LastIndex())
	}

	return s.entries[index-1]
}

// TermAt returns the term of the entry at index, or zero for index zero and
// for indices beyond the end of the log.
func (s *LogStore) TermAt(index LogIndex) Term {
	if index < 1 || index > s.LastIndex() {
		return 0
	}

	return s.entries[index-1].Term
}

// EntriesFrom returns a copy of all entries at or after index.
func (s *LogStore) EntriesFrom(index LogIndex) []LogEntry {
	if index < 1 {
		maelstrom.Panicf("invalid log index %d", index)
	}

	if index > s.LastIndex() {
		return nil
	}

	entries := make([]LogEntry, len(s.entries[index-1:]))
	copy(entries, s.entries[index-1:])

	return entries
}

func (s *LogStore) AppendEntry(entry LogEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

// TruncateFrom discards the entry at index and all entries after it.
func (s *LogStore) TruncateFrom(index LogIndex) {
	if index < 1 || index > s.LastIndex() {
		maelstrom.Panicf("log index %d out of range [1, %d]",
			index, s.LastIndex())
	}

	s.entries = s.entries[:index-1]
}
