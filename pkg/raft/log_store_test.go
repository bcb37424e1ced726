package raft

import (
	"testing"
)

func TestLogStoreEmpty(t *testing.T) {
	s := NewLogStore()
	if err := s.Open(); err != nil {
		t.Fatalf("cannot open log store: %v", err)
	}
	defer s.Close()

	if index := s.LastIndex(); index != 0 {
		t.Errorf("last index is %d", index)
	}
	if term := s.LastTerm(); term != 0 {
		t.Errorf("last term is %d", term)
	}
	if term := s.TermAt(1); term != 0 {
		t.Errorf("term at index 1 is %d", term)
	}
	if entries := s.EntriesFrom(1); len(entries) != 0 {
		t.Errorf("%d entries from index 1", len(entries))
	}
}

func TestLogStoreAppend(t *testing.T) {
	s := NewLogStore()
	if err := s.Open(); err != nil {
		t.Fatalf("cannot open log store: %v", err)
	}
	defer s.Close()

	s.AppendEntry(LogEntry{Term: 1, Data: []byte("a")})
	s.AppendEntry(LogEntry{Term: 1, Data: []byte("b")})
	s.AppendEntry(LogEntry{Term: 2, Data: []byte("c")})

	if index := s.LastIndex(); index != 3 {
		t.Errorf("last index is %d", index)
	}
	if term := s.LastTerm(); term != 2 {
		t.Errorf("last term is %d", term)
	}

	if term := s.TermAt(2); term != 1 {
		t.Errorf("term at index 2 is %d", term)
	}
	if term := s.TermAt(4); term != 0 {
		t.Errorf("term at index 4 is %d", term)
	}

	entry := s.Entry(3)
	if string(entry.Data) != "c" {
		t.Errorf("entry 3 data is %q", entry.Data)
	}
	if entry.IsNoOp() {
		t.Errorf("entry 3 is a no-op")
	}
}

func TestLogStoreNoOpEntry(t *testing.T) {
	s := NewLogStore()
	if err := s.Open(); err != nil {
		t.Fatalf("cannot open log store: %v", err)
	}
	defer s.Close()

	s.AppendEntry(LogEntry{Term: 1})

	if !s.Entry(1).IsNoOp() {
		t.Errorf("entry 1 is not a no-op")
	}
}

func TestLogStoreEntriesFrom(t *testing.T) {
	s := NewLogStore()
	if err := s.Open(); err != nil {
		t.Fatalf("cannot open log store: %v", err)
	}
	defer s.Close()

	s.AppendEntry(LogEntry{Term: 1, Data: []byte("a")})
	s.AppendEntry(LogEntry{Term: 1, Data: []byte("b")})
	s.AppendEntry(LogEntry{Term: 1, Data: []byte("c")})

	entries := s.EntriesFrom(2)
	if len(entries) != 2 {
		t.Fatalf("%d entries from index 2", len(entries))
	}
	if string(entries[0].Data) != "b" {
		t.Errorf("first entry data is %q", entries[0].Data)
	}

	if entries := s.EntriesFrom(4); len(entries) != 0 {
		t.Errorf("%d entries from index 4", len(entries))
	}
}

func TestLogStoreTruncateFrom(t *testing.T) {
	s := NewLogStore()
	if err := s.Open(); err != nil {
		t.Fatalf("cannot open log store: %v", err)
	}
	defer s.Close()

	s.AppendEntry(LogEntry{Term: 1, Data: []byte("a")})
	s.AppendEntry(LogEntry{Term: 1, Data: []byte("b")})
	s.AppendEntry(LogEntry{Term: 2, Data: []byte("c")})

	s.TruncateFrom(2)

	if index := s.LastIndex(); index != 1 {
		t.Errorf("last index is %d", index)
	}
	if term := s.LastTerm(); term != 1 {
		t.Errorf("last term is %d", term)
	}

	s.AppendEntry(LogEntry{Term: 3, Data: []byte("d")})

	if string(s.Entry(2).Data) != "d" {
		t.Errorf("entry 2 data is %q", s.Entry(2).Data)
	}
}
