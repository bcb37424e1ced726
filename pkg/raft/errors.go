package raft

import "errors"

var (
	// ErrNotLeader is returned when a command or read is submitted to a
	// server which is not the current leader. Clients are expected to retry
	// against another node.
	ErrNotLeader = errors.New("not the leader")

	// ErrCommitTimeout is returned when an appended entry fails to reach
	// majority commit within the commit wait window. The entry is not rolled
	// back and may still commit later; the client must re-issue the request.
	ErrCommitTimeout = errors.New("commit timeout")
)
