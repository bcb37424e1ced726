package raft

import (
	"fmt"

	"github.com/galdor/go-maelstrom/pkg/maelstrom"
)

type RequestVoteBody struct {
	maelstrom.BodyHeader
	Term         Term     `json:"term"`
	Candidate    ServerId `json:"candidate"`
	LastLogIndex LogIndex `json:"last_log_index"`
	LastLogTerm  Term     `json:"last_log_term"`
}

func (b *RequestVoteBody) GetType() string {
	return "request_vote"
}

func (b *RequestVoteBody) String() string {
	return fmt.Sprintf("RequestVote{term: %d, candidate: %q, "+
		"lastLogIndex: %d, lastLogTerm: %d}",
		b.Term, b.Candidate, b.LastLogIndex, b.LastLogTerm)
}

type RequestVoteOkBody struct {
	maelstrom.BodyHeader
	Term        Term `json:"term"`
	VoteGranted bool `json:"vote_granted"`
}

func (b *RequestVoteOkBody) GetType() string {
	return "request_vote_ok"
}

func (b *RequestVoteOkBody) String() string {
	return fmt.Sprintf("RequestVoteOk{term: %d, voteGranted: %v}",
		b.Term, b.VoteGranted)
}

type AppendEntriesBody struct {
	maelstrom.BodyHeader
	Term         Term       `json:"term"`
	Leader       ServerId   `json:"leader"`
	PrevLogIndex LogIndex   `json:"prev_log_index"`
	PrevLogTerm  Term       `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries"`
	LeaderCommit LogIndex   `json:"leader_commit"`
}

func (b *AppendEntriesBody) GetType() string {
	return "append_entries"
}

func (b *AppendEntriesBody) String() string {
	return fmt.Sprintf("AppendEntries{term: %d, leader: %q, "+
		"prevLogIndex: %d, prevLogTerm: %d, %d entries, leaderCommit: %d}",
		b.Term, b.Leader, b.PrevLogIndex, b.PrevLogTerm,
		len(b.Entries), b.LeaderCommit)
}

type AppendEntriesOkBody struct {
	maelstrom.BodyHeader
	Term    Term `json:"term"`
	Success bool `json:"success"`

	// MatchIndex is the index of the last entry known replicated on the
	// follower, set on success.
	MatchIndex LogIndex `json:"match_index,omitempty"`
}

func (b *AppendEntriesOkBody) GetType() string {
	return "append_entries_ok"
}

func (b *AppendEntriesOkBody) String() string {
	return fmt.Sprintf("AppendEntriesOk{term: %d, success: %v, "+
		"matchIndex: %d}", b.Term, b.Success, b.MatchIndex)
}
