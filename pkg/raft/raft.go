package raft

type ServerId string

type ServerState string

const (
	ServerStateFollower  ServerState = "follower"
	ServerStateCandidate ServerState = "candidate"
	ServerStateLeader    ServerState = "leader"
)

type Term int64

type LogIndex int64

// LogEntry is an element of the replicated log. Entries with no data are
// no-ops appended by a new leader to confirm its leadership.
type LogEntry struct {
	Term Term   `json:"term"`
	Data []byte `json:"data,omitempty"`
}

func (e LogEntry) IsNoOp() bool {
	return len(e.Data) == 0
}

type PersistentState struct {
	CurrentTerm Term
	VotedFor    ServerId
}

// StateMachine is the deterministic machine fed with committed log entries,
// in index order, exactly once per index. Apply returns the outcome of the
// command; a semantic failure, e.g. a failed compare-and-swap, is returned
// as an error without being treated as a consensus fault.
type StateMachine interface {
	Apply(index LogIndex, data []byte) (interface{}, error)
}
