package raft

import (
	"fmt"
	"math/rand"
	"os"
	"path"
	"time"

	"github.com/galdor/go-maelstrom/pkg/maelstrom"
)

// SubmissionFunc is called exactly once with the outcome of a submitted
// command or read: the result of applying the command, or an error if the
// server lost leadership or the entry failed to commit in time.
type SubmissionFunc func(result interface{}, err error)

type ServerCfg struct {
	Node *maelstrom.Node

	StateMachine StateMachine

	Logger maelstrom.Logger

	// DataDirectory enables durable term and vote storage when set.
	DataDirectory string

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	HeartbeatInterval time.Duration
	TickInterval      time.Duration

	RPCTimeout        time.Duration
	CommitWaitTimeout time.Duration
}

// Server is a member of a Raft cluster. It is driven entirely by the node
// decision loop: incoming RPCs, RPC replies, timer ticks and client
// submissions are all serialized on it, so the server state is never
// accessed concurrently.
type Server struct {
	Cfg ServerCfg
	Log maelstrom.Logger

	node *maelstrom.Node

	id    ServerId
	peers []ServerId

	state         ServerState
	currentLeader ServerId

	commitIndex LogIndex
	lastApplied LogIndex

	persistentState PersistentState
	persistentStore *PersistentStore

	logStore     *LogStore
	stateMachine StateMachine

	// Leader only
	nextIndex      map[ServerId]LogIndex
	matchIndex     map[ServerId]LogIndex
	termStartIndex LogIndex

	// Candidate only
	votes map[ServerId]bool

	electionDeadline time.Time

	pendingSubmissions map[LogIndex][]*pendingSubmission

	randGenerator *rand.Rand
}

type pendingSubmission struct {
	index    LogIndex
	read     bool
	deadline time.Time
	fn       SubmissionFunc
}

// NewServer creates a server attached to a node. It must be called before
// the node starts running; the server registers its handlers and periodic
// tasks immediately, and Init must be called from the node init function.
func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Node == nil {
		return nil, fmt.Errorf("missing node")
	}

	if cfg.StateMachine == nil {
		return nil, fmt.Errorf("missing state machine")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 500 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 1000 * time.Millisecond
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}

	if cfg.TickInterval == 0 {
		cfg.TickInterval = 25 * time.Millisecond
	}

	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = 250 * time.Millisecond
	}

	if cfg.CommitWaitTimeout == 0 {
		cfg.CommitWaitTimeout = 1000 * time.Millisecond
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		node: cfg.Node,

		logStore:     NewLogStore(),
		stateMachine: cfg.StateMachine,

		pendingSubmissions: make(map[LogIndex][]*pendingSubmission),

		randGenerator: rand.New(randSource),
	}

	s.node.RegisterHandler("request_vote", s.onRequestVote)
	s.node.RegisterHandler("append_entries", s.onAppendEntries)

	s.node.AddPeriodicTask("raft-heartbeat", cfg.HeartbeatInterval,
		s.onHeartbeatTick)
	s.node.AddPeriodicTask("raft-tick", cfg.TickInterval, s.onTick)

	return s, nil
}

// Init loads the server state once the node has been initialized and knows
// its identity and peers.
func (s *Server) Init() error {
	s.id = ServerId(s.node.Id)

	for _, id := range s.node.Peers() {
		s.peers = append(s.peers, ServerId(id))
	}

	if err := s.logStore.Open(); err != nil {
		return fmt.Errorf("cannot open log store: %w", err)
	}

	if s.Cfg.DataDirectory != "" {
		dirPath := path.Join(s.Cfg.DataDirectory, string(s.id))
		if err := os.MkdirAll(dirPath, 0700); err != nil {
			return fmt.Errorf("cannot create %q: %w", dirPath, err)
		}

		filePath := path.Join(dirPath, "persistent-state.json")
		s.persistentStore = NewPersistentStore(filePath)

		if err := s.persistentStore.Open(); err != nil {
			return fmt.Errorf("cannot open persistent store: %w", err)
		}

		if err := s.persistentStore.Read(&s.persistentState); err != nil {
			return fmt.Errorf("cannot read persistent state: %w", err)
		}

		s.Log.Debug(1, "initial persistent state: currentTerm %d, "+
			"votedFor %q",
			s.persistentState.CurrentTerm, s.persistentState.VotedFor)
	}

	s.state = ServerStateFollower

	s.resetElectionDeadline()

	return nil
}

func (s *Server) Close() {
	s.logStore.Close()

	if s.persistentStore != nil {
		s.persistentStore.Close()
	}
}

func (s *Server) State() ServerState {
	return s.state
}

func (s *Server) IsLeader() bool {
	return s.state == ServerStateLeader
}

func (s *Server) CurrentTerm() Term {
	return s.persistentState.CurrentTerm
}

func (s *Server) CurrentLeader() ServerId {
	return s.currentLeader
}

func (s *Server) CommitIndex() LogIndex {
	return s.commitIndex
}

func (s *Server) LastApplied() LogIndex {
	return s.lastApplied
}

// SubmitCommand appends a command to the log and calls fn with the outcome
// of applying it once it has been committed. It fails immediately with
// ErrNotLeader on a non-leader server.
func (s *Server) SubmitCommand(data []byte, fn SubmissionFunc) error {
	if s.state != ServerStateLeader {
		return ErrNotLeader
	}

	entry := LogEntry{
		Term: s.persistentState.CurrentTerm,
		Data: data,
	}

	s.logStore.AppendEntry(entry)
	index := s.logStore.LastIndex()

	s.addPendingSubmission(index, false, fn)

	s.Log.Debug(2, "submitted command at index %d", index)

	s.advanceCommitIndex()
	s.replicateAll()

	return nil
}

// SubmitRead calls fn once the server has confirmed it is still the leader
// with an entry committed after the call, at which point the state machine
// reflects every previously committed command and a read from it is
// linearizable. It fails immediately with ErrNotLeader on a non-leader
// server.
func (s *Server) SubmitRead(fn SubmissionFunc) error {
	if s.state != ServerStateLeader {
		return ErrNotLeader
	}

	// If an entry of the current term is already in flight, its commit will
	// confirm leadership; otherwise append a fresh no-op to be confirmed.
	lastIndex := s.logStore.LastIndex()

	if lastIndex > s.commitIndex &&
		s.logStore.TermAt(lastIndex) == s.persistentState.CurrentTerm {
		s.addPendingSubmission(lastIndex, true, fn)
		return nil
	}

	s.logStore.AppendEntry(LogEntry{Term: s.persistentState.CurrentTerm})
	index := s.logStore.LastIndex()

	s.addPendingSubmission(index, true, fn)

	s.advanceCommitIndex()
	s.replicateAll()

	return nil
}

func (s *Server) onHeartbeatTick() {
	if s.state != ServerStateLeader {
		return
	}

	s.replicateAll()
}

func (s *Server) onTick() {
	now := time.Now()

	if s.state != ServerStateLeader && now.After(s.electionDeadline) {
		s.onElectionDeadline()
	}

	s.expirePendingSubmissions(now)
}

func (s *Server) onElectionDeadline() {
	switch s.state {
	case ServerStateFollower:
		s.startElection()

	case ServerStateCandidate:
		// The current election timed out; reset the state to follower so
		// that startElection is called on a clean slate, and immediately
		// start a new one.
		s.Log.Debug(1, "election timeout in term %d",
			s.persistentState.CurrentTerm)

		s.state = ServerStateFollower
		s.startElection()

	default:
		maelstrom.Panicf("unexpected election deadline in state %v", s.state)
	}
}

func (s *Server) startElection() {
	if s.state != ServerStateFollower {
		maelstrom.Panicf("cannot start election in state %v", s.state)
	}

	s.Log.Debug(1, "starting election for term %d",
		s.persistentState.CurrentTerm+1)

	// Start a new term and vote for ourselves
	pstate := PersistentState{
		CurrentTerm: s.persistentState.CurrentTerm + 1,
		VotedFor:    s.id,
	}

	if err := s.updatePersistentState(pstate); err != nil {
		// If we cannot save the persistent state, rearm the election timer
		// to try again later.
		s.resetElectionDeadline()
		return
	}

	s.state = ServerStateCandidate
	s.currentLeader = ""

	s.votes = map[ServerId]bool{s.id: true}

	s.resetElectionDeadline()

	// Solicit votes from all other servers
	term := s.persistentState.CurrentTerm

	body := RequestVoteBody{
		Term:         term,
		Candidate:    s.id,
		LastLogIndex: s.logStore.LastIndex(),
		LastLogTerm:  s.logStore.LastTerm(),
	}

	for _, peer := range s.peers {
		peer := peer
		body := body

		err := s.node.SendRPC(string(peer), &body, s.Cfg.RPCTimeout,
			func(reply *maelstrom.Message, err error) {
				s.onRequestVoteReply(peer, term, reply, err)
			})
		if err != nil {
			s.Log.Error("cannot send vote request to %s: %v", peer, err)
		}
	}

	// A single-server cluster wins its election immediately
	s.checkElectionResult()
}

func (s *Server) onRequestVoteReply(peer ServerId, electionTerm Term, reply *maelstrom.Message, err error) {
	if err != nil {
		s.Log.Debug(2, "no vote reply from %s: %v", peer, err)
		return
	}

	var body RequestVoteOkBody
	if err := reply.DecodeBody(&body); err != nil {
		s.Log.Error("invalid vote reply from %s: %v", peer, err)
		return
	}

	if s.observeTerm(body.Term) != nil {
		return
	}

	// A reply for a past election, or one received after the election ended,
	// is stale and must be discarded.
	if s.state != ServerStateCandidate {
		return
	}

	if s.persistentState.CurrentTerm != electionTerm {
		return
	}

	s.votes[peer] = body.VoteGranted

	s.checkElectionResult()
}

func (s *Server) checkElectionResult() {
	nbVotes := 0

	for _, granted := range s.votes {
		if granted {
			nbVotes++
		}
	}

	nbServers := len(s.peers) + 1

	if nbVotes <= nbServers/2 {
		return
	}

	s.Log.Info("obtained %d/%d votes, becoming leader for term %d",
		nbVotes, nbServers, s.persistentState.CurrentTerm)

	s.becomeLeader()
}

func (s *Server) becomeLeader() {
	s.state = ServerStateLeader
	s.currentLeader = s.id

	// Clear candidate data
	s.votes = nil

	s.nextIndex = make(map[ServerId]LogIndex)
	s.matchIndex = make(map[ServerId]LogIndex)

	for _, peer := range s.peers {
		s.nextIndex[peer] = s.logStore.LastIndex() + 1
		s.matchIndex[peer] = 0
	}

	// Append a no-op entry; committing it both confirms leadership for
	// pending reads and establishes the current term in the log, allowing
	// entries from previous terms to be committed.
	s.logStore.AppendEntry(LogEntry{Term: s.persistentState.CurrentTerm})
	s.termStartIndex = s.logStore.LastIndex()

	s.advanceCommitIndex()
	s.replicateAll()
}

func (s *Server) becomeFollower() {
	wasLeader := s.state == ServerStateLeader

	s.state = ServerStateFollower
	s.currentLeader = ""

	// Clear leader data
	s.nextIndex = nil
	s.matchIndex = nil
	s.termStartIndex = 0

	// Clear candidate data
	s.votes = nil

	// A deposed leader owes a response to every pending submission: fail
	// them now rather than leaving clients waiting for a commit which will
	// never be observed here.
	if wasLeader {
		s.failPendingSubmissions(ErrNotLeader)
	}

	// Rearm the election timer; if we do not receive any valid AppendEntries
	// before it expires, we will become candidate and start an election.
	s.resetElectionDeadline()
}

// observeTerm reverts the server to follower if an incoming message carries
// a term higher than the current one.
func (s *Server) observeTerm(term Term) error {
	if term <= s.persistentState.CurrentTerm {
		return nil
	}

	s.Log.Debug(1, "observed term %d (current term: %d), reverting to "+
		"follower", term, s.persistentState.CurrentTerm)

	pstate := PersistentState{CurrentTerm: term, VotedFor: ""}
	if err := s.updatePersistentState(pstate); err != nil {
		return err
	}

	s.becomeFollower()

	return nil
}

func (s *Server) onRequestVote(msg *maelstrom.Message) error {
	var body RequestVoteBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	s.Log.Debug(2, "received %v from %s", &body, msg.Src)

	if err := s.observeTerm(body.Term); err != nil {
		return err
	}

	granted := false

	// Grant the vote if the request is for the current term, we have not
	// already voted for another candidate in it, and the candidate's log is
	// at least as up-to-date as ours — compare the last entries by term
	// first, then by index.
	if body.Term == s.persistentState.CurrentTerm {
		votedFor := s.persistentState.VotedFor
		canVote := votedFor == "" || votedFor == body.Candidate

		lastTerm := s.logStore.LastTerm()
		logUpToDate := body.LastLogTerm > lastTerm ||
			(body.LastLogTerm == lastTerm &&
				body.LastLogIndex >= s.logStore.LastIndex())

		if canVote && logUpToDate {
			// Persist the vote before replying
			pstate := s.persistentState
			pstate.VotedFor = body.Candidate

			if err := s.updatePersistentState(pstate); err != nil {
				return err
			}

			granted = true

			s.resetElectionDeadline()
		}
	}

	reply := RequestVoteOkBody{
		Term:        s.persistentState.CurrentTerm,
		VoteGranted: granted,
	}

	return s.node.Reply(msg, &reply)
}

func (s *Server) onAppendEntries(msg *maelstrom.Message) error {
	var body AppendEntriesBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	s.Log.Debug(2, "received %v from %s", &body, msg.Src)

	if err := s.observeTerm(body.Term); err != nil {
		return err
	}

	reply := AppendEntriesOkBody{
		Term: s.persistentState.CurrentTerm,
	}

	// A request with a term lower than the current one comes from a deposed
	// leader and must be rejected.
	if body.Term < s.persistentState.CurrentTerm {
		return s.node.Reply(msg, &reply)
	}

	// The request comes from the leader of the current term. If we were
	// soliciting votes for this term, the election is lost.
	if s.state == ServerStateCandidate {
		s.becomeFollower()
	}

	if body.Leader != s.currentLeader {
		s.Log.Info("leader is %s for term %d", body.Leader, body.Term)
		s.currentLeader = body.Leader
	}

	s.resetElectionDeadline()

	// Reject the request if our log does not contain an entry matching
	// prevLogIndex and prevLogTerm; the leader will back off and retry with
	// earlier entries.
	if body.PrevLogIndex > 0 {
		if s.logStore.TermAt(body.PrevLogIndex) != body.PrevLogTerm {
			return s.node.Reply(msg, &reply)
		}
	}

	// Append entries, skipping those already present and truncating the log
	// at the first conflict. Retransmitted requests are therefore
	// idempotent.
	for i, entry := range body.Entries {
		index := body.PrevLogIndex + LogIndex(i) + 1

		if index <= s.logStore.LastIndex() {
			if s.logStore.TermAt(index) == entry.Term {
				continue
			}

			if index <= s.commitIndex {
				maelstrom.Panicf("conflicting entry at committed index %d",
					index)
			}

			s.logStore.TruncateFrom(index)
		}

		s.logStore.AppendEntry(entry)
	}

	lastNewIndex := body.PrevLogIndex + LogIndex(len(body.Entries))

	if body.LeaderCommit > s.commitIndex {
		commitIndex := body.LeaderCommit
		if lastNewIndex < commitIndex {
			commitIndex = lastNewIndex
		}

		if commitIndex > s.commitIndex {
			s.commitIndex = commitIndex
			s.applyCommitted()
		}
	}

	reply.Success = true
	reply.MatchIndex = lastNewIndex

	return s.node.Reply(msg, &reply)
}

func (s *Server) replicateAll() {
	for _, peer := range s.peers {
		s.replicateToPeer(peer)
	}
}

func (s *Server) replicateToPeer(peer ServerId) {
	nextIndex := s.nextIndex[peer]
	prevLogIndex := nextIndex - 1

	entries := s.logStore.EntriesFrom(nextIndex)

	term := s.persistentState.CurrentTerm

	body := AppendEntriesBody{
		Term:         term,
		Leader:       s.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  s.logStore.TermAt(prevLogIndex),
		Entries:      entries,
		LeaderCommit: s.commitIndex,
	}

	nbEntries := LogIndex(len(entries))

	err := s.node.SendRPC(string(peer), &body, s.Cfg.RPCTimeout,
		func(reply *maelstrom.Message, err error) {
			s.onAppendEntriesReply(peer, term, prevLogIndex, nbEntries,
				reply, err)
		})
	if err != nil {
		s.Log.Error("cannot send append entries to %s: %v", peer, err)
	}
}

func (s *Server) onAppendEntriesReply(peer ServerId, term Term, prevLogIndex, nbEntries LogIndex, reply *maelstrom.Message, err error) {
	if err != nil {
		// Lost or delayed; the next heartbeat will retry
		s.Log.Debug(2, "no append entries reply from %s: %v", peer, err)
		return
	}

	var body AppendEntriesOkBody
	if err := reply.DecodeBody(&body); err != nil {
		s.Log.Error("invalid append entries reply from %s: %v", peer, err)
		return
	}

	if s.observeTerm(body.Term) != nil {
		return
	}

	// A reply to a request sent in a previous term, or received after
	// losing leadership, is stale and must be discarded.
	if s.state != ServerStateLeader {
		return
	}

	if s.persistentState.CurrentTerm != term {
		return
	}

	if !body.Success {
		// Log inconsistency: back off and retry on the next heartbeat
		if s.nextIndex[peer] > 1 {
			s.nextIndex[peer]--
		}

		return
	}

	matchIndex := body.MatchIndex
	if matchIndex == 0 {
		matchIndex = prevLogIndex + nbEntries
	}

	if matchIndex > s.matchIndex[peer] {
		s.matchIndex[peer] = matchIndex
	}

	s.nextIndex[peer] = s.matchIndex[peer] + 1

	s.advanceCommitIndex()
}

// advanceCommitIndex raises the commit index to the highest index
// replicated on a strict majority of servers, restricted to entries created
// in the current term: entries from previous terms are only ever committed
// indirectly, by a current-term entry committed after them.
func (s *Server) advanceCommitIndex() {
	if s.state != ServerStateLeader {
		maelstrom.Panicf("cannot advance commit index in state %v", s.state)
	}

	currentTerm := s.persistentState.CurrentTerm

	for index := s.logStore.LastIndex(); index > s.commitIndex; index-- {
		if s.logStore.TermAt(index) != currentTerm {
			continue
		}

		nbReplicas := 1

		for _, peer := range s.peers {
			if s.matchIndex[peer] >= index {
				nbReplicas++
			}
		}

		if nbReplicas > (len(s.peers)+1)/2 {
			s.Log.Debug(2, "commit index advanced to %d", index)

			s.commitIndex = index
			s.applyCommitted()

			break
		}
	}
}

// applyCommitted applies committed entries to the state machine, in index
// order, and resolves the pending submissions registered for them. An index
// is applied at most once.
func (s *Server) applyCommitted() {
	for s.lastApplied < s.commitIndex {
		index := s.lastApplied + 1
		entry := s.logStore.Entry(index)

		var result interface{}
		var err error

		if !entry.IsNoOp() {
			result, err = s.stateMachine.Apply(index, entry.Data)
		}

		s.lastApplied = index

		s.resolvePendingSubmissions(index, result, err)
	}
}

func (s *Server) addPendingSubmission(index LogIndex, read bool, fn SubmissionFunc) {
	sub := pendingSubmission{
		index:    index,
		read:     read,
		deadline: time.Now().Add(s.Cfg.CommitWaitTimeout),
		fn:       fn,
	}

	s.pendingSubmissions[index] = append(s.pendingSubmissions[index], &sub)
}

func (s *Server) resolvePendingSubmissions(index LogIndex, result interface{}, err error) {
	subs, found := s.pendingSubmissions[index]
	if !found {
		return
	}

	delete(s.pendingSubmissions, index)

	for _, sub := range subs {
		if sub.read {
			// A read only waits for the commit confirming leadership; the
			// outcome of the entry it is attached to does not concern it.
			sub.fn(nil, nil)
		} else {
			sub.fn(result, err)
		}
	}
}

func (s *Server) expirePendingSubmissions(now time.Time) {
	for index, subs := range s.pendingSubmissions {
		remaining := subs[:0]

		for _, sub := range subs {
			if sub.deadline.After(now) {
				remaining = append(remaining, sub)
				continue
			}

			s.Log.Debug(1, "submission at index %d timed out", index)

			sub.fn(nil, ErrCommitTimeout)
		}

		if len(remaining) == 0 {
			delete(s.pendingSubmissions, index)
		} else {
			s.pendingSubmissions[index] = remaining
		}
	}
}

func (s *Server) failPendingSubmissions(err error) {
	for index, subs := range s.pendingSubmissions {
		delete(s.pendingSubmissions, index)

		for _, sub := range subs {
			sub.fn(nil, err)
		}
	}
}

func (s *Server) resetElectionDeadline() {
	timeout := s.electionTimeout()
	s.Log.Debug(2, "election deadline in %v", timeout)

	s.electionDeadline = time.Now().Add(timeout)
}

func (s *Server) electionTimeout() time.Duration {
	minTimeoutMs := s.Cfg.MinElectionTimeout.Milliseconds()
	maxTimeoutMs := s.Cfg.MaxElectionTimeout.Milliseconds()

	jitter := s.randGenerator.Int63n(maxTimeoutMs - minTimeoutMs + 1)
	timeoutMs := minTimeoutMs + jitter

	return time.Duration(timeoutMs) * time.Millisecond
}

func (s *Server) updatePersistentState(state PersistentState) error {
	if s.persistentStore != nil {
		if err := s.persistentStore.Write(state); err != nil {
			s.Log.Error("cannot write persistent state: %v", err)
			return err
		}
	}

	s.persistentState = state
	return nil
}
