package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/galdor/go-log"
	"github.com/galdor/go-maelstrom/pkg/maelstrom"
	"github.com/galdor/go-maelstrom/pkg/raft"
)

type Service struct {
	Cfg *Cfg
	Log *log.Logger

	node       *maelstrom.Node
	raftServer *raft.Server
	store      *Store
}

type ReadBody struct {
	maelstrom.BodyHeader
	Key json.RawMessage `json:"key"`
}

func (b *ReadBody) GetType() string {
	return "read"
}

type ReadOkBody struct {
	maelstrom.BodyHeader
	Value json.RawMessage `json:"value"`
}

func (b *ReadOkBody) GetType() string {
	return "read_ok"
}

type WriteBody struct {
	maelstrom.BodyHeader
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (b *WriteBody) GetType() string {
	return "write"
}

type WriteOkBody struct {
	maelstrom.BodyHeader
}

func (b *WriteOkBody) GetType() string {
	return "write_ok"
}

type CasBody struct {
	maelstrom.BodyHeader
	Key  json.RawMessage `json:"key"`
	From json.RawMessage `json:"from"`
	To   json.RawMessage `json:"to"`
}

func (b *CasBody) GetType() string {
	return "cas"
}

type CasOkBody struct {
	maelstrom.BodyHeader
}

func (b *CasOkBody) GetType() string {
	return "cas_ok"
}

func NewService(cfg *Cfg, logger *log.Logger) (*Service, error) {
	node, err := maelstrom.NewNode(maelstrom.NodeCfg{
		Logger: logger.Child("node", log.Data{}),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create node: %w", err)
	}

	return newService(cfg, logger, node)
}

// newService finishes assembly once the node exists; tests create the node
// themselves to inject pipes.
func newService(cfg *Cfg, logger *log.Logger, node *maelstrom.Node) (*Service, error) {
	s := &Service{
		Cfg: cfg,
		Log: logger,
	}

	s.node = node
	s.store = NewStore()

	raftCfg := raft.ServerCfg{
		Node:         node,
		StateMachine: s.store,
		Logger:       logger.Child("raft", log.Data{}),

		DataDirectory: cfg.Raft.DataDirectory,

		MinElectionTimeout: millis(cfg.Raft.MinElectionTimeout),
		MaxElectionTimeout: millis(cfg.Raft.MaxElectionTimeout),
		HeartbeatInterval:  millis(cfg.Raft.HeartbeatInterval),
		CommitWaitTimeout:  millis(cfg.Raft.CommitWaitTimeout),
	}

	raftServer, err := raft.NewServer(raftCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create raft server: %w", err)
	}

	s.raftServer = raftServer

	node.RegisterInitFunc(s.onInit)

	node.RegisterHandler("read", s.hRead)
	node.RegisterHandler("write", s.hWrite)
	node.RegisterHandler("cas", s.hCas)

	return s, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (s *Service) onInit() error {
	if err := s.raftServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize raft server: %w", err)
	}

	s.Log.Info("node %s initialized with %d peers",
		s.node.Id, len(s.node.Peers()))

	return nil
}

func (s *Service) Run() error {
	defer s.raftServer.Close()
	return s.node.Run()
}

func (s *Service) hRead(msg *maelstrom.Message) error {
	var body ReadBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	key := string(body.Key)

	err := s.raftServer.SubmitRead(func(_ interface{}, err error) {
		if err != nil {
			s.replySubmissionError(msg, err)
			return
		}

		value, found := s.store.Get(key)
		if !found {
			s.replyError(msg, maelstrom.NewError(
				maelstrom.ErrorKeyDoesNotExist, "unknown key %s", key))
			return
		}

		s.reply(msg, &ReadOkBody{Value: value})
	})
	if err != nil {
		return submissionError(err)
	}

	return nil
}

func (s *Service) hWrite(msg *maelstrom.Message) error {
	var body WriteBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	op := OpWrite{
		Key:   string(body.Key),
		Value: body.Value,
	}

	err := s.raftServer.SubmitCommand(EncodeOp(&op),
		func(_ interface{}, err error) {
			if err != nil {
				s.replySubmissionError(msg, err)
				return
			}

			s.reply(msg, &WriteOkBody{})
		})
	if err != nil {
		return submissionError(err)
	}

	return nil
}

func (s *Service) hCas(msg *maelstrom.Message) error {
	var body CasBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	op := OpCas{
		Key:  string(body.Key),
		From: body.From,
		To:   body.To,
	}

	err := s.raftServer.SubmitCommand(EncodeOp(&op),
		func(_ interface{}, err error) {
			if err != nil {
				s.replySubmissionError(msg, err)
				return
			}

			s.reply(msg, &CasOkBody{})
		})
	if err != nil {
		return submissionError(err)
	}

	return nil
}

func (s *Service) reply(req *maelstrom.Message, body maelstrom.Body) {
	if err := s.node.Reply(req, body); err != nil {
		s.Log.Error("cannot reply to %s: %v", req.Src, err)
	}
}

func (s *Service) replyError(req *maelstrom.Message, mErr *maelstrom.Error) {
	if err := s.node.Reply(req, mErr); err != nil {
		s.Log.Error("cannot reply to %s: %v", req.Src, err)
	}
}

// replySubmissionError reports a failed submission to the client. Both
// submission failures and command application errors go through it.
func (s *Service) replySubmissionError(req *maelstrom.Message, err error) {
	var mErr *maelstrom.Error
	if !errors.As(submissionError(err), &mErr) {
		mErr = maelstrom.NewError(maelstrom.ErrorCrash, "%v", err)
	}

	s.replyError(req, mErr)
}

// submissionError maps submission failures to protocol errors: a client
// talking to a non-leader server or giving up on a commit can safely retry
// against another server.
func submissionError(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		return maelstrom.NewError(maelstrom.ErrorTemporarilyUnavailable,
			"not a leader")

	case errors.Is(err, raft.ErrCommitTimeout):
		return maelstrom.NewError(maelstrom.ErrorTimeout,
			"commit timed out")

	default:
		return err
	}
}
