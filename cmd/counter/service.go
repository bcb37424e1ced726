package main

import (
	"fmt"
	"time"

	"github.com/galdor/go-log"
	"github.com/galdor/go-maelstrom/pkg/maelstrom"
)

type AddBody struct {
	maelstrom.BodyHeader
	Delta int64 `json:"delta"`
}

func (b *AddBody) GetType() string {
	return "add"
}

type AddOkBody struct {
	maelstrom.BodyHeader
}

func (b *AddOkBody) GetType() string {
	return "add_ok"
}

type ReadBody struct {
	maelstrom.BodyHeader
}

func (b *ReadBody) GetType() string {
	return "read"
}

type ReadOkBody struct {
	maelstrom.BodyHeader
	Value int64 `json:"value"`
}

func (b *ReadOkBody) GetType() string {
	return "read_ok"
}

type GossipBody struct {
	maelstrom.BodyHeader
	Counters map[string]int64 `json:"counters"`
}

func (b *GossipBody) GetType() string {
	return "gossip"
}

// Service maintains a grow-only counter as a state-based CRDT: each node
// owns a counter it alone increments, the value is the sum of all of them,
// and gossip merges counter maps by taking the maximum of each entry.
type Service struct {
	Log *log.Logger

	node *maelstrom.Node

	counters map[string]int64
}

func NewService(gossipInterval time.Duration, logger *log.Logger) (*Service, error) {
	s := &Service{
		Log: logger,

		counters: make(map[string]int64),
	}

	node, err := maelstrom.NewNode(maelstrom.NodeCfg{
		Logger: logger.Child("node", log.Data{}),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create node: %w", err)
	}

	s.node = node

	node.RegisterHandler("add", s.hAdd)
	node.RegisterHandler("read", s.hRead)
	node.RegisterHandler("gossip", s.hGossip)

	node.AddPeriodicTask("gossip", gossipInterval, s.gossip)

	return s, nil
}

func (s *Service) Run() error {
	return s.node.Run()
}

func (s *Service) hAdd(msg *maelstrom.Message) error {
	var body AddBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	if body.Delta < 0 {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest,
			"negative delta")
	}

	s.counters[s.node.Id] += body.Delta

	return s.node.Reply(msg, &AddOkBody{})
}

func (s *Service) hRead(msg *maelstrom.Message) error {
	var value int64
	for _, counter := range s.counters {
		value += counter
	}

	return s.node.Reply(msg, &ReadOkBody{Value: value})
}

func (s *Service) hGossip(msg *maelstrom.Message) error {
	var body GossipBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	for id, counter := range body.Counters {
		if counter > s.counters[id] {
			s.counters[id] = counter
		}
	}

	return nil
}

func (s *Service) gossip() {
	if len(s.counters) == 0 {
		return
	}

	counters := make(map[string]int64, len(s.counters))
	for id, counter := range s.counters {
		counters[id] = counter
	}

	for _, peer := range s.node.Peers() {
		body := GossipBody{Counters: counters}
		if err := s.node.Send(peer, &body); err != nil {
			s.Log.Error("cannot gossip with %s: %v", peer, err)
		}
	}
}
