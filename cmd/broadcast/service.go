package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/galdor/go-log"
	"github.com/galdor/go-maelstrom/pkg/maelstrom"
)

type BroadcastBody struct {
	maelstrom.BodyHeader
	Message int64 `json:"message"`
}

func (b *BroadcastBody) GetType() string {
	return "broadcast"
}

type BroadcastOkBody struct {
	maelstrom.BodyHeader
}

func (b *BroadcastOkBody) GetType() string {
	return "broadcast_ok"
}

type ReadBody struct {
	maelstrom.BodyHeader
}

func (b *ReadBody) GetType() string {
	return "read"
}

type ReadOkBody struct {
	maelstrom.BodyHeader
	Messages []int64 `json:"messages"`
}

func (b *ReadOkBody) GetType() string {
	return "read_ok"
}

type TopologyBody struct {
	maelstrom.BodyHeader
	Topology map[string][]string `json:"topology"`
}

func (b *TopologyBody) GetType() string {
	return "topology"
}

type TopologyOkBody struct {
	maelstrom.BodyHeader
}

func (b *TopologyOkBody) GetType() string {
	return "topology_ok"
}

type GossipBody struct {
	maelstrom.BodyHeader
	Seen []int64 `json:"seen"`
}

func (b *GossipBody) GetType() string {
	return "gossip"
}

type GossipOkBody struct {
	maelstrom.BodyHeader
}

func (b *GossipOkBody) GetType() string {
	return "gossip_ok"
}

type Service struct {
	Log *log.Logger

	node *maelstrom.Node

	gossipInterval time.Duration

	messages  map[int64]struct{}
	neighbors []string

	// Messages each node is known to have, learned from its acknowledgments
	// and from the gossip it sends us; gossip to a neighbor only carries the
	// difference.
	known map[string]map[int64]struct{}
}

func NewService(gossipInterval time.Duration, logger *log.Logger) (*Service, error) {
	s := &Service{
		Log: logger,

		gossipInterval: gossipInterval,

		messages: make(map[int64]struct{}),
		known:    make(map[string]map[int64]struct{}),
	}

	node, err := maelstrom.NewNode(maelstrom.NodeCfg{
		Logger: logger.Child("node", log.Data{}),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create node: %w", err)
	}

	s.node = node

	node.RegisterInitFunc(s.onInit)

	node.RegisterHandler("broadcast", s.hBroadcast)
	node.RegisterHandler("read", s.hRead)
	node.RegisterHandler("topology", s.hTopology)
	node.RegisterHandler("gossip", s.hGossip)

	node.AddPeriodicTask("gossip", gossipInterval, s.gossip)

	return s, nil
}

func (s *Service) Run() error {
	return s.node.Run()
}

func (s *Service) onInit() error {
	for _, id := range s.node.Peers() {
		s.known[id] = make(map[int64]struct{})
	}

	// Default to gossiping with everyone until a topology is received
	s.neighbors = s.node.Peers()

	return nil
}

func (s *Service) hBroadcast(msg *maelstrom.Message) error {
	var body BroadcastBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	s.messages[body.Message] = struct{}{}

	return s.node.Reply(msg, &BroadcastOkBody{})
}

func (s *Service) hRead(msg *maelstrom.Message) error {
	messages := make([]int64, 0, len(s.messages))
	for message := range s.messages {
		messages = append(messages, message)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i] < messages[j]
	})

	return s.node.Reply(msg, &ReadOkBody{Messages: messages})
}

func (s *Service) hTopology(msg *maelstrom.Message) error {
	var body TopologyBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	if neighbors, found := body.Topology[s.node.Id]; found {
		s.neighbors = neighbors
		s.Log.Debug(1, "topology set, %d neighbors", len(neighbors))
	}

	return s.node.Reply(msg, &TopologyOkBody{})
}

func (s *Service) hGossip(msg *maelstrom.Message) error {
	var body GossipBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	known := s.known[msg.Src]
	if known == nil {
		known = make(map[int64]struct{})
		s.known[msg.Src] = known
	}

	for _, message := range body.Seen {
		s.messages[message] = struct{}{}
		known[message] = struct{}{}
	}

	return s.node.Reply(msg, &GossipOkBody{})
}

func (s *Service) gossip() {
	for _, neighbor := range s.neighbors {
		known := s.known[neighbor]

		var seen []int64
		for message := range s.messages {
			if _, found := known[message]; !found {
				seen = append(seen, message)
			}
		}

		if len(seen) == 0 {
			continue
		}

		neighbor := neighbor
		body := GossipBody{Seen: seen}

		// Messages only count as known once the neighbor acknowledges
		// them; a lost gossip is resent on the next round.
		err := s.node.SendRPC(neighbor, &body, s.gossipInterval,
			func(_ *maelstrom.Message, err error) {
				if err != nil {
					return
				}

				s.ackGossip(neighbor, seen)
			})
		if err != nil {
			s.Log.Error("cannot gossip with %s: %v", neighbor, err)
		}
	}
}

// ackGossip marks messages as known to a neighbor once it has acknowledged a
// gossip carrying them.
func (s *Service) ackGossip(neighbor string, seen []int64) {
	known := s.known[neighbor]
	if known == nil {
		known = make(map[int64]struct{})
		s.known[neighbor] = known
	}

	for _, message := range seen {
		known[message] = struct{}{}
	}
}
