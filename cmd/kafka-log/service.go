package main

import (
	"context"
	"fmt"
	"time"

	"github.com/galdor/go-log"
	"github.com/galdor/go-maelstrom/pkg/maelstrom"
	"github.com/redis/go-redis/v9"
)

type SendBody struct {
	maelstrom.BodyHeader
	Key string `json:"key"`
	Msg int64  `json:"msg"`
}

func (b *SendBody) GetType() string {
	return "send"
}

type SendOkBody struct {
	maelstrom.BodyHeader
	Offset int64 `json:"offset"`
}

func (b *SendOkBody) GetType() string {
	return "send_ok"
}

type PollBody struct {
	maelstrom.BodyHeader
	Offsets map[string]int64 `json:"offsets"`
}

func (b *PollBody) GetType() string {
	return "poll"
}

type PollOkBody struct {
	maelstrom.BodyHeader
	Msgs map[string][]Entry `json:"msgs"`
}

func (b *PollOkBody) GetType() string {
	return "poll_ok"
}

type CommitOffsetsBody struct {
	maelstrom.BodyHeader
	Offsets map[string]int64 `json:"offsets"`
}

func (b *CommitOffsetsBody) GetType() string {
	return "commit_offsets"
}

type CommitOffsetsOkBody struct {
	maelstrom.BodyHeader
}

func (b *CommitOffsetsOkBody) GetType() string {
	return "commit_offsets_ok"
}

type ListCommittedOffsetsBody struct {
	maelstrom.BodyHeader
	Keys []string `json:"keys"`
}

func (b *ListCommittedOffsetsBody) GetType() string {
	return "list_committed_offsets"
}

type ListCommittedOffsetsOkBody struct {
	maelstrom.BodyHeader
	Offsets map[string]int64 `json:"offsets"`
}

func (b *ListCommittedOffsetsOkBody) GetType() string {
	return "list_committed_offsets_ok"
}

type GossipBody struct {
	maelstrom.BodyHeader
	Entries   map[string][]Entry `json:"entries,omitempty"`
	Committed map[string]int64   `json:"committed,omitempty"`
}

func (b *GossipBody) GetType() string {
	return "gossip"
}

// Service replicates a set of per-key logs. Offsets are allocated with a
// redis counter, making them unique across the cluster, and entries spread
// to all nodes with periodic gossip, so any node can serve polls.
type Service struct {
	Log *log.Logger

	node        *maelstrom.Node
	redisClient *redis.Client

	store *LogStore

	// Entries and committed offsets each peer is known to have; entries
	// are marked as known as soon as they are sent since gossip carries no
	// acknowledgment.
	knownEntries   map[string]map[string]map[int64]struct{}
	knownCommitted map[string]map[string]int64
}

func NewService(redisClient *redis.Client, gossipInterval time.Duration, logger *log.Logger) (*Service, error) {
	s := &Service{
		Log: logger,

		redisClient: redisClient,

		store: NewLogStore(),

		knownEntries:   make(map[string]map[string]map[int64]struct{}),
		knownCommitted: make(map[string]map[string]int64),
	}

	node, err := maelstrom.NewNode(maelstrom.NodeCfg{
		Logger: logger.Child("node", log.Data{}),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create node: %w", err)
	}

	s.node = node

	node.RegisterInitFunc(s.onInit)

	node.RegisterHandler("send", s.hSend)
	node.RegisterHandler("poll", s.hPoll)
	node.RegisterHandler("commit_offsets", s.hCommitOffsets)
	node.RegisterHandler("list_committed_offsets", s.hListCommittedOffsets)
	node.RegisterHandler("gossip", s.hGossip)

	node.AddPeriodicTask("gossip", gossipInterval, s.gossip)

	return s, nil
}

func (s *Service) Run() error {
	defer s.redisClient.Close()
	return s.node.Run()
}

func (s *Service) onInit() error {
	for _, id := range s.node.Peers() {
		s.knownEntries[id] = make(map[string]map[int64]struct{})
		s.knownCommitted[id] = make(map[string]int64)
	}

	return nil
}

func (s *Service) hSend(msg *maelstrom.Message) error {
	var body SendBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	offset, err := s.redisClient.Incr(context.Background(),
		body.Key+"::offset").Result()
	if err != nil {
		return maelstrom.NewError(maelstrom.ErrorTemporarilyUnavailable,
			"cannot allocate offset: %v", err)
	}

	s.store.Append(body.Key, Entry{Offset: offset, Msg: body.Msg})

	return s.node.Reply(msg, &SendOkBody{Offset: offset})
}

func (s *Service) hPoll(msg *maelstrom.Message) error {
	var body PollBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	msgs := make(map[string][]Entry)
	for key, offset := range body.Offsets {
		msgs[key] = s.store.EntriesFrom(key, offset)
	}

	return s.node.Reply(msg, &PollOkBody{Msgs: msgs})
}

func (s *Service) hCommitOffsets(msg *maelstrom.Message) error {
	var body CommitOffsetsBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	for key, offset := range body.Offsets {
		s.store.Commit(key, offset)
	}

	return s.node.Reply(msg, &CommitOffsetsOkBody{})
}

func (s *Service) hListCommittedOffsets(msg *maelstrom.Message) error {
	var body ListCommittedOffsetsBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	offsets := make(map[string]int64)
	for _, key := range body.Keys {
		if offset, found := s.store.CommittedOffset(key); found {
			offsets[key] = offset
		}
	}

	return s.node.Reply(msg, &ListCommittedOffsetsOkBody{Offsets: offsets})
}

func (s *Service) hGossip(msg *maelstrom.Message) error {
	var body GossipBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	for key, entries := range body.Entries {
		for _, entry := range entries {
			s.store.Append(key, entry)
			s.markEntryKnown(msg.Src, key, entry.Offset)
		}
	}

	for key, offset := range body.Committed {
		s.store.Commit(key, offset)

		if known := s.knownCommitted[msg.Src]; known != nil {
			if offset > known[key] {
				known[key] = offset
			}
		}
	}

	return nil
}

func (s *Service) gossip() {
	for _, peer := range s.node.Peers() {
		entries := s.unknownEntries(peer)
		committed := s.unknownCommitted(peer)

		if len(entries) == 0 && len(committed) == 0 {
			continue
		}

		body := GossipBody{
			Entries:   entries,
			Committed: committed,
		}

		if err := s.node.Send(peer, &body); err != nil {
			s.Log.Error("cannot gossip with %s: %v", peer, err)
			continue
		}

		for key, keyEntries := range entries {
			for _, entry := range keyEntries {
				s.markEntryKnown(peer, key, entry.Offset)
			}
		}

		for key, offset := range committed {
			s.knownCommitted[peer][key] = offset
		}
	}
}

func (s *Service) unknownEntries(peer string) map[string][]Entry {
	known := s.knownEntries[peer]

	entries := make(map[string][]Entry)

	for key, keyEntries := range s.store.Entries {
		for _, entry := range keyEntries {
			if _, found := known[key][entry.Offset]; found {
				continue
			}

			entries[key] = append(entries[key], entry)
		}
	}

	return entries
}

func (s *Service) unknownCommitted(peer string) map[string]int64 {
	known := s.knownCommitted[peer]

	committed := make(map[string]int64)

	for key, offset := range s.store.Committed {
		if offset > known[key] {
			committed[key] = offset
		}
	}

	return committed
}

func (s *Service) markEntryKnown(peer, key string, offset int64) {
	known := s.knownEntries[peer]
	if known == nil {
		known = make(map[string]map[int64]struct{})
		s.knownEntries[peer] = known
	}

	if known[key] == nil {
		known[key] = make(map[int64]struct{})
	}

	known[key][offset] = struct{}{}
}
