package main

import (
	"fmt"

	"github.com/galdor/go-log"
	"github.com/galdor/go-maelstrom/pkg/maelstrom"
)

type TxnBody struct {
	maelstrom.BodyHeader
	Txn []Operation `json:"txn"`
}

func (b *TxnBody) GetType() string {
	return "txn"
}

type TxnOkBody struct {
	maelstrom.BodyHeader
	Txn []Operation `json:"txn"`
}

func (b *TxnOkBody) GetType() string {
	return "txn_ok"
}

type InternalTxnBody struct {
	maelstrom.BodyHeader
	Txn []Operation `json:"txn"`
}

func (b *InternalTxnBody) GetType() string {
	return "internal_txn"
}

// Service executes transactions against a local store and asynchronously
// forwards their writes to the other nodes, staying available during
// partitions at the cost of propagation lag.
type Service struct {
	Log *log.Logger

	node *maelstrom.Node

	store map[int64]int64
}

func NewService(logger *log.Logger) (*Service, error) {
	s := &Service{
		Log: logger,

		store: make(map[int64]int64),
	}

	node, err := maelstrom.NewNode(maelstrom.NodeCfg{
		Logger: logger.Child("node", log.Data{}),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create node: %w", err)
	}

	s.node = node

	node.RegisterHandler("txn", s.hTxn)
	node.RegisterHandler("internal_txn", s.hInternalTxn)

	return s, nil
}

func (s *Service) Run() error {
	return s.node.Run()
}

func (s *Service) hTxn(msg *maelstrom.Message) error {
	var body TxnBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	txn := s.applyTxn(body.Txn)

	for _, peer := range s.node.Peers() {
		fwd := InternalTxnBody{Txn: txn}
		if err := s.node.Send(peer, &fwd); err != nil {
			s.Log.Error("cannot forward transaction to %s: %v", peer, err)
		}
	}

	return s.node.Reply(msg, &TxnOkBody{Txn: txn})
}

func (s *Service) hInternalTxn(msg *maelstrom.Message) error {
	var body InternalTxnBody
	if err := msg.DecodeBody(&body); err != nil {
		return maelstrom.NewError(maelstrom.ErrorMalformedRequest, "%v", err)
	}

	for _, op := range body.Txn {
		if op.Type == OpWrite {
			s.store[op.Key] = *op.Value
		}
	}

	return nil
}

func (s *Service) applyTxn(txn []Operation) []Operation {
	applied := make([]Operation, len(txn))

	for i, op := range txn {
		switch op.Type {
		case OpRead:
			if value, found := s.store[op.Key]; found {
				value := value
				op.Value = &value
			} else {
				op.Value = nil
			}

		case OpWrite:
			s.store[op.Key] = *op.Value
		}

		applied[i] = op
	}

	return applied
}
