package maelstrom

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrRPCTimeout = errors.New("rpc timeout")

// ReplyFunc is called on the decision loop with the reply to an RPC, or with
// a nil message and an error if the request expired. It is called exactly
// once.
type ReplyFunc func(reply *Message, err error)

type pendingRPC struct {
	msgId    int64
	dest     string
	deadline time.Time
	fn       ReplyFunc
}

// Send emits a fire-and-forget message.
func (n *Node) Send(dest string, body Body) error {
	_, err := n.sendMsg(dest, body, 0)
	return err
}

// Reply answers a request, correlating the response with the request
// identifier.
func (n *Node) Reply(req *Message, body Body) error {
	header, err := req.DecodeHeader()
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	_, err = n.sendMsg(req.Src, body, header.MsgId)
	return err
}

func (n *Node) ReplyError(req *Message, code ErrorCode, format string, args ...interface{}) error {
	return n.Reply(req, NewError(code, format, args...))
}

// SendRPC emits a request and registers fn to be called with the
// asynchronous reply. If no reply arrives before the timeout, fn is called
// with ErrRPCTimeout and a later reply is discarded.
func (n *Node) SendRPC(dest string, body Body, timeout time.Duration, fn ReplyFunc) error {
	msgId, err := n.sendMsg(dest, body, 0)
	if err != nil {
		return err
	}

	n.pendingRPCs[msgId] = &pendingRPC{
		msgId:    msgId,
		dest:     dest,
		deadline: time.Now().Add(timeout),
		fn:       fn,
	}

	return nil
}

func (n *Node) sendMsg(dest string, body Body, inReplyTo int64) (int64, error) {
	header := body.Header()
	header.Type = body.GetType()
	header.MsgId = n.nextMsgId
	header.InReplyTo = inReplyTo

	n.nextMsgId++

	bodyData, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("cannot encode body: %w", err)
	}

	msg := Message{
		Src:  n.Id,
		Dest: dest,
		Body: bodyData,
	}

	data, err := json.Marshal(&msg)
	if err != nil {
		return 0, fmt.Errorf("cannot encode message: %w", err)
	}

	n.Log.Debug(2, "sending %v", &msg)

	if _, err := n.output.Write(append(data, '\n')); err != nil {
		return 0, fmt.Errorf("cannot write message: %w", err)
	}

	return header.MsgId, nil
}

func (n *Node) processReply(inReplyTo int64, msg *Message) {
	rpc, found := n.pendingRPCs[inReplyTo]
	if !found {
		n.Log.Debug(2, "discarding unexpected reply to message %d", inReplyTo)
		return
	}

	delete(n.pendingRPCs, inReplyTo)

	rpc.fn(msg, nil)
}

func (n *Node) expirePendingRPCs() {
	now := time.Now()

	for msgId, rpc := range n.pendingRPCs {
		if rpc.deadline.After(now) {
			continue
		}

		n.Log.Debug(1, "rpc %d to %s timed out", msgId, rpc.dest)

		delete(n.pendingRPCs, msgId)

		rpc.fn(nil, ErrRPCTimeout)
	}
}
