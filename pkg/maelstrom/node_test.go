package maelstrom

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"
)

type testLogger struct {
	t *testing.T
}

func (l testLogger) Debug(level int, format string, args ...interface{}) {
}

func (l testLogger) Info(format string, args ...interface{}) {
}

func (l testLogger) Error(format string, args ...interface{}) {
	l.t.Logf("error: "+format, args...)
}

type pingBody struct {
	BodyHeader
	Value string `json:"value,omitempty"`
}

func (b *pingBody) GetType() string {
	return "ping"
}

type pongBody struct {
	BodyHeader
	Value string `json:"value,omitempty"`
}

func (b *pongBody) GetType() string {
	return "pong"
}

type noteBody struct {
	BodyHeader
	Note string `json:"note"`
}

func (b *noteBody) GetType() string {
	return "note"
}

type testHarness struct {
	t    *testing.T
	node *Node

	input   *io.PipeWriter
	scanner *bufio.Scanner

	done chan error
}

func startTestNode(t *testing.T, configure func(n *Node)) *testHarness {
	t.Helper()

	inputR, inputW := io.Pipe()
	outputR, outputW := io.Pipe()

	node, err := NewNode(NodeCfg{
		Logger: testLogger{t},
		Input:  inputR,
		Output: outputW,

		RPCExpiryInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("cannot create node: %v", err)
	}

	if configure != nil {
		configure(node)
	}

	h := testHarness{
		t:    t,
		node: node,

		input:   inputW,
		scanner: bufio.NewScanner(outputR),

		done: make(chan error, 1),
	}

	go func() {
		h.done <- node.Run()
	}()

	return &h
}

func (h *testHarness) stop() {
	h.t.Helper()

	h.input.Close()

	select {
	case err := <-h.done:
		if err != nil {
			h.t.Errorf("node failed: %v", err)
		}
	case <-time.After(time.Second):
		h.t.Errorf("node did not stop")
	}
}

func (h *testHarness) send(line string) {
	h.t.Helper()

	if _, err := h.input.Write([]byte(line + "\n")); err != nil {
		h.t.Fatalf("cannot write message: %v", err)
	}
}

func (h *testHarness) recv() (*Message, *BodyHeader) {
	h.t.Helper()

	if !h.scanner.Scan() {
		h.t.Fatalf("output stream closed: %v", h.scanner.Err())
	}

	var msg Message
	if err := json.Unmarshal(h.scanner.Bytes(), &msg); err != nil {
		h.t.Fatalf("cannot decode message: %v", err)
	}

	header, err := msg.DecodeHeader()
	if err != nil {
		h.t.Fatalf("cannot decode header: %v", err)
	}

	return &msg, header
}

func (h *testHarness) init() {
	h.t.Helper()

	h.send(`{"src":"c1","dest":"n1","body":{"type":"init","msg_id":1,` +
		`"node_id":"n1","node_ids":["n1","n2","n3"]}}`)

	msg, header := h.recv()
	if header.Type != "init_ok" {
		h.t.Fatalf("received %q instead of init_ok", header.Type)
	}
	if header.InReplyTo != 1 {
		h.t.Fatalf("init_ok replies to message %d", header.InReplyTo)
	}
	if msg.Dest != "c1" {
		h.t.Fatalf("init_ok sent to %q", msg.Dest)
	}
}

func TestNodeInit(t *testing.T) {
	h := startTestNode(t, nil)
	defer h.stop()

	h.init()

	peers := h.node.Peers()
	if len(peers) != 2 {
		t.Errorf("node has %d peers", len(peers))
	}
}

func TestNodeHandler(t *testing.T) {
	h := startTestNode(t, func(n *Node) {
		n.RegisterHandler("ping", func(msg *Message) error {
			var body pingBody
			if err := msg.DecodeBody(&body); err != nil {
				return err
			}

			return n.Reply(msg, &pongBody{Value: body.Value})
		})
	})
	defer h.stop()

	h.init()

	h.send(`{"src":"c1","dest":"n1",` +
		`"body":{"type":"ping","msg_id":2,"value":"hello"}}`)

	msg, header := h.recv()
	if header.Type != "pong" {
		t.Fatalf("received %q instead of pong", header.Type)
	}
	if header.InReplyTo != 2 {
		t.Errorf("pong replies to message %d", header.InReplyTo)
	}

	var body pongBody
	if err := msg.DecodeBody(&body); err != nil {
		t.Fatalf("cannot decode body: %v", err)
	}
	if body.Value != "hello" {
		t.Errorf("pong value is %q", body.Value)
	}
}

func TestNodeUnknownMessageType(t *testing.T) {
	h := startTestNode(t, nil)
	defer h.stop()

	h.init()

	h.send(`{"src":"c1","dest":"n1","body":{"type":"nope","msg_id":2}}`)

	msg, header := h.recv()
	if header.Type != "error" {
		t.Fatalf("received %q instead of error", header.Type)
	}

	var body Error
	if err := msg.DecodeBody(&body); err != nil {
		t.Fatalf("cannot decode body: %v", err)
	}
	if body.Code != ErrorNotSupported {
		t.Errorf("error code is %d", body.Code)
	}
}

func TestNodeHandlerError(t *testing.T) {
	h := startTestNode(t, func(n *Node) {
		n.RegisterHandler("ping", func(msg *Message) error {
			return NewError(ErrorAbort, "cannot serve request")
		})
	})
	defer h.stop()

	h.init()

	h.send(`{"src":"c1","dest":"n1","body":{"type":"ping","msg_id":2}}`)

	msg, header := h.recv()
	if header.Type != "error" {
		t.Fatalf("received %q instead of error", header.Type)
	}
	if header.InReplyTo != 2 {
		t.Errorf("error replies to message %d", header.InReplyTo)
	}

	var body Error
	if err := msg.DecodeBody(&body); err != nil {
		t.Fatalf("cannot decode body: %v", err)
	}
	if body.Code != ErrorAbort {
		t.Errorf("error code is %d", body.Code)
	}
}

func TestNodePreInitMessagesIgnored(t *testing.T) {
	handled := make(chan struct{}, 1)

	h := startTestNode(t, func(n *Node) {
		n.RegisterHandler("ping", func(msg *Message) error {
			handled <- struct{}{}
			return nil
		})
	})
	defer h.stop()

	h.send(`{"src":"c1","dest":"n1","body":{"type":"ping","msg_id":2}}`)

	h.init()

	select {
	case <-handled:
		t.Errorf("pre-init message was dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNodeRPC(t *testing.T) {
	h := startTestNode(t, func(n *Node) {
		n.RegisterHandler("ping", func(msg *Message) error {
			rpcBody := pingBody{Value: "forwarded"}

			return n.SendRPC("n2", &rpcBody, time.Second,
				func(reply *Message, err error) {
					if err != nil {
						n.Send("c1", &noteBody{Note: err.Error()})
						return
					}

					n.Reply(msg, &pongBody{Value: "done"})
				})
		})
	})
	defer h.stop()

	h.init()

	h.send(`{"src":"c1","dest":"n1","body":{"type":"ping","msg_id":2}}`)

	// The node forwards a request to n2
	msg, header := h.recv()
	if msg.Dest != "n2" {
		t.Fatalf("request sent to %q", msg.Dest)
	}
	if header.Type != "ping" {
		t.Fatalf("request type is %q", header.Type)
	}

	// Answer on behalf of n2; the reply callback then answers the original
	// client request.
	h.send(fmt.Sprintf(`{"src":"n2","dest":"n1",`+
		`"body":{"type":"pong","msg_id":1,"in_reply_to":%d}}`, header.MsgId))

	msg, header = h.recv()
	if msg.Dest != "c1" {
		t.Fatalf("reply sent to %q", msg.Dest)
	}
	if header.Type != "pong" {
		t.Fatalf("reply type is %q", header.Type)
	}
	if header.InReplyTo != 2 {
		t.Errorf("reply replies to message %d", header.InReplyTo)
	}
}

func TestNodeRPCTimeout(t *testing.T) {
	h := startTestNode(t, func(n *Node) {
		n.RegisterHandler("ping", func(msg *Message) error {
			rpcBody := pingBody{}

			return n.SendRPC("n2", &rpcBody, 20*time.Millisecond,
				func(reply *Message, err error) {
					if err == nil {
						n.Send("c1", &noteBody{Note: "unexpected reply"})
						return
					}

					n.Send("c1", &noteBody{Note: "timeout"})
				})
		})
	})
	defer h.stop()

	h.init()

	h.send(`{"src":"c1","dest":"n1","body":{"type":"ping","msg_id":2}}`)

	// The RPC request to n2, never answered
	msg, _ := h.recv()
	if msg.Dest != "n2" {
		t.Fatalf("request sent to %q", msg.Dest)
	}

	msg, header := h.recv()
	if header.Type != "note" {
		t.Fatalf("received %q instead of note", header.Type)
	}

	var body noteBody
	if err := msg.DecodeBody(&body); err != nil {
		t.Fatalf("cannot decode body: %v", err)
	}
	if body.Note != "timeout" {
		t.Errorf("note is %q", body.Note)
	}
}

func TestNodeStaleReplyDiscarded(t *testing.T) {
	h := startTestNode(t, nil)
	defer h.stop()

	h.init()

	// A reply which does not match any pending rpc must be silently dropped
	h.send(`{"src":"n2","dest":"n1",` +
		`"body":{"type":"pong","msg_id":1,"in_reply_to":99}}`)

	h.send(`{"src":"c1","dest":"n1","body":{"type":"init","msg_id":3,` +
		`"node_id":"n1","node_ids":["n1"]}}`)

	_, header := h.recv()
	if header.Type != "init_ok" {
		t.Fatalf("received %q instead of init_ok", header.Type)
	}
}
