package raft

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/galdor/go-maelstrom/pkg/maelstrom"
)

type testLogger struct{}

func (l testLogger) Debug(level int, format string, args ...interface{}) {
}

func (l testLogger) Info(format string, args ...interface{}) {
}

func (l testLogger) Error(format string, args ...interface{}) {
}

type testStateMachine struct {
	mu       sync.Mutex
	commands []string
}

func (sm *testStateMachine) Apply(index LogIndex, data []byte) (interface{}, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.commands = append(sm.commands, string(data))
	return string(data), nil
}

func (sm *testStateMachine) snapshot() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return append([]string(nil), sm.commands...)
}

type submitBody struct {
	maelstrom.BodyHeader
	Value string `json:"value"`
}

func (b *submitBody) GetType() string {
	return "submit"
}

type submitOkBody struct {
	maelstrom.BodyHeader
	Value string `json:"value"`
}

func (b *submitOkBody) GetType() string {
	return "submit_ok"
}

type countOkBody struct {
	maelstrom.BodyHeader
	Count int `json:"count"`
}

func (b *countOkBody) GetType() string {
	return "count_ok"
}

type testServer struct {
	id     string
	node   *maelstrom.Node
	server *Server
	sm     *testStateMachine

	input *io.PipeWriter

	// Messages are queued and written to the input pipe by a dedicated
	// goroutine so that routers never block on a busy destination.
	deliver chan []byte

	done chan error
}

func (s *testServer) send(line string) {
	s.deliver <- []byte(line + "\n")
}

// testCluster wires servers together with in-memory pipes. A router
// goroutine per server parses its output stream and forwards messages,
// dropping those crossing a partition; messages for clients land on a
// channel the test reads from.
type testCluster struct {
	t       *testing.T
	servers map[string]*testServer

	mu          sync.Mutex
	partitioned map[string]bool

	clientChan chan *maelstrom.Message

	msgIdMu sync.Mutex
	msgId   int64
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()

	c := testCluster{
		t:       t,
		servers: make(map[string]*testServer),

		partitioned: make(map[string]bool),

		clientChan: make(chan *maelstrom.Message, 1024),
	}

	var ids []string
	for i := 1; i <= size; i++ {
		ids = append(ids, fmt.Sprintf("n%d", i))
	}

	for _, id := range ids {
		c.servers[id] = c.startServer(id)
	}

	t.Cleanup(c.stop)

	idsData, _ := json.Marshal(ids)

	for _, id := range ids {
		line := fmt.Sprintf(`{"src":"c1","dest":%q,`+
			`"body":{"type":"init","msg_id":%d,"node_id":%q,`+
			`"node_ids":%s}}`, id, c.nextMsgId(), id, idsData)

		c.servers[id].send(line)
	}

	for range ids {
		c.waitClientMessage("init_ok", 5*time.Second)
	}

	return &c
}

func (c *testCluster) startServer(id string) *testServer {
	c.t.Helper()

	inputR, inputW := io.Pipe()
	outputR, outputW := io.Pipe()

	node, err := maelstrom.NewNode(maelstrom.NodeCfg{
		Logger: testLogger{},
		Input:  inputR,
		Output: outputW,

		RPCExpiryInterval: 10 * time.Millisecond,
	})
	if err != nil {
		c.t.Fatalf("cannot create node: %v", err)
	}

	sm := &testStateMachine{}

	server, err := NewServer(ServerCfg{
		Node:         node,
		StateMachine: sm,
		Logger:       testLogger{},

		MinElectionTimeout: 100 * time.Millisecond,
		MaxElectionTimeout: 200 * time.Millisecond,
		HeartbeatInterval:  30 * time.Millisecond,
		TickInterval:       10 * time.Millisecond,
		RPCTimeout:         50 * time.Millisecond,
		CommitWaitTimeout:  2 * time.Second,
	})
	if err != nil {
		c.t.Fatalf("cannot create server: %v", err)
	}

	node.RegisterInitFunc(server.Init)

	node.RegisterHandler("submit", func(msg *maelstrom.Message) error {
		var body submitBody
		if err := msg.DecodeBody(&body); err != nil {
			return err
		}

		err := server.SubmitCommand([]byte(body.Value),
			func(result interface{}, err error) {
				if err != nil {
					node.ReplyError(msg,
						maelstrom.ErrorTemporarilyUnavailable, "%v", err)
					return
				}

				node.Reply(msg, &submitOkBody{Value: result.(string)})
			})
		if err != nil {
			return maelstrom.NewError(maelstrom.ErrorTemporarilyUnavailable,
				"%v", err)
		}

		return nil
	})

	node.RegisterHandler("count", func(msg *maelstrom.Message) error {
		err := server.SubmitRead(func(_ interface{}, err error) {
			if err != nil {
				node.ReplyError(msg,
					maelstrom.ErrorTemporarilyUnavailable, "%v", err)
				return
			}

			node.Reply(msg, &countOkBody{Count: len(sm.snapshot())})
		})
		if err != nil {
			return maelstrom.NewError(maelstrom.ErrorTemporarilyUnavailable,
				"%v", err)
		}

		return nil
	})

	s := testServer{
		id:     id,
		node:   node,
		server: server,
		sm:     sm,

		input:   inputW,
		deliver: make(chan []byte, 4096),

		done: make(chan error, 1),
	}

	go func() {
		for line := range s.deliver {
			if _, err := inputW.Write(line); err != nil {
				return
			}
		}
	}()

	go func() {
		s.done <- node.Run()
		outputW.Close()
	}()

	go c.route(outputR)

	return &s
}

func (c *testCluster) stop() {
	for _, s := range c.servers {
		s.input.Close()
	}

	for _, s := range c.servers {
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			c.t.Errorf("server %s did not stop", s.id)
		}
	}
}

func (c *testCluster) route(output io.Reader) {
	scanner := bufio.NewScanner(output)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)

		var msg maelstrom.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		if strings.HasPrefix(msg.Dest, "c") {
			select {
			case c.clientChan <- &msg:
			default:
			}
			continue
		}

		c.mu.Lock()
		blocked := c.partitioned[msg.Src] || c.partitioned[msg.Dest]
		target := c.servers[msg.Dest]
		c.mu.Unlock()

		if blocked || target == nil {
			continue
		}

		target.deliver <- append(line, '\n')
	}
}

func (c *testCluster) partition(id string) {
	c.mu.Lock()
	c.partitioned[id] = true
	c.mu.Unlock()
}

func (c *testCluster) heal(id string) {
	c.mu.Lock()
	delete(c.partitioned, id)
	c.mu.Unlock()
}

func (c *testCluster) nextMsgId() int64 {
	c.msgIdMu.Lock()
	defer c.msgIdMu.Unlock()

	c.msgId++
	return c.msgId
}

func (c *testCluster) waitClientMessage(msgType string, timeout time.Duration) *maelstrom.Message {
	c.t.Helper()

	deadline := time.After(timeout)

	for {
		select {
		case msg := <-c.clientChan:
			header, err := msg.DecodeHeader()
			if err == nil && header.Type == msgType {
				return msg
			}

		case <-deadline:
			c.t.Fatalf("no %q message received", msgType)
			return nil
		}
	}
}

func (c *testCluster) waitReply(msgId int64, timeout time.Duration) *maelstrom.Message {
	deadline := time.After(timeout)

	for {
		select {
		case msg := <-c.clientChan:
			header, err := msg.DecodeHeader()
			if err == nil && header.InReplyTo == msgId {
				return msg
			}

		case <-deadline:
			return nil
		}
	}
}

func (c *testCluster) submit(id, value string, timeout time.Duration) error {
	msgId := c.nextMsgId()

	line := fmt.Sprintf(`{"src":"c1","dest":%q,`+
		`"body":{"type":"submit","msg_id":%d,"value":%q}}`,
		id, msgId, value)

	c.servers[id].send(line)

	msg := c.waitReply(msgId, timeout)
	if msg == nil {
		return fmt.Errorf("no reply")
	}

	header, _ := msg.DecodeHeader()
	if header.Type == "submit_ok" {
		return nil
	}

	var body maelstrom.Error
	if err := msg.DecodeBody(&body); err != nil {
		return fmt.Errorf("invalid error reply: %v", err)
	}

	return &body
}

func (c *testCluster) count(id string, timeout time.Duration) (int, error) {
	msgId := c.nextMsgId()

	line := fmt.Sprintf(`{"src":"c1","dest":%q,`+
		`"body":{"type":"count","msg_id":%d}}`, id, msgId)

	c.servers[id].send(line)

	msg := c.waitReply(msgId, timeout)
	if msg == nil {
		return 0, fmt.Errorf("no reply")
	}

	header, _ := msg.DecodeHeader()
	if header.Type != "count_ok" {
		var body maelstrom.Error
		if err := msg.DecodeBody(&body); err != nil {
			return 0, fmt.Errorf("invalid error reply: %v", err)
		}

		return 0, &body
	}

	var body countOkBody
	if err := msg.DecodeBody(&body); err != nil {
		return 0, fmt.Errorf("invalid reply: %v", err)
	}

	return body.Count, nil
}

// findLeader locates the current leader by probing servers with submissions
// until one accepts.
func (c *testCluster) findLeader(timeout time.Duration) string {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		for id := range c.servers {
			c.mu.Lock()
			blocked := c.partitioned[id]
			c.mu.Unlock()

			if blocked {
				continue
			}

			if err := c.submit(id, "probe", time.Second); err == nil {
				return id
			}
		}

		time.Sleep(50 * time.Millisecond)
	}

	c.t.Fatalf("no leader found")
	return ""
}

func containsInOrder(commands, values []string) bool {
	i := 0

	for _, command := range commands {
		if i < len(values) && command == values[i] {
			i++
		}
	}

	return i == len(values)
}

func TestServerSingleNode(t *testing.T) {
	c := newTestCluster(t, 1)

	leader := c.findLeader(5 * time.Second)
	if leader != "n1" {
		t.Fatalf("leader is %q", leader)
	}

	values := []string{"a", "b", "c"}
	for _, value := range values {
		if err := c.submit(leader, value, time.Second); err != nil {
			t.Fatalf("cannot submit %q: %v", value, err)
		}
	}

	commands := c.servers[leader].sm.snapshot()
	if !containsInOrder(commands, values) {
		t.Errorf("commands %v do not contain %v in order", commands, values)
	}
}

func TestServerLinearizableRead(t *testing.T) {
	c := newTestCluster(t, 1)

	leader := c.findLeader(5 * time.Second)

	if err := c.submit(leader, "x", time.Second); err != nil {
		t.Fatalf("cannot submit: %v", err)
	}

	count, err := c.count(leader, time.Second)
	if err != nil {
		t.Fatalf("cannot read: %v", err)
	}

	// The probe and the submitted command must both be visible
	if count < 2 {
		t.Errorf("count is %d", count)
	}
}

func TestServerElection(t *testing.T) {
	c := newTestCluster(t, 3)

	c.findLeader(10 * time.Second)
}

func TestServerReplication(t *testing.T) {
	c := newTestCluster(t, 3)

	leader := c.findLeader(10 * time.Second)

	var values []string
	for i := 0; i < 5; i++ {
		value := fmt.Sprintf("v%d", i)
		values = append(values, value)

		if err := c.submit(leader, value, time.Second); err != nil {
			t.Fatalf("cannot submit %q: %v", value, err)
		}
	}

	// Followers apply entries once the next heartbeat propagates the commit
	// index.
	deadline := time.Now().Add(5 * time.Second)

	for _, s := range c.servers {
		for {
			if containsInOrder(s.sm.snapshot(), values) {
				break
			}

			if time.Now().After(deadline) {
				t.Fatalf("server %s commands %v do not contain %v in order",
					s.id, s.sm.snapshot(), values)
			}

			time.Sleep(25 * time.Millisecond)
		}
	}
}

func TestServerSubmitToFollower(t *testing.T) {
	c := newTestCluster(t, 3)

	leader := c.findLeader(10 * time.Second)

	var follower string
	for id := range c.servers {
		if id != leader {
			follower = id
			break
		}
	}

	err := c.submit(follower, "nope", time.Second)
	if err == nil {
		t.Fatalf("submission to a follower succeeded")
	}

	var body *maelstrom.Error
	if !errors.As(err, &body) {
		t.Fatalf("unexpected error: %v", err)
	}
	if body.Code != maelstrom.ErrorTemporarilyUnavailable {
		t.Errorf("error code is %d", body.Code)
	}
}

func TestServerCommitTimeout(t *testing.T) {
	c := newTestCluster(t, 3)

	leader := c.findLeader(10 * time.Second)

	c.partition(leader)

	// The partitioned leader keeps accepting submissions but cannot gather
	// a majority, so the commit wait expires.
	err := c.submit(leader, "stranded", 5*time.Second)
	if err == nil {
		t.Fatalf("submission on a partitioned leader succeeded")
	}

	var body *maelstrom.Error
	if !errors.As(err, &body) {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body.Text, ErrCommitTimeout.Error()) {
		t.Errorf("error text is %q", body.Text)
	}

	// The remaining majority elects a new leader and the retried
	// submission succeeds there.
	newLeader := c.findLeader(10 * time.Second)
	if newLeader == leader {
		t.Fatalf("partitioned leader %q still accepts submissions", leader)
	}

	if err := c.submit(newLeader, "stranded", time.Second); err != nil {
		t.Fatalf("cannot submit: %v", err)
	}
}

func TestServerLeaderFailover(t *testing.T) {
	c := newTestCluster(t, 3)

	leader := c.findLeader(10 * time.Second)

	c.partition(leader)

	newLeader := c.findLeader(10 * time.Second)
	if newLeader == leader {
		t.Fatalf("partitioned leader %q still accepts submissions", leader)
	}

	if err := c.submit(newLeader, "after-failover", time.Second); err != nil {
		t.Fatalf("cannot submit: %v", err)
	}

	// Once healed, the deposed leader observes the new term and catches up
	c.heal(leader)

	deadline := time.Now().Add(5 * time.Second)
	for {
		commands := c.servers[leader].sm.snapshot()
		if containsInOrder(commands, []string{"after-failover"}) {
			break
		}

		if time.Now().After(deadline) {
			t.Fatalf("old leader %s did not catch up: %v", leader, commands)
		}

		time.Sleep(25 * time.Millisecond)
	}
}
