package maelstrom

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

// HandlerFunc processes an incoming request message. Handlers always run on
// the node decision loop, never concurrently with each other.
type HandlerFunc func(msg *Message) error

// InitFunc is called on the decision loop once the init message has been
// received, before init_ok is sent.
type InitFunc func() error

type NodeCfg struct {
	Logger Logger

	// Input and Output default to stdin and stdout. Tests inject pipes to
	// script a cluster.
	Input  io.Reader
	Output io.Writer

	RPCExpiryInterval time.Duration

	MaxLineSize int
}

// Node implements the harness substrate: a line-oriented JSON message loop
// over a byte stream. All state mutations happen on a single decision loop;
// timers and inbound messages are external event sources that enqueue onto
// it.
type Node struct {
	Cfg NodeCfg
	Log Logger

	Id      string
	NodeIds []string

	handlers map[string]HandlerFunc
	initFunc InitFunc
	tasks    []*periodicTask

	nextMsgId   int64
	pendingRPCs map[int64]*pendingRPC

	output io.Writer

	eventChan  chan nodeEvent
	readerDone chan struct{}
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

type nodeEvent struct {
	msg       *Message
	task      *periodicTask
	rpcExpiry bool
}

type periodicTask struct {
	name     string
	interval time.Duration
	fn       func()
}

func NewNode(cfg NodeCfg) (*Node, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Input == nil {
		cfg.Input = os.Stdin
	}

	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	if cfg.RPCExpiryInterval == 0 {
		cfg.RPCExpiryInterval = 50 * time.Millisecond
	}

	if cfg.MaxLineSize == 0 {
		cfg.MaxLineSize = 4 << 20
	}

	n := &Node{
		Cfg: cfg,
		Log: cfg.Logger,

		handlers:    make(map[string]HandlerFunc),
		pendingRPCs: make(map[int64]*pendingRPC),

		nextMsgId: 1,

		output: cfg.Output,

		eventChan:  make(chan nodeEvent),
		readerDone: make(chan struct{}),
		stopChan:   make(chan struct{}),
	}

	return n, nil
}

// RegisterHandler associates a handler with a request type. Registration
// must happen before Run.
func (n *Node) RegisterHandler(msgType string, fn HandlerFunc) {
	if _, found := n.handlers[msgType]; found {
		Panicf("duplicate handler for message type %q", msgType)
	}

	n.handlers[msgType] = fn
}

func (n *Node) RegisterInitFunc(fn InitFunc) {
	n.initFunc = fn
}

// AddPeriodicTask schedules a function to run on the decision loop at a
// fixed interval. Tasks do not fire until the node has been initialized.
func (n *Node) AddPeriodicTask(name string, interval time.Duration, fn func()) {
	task := periodicTask{
		name:     name,
		interval: interval,
		fn:       fn,
	}

	n.tasks = append(n.tasks, &task)
}

// Run executes the decision loop until the input stream is closed by the
// harness or Stop is called.
func (n *Node) Run() error {
	n.Log.Debug(1, "starting")

	n.wg.Add(1)
	go n.readInput()

	for _, task := range n.tasks {
		n.wg.Add(1)
		go n.tickPeriodicTask(task)
	}

	n.wg.Add(1)
	go n.tickRPCExpiry()

	err := n.main()

	close(n.stopChan)
	n.wg.Wait()

	n.Log.Debug(1, "stopped")

	return err
}

func (n *Node) Stop() {
	select {
	case <-n.stopChan:
	default:
		close(n.stopChan)
	}
}

func (n *Node) main() (err error) {
	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			n.Log.Error("panic: %s\n%s", msg, trace)

			err = fmt.Errorf("panic: %s", msg)
		}
	}()

	for {
		select {
		case <-n.stopChan:
			return nil

		case <-n.readerDone:
			n.Log.Debug(1, "input stream closed")
			return nil

		case ev := <-n.eventChan:
			n.processEvent(ev)
		}
	}
}

func (n *Node) processEvent(ev nodeEvent) {
	switch {
	case ev.msg != nil:
		n.processMsg(ev.msg)

	case ev.task != nil:
		if n.Id != "" {
			ev.task.fn()
		}

	case ev.rpcExpiry:
		n.expirePendingRPCs()
	}
}

func (n *Node) readInput() {
	defer n.wg.Done()
	defer close(n.readerDone)

	scanner := bufio.NewScanner(n.Cfg.Input)
	scanner.Buffer(make([]byte, 0, 64*1024), n.Cfg.MaxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			n.Log.Error("cannot decode message: %v", err)
			continue
		}

		select {
		case n.eventChan <- nodeEvent{msg: &msg}:
		case <-n.stopChan:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		n.Log.Error("cannot read input: %v", err)
	}
}

func (n *Node) tickPeriodicTask(task *periodicTask) {
	defer n.wg.Done()

	ticker := time.NewTicker(task.interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopChan:
			return
		case <-ticker.C:
		}

		select {
		case n.eventChan <- nodeEvent{task: task}:
		case <-n.stopChan:
			return
		}
	}
}

func (n *Node) tickRPCExpiry() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.Cfg.RPCExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopChan:
			return
		case <-ticker.C:
		}

		select {
		case n.eventChan <- nodeEvent{rpcExpiry: true}:
		case <-n.stopChan:
			return
		}
	}
}

func (n *Node) processMsg(msg *Message) {
	n.Log.Debug(2, "received %v", msg)

	header, err := msg.DecodeHeader()
	if err != nil {
		n.Log.Error("invalid message from %s: %v", msg.Src, err)
		return
	}

	// Replies are matched against pending RPCs and never dispatched to
	// handlers. A reply which does not match anything is stale churn, e.g. a
	// response which arrived after its timeout, and is discarded.
	if header.InReplyTo != 0 {
		n.processReply(header.InReplyTo, msg)
		return
	}

	if header.Type == "init" {
		n.processInit(msg)
		return
	}

	if n.Id == "" {
		n.Log.Error("ignoring %q message received before init", header.Type)
		return
	}

	fn, found := n.handlers[header.Type]
	if !found {
		n.Log.Error("no handler for message type %q", header.Type)

		if header.MsgId != 0 {
			n.ReplyError(msg, ErrorNotSupported,
				"unsupported message type %q", header.Type)
		}

		return
	}

	if err := fn(msg); err != nil {
		n.Log.Error("cannot process %q message: %v", header.Type, err)

		if header.MsgId != 0 {
			if merr, ok := err.(*Error); ok {
				n.ReplyError(msg, merr.Code, "%s", merr.Text)
			} else {
				n.ReplyError(msg, ErrorCrash, "%v", err)
			}
		}
	}
}

func (n *Node) processInit(msg *Message) {
	var body InitBody
	if err := msg.DecodeBody(&body); err != nil {
		n.Log.Error("invalid init message: %v", err)
		n.ReplyError(msg, ErrorMalformedRequest, "%v", err)
		return
	}

	n.Id = body.NodeId
	n.NodeIds = body.NodeIds

	n.Log.Info("initialized as %q in a cluster of %d nodes",
		n.Id, len(n.NodeIds))

	if n.initFunc != nil {
		if err := n.initFunc(); err != nil {
			n.Log.Error("cannot initialize node: %v", err)
			n.ReplyError(msg, ErrorCrash, "%v", err)
			return
		}
	}

	n.Reply(msg, &InitOkBody{})
}

func (n *Node) Peers() []string {
	peers := make([]string, 0, len(n.NodeIds))

	for _, id := range n.NodeIds {
		if id != n.Id {
			peers = append(peers, id)
		}
	}

	return peers
}
