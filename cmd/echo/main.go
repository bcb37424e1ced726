package main

import (
	"encoding/json"

	"github.com/galdor/go-log"
	"github.com/galdor/go-maelstrom/pkg/maelstrom"
	"github.com/galdor/go-program"
)

type EchoBody struct {
	maelstrom.BodyHeader
	Echo json.RawMessage `json:"echo"`
}

func (b *EchoBody) GetType() string {
	return "echo"
}

type EchoOkBody struct {
	maelstrom.BodyHeader
	Echo json.RawMessage `json:"echo"`
}

func (b *EchoOkBody) GetType() string {
	return "echo_ok"
}

func main() {
	p := program.NewProgram("echo", "a node echoing everything it receives")

	p.SetMain(cmdMain)

	p.ParseCommandLine()
	p.Run()
}

func cmdMain(p *program.Program) {
	logger := log.DefaultLogger("echo")

	node, err := maelstrom.NewNode(maelstrom.NodeCfg{
		Logger: logger.Child("node", log.Data{}),
	})
	if err != nil {
		p.Fatal("cannot create node: %v", err)
	}

	node.RegisterHandler("echo", func(msg *maelstrom.Message) error {
		var body EchoBody
		if err := msg.DecodeBody(&body); err != nil {
			return maelstrom.NewError(maelstrom.ErrorMalformedRequest,
				"%v", err)
		}

		return node.Reply(msg, &EchoOkBody{Echo: body.Echo})
	})

	if err := node.Run(); err != nil {
		p.Fatal("%v", err)
	}
}
