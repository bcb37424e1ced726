package main

import (
	"github.com/galdor/go-log"
	"github.com/galdor/go-maelstrom/pkg/maelstrom"
	"github.com/galdor/go-program"
	"github.com/google/uuid"
)

type GenerateBody struct {
	maelstrom.BodyHeader
}

func (b *GenerateBody) GetType() string {
	return "generate"
}

type GenerateOkBody struct {
	maelstrom.BodyHeader
	Id string `json:"id"`
}

func (b *GenerateOkBody) GetType() string {
	return "generate_ok"
}

func main() {
	p := program.NewProgram("unique-id", "a globally unique id generator")

	p.SetMain(cmdMain)

	p.ParseCommandLine()
	p.Run()
}

func cmdMain(p *program.Program) {
	logger := log.DefaultLogger("unique-id")

	node, err := maelstrom.NewNode(maelstrom.NodeCfg{
		Logger: logger.Child("node", log.Data{}),
	})
	if err != nil {
		p.Fatal("cannot create node: %v", err)
	}

	node.RegisterHandler("generate", func(msg *maelstrom.Message) error {
		id, err := uuid.NewRandom()
		if err != nil {
			return maelstrom.NewError(maelstrom.ErrorCrash,
				"cannot generate uuid: %v", err)
		}

		reply := GenerateOkBody{Id: node.Id + "-" + id.String()}
		return node.Reply(msg, &reply)
	})

	if err := node.Run(); err != nil {
		p.Fatal("%v", err)
	}
}
