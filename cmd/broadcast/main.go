package main

import (
	"strconv"
	"time"

	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
)

func main() {
	p := program.NewProgram("broadcast",
		"a node propagating messages with periodic gossip")

	p.AddOption("", "gossip-interval", "milliseconds", "300",
		"the interval between two gossip rounds")

	p.SetMain(cmdMain)

	p.ParseCommandLine()
	p.Run()
}

func cmdMain(p *program.Program) {
	intervalMs, err := strconv.Atoi(p.OptionValue("gossip-interval"))
	if err != nil || intervalMs <= 0 {
		p.Fatal("invalid gossip interval")
	}

	logger := log.DefaultLogger("broadcast")

	service, err := NewService(time.Duration(intervalMs)*time.Millisecond,
		logger)
	if err != nil {
		p.Fatal("cannot create service: %v", err)
	}

	if err := service.Run(); err != nil {
		p.Fatal("%v", err)
	}
}
