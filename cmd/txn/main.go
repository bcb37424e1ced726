package main

import (
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
)

func main() {
	p := program.NewProgram("txn",
		"a totally available transactional key-value store")

	p.SetMain(cmdMain)

	p.ParseCommandLine()
	p.Run()
}

func cmdMain(p *program.Program) {
	logger := log.DefaultLogger("txn")

	service, err := NewService(logger)
	if err != nil {
		p.Fatal("cannot create service: %v", err)
	}

	if err := service.Run(); err != nil {
		p.Fatal("%v", err)
	}
}
