package main

import (
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
)

func main() {
	p := program.NewProgram("kvstore",
		"a linearizable key-value store replicated with raft")

	p.AddOption("c", "cfg-file", "path", "",
		"load a configuration file")

	p.SetMain(cmdMain)

	p.ParseCommandLine()
	p.Run()
}

func cmdMain(p *program.Program) {
	cfg := DefaultCfg()

	if p.IsOptionSet("cfg-file") {
		filePath := p.OptionValue("cfg-file")
		if err := cfg.LoadFile(filePath); err != nil {
			p.Fatal("cannot load %s: %v", filePath, err)
		}
	}

	logger := log.DefaultLogger("kvstore")

	service, err := NewService(cfg, logger)
	if err != nil {
		p.Fatal("cannot create service: %v", err)
	}

	if err := service.Run(); err != nil {
		p.Fatal("%v", err)
	}
}
