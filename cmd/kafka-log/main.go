package main

import (
	"strconv"
	"time"

	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/redis/go-redis/v9"
)

func main() {
	p := program.NewProgram("kafka-log",
		"a replicated log with per-key offsets")

	p.AddOption("", "redis-uri", "uri", "redis://localhost/",
		"the uri of the redis server used for offset allocation")
	p.AddOption("", "gossip-interval", "milliseconds", "100",
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

	redisOpts, err := redis.ParseURL(p.OptionValue("redis-uri"))
	if err != nil {
		p.Fatal("invalid redis uri: %v", err)
	}

	logger := log.DefaultLogger("kafka-log")

	service, err := NewService(redis.NewClient(redisOpts),
		time.Duration(intervalMs)*time.Millisecond, logger)
	if err != nil {
		p.Fatal("cannot create service: %v", err)
	}

	if err := service.Run(); err != nil {
		p.Fatal("%v", err)
	}
}
