package main

import (
	"encoding/json"
	"fmt"
	"os"

	jsonvalidator "github.com/galdor/go-json-validator"
)

type Cfg struct {
	Raft RaftCfg `json:"raft"`
}

// RaftCfg carries tuning parameters for the consensus engine. Durations are
// in milliseconds; zero values select defaults.
type RaftCfg struct {
	DataDirectory string `json:"dataDirectory"`

	MinElectionTimeout int `json:"minElectionTimeout"`
	MaxElectionTimeout int `json:"maxElectionTimeout"`
	HeartbeatInterval  int `json:"heartbeatInterval"`
	CommitWaitTimeout  int `json:"commitWaitTimeout"`
}

func (cfg *Cfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("raft", &cfg.Raft)
}

func (cfg *RaftCfg) ValidateJSON(v *jsonvalidator.Validator) {
	if cfg.MinElectionTimeout < 0 {
		v.AddError("minElectionTimeout", "invalidValue",
			"value must be positive")
	}

	if cfg.MaxElectionTimeout < 0 {
		v.AddError("maxElectionTimeout", "invalidValue",
			"value must be positive")
	}

	if cfg.MaxElectionTimeout > 0 &&
		cfg.MaxElectionTimeout < cfg.MinElectionTimeout {
		v.AddError("maxElectionTimeout", "invalidValue",
			"value must be greater or equal to the minimal election timeout")
	}

	if cfg.HeartbeatInterval < 0 {
		v.AddError("heartbeatInterval", "invalidValue",
			"value must be positive")
	}

	if cfg.CommitWaitTimeout < 0 {
		v.AddError("commitWaitTimeout", "invalidValue",
			"value must be positive")
	}
}

func DefaultCfg() *Cfg {
	return &Cfg{}
}

func (cfg *Cfg) LoadFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("cannot decode json data: %w", err)
	}

	v := jsonvalidator.NewValidator()
	cfg.ValidateJSON(v)
	if err := v.Error(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}
