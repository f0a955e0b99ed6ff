package main

import (
	"errors"
	"time"
)

// Config holds parameters for the simulator.
type Config struct {
	Broker      string
	TopicPrefix string
	Count       int
	Switches    int
	// Secret is answered in the hello message and used to verify command
	// tokens.
	Secret            string
	ReportLatency     time.Duration
	DropRate          float64
	HeartbeatInterval time.Duration
	VerifyTokens      bool
}

// Validate checks the parameters.
func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.New("broker is required")
	}
	if c.Count <= 0 || c.Switches <= 0 {
		return errors.New("count and switches must be positive")
	}
	if c.DropRate < 0 || c.DropRate > 1 {
		return errors.New("drop rate must be within [0,1]")
	}
	if c.VerifyTokens && c.Secret == "" {
		return errors.New("token verification needs a secret")
	}
	return nil
}
