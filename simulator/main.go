// Command simulator runs MQTT relay boards that behave like classroom
// controllers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kilianp07/switchyard/auth"
	"github.com/kilianp07/switchyard/infra/logger"
	"github.com/kilianp07/switchyard/infra/mqtt"
)

func main() {
	log := logger.New("simulator")
	cfg := parseFlags()
	if err := cfg.Validate(); err != nil {
		log.Errorf("invalid config: %v", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	strat := RandomReport{Delay: cfg.ReportLatency, DropRate: cfg.DropRate}
	boards := GenerateBoards(cfg, strat)
	var verifier *auth.DeviceTokens
	if cfg.VerifyTokens {
		verifier = auth.NewDeviceTokens(auth.Conf{}, nil)
	}

	var wg sync.WaitGroup
	for _, b := range boards {
		b.Topics = mqtt.Topics{Prefix: cfg.TopicPrefix}
		b.Verifier = verifier
		log.Infof("starting board %s with %d switches", b.Address, b.Switches)
		wg.Add(1)
		go func(b *SimulatedBoard) {
			defer wg.Done()
			if err := b.Run(ctx, cfg.Broker); err != nil {
				log.Errorf("%s: %v", b.Address, err)
			}
		}(b)
	}
	wg.Wait()
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.StringVar(&cfg.TopicPrefix, "topic-prefix", mqtt.DefaultTopicPrefix, "MQTT topic prefix")
	flag.IntVar(&cfg.Count, "count", 1, "number of boards")
	flag.IntVar(&cfg.Switches, "switches", 4, "switches per board")
	flag.StringVar(&cfg.Secret, "secret", "", "identification secret")
	flag.DurationVar(&cfg.ReportLatency, "report-latency", 0, "delay before reporting an executed command")
	flag.Float64Var(&cfg.DropRate, "drop-rate", 0, "report drop rate")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat", 20*time.Second, "heartbeat interval, 0 disables")
	flag.BoolVar(&cfg.VerifyTokens, "verify-tokens", false, "reject commands with invalid tokens")
	flag.Parse()
	return cfg
}
