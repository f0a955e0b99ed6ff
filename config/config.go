package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/switchyard/api"
	"github.com/kilianp07/switchyard/auth"
	"github.com/kilianp07/switchyard/core/activity"
	"github.com/kilianp07/switchyard/core/dispatch"
	"github.com/kilianp07/switchyard/core/metrics"
	"github.com/kilianp07/switchyard/core/presence"
	"github.com/kilianp07/switchyard/core/reconcile"
	"github.com/kilianp07/switchyard/infra/fanout"
	"github.com/kilianp07/switchyard/infra/mongo"
	"github.com/kilianp07/switchyard/infra/mqtt"
)

type Config struct {
	MQTT      mqtt.Config      `json:"mqtt"`
	Mongo     mongo.Config     `json:"mongo"`
	Dispatch  dispatch.Config  `json:"dispatch"`
	Reconcile reconcile.Config `json:"reconcile"`
	Presence  presence.Config  `json:"presence"`
	HTTP      api.Config       `json:"http"`
	Websocket fanout.Config    `json:"websocket"`
	Metrics   metrics.Config   `json:"metrics"`
	Activity  activity.Config  `json:"activity"`
	Auth      auth.Conf        `json:"auth"`
	// Controllers are upserted into the store at startup.
	Controllers []ControllerSeed `json:"controllers"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	// Start from the production policy so that absent keys keep it.
	cfg := Config{Dispatch: dispatch.DefaultConfig()}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills zero fields of every section. The presence timeout
// follows the dispatch liveness timeout unless set.
func (c *Config) SetDefaults() {
	c.Dispatch.SetDefaults()
	c.Reconcile.SetDefaults()
	if c.Presence.Timeout <= 0 {
		c.Presence.Timeout = c.Dispatch.LivenessTimeout
	}
	c.Presence.SetDefaults()
	c.HTTP.SetDefaults()
	c.Websocket.SetDefaults()
	if c.Mongo.URI != "" {
		c.Mongo.SetDefaults()
	}
}

// Validate checks cross-section constraints.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Dispatch.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Activity.Backend {
	case "", "sqlite", "jsonl":
	default:
		errs = append(errs, fmt.Errorf("activity: unknown backend %q", c.Activity.Backend))
	}
	if c.Activity.Backend != "" && c.Activity.Path == "" {
		errs = append(errs, errors.New("activity: path is required"))
	}
	seen := make(map[string]bool, len(c.Controllers))
	for i, s := range c.Controllers {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("controllers[%d]: %w", i, err))
		}
		if seen[s.Address] {
			errs = append(errs, fmt.Errorf("controllers[%d]: duplicate address %s", i, s.Address))
		}
		seen[s.Address] = true
	}
	return errors.Join(errs...)
}
