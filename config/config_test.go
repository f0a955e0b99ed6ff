package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/switchyard/core/model"
)

const sample = `mqtt:
  broker: "tcp://localhost:1883"
  client_id: "switchyard"
  topic_prefix: "school"
  publish_timeout: "3s"
mongo:
  uri: "mongodb://localhost:27017"
dispatch:
  batch_size: 4
  defer_delay: "1s"
  pacing_delay: "250ms"
  liveness_timeout: "45s"
reconcile:
  debounce_window: "300ms"
http:
  addr: ":9000"
  token: "tok"
metrics:
  sinks:
    - type: "nop"
activity:
  backend: "sqlite"
  path: "activity.db"
auth:
  shared_secret: "shh"
controllers:
  - id: "c1"
    address: "aa:bb:cc:01"
    classroom: "B204"
    secret: "k1"
    switches:
      - id: "s1"
        pin: 4
      - id: "s2"
`

func write(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(write(t, "config.yaml", sample))
	require.NoError(t, err)

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"broker", cfg.MQTT.Broker, "tcp://localhost:1883"},
		{"topic_prefix", cfg.MQTT.TopicPrefix, "school"},
		{"publish_timeout", cfg.MQTT.PublishTimeout, 3 * time.Second},
		{"mongo.database", cfg.Mongo.Database, "switchyard"},
		{"batch_size", cfg.Dispatch.BatchSize, 4},
		{"capacity default", cfg.Dispatch.Capacity, 6},
		{"pacing_delay", cfg.Dispatch.PacingDelay, 250 * time.Millisecond},
		{"debounce_window", cfg.Reconcile.DebounceWindow, 300 * time.Millisecond},
		{"presence timeout follows liveness", cfg.Presence.Timeout, 45 * time.Second},
		{"http.addr", cfg.HTTP.Addr, ":9000"},
		{"metrics_sink", len(cfg.Metrics.Sinks) == 1 && cfg.Metrics.Sinks[0].Type == "nop", true},
		{"activity", cfg.Activity.Backend, "sqlite"},
		{"auth", cfg.Auth.SharedSecret, "shh"},
		{"websocket buffer", cfg.Websocket.SendBuffer, 256},
	}
	for _, c := range checks {
		assert.Equal(t, c.want, c.got, c.name)
	}

	require.Len(t, cfg.Controllers, 1)
	c := cfg.Controllers[0].Controller(nil)
	assert.Equal(t, "k1", c.Secret)
	assert.Equal(t, 4, c.Switches[0].Pin)
	assert.Equal(t, -1, c.Switches[1].Pin, "missing pin is unassigned")
}

func TestLoadJSONAndEnv(t *testing.T) {
	t.Setenv("K_HTTP__ADDR", ":7000")
	cfg, err := Load(write(t, "config.json", `{"dispatch":{"max_retries":2},"http":{"addr":":1"}}`))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, 2, cfg.Dispatch.MaxRetries)
	assert.Equal(t, "", cfg.Mongo.URI)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(write(t, "config.toml", ""))
	assert.Error(t, err)

	_, err = Load(write(t, "bad.yaml", "activity:\n  backend: csv\n  path: x\n"))
	assert.ErrorContains(t, err, "unknown backend")

	dup := "controllers:\n  - {id: a, address: x}\n  - {id: b, address: x}\n"
	_, err = Load(write(t, "dup.yaml", dup))
	assert.ErrorContains(t, err, "duplicate address")
}

func TestSeedKeepsRuntimeState(t *testing.T) {
	pin := 5
	seed := ControllerSeed{ID: "c1", Address: "a", Switches: []SwitchSeed{{ID: "s1", Pin: &pin}, {ID: "s2"}}}
	prev := model.Controller{
		ID: "c1", Identified: true, Sequence: 9,
		Switches: []model.Switch{{ID: "s1", Pin: 4, State: true}},
	}
	c := seed.Controller(&prev)
	assert.Equal(t, uint64(9), c.Sequence)
	assert.True(t, c.Identified)
	assert.True(t, c.Switches[0].State)
	assert.Equal(t, 5, c.Switches[0].Pin, "pin follows the configuration")
	assert.False(t, c.Switches[1].State)
}

func TestDispatchDefaultsSurviveLoad(t *testing.T) {
	cfg, err := Load(write(t, "min.yaml", "http:\n  addr: \":1\"\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.PacingDelay)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.BatchTimeout)
}
