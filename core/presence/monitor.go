// Package presence derives controller online/offline transitions from the
// last-seen timestamps kept by the reconciler.
package presence

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kilianp07/switchyard/core/events"
	"github.com/kilianp07/switchyard/core/logger"
	"github.com/kilianp07/switchyard/core/metrics"
	"github.com/kilianp07/switchyard/core/store"
	"github.com/kilianp07/switchyard/internal/eventbus"
)

// Config controls the scan.
type Config struct {
	Interval time.Duration `json:"interval"`
	// Timeout is the liveness timeout; it should match the dispatch one.
	Timeout time.Duration `json:"timeout"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// Monitor scans the store and publishes a PresenceEvent whenever a
// controller crosses the liveness timeout.
type Monitor struct {
	cfg   Config
	store store.Store
	bus   eventbus.EventBus
	clock clockwork.Clock
	log   logger.Logger
	sink  metrics.Sink

	online map[string]bool
	seeded bool
}

// NewMonitor creates a Monitor. clock and log may be nil.
func NewMonitor(cfg Config, st store.Store, bus eventbus.EventBus, clock clockwork.Clock, log logger.Logger) *Monitor {
	cfg.SetDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		cfg:    cfg,
		store:  st,
		bus:    bus,
		clock:  clock,
		log:    logger.OrNop(log),
		online: make(map[string]bool),
	}
}

// SetSink records transitions on sinks implementing metrics.PresenceRecorder.
func (m *Monitor) SetSink(s metrics.Sink) { m.sink = s }

// Run scans every interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	t := m.clock.NewTicker(m.cfg.Interval)
	defer t.Stop()
	if _, err := m.Check(ctx); err != nil {
		m.log.Warnf("presence scan: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if _, err := m.Check(ctx); err != nil {
				m.log.Warnf("presence scan: %v", err)
			}
		}
	}
}

// Check performs one scan. The first scan only records the current state.
// Check is not safe for concurrent use.
func (m *Monitor) Check(ctx context.Context) ([]events.PresenceEvent, error) {
	ctrls, err := m.store.Controllers(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	var out []events.PresenceEvent
	for _, c := range ctrls {
		on := c.Online(now, m.cfg.Timeout)
		prev, known := m.online[c.ID]
		m.online[c.ID] = on
		if !m.seeded || (known && prev == on) {
			continue
		}
		if !known && !on {
			continue
		}
		ev := events.PresenceEvent{
			ControllerID: c.ID,
			Classroom:    c.Classroom,
			Online:       on,
			LastSeen:     c.LastSeen,
			At:           now,
		}
		out = append(out, ev)
		if on {
			m.log.Infof("controller %s online", c.ID)
		} else {
			m.log.Warnf("controller %s offline, last seen %s", c.ID, c.LastSeen.Format(time.RFC3339))
		}
		if m.bus != nil {
			m.bus.Publish(ev)
		}
		if rec, ok := m.sink.(metrics.PresenceRecorder); ok {
			if err := rec.RecordPresence(metrics.Presence{ControllerID: c.ID, Classroom: c.Classroom, Online: on, Time: now}); err != nil {
				m.log.Errorf("metrics error: %v", err)
			}
		}
	}
	m.seeded = true
	return out, nil
}
