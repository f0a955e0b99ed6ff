package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kilianp07/switchyard/core/events"
	"github.com/kilianp07/switchyard/core/logger"
	"github.com/kilianp07/switchyard/core/metrics"
	"github.com/kilianp07/switchyard/internal/eventbus"
)

// Reaper periodically removes concurrency counter entries that stayed
// positive for a whole interval. Commands are bounded by the batch timeout,
// so such entries hold slots of tasks that terminated without releasing.
type Reaper struct {
	counter  *ConcurrencyCounter
	interval time.Duration
	clock    clockwork.Clock
	log      logger.Logger

	mu    sync.Mutex
	marks map[string]*counterEntry
	bus   eventbus.EventBus
	sink  metrics.Sink
}

// NewReaper creates a reaper for counter.
func NewReaper(counter *ConcurrencyCounter, interval time.Duration, clock clockwork.Clock, log logger.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultConfig().ReapInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reaper{counter: counter, interval: interval, clock: clock, log: logger.OrNop(log)}
}

// SetEventBus publishes a LeakEvent for every removed entry.
func (r *Reaper) SetEventBus(bus eventbus.EventBus) {
	r.mu.Lock()
	r.bus = bus
	r.mu.Unlock()
}

// SetSink records removed entries on sinks implementing metrics.LeakRecorder.
func (r *Reaper) SetSink(s metrics.Sink) {
	r.mu.Lock()
	r.sink = s
	r.mu.Unlock()
}

// Run sweeps every interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	t := r.clock.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			r.Sweep()
		}
	}
}

// Sweep performs one pass and returns the removed entries.
func (r *Reaper) Sweep() []events.LeakEvent {
	r.mu.Lock()
	removed, next := r.counter.reap(r.marks)
	r.marks = next
	bus, sink := r.bus, r.sink
	r.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(removed))
	for id := range removed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := r.clock.Now()
	out := make([]events.LeakEvent, 0, len(ids))
	for _, id := range ids {
		n := removed[id]
		ev := events.LeakEvent{ControllerID: id, Count: n, At: now}
		out = append(out, ev)
		leaksTotal.Add(float64(n))
		r.log.Warnw("reaped stale concurrency entry", map[string]any{
			"controller_id": id,
			"count":         n,
			"interval":      r.interval.String(),
		})
		if bus != nil {
			bus.Publish(ev)
		}
		if rec, ok := sink.(metrics.LeakRecorder); ok {
			if err := rec.RecordLeak(metrics.Leak{ControllerID: id, Count: n, Time: now}); err != nil {
				r.log.Errorf("metrics error: %v", err)
			}
		}
	}
	inFlight.Set(float64(r.counter.Total()))
	return out
}
