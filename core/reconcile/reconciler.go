package reconcile

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/kilianp07/switchyard/core/events"
	"github.com/kilianp07/switchyard/core/logger"
	"github.com/kilianp07/switchyard/core/metrics"
	"github.com/kilianp07/switchyard/core/model"
	"github.com/kilianp07/switchyard/core/store"
	"github.com/kilianp07/switchyard/internal/eventbus"
)

var (
	// ErrPersistence wraps store failures. The observation may be retried.
	ErrPersistence = errors.New("state persistence failed")
	// ErrIdentification is returned for hello reports with a wrong secret.
	ErrIdentification = errors.New("controller identification failed")
)

// Config tunes the reconciler.
type Config struct {
	DebounceWindow time.Duration `json:"debounce_window"`
	// DebounceEntries bounds the number of tracked switches.
	DebounceEntries int `json:"debounce_entries"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 500 * time.Millisecond
	}
	if c.DebounceEntries <= 0 {
		c.DebounceEntries = 4096
	}
}

// Applied is the outcome of Apply.
type Applied struct {
	Changed  bool
	Sequence uint64
	// Held is set when a controller report was deferred to the end of the
	// debounce window.
	Held bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the clock used for debounce windows and last-seen stamps.
func WithClock(c clockwork.Clock) Option { return func(r *Reconciler) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(r *Reconciler) { r.log = logger.OrNop(l) } }

// WithSink records committed changes.
func WithSink(s metrics.Sink) Option { return func(r *Reconciler) { r.sink = s } }

type switchKey struct {
	controller string
	sw         string
}

type debounceEntry struct {
	lastChange time.Time
	held       *model.Observation
	timer      clockwork.Timer
}

// Reconciler is the single writer of switch state.
type Reconciler struct {
	store  store.Store
	bus    eventbus.EventBus
	clock  clockwork.Clock
	log    logger.Logger
	sink   metrics.Sink
	window time.Duration

	lmu   sync.Mutex
	locks map[string]*sync.Mutex

	dmu      sync.Mutex
	debounce *lru.Cache[switchKey, *debounceEntry]
	wg       sync.WaitGroup
}

// NewReconciler creates a Reconciler publishing change events on bus.
func NewReconciler(cfg Config, st store.Store, bus eventbus.EventBus, opts ...Option) (*Reconciler, error) {
	if st == nil {
		return nil, fmt.Errorf("reconcile: nil store")
	}
	cfg.SetDefaults()
	r := &Reconciler{
		store:  st,
		bus:    bus,
		clock:  clockwork.NewRealClock(),
		log:    logger.Nop{},
		window: cfg.DebounceWindow,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(r)
	}
	cache, err := lru.NewWithEvict(cfg.DebounceEntries, r.evicted)
	if err != nil {
		return nil, fmt.Errorf("reconcile: debounce table: %w", err)
	}
	r.debounce = cache
	return r, nil
}

// Run consumes controller reports until ctx is canceled or reports is
// closed.
func (r *Reconciler) Run(ctx context.Context, reports <-chan model.ControllerReport) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep, ok := <-reports:
			if !ok {
				return
			}
			if err := r.HandleReport(ctx, rep); err != nil {
				r.log.Warnf("controller report from %s: %v", rep.Address, err)
			}
		}
	}
}

// Wait blocks until debounced observations flushed by timers have been
// committed.
func (r *Reconciler) Wait() { r.wg.Wait() }

// HandleReport maps the report to its controller, refreshes liveness and
// applies the reported state.
func (r *Reconciler) HandleReport(ctx context.Context, rep model.ControllerReport) error {
	ctrl, err := r.store.ControllerByAddress(ctx, rep.Address)
	if err != nil {
		if errors.Is(err, store.ErrControllerNotFound) {
			unknownReports.Inc()
		}
		return err
	}
	now := r.clock.Now()
	if err := r.store.Touch(ctx, ctrl.ID, now); err != nil {
		r.log.Warnf("touch %s: %v", ctrl.ID, err)
	}
	if rep.Hello {
		return r.identify(ctx, ctrl, rep.Secret, now)
	}
	if rep.SwitchID == "" {
		return nil
	}
	at := rep.Timestamp
	if at.IsZero() {
		at = now
	}
	_, err = r.Apply(ctx, model.Observation{
		ControllerID: ctrl.ID,
		SwitchID:     rep.SwitchID,
		State:        rep.State,
		Source:       model.SourceControllerReport,
		At:           at,
	})
	return err
}

func (r *Reconciler) identify(ctx context.Context, ctrl model.Controller, secret string, now time.Time) error {
	if subtle.ConstantTimeCompare([]byte(ctrl.Secret), []byte(secret)) != 1 {
		return fmt.Errorf("%w: %s", ErrIdentification, ctrl.ID)
	}
	if err := r.store.MarkIdentified(ctx, ctrl.ID, now); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !ctrl.Identified {
		r.log.Infof("controller %s (%s) identified", ctrl.ID, ctrl.Address)
	}
	return nil
}

// Apply commits the observation. Controller reports inside the debounce
// window of the switch are held and reported with Held set.
func (r *Reconciler) Apply(ctx context.Context, obs model.Observation) (Applied, error) {
	if obs.Source == model.SourceControllerReport && r.hold(obs) {
		debouncedTotal.Inc()
		return Applied{Held: true}, nil
	}
	return r.commit(ctx, obs)
}

// hold records obs as the pending value when the switch changed less than
// one window ago.
func (r *Reconciler) hold(obs model.Observation) bool {
	if r.window <= 0 {
		return false
	}
	key := switchKey{obs.ControllerID, obs.SwitchID}
	r.dmu.Lock()
	defer r.dmu.Unlock()
	e, ok := r.debounce.Get(key)
	if !ok {
		return false
	}
	elapsed := r.clock.Since(e.lastChange)
	if elapsed >= r.window {
		return false
	}
	held := obs
	e.held = &held
	if e.timer == nil {
		r.wg.Add(1)
		e.timer = r.clock.AfterFunc(r.window-elapsed, func() {
			defer r.wg.Done()
			r.flush(key)
		})
	}
	return true
}

func (r *Reconciler) flush(key switchKey) {
	r.dmu.Lock()
	e, ok := r.debounce.Peek(key)
	if !ok || e.held == nil {
		if ok {
			e.timer = nil
		}
		r.dmu.Unlock()
		return
	}
	obs := *e.held
	e.held = nil
	e.timer = nil
	r.dmu.Unlock()

	if _, err := r.commit(context.Background(), obs); err != nil {
		r.log.Errorf("apply debounced report %s/%s: %v", obs.ControllerID, obs.SwitchID, err)
	}
}

// evicted commits the held value of an entry dropped from the table. It runs
// with dmu held.
func (r *Reconciler) evicted(key switchKey, e *debounceEntry) {
	if e.timer == nil || e.held == nil {
		return
	}
	if e.timer.Stop() {
		obs := *e.held
		go func() {
			defer r.wg.Done()
			if _, err := r.commit(context.Background(), obs); err != nil {
				r.log.Errorf("apply evicted report %s/%s: %v", key.controller, key.sw, err)
			}
		}()
	}
}

func (r *Reconciler) controllerLock(id string) *sync.Mutex {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	l := r.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

func (r *Reconciler) commit(ctx context.Context, obs model.Observation) (Applied, error) {
	l := r.controllerLock(obs.ControllerID)
	l.Lock()
	defer l.Unlock()

	at := obs.At
	if at.IsZero() {
		at = r.clock.Now()
	}
	ch, err := r.store.ApplySwitchState(ctx, obs.ControllerID, obs.SwitchID, obs.State, at)
	if err != nil {
		if errors.Is(err, store.ErrControllerNotFound) || errors.Is(err, store.ErrSwitchNotFound) {
			return Applied{}, err
		}
		persistFailures.Inc()
		r.log.Errorf("persist %s/%s=%t: %v", obs.ControllerID, obs.SwitchID, obs.State, err)
		return Applied{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !ch.Changed {
		unchangedTotal.Inc()
		return Applied{Sequence: ch.Sequence}, nil
	}
	r.markChange(switchKey{obs.ControllerID, obs.SwitchID})

	stateChanges.WithLabelValues(obs.Source.String()).Inc()
	ev := events.ChangeEvent{
		ControllerID: obs.ControllerID,
		Classroom:    ch.Classroom,
		SwitchID:     obs.SwitchID,
		State:        obs.State,
		Sequence:     ch.Sequence,
		Source:       obs.Source,
		At:           at,
	}
	if r.bus != nil {
		r.bus.Publish(ev)
	}
	if r.sink != nil {
		err := r.sink.RecordStateChange(metrics.StateChange{
			ControllerID: ev.ControllerID,
			Classroom:    ev.Classroom,
			SwitchID:     ev.SwitchID,
			State:        ev.State,
			Sequence:     ev.Sequence,
			Source:       ev.Source,
			Time:         at,
		})
		if err != nil {
			r.log.Errorf("metrics error: %v", err)
		}
	}
	r.log.Debugw("switch state changed", map[string]any{
		"controller_id": ev.ControllerID,
		"switch_id":     ev.SwitchID,
		"state":         ev.State,
		"sequence":      ev.Sequence,
		"source":        ev.Source.String(),
	})
	return Applied{Changed: true, Sequence: ch.Sequence}, nil
}

func (r *Reconciler) markChange(key switchKey) {
	r.dmu.Lock()
	defer r.dmu.Unlock()
	e, ok := r.debounce.Get(key)
	if !ok {
		e = &debounceEntry{}
		r.debounce.Add(key, e)
	}
	e.lastChange = r.clock.Now()
}
