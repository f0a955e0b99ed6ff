package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kilianp07/switchyard/core/activity"
	"github.com/kilianp07/switchyard/core/events"
	"github.com/kilianp07/switchyard/core/logger"
	"github.com/kilianp07/switchyard/core/metrics"
	"github.com/kilianp07/switchyard/core/model"
	"github.com/kilianp07/switchyard/core/reconcile"
	"github.com/kilianp07/switchyard/core/store"
	"github.com/kilianp07/switchyard/core/transport"
	"github.com/kilianp07/switchyard/core/validator"
	"github.com/kilianp07/switchyard/internal/eventbus"
)

// StateApplier commits observed switch states.
type StateApplier interface {
	Apply(ctx context.Context, obs model.Observation) (reconcile.Applied, error)
}

// TokenSigner issues the device token attached to each command.
type TokenSigner interface {
	Sign(c model.Controller, switchID string, ttl time.Duration) (string, error)
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithClock sets the clock used for delays and deadlines.
func WithClock(c clockwork.Clock) Option { return func(b *Batcher) { b.clock = c } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(b *Batcher) { b.log = logger.OrNop(l) } }

// WithBus publishes a CommandEvent for every resolved command.
func WithBus(bus eventbus.EventBus) Option { return func(b *Batcher) { b.bus = bus } }

// WithSink records command outcomes on sinks implementing
// metrics.CommandRecorder.
func WithSink(s metrics.Sink) Option { return func(b *Batcher) { b.sink = s } }

// WithCounter injects the per-controller concurrency counter.
func WithCounter(c *ConcurrencyCounter) Option { return func(b *Batcher) { b.counter = c } }

// WithPinValidator replaces the default pin table.
func WithPinValidator(v validator.PinValidator) Option { return func(b *Batcher) { b.pins = v } }

// WithTokenSigner attaches a device token to each command.
func WithTokenSigner(s TokenSigner) Option { return func(b *Batcher) { b.signer = s } }

// WithActivityStore appends a record for every delivered command.
func WithActivityStore(s activity.Store) Option { return func(b *Batcher) { b.activity = s } }

// Batcher turns change requests into paced, bounded and retried commands.
type Batcher struct {
	cfg      Config
	store    store.Store
	pub      transport.Publisher
	applier  StateApplier
	pins     validator.PinValidator
	counter  *ConcurrencyCounter
	sem      *semaphore.Weighted
	clock    clockwork.Clock
	signer   TokenSigner
	activity activity.Store
	sink     metrics.Sink
	bus      eventbus.EventBus
	log      logger.Logger
	newID    func() string
}

// NewBatcher creates a Batcher. Zero fields of cfg take the production
// defaults.
func NewBatcher(cfg Config, st store.Store, pub transport.Publisher, applier StateApplier, opts ...Option) (*Batcher, error) {
	if st == nil || pub == nil || applier == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewBatcher")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Batcher{
		cfg:     cfg,
		store:   st,
		pub:     pub,
		applier: applier,
		pins:    validator.DefaultPinTable(),
		clock:   clockwork.NewRealClock(),
		log:     logger.Nop{},
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(b)
	}
	if b.counter == nil {
		b.counter = NewConcurrencyCounter(cfg.Capacity)
	}
	b.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	return b, nil
}

// Counter returns the concurrency counter shared with the reaper.
func (b *Batcher) Counter() *ConcurrencyCounter { return b.counter }

// Config returns the effective policy.
func (b *Batcher) Config() Config { return b.cfg }

// NewReaper creates a reaper sweeping this batcher's counter with the same
// clock, logger, bus and sink.
func (b *Batcher) NewReaper() *Reaper {
	r := NewReaper(b.counter, b.cfg.ReapInterval, b.clock, b.log)
	r.SetEventBus(b.bus)
	r.SetSink(b.sink)
	return r
}

// Submit resolves, batches and executes the requests. It blocks until every
// request has resolved to a success or a failure.
func (b *Batcher) Submit(ctx context.Context, reqs []model.ChangeRequest) Result {
	col := newCollector()
	groups, order := b.admit(ctx, reqs, col)

	var g errgroup.Group
	for _, id := range order {
		batches := b.slice(id, groups[id])
		col.batches(id, len(batches))
		g.Go(func() error {
			b.runController(ctx, batches, col)
			return nil
		})
	}
	_ = g.Wait()

	res := col.result()
	b.log.Infof("submission of %d changes: %d successful, %d failed", len(reqs), len(res.Successful), len(res.Failed))
	return res
}

// admit resolves every request against the store and the pin validator and
// groups the admitted commands per controller in submission order.
func (b *Batcher) admit(ctx context.Context, reqs []model.ChangeRequest, col *collector) (map[string][]model.PendingCommand, []string) {
	groups := make(map[string][]model.PendingCommand)
	var order []string
	known := make(map[string]model.Controller)
	now := b.clock.Now()
	for i, req := range reqs {
		reject := func(err error) {
			b.fail(col, CommandFailure{
				ControllerID: req.ControllerID,
				SwitchID:     req.SwitchID,
				Kind:         KindAdmission,
				Err:          err,
				index:        i,
			}, now)
		}
		ctrl, ok := known[req.ControllerID]
		if !ok {
			c, err := b.store.Controller(ctx, req.ControllerID)
			if err != nil {
				reject(fmt.Errorf("resolve controller %q: %w", req.ControllerID, err))
				continue
			}
			ctrl = c
			known[req.ControllerID] = c
		}
		sw, ok := ctrl.Switch(req.SwitchID)
		if !ok {
			reject(fmt.Errorf("%w: %q on controller %q", store.ErrSwitchNotFound, req.SwitchID, ctrl.ID))
			continue
		}
		v := b.pins.Validate(ctrl, sw)
		if !v.Legal() {
			reject(v.Err)
			continue
		}
		if v.Safety == validator.SafetyBootSensitive {
			b.log.Debugf("switch %s on %s uses boot-sensitive gpio %d", sw.ID, ctrl.ID, v.Pin)
		}
		if _, seen := groups[ctrl.ID]; !seen {
			order = append(order, ctrl.ID)
		}
		groups[ctrl.ID] = append(groups[ctrl.ID], model.PendingCommand{
			ControllerID: ctrl.ID,
			Address:      ctrl.Address,
			SwitchID:     sw.ID,
			Pin:          v.Pin,
			State:        req.Target(sw.State),
			SubmittedAt:  now,
			Index:        i,
		})
	}
	return groups, order
}

// slice splits the commands of one controller into batches of at most
// BatchSize, preserving order.
func (b *Batcher) slice(controllerID string, cmds []model.PendingCommand) []model.Batch {
	size := b.cfg.BatchSize
	out := make([]model.Batch, 0, (len(cmds)+size-1)/size)
	for start := 0; start < len(cmds); start += size {
		end := min(start+size, len(cmds))
		out = append(out, model.Batch{
			ID:           b.newID(),
			ControllerID: controllerID,
			Commands:     cmds[start:end],
		})
	}
	return out
}

// runController executes the batches of one controller sequentially,
// pacing consecutive batches.
func (b *Batcher) runController(ctx context.Context, batches []model.Batch, col *collector) {
	for i, batch := range batches {
		if i > 0 && b.cfg.PacingDelay > 0 {
			select {
			case <-b.clock.After(b.cfg.PacingDelay):
			case <-ctx.Done():
			}
		}
		b.runBatch(ctx, batch, col)
	}
}

func (b *Batcher) runBatch(ctx context.Context, batch model.Batch, col *collector) {
	batchesTotal.Inc()
	start := b.clock.Now()
	if err := ctx.Err(); err != nil {
		b.failBatch(col, batch, KindTimeout, fmt.Errorf("%w: %v", ErrBatchTimeout, err), start)
		return
	}
	batch.Deadline = start.Add(b.cfg.BatchTimeout)
	bctx, cancel := clockwork.WithDeadline(ctx, b.clock, batch.Deadline)
	defer cancel()

	ctrl, err := b.store.Controller(bctx, batch.ControllerID)
	switch {
	case err != nil:
		b.failBatch(col, batch, KindOffline, fmt.Errorf("liveness check: %w", err), start)
		return
	case !ctrl.Ready(start, b.cfg.LivenessTimeout):
		if !ctrl.Online(start, b.cfg.LivenessTimeout) {
			err = fmt.Errorf("%w: last seen %s", ErrOffline, lastSeen(ctrl))
		} else {
			err = ErrUnidentified
		}
		b.failBatch(col, batch, KindOffline, err, start)
		return
	}

	b.log.Debugw("executing batch", map[string]any{
		"batch_id":      batch.ID,
		"controller_id": ctrl.ID,
		"commands":      len(batch.Commands),
	})
	var wg sync.WaitGroup
	for _, cmd := range batch.Commands {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.execute(bctx, ctrl, batch.ID, cmd, start, col)
		}()
	}
	wg.Wait()
}

// execute runs one command: controller slot, global slot, publish with
// retries, then the optimistic state update. Slots are released on every
// path, panics included.
func (b *Batcher) execute(ctx context.Context, ctrl model.Controller, batchID string, cmd model.PendingCommand, start time.Time, col *collector) {
	defer func() {
		if r := recover(); r != nil {
			b.fail(col, failureFor(cmd, batchID, KindTransport, fmt.Errorf("%w: %v", ErrTransportPanic, r)), start)
		}
	}()

	// The controller slot comes first: a command deferring on a saturated
	// controller must not hold a global slot.
	release, err := b.acquireController(ctx, ctrl.ID)
	if err != nil {
		b.fail(col, failureFor(cmd, batchID, KindTimeout, err), start)
		return
	}
	defer release()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		b.fail(col, failureFor(cmd, batchID, KindTimeout, fmt.Errorf("%w: waiting for a global slot", ErrBatchTimeout)), start)
		return
	}
	defer b.sem.Release(1)

	command := model.Command{
		CommandID: b.newID(),
		BatchID:   batchID,
		Address:   ctrl.Address,
		SwitchID:  cmd.SwitchID,
		Pin:       cmd.Pin,
		State:     cmd.State,
		Timestamp: b.clock.Now().Unix(),
	}
	if b.signer != nil {
		tok, err := b.signer.Sign(ctrl, cmd.SwitchID, b.cfg.TokenTTL)
		if err != nil {
			b.fail(col, failureFor(cmd, batchID, KindAdmission, fmt.Errorf("sign device token: %w", err)), start)
			return
		}
		command.AuthToken = tok
	}

	attempts, err := b.publish(ctx, ctrl.Address, command)
	if err != nil {
		kind := KindTransport
		if errors.Is(err, ErrBatchTimeout) {
			kind = KindTimeout
		}
		f := failureFor(cmd, batchID, kind, err)
		f.Attempts = attempts
		b.fail(col, f, start)
		return
	}
	b.commit(ctx, cmd, command, attempts, start, col)
}

// acquireController takes a controller slot, waiting DeferDelay between
// checks while the controller is at capacity.
func (b *Batcher) acquireController(ctx context.Context, id string) (func(), error) {
	for {
		if r, ok := b.counter.TryAcquire(id); ok {
			inFlight.Set(float64(b.counter.Total()))
			return func() {
				r()
				inFlight.Set(float64(b.counter.Total()))
			}, nil
		}
		deferralsTotal.Inc()
		b.log.Debugf("controller %s at capacity, deferring %s", id, b.cfg.DeferDelay)
		select {
		case <-b.clock.After(b.cfg.DeferDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: controller %s stayed at capacity", ErrBatchTimeout, id)
		}
	}
}

// publish hands the command to the transport, retrying rejections with a
// fixed delay until MaxRetries is exhausted or the batch deadline expires.
func (b *Batcher) publish(ctx context.Context, address string, cmd model.Command) (int, error) {
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			if b.pub.Publish(ctx, address, cmd) {
				publishAttempts.WithLabelValues("accepted").Inc()
				return nil
			}
			publishAttempts.WithLabelValues("rejected").Inc()
			return ErrRejected
		},
		retry.Attempts(uint(b.cfg.MaxRetries+1)),
		retry.Delay(b.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.WithTimer(b.clock),
		retry.OnRetry(func(n uint, err error) {
			b.log.Warnw("publish rejected, retrying", map[string]any{
				"command_id": cmd.CommandID,
				"switch_id":  cmd.SwitchID,
				"attempt":    n + 1,
				"error":      err.Error(),
			})
		}),
	)
	switch {
	case err == nil:
		return attempts, nil
	case ctx.Err() != nil:
		return attempts, fmt.Errorf("%w after %d attempts", ErrBatchTimeout, attempts)
	default:
		return attempts, fmt.Errorf("%w after %d attempts", ErrRejected, attempts)
	}
}

// commit applies the delivered state optimistically and records it. The
// physical side effect already happened, so persistence problems only
// downgrade the outcome to retryable.
func (b *Batcher) commit(ctx context.Context, cmd model.PendingCommand, command model.Command, attempts int, start time.Time, col *collector) {
	pctx := context.WithoutCancel(ctx)
	out := CommandOutcome{
		ControllerID: cmd.ControllerID,
		SwitchID:     cmd.SwitchID,
		State:        cmd.State,
		BatchID:      command.BatchID,
		Attempts:     attempts,
		index:        cmd.Index,
	}
	applied, err := b.applier.Apply(pctx, model.Observation{
		ControllerID: cmd.ControllerID,
		SwitchID:     cmd.SwitchID,
		State:        cmd.State,
		Source:       model.SourceOptimisticCommand,
		At:           b.clock.Now(),
	})
	if err != nil {
		out.Retryable = true
		out.Warning = fmt.Sprintf("delivered but not persisted: %v", err)
		b.log.Warnw("optimistic apply failed", map[string]any{
			"controller_id": cmd.ControllerID,
			"switch_id":     cmd.SwitchID,
			"error":         err.Error(),
		})
	} else {
		out.Sequence = applied.Sequence
	}
	if b.activity != nil {
		rec := activity.Record{
			Timestamp:    b.clock.Now(),
			ControllerID: cmd.ControllerID,
			SwitchID:     cmd.SwitchID,
			State:        cmd.State,
			BatchID:      command.BatchID,
			CommandID:    command.CommandID,
			Sequence:     out.Sequence,
			Source:       model.SourceOptimisticCommand,
		}
		if err := b.activity.Append(pctx, rec); err != nil {
			b.log.Warnf("activity append failed: %v", err)
		}
	}
	b.succeed(col, out, start)
}

func (b *Batcher) succeed(col *collector, o CommandOutcome, start time.Time) {
	col.success(o)
	lat := b.clock.Since(start)
	commandsTotal.WithLabelValues("success", "").Inc()
	commandLatency.Observe(lat.Seconds())
	b.emit(events.CommandEvent{
		ControllerID: o.ControllerID,
		SwitchID:     o.SwitchID,
		BatchID:      o.BatchID,
		State:        o.State,
		Success:      true,
		Attempts:     o.Attempts,
		Latency:      lat,
	})
}

func (b *Batcher) fail(col *collector, f CommandFailure, start time.Time) {
	if f.Reason == "" && f.Err != nil {
		f.Reason = f.Err.Error()
	}
	col.failure(f)
	lat := b.clock.Since(start)
	commandsTotal.WithLabelValues("failure", string(f.Kind)).Inc()
	commandLatency.Observe(lat.Seconds())
	b.log.Warnw("command failed", map[string]any{
		"controller_id": f.ControllerID,
		"switch_id":     f.SwitchID,
		"batch_id":      f.BatchID,
		"kind":          string(f.Kind),
		"reason":        f.Reason,
	})
	b.emit(events.CommandEvent{
		ControllerID: f.ControllerID,
		SwitchID:     f.SwitchID,
		BatchID:      f.BatchID,
		Kind:         string(f.Kind),
		Reason:       f.Reason,
		Attempts:     f.Attempts,
		Latency:      lat,
	})
}

func (b *Batcher) failBatch(col *collector, batch model.Batch, kind Kind, err error, start time.Time) {
	for _, cmd := range batch.Commands {
		b.fail(col, failureFor(cmd, batch.ID, kind, err), start)
	}
}

func (b *Batcher) emit(ev events.CommandEvent) {
	if b.bus != nil {
		b.bus.Publish(ev)
	}
	if rec, ok := b.sink.(metrics.CommandRecorder); ok {
		err := rec.RecordCommand(metrics.CommandResult{
			ControllerID: ev.ControllerID,
			SwitchID:     ev.SwitchID,
			BatchID:      ev.BatchID,
			State:        ev.State,
			Success:      ev.Success,
			Kind:         ev.Kind,
			Attempts:     ev.Attempts,
			Latency:      ev.Latency,
			Time:         b.clock.Now(),
		})
		if err != nil {
			b.log.Errorf("metrics error: %v", err)
		}
	}
}

func failureFor(cmd model.PendingCommand, batchID string, kind Kind, err error) CommandFailure {
	return CommandFailure{
		ControllerID: cmd.ControllerID,
		SwitchID:     cmd.SwitchID,
		BatchID:      batchID,
		Kind:         kind,
		Err:          err,
		index:        cmd.Index,
	}
}

func lastSeen(c model.Controller) string {
	if c.LastSeen.IsZero() {
		return "never"
	}
	return c.LastSeen.UTC().Format(time.RFC3339)
}
