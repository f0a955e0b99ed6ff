package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/switchyard/core/activity"
	"github.com/kilianp07/switchyard/core/events"
	"github.com/kilianp07/switchyard/core/model"
	"github.com/kilianp07/switchyard/core/reconcile"
	"github.com/kilianp07/switchyard/core/store"
	"github.com/kilianp07/switchyard/internal/eventbus"
)

var relayPins = []int{4, 5, 12, 13, 14, 16}

func onlineController(id string, switches int) model.Controller {
	sw := make([]model.Switch, switches)
	for i := range sw {
		sw[i] = model.Switch{ID: fmt.Sprintf("s%d", i+1), Pin: relayPins[i%len(relayPins)]}
	}
	return model.Controller{
		ID:         id,
		Address:    "addr-" + id,
		Classroom:  "room-" + id,
		Identified: true,
		LastSeen:   time.Now(),
		Switches:   sw,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DeferDelay = 5 * time.Millisecond
	cfg.PacingDelay = 10 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.BatchTimeout = 2 * time.Second
	return cfg
}

func on(b bool) *bool { return &b }

func requests(controllerID string, n int, state bool) []model.ChangeRequest {
	out := make([]model.ChangeRequest, n)
	for i := range out {
		out[i] = model.ChangeRequest{ControllerID: controllerID, SwitchID: fmt.Sprintf("s%d", i+1), State: on(state)}
	}
	return out
}

type publishCall struct {
	address string
	cmd     model.Command
	at      time.Time
}

// fakeTransport accepts everything unless a script says otherwise.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []publishCall
	script  map[string][]bool
	delay   time.Duration
	panicOn string
	counter *ConcurrencyCounter
	clock   clockwork.Clock

	cur, peak   int
	counterPeak int
}

func (f *fakeTransport) Publish(_ context.Context, address string, cmd model.Command) bool {
	f.mu.Lock()
	f.cur++
	if f.cur > f.peak {
		f.peak = f.cur
	}
	if f.counter != nil {
		for _, n := range f.counter.Snapshot() {
			if n > f.counterPeak {
				f.counterPeak = n
			}
		}
	}
	at := time.Now()
	if f.clock != nil {
		at = f.clock.Now()
	}
	f.calls = append(f.calls, publishCall{address: address, cmd: cmd, at: at})
	ok := true
	if s := f.script[cmd.SwitchID]; len(s) > 0 {
		ok = s[0]
		f.script[cmd.SwitchID] = s[1:]
	}
	panicking := f.panicOn != "" && f.panicOn == cmd.SwitchID
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.cur--
	f.mu.Unlock()
	if panicking {
		panic("relay driver exploded")
	}
	return ok
}

func (f *fakeTransport) published() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishCall(nil), f.calls...)
}

type memActivity struct {
	mu   sync.Mutex
	recs []activity.Record
}

func (m *memActivity) Append(_ context.Context, r activity.Record) error {
	m.mu.Lock()
	m.recs = append(m.recs, r)
	m.mu.Unlock()
	return nil
}

func (m *memActivity) Query(context.Context, activity.Query) ([]activity.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]activity.Record(nil), m.recs...), nil
}

func (m *memActivity) Close() error { return nil }

type env struct {
	store *store.MemoryStore
	tr    *fakeTransport
	bus   *eventbus.Bus
	b     *Batcher
}

func newEnv(t *testing.T, cfg Config, ctrls []model.Controller, opts ...Option) *env {
	t.Helper()
	ResetMetrics(prometheus.NewRegistry())
	t.Cleanup(func() { ResetMetrics(nil) })
	e := &env{
		store: store.NewMemoryStore(ctrls...),
		tr:    &fakeTransport{script: map[string][]bool{}},
		bus:   eventbus.New(),
	}
	rec, err := reconcile.NewReconciler(reconcile.Config{}, e.store, e.bus)
	require.NoError(t, err)
	counter := NewConcurrencyCounter(cfg.Capacity)
	e.tr.counter = counter
	opts = append([]Option{WithCounter(counter), WithBus(e.bus)}, opts...)
	e.b, err = NewBatcher(cfg, e.store, e.tr, rec, opts...)
	require.NoError(t, err)
	return e
}

// newClockedEnv builds an env driven by a fake clock. Controllers are seen
// at the fake clock's start.
func newClockedEnv(t *testing.T, cfg Config, ctrls ...model.Controller) (*env, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	for i := range ctrls {
		ctrls[i].LastSeen = clock.Now()
	}
	e := newEnv(t, cfg, ctrls, WithClock(clock))
	e.tr.clock = clock
	return e, clock
}

func submitAsync(b *Batcher, reqs []model.ChangeRequest) <-chan Result {
	out := make(chan Result, 1)
	go func() { out <- b.Submit(context.Background(), reqs) }()
	return out
}

// advanceUntil moves the fake clock forward by step until the submission
// returns.
func advanceUntil(t *testing.T, clock *clockwork.FakeClock, step time.Duration, done <-chan Result) Result {
	t.Helper()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	giveUp := time.After(5 * time.Second)
	for {
		select {
		case res := <-done:
			return res
		case <-tick.C:
			clock.Advance(step)
		case <-giveUp:
			t.Fatal("submission did not return")
			return Result{}
		}
	}
}

func TestNewBatcherValidation(t *testing.T) {
	_, err := NewBatcher(Config{}, nil, &fakeTransport{}, nil)
	assert.Error(t, err)

	b, err := NewBatcher(Config{}, store.NewMemoryStore(), &fakeTransport{}, stubApplier{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().BatchSize, b.Config().BatchSize)
	assert.Equal(t, 6, b.Counter().Capacity())
}

func TestBatchesPerController(t *testing.T) {
	e := newEnv(t, testConfig(), []model.Controller{onlineController("c1", 10), onlineController("c2", 3)})
	reqs := append(requests("c1", 10, true), requests("c2", 3, true)...)

	res := e.b.Submit(context.Background(), reqs)

	assert.Empty(t, res.Failed)
	assert.Len(t, res.Successful, 13)
	assert.Equal(t, map[string]int{"c1": 3, "c2": 1}, res.Batches)

	byBatch := map[string]map[string]bool{}
	for _, call := range e.tr.published() {
		if byBatch[call.cmd.BatchID] == nil {
			byBatch[call.cmd.BatchID] = map[string]bool{}
		}
		byBatch[call.cmd.BatchID][call.address] = true
	}
	assert.Len(t, byBatch, 4)
	for id, addrs := range byBatch {
		assert.Len(t, addrs, 1, "batch %s spans controllers", id)
	}
	assert.InDelta(t, 4, testutil.ToFloat64(batchesTotal), 0)
}

func TestOfflineControllerFailsImmediately(t *testing.T) {
	c := onlineController("c1", 3)
	c.LastSeen = time.Now().Add(-2 * time.Minute)
	e := newEnv(t, testConfig(), []model.Controller{c})

	start := time.Now()
	res := e.b.Submit(context.Background(), requests("c1", 3, true))

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Empty(t, res.Successful)
	require.Len(t, res.Failed, 3)
	for _, f := range res.Failed {
		assert.Equal(t, KindOffline, f.Kind)
		assert.Contains(t, f.Reason, "offline")
		assert.ErrorIs(t, f.Err, ErrOffline)
	}
	assert.Empty(t, e.tr.published(), "no publish for an offline controller")

	stored, err := e.store.Controller(context.Background(), "c1")
	require.NoError(t, err)
	assert.Zero(t, stored.Sequence)
}

func TestUnidentifiedController(t *testing.T) {
	c := onlineController("c1", 1)
	c.Identified = false
	e := newEnv(t, testConfig(), []model.Controller{c})

	res := e.b.Submit(context.Background(), requests("c1", 1, true))
	require.Len(t, res.Failed, 1)
	assert.Equal(t, KindOffline, res.Failed[0].Kind)
	assert.ErrorIs(t, res.Failed[0].Err, ErrUnidentified)
	assert.Empty(t, e.tr.published())
}

func TestAdmissionFailuresArePartial(t *testing.T) {
	c := onlineController("c1", 4)
	c.Switches[2].Pin = 6
	c.Switches[3].Pin = -1
	e := newEnv(t, testConfig(), []model.Controller{c})

	res := e.b.Submit(context.Background(), []model.ChangeRequest{
		{ControllerID: "c1", SwitchID: "s1", State: on(true)},
		{ControllerID: "ghost", SwitchID: "s1", State: on(true)},
		{ControllerID: "c1", SwitchID: "nope", State: on(true)},
		{ControllerID: "c1", SwitchID: "s3", State: on(true)},
		{ControllerID: "c1", SwitchID: "s4", State: on(true)},
	})

	require.Len(t, res.Successful, 1)
	assert.Equal(t, "s1", res.Successful[0].SwitchID)
	require.Len(t, res.Failures(KindAdmission), 4)
	assert.ErrorIs(t, res.Failed[0].Err, store.ErrControllerNotFound)
	assert.ErrorIs(t, res.Failed[1].Err, store.ErrSwitchNotFound)
	assert.Contains(t, res.Failed[2].Reason, "gpio 6")
	assert.Contains(t, res.Failed[3].Reason, "unassigned")
	assert.Len(t, e.tr.published(), 1)
	assert.Equal(t, map[string]int{"c1": 1}, res.Batches)
}

func TestFiveSwitchesEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	e, clock := newClockedEnv(t, cfg, onlineController("c1", 5))
	sub := e.bus.SubscribeBuffered(64)

	res := advanceUntil(t, clock, 50*time.Millisecond, submitAsync(e.b, requests("c1", 5, true)))

	require.Empty(t, res.Failed)
	require.Len(t, res.Successful, 5)
	assert.Equal(t, 2, res.Batches["c1"])

	calls := e.tr.published()
	require.Len(t, calls, 5)
	first := calls[0].cmd.BatchID
	var lastOfFirst, firstOfSecond time.Time
	for _, c := range calls {
		if c.cmd.BatchID == first {
			lastOfFirst = c.at
		} else if firstOfSecond.IsZero() {
			firstOfSecond = c.at
		}
	}
	assert.GreaterOrEqual(t, firstOfSecond.Sub(lastOfFirst), cfg.PacingDelay)

	var seqs []uint64
	for len(seqs) < 5 {
		select {
		case ev := <-sub:
			if ce, ok := ev.(events.ChangeEvent); ok {
				seqs = append(seqs, ce.Sequence)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing change events, got %v", seqs)
		}
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
	stored, _ := e.store.Controller(context.Background(), "c1")
	assert.Equal(t, uint64(5), stored.Sequence)
	for _, sw := range stored.Switches {
		assert.True(t, sw.State)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	e := newEnv(t, testConfig(), []model.Controller{onlineController("c1", 1)})
	e.tr.script["s1"] = []bool{false, false, true}

	res := e.b.Submit(context.Background(), requests("c1", 1, true))

	require.Len(t, res.Successful, 1)
	assert.Equal(t, 3, res.Successful[0].Attempts)
	assert.Equal(t, uint64(1), res.Successful[0].Sequence)
	stored, _ := e.store.Controller(context.Background(), "c1")
	assert.Equal(t, uint64(1), stored.Sequence, "a single persisted write")
	assert.InDelta(t, 2, testutil.ToFloat64(publishAttempts.WithLabelValues("rejected")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(publishAttempts.WithLabelValues("accepted")), 0)
}

func TestRetriesExhausted(t *testing.T) {
	e := newEnv(t, testConfig(), []model.Controller{onlineController("c1", 1)})
	e.tr.script["s1"] = []bool{false, false, false, false, true}

	res := e.b.Submit(context.Background(), requests("c1", 1, true))

	require.Len(t, res.Failed, 1)
	f := res.Failed[0]
	assert.Equal(t, KindTransport, f.Kind)
	assert.Equal(t, 4, f.Attempts)
	assert.ErrorIs(t, f.Err, ErrRejected)
	assert.Len(t, e.tr.published(), 4)
	stored, _ := e.store.Controller(context.Background(), "c1")
	assert.False(t, stored.Switches[0].State, "no state mutation on failure")
}

func TestBatchTimeoutPreemptsRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Second
	cfg.BatchTimeout = 100 * time.Millisecond
	e, clock := newClockedEnv(t, cfg, onlineController("c1", 1))
	e.tr.script["s1"] = []bool{false, false, false, false}
	begin := clock.Now()

	res := advanceUntil(t, clock, 20*time.Millisecond, submitAsync(e.b, requests("c1", 1, true)))

	assert.Less(t, clock.Since(begin), cfg.RetryDelay)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, KindTimeout, res.Failed[0].Kind)
	assert.ErrorIs(t, res.Failed[0].Err, ErrBatchTimeout)
	assert.Equal(t, 1, res.Failed[0].Attempts)
}

func TestCapacityDefersInsteadOfFailing(t *testing.T) {
	cfg := DefaultConfig()
	e, clock := newClockedEnv(t, cfg, onlineController("c1", 2))
	var held []Release
	for i := 0; i < 6; i++ {
		r, ok := e.b.Counter().TryAcquire("c1")
		require.True(t, ok)
		held = append(held, r)
	}

	done := submitAsync(e.b, requests("c1", 2, true))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(deferralsTotal) >= 2
	}, time.Second, time.Millisecond)
	assert.Empty(t, e.tr.published(), "nothing is sent while the controller is at capacity")
	held[0]()
	held[1]()

	res := advanceUntil(t, clock, cfg.DeferDelay/10, done)

	assert.Empty(t, res.Failed)
	assert.Len(t, res.Successful, 2)
	assert.LessOrEqual(t, e.tr.counterPeak, 6)
	for _, r := range held[2:] {
		r()
	}
	assert.Equal(t, 0, e.b.Counter().Len())
}

func TestDeferredCommandsLeaveGlobalSlotsFree(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeferDelay = 10 * time.Millisecond
	e, clock := newClockedEnv(t, cfg, onlineController("c1", 4), onlineController("c2", 1))
	var held []Release
	for i := 0; i < cfg.Capacity; i++ {
		r, ok := e.b.Counter().TryAcquire("c1")
		require.True(t, ok)
		held = append(held, r)
	}

	var waiting []<-chan Result
	for i := 0; i < 3; i++ {
		waiting = append(waiting, submitAsync(e.b, requests("c1", 4, true)))
	}
	// more deferring commands than global slots
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(deferralsTotal) >= 12
	}, time.Second, time.Millisecond)

	select {
	case res := <-submitAsync(e.b, requests("c2", 1, true)):
		assert.Empty(t, res.Failed)
		assert.Len(t, res.Successful, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("idle controller blocked behind commands deferring on c1")
	}

	for _, r := range held {
		r()
	}
	for _, ch := range waiting {
		res := advanceUntil(t, clock, cfg.DeferDelay, ch)
		assert.Empty(t, res.Failed)
	}
	assert.Equal(t, 0, e.b.Counter().Len())
}

func TestCounterBoundedUnderConcurrentSubmissions(t *testing.T) {
	e := newEnv(t, testConfig(), []model.Controller{onlineController("c1", 6)})
	e.tr.delay = 10 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.b.Submit(context.Background(), requests("c1", 6, i%2 == 0))
			assert.Empty(t, res.Failed)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, e.tr.counterPeak, 6)
	assert.Equal(t, 0, e.b.Counter().Len())
}

func TestGlobalInFlightLimit(t *testing.T) {
	ctrls := []model.Controller{onlineController("c1", 4), onlineController("c2", 4), onlineController("c3", 4), onlineController("c4", 4)}
	e := newEnv(t, testConfig(), ctrls)
	e.tr.delay = 30 * time.Millisecond

	var reqs []model.ChangeRequest
	for _, c := range ctrls {
		reqs = append(reqs, requests(c.ID, 4, true)...)
	}
	res := e.b.Submit(context.Background(), reqs)

	assert.Len(t, res.Successful, 16)
	assert.LessOrEqual(t, e.tr.peak, 10)
}

func TestToggleResolvesFromCurrentState(t *testing.T) {
	c := onlineController("c1", 2)
	c.Switches[1].State = true
	e := newEnv(t, testConfig(), []model.Controller{c})

	res := e.b.Submit(context.Background(), []model.ChangeRequest{
		{ControllerID: "c1", SwitchID: "s1"},
		{ControllerID: "c1", SwitchID: "s2"},
	})

	require.Len(t, res.Successful, 2)
	assert.True(t, res.Successful[0].State)
	assert.False(t, res.Successful[1].State)
}

type stubApplier struct{ err error }

func (s stubApplier) Apply(context.Context, model.Observation) (reconcile.Applied, error) {
	return reconcile.Applied{}, s.err
}

func TestPersistenceFailureAfterPublishIsRetryableSuccess(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	t.Cleanup(func() { ResetMetrics(nil) })
	st := store.NewMemoryStore(onlineController("c1", 1))
	tr := &fakeTransport{script: map[string][]bool{}}
	b, err := NewBatcher(testConfig(), st, tr, stubApplier{err: fmt.Errorf("%w: timeout", reconcile.ErrPersistence)})
	require.NoError(t, err)

	res := b.Submit(context.Background(), requests("c1", 1, true))

	require.Len(t, res.Successful, 1)
	assert.True(t, res.Successful[0].Retryable)
	assert.Contains(t, res.Successful[0].Warning, "not persisted")
	assert.Len(t, tr.published(), 1)
}

func TestTransportPanicReleasesSlots(t *testing.T) {
	e := newEnv(t, testConfig(), []model.Controller{onlineController("c1", 2)})
	e.tr.panicOn = "s1"

	res := e.b.Submit(context.Background(), requests("c1", 2, true))

	require.Len(t, res.Failed, 1)
	assert.Equal(t, KindTransport, res.Failed[0].Kind)
	assert.True(t, errors.Is(res.Failed[0].Err, ErrTransportPanic))
	assert.Len(t, res.Successful, 1)
	assert.Equal(t, 0, e.b.Counter().Len())
	assert.True(t, e.b.sem.TryAcquire(10), "global slots released")
	e.b.sem.Release(10)
}

type stubSigner struct{}

func (stubSigner) Sign(c model.Controller, sw string, _ time.Duration) (string, error) {
	return c.Address + "/" + sw, nil
}

func TestCommandPayloadAndActivity(t *testing.T) {
	log := &memActivity{}
	e := newEnv(t, testConfig(), []model.Controller{onlineController("c1", 1)},
		WithTokenSigner(stubSigner{}), WithActivityStore(log))

	res := e.b.Submit(context.Background(), requests("c1", 1, true))
	require.Len(t, res.Successful, 1)

	calls := e.tr.published()
	require.Len(t, calls, 1)
	cmd := calls[0].cmd
	assert.Equal(t, "addr-c1", calls[0].address)
	assert.Equal(t, "addr-c1", cmd.Address)
	assert.Equal(t, 4, cmd.Pin)
	assert.True(t, cmd.State)
	assert.Equal(t, "addr-c1/s1", cmd.AuthToken)
	assert.NotEmpty(t, cmd.CommandID)
	assert.Equal(t, res.Successful[0].BatchID, cmd.BatchID)

	recs, _ := log.Query(context.Background(), activity.Query{})
	require.Len(t, recs, 1)
	assert.Equal(t, cmd.CommandID, recs[0].CommandID)
	assert.Equal(t, uint64(1), recs[0].Sequence)
	assert.Equal(t, model.SourceOptimisticCommand, recs[0].Source)
}

func TestCommandEventsPublished(t *testing.T) {
	e := newEnv(t, testConfig(), []model.Controller{onlineController("c1", 1)})
	sub := e.bus.SubscribeBuffered(16)

	e.b.Submit(context.Background(), requests("c1", 1, true))

	var cmdEv *events.CommandEvent
	for cmdEv == nil {
		select {
		case ev := <-sub:
			if ce, ok := ev.(events.CommandEvent); ok {
				cmdEv = &ce
			}
		case <-time.After(time.Second):
			t.Fatal("no command event")
		}
	}
	assert.True(t, cmdEv.Success)
	assert.Equal(t, 1, cmdEv.Attempts)
	assert.InDelta(t, 1, testutil.ToFloat64(commandsTotal.WithLabelValues("success", "")), 0)
}
