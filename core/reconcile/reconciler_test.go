package reconcile

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

	"github.com/kilianp07/switchyard/core/events"
	"github.com/kilianp07/switchyard/core/model"
	"github.com/kilianp07/switchyard/core/store"
	"github.com/kilianp07/switchyard/internal/eventbus"
)

func controller() model.Controller {
	return model.Controller{
		ID:        "c1",
		Address:   "aa:bb:cc:dd:ee:01",
		Classroom: "B204",
		Secret:    "s3cret",
		Switches: []model.Switch{
			{ID: "s1", Pin: 4},
			{ID: "s2", Pin: 5},
			{ID: "s3", Pin: 12},
			{ID: "s4", Pin: 13},
		},
	}
}

type fixture struct {
	store *store.MemoryStore
	bus   *eventbus.Bus
	sub   <-chan eventbus.Event
	clock *clockwork.FakeClock
	rec   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ResetMetrics(prometheus.NewRegistry())
	t.Cleanup(func() { ResetMetrics(nil) })
	f := &fixture{
		store: store.NewMemoryStore(controller()),
		bus:   eventbus.New(),
		clock: clockwork.NewFakeClock(),
	}
	f.sub = f.bus.SubscribeBuffered(256)
	rec, err := NewReconciler(Config{DebounceWindow: 500 * time.Millisecond}, f.store, f.bus, WithClock(f.clock))
	require.NoError(t, err)
	f.rec = rec
	return f
}

func (f *fixture) changes() []events.ChangeEvent {
	var out []events.ChangeEvent
	for {
		select {
		case e := <-f.sub:
			if ce, ok := e.(events.ChangeEvent); ok {
				out = append(out, ce)
			}
		default:
			return out
		}
	}
}

func report(state bool) model.ControllerReport {
	return model.ControllerReport{Address: "aa:bb:cc:dd:ee:01", SwitchID: "s1", State: state}
}

func TestApplyIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	obs := model.Observation{ControllerID: "c1", SwitchID: "s1", State: true, Source: model.SourceOptimisticCommand}

	a, err := f.rec.Apply(ctx, obs)
	require.NoError(t, err)
	assert.True(t, a.Changed)
	assert.Equal(t, uint64(1), a.Sequence)

	a, err = f.rec.Apply(ctx, obs)
	require.NoError(t, err)
	assert.False(t, a.Changed)
	assert.Equal(t, uint64(1), a.Sequence)

	evs := f.changes()
	require.Len(t, evs, 1)
	assert.Equal(t, "B204", evs[0].Classroom)
	assert.Equal(t, model.SourceOptimisticCommand, evs[0].Source)
	assert.InDelta(t, 1, testutil.ToFloat64(unchangedTotal), 0)
}

func TestDuplicateReportSingleWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.HandleReport(ctx, report(true)))
	require.NoError(t, f.rec.HandleReport(ctx, report(true)))
	assert.InDelta(t, 1, testutil.ToFloat64(debouncedTotal), 0)

	f.clock.Advance(500 * time.Millisecond)
	f.rec.Wait()

	c, err := f.store.Controller(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Sequence, "one persisted write")
	assert.Len(t, f.changes(), 1, "one broadcast")
}

func TestDebounceAppliesLatestHeldValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, model.Observation{ControllerID: "c1", SwitchID: "s1", State: true, Source: model.SourceOptimisticCommand})
	require.NoError(t, err)

	for _, st := range []bool{false, true, false} {
		f.clock.Advance(100 * time.Millisecond)
		require.NoError(t, f.rec.HandleReport(ctx, report(st)))
	}
	c, _ := f.store.Controller(ctx, "c1")
	sw, _ := c.Switch("s1")
	assert.True(t, sw.State, "held reports are not applied inside the window")

	f.clock.Advance(200 * time.Millisecond)
	f.rec.Wait()

	c, _ = f.store.Controller(ctx, "c1")
	sw, _ = c.Switch("s1")
	assert.False(t, sw.State)
	evs := f.changes()
	require.Len(t, evs, 2)
	assert.Equal(t, model.SourceControllerReport, evs[1].Source)
	assert.Equal(t, uint64(2), evs[1].Sequence)
}

func TestReportOutsideWindowAppliesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.HandleReport(ctx, report(true)))
	f.clock.Advance(time.Second)
	require.NoError(t, f.rec.HandleReport(ctx, report(false)))
	assert.Len(t, f.changes(), 2)
}

func TestSequencesStrictlyIncreasing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.rec.Apply(ctx, model.Observation{
				ControllerID: "c1",
				SwitchID:     fmt.Sprintf("s%d", i%4+1),
				State:        i%8 < 4,
				Source:       model.SourceOptimisticCommand,
			})
		}()
	}
	wg.Wait()

	evs := f.changes()
	require.NotEmpty(t, evs)
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Sequence, evs[i-1].Sequence)
	}
	c, _ := f.store.Controller(ctx, "c1")
	assert.Equal(t, evs[len(evs)-1].Sequence, c.Sequence)
}

func TestHandleReportTouchesAndIdentifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.rec.HandleReport(ctx, model.ControllerReport{Address: "aa:bb:cc:dd:ee:01", Hello: true, Secret: "wrong"})
	assert.ErrorIs(t, err, ErrIdentification)
	c, _ := f.store.Controller(ctx, "c1")
	assert.False(t, c.Identified)
	assert.Equal(t, f.clock.Now(), c.LastSeen, "every report refreshes liveness")

	require.NoError(t, f.rec.HandleReport(ctx, model.ControllerReport{Address: "aa:bb:cc:dd:ee:01", Hello: true, Secret: "s3cret"}))
	c, _ = f.store.Controller(ctx, "c1")
	assert.True(t, c.Identified)
	assert.Empty(t, f.changes())
}

func TestHandleReportUnknownAddress(t *testing.T) {
	f := newFixture(t)
	err := f.rec.HandleReport(context.Background(), model.ControllerReport{Address: "nobody", SwitchID: "s1"})
	assert.ErrorIs(t, err, store.ErrControllerNotFound)
	assert.InDelta(t, 1, testutil.ToFloat64(unknownReports), 0)
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) ApplySwitchState(context.Context, string, string, bool, time.Time) (store.Change, error) {
	return store.Change{}, errors.New("connection reset")
}

func TestPersistenceFailure(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	t.Cleanup(func() { ResetMetrics(nil) })
	bus := eventbus.New()
	sub := bus.Subscribe()
	rec, err := NewReconciler(Config{}, brokenStore{store.NewMemoryStore(controller())}, bus)
	require.NoError(t, err)

	_, err = rec.Apply(context.Background(), model.Observation{ControllerID: "c1", SwitchID: "s1", State: true, Source: model.SourceOptimisticCommand})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.InDelta(t, 1, testutil.ToFloat64(persistFailures), 0)
	select {
	case e := <-sub:
		t.Fatalf("unexpected event %v", e)
	default:
	}
}

func TestRunConsumesReports(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reports := make(chan model.ControllerReport, 1)
	done := make(chan struct{})
	go func() {
		f.rec.Run(ctx, reports)
		close(done)
	}()

	reports <- report(true)
	close(reports)
	<-done

	c, _ := f.store.Controller(context.Background(), "c1")
	sw, _ := c.Switch("s1")
	assert.True(t, sw.State)
}
