package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/switchyard/api"
	"github.com/kilianp07/switchyard/auth"
	"github.com/kilianp07/switchyard/config"
	"github.com/kilianp07/switchyard/core/activity"
	"github.com/kilianp07/switchyard/core/dispatch"
	"github.com/kilianp07/switchyard/core/events"
	coremetrics "github.com/kilianp07/switchyard/core/metrics"
	"github.com/kilianp07/switchyard/core/model"
	"github.com/kilianp07/switchyard/core/presence"
	"github.com/kilianp07/switchyard/core/reconcile"
	"github.com/kilianp07/switchyard/core/store"
	"github.com/kilianp07/switchyard/core/transport"
	"github.com/kilianp07/switchyard/core/validator"
	"github.com/kilianp07/switchyard/infra/fanout"
	"github.com/kilianp07/switchyard/infra/logger"
	"github.com/kilianp07/switchyard/infra/metrics"
	"github.com/kilianp07/switchyard/infra/mongo"
	"github.com/kilianp07/switchyard/infra/mqtt"
	"github.com/kilianp07/switchyard/internal/eventbus"
)

// Service wires the batcher, the reconciler and their surroundings.
type Service struct {
	Store      store.Store
	Transport  transport.Transport
	Batcher    *dispatch.Batcher
	Reconciler *reconcile.Reconciler
	Reaper     *dispatch.Reaper
	Presence   *presence.Monitor
	Hub        *fanout.Hub
	Activity   activity.Store
	Sink       coremetrics.Sink
	Bus        *eventbus.Bus

	cfg     *config.Config
	clock   clockwork.Clock
	log     logger.Logger
	closers []func(context.Context) error
}

// New connects to MongoDB (or keeps controllers in memory when no URI is
// configured) and to the MQTT broker, then builds the Service.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	var (
		st      store.Store
		closers []func(context.Context) error
	)
	if cfg.Mongo.URI != "" {
		ms, err := mongo.Connect(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		st = ms
		closers = append(closers, ms.Close)
	} else {
		logger.New("service").Warnf("no mongo uri configured, controllers are kept in memory")
		st = store.NewMemoryStore()
	}

	client, err := mqtt.NewPahoClient(cfg.MQTT)
	if err != nil {
		_ = closeAll(closers)
		return nil, fmt.Errorf("mqtt client: %w", err)
	}
	closers = append(closers, func(context.Context) error { client.Disconnect(); return nil })

	svc, err := NewWithDeps(cfg, st, client, clockwork.NewRealClock())
	if err != nil {
		_ = closeAll(closers)
		return nil, err
	}
	svc.closers = append(closers, svc.closers...)
	if err := svc.Seed(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}

// NewWithDeps builds the Service around an existing store and transport.
func NewWithDeps(cfg *config.Config, st store.Store, tr transport.Transport, clock clockwork.Clock) (*Service, error) {
	if cfg == nil || st == nil || tr == nil {
		return nil, errors.New("nil parameter provided")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := logger.New("service")

	sink, err := coremetrics.NewSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	act, err := activity.NewStore(cfg.Activity)
	if err != nil {
		return nil, fmt.Errorf("activity store: %w", err)
	}

	bus := eventbus.New()
	bus.OnDrop(func(ev eventbus.Event) {
		if _, ok := ev.(events.ChangeEvent); ok {
			log.Warnf("event bus subscriber missed a change event")
		}
	})

	rec, err := reconcile.NewReconciler(cfg.Reconcile, st, bus,
		reconcile.WithClock(clock),
		reconcile.WithLogger(logger.New("reconciler")),
		reconcile.WithSink(sink),
	)
	if err != nil {
		return nil, fmt.Errorf("reconciler: %w", err)
	}

	opts := []dispatch.Option{
		dispatch.WithClock(clock),
		dispatch.WithLogger(logger.New("batcher")),
		dispatch.WithBus(bus),
		dispatch.WithSink(sink),
		dispatch.WithPinValidator(validator.DefaultPinTable()),
		dispatch.WithTokenSigner(auth.NewDeviceTokens(cfg.Auth, clock)),
	}
	if act != nil {
		opts = append(opts, dispatch.WithActivityStore(act))
	}
	b, err := dispatch.NewBatcher(cfg.Dispatch, st, tr, rec, opts...)
	if err != nil {
		return nil, fmt.Errorf("batcher: %w", err)
	}

	mon := presence.NewMonitor(cfg.Presence, st, bus, clock, logger.New("presence"))
	mon.SetSink(sink)

	svc := &Service{
		Store:      st,
		Transport:  tr,
		Batcher:    b,
		Reconciler: rec,
		Reaper:     b.NewReaper(),
		Presence:   mon,
		Hub:        fanout.NewHub(cfg.Websocket, logger.New("fanout")),
		Activity:   act,
		Sink:       sink,
		Bus:        bus,
		cfg:        cfg,
		clock:      clock,
		log:        log,
	}
	if act != nil {
		svc.closers = append(svc.closers, func(context.Context) error { return act.Close() })
	}
	return svc, nil
}

// Seed upserts the configured controllers, keeping stored runtime state.
func (s *Service) Seed(ctx context.Context) error {
	if len(s.cfg.Controllers) == 0 {
		return nil
	}
	seeder, ok := s.Store.(store.Seeder)
	if !ok {
		return errors.New("store does not accept controller definitions")
	}
	for _, seed := range s.cfg.Controllers {
		var prev *model.Controller
		if c, err := s.Store.Controller(ctx, seed.ID); err == nil {
			prev = &c
		} else if !errors.Is(err, store.ErrControllerNotFound) {
			return fmt.Errorf("seed %s: %w", seed.ID, err)
		}
		if err := seeder.Upsert(ctx, seed.Controller(prev)); err != nil {
			return fmt.Errorf("seed %s: %w", seed.ID, err)
		}
	}
	s.log.Infof("seeded %d controllers", len(s.cfg.Controllers))
	return nil
}

// Handler returns the HTTP route table.
func (s *Service) Handler() http.Handler {
	deps := api.Deps{Submitter: s.Batcher, Store: s.Store, Websocket: s.Hub}
	if s.Activity != nil {
		deps.Activity = s.Activity
	}
	return api.NewRouter(s.cfg.HTTP, deps)
}

// Run starts every background component and blocks until ctx is done or
// one of them fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	hubEvents := s.Bus.SubscribeBuffered(s.cfg.Websocket.SendBuffer)
	g.Go(func() error {
		s.Reconciler.Run(ctx, s.Transport.Reports())
		return nil
	})
	g.Go(func() error {
		s.Reaper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.Presence.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.Hub.Run(ctx, hubEvents)
		return nil
	})
	g.Go(func() error {
		return api.Serve(ctx, s.cfg.HTTP, s.Handler(), logger.New("http"))
	})
	if addr := s.cfg.Metrics.PrometheusAddr; addr != "" {
		g.Go(func() error {
			return metrics.StartPromServer(ctx, addr, nil)
		})
	}
	s.log.Infof("switchyard running")
	err := g.Wait()
	s.Reconciler.Wait()
	return err
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.Bus.Close()
	return closeAll(s.closers)
}

func closeAll(closers []func(context.Context) error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
