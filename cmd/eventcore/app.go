package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wilhg/eventcore/examples/thread"
	"github.com/wilhg/eventcore/pkg/aggregate"
	"github.com/wilhg/eventcore/pkg/config"
	"github.com/wilhg/eventcore/pkg/dispatch"
	"github.com/wilhg/eventcore/pkg/dispatch/kafkapub"
	"github.com/wilhg/eventcore/pkg/dispatch/natspub"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/readmodel"
	"github.com/wilhg/eventcore/pkg/retry"
	"github.com/wilhg/eventcore/pkg/runtime"
	"github.com/wilhg/eventcore/pkg/store"
	"github.com/wilhg/eventcore/pkg/store/entstore"
	"github.com/wilhg/eventcore/pkg/store/pgstore"
	"github.com/wilhg/eventcore/pkg/store/redisstore"
)

// app holds the wired thread service. Optional backends are only opened when
// their URL is configured.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	events    *entstore.Store
	registry  *event.Registry
	repo      *aggregate.Repository[thread.State]
	exec      *runtime.Executor[thread.State]
	summaries *readmodel.Store[thread.Summary]
	projector *readmodel.Projector[thread.Summary]
	pg        *pgstore.Backend
	closers   []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, registry: thread.Registry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.events, err = entstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	a.closers = append(a.closers, a.events.Close)

	var snapshots store.SnapshotStore = a.events
	if cfg.RedisURL != "" {
		rs, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		snapshots = rs
	}

	var backend store.ReadModelBackend = a.events
	if cfg.ReadModelDatabaseURL != "" {
		a.pg, err = pgstore.Open(ctx, cfg.ReadModelDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open read model database: %w", err)
		}
		a.closers = append(a.closers, func() error { a.pg.Close(); return nil })
		backend = a.pg
	}

	rh := retry.New(
		retry.WithMaxAttempts(cfg.RetryAttempts),
		retry.WithDelay(cfg.RetryDelay),
		retry.WithJitter(0.2),
		retry.WithLogger(logger),
	)
	a.repo = aggregate.NewRepository(thread.Definition(cfg.SnapshotThreshold), a.registry, a.events,
		aggregate.WithSnapshotStore(snapshots), aggregate.WithLogger(logger))
	a.summaries, err = readmodel.NewStore(backend, thread.SummaryDescriptor,
		readmodel.WithRetry(rh), readmodel.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.projector = thread.NewSummaryProjector(a.summaries)

	subs := []dispatch.Subscriber{a.projector}
	var sink dispatch.DeadLetterSink
	if cfg.NATSURL != "" {
		nc, err := natspub.ConnectWithRetry(ctx, cfg.NATSURL, cfg.NATSStream, 10*time.Second)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		pub := natspub.New(nc.JS, a.registry, natspub.WithLogger(logger))
		subs = append(subs, pub)
		sink = pub
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := kafkapub.New(cfg.KafkaBrokers, cfg.KafkaTopic, a.registry, kafkapub.WithLogger(logger))
		a.closers = append(a.closers, kp.Close)
		subs = append(subs, kp)
		if sink == nil {
			sink = kp
		}
	}
	d := dispatch.NewDispatcher(dispatch.NewDeadLetter(sink, logger),
		dispatch.ContinueOnError(true), dispatch.WithLogger(logger))
	d.Register(subs...)

	a.exec = runtime.NewExecutor(a.repo,
		runtime.WithRetry(rh), runtime.WithDispatcher(d), runtime.WithLogger(logger))
	return a, nil
}

// Migrate creates the event tables and, when separate, the read model table.
func (a *app) Migrate(ctx context.Context) error {
	if err := a.events.Migrate(ctx); err != nil {
		return err
	}
	if a.pg != nil {
		return a.pg.Migrate(ctx)
	}
	return nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
