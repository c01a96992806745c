// Package runtime runs commands against aggregates: load, decide, commit and
// dispatch, with the whole cycle retried on optimistic concurrency conflicts.
package runtime

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/eventcore/pkg/aggregate"
	"github.com/wilhg/eventcore/pkg/dispatch"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/retry"
)

// Command mutates a freshly loaded aggregate by emitting events. It may run
// more than once when a concurrent writer wins the commit.
type Command[S any] func(ctx context.Context, root *aggregate.Root[S]) error

// Executor coordinates command execution backed by a repository.
type Executor[S any] struct {
	repo       *aggregate.Repository[S]
	retry      *retry.Handler
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// ExecutorOption configures the Executor at construction time.
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	retry      *retry.Handler
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

func WithRetry(h *retry.Handler) ExecutorOption {
	return func(o *executorOptions) { o.retry = h }
}

// WithDispatcher sends committed events to the dispatcher's subscribers.
func WithDispatcher(d *dispatch.Dispatcher) ExecutorOption {
	return func(o *executorOptions) { o.dispatcher = d }
}

func WithLogger(l *slog.Logger) ExecutorOption {
	return func(o *executorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewExecutor constructs a new Executor.
func NewExecutor[S any](repo *aggregate.Repository[S], opts ...ExecutorOption) *Executor[S] {
	o := executorOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.retry == nil {
		o.retry = retry.New(retry.WithLogger(o.logger))
	}
	return &Executor[S]{repo: repo, retry: o.retry, dispatcher: o.dispatcher, logger: o.logger}
}

// Repository returns the underlying repository.
func (x *Executor[S]) Repository() *aggregate.Repository[S] { return x.repo }

// Execute loads aggregate id, runs cmd and commits what it emitted. A commit
// conflict reloads and reruns cmd. Committed events are then dispatched; a
// dispatch error is returned together with the committed events, which stay
// committed.
func (x *Executor[S]) Execute(ctx context.Context, id string, cmd Command[S]) ([]event.Envelope, error) {
	ctx, span := otel.Tracer("runtime/executor").Start(ctx, "Executor.Execute", trace.WithAttributes(
		attribute.String("aggregate.type", x.repo.Definition().Name()),
		attribute.String("aggregate.id", id),
	))
	defer span.End()

	attempts := 0
	committed, err := retry.Value(ctx, x.retry, func(ctx context.Context) ([]event.Envelope, error) {
		attempts++
		root, err := x.repo.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := cmd(ctx, root); err != nil {
			return nil, err
		}
		if !root.HasChanges() {
			return nil, nil
		}
		return x.repo.Commit(ctx, root)
	})
	span.SetAttributes(attribute.Int("execute.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("execute.events", len(committed)))
	if len(committed) == 0 || x.dispatcher == nil {
		return committed, nil
	}
	if err := x.dispatcher.Dispatch(ctx, committed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.logger.ErrorContext(ctx, "dispatch after commit failed",
			"aggregate_id", id, "events", len(committed), "err", err)
		return committed, err
	}
	return committed, nil
}
