// Package dispatch delivers committed events to subscribers and lets a
// Strategy decide what a delivery failure means for the caller.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
)

// Subscriber receives every dispatched event together with the batch it was
// committed in.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, env event.Envelope, batch []event.Envelope) error
}

// HandlerFunc is the function form of Subscriber.Handle.
type HandlerFunc func(ctx context.Context, env event.Envelope, batch []event.Envelope) error

type funcSubscriber struct {
	name string
	fn   HandlerFunc
}

func (s funcSubscriber) Name() string { return s.name }

func (s funcSubscriber) Handle(ctx context.Context, env event.Envelope, batch []event.Envelope) error {
	return s.fn(ctx, env, batch)
}

// NewSubscriber adapts fn into a named Subscriber.
func NewSubscriber(name string, fn HandlerFunc) Subscriber {
	return funcSubscriber{name: name, fn: fn}
}

// SubscriberError identifies the subscriber behind a failure. It is only
// handed to Strategy.DispatchFailed; callers receive the subscriber's error.
type SubscriberError struct {
	Subscriber string
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s: %v", e.Subscriber, e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }

// Dispatcher fans events out to registered subscribers in registration order.
type Dispatcher struct {
	strategy        Strategy
	continueOnError bool
	logger          *slog.Logger

	mu   sync.RWMutex
	subs []Subscriber
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// ContinueOnError keeps delivering an event to the remaining subscribers after
// one of them failed. The first failure is still reported.
func ContinueOnError(v bool) Option {
	return func(d *Dispatcher) { d.continueOnError = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher returns a Dispatcher. A nil strategy means NoOp.
func NewDispatcher(strategy Strategy, opts ...Option) *Dispatcher {
	if strategy == nil {
		strategy = NoOp{}
	}
	d := &Dispatcher{strategy: strategy, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register appends subscribers.
func (d *Dispatcher) Register(subs ...Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range subs {
		if s != nil {
			d.subs = append(d.subs, s)
		}
	}
}

// Subscribers returns the registered subscribers.
func (d *Dispatcher) Subscribers() []Subscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Subscriber(nil), d.subs...)
}

// Dispatch delivers batch event by event. It returns nil when every delivery
// succeeded or the strategy swallowed the failure, otherwise the first
// subscriber error unchanged. Cancellation is never offered to the strategy.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []event.Envelope) error {
	if len(batch) == 0 {
		return nil
	}
	subs := d.Subscribers()
	ctx, span := otel.Tracer("dispatch/dispatcher").Start(ctx, "Dispatcher.Dispatch", trace.WithAttributes(
		attribute.Int("dispatch.events", len(batch)),
		attribute.Int("dispatch.subscribers", len(subs)),
	))
	defer span.End()

	d.strategy.BeforeDispatchAll(ctx, batch)
	for _, env := range batch {
		if err := errmodel.CheckContext(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "canceled")
			return err
		}
		failure, err := d.deliver(ctx, subs, env, batch)
		if err == nil {
			d.strategy.DispatchSucceeded(ctx, env)
			continue
		}
		span.RecordError(err)
		if errmodel.IsCanceled(err) || ctx.Err() != nil {
			span.SetStatus(codes.Error, "canceled")
			return err
		}
		if d.strategy.DispatchFailed(ctx, env, batch, failure) {
			span.AddEvent("dispatch.swallowed", trace.WithAttributes(
				attribute.String("event.id", env.ID),
				attribute.String("subscriber", failure.Subscriber),
			))
			d.logger.DebugContext(ctx, "dispatch failure swallowed", "event_id", env.ID, "subscriber", failure.Subscriber)
			continue
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, subs []Subscriber, env event.Envelope, batch []event.Envelope) (*SubscriberError, error) {
	var first *SubscriberError
	for _, sub := range subs {
		d.strategy.BeforeHandle(ctx, sub, env)
		err := sub.Handle(ctx, env, batch)
		if err == nil {
			d.strategy.HandleSucceeded(ctx, sub, env)
			continue
		}
		canceled := errmodel.IsCanceled(err) || ctx.Err() != nil
		cont := d.continueOnError && !canceled
		d.strategy.HandleFailed(ctx, sub, env, err, cont)
		if first == nil {
			first = &SubscriberError{Subscriber: sub.Name(), Err: err}
		}
		if canceled {
			return first, err
		}
		if !cont {
			break
		}
	}
	if first == nil {
		return nil, nil
	}
	return first, first.Err
}
