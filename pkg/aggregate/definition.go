// Package aggregate reconstructs aggregate state from event streams and
// commits newly emitted events under optimistic concurrency.
package aggregate

import (
	"fmt"
	"slices"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/snapshot"
)

type handler[S any] struct {
	apply    func(S, event.Envelope) (S, error)
	terminal bool
}

// Definition describes one aggregate type: its initial state, the apply
// handler for every event type it accepts, invariant guards and snapshot policy.
// Build it once at startup; it is read-only afterwards.
type Definition[S any] struct {
	name     string
	initial  func(id string) S
	handlers map[event.Type]handler[S]
	guards   map[event.Type][]func(S, event.Event) error
	strategy snapshot.Strategy
	codec    snapshot.Codec[S]
}

// Option configures a Definition.
type Option[S any] func(*Definition[S])

// WithSnapshots enables snapshots. A nil strategy means snapshot.Threshold(snapshot.DefaultThreshold).
func WithSnapshots[S any](strategy snapshot.Strategy, codec snapshot.Codec[S]) Option[S] {
	return func(d *Definition[S]) {
		if strategy == nil {
			strategy = snapshot.Threshold(snapshot.DefaultThreshold)
		}
		d.strategy = strategy
		d.codec = codec
	}
}

// Define creates an aggregate definition. initial builds the empty state for an id.
func Define[S any](name string, initial func(id string) S, opts ...Option[S]) *Definition[S] {
	if initial == nil {
		initial = func(string) S {
			var zero S
			return zero
		}
	}
	d := &Definition[S]{
		name:     name,
		initial:  initial,
		handlers: map[event.Type]handler[S]{},
		guards:   map[event.Type][]func(S, event.Event) error{},
		strategy: snapshot.Never{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the aggregate type name.
func (d *Definition[S]) Name() string { return d.name }

// Handles reports whether an apply handler is registered for t.
func (d *Definition[S]) Handles(t event.Type) bool {
	_, ok := d.handlers[t]
	return ok
}

// EventTypes lists the handled event types.
func (d *Definition[S]) EventTypes() []event.Type {
	out := make([]event.Type, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// On registers the apply handler for event type E. The same handler runs on
// replay and on emission. Handlers must be deterministic and must not fail;
// validation belongs in a Guard. Registering a type twice panics.
func On[S any, E event.Event](d *Definition[S], apply func(state S, e E, env event.Envelope) S) {
	register(d, apply, false)
}

// OnTerminal is On for events that end the aggregate's life. After such an
// event is applied the aggregate reports Deleted and rejects further events.
func OnTerminal[S any, E event.Event](d *Definition[S], apply func(state S, e E, env event.Envelope) S) {
	register(d, apply, true)
}

func register[S any, E event.Event](d *Definition[S], apply func(S, E, event.Envelope) S, terminal bool) {
	var zero E
	t := zero.EventType()
	if _, exists := d.handlers[t]; exists {
		panic(fmt.Sprintf("aggregate %s: handler for %s already registered", d.name, t))
	}
	d.handlers[t] = handler[S]{
		terminal: terminal,
		apply: func(s S, env event.Envelope) (S, error) {
			e, ok := env.Event.(E)
			if !ok {
				return s, errmodel.New(errmodel.CategoryUnknownEvent, "event_type_mismatch",
					fmt.Sprintf("%s handler received %T", t, env.Event), map[string]any{"event_type": string(t)})
			}
			return apply(s, e, env), nil
		},
	}
}

// Guard registers an invariant check that Emit runs before applying an event
// of type E. A non-nil error rejects the event as a domain error.
func Guard[S any, E event.Event](d *Definition[S], check func(state S, e E) error) {
	var zero E
	t := zero.EventType()
	d.guards[t] = append(d.guards[t], func(s S, ev event.Event) error {
		e, ok := ev.(E)
		if !ok {
			return nil
		}
		return check(s, e)
	})
}
