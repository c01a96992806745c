package readmodel

import (
	"context"
	"errors"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/wilhg/eventcore/pkg/event"
)

// Projector feeds committed events into a Store. It satisfies the dispatch
// subscriber contract, so it can be registered with a dispatcher.
type Projector[T any] struct {
	name        string
	store       *Store[T]
	project     Projection[T]
	locate      Locator
	newContext  ContextFactory
	parallelism int
}

type projectorOptions struct {
	locate      Locator
	newContext  ContextFactory
	parallelism int
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*projectorOptions)

// WithLocator maps events to read model ids. Defaults to ByAggregateID. A
// read model may be fed by several aggregates; the store tracks the folded
// sequence of each one separately.
func WithLocator(l Locator) ProjectorOption {
	return func(o *projectorOptions) { o.locate = l }
}

func WithContextFactory(f ContextFactory) ProjectorOption {
	return func(o *projectorOptions) { o.newContext = f }
}

// WithParallelism projects up to n distinct read models concurrently.
func WithParallelism(n int) ProjectorOption {
	return func(o *projectorOptions) { o.parallelism = n }
}

// NewProjector wires a projection to a store.
func NewProjector[T any](name string, st *Store[T], project Projection[T], opts ...ProjectorOption) *Projector[T] {
	o := projectorOptions{locate: ByAggregateID, newContext: NewContext, parallelism: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locate == nil {
		o.locate = ByAggregateID
	}
	return &Projector[T]{
		name:        name,
		store:       st,
		project:     project,
		locate:      o.locate,
		newContext:  o.newContext,
		parallelism: o.parallelism,
	}
}

func (p *Projector[T]) Name() string { return p.name }

// Store returns the underlying read model store.
func (p *Projector[T]) Store() *Store[T] { return p.store }

// Handle projects a dispatched event together with the events committed
// before it. The first event of a batch folds the whole batch in one pass;
// later events then find their prefix already folded and cost one read. When
// an earlier event failed, the prefix is folded again so nothing is skipped.
func (p *Projector[T]) Handle(ctx context.Context, env event.Envelope, batch []event.Envelope) error {
	i := slices.IndexFunc(batch, func(e event.Envelope) bool { return e.ID == env.ID })
	switch {
	case i < 0:
		return p.Project(ctx, []event.Envelope{env})
	case i == 0:
		return p.Project(ctx, batch)
	default:
		return p.Project(ctx, batch[:i+1])
	}
}

// Project groups events per read model and updates each one.
func (p *Projector[T]) Project(ctx context.Context, events []event.Envelope) error {
	updates := Group(events, p.locate)
	if len(updates) == 0 {
		return nil
	}
	if p.parallelism <= 1 || len(updates) == 1 {
		return p.store.Update(ctx, updates, p.newContext, p.project)
	}
	// Updates are independent, so one failure must not cancel the rest.
	errs := make([]error, len(updates))
	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for i, u := range updates {
		g.Go(func() error {
			errs[i] = p.store.Update(ctx, []Update{u}, p.newContext, p.project)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
