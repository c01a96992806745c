package dispatch

import (
	"context"

	"github.com/wilhg/eventcore/pkg/event"
)

// Strategy observes every transition of a dispatch and owns the decision
// whether a failed dispatch is swallowed or reported to the caller.
type Strategy interface {
	BeforeDispatchAll(ctx context.Context, batch []event.Envelope)
	BeforeHandle(ctx context.Context, sub Subscriber, env event.Envelope)
	HandleSucceeded(ctx context.Context, sub Subscriber, env event.Envelope)
	// HandleFailed is informational. swallowHint reports whether the
	// dispatcher will keep delivering env to the remaining subscribers.
	HandleFailed(ctx context.Context, sub Subscriber, env event.Envelope, err error, swallowHint bool)
	DispatchSucceeded(ctx context.Context, env event.Envelope)
	// DispatchFailed returns true to swallow err and report success.
	DispatchFailed(ctx context.Context, env event.Envelope, batch []event.Envelope, err error) bool
}

// NoOp ignores every hook and never swallows.
type NoOp struct{}

func (NoOp) BeforeDispatchAll(context.Context, []event.Envelope)                  {}
func (NoOp) BeforeHandle(context.Context, Subscriber, event.Envelope)              {}
func (NoOp) HandleSucceeded(context.Context, Subscriber, event.Envelope)           {}
func (NoOp) HandleFailed(context.Context, Subscriber, event.Envelope, error, bool) {}
func (NoOp) DispatchSucceeded(context.Context, event.Envelope)                     {}
func (NoOp) DispatchFailed(context.Context, event.Envelope, []event.Envelope, error) bool {
	return false
}

// Hooks builds a Strategy from optional functions. Nil fields are no-ops and
// a nil OnDispatchFailed propagates the failure.
type Hooks struct {
	OnBeforeDispatchAll func(ctx context.Context, batch []event.Envelope)
	OnBeforeHandle      func(ctx context.Context, sub Subscriber, env event.Envelope)
	OnHandleSucceeded   func(ctx context.Context, sub Subscriber, env event.Envelope)
	OnHandleFailed      func(ctx context.Context, sub Subscriber, env event.Envelope, err error, swallowHint bool)
	OnDispatchSucceeded func(ctx context.Context, env event.Envelope)
	OnDispatchFailed    func(ctx context.Context, env event.Envelope, batch []event.Envelope, err error) bool
}

func (h Hooks) BeforeDispatchAll(ctx context.Context, batch []event.Envelope) {
	if h.OnBeforeDispatchAll != nil {
		h.OnBeforeDispatchAll(ctx, batch)
	}
}

func (h Hooks) BeforeHandle(ctx context.Context, sub Subscriber, env event.Envelope) {
	if h.OnBeforeHandle != nil {
		h.OnBeforeHandle(ctx, sub, env)
	}
}

func (h Hooks) HandleSucceeded(ctx context.Context, sub Subscriber, env event.Envelope) {
	if h.OnHandleSucceeded != nil {
		h.OnHandleSucceeded(ctx, sub, env)
	}
}

func (h Hooks) HandleFailed(ctx context.Context, sub Subscriber, env event.Envelope, err error, swallowHint bool) {
	if h.OnHandleFailed != nil {
		h.OnHandleFailed(ctx, sub, env, err, swallowHint)
	}
}

func (h Hooks) DispatchSucceeded(ctx context.Context, env event.Envelope) {
	if h.OnDispatchSucceeded != nil {
		h.OnDispatchSucceeded(ctx, env)
	}
}

func (h Hooks) DispatchFailed(ctx context.Context, env event.Envelope, batch []event.Envelope, err error) bool {
	if h.OnDispatchFailed == nil {
		return false
	}
	return h.OnDispatchFailed(ctx, env, batch, err)
}

var (
	_ Strategy = NoOp{}
	_ Strategy = Hooks{}
	_ Strategy = (*DeadLetter)(nil)
)
