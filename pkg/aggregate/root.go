package aggregate

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/store"
)

// Root is the in-memory reconstruction of one aggregate instance. It is owned
// by a single command at a time and is not safe for concurrent use.
type Root[S any] struct {
	def             *Definition[S]
	id              string
	state           S
	committed       int64
	snapshotVersion int64
	uncommitted     []event.Envelope
	deleted         bool

	now   func() time.Time
	newID func() string
}

func (r *Root[S]) ID() string   { return r.id }
func (r *Root[S]) Type() string { return r.def.name }

// State returns the current state including uncommitted events.
func (r *Root[S]) State() S { return r.state }

// Version is the sequence number of the last applied event, committed or not.
func (r *Root[S]) Version() int64 { return r.committed + int64(len(r.uncommitted)) }

// CommittedVersion is the last sequence number known to be stored.
func (r *Root[S]) CommittedVersion() int64 { return r.committed }

// SnapshotVersion is the version of the snapshot the root was seeded from or
// last saved, 0 when none.
func (r *Root[S]) SnapshotVersion() int64 { return r.snapshotVersion }

// IsNew reports whether the aggregate has no events at all.
func (r *Root[S]) IsNew() bool { return r.Version() == 0 }

// Deleted reports whether a terminal event has been applied.
func (r *Root[S]) Deleted() bool { return r.deleted }

// Uncommitted returns a copy of the pending envelopes.
func (r *Root[S]) Uncommitted() []event.Envelope { return slices.Clone(r.uncommitted) }

// HasChanges reports whether Commit has anything to write.
func (r *Root[S]) HasChanges() bool { return len(r.uncommitted) > 0 }

// EmitOption decorates the envelope of an emitted event.
type EmitOption func(*event.Envelope)

// WithMetadata attaches a metadata entry to the emitted envelope.
func WithMetadata(key, value string) EmitOption {
	return func(env *event.Envelope) { *env = env.WithMeta(key, value) }
}

// Emit validates e against the registered guards, applies it and queues it
// for commit. On error the state is left unchanged.
func (r *Root[S]) Emit(e event.Event, opts ...EmitOption) error {
	if e == nil {
		return errmodel.Validation("nil_event", "event is nil", nil)
	}
	if r.deleted {
		return errmodel.Domain("aggregate_deleted", fmt.Sprintf("%s %s is deleted", r.def.name, r.id),
			map[string]any{"aggregate_id": r.id})
	}
	t := e.EventType()
	h, ok := r.def.handlers[t]
	if !ok {
		return errmodel.UnknownEventType(string(t))
	}
	for _, guard := range r.def.guards[t] {
		if err := guard(r.state, e); err != nil {
			return asDomainError(err)
		}
	}
	env := event.Envelope{
		ID:            r.newID(),
		AggregateID:   r.id,
		AggregateType: r.def.name,
		Seq:           r.Version() + 1,
		Event:         e,
		Timestamp:     r.now(),
	}
	for _, opt := range opts {
		opt(&env)
	}
	env.Timestamp = store.Timestamp(env.Timestamp)
	next, err := h.apply(r.state, env)
	if err != nil {
		return err
	}
	r.state = next
	if h.terminal {
		r.deleted = true
	}
	r.uncommitted = append(r.uncommitted, env)
	return nil
}

// replay applies a stored envelope. Sequence numbers must continue the stream
// without gaps.
func (r *Root[S]) replay(env event.Envelope) error {
	if want := r.committed + 1; env.Seq != want {
		return errmodel.New(errmodel.CategoryStorage, "corrupt_stream",
			fmt.Sprintf("event sequence gap: expected %d got %d", want, env.Seq),
			map[string]any{"aggregate_id": r.id, "expected": want, "got": env.Seq})
	}
	h, ok := r.def.handlers[env.Type()]
	if !ok {
		return errmodel.UnknownEventType(string(env.Type()))
	}
	next, err := h.apply(r.state, env)
	if err != nil {
		return err
	}
	r.state = next
	r.committed = env.Seq
	if h.terminal {
		r.deleted = true
	}
	return nil
}

func (r *Root[S]) markCommitted() {
	r.committed = r.Version()
	r.uncommitted = nil
}

func asDomainError(err error) error {
	var ce *errmodel.Error
	if errors.As(err, &ce) {
		return err
	}
	return errmodel.New(errmodel.CategoryDomain, "invariant_violated", err.Error(), nil, err)
}
