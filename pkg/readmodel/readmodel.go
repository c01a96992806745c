// Package readmodel keeps query-side projections in step with committed
// events through version-guarded writes.
package readmodel

import (
	"context"
	"errors"
	"time"

	"github.com/wilhg/eventcore/pkg/event"
)

// Envelope carries a read model and the version it was read at.
// A nil Version means the read model does not exist yet.
type Envelope[T any] struct {
	ID      string
	Value   *T
	Version *int64
}

// Empty returns the envelope of a read model that does not exist.
func Empty[T any](id string) Envelope[T] { return Envelope[T]{ID: id} }

// Exists reports whether the read model was found in the store.
func (e Envelope[T]) Exists() bool { return e.Version != nil }

// VersionOr returns the version or def when absent.
func (e Envelope[T]) VersionOr(def int64) int64 {
	if e.Version == nil {
		return def
	}
	return *e.Version
}

// With returns a copy of e holding value. The version is kept.
func (e Envelope[T]) With(value T) Envelope[T] {
	e.Value = &value
	return e
}

// Update is the set of events to fold into one read model.
type Update struct {
	ReadModelID string
	Events      []event.Envelope
}

// Result is the outcome of a projection.
type Result int

const (
	// Unmodified leaves the stored payload untouched. An existing row still
	// records the events as folded.
	Unmodified Result = iota
	// Modified persists the returned envelope.
	Modified
	// MarkedForDeletion removes the read model.
	MarkedForDeletion
)

func (r Result) String() string {
	switch r {
	case Unmodified:
		return "unmodified"
	case Modified:
		return "modified"
	case MarkedForDeletion:
		return "marked_for_deletion"
	default:
		return "unknown"
	}
}

// Context is handed to a projection for one read model.
type Context struct {
	id                string
	isNew             bool
	markedForDeletion bool

	// Data carries caller-provided values from a ContextFactory.
	Data any
}

// NewContext is the default ContextFactory.
func NewContext(id string, isNew bool) *Context {
	return &Context{id: id, isNew: isNew}
}

// ContextFactory builds the Context for a read model about to be projected.
type ContextFactory func(id string, isNew bool) *Context

func (c *Context) ReadModelID() string { return c.id }

// IsNew reports whether no stored read model existed before this projection.
func (c *Context) IsNew() bool { return c.isNew }

// MarkForDeletion asks the store to delete the read model instead of writing it.
func (c *Context) MarkForDeletion() { c.markedForDeletion = true }

func (c *Context) IsMarkedForDeletion() bool { return c.markedForDeletion }

// Projection folds events into the current envelope. Events are ordered by sequence.
type Projection[T any] func(ctx context.Context, rc *Context, events []event.Envelope, current Envelope[T]) (Result, Envelope[T], error)

// Descriptor tells a Store how to reach the bookkeeping fields of T.
// Accessors return pointers into the value so the store can read and stamp them.
type Descriptor[T any] struct {
	// Category names the table or key space. Required.
	Category string
	// Version points at the field holding the stored row version. For a read
	// model fed by one aggregate it mirrors the last folded sequence number. Required.
	Version func(*T) *int64
	// CreatedAt and UpdatedAt are optional timestamp fields.
	CreatedAt func(*T) *time.Time
	UpdatedAt func(*T) *time.Time
}

func (d Descriptor[T]) validate() error {
	if d.Category == "" {
		return errors.New("read model descriptor: category is empty")
	}
	if d.Version == nil {
		return errors.New("read model descriptor: version accessor is required")
	}
	return nil
}

// Locator maps an event to the read model ids it affects.
type Locator func(env event.Envelope) []string

// ByAggregateID locates the read model sharing the event's aggregate id.
func ByAggregateID(env event.Envelope) []string { return []string{env.AggregateID} }

// Group turns a batch of events into one Update per read model id, keeping
// the order in which ids first appear and the order of events per id.
func Group(events []event.Envelope, locate Locator) []Update {
	if locate == nil {
		locate = ByAggregateID
	}
	index := map[string]int{}
	var out []Update
	for _, env := range events {
		for _, id := range locate(env) {
			if id == "" {
				continue
			}
			i, ok := index[id]
			if !ok {
				i = len(out)
				index[id] = i
				out = append(out, Update{ReadModelID: id})
			}
			out[i].Events = append(out[i].Events, env)
		}
	}
	return out
}
