// Package event defines domain events, the envelope that carries them through
// the store and the dispatch pipeline, and a typed registry that maps event
// type tags to decoders.
package event

import (
	"maps"
	"time"
)

// Type is the logical name of a domain event. It stays stable across schema versions.
type Type string

// Event is an immutable fact emitted by an aggregate.
type Event interface {
	EventType() Type
}

// Versioned is implemented by events whose payload shape has evolved.
type Versioned interface {
	SchemaVersion() int
}

// SchemaVersionOf returns the payload schema version of e, 1 when unversioned.
func SchemaVersionOf(e Event) int {
	if v, ok := e.(Versioned); ok && v.SchemaVersion() > 0 {
		return v.SchemaVersion()
	}
	return 1
}

// Well-known metadata keys.
const (
	MetaCorrelationID = "correlation_id"
	MetaCausationID   = "causation_id"
)

// Envelope wraps an event with its position in an aggregate stream.
// Seq is 1-based and contiguous per aggregate.
type Envelope struct {
	ID            string
	AggregateID   string
	AggregateType string
	Seq           int64
	Event         Event
	Timestamp     time.Time
	Metadata      map[string]string
}

// Type returns the wrapped event's type tag.
func (e Envelope) Type() Type {
	if e.Event == nil {
		return ""
	}
	return e.Event.EventType()
}

// Meta returns a metadata value or "".
func (e Envelope) Meta(key string) string {
	return e.Metadata[key]
}

// WithMeta returns a copy of e with key set. The receiver is not modified.
func (e Envelope) WithMeta(key, value string) Envelope {
	md := make(map[string]string, len(e.Metadata)+1)
	maps.Copy(md, e.Metadata)
	md[key] = value
	e.Metadata = md
	return e
}

// LastSeq returns the highest sequence number in envs, 0 when empty.
func LastSeq(envs []Envelope) int64 {
	var last int64
	for _, e := range envs {
		if e.Seq > last {
			last = e.Seq
		}
	}
	return last
}
