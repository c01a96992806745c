// Package store defines persistence records and the interfaces for event
// streams, snapshots and read models. Implementations must provide identical
// semantics across backends to support deterministic replay and portability.
package store

import (
	"encoding/json"
	"time"
)

// EventRecord is the persisted representation of an event.
// Payload holds the event data as JSON. The JSON form of a record is also
// the wire format used by the bus publishers and exports.
type EventRecord struct {
	// Position is the global append order assigned by the store.
	Position      int64             `json:"position,omitempty"`
	EventID       string            `json:"event_id"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	Seq           int64             `json:"seq"`
	Type          string            `json:"type"`
	SchemaVersion int               `json:"schema_version"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// SnapshotRecord stores materialized aggregate state up to Version.
type SnapshotRecord struct {
	AggregateID   string
	AggregateType string
	Version       int64
	State         json.RawMessage
	CreatedAt     time.Time
}

// ReadModelRow is one persisted read model. Version guards writes; for a read
// model fed by a single aggregate it equals the last folded sequence number.
// Sources holds the last sequence number folded per source aggregate.
type ReadModelRow struct {
	Category  string
	ID        string
	Version   int64
	Payload   json.RawMessage
	Sources   map[string]int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Timestamp normalizes t to UTC at microsecond precision, the finest every
// backend keeps. Timestamps stamped before a write must go through it or a
// reloaded aggregate would differ from the one that emitted the events.
func Timestamp(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }
