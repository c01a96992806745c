package store

import (
	"encoding/json"
	"fmt"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
)

// EncodeEnvelope converts an envelope into a record using the registry's encoder.
func EncodeEnvelope(reg *event.Registry, env event.Envelope) (EventRecord, error) {
	payload, version, err := reg.Encode(env.Event)
	if err != nil {
		return EventRecord{}, err
	}
	return EventRecord{
		EventID:       env.ID,
		AggregateID:   env.AggregateID,
		AggregateType: env.AggregateType,
		Seq:           env.Seq,
		Type:          string(env.Type()),
		SchemaVersion: version,
		Payload:       payload,
		Metadata:      env.Metadata,
		CreatedAt:     env.Timestamp,
	}, nil
}

// DecodeRecord converts a stored record back into an envelope.
func DecodeRecord(reg *event.Registry, rec EventRecord) (event.Envelope, error) {
	ev, err := reg.Decode(event.Type(rec.Type), rec.SchemaVersion, rec.Payload)
	if err != nil {
		return event.Envelope{}, err
	}
	return event.Envelope{
		ID:            rec.EventID,
		AggregateID:   rec.AggregateID,
		AggregateType: rec.AggregateType,
		Seq:           rec.Seq,
		Event:         ev,
		Timestamp:     rec.CreatedAt,
		Metadata:      rec.Metadata,
	}, nil
}

// ValidateAppend checks that events form the contiguous continuation of a
// stream at expectedVersion.
func ValidateAppend(aggregateID string, expectedVersion int64, events []EventRecord) error {
	if aggregateID == "" {
		return errmodel.Validation("empty_aggregate_id", "aggregate id is empty", nil)
	}
	if expectedVersion < 0 {
		return errmodel.Validation("bad_expected_version", fmt.Sprintf("expected version %d is negative", expectedVersion), nil)
	}
	for i, e := range events {
		if e.AggregateID != aggregateID {
			return errmodel.Validation("aggregate_mismatch", fmt.Sprintf("event %d belongs to %q", i, e.AggregateID), map[string]any{"aggregate_id": aggregateID})
		}
		if want := expectedVersion + int64(i) + 1; e.Seq != want {
			return errmodel.Validation("non_contiguous_seq", fmt.Sprintf("event %d has seq %d want %d", i, e.Seq, want), map[string]any{"aggregate_id": aggregateID})
		}
		if e.EventID == "" || e.Type == "" {
			return errmodel.Validation("incomplete_event", fmt.Sprintf("event %d lacks id or type", i), map[string]any{"aggregate_id": aggregateID})
		}
	}
	return nil
}

// EncodeSources renders read model source positions for a JSON column.
// An empty map encodes as nil so the column stays NULL.
func EncodeSources(sources map[string]int64) (any, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// DecodeSources parses a JSON column written by EncodeSources.
func DecodeSources(b []byte) (map[string]int64, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var sources map[string]int64
	if err := json.Unmarshal(b, &sources); err != nil {
		return nil, fmt.Errorf("decode read model sources: %w", err)
	}
	return sources, nil
}
