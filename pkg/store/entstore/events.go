package entstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/sqlgraph"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/store"
)

var eventColumns = []string{
	"id", "event_id", "aggregate_id", "aggregate_type", "seq",
	"type", "schema_version", "payload", "metadata", "created_at",
}

// Append writes events as the continuation of the stream at expectedVersion.
// The check and the inserts share one transaction and the unique
// (aggregate_id, seq) index rejects a racing writer.
func (s *Store) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []store.EventRecord) ([]store.EventRecord, error) {
	if err := store.ValidateAppend(aggregateID, expectedVersion, events); err != nil {
		return nil, err
	}
	if err := errmodel.CheckContext(ctx); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errmodel.Storage("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.lastSeq(ctx, tx, aggregateID)
	if err != nil {
		return nil, errmodel.Storage("read stream version", err)
	}
	if current != expectedVersion {
		return nil, conflict(aggregateID, expectedVersion, current)
	}

	out := make([]store.EventRecord, 0, len(events))
	for _, rec := range events {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
		rec.CreatedAt = store.Timestamp(rec.CreatedAt)
		meta, err := encodeMetadata(rec.Metadata)
		if err != nil {
			return nil, errmodel.Validation("invalid_metadata", err.Error(), map[string]any{"event_id": rec.EventID})
		}
		version := rec.SchemaVersion
		if version <= 0 {
			version = 1
		}
		query, args := s.builder().Insert(eventsTable).
			Columns(eventColumns[1:]...).
			Values(rec.EventID, rec.AggregateID, rec.AggregateType, rec.Seq, rec.Type, version, string(rec.Payload), meta, rec.CreatedAt).
			Returning("id").
			Query()
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&rec.Position); err != nil {
			if sqlgraph.IsUniqueConstraintError(err) {
				return nil, conflict(aggregateID, expectedVersion, -1)
			}
			return nil, errmodel.Storage("insert event", err)
		}
		rec.SchemaVersion = version
		out = append(out, rec)
	}
	if err := errmodel.CheckContext(ctx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		if sqlgraph.IsUniqueConstraintError(err) {
			return nil, conflict(aggregateID, expectedVersion, -1)
		}
		return nil, errmodel.Storage("commit append", err)
	}
	return out, nil
}

func conflict(aggregateID string, expected, actual int64) error {
	ctx := map[string]any{"aggregate_id": aggregateID, "expected_version": expected}
	if actual >= 0 {
		ctx["actual_version"] = actual
	}
	return errmodel.Conflict(fmt.Sprintf("stream %s is not at version %d", aggregateID, expected), ctx)
}

func (s *Store) lastSeq(ctx context.Context, q querier, aggregateID string) (int64, error) {
	query, args := s.builder().Select(entsql.Max("seq")).
		From(entsql.Table(eventsTable)).
		Where(entsql.EQ("aggregate_id", aggregateID)).
		Query()
	var last sql.NullInt64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		return 0, err
	}
	return last.Int64, nil
}

// LastSeq returns the stream version, 0 for an unknown aggregate.
func (s *Store) LastSeq(ctx context.Context, aggregateID string) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	seq, err := s.lastSeq(ctx, s.db, aggregateID)
	if err != nil {
		return 0, errmodel.Storage("read stream version", err)
	}
	return seq, nil
}

// ReadFrom lists events of one aggregate with seq > afterSeq in order.
func (s *Store) ReadFrom(ctx context.Context, aggregateID string, afterSeq int64, limit int) ([]store.EventRecord, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return nil, err
	}
	sel := s.builder().Select(eventColumns...).
		From(entsql.Table(eventsTable)).
		Where(entsql.And(entsql.EQ("aggregate_id", aggregateID), entsql.GT("seq", afterSeq))).
		OrderBy(entsql.Asc("seq"))
	if limit > 0 {
		sel.Limit(limit)
	}
	recs, err := s.queryEvents(ctx, sel)
	if err != nil {
		return nil, errmodel.Storage("read stream", err)
	}
	return recs, nil
}

// ReadAll lists events of every aggregate with position > afterPosition in
// append order.
func (s *Store) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]store.EventRecord, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return nil, err
	}
	sel := s.builder().Select(eventColumns...).
		From(entsql.Table(eventsTable)).
		Where(entsql.GT("id", afterPosition)).
		OrderBy(entsql.Asc("id"))
	if limit > 0 {
		sel.Limit(limit)
	}
	recs, err := s.queryEvents(ctx, sel)
	if err != nil {
		return nil, errmodel.Storage("read log", err)
	}
	return recs, nil
}

func (s *Store) queryEvents(ctx context.Context, sel *entsql.Selector) ([]store.EventRecord, error) {
	query, args := sel.Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.EventRecord
	for rows.Next() {
		var (
			rec     store.EventRecord
			payload []byte
			meta    []byte
		)
		if err := rows.Scan(&rec.Position, &rec.EventID, &rec.AggregateID, &rec.AggregateType, &rec.Seq,
			&rec.Type, &rec.SchemaVersion, &payload, &meta, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("event %s metadata: %w", rec.EventID, err)
			}
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeMetadata(md map[string]string) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
