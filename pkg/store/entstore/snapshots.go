package entstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/store"
)

// SaveSnapshot upserts the aggregate's snapshot. An older version never
// replaces a newer one.
func (s *Store) SaveSnapshot(ctx context.Context, sn store.SnapshotRecord) error {
	if sn.AggregateID == "" {
		return errmodel.Validation("empty_aggregate_id", "snapshot aggregate id is empty", nil)
	}
	if err := errmodel.CheckContext(ctx); err != nil {
		return err
	}
	if sn.CreatedAt.IsZero() {
		sn.CreatedAt = time.Now()
	}
	sn.CreatedAt = store.Timestamp(sn.CreatedAt)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errmodel.Storage("begin snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args := s.builder().Select("version").
		From(entsql.Table(snapshotsTable)).
		Where(entsql.EQ("aggregate_id", sn.AggregateID)).
		Query()
	var existing int64
	switch err := tx.QueryRowContext(ctx, query, args...).Scan(&existing); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return errmodel.Storage("read snapshot version", err)
	case existing >= sn.Version:
		return nil
	}

	ins := s.builder().Insert(snapshotsTable).
		Columns("aggregate_id", "aggregate_type", "version", "state", "created_at").
		Values(sn.AggregateID, sn.AggregateType, sn.Version, string(sn.State), sn.CreatedAt.UTC()).
		OnConflict(entsql.ConflictColumns("aggregate_id"), entsql.ResolveWithNewValues())
	if _, err := exec(ctx, tx, ins); err != nil {
		return errmodel.Storage("save snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return errmodel.Storage("commit snapshot", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot of the aggregate, if any.
func (s *Store) LoadSnapshot(ctx context.Context, aggregateID string) (store.SnapshotRecord, bool, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return store.SnapshotRecord{}, false, err
	}
	query, args := s.builder().Select("aggregate_id", "aggregate_type", "version", "state", "created_at").
		From(entsql.Table(snapshotsTable)).
		Where(entsql.EQ("aggregate_id", aggregateID)).
		Query()
	var (
		sn    store.SnapshotRecord
		state []byte
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&sn.AggregateID, &sn.AggregateType, &sn.Version, &state, &sn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.SnapshotRecord{}, false, nil
	}
	if err != nil {
		return store.SnapshotRecord{}, false, errmodel.Storage("load snapshot", err)
	}
	sn.State = state
	sn.CreatedAt = sn.CreatedAt.UTC()
	return sn, true, nil
}
