package entstore

import (
	"context"
	"database/sql"
	"errors"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/store"
)

func rowKey(category, id string) *entsql.Predicate {
	return entsql.And(entsql.EQ("category", category), entsql.EQ("id", id))
}

func (s *Store) FetchReadModel(ctx context.Context, category, id string) (store.ReadModelRow, bool, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return store.ReadModelRow{}, false, err
	}
	query, args := s.builder().Select("category", "id", "version", "payload", "sources", "created_at", "updated_at").
		From(entsql.Table(readModelsTable)).
		Where(rowKey(category, id)).
		Query()
	var (
		row     store.ReadModelRow
		payload []byte
		sources []byte
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&row.Category, &row.ID, &row.Version, &payload, &sources, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ReadModelRow{}, false, nil
	}
	if err != nil {
		return store.ReadModelRow{}, false, err
	}
	row.Payload = payload
	if row.Sources, err = store.DecodeSources(sources); err != nil {
		return store.ReadModelRow{}, false, err
	}
	row.CreatedAt = row.CreatedAt.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()
	return row, true, nil
}

// InsertReadModel inserts a new row and reports 0 when the key is taken.
func (s *Store) InsertReadModel(ctx context.Context, row store.ReadModelRow) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	sources, err := store.EncodeSources(row.Sources)
	if err != nil {
		return 0, err
	}
	ins := s.builder().Insert(readModelsTable).
		Columns("category", "id", "version", "payload", "sources", "created_at", "updated_at").
		Values(row.Category, row.ID, row.Version, string(row.Payload), sources, row.CreatedAt.UTC(), row.UpdatedAt.UTC()).
		OnConflict(entsql.ConflictColumns("category", "id"), entsql.DoNothing())
	return exec(ctx, s.db, ins)
}

// UpdateReadModel overwrites the row only while its version is still expectedVersion.
func (s *Store) UpdateReadModel(ctx context.Context, row store.ReadModelRow, expectedVersion int64) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	sources, err := store.EncodeSources(row.Sources)
	if err != nil {
		return 0, err
	}
	upd := s.builder().Update(readModelsTable).
		Set("version", row.Version).
		Set("payload", string(row.Payload)).
		Set("sources", sources).
		Set("updated_at", row.UpdatedAt.UTC()).
		Where(entsql.And(rowKey(row.Category, row.ID), entsql.EQ("version", expectedVersion)))
	return exec(ctx, s.db, upd)
}

func (s *Store) DeleteReadModel(ctx context.Context, category, id string) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	return exec(ctx, s.db, s.builder().Delete(readModelsTable).Where(rowKey(category, id)))
}

func (s *Store) DeleteAllReadModels(ctx context.Context, category string) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	return exec(ctx, s.db, s.builder().Delete(readModelsTable).Where(entsql.EQ("category", category)))
}
