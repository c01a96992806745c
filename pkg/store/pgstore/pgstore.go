// Package pgstore is a PostgreSQL read model backend on a pgx connection pool.
// It lets read models live in a different database than the event log.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/store"
)

const (
	defaultMaxConns        = 20
	defaultMaxConnLifetime = 30 * time.Minute
	defaultMaxConnIdleTime = 5 * time.Minute
)

const createReadModelsSQL = `
CREATE TABLE IF NOT EXISTS read_models (
  category text NOT NULL,
  id text NOT NULL,
  version bigint NOT NULL,
  payload jsonb NOT NULL,
  sources jsonb,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  PRIMARY KEY (category, id)
)`

const addSourcesColumnSQL = `ALTER TABLE read_models ADD COLUMN IF NOT EXISTS sources jsonb`

const selectReadModelSQL = `
SELECT category, id, version, payload, sources, created_at, updated_at
FROM read_models
WHERE category = $1 AND id = $2`

const insertReadModelSQL = `
INSERT INTO read_models (category, id, version, payload, sources, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (category, id) DO NOTHING`

const updateReadModelSQL = `
UPDATE read_models
SET version = $3, payload = $4, sources = $5, updated_at = $6
WHERE category = $1 AND id = $2 AND version = $7`

const deleteReadModelSQL = `DELETE FROM read_models WHERE category = $1 AND id = $2`

const deleteAllReadModelsSQL = `DELETE FROM read_models WHERE category = $1`

// Backend implements store.ReadModelBackend.
type Backend struct {
	pool *pgxpool.Pool
}

var _ store.ReadModelBackend = (*Backend)(nil)

// Open creates a pool for databaseURL.
func Open(ctx context.Context, databaseURL string) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = defaultMaxConns
	cfg.MaxConnLifetime = defaultMaxConnLifetime
	cfg.MaxConnIdleTime = defaultMaxConnIdleTime
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Backend { return &Backend{pool: pool} }

// Migrate creates the read_models table.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, createReadModelsSQL); err != nil {
		return fmt.Errorf("create read_models: %w", err)
	}
	if _, err := b.pool.Exec(ctx, addSourcesColumnSQL); err != nil {
		return fmt.Errorf("add read_models.sources: %w", err)
	}
	return nil
}

func (b *Backend) Close() { b.pool.Close() }

func (b *Backend) FetchReadModel(ctx context.Context, category, id string) (store.ReadModelRow, bool, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return store.ReadModelRow{}, false, err
	}
	var (
		row     store.ReadModelRow
		payload []byte
		sources []byte
	)
	err := b.pool.QueryRow(ctx, selectReadModelSQL, category, id).
		Scan(&row.Category, &row.ID, &row.Version, &payload, &sources, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (b *Backend) InsertReadModel(ctx context.Context, row store.ReadModelRow) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	sources, err := store.EncodeSources(row.Sources)
	if err != nil {
		return 0, err
	}
	tag, err := b.pool.Exec(ctx, insertReadModelSQL,
		row.Category, row.ID, row.Version, string(row.Payload), sources, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *Backend) UpdateReadModel(ctx context.Context, row store.ReadModelRow, expectedVersion int64) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	sources, err := store.EncodeSources(row.Sources)
	if err != nil {
		return 0, err
	}
	tag, err := b.pool.Exec(ctx, updateReadModelSQL,
		row.Category, row.ID, row.Version, string(row.Payload), sources, row.UpdatedAt, expectedVersion)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *Backend) DeleteReadModel(ctx context.Context, category, id string) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	tag, err := b.pool.Exec(ctx, deleteReadModelSQL, category, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *Backend) DeleteAllReadModels(ctx context.Context, category string) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	tag, err := b.pool.Exec(ctx, deleteAllReadModelsSQL, category)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
