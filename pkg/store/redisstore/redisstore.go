// Package redisstore keeps aggregate snapshots in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/store"
)

const (
	DefaultKeyPrefix = "eventcore:snapshot:"
	maxWatchRetries  = 5
)

// Store implements store.SnapshotStore. One key per aggregate holds the
// latest snapshot as JSON.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ store.SnapshotStore = (*Store)(nil)

type Option func(*Store)

func WithKeyPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// WithTTL expires snapshots after d. Zero keeps them forever.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// Open parses a redis:// URL and pings the server.
func Open(ctx context.Context, redisURL string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts...), nil
}

func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(aggregateID string) string { return s.prefix + aggregateID }

type snapshotValue struct {
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int64           `json:"version"`
	State         json.RawMessage `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SaveSnapshot stores sn unless a snapshot with an equal or higher version is
// already present. The compare and set run under WATCH.
func (s *Store) SaveSnapshot(ctx context.Context, sn store.SnapshotRecord) error {
	if sn.AggregateID == "" {
		return errmodel.Validation("empty_aggregate_id", "snapshot aggregate id is empty", nil)
	}
	if err := errmodel.CheckContext(ctx); err != nil {
		return err
	}
	if sn.CreatedAt.IsZero() {
		sn.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snapshotValue(sn))
	if err != nil {
		return errmodel.Validation("unencodable_snapshot", err.Error(), map[string]any{"aggregate_id": sn.AggregateID})
	}
	key := s.key(sn.AggregateID)
	txf := func(tx *redis.Tx) error {
		cur, ok, err := get(ctx, tx, key)
		if err != nil {
			return err
		}
		if ok && cur.Version >= sn.Version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}
	for range maxWatchRetries {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return errmodel.Storage("save snapshot", err)
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, aggregateID string) (store.SnapshotRecord, bool, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return store.SnapshotRecord{}, false, err
	}
	v, ok, err := get(ctx, s.client, s.key(aggregateID))
	if err != nil {
		return store.SnapshotRecord{}, false, errmodel.Storage("load snapshot", err)
	}
	if !ok {
		return store.SnapshotRecord{}, false, nil
	}
	return store.SnapshotRecord(v), true, nil
}

// Delete drops the snapshot of one aggregate.
func (s *Store) Delete(ctx context.Context, aggregateID string) error {
	if err := s.client.Del(ctx, s.key(aggregateID)).Err(); err != nil {
		return errmodel.Storage("delete snapshot", err)
	}
	return nil
}

func get(ctx context.Context, c redis.Cmdable, key string) (snapshotValue, bool, error) {
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return snapshotValue{}, false, nil
	}
	if err != nil {
		return snapshotValue{}, false, err
	}
	var v snapshotValue
	if err := json.Unmarshal(b, &v); err != nil {
		return snapshotValue{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return v, true, nil
}
