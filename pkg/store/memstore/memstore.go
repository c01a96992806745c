// Package memstore keeps events, snapshots and read models in process memory.
// It is used by tests and by the CLI when no database is configured.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/store"
)

// Store implements store.Store and store.ReadModelBackend.
type Store struct {
	mu         sync.RWMutex
	streams    map[string][]store.EventRecord
	log        []store.EventRecord
	snapshots  map[string]store.SnapshotRecord
	readModels map[string]map[string]store.ReadModelRow
	now        func() time.Time
}

var (
	_ store.Store            = (*Store)(nil)
	_ store.ReadModelBackend = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		streams:    map[string][]store.EventRecord{},
		snapshots:  map[string]store.SnapshotRecord{},
		readModels: map[string]map[string]store.ReadModelRow{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []store.EventRecord) ([]store.EventRecord, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return nil, err
	}
	if err := store.ValidateAppend(aggregateID, expectedVersion, events); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stream := s.streams[aggregateID]
	if last := int64(len(stream)); last != expectedVersion {
		return nil, errmodel.Conflict(
			fmt.Sprintf("stream %s is at version %d, expected %d", aggregateID, last, expectedVersion),
			map[string]any{"aggregate_id": aggregateID, "expected": expectedVersion, "actual": last})
	}
	out := make([]store.EventRecord, 0, len(events))
	for _, e := range events {
		e.Position = int64(len(s.log)) + 1
		e.Metadata = maps.Clone(e.Metadata)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		e.CreatedAt = store.Timestamp(e.CreatedAt)
		s.log = append(s.log, e)
		stream = append(stream, e)
		out = append(out, e)
	}
	s.streams[aggregateID] = stream
	return out, nil
}

func (s *Store) ReadFrom(ctx context.Context, aggregateID string, afterSeq int64, limit int) ([]store.EventRecord, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[aggregateID]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(stream)) {
		return nil, nil
	}
	// Seq n lives at index n-1.
	return page(stream[afterSeq:], limit), nil
}

func (s *Store) LastSeq(ctx context.Context, aggregateID string) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[aggregateID])), nil
}

func (s *Store) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]store.EventRecord, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if afterPosition < 0 {
		afterPosition = 0
	}
	if afterPosition >= int64(len(s.log)) {
		return nil, nil
	}
	return page(s.log[afterPosition:], limit), nil
}

func page(src []store.EventRecord, limit int) []store.EventRecord {
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	out := slices.Clone(src)
	for i := range out {
		out[i].Metadata = maps.Clone(out[i].Metadata)
	}
	return out
}

func (s *Store) SaveSnapshot(ctx context.Context, sn store.SnapshotRecord) error {
	if err := errmodel.CheckContext(ctx); err != nil {
		return err
	}
	if sn.CreatedAt.IsZero() {
		sn.CreatedAt = s.now()
	}
	sn.State = slices.Clone(sn.State)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snapshots[sn.AggregateID]; ok && cur.Version > sn.Version {
		return nil
	}
	s.snapshots[sn.AggregateID] = sn
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, aggregateID string) (store.SnapshotRecord, bool, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return store.SnapshotRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sn, ok := s.snapshots[aggregateID]
	if ok {
		sn.State = slices.Clone(sn.State)
	}
	return sn, ok, nil
}

func (s *Store) FetchReadModel(ctx context.Context, category, id string) (store.ReadModelRow, bool, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return store.ReadModelRow{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.readModels[category][id]
	if ok {
		row.Payload = slices.Clone(row.Payload)
		row.Sources = maps.Clone(row.Sources)
	}
	return row, ok, nil
}

func (s *Store) InsertReadModel(ctx context.Context, row store.ReadModelRow) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.readModels[row.Category]
	if rows == nil {
		rows = map[string]store.ReadModelRow{}
		s.readModels[row.Category] = rows
	}
	if _, exists := rows[row.ID]; exists {
		return 0, nil
	}
	row.Payload = slices.Clone(row.Payload)
	row.Sources = maps.Clone(row.Sources)
	rows[row.ID] = row
	return 1, nil
}

func (s *Store) UpdateReadModel(ctx context.Context, row store.ReadModelRow, expectedVersion int64) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.readModels[row.Category][row.ID]
	if !ok || cur.Version != expectedVersion {
		return 0, nil
	}
	row.CreatedAt = cur.CreatedAt
	row.Payload = slices.Clone(row.Payload)
	row.Sources = maps.Clone(row.Sources)
	s.readModels[row.Category][row.ID] = row
	return 1, nil
}

func (s *Store) DeleteReadModel(ctx context.Context, category, id string) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.readModels[category][id]; !ok {
		return 0, nil
	}
	delete(s.readModels[category], id)
	return 1, nil
}

func (s *Store) DeleteAllReadModels(ctx context.Context, category string) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.readModels[category]))
	delete(s.readModels, category)
	return n, nil
}
