// Package storetest holds behavioural tests shared by every store backend.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/store"
)

// Records builds n contiguous records for aggregateID starting after from.
func Records(aggregateID string, from int64, n int) []store.EventRecord {
	out := make([]store.EventRecord, 0, n)
	for i := 1; i <= n; i++ {
		seq := from + int64(i)
		out = append(out, store.EventRecord{
			EventID:       fmt.Sprintf("%s-%d", aggregateID, seq),
			AggregateID:   aggregateID,
			AggregateType: "test",
			Seq:           seq,
			Type:          "test.happened",
			SchemaVersion: 1,
			Payload:       json.RawMessage(fmt.Sprintf(`{"n":%d}`, seq)),
			CreatedAt:     time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
		})
	}
	return out
}

// EventStore checks append, read and conflict semantics.
func EventStore(t *testing.T, newStore func(t *testing.T) store.EventStore) {
	t.Run("AppendAndRead", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		first := Records("agg-a", 0, 2)
		first[0].Metadata = map[string]string{"correlation_id": "req-1"}
		stored, err := s.Append(ctx, "agg-a", 0, first)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Less(t, stored[0].Position, stored[1].Position)

		_, err = s.Append(ctx, "agg-a", 2, Records("agg-a", 2, 1))
		require.NoError(t, err)

		last, err := s.LastSeq(ctx, "agg-a")
		require.NoError(t, err)
		assert.Equal(t, int64(3), last)

		all, err := s.ReadFrom(ctx, "agg-a", 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, rec := range all {
			assert.Equal(t, int64(i+1), rec.Seq)
		}
		assert.Equal(t, "req-1", all[0].Metadata["correlation_id"])
		assert.JSONEq(t, `{"n":1}`, string(all[0].Payload))
		assert.Equal(t, first[0].CreatedAt, all[0].CreatedAt)
		assert.Equal(t, "test", all[0].AggregateType)
		assert.Equal(t, 1, all[0].SchemaVersion)

		page, err := s.ReadFrom(ctx, "agg-a", 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(2), page[0].Seq)

		none, err := s.LastSeq(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, none)
	})

	t.Run("VersionMismatchIsConflict", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, err := s.Append(ctx, "agg-b", 0, Records("agg-b", 0, 1))
		require.NoError(t, err)
		_, err = s.Append(ctx, "agg-b", 0, Records("agg-b", 0, 1))
		require.Error(t, err)
		assert.True(t, errmodel.IsConflict(err), "got %v", err)

		last, err := s.LastSeq(ctx, "agg-b")
		require.NoError(t, err)
		assert.Equal(t, int64(1), last, "a rejected append writes nothing")
	})

	t.Run("NonContiguousIsRejected", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		recs := Records("agg-c", 0, 3)
		recs[2].Seq = 5
		_, err := s.Append(ctx, "agg-c", 0, recs)
		require.Error(t, err)
		assert.True(t, errmodel.IsCategory(err, errmodel.CategoryValidation))
	})

	t.Run("ConcurrentAppendsOneWins", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		const writers = 4
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				recs := Records("agg-d", 0, 1)
				recs[0].EventID = fmt.Sprintf("agg-d-w%d", w)
				_, err := s.Append(ctx, "agg-d", 0, recs)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errmodel.IsConflict(err):
					conflicts++
				default:
					t.Errorf("writer %d: %v", w, err)
				}
			}(w)
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
		assert.Equal(t, writers-1, conflicts)
	})

	t.Run("ReadAllInAppendOrder", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, err := s.Append(ctx, "x", 0, Records("x", 0, 2))
		require.NoError(t, err)
		_, err = s.Append(ctx, "y", 0, Records("y", 0, 1))
		require.NoError(t, err)
		_, err = s.Append(ctx, "x", 2, Records("x", 2, 1))
		require.NoError(t, err)

		all, err := s.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		var ids []string
		for _, r := range all {
			ids = append(ids, r.EventID)
		}
		assert.Equal(t, []string{"x-1", "x-2", "y-1", "x-3"}, ids)

		rest, err := s.ReadAll(ctx, all[1].Position, 1)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "y-1", rest[0].EventID)
	})

	t.Run("TimestampsKeepMicroseconds", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		at := time.Date(2026, 3, 4, 10, 0, 17, 679966670, time.UTC)
		recs := Records("agg-t", 0, 1)
		recs[0].CreatedAt = at
		stored, err := s.Append(ctx, "agg-t", 0, recs)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		want := time.Date(2026, 3, 4, 10, 0, 17, 679966000, time.UTC)
		assert.Equal(t, want, stored[0].CreatedAt)

		read, err := s.ReadFrom(ctx, "agg-t", 0, 0)
		require.NoError(t, err)
		require.Len(t, read, 1)
		assert.Equal(t, want, read[0].CreatedAt, "what Append returns is what a reload sees")
	})

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := newStore(t)
		_, err := s.Append(ctx, "agg-e", 0, Records("agg-e", 0, 1))
		require.Error(t, err)
		assert.True(t, errmodel.IsCanceled(err))
	})
}

// SnapshotStore checks that the latest snapshot wins.
func SnapshotStore(t *testing.T, newStore func(t *testing.T) store.SnapshotStore) {
	ctx := context.Background()
	s := newStore(t)

	_, ok, err := s.LoadSnapshot(ctx, "snap-a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveSnapshot(ctx, store.SnapshotRecord{AggregateID: "snap-a", AggregateType: "test", Version: 10, State: json.RawMessage(`{"v":10}`)}))
	require.NoError(t, s.SaveSnapshot(ctx, store.SnapshotRecord{AggregateID: "snap-a", AggregateType: "test", Version: 20, State: json.RawMessage(`{"v":20}`)}))
	require.NoError(t, s.SaveSnapshot(ctx, store.SnapshotRecord{AggregateID: "snap-a", AggregateType: "test", Version: 15, State: json.RawMessage(`{"v":15}`)}))

	sn, ok, err := s.LoadSnapshot(ctx, "snap-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), sn.Version)
	assert.JSONEq(t, `{"v":20}`, string(sn.State))
	assert.Equal(t, "test", sn.AggregateType)
	assert.False(t, sn.CreatedAt.IsZero())
}

// ReadModelBackend checks version-guarded writes and idempotent deletes.
func ReadModelBackend(t *testing.T, newBackend func(t *testing.T) store.ReadModelBackend) {
	ctx := context.Background()
	b := newBackend(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	row := store.ReadModelRow{Category: "cat", ID: "r1", Version: 1, Payload: json.RawMessage(`{"n":1}`), Sources: map[string]int64{"r1": 1}, CreatedAt: now, UpdatedAt: now}

	_, ok, err := b.FetchReadModel(ctx, "cat", "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := b.InsertReadModel(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = b.InsertReadModel(ctx, row)
	require.NoError(t, err)
	assert.Zero(t, n, "second insert of the same key affects nothing")

	next := row
	next.Version = 2
	next.Payload = json.RawMessage(`{"n":2}`)
	next.Sources = map[string]int64{"r1": 1, "agg-x": 7}
	next.UpdatedAt = now.Add(time.Minute)
	n, err = b.UpdateReadModel(ctx, next, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = b.UpdateReadModel(ctx, next, 1)
	require.NoError(t, err)
	assert.Zero(t, n, "stale expected version affects nothing")

	got, ok, err := b.FetchReadModel(ctx, "cat", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `{"n":2}`, string(got.Payload))
	assert.Equal(t, map[string]int64{"r1": 1, "agg-x": 7}, got.Sources)
	assert.Equal(t, now, got.CreatedAt)
	assert.Equal(t, now.Add(time.Minute), got.UpdatedAt)

	other := row
	other.Category = "other"
	_, err = b.InsertReadModel(ctx, other)
	require.NoError(t, err)
	row2 := row
	row2.ID = "r2"
	row2.Sources = nil
	_, err = b.InsertReadModel(ctx, row2)
	require.NoError(t, err)
	got2, ok, err := b.FetchReadModel(ctx, "cat", "r2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got2.Sources)

	n, err = b.DeleteReadModel(ctx, "cat", "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = b.DeleteReadModel(ctx, "cat", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = b.DeleteAllReadModels(ctx, "cat")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err = b.FetchReadModel(ctx, "other", "r1")
	require.NoError(t, err)
	assert.True(t, ok, "purge is scoped to one category")
}
