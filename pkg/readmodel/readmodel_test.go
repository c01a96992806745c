package readmodel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/retry"
	"github.com/wilhg/eventcore/pkg/store"
	"github.com/wilhg/eventcore/pkg/store/memstore"
)

type tally struct {
	Count     int       `json:"count"`
	Names     []string  `json:"names"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type nameAdded struct {
	Name string `json:"name"`
}

func (nameAdded) EventType() event.Type { return "tally.name_added" }

type tallyDropped struct{}

func (tallyDropped) EventType() event.Type { return "tally.dropped" }

var tallyDescriptor = Descriptor[tally]{
	Category:  "tallies",
	Version:   func(t *tally) *int64 { return &t.Version },
	CreatedAt: func(t *tally) *time.Time { return &t.CreatedAt },
	UpdatedAt: func(t *tally) *time.Time { return &t.UpdatedAt },
}

func projectTally(_ context.Context, rc *Context, events []event.Envelope, cur Envelope[tally]) (Result, Envelope[tally], error) {
	var t tally
	if cur.Value != nil {
		t = *cur.Value
		t.Names = append([]string(nil), t.Names...)
	}
	for _, env := range events {
		switch e := env.Event.(type) {
		case nameAdded:
			t.Count++
			t.Names = append(t.Names, e.Name)
		case tallyDropped:
			rc.MarkForDeletion()
		}
	}
	return Modified, cur.With(t), nil
}

func envs(aggregateID string, from int64, evs ...event.Event) []event.Envelope {
	out := make([]event.Envelope, 0, len(evs))
	for i, e := range evs {
		seq := from + int64(i)
		out = append(out, event.Envelope{ID: fmt.Sprintf("%s-%d", aggregateID, seq), AggregateID: aggregateID, Seq: seq, Event: e})
	}
	return out
}

func newTallyStore(t *testing.T, backend store.ReadModelBackend, opts ...StoreOption) *Store[tally] {
	t.Helper()
	opts = append([]StoreOption{WithRetry(retry.New(retry.WithDelay(time.Millisecond)))}, opts...)
	s, err := NewStore(backend, tallyDescriptor, opts...)
	require.NoError(t, err)
	return s
}

func TestNewStore_ValidatesDescriptor(t *testing.T) {
	_, err := NewStore(memstore.New(), Descriptor[tally]{Category: "x"})
	require.Error(t, err)
	_, err = NewStore(memstore.New(), Descriptor[tally]{Version: tallyDescriptor.Version})
	require.Error(t, err)
	_, err = NewStore[tally](nil, tallyDescriptor)
	require.Error(t, err)
}

func TestGet_MissingIsEmpty(t *testing.T) {
	s := newTallyStore(t, memstore.New())
	env, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, env.Exists())
	assert.Nil(t, env.Value)
	assert.Equal(t, "nope", env.ID)
}

func TestUpdate_InsertThenGuardedUpdate(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTallyStore(t, memstore.New(), WithClock(func() time.Time { return fixed }))

	err := s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 1, nameAdded{"a"}, nameAdded{"b"})}}, nil, projectTally)
	require.NoError(t, err)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, got.Exists())
	assert.Equal(t, int64(2), *got.Version)
	assert.Equal(t, int64(2), got.Value.Version, "version field mirrors the last folded seq")
	assert.Equal(t, 2, got.Value.Count)
	assert.Equal(t, fixed, got.Value.CreatedAt)
	assert.Equal(t, fixed, got.Value.UpdatedAt)

	err = s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 3, nameAdded{"c"})}}, nil, projectTally)
	require.NoError(t, err)
	got, err = s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), *got.Version)
	assert.Equal(t, []string{"a", "b", "c"}, got.Value.Names)
}

func TestUpdate_RedeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := newTallyStore(t, memstore.New())
	u := Update{ReadModelID: "t1", Events: envs("t1", 1, nameAdded{"a"})}
	require.NoError(t, s.Update(ctx, []Update{u}, nil, projectTally))
	require.NoError(t, s.Update(ctx, []Update{u}, nil, projectTally))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value.Count, "second delivery must not double-apply")
}

func TestUpdate_OverlappingDeliveryFoldsOnlyNewEvents(t *testing.T) {
	ctx := context.Background()
	s := newTallyStore(t, memstore.New())
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 1, nameAdded{"a"}, nameAdded{"b"})}}, nil, projectTally))

	var folded []int64
	recording := func(ctx context.Context, rc *Context, events []event.Envelope, cur Envelope[tally]) (Result, Envelope[tally], error) {
		for _, env := range events {
			folded = append(folded, env.Seq)
		}
		return projectTally(ctx, rc, events, cur)
	}
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 2, nameAdded{"b"}, nameAdded{"c"})}}, nil, recording))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, folded, "seq 2 was already folded")
	assert.Equal(t, 3, got.Value.Count)
	assert.Equal(t, []string{"a", "b", "c"}, got.Value.Names)
	assert.Equal(t, int64(3), *got.Version)
}

func TestUpdate_SequenceGapIsRejected(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Store: memstore.New()}
	s := newTallyStore(t, backend)
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 1, nameAdded{"a"})}}, nil, projectTally))

	err := s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 3, nameAdded{"c"})}}, nil, projectTally)
	require.Error(t, err)
	assert.True(t, errmodel.IsCategory(err, errmodel.CategorySystem), "got %v", err)
	assert.False(t, errmodel.IsConflict(err), "a gap is not retried")
	assert.Contains(t, err.Error(), "want 2")
	assert.Equal(t, 1, backend.writes)

	// The missing event arrives late and the row catches up.
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 2, nameAdded{"b"}, nameAdded{"c"})}}, nil, projectTally))
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got.Value.Names)
	assert.Equal(t, int64(3), *got.Version)
}

func TestUpdate_UnchangedProjectionRecordsProgress(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Store: memstore.New()}
	s := newTallyStore(t, backend)
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 1, nameAdded{"a"})}}, nil, projectTally))
	ignore := func(_ context.Context, _ *Context, _ []event.Envelope, cur Envelope[tally]) (Result, Envelope[tally], error) {
		return Unmodified, cur, nil
	}
	identity := func(_ context.Context, _ *Context, _ []event.Envelope, cur Envelope[tally]) (Result, Envelope[tally], error) {
		return Modified, cur, nil
	}
	u2 := Update{ReadModelID: "t1", Events: envs("t1", 2, nameAdded{"ignored"})}
	require.NoError(t, s.Update(ctx, []Update{u2}, nil, ignore))
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 3, nameAdded{"ignored"})}}, nil, identity))
	assert.Equal(t, 3, backend.writes)

	require.NoError(t, s.Update(ctx, []Update{u2}, nil, projectTally))
	assert.Equal(t, 3, backend.writes, "redelivery writes nothing")

	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 4, nameAdded{"d"})}}, nil, projectTally))
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d"}, got.Value.Names)
	assert.Equal(t, int64(4), *got.Version)
}

// countingBackend counts writes and can simulate a concurrent writer.
type countingBackend struct {
	*memstore.Store
	mu          sync.Mutex
	writes      int
	beforeWrite func()
}

func (b *countingBackend) hook() {
	b.mu.Lock()
	f := b.beforeWrite
	b.beforeWrite = nil
	b.writes++
	b.mu.Unlock()
	if f != nil {
		f()
	}
}

func (b *countingBackend) InsertReadModel(ctx context.Context, row store.ReadModelRow) (int64, error) {
	b.hook()
	return b.Store.InsertReadModel(ctx, row)
}

func (b *countingBackend) UpdateReadModel(ctx context.Context, row store.ReadModelRow, expected int64) (int64, error) {
	b.hook()
	return b.Store.UpdateReadModel(ctx, row, expected)
}

func TestUpdate_LostRaceIsRetriedWithFreshRead(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Store: memstore.New()}
	s := newTallyStore(t, backend)
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 1, nameAdded{"a"})}}, nil, projectTally))

	// Another writer lands seq 2 between our fetch and our write.
	backend.beforeWrite = func() {
		require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 2, nameAdded{"b"})}}, nil, projectTally))
	}
	// Our delivery overlaps the one that won: b is dropped on the retry.
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 2, nameAdded{"b"}, nameAdded{"c"})}}, nil, projectTally))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), *got.Version)
	assert.Equal(t, []string{"a", "b", "c"}, got.Value.Names)
}

func TestUpdate_ConflictSurfacesWhenRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Store: memstore.New()}
	s := newTallyStore(t, backend, WithRetry(retry.New(retry.WithMaxAttempts(1))))
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 1, nameAdded{"a"})}}, nil, projectTally))
	backend.beforeWrite = func() {
		_ = s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 2, nameAdded{"b"})}}, nil, projectTally)
	}
	err := s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 2, nameAdded{"c"})}}, nil, projectTally)
	require.Error(t, err)
	assert.True(t, errmodel.IsConflict(err))
}

func TestUpdate_IndependentUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTallyStore(t, memstore.New())
	calls := map[string]int{}
	failing := func(ctx context.Context, rc *Context, events []event.Envelope, cur Envelope[tally]) (Result, Envelope[tally], error) {
		calls[rc.ReadModelID()]++
		if rc.ReadModelID() == "bad" {
			return Unmodified, cur, errors.New("projection exploded")
		}
		return projectTally(ctx, rc, events, cur)
	}
	err := s.Update(ctx, []Update{
		{ReadModelID: "bad", Events: envs("bad", 1, nameAdded{"x"})},
		{ReadModelID: "good", Events: envs("good", 1, nameAdded{"y"})},
	}, nil, failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "projection exploded")
	assert.Equal(t, 1, calls["bad"], "non-conflict failures are not retried")

	good, err := s.Get(ctx, "good")
	require.NoError(t, err)
	assert.True(t, good.Exists(), "a failing update must not block the others")
}

func TestUpdate_MarkForDeletion(t *testing.T) {
	ctx := context.Background()
	s := newTallyStore(t, memstore.New())
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 1, nameAdded{"a"})}}, nil, projectTally))
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 2, tallyDropped{})}}, nil, projectTally))
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, got.Exists())
}

func TestUpdate_ContextFactory(t *testing.T) {
	ctx := context.Background()
	s := newTallyStore(t, memstore.New())
	var seen []bool
	factory := func(id string, isNew bool) *Context {
		c := NewContext(id, isNew)
		c.Data = "tenant-a"
		return c
	}
	inspect := func(ctx context.Context, rc *Context, events []event.Envelope, cur Envelope[tally]) (Result, Envelope[tally], error) {
		seen = append(seen, rc.IsNew())
		assert.Equal(t, "tenant-a", rc.Data)
		return projectTally(ctx, rc, events, cur)
	}
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 1, nameAdded{"a"})}}, factory, inspect))
	require.NoError(t, s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 2, nameAdded{"b"})}}, factory, inspect))
	assert.Equal(t, []bool{true, false}, seen)
}

func TestDelete_MissingIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s := newTallyStore(t, memstore.New())
	n, err := s.Delete(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Update(ctx, []Update{
		{ReadModelID: "a", Events: envs("a", 1, nameAdded{"x"})},
		{ReadModelID: "b", Events: envs("b", 1, nameAdded{"y"})},
	}, nil, projectTally))
	n, err = s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpdate_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTallyStore(t, memstore.New())
	err := s.Update(ctx, []Update{{ReadModelID: "t1", Events: envs("t1", 1, nameAdded{"a"})}}, nil, projectTally)
	require.ErrorIs(t, err, errmodel.ErrCanceled)
}

func TestGroup(t *testing.T) {
	batch := append(envs("a", 1, nameAdded{"1"}), envs("b", 1, nameAdded{"2"})...)
	batch = append(batch, envs("a", 2, nameAdded{"3"})...)
	updates := Group(batch, nil)
	require.Len(t, updates, 2)
	assert.Equal(t, "a", updates[0].ReadModelID)
	assert.Len(t, updates[0].Events, 2)
	assert.Equal(t, "b", updates[1].ReadModelID)

	fanout := Group(batch, func(env event.Envelope) []string { return []string{"all", ""} })
	require.Len(t, fanout, 1)
	assert.Len(t, fanout[0].Events, 3)
}

func TestProjector_ParallelProjection(t *testing.T) {
	ctx := context.Background()
	s := newTallyStore(t, memstore.New())
	p := NewProjector("tallies", s, projectTally, WithParallelism(4))
	var batch []event.Envelope
	for i := range 10 {
		batch = append(batch, envs(fmt.Sprintf("t%d", i), 1, nameAdded{"x"}, nameAdded{"y"})...)
	}
	require.NoError(t, p.Project(ctx, batch))
	for i := range 10 {
		got, err := s.Get(ctx, fmt.Sprintf("t%d", i))
		require.NoError(t, err)
		assert.Equal(t, 2, got.Value.Count)
	}

	require.NoError(t, p.Handle(ctx, envs("t0", 3, nameAdded{"z"})[0], nil))
	got, err := p.Store().Get(ctx, "t0")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Value.Count)
	assert.Equal(t, "tallies", p.Name())
}

func TestProjector_ReadModelFedBySeveralAggregates(t *testing.T) {
	ctx := context.Background()
	s := newTallyStore(t, memstore.New())
	p := NewProjector("totals", s, projectTally, WithLocator(func(event.Envelope) []string { return []string{"global"} }))

	require.NoError(t, p.Project(ctx, envs("agg-a", 1, nameAdded{"a1"}, nameAdded{"a2"}, nameAdded{"a3"})))
	require.NoError(t, p.Project(ctx, envs("agg-b", 1, nameAdded{"b1"})))
	require.NoError(t, p.Project(ctx, envs("agg-a", 2, nameAdded{"a2"}, nameAdded{"a3"})), "redelivery is a no-op")

	got, err := s.Get(ctx, "global")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Value.Count)
	assert.Equal(t, []string{"a1", "a2", "a3", "b1"}, got.Value.Names)
	assert.Greater(t, *got.Version, int64(3))

	err = p.Project(ctx, envs("agg-b", 3, nameAdded{"b3"}))
	require.Error(t, err)
	assert.True(t, errmodel.IsCategory(err, errmodel.CategorySystem))
}

func TestProjector_HandleFoldsBatchOnce(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Store: memstore.New()}
	s := newTallyStore(t, backend)
	p := NewProjector("tallies", s, projectTally)
	batch := envs("t1", 1, nameAdded{"a"}, nameAdded{"b"}, nameAdded{"c"})
	for _, env := range batch {
		require.NoError(t, p.Handle(ctx, env, batch))
	}
	assert.Equal(t, 1, backend.writes)
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got.Value.Names)
}

func TestProjector_HandleRecoversFailedBatchHead(t *testing.T) {
	ctx := context.Background()
	s := newTallyStore(t, memstore.New())
	fail := true
	flaky := func(ctx context.Context, rc *Context, events []event.Envelope, cur Envelope[tally]) (Result, Envelope[tally], error) {
		if fail {
			fail = false
			return Unmodified, cur, errors.New("store hiccup")
		}
		return projectTally(ctx, rc, events, cur)
	}
	p := NewProjector("tallies", s, flaky)
	batch := envs("t1", 1, nameAdded{"a"}, nameAdded{"b"})
	require.Error(t, p.Handle(ctx, batch[0], batch))
	require.NoError(t, p.Handle(ctx, batch[1], batch))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Value.Names, "the failed head is folded with the next event")

	// A later redelivery of the failed event is already folded.
	require.NoError(t, p.Handle(ctx, batch[0], nil))
	got, err = s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Value.Count)
}
