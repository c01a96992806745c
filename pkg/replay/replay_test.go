package replay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/eventcore/pkg/aggregate"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/readmodel"
	"github.com/wilhg/eventcore/pkg/snapshot"
	"github.com/wilhg/eventcore/pkg/store"
	"github.com/wilhg/eventcore/pkg/store/memstore"
)

type counter struct {
	Total int `json:"total"`
}

type bumped struct {
	By int `json:"by"`
}

func (bumped) EventType() event.Type { return "counter.bumped" }

type other struct{}

func (other) EventType() event.Type { return "other.happened" }

func fixture(t *testing.T) (*memstore.Store, *event.Registry, *aggregate.Repository[counter]) {
	t.Helper()
	mem := memstore.New()
	reg := event.NewRegistry()
	event.MustRegister[bumped](reg)
	def := aggregate.Define("counter", func(string) counter { return counter{} },
		aggregate.WithSnapshots[counter](snapshot.Threshold(2), snapshot.JSONCodec[counter]{}))
	aggregate.On(def, func(s counter, e bumped, _ event.Envelope) counter {
		s.Total += e.By
		return s
	})
	return mem, reg, aggregate.NewRepository(def, reg, mem, aggregate.WithSnapshotStore(mem))
}

func bump(t *testing.T, repo *aggregate.Repository[counter], id string, by ...int) {
	t.Helper()
	ctx := context.Background()
	root, err := repo.Load(ctx, id)
	require.NoError(t, err)
	for _, n := range by {
		require.NoError(t, root.Emit(bumped{By: n}, aggregate.WithMetadata("correlation_id", "c-1")))
	}
	_, err = repo.Commit(ctx, root)
	require.NoError(t, err)
}

func TestExportAndRestore(t *testing.T) {
	ctx := context.Background()
	mem, reg, repo := fixture(t)
	bump(t, repo, "c1", 1, 2)
	bump(t, repo, "c1", 3)

	c, err := Export(ctx, mem, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Version)
	require.Len(t, c.Events, 3)
	assert.Equal(t, "c-1", c.Events[0].Metadata["correlation_id"])

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	var back Capture
	require.NoError(t, json.Unmarshal(raw, &back))

	envs, err := back.Envelopes(reg)
	require.NoError(t, err)
	assert.Equal(t, bumped{By: 3}, envs[2].Event)

	root, err := Restore(ctx, repo.Definition(), reg, back)
	require.NoError(t, err)
	assert.Equal(t, 6, root.State().Total)
	assert.Equal(t, int64(3), root.Version())
}

func TestExport_EmptyStream(t *testing.T) {
	mem, reg, repo := fixture(t)
	c, err := Export(context.Background(), mem, "nobody")
	require.NoError(t, err)
	assert.Zero(t, c.Version)
	assert.Empty(t, c.Events)

	root, err := Restore(context.Background(), repo.Definition(), reg, c)
	require.NoError(t, err)
	assert.True(t, root.IsNew())
}

func TestVerify_SnapshotMatchesFullReplay(t *testing.T) {
	_, _, repo := fixture(t)
	bump(t, repo, "c1", 1, 1)
	bump(t, repo, "c1", 1, 1, 1)

	r, err := Verify(context.Background(), repo, "c1")
	require.NoError(t, err)
	assert.True(t, r.OK(), r.String())
	assert.Equal(t, int64(5), r.Version)
	assert.Equal(t, int64(5), r.SnapshotVersion)
}

func TestVerify_ReportsDivergentSnapshot(t *testing.T) {
	ctx := context.Background()
	mem, _, repo := fixture(t)
	bump(t, repo, "c1", 1, 1)
	require.NoError(t, mem.SaveSnapshot(ctx, store.SnapshotRecord{
		AggregateID: "c1", AggregateType: "counter", Version: 2, State: json.RawMessage(`{"total":99}`),
	}))

	r, err := Verify(ctx, repo, "c1")
	require.NoError(t, err)
	assert.False(t, r.OK())
	assert.Contains(t, r.Diff, "99")
	assert.Contains(t, r.String(), "mismatch")
}

type total struct {
	ID      string `json:"id"`
	Sum     int    `json:"sum"`
	Version int64  `json:"version"`
}

var totalDescriptor = readmodel.Descriptor[total]{
	Category: "counter_totals",
	Version:  func(t *total) *int64 { return &t.Version },
}

func projectTotal(_ context.Context, rc *readmodel.Context, events []event.Envelope, cur readmodel.Envelope[total]) (readmodel.Result, readmodel.Envelope[total], error) {
	v := total{ID: rc.ReadModelID()}
	if cur.Exists() {
		v = *cur.Value
	}
	for _, env := range events {
		if b, ok := env.Event.(bumped); ok {
			v.Sum += b.By
		}
	}
	return readmodel.Modified, cur.With(v), nil
}

func TestRebuild_ReprojectsWholeLog(t *testing.T) {
	ctx := context.Background()
	mem, reg, repo := fixture(t)
	bump(t, repo, "a", 1, 2)
	bump(t, repo, "b", 5)
	bump(t, repo, "a", 3)
	_, err := mem.Append(ctx, "x", 0, []store.EventRecord{{
		EventID: "x-1", AggregateID: "x", AggregateType: "other", Seq: 1,
		Type: string(other{}.EventType()), SchemaVersion: 1, Payload: json.RawMessage(`{}`),
	}})
	require.NoError(t, err)

	st, err := readmodel.NewStore(mem, totalDescriptor)
	require.NoError(t, err)
	p := readmodel.NewProjector("totals", st, projectTotal)

	// A stale row that the rebuild must discard.
	require.NoError(t, p.Project(ctx, []event.Envelope{{AggregateID: "stale", Seq: 1, Event: bumped{By: 7}}}))

	stats, err := Rebuild(ctx, mem, reg, p, WithPageSize(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Purged)
	assert.Equal(t, 4, stats.Projected)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 3, stats.Pages)

	a, err := st.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, a.Exists())
	assert.Equal(t, 6, a.Value.Sum)
	assert.Equal(t, int64(3), *a.Version)

	stale, err := st.Get(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, stale.Exists())
}

func TestRebuild_Canceled(t *testing.T) {
	mem, reg, _ := fixture(t)
	st, err := readmodel.NewStore(mem, totalDescriptor)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Rebuild(ctx, mem, reg, readmodel.NewProjector("totals", st, projectTotal))
	require.Error(t, err)
}
