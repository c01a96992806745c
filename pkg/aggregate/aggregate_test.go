package aggregate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/snapshot"
	"github.com/wilhg/eventcore/pkg/store"
	"github.com/wilhg/eventcore/pkg/store/memstore"
)

type counter struct {
	Total   int      `json:"total"`
	History []int    `json:"history"`
	Labels  []string `json:"labels"`
	Closed  bool     `json:"closed"`
}

type incremented struct {
	By int `json:"by"`
}

func (incremented) EventType() event.Type { return "counter.incremented" }

type labeled struct {
	Label string `json:"label"`
}

func (labeled) EventType() event.Type { return "counter.labeled" }

type closed struct{}

func (closed) EventType() event.Type { return "counter.closed" }

func newRegistry(t *testing.T) *event.Registry {
	t.Helper()
	reg := event.NewRegistry()
	event.MustRegister[incremented](reg)
	event.MustRegister[labeled](reg)
	event.MustRegister[closed](reg)
	return reg
}

func counterDefinition(opts ...Option[counter]) *Definition[counter] {
	d := Define("counter", func(string) counter { return counter{} }, opts...)
	On(d, func(s counter, e incremented, _ event.Envelope) counter {
		s.Total += e.By
		s.History = append(append([]int(nil), s.History...), e.By)
		return s
	})
	On(d, func(s counter, e labeled, _ event.Envelope) counter {
		s.Labels = append(append([]string(nil), s.Labels...), e.Label)
		return s
	})
	OnTerminal(d, func(s counter, _ closed, _ event.Envelope) counter {
		s.Closed = true
		return s
	})
	Guard(d, func(_ counter, e incremented) error {
		if e.By <= 0 {
			return errors.New("increment must be positive")
		}
		return nil
	})
	Guard(d, func(s counter, e labeled) error {
		for _, l := range s.Labels {
			if l == e.Label {
				return errmodel.Domain("duplicate_label", "label "+e.Label+" already present", nil)
			}
		}
		return nil
	})
	return d
}

func TestCommitThenLoad_ReproducesState(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	repo := NewRepository(counterDefinition(), newRegistry(t), st)

	root := repo.New("c1")
	for _, ev := range []event.Event{incremented{By: 2}, labeled{Label: "x"}, incremented{By: 5}} {
		if err := root.Emit(ev); err != nil {
			t.Fatal(err)
		}
	}
	want := root.State()
	committed, err := repo.Commit(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(committed) != 3 || root.HasChanges() || root.CommittedVersion() != 3 {
		t.Fatalf("committed=%d pending=%v version=%d", len(committed), root.HasChanges(), root.CommittedVersion())
	}
	for i, env := range committed {
		if env.Seq != int64(i+1) || env.AggregateID != "c1" || env.AggregateType != "counter" || env.ID == "" {
			t.Fatalf("envelope %d: %+v", i, env)
		}
	}

	loaded, err := repo.Load(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Version() != 3 {
		t.Fatalf("version=%d want 3", loaded.Version())
	}
	if !reflect.DeepEqual(loaded.State(), want) {
		t.Fatalf("state=%+v want %+v", loaded.State(), want)
	}
}

func TestEmit_TimestampKeepsStoredPrecision(t *testing.T) {
	ctx := context.Background()
	clock := func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 123456789, time.FixedZone("CET", 3600)) }
	repo := NewRepository(counterDefinition(), newRegistry(t), memstore.New(), WithClock(clock))

	root := repo.New("c1")
	if err := root.Emit(incremented{By: 1}); err != nil {
		t.Fatal(err)
	}
	committed, err := repo.Commit(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 5, 6, 6, 8, 9, 123456000, time.UTC)
	if got := committed[0].Timestamp; !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("timestamp=%v want %v", got, want)
	}
}

func TestLoad_NewStreamIsVersionZero(t *testing.T) {
	repo := NewRepository(counterDefinition(), newRegistry(t), memstore.New())
	root, err := repo.Load(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if !root.IsNew() || root.Version() != 0 {
		t.Fatalf("version=%d", root.Version())
	}
}

func TestEmit_GuardRejectsAndLeavesStateUnchanged(t *testing.T) {
	repo := NewRepository(counterDefinition(), newRegistry(t), memstore.New())
	root := repo.New("c1")
	if err := root.Emit(labeled{Label: "a"}); err != nil {
		t.Fatal(err)
	}
	before := root.State()

	err := root.Emit(labeled{Label: "a"})
	if !errors.Is(err, errmodel.ErrDomain) {
		t.Fatalf("want domain error, got %v", err)
	}
	err = root.Emit(incremented{By: -1})
	if !errors.Is(err, errmodel.ErrDomain) {
		t.Fatalf("plain guard errors become domain errors, got %v", err)
	}
	if !reflect.DeepEqual(root.State(), before) || root.Version() != 1 {
		t.Fatalf("state changed after rejected emit: %+v", root.State())
	}
}

func TestEmit_UnregisteredEventType(t *testing.T) {
	d := Define[counter]("bare", nil)
	repo := NewRepository(d, newRegistry(t), memstore.New())
	if err := repo.New("x").Emit(incremented{By: 1}); !errors.Is(err, errmodel.ErrUnknownEventType) {
		t.Fatalf("want unknown event type, got %v", err)
	}
}

func TestTerminalEvent_RejectsFurtherEmits(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	repo := NewRepository(counterDefinition(), newRegistry(t), st)
	root := repo.New("c1")
	if err := root.Emit(closed{}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Commit(ctx, root); err != nil {
		t.Fatal(err)
	}
	loaded, err := repo.Load(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Deleted() {
		t.Fatal("replayed terminal event should mark the aggregate deleted")
	}
	if err := loaded.Emit(incremented{By: 1}); !errors.Is(err, errmodel.ErrDomain) {
		t.Fatalf("want domain error, got %v", err)
	}
}

func TestCommit_ConcurrentWritersExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	repo := NewRepository(counterDefinition(), newRegistry(t), st)
	seed := repo.New("c1")
	_ = seed.Emit(incremented{By: 1})
	if _, err := repo.Commit(ctx, seed); err != nil {
		t.Fatal(err)
	}

	a, err := repo.Load(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := repo.Load(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	_ = a.Emit(incremented{By: 2})
	_ = b.Emit(incremented{By: 3})

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, root := range []*Root[counter]{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = repo.Commit(ctx, root)
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errmodel.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
	}
	last, _ := st.LastSeq(ctx, "c1")
	if last != 2 {
		t.Fatalf("last seq=%d want 2", last)
	}
}

func TestCommit_ConflictKeepsPendingEvents(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	repo := NewRepository(counterDefinition(), newRegistry(t), st)
	stale := repo.New("c1")
	fresh := repo.New("c1")
	_ = fresh.Emit(incremented{By: 1})
	if _, err := repo.Commit(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	_ = stale.Emit(incremented{By: 9})
	if _, err := repo.Commit(ctx, stale); !errmodel.IsConflict(err) {
		t.Fatalf("want conflict, got %v", err)
	}
	if !stale.HasChanges() || stale.CommittedVersion() != 0 {
		t.Fatal("failed commit must leave the root untouched")
	}
}

func TestCommit_CanceledContextWritesNothing(t *testing.T) {
	st := memstore.New()
	repo := NewRepository(counterDefinition(), newRegistry(t), st)
	root := repo.New("c1")
	_ = root.Emit(incremented{By: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := repo.Commit(ctx, root); !errors.Is(err, errmodel.ErrCanceled) {
		t.Fatalf("want canceled, got %v", err)
	}
	if last, _ := st.LastSeq(context.Background(), "c1"); last != 0 {
		t.Fatalf("last seq=%d want 0", last)
	}
}

// countingStore records how many events replay reads.
type countingStore struct {
	*memstore.Store
	mu   sync.Mutex
	read int
}

func (c *countingStore) ReadFrom(ctx context.Context, id string, after int64, limit int) ([]store.EventRecord, error) {
	recs, err := c.Store.ReadFrom(ctx, id, after, limit)
	c.mu.Lock()
	c.read += len(recs)
	c.mu.Unlock()
	return recs, err
}

func TestSnapshot_ReplaysOnlyEventsAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Store: memstore.New()}
	def := counterDefinition(WithSnapshots[counter](snapshot.Threshold(10), snapshot.JSONCodec[counter]{}))
	repo := NewRepository(def, newRegistry(t), st, WithSnapshotStore(st))

	root := repo.New("c1")
	for i := 1; i <= 10; i++ {
		_ = root.Emit(incremented{By: i})
	}
	if _, err := repo.Commit(ctx, root); err != nil {
		t.Fatal(err)
	}
	sn, ok, err := st.LoadSnapshot(ctx, "c1")
	if err != nil || !ok || sn.Version != 10 {
		t.Fatalf("snapshot ok=%v version=%d err=%v", ok, sn.Version, err)
	}
	for i := 0; i < 3; i++ {
		_ = root.Emit(incremented{By: 100})
	}
	if _, err := repo.Commit(ctx, root); err != nil {
		t.Fatal(err)
	}

	st.read = 0
	fromSnapshot, err := repo.Load(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if st.read != 3 {
		t.Fatalf("replayed %d events want 3", st.read)
	}
	full, err := repo.Load(ctx, "c1", WithoutSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fromSnapshot.State(), full.State()) || fromSnapshot.Version() != 13 {
		t.Fatalf("snapshot load %+v (v%d) != full replay %+v", fromSnapshot.State(), fromSnapshot.Version(), full.State())
	}
}

type failingSnapshots struct{}

func (failingSnapshots) SaveSnapshot(context.Context, store.SnapshotRecord) error {
	return errors.New("snapshot backend down")
}

func (failingSnapshots) LoadSnapshot(context.Context, string) (store.SnapshotRecord, bool, error) {
	return store.SnapshotRecord{}, false, errors.New("snapshot backend down")
}

func TestSnapshot_FailuresNeverFailCommitOrLoad(t *testing.T) {
	ctx := context.Background()
	def := counterDefinition(WithSnapshots[counter](snapshot.Threshold(1), snapshot.JSONCodec[counter]{}))
	repo := NewRepository(def, newRegistry(t), memstore.New(), WithSnapshotStore(failingSnapshots{}))
	root := repo.New("c1")
	_ = root.Emit(incremented{By: 1})
	if _, err := repo.Commit(ctx, root); err != nil {
		t.Fatalf("commit failed because of snapshot: %v", err)
	}
	loaded, err := repo.Load(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.State().Total != 1 {
		t.Fatalf("total=%d", loaded.State().Total)
	}
}

func TestSnapshot_AheadOfStreamIsIgnored(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	def := counterDefinition(WithSnapshots[counter](snapshot.Never{}, snapshot.JSONCodec[counter]{}))
	repo := NewRepository(def, newRegistry(t), st, WithSnapshotStore(st))
	_ = st.SaveSnapshot(ctx, store.SnapshotRecord{AggregateID: "c1", Version: 50, State: []byte(`{"total":999}`)})
	root := repo.New("c1")
	_ = root.Emit(incremented{By: 1})
	if _, err := repo.Commit(ctx, root); err != nil {
		t.Fatal(err)
	}
	loaded, err := repo.Load(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.State().Total != 1 {
		t.Fatalf("total=%d want 1", loaded.State().Total)
	}
}

func TestLoad_UnknownEventTypeFails(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	reg := newRegistry(t)
	writer := NewRepository(counterDefinition(), reg, st)
	root := writer.New("c1")
	_ = root.Emit(labeled{Label: "x"})
	if _, err := writer.Commit(ctx, root); err != nil {
		t.Fatal(err)
	}

	narrow := Define[counter]("counter", nil)
	On(narrow, func(s counter, e incremented, _ event.Envelope) counter { s.Total += e.By; return s })
	reader := NewRepository(narrow, reg, st)
	if _, err := reader.Load(ctx, "c1"); !errors.Is(err, errmodel.ErrUnknownEventType) {
		t.Fatalf("want unknown event type, got %v", err)
	}
}

// gapStore returns a stream with a missing sequence number.
type gapStore struct{ *memstore.Store }

func (gapStore) ReadFrom(context.Context, string, int64, int) ([]store.EventRecord, error) {
	mk := func(seq int64) store.EventRecord {
		return store.EventRecord{EventID: fmt.Sprint(seq), AggregateID: "c1", Seq: seq, Type: "counter.incremented", SchemaVersion: 1, Payload: []byte(`{"by":1}`)}
	}
	return []store.EventRecord{mk(1), mk(3)}, nil
}

func TestLoad_SequenceGapIsCorruption(t *testing.T) {
	repo := NewRepository(counterDefinition(), newRegistry(t), gapStore{memstore.New()})
	_, err := repo.Load(context.Background(), "c1")
	if !errors.Is(err, errmodel.ErrStorage) {
		t.Fatalf("want storage corruption error, got %v", err)
	}
}

func TestLoad_PagesThroughLongStreams(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	repo := NewRepository(counterDefinition(), newRegistry(t), st, WithPageSize(4))
	root := repo.New("c1")
	for i := 0; i < 9; i++ {
		_ = root.Emit(incremented{By: 1})
	}
	if _, err := repo.Commit(ctx, root); err != nil {
		t.Fatal(err)
	}
	loaded, err := repo.Load(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Version() != 9 || loaded.State().Total != 9 {
		t.Fatalf("version=%d total=%d", loaded.Version(), loaded.State().Total)
	}
}

func TestEmit_Metadata(t *testing.T) {
	repo := NewRepository(counterDefinition(), newRegistry(t), memstore.New())
	root := repo.New("c1")
	if err := root.Emit(incremented{By: 1}, WithMetadata(event.MetaCorrelationID, "req-1")); err != nil {
		t.Fatal(err)
	}
	if got := root.Uncommitted()[0].Meta(event.MetaCorrelationID); got != "req-1" {
		t.Fatalf("correlation id=%q", got)
	}
}
