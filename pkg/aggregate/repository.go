package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/store"
)

const defaultPageSize = 500

// Repository loads and commits aggregates of one type against an event store.
type Repository[S any] struct {
	def       *Definition[S]
	registry  *event.Registry
	events    store.EventStore
	snapshots store.SnapshotStore
	logger    *slog.Logger
	pageSize  int
	now       func() time.Time
	newID     func() string
}

type repoOptions struct {
	snapshots store.SnapshotStore
	logger    *slog.Logger
	pageSize  int
	now       func() time.Time
	newID     func() string
}

// RepositoryOption configures a Repository at construction time.
type RepositoryOption func(*repoOptions)

// WithSnapshotStore enables snapshot reads and writes for definitions that have a codec.
func WithSnapshotStore(s store.SnapshotStore) RepositoryOption {
	return func(o *repoOptions) { o.snapshots = s }
}

func WithLogger(l *slog.Logger) RepositoryOption {
	return func(o *repoOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPageSize sets how many events are read per round trip during replay.
func WithPageSize(n int) RepositoryOption {
	return func(o *repoOptions) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) RepositoryOption {
	return func(o *repoOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides event id generation (UUIDv7 by default).
func WithIDGenerator(f func() string) RepositoryOption {
	return func(o *repoOptions) {
		if f != nil {
			o.newID = f
		}
	}
}

// NewRepository constructs a Repository. Every event type the definition
// handles must also be registered in reg.
func NewRepository[S any](def *Definition[S], reg *event.Registry, events store.EventStore, opts ...RepositoryOption) *Repository[S] {
	o := repoOptions{
		logger:   slog.Default(),
		pageSize: defaultPageSize,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    newEventID,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Repository[S]{
		def:       def,
		registry:  reg,
		events:    events,
		snapshots: o.snapshots,
		logger:    o.logger.With("aggregate_type", def.name),
		pageSize:  o.pageSize,
		now:       o.now,
		newID:     o.newID,
	}
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (r *Repository[S]) Definition() *Definition[S] { return r.def }
func (r *Repository[S]) Registry() *event.Registry  { return r.registry }

// New returns an empty aggregate that has not been stored yet.
func (r *Repository[S]) New(id string) *Root[S] {
	return &Root[S]{
		def:   r.def,
		id:    id,
		state: r.def.initial(id),
		now:   r.now,
		newID: r.newID,
	}
}

type loadOptions struct {
	skipSnapshot bool
}

// LoadOption tunes a single Load call.
type LoadOption func(*loadOptions)

// WithoutSnapshot forces a full replay from the first event.
func WithoutSnapshot() LoadOption {
	return func(o *loadOptions) { o.skipSnapshot = true }
}

// Load rebuilds the aggregate from its latest usable snapshot plus every later
// event. A stream without events yields an aggregate at version 0.
func (r *Repository[S]) Load(ctx context.Context, id string, opts ...LoadOption) (*Root[S], error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, span := otel.Tracer("aggregate/repository").Start(ctx, "Repository.Load", trace.WithAttributes(
		attribute.String("aggregate.type", r.def.name),
		attribute.String("aggregate.id", id),
		attribute.Bool("snapshot.skip", o.skipSnapshot),
	))
	defer span.End()

	root, err := r.load(ctx, id, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("aggregate.version", root.Version()),
		attribute.Int64("snapshot.version", root.snapshotVersion),
	)
	return root, nil
}

func (r *Repository[S]) load(ctx context.Context, id string, o loadOptions) (*Root[S], error) {
	if id == "" {
		return nil, errmodel.Validation("empty_aggregate_id", "aggregate id is empty", nil)
	}
	if err := errmodel.CheckContext(ctx); err != nil {
		return nil, err
	}
	root := r.New(id)
	if !o.skipSnapshot {
		if err := r.restoreSnapshot(ctx, root); err != nil {
			return nil, err
		}
	}
	for {
		recs, err := r.events.ReadFrom(ctx, id, root.committed, r.pageSize)
		if err != nil {
			return nil, errmodel.Storage("read events", err)
		}
		for _, rec := range recs {
			env, err := store.DecodeRecord(r.registry, rec)
			if err != nil {
				return nil, err
			}
			if err := root.replay(env); err != nil {
				return nil, err
			}
		}
		if len(recs) < r.pageSize {
			return root, nil
		}
	}
}

// restoreSnapshot seeds root from the stored snapshot when it is usable.
// Snapshots are a cache, so only cancellation is reported as an error.
func (r *Repository[S]) restoreSnapshot(ctx context.Context, root *Root[S]) error {
	if r.snapshots == nil || r.def.codec == nil {
		return nil
	}
	sn, ok, err := r.snapshots.LoadSnapshot(ctx, root.id)
	if err != nil {
		if errmodel.IsCanceled(err) {
			return errmodel.Storage("load snapshot", err)
		}
		r.logger.WarnContext(ctx, "snapshot load failed, replaying full stream", "aggregate_id", root.id, "error", err)
		return nil
	}
	if !ok || sn.Version <= 0 {
		return nil
	}
	last, err := r.events.LastSeq(ctx, root.id)
	if err != nil {
		return errmodel.Storage("last seq", err)
	}
	if sn.Version > last {
		r.logger.WarnContext(ctx, "ignoring snapshot ahead of stream", "aggregate_id", root.id, "snapshot_version", sn.Version, "last_seq", last)
		return nil
	}
	state, err := r.def.codec.Decode(sn.State)
	if err != nil {
		r.logger.WarnContext(ctx, "snapshot decode failed, replaying full stream", "aggregate_id", root.id, "error", err)
		return nil
	}
	root.state = state
	root.committed = sn.Version
	root.snapshotVersion = sn.Version
	return nil
}

// Commit appends the uncommitted events in one atomic write conditioned on
// the aggregate's committed version. It returns the committed envelopes.
// On failure nothing is written and root keeps its pending events.
func (r *Repository[S]) Commit(ctx context.Context, root *Root[S]) ([]event.Envelope, error) {
	if root == nil || !root.HasChanges() {
		return nil, nil
	}
	ctx, span := otel.Tracer("aggregate/repository").Start(ctx, "Repository.Commit", trace.WithAttributes(
		attribute.String("aggregate.type", r.def.name),
		attribute.String("aggregate.id", root.id),
		attribute.Int64("aggregate.expected_version", root.committed),
		attribute.Int("events.count", len(root.uncommitted)),
	))
	defer span.End()

	committed, err := r.commit(ctx, root)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.maybeSnapshot(ctx, root)
	return committed, nil
}

func (r *Repository[S]) commit(ctx context.Context, root *Root[S]) ([]event.Envelope, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return nil, err
	}
	recs := make([]store.EventRecord, 0, len(root.uncommitted))
	for _, env := range root.uncommitted {
		rec, err := store.EncodeEnvelope(r.registry, env)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	stored, err := r.events.Append(ctx, root.id, root.committed, recs)
	if err != nil {
		return nil, errmodel.Storage("append events", err)
	}
	out := make([]event.Envelope, len(root.uncommitted))
	for i, env := range root.uncommitted {
		if i < len(stored) && !stored[i].CreatedAt.IsZero() {
			env.Timestamp = stored[i].CreatedAt
		}
		out[i] = env
	}
	root.markCommitted()
	return out, nil
}

// maybeSnapshot writes a snapshot when the strategy asks for one. Failures are
// logged and never affect the commit.
func (r *Repository[S]) maybeSnapshot(ctx context.Context, root *Root[S]) {
	if r.snapshots == nil || r.def.codec == nil || root.deleted {
		return
	}
	if !r.def.strategy.ShouldCreateSnapshot(root.snapshotVersion, root.committed) {
		return
	}
	span := trace.SpanFromContext(ctx)
	data, err := r.def.codec.Encode(root.state)
	if err != nil {
		span.RecordError(err)
		r.logger.WarnContext(ctx, "snapshot encode failed", "aggregate_id", root.id, "version", root.committed, "error", err)
		return
	}
	err = r.snapshots.SaveSnapshot(ctx, store.SnapshotRecord{
		AggregateID:   root.id,
		AggregateType: r.def.name,
		Version:       root.committed,
		State:         data,
		CreatedAt:     store.Timestamp(r.now()),
	})
	if err != nil {
		span.RecordError(err)
		r.logger.WarnContext(ctx, "snapshot save failed", "aggregate_id", root.id, "version", root.committed, "error", err)
		return
	}
	span.AddEvent("snapshot.saved", trace.WithAttributes(attribute.Int64("snapshot.version", root.committed)))
	root.snapshotVersion = root.committed
}
