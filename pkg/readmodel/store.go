package readmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/retry"
	"github.com/wilhg/eventcore/pkg/store"
)

// Store persists read models of type T as JSON rows of one category.
type Store[T any] struct {
	desc    Descriptor[T]
	backend store.ReadModelBackend
	retry   *retry.Handler
	logger  *slog.Logger
	now     func() time.Time
}

type storeOptions struct {
	retry  *retry.Handler
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

// WithRetry replaces the default retry handler. Pass
// retry.New(retry.WithMaxAttempts(1)) to disable retries.
func WithRetry(h *retry.Handler) StoreOption {
	return func(o *storeOptions) {
		if h != nil {
			o.retry = h
		}
	}
}

func WithLogger(l *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewStore validates the descriptor and returns a Store.
func NewStore[T any](backend store.ReadModelBackend, desc Descriptor[T], opts ...StoreOption) (*Store[T], error) {
	if backend == nil {
		return nil, errors.New("read model backend is nil")
	}
	if err := desc.validate(); err != nil {
		return nil, err
	}
	o := storeOptions{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.retry == nil {
		o.retry = retry.New(retry.WithLogger(o.logger))
	}
	return &Store[T]{
		desc:    desc,
		backend: backend,
		retry:   o.retry,
		logger:  o.logger.With("read_model", desc.Category),
		now:     o.now,
	}, nil
}

// Category returns the descriptor's category.
func (s *Store[T]) Category() string { return s.desc.Category }

// Get returns the stored envelope, or an empty one when id is unknown.
func (s *Store[T]) Get(ctx context.Context, id string) (Envelope[T], error) {
	env, _, err := s.fetch(ctx, id)
	return env, err
}

func (s *Store[T]) fetch(ctx context.Context, id string) (Envelope[T], store.ReadModelRow, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return Envelope[T]{}, store.ReadModelRow{}, err
	}
	row, ok, err := s.backend.FetchReadModel(ctx, s.desc.Category, id)
	if err != nil {
		return Envelope[T]{}, store.ReadModelRow{}, errmodel.Storage("fetch read model", err)
	}
	if !ok {
		return Empty[T](id), store.ReadModelRow{}, nil
	}
	var v T
	if err := json.Unmarshal(row.Payload, &v); err != nil {
		return Envelope[T]{}, store.ReadModelRow{}, errmodel.New(errmodel.CategoryStorage, "corrupt_read_model",
			err.Error(), map[string]any{"category": s.desc.Category, "id": id}, err)
	}
	version := row.Version
	*s.desc.Version(&v) = version
	return Envelope[T]{ID: id, Value: &v, Version: &version}, row, nil
}

// Update applies each update independently: a failure of one update does not
// undo or skip the others. Conflicts are retried by the store's retry handler
// with a fresh read. The returned error joins every failure; cancellation
// stops the batch.
func (s *Store[T]) Update(ctx context.Context, updates []Update, newContext ContextFactory, project Projection[T]) error {
	if project == nil {
		return errmodel.Validation("nil_projection", "projection is nil", nil)
	}
	if newContext == nil {
		newContext = NewContext
	}
	ctx, span := otel.Tracer("readmodel/store").Start(ctx, "ReadModelStore.Update", trace.WithAttributes(
		attribute.String("read_model.category", s.desc.Category),
		attribute.Int("read_model.updates", len(updates)),
	))
	defer span.End()

	var errs []error
	for _, u := range updates {
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			return s.updateOne(ctx, u, newContext, project)
		})
		if err == nil {
			continue
		}
		span.RecordError(err)
		errs = append(errs, fmt.Errorf("read model %s/%s: %w", s.desc.Category, u.ReadModelID, err))
		if errmodel.IsCanceled(err) {
			break
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Store[T]) updateOne(ctx context.Context, u Update, newContext ContextFactory, project Projection[T]) error {
	current, row, err := s.fetch(ctx, u.ReadModelID)
	if err != nil {
		return err
	}
	events, sources, err := unfolded(row.Sources, u.Events)
	if err != nil {
		return err
	}
	if len(u.Events) > 0 && len(events) == 0 {
		// Already folded in by an earlier delivery.
		return nil
	}
	rc := newContext(u.ReadModelID, !current.Exists())
	if rc == nil {
		rc = NewContext(u.ReadModelID, !current.Exists())
	}
	result, next, err := project(ctx, rc, events, current)
	if err != nil {
		return err
	}
	if result == MarkedForDeletion || rc.IsMarkedForDeletion() {
		if !current.Exists() {
			return nil
		}
		if _, err := s.backend.DeleteReadModel(ctx, s.desc.Category, u.ReadModelID); err != nil {
			return errmodel.Storage("delete read model", err)
		}
		return nil
	}
	if result == Unmodified {
		if !current.Exists() || len(events) == 0 {
			return nil
		}
		// The payload stays but the row must record these events as seen,
		// otherwise the next delivery would look like a gap.
		return s.write(ctx, u.ReadModelID, *current.Value, current, row, sources, event.LastSeq(events))
	}
	if next.Value == nil {
		return errmodel.Validation("empty_projection", "projection reported a modification without a value",
			map[string]any{"category": s.desc.Category, "id": u.ReadModelID})
	}
	value := *next.Value
	if current.Exists() && len(events) == 0 && samePayload(value, *current.Value) {
		return nil
	}
	return s.write(ctx, u.ReadModelID, value, current, row, sources, event.LastSeq(events))
}

// unfolded drops the events a row has already folded and checks that the rest
// continue the sequence of each source aggregate the row has seen. It returns
// the remaining events and the source positions after folding them. A source
// the row has not seen yet may start at any sequence number.
func unfolded(folded map[string]int64, events []event.Envelope) ([]event.Envelope, map[string]int64, error) {
	sources := maps.Clone(folded)
	if sources == nil {
		sources = map[string]int64{}
	}
	out := make([]event.Envelope, 0, len(events))
	for _, env := range events {
		last, seen := sources[env.AggregateID]
		if seen && env.Seq <= last {
			continue
		}
		if seen && env.Seq != last+1 {
			return nil, nil, errmodel.System("sequence_gap",
				fmt.Sprintf("aggregate %s: next event is seq %d, want %d", env.AggregateID, env.Seq, last+1),
				map[string]any{"aggregate_id": env.AggregateID, "seq": env.Seq, "expected": last + 1}, nil)
		}
		sources[env.AggregateID] = env.Seq
		out = append(out, env)
	}
	return out, sources, nil
}

func (s *Store[T]) write(ctx context.Context, id string, value T, current Envelope[T], stored store.ReadModelRow, sources map[string]int64, last int64) error {
	version := last
	if current.Exists() && version <= stored.Version {
		version = stored.Version + 1
	}
	now := store.Timestamp(s.now())
	*s.desc.Version(&value) = version
	if s.desc.UpdatedAt != nil {
		*s.desc.UpdatedAt(&value) = now
	}
	createdAt := now
	if current.Exists() {
		createdAt = stored.CreatedAt
	}
	if s.desc.CreatedAt != nil {
		if p := s.desc.CreatedAt(&value); p.IsZero() {
			*p = createdAt
		}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return errmodel.Validation("unencodable_read_model", err.Error(), map[string]any{"category": s.desc.Category, "id": id})
	}
	if err := errmodel.CheckContext(ctx); err != nil {
		return err
	}
	row := store.ReadModelRow{
		Category:  s.desc.Category,
		ID:        id,
		Version:   version,
		Payload:   payload,
		Sources:   sources,
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
	var affected int64
	if current.Exists() {
		affected, err = s.backend.UpdateReadModel(ctx, row, stored.Version)
	} else {
		affected, err = s.backend.InsertReadModel(ctx, row)
	}
	if err != nil {
		return errmodel.Storage("write read model", err)
	}
	if affected != 1 {
		return errmodel.Conflict(
			fmt.Sprintf("read model %s/%s changed since version %d", s.desc.Category, id, current.VersionOr(0)),
			map[string]any{"category": s.desc.Category, "id": id, "expected": current.VersionOr(0), "rows_affected": affected})
	}
	s.logger.DebugContext(ctx, "read model written", "id", id, "version", version, "insert", !current.Exists())
	return nil
}

func samePayload[T any](a, b T) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Delete removes one read model. Missing ids are not an error.
func (s *Store[T]) Delete(ctx context.Context, id string) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	n, err := s.backend.DeleteReadModel(ctx, s.desc.Category, id)
	if err != nil {
		return 0, errmodel.Storage("delete read model", err)
	}
	return n, nil
}

// DeleteAll purges every read model of the category.
func (s *Store[T]) DeleteAll(ctx context.Context) (int64, error) {
	if err := errmodel.CheckContext(ctx); err != nil {
		return 0, err
	}
	n, err := s.backend.DeleteAllReadModels(ctx, s.desc.Category)
	if err != nil {
		return 0, errmodel.Storage("purge read models", err)
	}
	s.logger.InfoContext(ctx, "read models purged", "rows", n)
	return n, nil
}
