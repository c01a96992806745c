package replay

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/readmodel"
	"github.com/wilhg/eventcore/pkg/store"
)

// RebuildStats summarizes a Rebuild run.
type RebuildStats struct {
	Purged    int64 `json:"purged"`
	Projected int   `json:"projected"`
	Skipped   int   `json:"skipped"`
	Pages     int   `json:"pages"`
}

type rebuildOptions struct {
	pageSize int
	logger   *slog.Logger
}

// RebuildOption configures Rebuild.
type RebuildOption func(*rebuildOptions)

func WithPageSize(n int) RebuildOption {
	return func(o *rebuildOptions) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

func WithLogger(l *slog.Logger) RebuildOption {
	return func(o *rebuildOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Rebuild purges the projector's read model category and feeds the whole log
// through it in global append order. Events whose type reg does not know are
// skipped.
func Rebuild[T any](ctx context.Context, events store.EventStore, reg *event.Registry, p *readmodel.Projector[T], opts ...RebuildOption) (RebuildStats, error) {
	o := rebuildOptions{pageSize: defaultPageSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, span := otel.Tracer("replay/rebuild").Start(ctx, "Rebuild")
	defer span.End()

	var stats RebuildStats
	fail := func(err error) (RebuildStats, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stats, err
	}

	purged, err := p.Store().DeleteAll(ctx)
	if err != nil {
		return fail(err)
	}
	stats.Purged = purged

	var after int64
	for {
		if err := errmodel.CheckContext(ctx); err != nil {
			return fail(err)
		}
		recs, err := events.ReadAll(ctx, after, o.pageSize)
		if err != nil {
			return fail(errmodel.Storage("read log", err))
		}
		stats.Pages++
		batch := make([]event.Envelope, 0, len(recs))
		for _, rec := range recs {
			after = rec.Position
			if !reg.Has(event.Type(rec.Type)) {
				stats.Skipped++
				continue
			}
			env, err := store.DecodeRecord(reg, rec)
			if err != nil {
				return fail(err)
			}
			batch = append(batch, env)
		}
		if err := p.Project(ctx, batch); err != nil {
			return fail(err)
		}
		stats.Projected += len(batch)
		if len(recs) < o.pageSize {
			break
		}
	}
	span.SetAttributes(
		attribute.String("readmodel.category", p.Store().Category()),
		attribute.Int("rebuild.projected", stats.Projected),
		attribute.Int("rebuild.skipped", stats.Skipped),
	)
	o.logger.InfoContext(ctx, "read model rebuilt", "projector", p.Name(),
		"category", p.Store().Category(), "purged", stats.Purged,
		"projected", stats.Projected, "skipped", stats.Skipped)
	return stats, nil
}
