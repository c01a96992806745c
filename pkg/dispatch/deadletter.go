package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
)

// Letter is an event that could not be delivered.
type Letter struct {
	Envelope   event.Envelope
	Subscriber string
	Error      *errmodel.Error
	FailedAt   time.Time
}

// DeadLetterSink accepts letters for later inspection or redelivery.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, l Letter) error
}

// DeadLetter logs dispatch failures and forwards them to a sink. A failure the
// sink accepted is swallowed; without a sink or when the sink fails the
// original error propagates.
type DeadLetter struct {
	NoOp
	sink   DeadLetterSink
	logger *slog.Logger
	now    func() time.Time
}

// NewDeadLetter returns a DeadLetter strategy. sink may be nil.
func NewDeadLetter(sink DeadLetterSink, logger *slog.Logger) *DeadLetter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetter{sink: sink, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (d *DeadLetter) HandleFailed(ctx context.Context, sub Subscriber, env event.Envelope, err error, swallowHint bool) {
	d.logger.WarnContext(ctx, "subscriber failed",
		"subscriber", sub.Name(),
		"event_id", env.ID,
		"event_type", string(env.Type()),
		"aggregate_id", env.AggregateID,
		"seq", env.Seq,
		"continue", swallowHint,
		"err", err,
	)
}

func (d *DeadLetter) DispatchFailed(ctx context.Context, env event.Envelope, _ []event.Envelope, err error) bool {
	if d.sink == nil {
		return false
	}
	l := Letter{Envelope: env, Error: errmodel.From(err), FailedAt: d.now()}
	var se *SubscriberError
	if errors.As(err, &se) {
		l.Subscriber = se.Subscriber
		l.Error = errmodel.From(se.Err)
	}
	if perr := d.sink.PublishDeadLetter(ctx, l); perr != nil {
		d.logger.ErrorContext(ctx, "dead letter rejected", "event_id", env.ID, "err", perr)
		return false
	}
	d.logger.InfoContext(ctx, "event dead-lettered", "event_id", env.ID, "subscriber", l.Subscriber)
	return true
}
