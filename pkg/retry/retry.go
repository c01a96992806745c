// Package retry re-runs operations that lost an optimistic concurrency race.
// Every other failure is returned to the caller on the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wilhg/eventcore/pkg/errmodel"
)

const (
	DefaultMaxAttempts = 3
	DefaultDelay       = 25 * time.Millisecond
)

// Handler retries operations that fail with an optimistic concurrency conflict.
// It is safe for concurrent use.
type Handler struct {
	maxAttempts uint
	delay       time.Duration
	maxDelay    time.Duration
	jitter      float64
	logger      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaxAttempts bounds the total number of attempts, the first included.
func WithMaxAttempts(n uint) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxAttempts = n
		}
	}
}

// WithDelay sets the wait before the second attempt.
func WithDelay(d time.Duration) Option {
	return func(h *Handler) {
		if d >= 0 {
			h.delay = d
		}
	}
}

// WithExponential doubles the delay after each attempt up to max.
func WithExponential(max time.Duration) Option {
	return func(h *Handler) { h.maxDelay = max }
}

// WithJitter randomizes each delay by +/- factor (0..1).
func WithJitter(factor float64) Option {
	return func(h *Handler) {
		if factor >= 0 && factor <= 1 {
			h.jitter = factor
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// New returns a Handler with DefaultMaxAttempts and a fixed DefaultDelay.
func New(opts ...Option) *Handler {
	h := &Handler{
		maxAttempts: DefaultMaxAttempts,
		delay:       DefaultDelay,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// MaxAttempts returns the configured bound.
func (h *Handler) MaxAttempts() uint { return h.maxAttempts }

func (h *Handler) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.delay
	b.RandomizationFactor = h.jitter
	b.Multiplier = 1
	b.MaxInterval = h.delay
	if h.maxDelay > h.delay {
		b.Multiplier = 2
		b.MaxInterval = h.maxDelay
	}
	return b
}

// Do runs op until it succeeds, fails with a non-conflict error, or the
// attempt bound is reached. op must re-read whatever state it depends on.
func (h *Handler) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Value(ctx, h, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result. A nil handler uses New().
func Value[T any](ctx context.Context, h *Handler, op func(ctx context.Context) (T, error)) (T, error) {
	if h == nil {
		h = New()
	}
	if err := errmodel.CheckContext(ctx); err != nil {
		var zero T
		return zero, err
	}
	attempts := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err != nil && !errmodel.IsConflict(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(h.backOff()),
		backoff.WithMaxTries(h.maxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			h.logger.DebugContext(ctx, "optimistic concurrency conflict, retrying",
				"attempt", attempts, "max_attempts", h.maxAttempts, "delay", next, "error", err)
		}),
	)
	if err == nil {
		return res, nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	var ce *errmodel.Error
	switch {
	case errmodel.IsConflict(err):
		h.logger.WarnContext(ctx, "optimistic concurrency retries exhausted", "attempts", attempts, "error", err)
		return res, errmodel.New(errmodel.CategoryConcurrency, "retries_exhausted",
			fmt.Sprintf("conflict persisted after %d attempts", attempts),
			map[string]any{"attempts": attempts}, err)
	case errmodel.IsCanceled(err) && !errors.As(err, &ce):
		return res, errmodel.Canceled(err)
	}
	return res, err
}
