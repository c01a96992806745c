package errmodel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryDomain       = "domain"
	CategoryConcurrency  = "concurrency"
	CategoryUnknownEvent = "unknown_event_type"
	CategoryStorage      = "storage"
	CategoryCanceled     = "canceled"
	CategoryValidation   = "validation"
	CategorySystem       = "system"
)

// Sentinels for errors.Is. They match any error of the same category.
var (
	ErrDomain           = &Error{Category: CategoryDomain}
	ErrConflict         = &Error{Category: CategoryConcurrency}
	ErrUnknownEventType = &Error{Category: CategoryUnknownEvent}
	ErrStorage          = &Error{Category: CategoryStorage}
	ErrCanceled         = &Error{Category: CategoryCanceled}
)

// Error is the compact error payload returned by APIs and used internally.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap exposes the first underlying cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches on category, and on code when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if !strings.EqualFold(e.Category, t.Category) {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		if ce.cause == nil {
			ce.cause = c
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Category: CategoryCanceled, Code: "canceled", Message: truncate(err.Error(), 512), cause: err}
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512), cause: err}
}

// Domain reports a violated aggregate invariant.
func Domain(code, message string, ctx map[string]any) *Error {
	return New(CategoryDomain, code, message, ctx)
}

// Conflict reports an optimistic concurrency conflict.
func Conflict(message string, ctx map[string]any) *Error {
	return New(CategoryConcurrency, "optimistic_concurrency_conflict", message, ctx)
}

// UnknownEventType reports an event type with no registered handler or decoder.
func UnknownEventType(eventType string) *Error {
	return New(CategoryUnknownEvent, "unknown_event_type", "no handler registered for event type "+eventType, map[string]any{"event_type": eventType})
}

// Canceled wraps a cancellation cause.
func Canceled(cause error) *Error {
	if cause == nil {
		cause = context.Canceled
	}
	return New(CategoryCanceled, "canceled", cause.Error(), nil, cause)
}

// Storage wraps a backing store failure. Errors already carrying a category are
// returned unchanged, and context errors become cancellations.
func Storage(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var ce *Error
	if errors.As(cause, &ce) {
		return cause
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return Canceled(cause)
	}
	return New(CategoryStorage, "storage_failure", op+": "+cause.Error(), map[string]any{"op": op}, cause)
}

// Validation reports malformed input.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategorySystem, code, message, ctx, cause)
	}
	return New(CategorySystem, code, message, ctx)
}

// CheckContext returns a cancellation error when ctx is done.
func CheckContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Canceled(context.Cause(ctx))
	}
	return nil
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		if e.Code == "not_found" {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case CategoryDomain:
		return http.StatusUnprocessableEntity
	case CategoryConcurrency:
		return http.StatusConflict
	case CategoryCanceled:
		return http.StatusRequestTimeout
	case CategoryStorage:
		return http.StatusServiceUnavailable
	case CategoryUnknownEvent, CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		case int, int64, uint, bool:
			out[k] = t
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// IsConflict reports whether err is an optimistic concurrency conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsCanceled reports whether err stems from cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
