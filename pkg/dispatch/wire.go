package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/store"
)

// Header names set on bus messages.
const (
	HeaderEventID       = "Event-Id"
	HeaderEventType     = "Event-Type"
	HeaderAggregateID   = "Aggregate-Id"
	HeaderAggregateType = "Aggregate-Type"
	HeaderSeq           = "Event-Seq"
	HeaderSubscriber    = "Dead-Letter-Subscriber"

	// MetaHeaderPrefix prefixes envelope metadata keys.
	MetaHeaderPrefix = "Meta-"
)

// Headers flattens the identifying fields and metadata of env into message
// headers, plus the trace context of ctx under the global propagator's keys.
func Headers(ctx context.Context, env event.Envelope) map[string]string {
	h := map[string]string{
		HeaderEventID:       env.ID,
		HeaderEventType:     string(env.Type()),
		HeaderAggregateID:   env.AggregateID,
		HeaderAggregateType: env.AggregateType,
		HeaderSeq:           strconv.FormatInt(env.Seq, 10),
	}
	for k, v := range env.Metadata {
		h[MetaHeaderPrefix+k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(h))
	return h
}

// ContextFromHeaders returns ctx carrying the trace context found in h, so a
// consumer's spans join the trace that committed the event.
func ContextFromHeaders(ctx context.Context, h map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(h))
}

// MetadataFromHeaders is the inverse of the metadata part of Headers.
func MetadataFromHeaders(h map[string]string) map[string]string {
	var md map[string]string
	for k, v := range h {
		if key, ok := strings.CutPrefix(k, MetaHeaderPrefix); ok {
			if md == nil {
				md = map[string]string{}
			}
			md[key] = v
		}
	}
	return md
}

// EncodeEvent renders env as a JSON store.EventRecord.
func EncodeEvent(reg *event.Registry, env event.Envelope) ([]byte, error) {
	rec, err := store.EncodeEnvelope(reg, env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

type letterRecord struct {
	Event      store.EventRecord `json:"event"`
	Subscriber string            `json:"subscriber,omitempty"`
	Error      *errmodel.Error   `json:"error,omitempty"`
	FailedAt   time.Time         `json:"failed_at"`
}

// EncodeLetter renders l as JSON.
func EncodeLetter(reg *event.Registry, l Letter) ([]byte, error) {
	rec, err := store.EncodeEnvelope(reg, l.Envelope)
	if err != nil {
		return nil, err
	}
	return json.Marshal(letterRecord{Event: rec, Subscriber: l.Subscriber, Error: l.Error, FailedAt: l.FailedAt})
}

// DecodeLetter parses a letter produced by EncodeLetter.
func DecodeLetter(reg *event.Registry, data []byte) (Letter, error) {
	var lr letterRecord
	if err := json.Unmarshal(data, &lr); err != nil {
		return Letter{}, errmodel.Validation("invalid_dead_letter", err.Error(), nil)
	}
	env, err := store.DecodeRecord(reg, lr.Event)
	if err != nil {
		return Letter{}, err
	}
	return Letter{Envelope: env, Subscriber: lr.Subscriber, Error: lr.Error, FailedAt: lr.FailedAt}, nil
}
