// Package kafkapub publishes committed events and dead letters to Kafka.
// Messages are keyed by aggregate id so one stream stays on one partition.
package kafkapub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/wilhg/eventcore/pkg/dispatch"
	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/store"
)

// DeadLetterSuffix is appended to the event topic to name the dead-letter topic.
const DeadLetterSuffix = ".deadletter"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher is a dispatch subscriber and dead-letter sink backed by kafka-go writers.
type Publisher struct {
	events   messageWriter
	dead     messageWriter
	registry *event.Registry
	logger   *slog.Logger
}

type Option func(*Publisher)

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

func newWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// New returns a Publisher writing events to topic and dead letters to
// topic+DeadLetterSuffix.
func New(brokers []string, topic string, reg *event.Registry, opts ...Option) *Publisher {
	return newPublisher(newWriter(brokers, topic), newWriter(brokers, topic+DeadLetterSuffix), reg, opts...)
}

func newPublisher(events, dead messageWriter, reg *event.Registry, opts ...Option) *Publisher {
	p := &Publisher{events: events, dead: dead, registry: reg, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	_ dispatch.Subscriber     = (*Publisher)(nil)
	_ dispatch.DeadLetterSink = (*Publisher)(nil)
)

func (p *Publisher) Name() string { return "kafka" }

// Handle writes env keyed by its aggregate id.
func (p *Publisher) Handle(ctx context.Context, env event.Envelope, _ []event.Envelope) error {
	data, err := dispatch.EncodeEvent(p.registry, env)
	if err != nil {
		return err
	}
	msg := kafkago.Message{
		Key:     []byte(env.AggregateID),
		Value:   data,
		Headers: headers(dispatch.Headers(ctx, env)),
		Time:    env.Timestamp,
	}
	if err := p.events.WriteMessages(ctx, msg); err != nil {
		return errmodel.Storage("kafka write", err)
	}
	p.logger.DebugContext(ctx, "event published", "event_id", env.ID, "aggregate_id", env.AggregateID)
	return nil
}

func (p *Publisher) PublishDeadLetter(ctx context.Context, l dispatch.Letter) error {
	data, err := dispatch.EncodeLetter(p.registry, l)
	if err != nil {
		return err
	}
	h := dispatch.Headers(ctx, l.Envelope)
	h[dispatch.HeaderSubscriber] = l.Subscriber
	msg := kafkago.Message{Key: []byte(l.Envelope.AggregateID), Value: data, Headers: headers(h)}
	if err := p.dead.WriteMessages(ctx, msg); err != nil {
		return errmodel.Storage("kafka write dead letter", err)
	}
	return nil
}

// Close flushes and closes both writers.
func (p *Publisher) Close() error {
	err := p.events.Close()
	if derr := p.dead.Close(); err == nil {
		err = derr
	}
	return err
}

// Decode turns a message written by Handle back into an envelope.
func Decode(reg *event.Registry, msg kafkago.Message) (event.Envelope, error) {
	var rec store.EventRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return event.Envelope{}, errmodel.Validation("invalid_event_message", err.Error(), map[string]any{"offset": msg.Offset})
	}
	return store.DecodeRecord(reg, rec)
}

// Context returns ctx joined to the trace recorded in msg's headers.
func Context(ctx context.Context, msg kafkago.Message) context.Context {
	h := make(map[string]string, len(msg.Headers))
	for _, kv := range msg.Headers {
		h[kv.Key] = string(kv.Value)
	}
	return dispatch.ContextFromHeaders(ctx, h)
}

func headers(h map[string]string) []kafkago.Header {
	out := make([]kafkago.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return out
}
