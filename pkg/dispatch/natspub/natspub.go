// Package natspub publishes committed events and dead letters to NATS
// JetStream.
package natspub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"

	"github.com/wilhg/eventcore/pkg/dispatch"
	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
)

const (
	DefaultStream        = "EVENTS"
	DefaultSubjectPrefix = "events"
	DefaultDeadPrefix    = "deadletter"
)

// Client owns a connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

// Connect dials url and makes sure stream exists with subjects for events and
// dead letters.
func Connect(url, stream string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name("eventcore"))
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if stream == "" {
		stream = DefaultStream
	}
	if err := EnsureStream(js, stream, DefaultSubjectPrefix+".>", DefaultDeadPrefix+".>"); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

// ConnectWithRetry retries Connect with exponential backoff until it
// succeeds, timeout elapses or ctx is done.
func ConnectWithRetry(ctx context.Context, url, stream string, timeout time.Duration) (*Client, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	c, err := backoff.Retry(ctx, func() (*Client, error) { return Connect(url, stream) },
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errmodel.Canceled(err)
		}
		return nil, fmt.Errorf("connect jetstream within %s: %w", timeout, err)
	}
	return c, nil
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

// EnsureStream creates the stream when it does not exist yet.
func EnsureStream(js nats.JetStreamContext, name string, subjects ...string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	})
	return err
}

// Publisher is a dispatch subscriber forwarding events to JetStream. It also
// serves as a dead-letter sink.
type Publisher struct {
	js         nats.JetStreamContext
	registry   *event.Registry
	prefix     string
	deadPrefix string
	logger     *slog.Logger
}

type Option func(*Publisher)

// WithSubjectPrefix sets the first subject token for events.
func WithSubjectPrefix(p string) Option {
	return func(pub *Publisher) {
		if p != "" {
			pub.prefix = p
		}
	}
}

func WithDeadLetterPrefix(p string) Option {
	return func(pub *Publisher) {
		if p != "" {
			pub.deadPrefix = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(pub *Publisher) {
		if l != nil {
			pub.logger = l
		}
	}
}

func New(js nats.JetStreamContext, reg *event.Registry, opts ...Option) *Publisher {
	p := &Publisher{
		js:         js,
		registry:   reg,
		prefix:     DefaultSubjectPrefix,
		deadPrefix: DefaultDeadPrefix,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	_ dispatch.Subscriber     = (*Publisher)(nil)
	_ dispatch.DeadLetterSink = (*Publisher)(nil)
)

func (p *Publisher) Name() string { return "nats" }

// Subject returns <prefix>.<aggregate type>.<event type>.
func (p *Publisher) Subject(env event.Envelope) string {
	return p.prefix + "." + token(env.AggregateType) + "." + token(string(env.Type()))
}

// Handle publishes env. The event id is the JetStream message id, so a
// redelivered event inside the duplicate window is stored once.
func (p *Publisher) Handle(ctx context.Context, env event.Envelope, _ []event.Envelope) error {
	data, err := dispatch.EncodeEvent(p.registry, env)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.Subject(env))
	msg.Data = data
	for k, v := range dispatch.Headers(ctx, env) {
		msg.Header.Set(k, v)
	}
	if _, err := p.js.PublishMsg(msg, nats.MsgId(env.ID), nats.Context(ctx)); err != nil {
		return errmodel.Storage("nats publish", err)
	}
	p.logger.DebugContext(ctx, "event published", "subject", msg.Subject, "event_id", env.ID)
	return nil
}

// PublishDeadLetter publishes l under <dead prefix>.<subscriber>.
func (p *Publisher) PublishDeadLetter(ctx context.Context, l dispatch.Letter) error {
	data, err := dispatch.EncodeLetter(p.registry, l)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.deadPrefix + "." + token(l.Subscriber))
	msg.Data = data
	for k, v := range dispatch.Headers(ctx, l.Envelope) {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(dispatch.HeaderSubscriber, l.Subscriber)
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return errmodel.Storage("nats publish dead letter", err)
	}
	return nil
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
