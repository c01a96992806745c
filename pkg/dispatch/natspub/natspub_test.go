package natspub

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
)

type threadStarted struct{}

func (threadStarted) EventType() event.Type { return "thread.started" }

func TestSubject(t *testing.T) {
	p := New(nil, event.NewRegistry())
	got := p.Subject(event.Envelope{AggregateType: "thread", Event: threadStarted{}})
	if got != "events.thread.thread_started" {
		t.Fatalf("subject=%q", got)
	}
	p = New(nil, event.NewRegistry(), WithSubjectPrefix("audit"))
	got = p.Subject(event.Envelope{Event: threadStarted{}})
	if got != "audit._.thread_started" {
		t.Fatalf("subject=%q", got)
	}
}

func TestToken(t *testing.T) {
	cases := map[string]string{
		"":           "_",
		"plain":      "plain",
		"a.b":        "a_b",
		"wild*card":  "wild_card",
		"tail>":      "tail_",
		"with space": "with_space",
	}
	for in, want := range cases {
		if got := token(in); got != want {
			t.Errorf("token(%q)=%q want %q", in, got, want)
		}
	}
}

// Nothing listens on port 1, so every dial is refused at once.
const unreachable = "nats://127.0.0.1:1"

func TestConnectWithRetry_GivesUpAfterTimeout(t *testing.T) {
	start := time.Now()
	_, err := ConnectWithRetry(context.Background(), unreachable, "", 300*time.Millisecond)
	if err == nil {
		t.Fatal("want error")
	}
	if !strings.Contains(err.Error(), "connect jetstream within 300ms") {
		t.Fatalf("err=%v", err)
	}
	if errmodel.IsCanceled(err) {
		t.Fatalf("timeout reported as cancellation: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("took %s", elapsed)
	}
}

func TestConnectWithRetry_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ConnectWithRetry(ctx, unreachable, "", time.Minute)
	if !errmodel.IsCanceled(err) {
		t.Fatalf("want cancellation, got %v", err)
	}
}
