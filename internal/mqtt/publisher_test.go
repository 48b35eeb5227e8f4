package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/droidpilot/internal/config"
	"github.com/nugget/droidpilot/internal/events"
)

func TestEventTopic(t *testing.T) {
	tests := []struct {
		name string
		base string
		e    events.Event
		want string
	}{
		{"plain", "droidpilot", events.Event{Source: "metacog", Kind: "plan"}, "droidpilot/events/metacog/plan"},
		{"trailing slash", "home/pilot/", events.Event{Source: "taskloop", Kind: "step"}, "home/pilot/events/taskloop/step"},
		{"wildcards", "dp", events.Event{Source: "a/b", Kind: "c+#"}, "dp/events/a_b/c__"},
		{"empty source", "dp", events.Event{Kind: "step"}, "dp/events/unknown/step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EventTopic(tt.base, tt.e); got != tt.want {
				t.Errorf("EventTopic() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusTopics(t *testing.T) {
	if got := AvailabilityTopic("droidpilot"); got != "droidpilot/availability" {
		t.Errorf("AvailabilityTopic() = %q", got)
	}
	if got := StatusTopic("droidpilot/"); got != "droidpilot/status" {
		t.Errorf("StatusTopic() = %q", got)
	}
}

func TestEventMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := events.Event{
		Timestamp: ts,
		Source:    events.SourceMetacog,
		Kind:      events.KindStopDecision,
		Data:      map[string]any{"stop": true, "reason": "loop"},
	}

	msg, err := eventMessage("dp", e)
	if err != nil {
		t.Fatalf("eventMessage() error = %v", err)
	}
	if msg.Topic != "dp/events/metacog/stop_decision" {
		t.Errorf("Topic = %q", msg.Topic)
	}
	if msg.Retain || msg.QoS != 0 {
		t.Errorf("Retain = %v, QoS = %d; events are fire-and-forget", msg.Retain, msg.QoS)
	}

	var got events.Event
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if !got.Timestamp.Equal(ts) || got.Kind != e.Kind || got.Data["reason"] != "loop" {
		t.Errorf("payload = %+v", got)
	}
}

type capture struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (c *capture) publish(_ context.Context, msg *paho.Publish) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func (c *capture) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Topic+"="+retainedPayload(m))
	}
	return out
}

func retainedPayload(m *paho.Publish) string {
	if !m.Retain {
		return "event"
	}
	return string(m.Payload)
}

func newTestPublisher(c *capture) *Publisher {
	p := New(config.MQTTConfig{BaseTopic: "dp"}, events.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.publish = c.publish
	return p
}

func TestForward_TaskStatus(t *testing.T) {
	c := &capture{}
	p := newTestPublisher(c)

	ch := make(chan events.Event, 4)
	ch <- events.Event{Source: events.SourceTaskloop, Kind: events.KindTaskStart}
	ch <- events.Event{Source: events.SourceMetacog, Kind: events.KindPlan}
	ch <- events.Event{Source: events.SourceTaskloop, Kind: events.KindTaskComplete}
	close(ch)

	p.forward(context.Background(), ch)

	want := []string{
		"dp/events/taskloop/task_start=event",
		"dp/status=running",
		"dp/events/metacog/plan=event",
		"dp/events/taskloop/task_complete=event",
		"dp/status=idle",
	}
	got := c.topics()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("publish[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestForward_PublishErrorsContinue(t *testing.T) {
	c := &capture{err: errors.New("not connected")}
	p := newTestPublisher(c)

	ch := make(chan events.Event, 2)
	ch <- events.Event{Source: events.SourceMetacog, Kind: events.KindPlan}
	ch <- events.Event{Source: events.SourceMetacog, Kind: events.KindReflect}
	close(ch)

	p.forward(context.Background(), ch)
	if n := len(c.topics()); n != 2 {
		t.Errorf("publish attempts = %d, want 2", n)
	}
}

func TestForward_StopsOnCancel(t *testing.T) {
	p := newTestPublisher(&capture{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		p.forward(ctx, make(chan events.Event))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after cancellation")
	}
}

func TestStop_NotStarted(t *testing.T) {
	p := New(config.MQTTConfig{}, nil, nil)
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := p.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection() should fail before Start")
	}
}
