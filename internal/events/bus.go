// Package events carries operational events from the decision engine
// and task runner to observers such as the MQTT publisher. A nil *Bus
// is valid and drops everything, so producers never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceMetacog identifies events from the metacognition engine.
	SourceMetacog = "metacog"
	// SourceTaskloop identifies events from the task runner.
	SourceTaskloop = "taskloop"
)

// Kinds.
const (
	// KindPlan follows a plan request.
	// Data: task_id, ok, elapsed_ms.
	KindPlan = "plan"
	// KindReflect follows a reflection request.
	// Data: task_id, ok, trimmed, elapsed_ms.
	KindReflect = "reflect"
	// KindStopDecision follows a stop evaluation.
	// Data: task_id, stop, reason, confidence, loop_detected.
	KindStopDecision = "stop_decision"

	// KindTaskStart signals the start of a task run.
	// Data: task_id, instruction.
	KindTaskStart = "task_start"
	// KindStep signals the start of one action step.
	// Data: task_id, step, elements.
	KindStep = "step"
	// KindToolCall follows the execution of one device action.
	// Data: task_id, step, tool, ok, looping.
	KindToolCall = "tool_call"
	// KindTaskComplete signals the end of a task run.
	// Data: task_id, steps, stopped, reason, elapsed_ms.
	KindTaskComplete = "task_complete"
)

// Event is a single published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is
// full misses events; publishers never wait.
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive-only view handed to the subscriber
	// so Unsubscribe can find the sendable channel.
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe registers a subscriber with a buffer of bufSize events.
// Call [Bus.Unsubscribe] when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
