// Package events is a publish/subscribe bus for operational events.
// The agent loop, heartbeat scheduler and runner publish; the status
// API websocket and the MQTT publisher subscribe. Publishing on a nil
// *Bus is a no-op, so components need no guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceAgent     = "agent"
	SourceHeartbeat = "heartbeat"
	SourceRunner    = "runner"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChange signals a lifecycle transition.
	// Data: state, previous.
	KindStateChange = "state_change"
	// KindTurnComplete signals a persisted turn.
	// Data: turn_id, state, tool_calls, total_tokens, cost_cents.
	KindTurnComplete = "turn_complete"
	// KindLoopDetected signals the repetition guard fired.
	// Data: pattern, turns.
	KindLoopDetected = "loop_detected"

	// KindHeartbeatRun signals a heartbeat entry finished.
	// Data: name, task, ok, duration_ms, wake.
	KindHeartbeatRun = "heartbeat_run"
	// KindWakeRequest signals a wake request was written.
	// Data: name, reason.
	KindWakeRequest = "wake_request"

	// KindSleep signals the runner suspended the loop.
	// Data: state, duration.
	KindSleep = "sleep"
	// KindWake signals the runner is re-entering the loop.
	// Data: reason.
	KindWake = "wake"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription delivers events to one consumer. Read from C until it
// is closed by [Bus.Unsubscribe].
type Subscription struct {
	C <-chan Event

	ch      chan Event
	kinds   map[string]bool // nil accepts every kind
	dropped atomic.Uint64
}

// Dropped reports how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

// Bus is a non-blocking broadcast bus. A slow subscriber misses events
// rather than stalling the agent loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish delivers e to every subscriber interested in its kind. Safe to
// call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a consumer with a buffer of bufSize events. When
// kinds are given only those kinds are delivered. The caller must call
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int, kinds ...string) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, ch: ch}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. Repeated calls and a nil
// s are no-ops.
func (b *Bus) Unsubscribe(s *Subscription) {
	if b == nil || s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
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
