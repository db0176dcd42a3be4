// Package events provides a publish/subscribe event bus for operational
// observability. Capability-server sessions, the manager, and the bridge
// publish lifecycle events; the WebSocket stream, the MQTT status
// publisher, and the history recorder consume them. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from a server session supervisor.
	SourceSession = "session"
	// SourceManager identifies events from the session manager.
	SourceManager = "manager"
	// SourceBridge identifies events from the consumer bridge.
	SourceBridge = "bridge"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChanged signals a session state transition.
	// Data: server, from, to, attempt, error.
	KindStateChanged = "state_changed"
	// KindRestartScheduled signals that a failed session will restart.
	// Data: server, delay_ms, attempt.
	KindRestartScheduled = "restart_scheduled"
	// KindStderr carries one line of a server's standard error.
	// Data: server, line.
	KindStderr = "stderr"
	// KindServerLog carries a notifications/message log entry.
	// Data: server, level, logger, data.
	KindServerLog = "server_log"
	// KindProgress carries a notifications/progress update.
	// Data: server, token, progress, total, message.
	KindProgress = "progress"

	// KindCatalogChanged signals that the merged catalog was replaced.
	// Data: tools, resources, prompts, generation.
	KindCatalogChanged = "catalog_changed"
	// KindAmbiguousName signals an unqualified lookup that matched
	// several servers. Data: name, chosen, candidates.
	KindAmbiguousName = "ambiguous_name"

	// KindInvoke signals completion of a consumer invocation.
	// Data: name, server, ok, kind, error, duration_ms.
	KindInvoke = "invoke"
)

// Event represents a single operational event published by a component.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with a fresh ID and the current time.
func New(source, kind string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	}
}

// subscription is one subscriber's channel and optional kind filter.
type subscription struct {
	ch    chan Event
	kinds map[string]bool // nil means all kinds
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription
}

// NewBus creates a new event bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[<-chan Event]*subscription),
	}
}

// Publish sends an event to all matching subscribers. Non-blocking: if
// a subscriber's channel is full, the event is dropped for that
// subscriber. Events without an ID or timestamp are stamped. Safe to
// call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.kinds != nil && !s.kinds[e.Kind] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events whose
// Kind is in kinds (all events when kinds is empty). The caller must
// eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int, kinds ...string) <-chan Event {
	s := &subscription{ch: make(chan Event, bufSize)}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.ch] = s
	return s.ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
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
