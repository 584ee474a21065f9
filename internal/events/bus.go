// Package events provides a publish/subscribe bus for live updates.
// Contact changes, agent activity, and reminder deliveries flow from
// their components to subscribers (the WebSocket stream and the MQTT
// bridge). Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Sources identify which component published an event.
const (
	SourceContacts  = "contacts"
	SourceAgent     = "agent"
	SourceReminders = "reminders"
)

// Kinds describe the event within its source.
const (
	// KindContactAdded covers creates and restores. Data: contact.
	KindContactAdded = "ADD"
	// KindContactUpdated. Data: contact.
	KindContactUpdated = "UPDATE"
	// KindContactDeleted covers trash and permanent delete.
	// Data: contact_id, trash.
	KindContactDeleted = "DELETE"

	// KindRunStart signals the beginning of an assistant run.
	// Data: request_id, history.
	KindRunStart = "run_start"
	// KindToolDone signals a completed tool dispatch.
	// Data: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRunComplete signals the end of a run.
	// Data: request_id, iterations, converged, elapsed_ms.
	KindRunComplete = "run_complete"

	// KindReminderSent signals a reminder email went out.
	// Data: reminder_id, title.
	KindReminderSent = "reminder_sent"
)

// Event is a single event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Update is the client-facing form of an event, as sent over the
// WebSocket stream and MQTT.
type Update struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// Update returns the client-facing form of e.
func (e Event) Update() Update {
	return Update{Type: e.Kind, Source: e.Source, Timestamp: e.Timestamp, Data: e.Data}
}

// Bus is a non-blocking broadcast event bus. Slow subscribers miss
// events rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only channel the
	// caller holds.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, dropping it for any whose
// buffer is full.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. Callers
// must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call more than once.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
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
