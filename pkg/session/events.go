package session

import (
	"sync"
	"time"
)

// EventKind identifies a session notification.
type EventKind string

const (
	EventInitialized EventKind = "initialized"
	EventScanStarted EventKind = "scan_started"
	EventScanStopped EventKind = "scan_stopped"
	EventProgress    EventKind = "progress"
	EventWarning     EventKind = "warning"
	EventError       EventKind = "error"
	EventResults     EventKind = "results"
)

// Event is an immutable notification of a session transition. Data holds
// the *Warning, *Error, *vitals.Result or progress percentage that caused
// it, depending on Kind.
type Event struct {
	Kind      EventKind
	SessionID string
	Timestamp time.Time
	Data      any
}

// Subscription receives events from an EventBus.
type Subscription struct {
	C  <-chan Event
	ch chan Event
}

// EventBus fans session events out to subscribers. It is safe for
// concurrent use.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewEventBus creates an EventBus ready for use.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events. The
// caller drains sub.C and eventually calls Unsubscribe.
func (b *EventBus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes sub and closes its channel. Unknown subscriptions
// are ignored.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers e to every subscriber with room in its buffer. Full
// subscribers miss the event; engine callbacks never wait on a reader.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
		}
	}
}
