// Package events provides the in-process publish/subscribe bus that
// decouples the playback components from each other. Delivery is
// synchronous and best-effort: a panicking handler is logged and never
// propagates to the publisher or blocks other handlers.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Type identifies a bus message type.
type Type string

const (
	// Cluster lifecycle, published by the audio node manager.
	TypeClusterDown Type = "cluster.down"
	TypeClusterUp   Type = "cluster.up"
	TypeNodeReady   Type = "node.ready"
	TypeNodeClosed  Type = "node.closed"

	// Per-session playback events.
	TypeTrackStart     Type = "track.start"
	TypeTrackEnd       Type = "track.end"
	TypeTrackException Type = "track.exception"
	TypeTrackStuck     Type = "track.stuck"
	TypeQueueEnded     Type = "queue.ended"
	TypeQueueUpdated   Type = "queue.updated"
	TypeSessionCleanup Type = "session.cleanup"

	// Restoration offers after an outage, published by the preservation store.
	TypeRestoreAvailable Type = "restore.available"
)

// Event is a single bus message. SessionID is empty for cluster-wide events.
type Event struct {
	Type      Type
	SessionID string
	Payload   interface{}
}

// Handler consumes a single event.
type Handler func(Event)

type subscription struct {
	id        int
	eventType Type
	sessionID string // empty means any session
	handler   Handler
}

// Bus is a typed publish/subscribe bus with per-session listener scoping.
// Session-scoped subscriptions must be bulk-removed on session teardown so
// handlers do not accumulate across many short-lived sessions.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Type][]*subscription
	logger *zap.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[Type][]*subscription),
		logger: logger.Named("events"),
	}
}

// Subscribe registers a handler for all events of the given type.
// The returned function removes the subscription.
func (b *Bus) Subscribe(eventType Type, handler Handler) func() {
	return b.add(eventType, "", handler)
}

// SubscribeSession registers a handler that only receives events carrying
// the given session id.
func (b *Bus) SubscribeSession(sessionID string, eventType Type, handler Handler) func() {
	return b.add(eventType, sessionID, handler)
}

func (b *Bus) add(eventType Type, sessionID string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:        b.nextID,
		eventType: eventType,
		sessionID: sessionID,
		handler:   handler,
	}
	b.subs[eventType] = append(b.subs[eventType], sub)

	id := sub.id
	return func() { b.remove(eventType, id) }
}

func (b *Bus) remove(eventType Type, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[eventType]
	for i, sub := range list {
		if sub.id == id {
			b.subs[eventType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// RemoveSessionListeners drops every session-scoped subscription for the
// given session id. Called exactly once during session teardown.
func (b *Bus) RemoveSessionListeners(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, list := range b.subs {
		kept := list[:0]
		for _, sub := range list {
			if sub.sessionID != sessionID {
				kept = append(kept, sub)
			}
		}
		b.subs[eventType] = kept
	}
}

// Publish delivers the event synchronously to every matching handler.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	list := b.subs[event.Type]
	matched := make([]Handler, 0, len(list))
	for _, sub := range list {
		if sub.sessionID == "" || sub.sessionID == event.SessionID {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range matched {
		b.dispatch(handler, event)
	}
}

func (b *Bus) dispatch(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", string(event.Type)),
				zap.String("session_id", event.SessionID),
				zap.Any("panic", r),
			)
		}
	}()
	handler(event)
}
