// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types published by the playback engine
const (
	// Loop asset events
	EventTypeAssetLoaded EventType = "asset.loaded"
	EventTypeAssetFailed EventType = "asset.failed"

	// Idle loop events
	EventTypeIdleStarted EventType = "idle.started"
	EventTypeIdleStopped EventType = "idle.stopped"

	// Sync run events
	EventTypeSyncStarted     EventType = "sync.started"
	EventTypeSyncPlanned     EventType = "sync.planned"
	EventTypeSyncCompleted   EventType = "sync.completed"
	EventTypeSyncFailed      EventType = "sync.failed"
	EventTypeSyncInterrupted EventType = "sync.interrupted"

	// Step events
	EventTypeStepStarted   EventType = "step.started"
	EventTypeStepCompleted EventType = "step.completed"
	EventTypeStepFailed    EventType = "step.failed"

	// Browser link events
	EventTypeClientConnected    EventType = "client.connected"
	EventTypeClientDisconnected EventType = "client.disconnected"
)

// AllEventTypes lists every event type, for subscribers that forward everything
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeAssetLoaded, EventTypeAssetFailed,
		EventTypeIdleStarted, EventTypeIdleStopped,
		EventTypeSyncStarted, EventTypeSyncPlanned, EventTypeSyncCompleted,
		EventTypeSyncFailed, EventTypeSyncInterrupted,
		EventTypeStepStarted, EventTypeStepCompleted, EventTypeStepFailed,
		EventTypeClientConnected, EventTypeClientDisconnected,
	}
}

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	nextID   int
}

type subscription struct {
	id      int
	handler Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe adds a handler for an event type. The returned func removes it.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	return func() { b.unsubscribe(eventType, id) }
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) func() {
	unsubs := make([]func(), 0, len(eventTypes))
	for _, et := range eventTypes {
		unsubs = append(unsubs, b.Subscribe(et, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *EventBus) unsubscribe(eventType EventType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all subscribed handlers without waiting
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	for _, handler := range b.snapshot(event.Type) {
		go handler(event)
	}
}

// PublishSync runs every handler and waits for them
func (b *EventBus) PublishSync(event Event) {
	if b == nil {
		return
	}
	var wg sync.WaitGroup
	for _, handler := range b.snapshot(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscription)
}

func (b *EventBus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.handlers[eventType]
	handlers := make([]Handler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	return handlers
}
