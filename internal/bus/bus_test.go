package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_PublishSync(t *testing.T) {
	b := NewEventBus()

	var got atomic.Int32
	b.Subscribe(EventTypeSyncStarted, func(e Event) {
		assert.Equal(t, "clip.wav", e.Data["clip"])
		got.Add(1)
	})
	b.Subscribe(EventTypeSyncStarted, func(Event) { got.Add(1) })
	b.Subscribe(EventTypeSyncCompleted, func(Event) { got.Add(100) })

	b.PublishSync(Event{Type: EventTypeSyncStarted, Data: map[string]any{"clip": "clip.wav"}})
	assert.Equal(t, int32(2), got.Load())
}

func TestEventBus_PublishIsAsync(t *testing.T) {
	b := NewEventBus()

	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe(EventTypeIdleStarted, func(Event) { wg.Done() })

	b.Publish(Event{Type: EventTypeIdleStarted})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestEventBus_SubscribeMultipleAndClear(t *testing.T) {
	b := NewEventBus()

	var got atomic.Int32
	b.SubscribeMultiple(AllEventTypes(), func(Event) { got.Add(1) })

	b.PublishSync(Event{Type: EventTypeStepStarted})
	b.PublishSync(Event{Type: EventTypeStepFailed})
	assert.Equal(t, int32(2), got.Load())

	b.Clear()
	b.PublishSync(Event{Type: EventTypeStepStarted})
	assert.Equal(t, int32(2), got.Load())
}

func TestEventBus_NilIsNoop(t *testing.T) {
	var b *EventBus
	assert.NotPanics(t, func() {
		b.Publish(Event{Type: EventTypeIdleStopped})
		b.PublishSync(Event{Type: EventTypeIdleStopped})
	})
}

func TestEventBus_Unsubscribe(t *testing.T) {
	b := NewEventBus()

	var first, second atomic.Int32
	unsub := b.Subscribe(EventTypeStepStarted, func(Event) { first.Add(1) })
	b.Subscribe(EventTypeStepStarted, func(Event) { second.Add(1) })

	b.PublishSync(Event{Type: EventTypeStepStarted})
	unsub()
	unsub()
	b.PublishSync(Event{Type: EventTypeStepStarted})

	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(2), second.Load())

	var multi atomic.Int32
	unsubAll := b.SubscribeMultiple([]EventType{EventTypeIdleStarted, EventTypeIdleStopped}, func(Event) { multi.Add(1) })
	b.PublishSync(Event{Type: EventTypeIdleStarted})
	unsubAll()
	b.PublishSync(Event{Type: EventTypeIdleStopped})
	assert.Equal(t, int32(1), multi.Load())
}
