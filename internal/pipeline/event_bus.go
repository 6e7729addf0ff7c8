package pipeline

import (
	"sync"

	"vigil/internal/cascade"
)

// EventBus provides pub/sub for cascade results
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	streamFilter string // Empty string means receive all streams
	channel      chan *cascade.Result
	handler      ResultHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			if sub.channel != nil {
				close(sub.channel)
			}
		}
		b.mu.Unlock()
	}
}

// Subscribe registers a handler for results from all streams
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler ResultHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeStream registers a handler for results from a specific stream
// Returns an unsubscribe function
func (b *EventBus) SubscribeStream(streamID string, handler ResultHandler) func() {
	return b.add(&eventSubscription{streamFilter: streamID, handler: handler})
}

// SubscribeChannel returns a buffered channel that receives results,
// optionally filtered to one stream. Results are dropped while the
// channel is full.
func (b *EventBus) SubscribeChannel(streamID string, bufferSize int) (<-chan *cascade.Result, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	ch := make(chan *cascade.Result, bufferSize)
	return ch, b.add(&eventSubscription{streamFilter: streamID, channel: ch})
}

// Publish sends a result to all subscribers
func (b *EventBus) Publish(result *cascade.Result) {
	if result == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.streamFilter != "" && sub.streamFilter != result.StreamID {
			continue
		}

		// Handlers are called synchronously to preserve frame ordering.
		if sub.handler != nil {
			sub.handler.OnResult(result)
		} else if sub.channel != nil {
			select {
			case sub.channel <- result:
			default:
				// Channel full, skip this result
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
