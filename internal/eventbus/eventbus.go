// Package eventbus is an in-memory publish/subscribe bus for dispatch lifecycle events.
// Publish never blocks: a subscriber whose buffer is full misses the event.
package eventbus

import "sync"

// Topics published by the dispatcher and the session manager.
const (
	TopicDispatchCompleted   = "dispatch.completed"
	TopicDispatchCanceled    = "dispatch.canceled"
	TopicConversationChanged = "conversation.changed"
)

// Event is a single published message.
type Event struct {
	Topic   string
	Payload any
}

// EventBus is the interface for publishing and subscribing to topics.
type EventBus interface {
	Publish(topic string, payload any) bool
	Subscribe(topic string) <-chan Event
}

const defaultBufferSize = 256

// Bus is the in-memory implementation of EventBus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	closed      bool
}

// New returns a new in-memory Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe registers a new subscriber for topic and returns a read-only channel.
// The channel is closed by Close.
func (b *Bus) Subscribe(topic string) <-chan Event {
	ch := make(chan Event, defaultBufferSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch
}

// Publish sends an Event to all subscribers of topic. It reports false when any
// subscriber dropped the event.
func (b *Bus) Publish(topic string, payload any) bool {
	evt := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	delivered := true
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- evt:
		default:
			delivered = false
		}
	}
	return delivered
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, topic)
	}
}
