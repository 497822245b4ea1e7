// Package events carries health-check lifecycle notifications from the queue
// to in-process observers and the audit log.
package events

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventType is the payload key a lifecycle notification is published under.
type EventType string

const (
	EventQueueUpdated  EventType = "healthQueueUpdated"
	EventCheckStarted  EventType = "healthCheckStarted"
	EventCheckDone     EventType = "healthCheckCompleted"
	EventCheckFailed   EventType = "healthCheckFailed"
	EventStatusChanged EventType = "healthCheckStatusChanged"
	// EventOther is used for payloads that carry none of the known keys.
	EventOther EventType = "other"
)

var knownTypes = []EventType{
	EventQueueUpdated,
	EventCheckStarted,
	EventCheckDone,
	EventCheckFailed,
	EventStatusChanged,
}

// ParseEventType returns the known event type named s.
func ParseEventType(s string) (EventType, error) {
	for _, t := range knownTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// allEvents is the subscription key of SubscribeAll.
const allEvents EventType = "*"

var ErrBusClosed = errors.New("event bus closed")

// Event represents a published notification.
type Event struct {
	Type      EventType
	Resource  string
	Action    string
	MachineID string
	Timestamp time.Time
	// Data is the full payload as dispatched.
	Data map[string]any
}

// Body returns the nested object stored under the event's type key.
func (e Event) Body() map[string]any {
	body, _ := e.Data[string(e.Type)].(map[string]any)
	return body
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped for it.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
	dropped     uint64
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function. fn runs on a dedicated goroutine; panics are recovered.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.Subscribe(allEvents, fn)
}

// Publish sends an event to all subscribers of its type and to catch-all
// subscribers, without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, key := range []EventType{event.Type, allEvents} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- event:
			default:
				b.dropped++
			}
		}
	}
}

// Dispatch publishes a lifecycle notification. The event type is the first
// known key found in payload; the machine id is read from payload["id"].
func (b *Bus) Dispatch(resource, action string, payload map[string]any) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	eventType := EventOther
	for _, t := range knownTypes {
		if _, ok := payload[string(t)]; ok {
			eventType = t
			break
		}
	}
	machineID, _ := payload["id"].(string)
	b.Publish(Event{
		Type:      eventType,
		Resource:  resource,
		Action:    action,
		MachineID: machineID,
		Data:      payload,
	})
	return nil
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
