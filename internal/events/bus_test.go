package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) get(i int) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i]
}

func TestBus_DispatchRoutesByPayloadKey(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var failed, started recorder
	defer bus.Subscribe(EventCheckFailed, failed.add)()
	defer bus.Subscribe(EventCheckStarted, started.add)()

	err := bus.Dispatch("vms", "update", map[string]any{
		"id":                "vm-1",
		"timestamp":         "2026-05-11T09:00:00Z",
		"healthCheckFailed": map[string]any{"taskId": "hct_1", "willRetry": true},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return failed.len() == 1 }, time.Second, 5*time.Millisecond)
	e := failed.get(0)
	assert.Equal(t, EventCheckFailed, e.Type)
	assert.Equal(t, "vms", e.Resource)
	assert.Equal(t, "update", e.Action)
	assert.Equal(t, "vm-1", e.MachineID)
	assert.Equal(t, "hct_1", e.Body()["taskId"])
	assert.False(t, e.Timestamp.IsZero())
	assert.Zero(t, started.len())
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var all recorder
	defer bus.SubscribeAll(all.add)()

	require.NoError(t, bus.Dispatch("vms", "update", map[string]any{"id": "vm-1", "healthQueueUpdated": map[string]any{}}))
	require.NoError(t, bus.Dispatch("vms", "update", map[string]any{"id": "vm-1", "somethingElse": 1}))

	require.Eventually(t, func() bool { return all.len() == 2 }, time.Second, 5*time.Millisecond)
	types := []EventType{all.get(0).Type, all.get(1).Type}
	assert.ElementsMatch(t, []EventType{EventQueueUpdated, EventOther}, types)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var r recorder
	unsub := bus.Subscribe(EventCheckDone, r.add)
	bus.Publish(Event{Type: EventCheckDone})
	require.Eventually(t, func() bool { return r.len() == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	bus.Publish(Event{Type: EventCheckDone})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, r.len())
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	release := make(chan struct{})
	defer close(release)
	unsub := bus.Subscribe(EventCheckStarted, func(Event) { <-release })
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: EventCheckStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Positive(t, bus.Dropped())
}

func TestBus_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var r recorder
	unsub := bus.Subscribe(EventStatusChanged, func(e Event) {
		r.add(e)
		if r.len() == 1 {
			panic("first one fails")
		}
	})
	defer unsub()

	bus.Publish(Event{Type: EventStatusChanged})
	bus.Publish(Event{Type: EventStatusChanged})
	require.Eventually(t, func() bool { return r.len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(10)
	unsub := bus.Subscribe(EventCheckDone, func(Event) {})
	bus.Close()
	bus.Close()
	unsub()

	assert.ErrorIs(t, bus.Dispatch("vms", "update", map[string]any{}), ErrBusClosed)
	assert.NotPanics(t, func() { bus.Publish(Event{Type: EventCheckDone}) })
	assert.NotPanics(t, func() { bus.Subscribe(EventCheckDone, func(Event) {})() })
}
