package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func recv(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case e := <-sub:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := startBroker(t)
	sub := b.Subscribe()

	b.Emit(EventTaskCompleted, "task t1 done", map[string]string{"task_id": "t1"})

	e := recv(t, sub)
	assert.Equal(t, EventTaskCompleted, e.Type)
	assert.Equal(t, "task t1 done", e.Message)
	assert.Equal(t, "t1", e.Metadata["task_id"])
	// the broker fills in identity and time
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestAllSubscribersReceive(t *testing.T) {
	b := startBroker(t)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Emit(EventNodeJoined, "node n1 joined", nil)

	assert.Equal(t, EventNodeJoined, recv(t, sub1).Type)
	assert.Equal(t, EventNodeJoined, recv(t, sub2).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := startBroker(t)
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// double unsubscribe must not panic on a closed channel
	b.Unsubscribe(sub)
}

func TestSlowSubscriberMissesInsteadOfStalling(t *testing.T) {
	b := startBroker(t)
	b.Subscribe()

	// overflow the per-subscriber buffer; extra events are dropped, the
	// broker keeps going
	for i := 0; i < 200; i++ {
		b.Emit(EventTaskStarted, "tick", nil)
	}

	// a fresh subscriber still gets deliveries afterwards
	fresh := b.Subscribe()
	b.Emit(EventTaskCompleted, "after the flood", nil)

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-fresh:
			if e.Type == EventTaskCompleted {
				return
			}
		case <-deadline:
			t.Fatal("broker stalled behind a slow subscriber")
		}
	}
}

func TestPublishPreservesExplicitFields(t *testing.T) {
	b := startBroker(t)
	sub := b.Subscribe()

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.Publish(&Event{ID: "fixed", Type: EventUpdateStarted, Timestamp: ts, Message: "rollout"})

	e := recv(t, sub)
	assert.Equal(t, "fixed", e.ID)
	assert.Equal(t, ts, e.Timestamp)
}
