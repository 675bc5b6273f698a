package events

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("No event received")
		return Event{}
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	sub := b.Subscribe("")
	b.Publish(Event{Type: SessionCreated, SessionID: "s1"})

	e := recvEvent(t, sub)
	if e.Type != SessionCreated || e.SessionID != "s1" {
		t.Errorf("Unexpected event: %+v", e)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Error("Publish must fill id and timestamp")
	}
}

func TestBusSessionFilter(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	sub := b.Subscribe("s1")
	b.Publish(Event{Type: ActionCompleted, SessionID: "s2"})
	b.Publish(Event{Type: ActionCompleted, SessionID: "s1"})

	e := recvEvent(t, sub)
	if e.SessionID != "s1" {
		t.Errorf("Filter leaked event for session %s", e.SessionID)
	}
	select {
	case e := <-sub.C:
		t.Errorf("Unexpected second event: %+v", e)
	default:
	}
}

func TestBusTypeFilter(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	sub := b.Subscribe("", ActionFailed, SecurityViolation)
	b.Publish(Event{Type: ActionCompleted, SessionID: "s1"})
	b.Publish(Event{Type: SecurityViolation, SessionID: "s1"})

	e := recvEvent(t, sub)
	if e.Type != SecurityViolation {
		t.Errorf("Expected security event, got %s", e.Type)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus(2)
	defer b.Close()

	sub := b.Subscribe("")
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: ActionCompleted})
	}

	if sub.Dropped() != 3 {
		t.Errorf("Expected 3 dropped events, got %d", sub.Dropped())
	}
	_, published, dropped := b.Stats()
	if published != 5 || dropped != 3 {
		t.Errorf("Unexpected bus stats: published=%d dropped=%d", published, dropped)
	}

	// Buffered events still deliver in order.
	if e := recvEvent(t, sub); e.Type != ActionCompleted {
		t.Errorf("Unexpected event: %+v", e)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	sub := b.Subscribe("")
	sub.Close()
	sub.Close() // idempotent

	b.Publish(Event{Type: SessionCreated})
	subs, _, _ := b.Stats()
	if subs != 0 {
		t.Errorf("Expected no subscribers, got %d", subs)
	}

	// Channel is closed after Close.
	if _, ok := <-sub.C; ok {
		t.Error("Expected closed channel")
	}
}
