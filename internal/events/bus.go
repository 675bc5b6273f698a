// Package events provides the in-process event bus connecting the core to
// streaming frontends. Delivery is best effort: a slow subscriber drops
// events instead of back-pressuring publishers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/metrics"
)

// Type classifies an event.
type Type string

// Event types emitted by the core.
const (
	SessionCreated    Type = "session.created"
	SessionDeleted    Type = "session.deleted"
	SessionExpired    Type = "session.expired"
	ContextCreated    Type = "context.created"
	ContextUpdated    Type = "context.updated"
	ContextClosed     Type = "context.closed"
	ActionStarted     Type = "action.started"
	ActionCompleted   Type = "action.completed"
	ActionFailed      Type = "action.failed"
	SecurityViolation Type = "security.violation"
	BrowserRestarted  Type = "browser.restarted"
	StoreDegraded     Type = "store.degraded"
)

// Event is one bus message.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	SessionID string                 `json:"sessionId,omitempty"`
	ContextID string                 `json:"contextId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscription is one subscriber's feed. Events arrives on C; Dropped
// counts events lost to a full buffer.
type Subscription struct {
	C  <-chan Event
	ch chan Event

	id        string
	sessionID string
	types     map[Type]struct{}
	dropped   atomic.Int64
	bus       *Bus
	closeOnce sync.Once
}

// Dropped returns how many events this subscriber lost.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s.id)
		close(s.ch)
	})
}

// wants reports whether the subscription's filters match an event.
func (s *Subscription) wants(e Event) bool {
	if s.sessionID != "" && e.SessionID != s.sessionID {
		return false
	}
	if len(s.types) > 0 {
		if _, ok := s.types[e.Type]; !ok {
			return false
		}
	}
	return true
}

// Bus is the in-process publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber. An empty sessionID receives all
// sessions; empty types receive every type.
func (b *Bus) Subscribe(sessionID string, eventTypes ...Type) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{
		C:         ch,
		ch:        ch,
		id:        uuid.NewString(),
		sessionID: sessionID,
		bus:       b,
	}
	if len(eventTypes) > 0 {
		sub.types = make(map[Type]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish fans an event out to matching subscribers. Never blocks: a
// subscriber with a full buffer loses the event and its drop counter
// increments.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			metrics.EventsDropped.Inc()
			log.Debug().
				Str("event_type", string(e.Type)).
				Int64("sub_dropped", sub.dropped.Load()).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// Stats reports bus counters.
func (b *Bus) Stats() (subscribers int, published, dropped int64) {
	b.mu.RLock()
	subscribers = len(b.subs)
	b.mu.RUnlock()
	return subscribers, b.published.Load(), b.dropped.Load()
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
