package browser

import (
	"errors"
	"testing"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

func newTestQueue(t *testing.T) *AcquisitionQueue {
	t.Helper()
	q := NewAcquisitionQueue()
	t.Cleanup(q.Close)
	return q
}

func idleInstance(id string) *Instance {
	now := time.Now()
	return &Instance{id: id, state: StateIdle, createdAt: now, lastActivity: now}
}

func TestQueueDispatchFIFO(t *testing.T) {
	q := newTestQueue(t)

	first, _ := q.Enqueue("session-1", 0, time.Minute)
	second, _ := q.Enqueue("session-2", 0, time.Minute)

	inst := idleInstance("b1")
	if !q.Dispatch(inst) {
		t.Fatal("Dispatch returned false with waiters queued")
	}

	select {
	case res := <-first:
		if res.err != nil {
			t.Fatalf("First waiter got error: %v", res.err)
		}
		if res.inst.SessionID() != "session-1" {
			t.Errorf("Instance leased to %q, want session-1", res.inst.SessionID())
		}
	case <-time.After(time.Second):
		t.Fatal("First waiter not resolved")
	}

	select {
	case <-second:
		t.Fatal("Second waiter resolved without an instance")
	default:
	}

	if q.Len() != 1 {
		t.Errorf("Expected 1 remaining waiter, got %d", q.Len())
	}
}

func TestQueueDispatchPriority(t *testing.T) {
	q := newTestQueue(t)

	low, _ := q.Enqueue("session-low", 0, time.Minute)
	high, _ := q.Enqueue("session-high", 5, time.Minute)

	if !q.Dispatch(idleInstance("b1")) {
		t.Fatal("Dispatch returned false")
	}

	select {
	case res := <-high:
		if res.err != nil || res.inst.SessionID() != "session-high" {
			t.Errorf("High priority waiter not served first: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("High priority waiter not resolved")
	}

	select {
	case <-low:
		t.Fatal("Low priority waiter served out of order")
	default:
	}
}

func TestQueueDispatchEmptyReturnsFalse(t *testing.T) {
	q := newTestQueue(t)
	if q.Dispatch(idleInstance("b1")) {
		t.Error("Dispatch consumed an instance with no waiters")
	}
}

func TestQueueWaiterDeadline(t *testing.T) {
	q := newTestQueue(t)

	start := time.Now()
	ch, _ := q.Enqueue("session-1", 0, 50*time.Millisecond)

	select {
	case res := <-ch:
		if res.err == nil {
			t.Fatal("Expected timeout error")
		}
		if !errors.Is(res.err, types.ErrPoolTimeout) {
			t.Errorf("Expected ErrPoolTimeout, got %v", res.err)
		}
		elapsed := time.Since(start)
		if elapsed < 50*time.Millisecond {
			t.Errorf("Waiter resolved before its deadline: %v", elapsed)
		}
		if elapsed > 250*time.Millisecond {
			t.Errorf("Waiter resolved too long after its deadline: %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Waiter deadline never fired")
	}

	stats := q.Stats()
	if stats.TimedOut != 1 {
		t.Errorf("Expected 1 timed out waiter, got %d", stats.TimedOut)
	}
	if q.Len() != 0 {
		t.Errorf("Expired waiter still queued, depth %d", q.Len())
	}
}

func TestQueueClearResolvesAllWaiters(t *testing.T) {
	q := newTestQueue(t)

	chans := make([]<-chan acquireResult, 3)
	for i := range chans {
		chans[i], _ = q.Enqueue("session", 0, time.Minute)
	}

	q.Clear()

	for i, ch := range chans {
		select {
		case res := <-ch:
			if !errors.Is(res.err, types.ErrQueueCleared) {
				t.Errorf("Waiter %d: expected ErrQueueCleared, got %v", i, res.err)
			}
		case <-time.After(time.Second):
			t.Fatalf("Waiter %d not resolved by Clear", i)
		}
	}
}

func TestQueueEnqueueAfterCloseFailsFast(t *testing.T) {
	q := NewAcquisitionQueue()
	q.Close()

	ch, _ := q.Enqueue("session-1", 0, time.Minute)
	select {
	case res := <-ch:
		if !errors.Is(res.err, types.ErrQueueCleared) {
			t.Errorf("Expected ErrQueueCleared, got %v", res.err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue on closed queue did not resolve")
	}
}

func TestQueueAbandonRemovesWaiter(t *testing.T) {
	q := newTestQueue(t)

	_, abandon := q.Enqueue("session-1", 0, time.Minute)
	if q.Len() != 1 {
		t.Fatalf("Expected depth 1, got %d", q.Len())
	}
	if inst := abandon(); inst != nil {
		t.Errorf("Abandon of a queued waiter must not return an instance, got %s", inst.ID())
	}
	if q.Len() != 0 {
		t.Errorf("Abandoned waiter still queued, depth %d", q.Len())
	}
}

func TestQueueAbandonRecoversDispatchedInstance(t *testing.T) {
	q := newTestQueue(t)

	_, abandon := q.Enqueue("session-1", 0, time.Minute)
	inst := idleInstance("b1")
	if !q.Dispatch(inst) {
		t.Fatal("Dispatch returned false with a waiter queued")
	}

	// The waiter departs without reading its result; the dispatched
	// instance must come back instead of sitting on the dead channel.
	got := abandon()
	if got != inst {
		t.Fatalf("Expected the dispatched instance back, got %v", got)
	}
	if got.SessionID() != "session-1" {
		t.Errorf("Recovered instance leased to %q, want session-1", got.SessionID())
	}
}

func TestQueueDispatchSkipsBusyInstance(t *testing.T) {
	q := newTestQueue(t)

	ch, _ := q.Enqueue("session-1", 0, time.Minute)

	busy := idleInstance("b1")
	if !busy.lease("other") {
		t.Fatal("Failed to lease the test instance")
	}
	if q.Dispatch(busy) {
		t.Error("Dispatch must not hand out an instance that is no longer idle")
	}
	if q.Len() != 1 {
		t.Fatalf("Waiter must stay queued after a refused dispatch, depth %d", q.Len())
	}

	if !q.Dispatch(idleInstance("b2")) {
		t.Fatal("Dispatch of an idle instance failed")
	}
	select {
	case res := <-ch:
		if res.err != nil || res.inst.ID() != "b2" {
			t.Errorf("Waiter served wrong result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("Waiter not resolved")
	}
}

func TestQueueStats(t *testing.T) {
	q := newTestQueue(t)

	ch, _ := q.Enqueue("session-1", 0, time.Minute)
	q.Dispatch(idleInstance("b1"))
	<-ch

	stats := q.Stats()
	if stats.Enqueued != 1 || stats.Served != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}
