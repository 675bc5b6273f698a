package browser

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// reapInterval is how often the queue sweeps for expired waiters. The
// sweep bounds how far past its deadline a waiter can resolve, so it is
// much finer than any sane acquisition timeout.
const reapInterval = 20 * time.Millisecond

// acquireResult resolves one waiter, with exactly one of inst or err set.
type acquireResult struct {
	inst *Instance
	err  error
}

// waiter is one session waiting for an instance.
type waiter struct {
	sessionID string
	priority  int
	seq       uint64
	enqueued  time.Time
	deadline  time.Time
	result    chan acquireResult
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Depth     int   `json:"depth"`
	Enqueued  int64 `json:"enqueued"`
	Served    int64 `json:"served"`
	TimedOut  int64 `json:"timedOut"`
	Cleared   int64 `json:"cleared"`
	AvgWaitMs int64 `json:"avgWaitMs"`
}

// AcquisitionQueue holds sessions waiting for a browser when the pool is
// saturated. Dispatch order is highest priority first, FIFO within a
// priority. A background reaper resolves waiters whose deadline passed so
// they never hang past their acquisition timeout.
type AcquisitionQueue struct {
	mu      sync.Mutex
	waiters []*waiter
	seq     uint64

	enqueued  atomic.Int64
	served    atomic.Int64
	timedOut  atomic.Int64
	cleared   atomic.Int64
	waitTotal atomic.Int64 // milliseconds, served waiters only

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewAcquisitionQueue creates a queue and starts its deadline reaper.
func NewAcquisitionQueue() *AcquisitionQueue {
	q := &AcquisitionQueue{stopCh: make(chan struct{})}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.reapLoop()
	}()
	return q
}

// Enqueue adds a waiter and returns its result channel. The channel
// resolves exactly once: an instance, a timeout, or a clear error.
//
// The second return abandons the waiter. When the waiter was already
// resolved, abandon drains the pending result and hands back any instance
// it carried, so a dispatch racing the caller's departure never strands a
// browser on an unread channel.
func (q *AcquisitionQueue) Enqueue(sessionID string, priority int, timeout time.Duration) (<-chan acquireResult, func() *Instance) {
	w := &waiter{
		sessionID: sessionID,
		priority:  priority,
		enqueued:  time.Now(),
		deadline:  time.Now().Add(timeout),
		result:    make(chan acquireResult, 1),
	}
	abandon := func() *Instance { return q.abandon(w) }

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		w.result <- acquireResult{err: types.WrapError(types.KindUnavailable, "queue_cleared", types.ErrQueueCleared)}
		return w.result, abandon
	}
	q.seq++
	w.seq = q.seq
	q.waiters = append(q.waiters, w)
	depth := len(q.waiters)
	q.mu.Unlock()

	q.enqueued.Add(1)
	log.Debug().
		Str("session_id", sessionID).
		Int("priority", priority).
		Int("depth", depth).
		Msg("Session queued for browser")

	return w.result, abandon
}

// Dispatch hands an idle instance to the best waiter. Returns false when
// the instance was not consumed, either because the queue is empty or the
// instance stopped being idle before the lease took.
func (q *AcquisitionQueue) Dispatch(inst *Instance) bool {
	q.mu.Lock()
	w := q.takeBestLocked()
	if w == nil {
		q.mu.Unlock()
		return false
	}
	if !inst.lease(w.sessionID) {
		// Raced a restart or removal; the waiter goes back for the next
		// instance, still under its original deadline.
		q.waiters = append(q.waiters, w)
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	q.served.Add(1)
	q.waitTotal.Add(time.Since(w.enqueued).Milliseconds())
	w.result <- acquireResult{inst: inst}

	log.Debug().
		Str("session_id", w.sessionID).
		Str("instance_id", inst.ID()).
		Dur("waited", time.Since(w.enqueued)).
		Msg("Queued session served")
	return true
}

// takeBestLocked removes and returns the highest-priority, oldest waiter.
func (q *AcquisitionQueue) takeBestLocked() *waiter {
	best := -1
	for i, w := range q.waiters {
		if best == -1 {
			best = i
			continue
		}
		b := q.waiters[best]
		if w.priority > b.priority || (w.priority == b.priority && w.seq < b.seq) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	w := q.waiters[best]
	q.waiters = append(q.waiters[:best], q.waiters[best+1:]...)
	return w
}

// abandon drops a waiter that gave up. When the waiter was already taken
// by a dispatch, its buffered result is drained instead; the returned
// instance, if any, is the caller's to put back in rotation.
func (q *AcquisitionQueue) abandon(target *waiter) *Instance {
	q.mu.Lock()
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			q.mu.Unlock()
			return nil
		}
	}
	q.mu.Unlock()

	// Not queued means resolved: the buffered result is either already
	// there or arrives as soon as the dispatcher finishes sending.
	res := <-target.result
	return res.inst
}

// reapLoop resolves waiters whose deadline passed with a timeout error.
func (q *AcquisitionQueue) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			now := time.Now()

			q.mu.Lock()
			var expired []*waiter
			kept := q.waiters[:0]
			for _, w := range q.waiters {
				if now.After(w.deadline) {
					expired = append(expired, w)
				} else {
					kept = append(kept, w)
				}
			}
			q.waiters = kept
			q.mu.Unlock()

			for _, w := range expired {
				q.timedOut.Add(1)
				w.result <- acquireResult{err: types.WrapError(types.KindTimeout, "pool_acquire_timeout", types.ErrPoolTimeout)}
				log.Debug().
					Str("session_id", w.sessionID).
					Dur("waited", now.Sub(w.enqueued)).
					Msg("Queued session timed out")
			}
		}
	}
}

// Len returns the current queue depth.
func (q *AcquisitionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Clear resolves every waiter with an unavailable error. Used on shutdown
// and on admin-forced pool resets.
func (q *AcquisitionQueue) Clear() {
	q.mu.Lock()
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		q.cleared.Add(1)
		w.result <- acquireResult{err: types.WrapError(types.KindUnavailable, "queue_cleared", types.ErrQueueCleared)}
	}
	if len(waiters) > 0 {
		log.Info().Int("count", len(waiters)).Msg("Acquisition queue cleared")
	}
}

// Stats snapshots the queue counters.
func (q *AcquisitionQueue) Stats() QueueStats {
	served := q.served.Load()
	var avg int64
	if served > 0 {
		avg = q.waitTotal.Load() / served
	}
	return QueueStats{
		Depth:     q.Len(),
		Enqueued:  q.enqueued.Load(),
		Served:    served,
		TimedOut:  q.timedOut.Load(),
		Cleared:   q.cleared.Load(),
		AvgWaitMs: avg,
	}
}

// Close clears remaining waiters and stops the reaper.
func (q *AcquisitionQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.Clear()
	close(q.stopCh)
	q.wg.Wait()
}
