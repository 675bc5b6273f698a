// Package browser provides pooled browser instance management.
// The pool keeps a bounded set of long-lived browser processes and leases
// them to sessions, so requests never pay process startup cost and memory
// stays predictable under load.
package browser

import (
	"sync"
	"time"

	"github.com/go-rod/rod"
)

// State is the lifecycle state of a pooled browser instance.
type State string

const (
	// StateIdle means the instance is connected and leasable.
	StateIdle State = "idle"
	// StateActive means the instance is leased to a session.
	StateActive State = "active"
	// StateRestarting means the instance is being replaced in place.
	StateRestarting State = "restarting"
	// StateDraining means the instance finishes its lease and then dies.
	StateDraining State = "draining"
	// StateDead means the process is gone and the slot is reclaimable.
	StateDead State = "dead"
)

// Instance is one pooled browser process and its lease bookkeeping.
//
// Lock ordering: the pool mutex is always acquired before an instance
// mutex. Never hold either lock across CDP calls.
type Instance struct {
	mu sync.Mutex

	id      string
	browser *rod.Browser
	pid     int

	state        State
	sessionID    string
	createdAt    time.Time
	lastActivity time.Time
	useCount     int
	errorCount   int
	pageCount    int
}

// ID returns the stable instance identifier. Restarts keep the id.
func (i *Instance) ID() string {
	return i.id
}

// Browser returns the underlying CDP handle.
func (i *Instance) Browser() *rod.Browser {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.browser
}

// PID returns the browser process id, zero when not running.
func (i *Instance) PID() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pid
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// SessionID returns the session currently holding the lease, empty when
// idle.
func (i *Instance) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// Age returns how long the instance has been alive.
func (i *Instance) Age() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.createdAt)
}

// UseCount returns how many leases the instance has served.
func (i *Instance) UseCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.useCount
}

// MarkActivity refreshes the activity timestamp. Executors call this on
// every action so idle reaping only sees truly quiet instances.
func (i *Instance) MarkActivity() {
	i.mu.Lock()
	i.lastActivity = time.Now()
	i.mu.Unlock()
}

// RecordError bumps the error counter and returns the new value.
func (i *Instance) RecordError() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errorCount++
	return i.errorCount
}

// SetPageCount records the number of open pages, maintained by the page
// layer.
func (i *Instance) SetPageCount(n int) {
	i.mu.Lock()
	i.pageCount = n
	i.mu.Unlock()
}

// PageCount returns the number of open pages.
func (i *Instance) PageCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pageCount
}

// lease marks the instance active for a session. Reports false when the
// instance is no longer idle, so callers racing a restart or another
// acquirer move on instead of stealing a busy instance.
func (i *Instance) lease(sessionID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateIdle {
		return false
	}
	i.state = StateActive
	i.sessionID = sessionID
	i.useCount++
	i.lastActivity = time.Now()
	return true
}

// release returns the instance to idle. Reports false when the caller's
// session does not hold the lease.
func (i *Instance) release(sessionID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateActive || i.sessionID != sessionID {
		return false
	}
	i.state = StateIdle
	i.sessionID = ""
	i.lastActivity = time.Now()
	return true
}

// IsIdleTooLong reports whether an idle instance has been quiet past the
// timeout.
func (i *Instance) IsIdleTooLong(timeout time.Duration) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == StateIdle && time.Since(i.lastActivity) > timeout
}

// NeedsRestart reports whether age, use count, or error count warrant a
// proactive restart.
func (i *Instance) NeedsRestart(maxLifetime time.Duration, maxUses, maxErrors int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateDead || i.state == StateRestarting {
		return false
	}
	if maxLifetime > 0 && time.Since(i.createdAt) > maxLifetime {
		return true
	}
	if maxUses > 0 && i.useCount >= maxUses {
		return true
	}
	if maxErrors > 0 && i.errorCount >= maxErrors {
		return true
	}
	return false
}

// InstanceInfo is a point-in-time snapshot for status surfaces.
type InstanceInfo struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	SessionID    string    `json:"sessionId,omitempty"`
	PID          int       `json:"pid"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	UseCount     int       `json:"useCount"`
	ErrorCount   int       `json:"errorCount"`
	PageCount    int       `json:"pageCount"`
}

// Info snapshots the instance.
func (i *Instance) Info() InstanceInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	return InstanceInfo{
		ID:           i.id,
		State:        i.state,
		SessionID:    i.sessionID,
		PID:          i.pid,
		CreatedAt:    i.createdAt,
		LastActivity: i.lastActivity,
		UseCount:     i.useCount,
		ErrorCount:   i.errorCount,
		PageCount:    i.pageCount,
	}
}
