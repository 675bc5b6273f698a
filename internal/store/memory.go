package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// MemoryStore is the in-process session backend.
// Used for development, tests, and as the fallback when the external KV is
// unreachable. A janitor goroutine reaps expired records; Get also expires
// lazily so callers never observe a dead session.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// NewMemoryStore creates an in-memory store with a janitor loop.
func NewMemoryStore(janitorInterval time.Duration) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		stopCh:   make(chan struct{}),
	}

	if janitorInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.janitor(janitorInterval)
		}()
	}

	return m
}

// Type returns the backend type name.
func (m *MemoryStore) Type() string { return "memory" }

// Create stores a new session and returns its id.
func (m *MemoryStore) Create(ctx context.Context, data CreateData) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.WrapError(types.KindTimeout, "store_ctx_canceled", err)
	}
	now := time.Now()
	if err := data.Validate(now); err != nil {
		return "", err
	}

	// Clone severs the record from the caller's Roles and Metadata, so
	// later mutations of the inputs cannot reach backend state.
	s := (&Session{
		ID:             uuid.NewString(),
		UserID:         data.UserID,
		Username:       data.Username,
		Roles:          data.Roles,
		CreatedAt:      now,
		ExpiresAt:      data.ExpiresAt,
		LastAccessedAt: now,
		Metadata:       data.Metadata,
	}).Clone()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", types.WrapError(types.KindBackend, "store_closed", types.ErrStoreClosed)
	}
	m.sessions[s.ID] = s
	set, ok := m.byUser[s.UserID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[s.UserID] = set
	}
	set[s.ID] = struct{}{}
	m.mu.Unlock()

	log.Debug().
		Str("session_id", s.ID).
		Str("user_id", s.UserID).
		Time("expires_at", s.ExpiresAt).
		Msg("Session created in memory store")

	return s.ID, nil
}

// Get returns the session or nil when absent or expired.
// Expired records are removed and unlinked from the user index.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.KindTimeout, "store_ctx_canceled", err)
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if s.Expired(time.Now()) {
		m.expire(id)
		return nil, nil
	}
	return s.Clone(), nil
}

// Update applies a partial update and returns the new record.
func (m *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.KindTimeout, "store_ctx_canceled", err)
	}
	now := time.Now()

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Expired(now) {
		m.mu.Unlock()
		if ok {
			m.expire(id)
		}
		return nil, types.WrapError(types.KindNotFound, "session_not_found", types.ErrSessionNotFound)
	}
	updated := applyPatch(s, patch, now)
	m.sessions[id] = updated
	m.mu.Unlock()

	return updated.Clone(), nil
}

// Delete removes a session. Returns false when it did not exist.
func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, types.WrapError(types.KindTimeout, "store_ctx_canceled", err)
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.unlinkLocked(s)
	}
	m.mu.Unlock()

	return ok, nil
}

// Touch renews LastAccessedAt without extending expiry.
func (m *MemoryStore) Touch(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, types.WrapError(types.KindTimeout, "store_ctx_canceled", err)
	}
	now := time.Now()

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Expired(now) {
		m.mu.Unlock()
		return false, nil
	}
	touched := s.Clone()
	touched.LastAccessedAt = now
	if touched.LastAccessedAt.After(touched.ExpiresAt) {
		touched.LastAccessedAt = touched.ExpiresAt
	}
	m.sessions[id] = touched
	m.mu.Unlock()

	return true, nil
}

// ListByUser returns all live sessions owned by the user.
func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.KindTimeout, "store_ctx_canceled", err)
	}
	now := time.Now()

	m.mu.RLock()
	ids := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		ids = append(ids, id)
	}
	var out []*Session
	var expired []string
	for _, id := range ids {
		s, ok := m.sessions[id]
		if !ok {
			continue
		}
		if s.Expired(now) {
			expired = append(expired, id)
			continue
		}
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.expire(id)
	}
	return out, nil
}

// Put inserts or replaces a full record, preserving its id. The replicator
// and migrator use this to copy records across stores.
func (m *MemoryStore) Put(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.KindTimeout, "store_ctx_canceled", err)
	}
	cp := s.Clone()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.WrapError(types.KindBackend, "store_closed", types.ErrStoreClosed)
	}
	if old, ok := m.sessions[cp.ID]; ok && old.UserID != cp.UserID {
		m.unlinkLocked(old)
	}
	m.sessions[cp.ID] = cp
	set, ok := m.byUser[cp.UserID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[cp.UserID] = set
	}
	set[cp.ID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// List snapshots every live session.
func (m *MemoryStore) List(ctx context.Context) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.KindTimeout, "store_ctx_canceled", err)
	}
	now := time.Now()

	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Expired(now) {
			continue
		}
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()
	return out, nil
}

// Exists reports whether a live session with the id exists.
func (m *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

// Count returns the number of live sessions.
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, types.WrapError(types.KindTimeout, "store_ctx_canceled", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// Clear removes every session. Admin surface only.
func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.KindTimeout, "store_ctx_canceled", err)
	}
	m.mu.Lock()
	n := len(m.sessions)
	m.sessions = make(map[string]*Session)
	m.byUser = make(map[string]map[string]struct{})
	m.mu.Unlock()

	log.Info().Int("removed", n).Msg("Memory store cleared")
	return nil
}

// Close stops the janitor. The store refuses new writes afterwards.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	return nil
}

// expire removes a dead record and unlinks the user index entry.
func (m *MemoryStore) expire(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok && s.Expired(time.Now()) {
		delete(m.sessions, id)
		m.unlinkLocked(s)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		log.Debug().Str("session_id", id).Msg("Session expired lazily on read")
	}
}

func (m *MemoryStore) unlinkLocked(s *Session) {
	if set, ok := m.byUser[s.UserID]; ok {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(m.byUser, s.UserID)
		}
	}
}

// janitor periodically removes expired sessions.
func (m *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()

			m.mu.Lock()
			var removed int
			for id, s := range m.sessions {
				if s.Expired(now) {
					delete(m.sessions, id)
					m.unlinkLocked(s)
					removed++
				}
			}
			m.mu.Unlock()

			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("Janitor reaped expired sessions")
			}
		}
	}
}
