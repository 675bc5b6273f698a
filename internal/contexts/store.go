// Package contexts tracks automation contexts, the unit of page ownership
// within a session. A context belongs to exactly one session and every
// access is checked against that ownership.
package contexts

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// Status is the lifecycle status of a context.
type Status string

const (
	// StatusActive means the context can execute actions.
	StatusActive Status = "active"
	// StatusClosed means the context and its page are gone. Closed
	// contexts stay readable until their session terminates.
	StatusClosed Status = "closed"
)

// Context is one automation context record.
type Context struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionId"`
	Name      string                 `json:"name,omitempty"`
	Status    Status                 `json:"status"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Config    map[string]interface{} `json:"config,omitempty"`
}

func (c *Context) clone() *Context {
	cp := *c
	if c.Config != nil {
		cp.Config = make(map[string]interface{}, len(c.Config))
		for k, v := range c.Config {
			cp.Config[k] = v
		}
	}
	return &cp
}

// Store is the in-process context registry.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*Context
	bySession map[string]map[string]struct{}
}

// NewStore creates an empty context store.
func NewStore() *Store {
	return &Store{
		byID:      make(map[string]*Context),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Create registers a new active context for a session.
func (s *Store) Create(sessionID, name string, cfg map[string]interface{}) (*Context, error) {
	if sessionID == "" {
		return nil, types.NewError(types.KindInvalid, "session_id_required", "session id is required")
	}

	now := time.Now()
	c := &Context{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Config:    cfg,
	}

	s.mu.Lock()
	s.byID[c.ID] = c
	set, ok := s.bySession[sessionID]
	if !ok {
		set = make(map[string]struct{})
		s.bySession[sessionID] = set
	}
	set[c.ID] = struct{}{}
	s.mu.Unlock()

	log.Debug().
		Str("context_id", c.ID).
		Str("session_id", sessionID).
		Msg("Context created")
	return c.clone(), nil
}

// Get returns a context after checking ownership.
func (s *Store) Get(id, sessionID string) (*Context, error) {
	s.mu.RLock()
	c, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, types.WrapError(types.KindNotFound, "context_not_found", types.ErrContextNotFound)
	}
	if c.SessionID != sessionID {
		return nil, types.WrapError(types.KindPermissionDenied, "context_not_owner", types.ErrNotOwner)
	}
	return c.clone(), nil
}

// Update patches an active context's name and config.
func (s *Store) Update(id, sessionID, name string, cfg map[string]interface{}) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, types.WrapError(types.KindNotFound, "context_not_found", types.ErrContextNotFound)
	}
	if c.SessionID != sessionID {
		return nil, types.WrapError(types.KindPermissionDenied, "context_not_owner", types.ErrNotOwner)
	}
	if c.Status == StatusClosed {
		return nil, types.WrapError(types.KindConflict, "context_closed", types.ErrContextClosed)
	}

	if name != "" {
		c.Name = name
	}
	if cfg != nil {
		c.Config = cfg
	}
	c.UpdatedAt = time.Now()
	return c.clone(), nil
}

// Close marks a context closed. Closing twice is a conflict.
func (s *Store) Close(id, sessionID string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, types.WrapError(types.KindNotFound, "context_not_found", types.ErrContextNotFound)
	}
	if c.SessionID != sessionID {
		return nil, types.WrapError(types.KindPermissionDenied, "context_not_owner", types.ErrNotOwner)
	}
	if c.Status == StatusClosed {
		return nil, types.WrapError(types.KindConflict, "context_closed", types.ErrContextClosed)
	}

	c.Status = StatusClosed
	c.UpdatedAt = time.Now()
	log.Debug().Str("context_id", id).Msg("Context closed")
	return c.clone(), nil
}

// RequireActive returns an active, owned context. Used by the executor as
// its precondition check.
func (s *Store) RequireActive(id, sessionID string) (*Context, error) {
	c, err := s.Get(id, sessionID)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusClosed {
		return nil, types.WrapError(types.KindConflict, "context_closed", types.ErrContextClosed)
	}
	return c, nil
}

// ListBySession returns all contexts owned by a session, newest first.
func (s *Store) ListBySession(sessionID string) []*Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Context, 0, len(s.bySession[sessionID]))
	for id := range s.bySession[sessionID] {
		if c, ok := s.byID[id]; ok {
			out = append(out, c.clone())
		}
	}
	return out
}

// CloseSession removes every context owned by a session and returns the
// ids that were still active. Called when the session terminates so page
// teardown can cascade.
func (s *Store) CloseSession(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []string
	for id := range s.bySession[sessionID] {
		c, ok := s.byID[id]
		if !ok {
			continue
		}
		if c.Status == StatusActive {
			active = append(active, id)
		}
		delete(s.byID, id)
	}
	delete(s.bySession, sessionID)

	if len(active) > 0 {
		log.Debug().
			Str("session_id", sessionID).
			Int("contexts", len(active)).
			Msg("Contexts cascaded on session termination")
	}
	return active
}

// Count returns the number of tracked contexts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
