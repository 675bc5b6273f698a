// Package pages tracks browser pages owned by automation contexts.
// Each context owns at most one page; the manager enforces the per-browser
// page cap, session isolation, and one action in flight per page.
package pages

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/browser"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// PageRef is one tracked page and its ownership metadata.
type PageRef struct {
	ID        string
	ContextID string
	SessionID string
	Page      *rod.Page

	instance *browser.Instance

	// mu serializes actions; metaMu guards the snapshot fields so status
	// reads never block behind a long-running action.
	mu        sync.Mutex
	metaMu    sync.Mutex
	createdAt time.Time
	lastUsed  time.Time
	url       string
}

// Touch records usage and the current URL.
func (r *PageRef) Touch(url string) {
	r.metaMu.Lock()
	r.lastUsed = time.Now()
	if url != "" {
		r.url = url
	}
	r.metaMu.Unlock()
}

// Instance returns the browser instance hosting this page.
func (r *PageRef) Instance() *browser.Instance {
	return r.instance
}

// lock takes the page action lock, waiting behind any action in flight.
// Returns a timeout error when ctx expires first.
func (r *PageRef) lock(ctx context.Context) error {
	locked := make(chan struct{})
	go func() {
		r.mu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
		return nil
	case <-ctx.Done():
		// The lock goroutine may still win after we give up; hand the
		// lock straight back so the next waiter is not blocked.
		go func() {
			<-locked
			r.mu.Unlock()
		}()
		return types.WrapError(types.KindTimeout, "page_wait_canceled", ctx.Err())
	}
}

// PageInfo is a snapshot for status surfaces.
type PageInfo struct {
	ID        string    `json:"id"`
	ContextID string    `json:"contextId"`
	SessionID string    `json:"sessionId"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

// Manager owns the context-to-page mapping.
type Manager struct {
	mu    sync.Mutex
	pages map[string]*PageRef // contextID -> page

	pool *browser.Pool
	cfg  *config.Config
}

// NewManager creates a page manager over the pool.
func NewManager(pool *browser.Pool, cfg *config.Config) *Manager {
	return &Manager{
		pages: make(map[string]*PageRef),
		pool:  pool,
		cfg:   cfg,
	}
}

// Acquire returns the context's page with its action lock held, creating
// the page on first use. Actions on a busy page queue up behind the lock
// until ctx expires. The returned release function must be called when
// the action finishes.
//
// Errors: ErrCrossSession when the context's page belongs to another
// session, ErrPageLimit when the browser is at its page cap.
func (m *Manager) Acquire(ctx context.Context, contextID, sessionID string) (*PageRef, func(), error) {
	m.mu.Lock()
	ref, ok := m.pages[contextID]
	m.mu.Unlock()

	if ok {
		if ref.SessionID != sessionID {
			return nil, nil, types.WrapError(types.KindPermissionDenied, "page_cross_session", types.ErrCrossSession)
		}
		if err := ref.lock(ctx); err != nil {
			return nil, nil, err
		}
		ref.Touch("")
		return ref, func() { ref.mu.Unlock() }, nil
	}

	ref, err := m.create(ctx, contextID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	ref.mu.Lock()
	return ref, func() { ref.mu.Unlock() }, nil
}

// create opens a new page in the session's leased browser.
func (m *Manager) create(ctx context.Context, contextID, sessionID string) (*PageRef, error) {
	inst, err := m.pool.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	count := 0
	for _, r := range m.pages {
		if r.instance == inst {
			count++
		}
	}
	m.mu.Unlock()
	if count >= m.cfg.MaxPagesPerBrowser {
		return nil, types.WrapError(types.KindConflict, "page_limit", types.ErrPageLimit)
	}

	b := inst.Browser()
	if b == nil {
		return nil, types.WrapError(types.KindUnavailable, "browser_unhealthy", types.ErrBrowserUnhealthy)
	}
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		inst.RecordError()
		return nil, types.WrapError(types.KindInternal, "page_create_failed", err)
	}

	now := time.Now()
	ref := &PageRef{
		ID:        uuid.NewString(),
		ContextID: contextID,
		SessionID: sessionID,
		Page:      page,
		instance:  inst,
		createdAt: now,
		lastUsed:  now,
	}

	m.mu.Lock()
	// Lost a create race: keep the winner, drop ours.
	if existing, ok := m.pages[contextID]; ok {
		m.mu.Unlock()
		_ = page.Close()
		if existing.SessionID != sessionID {
			return nil, types.WrapError(types.KindPermissionDenied, "page_cross_session", types.ErrCrossSession)
		}
		return existing, nil
	}
	m.pages[contextID] = ref
	m.mu.Unlock()

	inst.SetPageCount(count + 1)
	log.Debug().
		Str("page_id", ref.ID).
		Str("context_id", contextID).
		Str("session_id", sessionID).
		Msg("Page created")
	return ref, nil
}

// Get returns the context's page without locking it. Ownership is still
// enforced.
func (m *Manager) Get(contextID, sessionID string) (*PageRef, error) {
	m.mu.Lock()
	ref, ok := m.pages[contextID]
	m.mu.Unlock()
	if !ok {
		return nil, types.WrapError(types.KindNotFound, "page_not_found", types.ErrPageNotFound)
	}
	if ref.SessionID != sessionID {
		return nil, types.WrapError(types.KindPermissionDenied, "page_cross_session", types.ErrCrossSession)
	}
	return ref, nil
}

// CloseContext closes and forgets the context's page. Waits for any action
// in flight to finish first.
func (m *Manager) CloseContext(contextID string) {
	m.mu.Lock()
	ref, ok := m.pages[contextID]
	if ok {
		delete(m.pages, contextID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	ref.mu.Lock()
	defer ref.mu.Unlock()
	if err := ref.Page.Close(); err != nil {
		log.Warn().Err(err).Str("context_id", contextID).Msg("Error closing page")
	}
	m.recount(ref.instance)
	log.Debug().Str("context_id", contextID).Str("page_id", ref.ID).Msg("Page closed")
}

// CloseSession closes every page owned by a session. Called on session
// termination before the browser lease is released.
func (m *Manager) CloseSession(sessionID string) int {
	m.mu.Lock()
	var victims []string
	for ctxID, ref := range m.pages {
		if ref.SessionID == sessionID {
			victims = append(victims, ctxID)
		}
	}
	m.mu.Unlock()

	for _, ctxID := range victims {
		m.CloseContext(ctxID)
	}
	return len(victims)
}

// List snapshots pages, optionally filtered by session.
func (m *Manager) List(sessionID string) []PageInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PageInfo, 0, len(m.pages))
	for _, ref := range m.pages {
		if sessionID != "" && ref.SessionID != sessionID {
			continue
		}
		ref.metaMu.Lock()
		info := PageInfo{
			ID:        ref.ID,
			ContextID: ref.ContextID,
			SessionID: ref.SessionID,
			URL:       ref.url,
			CreatedAt: ref.createdAt,
			LastUsed:  ref.lastUsed,
		}
		ref.metaMu.Unlock()
		out = append(out, info)
	}
	return out
}

// recount refreshes an instance's page count after a close.
func (m *Manager) recount(inst *browser.Instance) {
	m.mu.Lock()
	count := 0
	for _, r := range m.pages {
		if r.instance == inst {
			count++
		}
	}
	m.mu.Unlock()
	inst.SetPageCount(count)
}
