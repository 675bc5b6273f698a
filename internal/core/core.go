// Package core is the protocol-independent API surface. Frontends call
// it with an authenticated context; it enforces permissions and ownership,
// then drives the store, pool, contexts, pages, and executor.
package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/action"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/audit"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/browser"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/contexts"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/events"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/metrics"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/store"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// API is the core service facade.
type API struct {
	cfg      *config.Config
	store    *store.Factory
	pool     *browser.Pool
	contexts *contexts.Store
	pages    *pages.Manager
	executor *action.Executor
	bus      *events.Bus
	audit    *audit.Logger
}

// New wires the core API over its subsystems.
func New(cfg *config.Config, sf *store.Factory, pool *browser.Pool, cs *contexts.Store, pm *pages.Manager, ex *action.Executor, bus *events.Bus, al *audit.Logger) *API {
	return &API{
		cfg:      cfg,
		store:    sf,
		pool:     pool,
		contexts: cs,
		pages:    pm,
		executor: ex,
		bus:      bus,
		audit:    al,
	}
}

// SessionView is the client-facing session representation.
type SessionView struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"userId"`
	Username       string                 `json:"username"`
	Roles          []string               `json:"roles"`
	CreatedAt      time.Time              `json:"createdAt"`
	ExpiresAt      time.Time              `json:"expiresAt"`
	LastAccessedAt time.Time              `json:"lastAccessedAt"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

func viewOf(s *store.Session) *SessionView {
	return &SessionView{
		ID:             s.ID,
		UserID:         s.UserID,
		Username:       s.Username,
		Roles:          s.Roles,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		LastAccessedAt: s.LastAccessedAt,
		Metadata:       s.Metadata,
	}
}

// CreateSessionRequest carries the optional create parameters. TTL falls
// back to the configured default and is capped by it.
type CreateSessionRequest struct {
	TTL      time.Duration
	Metadata map[string]interface{}
}

// CreateSession creates a session for the authenticated principal.
func (a *API) CreateSession(ctx context.Context, ac *auth.Context, req CreateSessionRequest) (*SessionView, error) {
	started := time.Now()
	view, err := a.createSession(ctx, ac, req)
	sid := ""
	if view != nil {
		sid = view.ID
	}
	a.audit.Op("session.create", userOf(ac), sid, "", started, err)
	return view, err
}

func (a *API) createSession(ctx context.Context, ac *auth.Context, req CreateSessionRequest) (*SessionView, error) {
	if err := ac.Require(auth.PermSessionCreate); err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 || ttl > a.cfg.SessionTTL {
		ttl = a.cfg.SessionTTL
	}
	id, err := a.store.Active().Create(ctx, store.CreateData{
		UserID:    ac.UserID,
		Username:  ac.Username,
		Roles:     ac.Roles,
		ExpiresAt: time.Now().Add(ttl),
		Metadata:  req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	sess, err := a.store.Active().Get(ctx, id)
	if err != nil || sess == nil {
		return nil, types.WrapError(types.KindBackend, "session_readback_failed", err)
	}

	a.bus.Publish(events.Event{Type: events.SessionCreated, SessionID: id})
	log.Info().Str("session_id", id).Str("user_id", ac.UserID).Msg("Session created")
	return viewOf(sess), nil
}

// requireSession loads a session and enforces ownership.
func (a *API) requireSession(ctx context.Context, ac *auth.Context, id string) (*store.Session, error) {
	sess, err := a.store.Active().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, types.WrapError(types.KindNotFound, "session_not_found", types.ErrSessionNotFound)
	}
	if !ac.OwnsSession(sess.UserID) {
		return nil, types.WrapError(types.KindPermissionDenied, "session_not_owned", types.ErrNotOwner)
	}
	return sess, nil
}

// GetSession returns a session the caller owns.
func (a *API) GetSession(ctx context.Context, ac *auth.Context, id string) (*SessionView, error) {
	if err := ac.Require(auth.PermSessionRead); err != nil {
		return nil, err
	}
	sess, err := a.requireSession(ctx, ac, id)
	if err != nil {
		return nil, err
	}
	return viewOf(sess), nil
}

// TouchSession refreshes last access without extending expiry.
func (a *API) TouchSession(ctx context.Context, ac *auth.Context, id string) error {
	if err := ac.Require(auth.PermSessionUpdate); err != nil {
		return err
	}
	if _, err := a.requireSession(ctx, ac, id); err != nil {
		return err
	}
	ok, err := a.store.Active().Touch(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return types.WrapError(types.KindNotFound, "session_not_found", types.ErrSessionNotFound)
	}
	return nil
}

// DeleteSession tears a session down: pages close, contexts close, the
// browser lease releases, then the record is removed.
func (a *API) DeleteSession(ctx context.Context, ac *auth.Context, id string) error {
	started := time.Now()
	err := a.deleteSession(ctx, ac, id)
	a.audit.Op("session.delete", userOf(ac), id, "", started, err)
	return err
}

func (a *API) deleteSession(ctx context.Context, ac *auth.Context, id string) error {
	if err := ac.Require(auth.PermSessionDelete); err != nil {
		return err
	}
	if _, err := a.requireSession(ctx, ac, id); err != nil {
		return err
	}

	closedPages := a.pages.CloseSession(id)
	closedContexts := a.contexts.CloseSession(id)
	a.pool.ReleaseIfHeld(id)

	ok, err := a.store.Active().Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return types.WrapError(types.KindNotFound, "session_not_found", types.ErrSessionNotFound)
	}

	a.bus.Publish(events.Event{
		Type:      events.SessionDeleted,
		SessionID: id,
		Data: map[string]interface{}{
			"pagesClosed":    closedPages,
			"contextsClosed": len(closedContexts),
		},
	})
	log.Info().
		Str("session_id", id).
		Int("pages_closed", closedPages).
		Int("contexts_closed", len(closedContexts)).
		Msg("Session deleted")
	return nil
}

// ListSessions lists the caller's sessions. Admins may list any user.
func (a *API) ListSessions(ctx context.Context, ac *auth.Context, userID string) ([]*SessionView, error) {
	if err := ac.Require(auth.PermSessionRead); err != nil {
		return nil, err
	}
	if userID == "" {
		userID = ac.UserID
	}
	if userID != ac.UserID && !ac.HasRole(auth.RoleAdmin) {
		return nil, types.WrapError(types.KindPermissionDenied, "session_not_owned", types.ErrNotOwner)
	}

	sessions, err := a.store.Active().ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]*SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	return views, nil
}

// CreateContext opens an automation context inside a session.
func (a *API) CreateContext(ctx context.Context, ac *auth.Context, sessionID, name string, cfg map[string]interface{}) (*contexts.Context, error) {
	started := time.Now()
	cx, err := a.createContext(ctx, ac, sessionID, name, cfg)
	cid := ""
	if cx != nil {
		cid = cx.ID
	}
	a.audit.Op("context.create", userOf(ac), sessionID, cid, started, err)
	return cx, err
}

func (a *API) createContext(ctx context.Context, ac *auth.Context, sessionID, name string, cfg map[string]interface{}) (*contexts.Context, error) {
	if err := ac.Require(auth.PermContextCreate); err != nil {
		return nil, err
	}
	if _, err := a.requireSession(ctx, ac, sessionID); err != nil {
		return nil, err
	}

	cx, err := a.contexts.Create(sessionID, name, cfg)
	if err != nil {
		return nil, err
	}
	a.bus.Publish(events.Event{Type: events.ContextCreated, SessionID: sessionID, ContextID: cx.ID})
	return cx, nil
}

// GetContext returns one context the session owns.
func (a *API) GetContext(ctx context.Context, ac *auth.Context, sessionID, contextID string) (*contexts.Context, error) {
	if err := ac.Require(auth.PermContextRead); err != nil {
		return nil, err
	}
	if _, err := a.requireSession(ctx, ac, sessionID); err != nil {
		return nil, err
	}
	return a.contexts.Get(contextID, sessionID)
}

// UpdateContext renames or reconfigures an active context.
func (a *API) UpdateContext(ctx context.Context, ac *auth.Context, sessionID, contextID, name string, cfg map[string]interface{}) (*contexts.Context, error) {
	if err := ac.Require(auth.PermContextUpdate); err != nil {
		return nil, err
	}
	if _, err := a.requireSession(ctx, ac, sessionID); err != nil {
		return nil, err
	}
	cx, err := a.contexts.Update(contextID, sessionID, name, cfg)
	if err != nil {
		return nil, err
	}
	a.bus.Publish(events.Event{Type: events.ContextUpdated, SessionID: sessionID, ContextID: contextID})
	return cx, nil
}

// CloseContext closes a context and its page.
func (a *API) CloseContext(ctx context.Context, ac *auth.Context, sessionID, contextID string) error {
	started := time.Now()
	err := a.closeContext(ctx, ac, sessionID, contextID)
	a.audit.Op("context.close", userOf(ac), sessionID, contextID, started, err)
	return err
}

func (a *API) closeContext(ctx context.Context, ac *auth.Context, sessionID, contextID string) error {
	if err := ac.Require(auth.PermContextDelete); err != nil {
		return err
	}
	if _, err := a.requireSession(ctx, ac, sessionID); err != nil {
		return err
	}
	if _, err := a.contexts.Close(contextID, sessionID); err != nil {
		return err
	}
	a.pages.CloseContext(contextID)
	a.bus.Publish(events.Event{Type: events.ContextClosed, SessionID: sessionID, ContextID: contextID})
	return nil
}

// ListContexts lists a session's contexts.
func (a *API) ListContexts(ctx context.Context, ac *auth.Context, sessionID string) ([]*contexts.Context, error) {
	if err := ac.Require(auth.PermContextRead); err != nil {
		return nil, err
	}
	if _, err := a.requireSession(ctx, ac, sessionID); err != nil {
		return nil, err
	}
	return a.contexts.ListBySession(sessionID), nil
}

// Execute runs one action in a context. The session must be live; its
// last access refreshes as a side effect.
func (a *API) Execute(ctx context.Context, ac *auth.Context, sessionID string, act *action.Action) (*action.Result, error) {
	if err := ac.Require(auth.PermExecute); err != nil {
		return nil, err
	}
	if _, err := a.requireSession(ctx, ac, sessionID); err != nil {
		return nil, err
	}
	if _, err := a.store.Active().Touch(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Session touch failed during action")
	}
	return a.executor.Execute(ctx, sessionID, ac.UserID, act)
}

// StreamEvents subscribes the caller to the event bus. Non-admins only
// see their own sessions; an empty sessionID stream needs admin.
func (a *API) StreamEvents(ctx context.Context, ac *auth.Context, sessionID string, eventTypes ...events.Type) (*events.Subscription, error) {
	if err := ac.Require(auth.PermSessionRead); err != nil {
		return nil, err
	}
	if sessionID == "" {
		if !ac.HasRole(auth.RoleAdmin) {
			return nil, types.WrapError(types.KindPermissionDenied, "events_scope_denied", types.ErrNotOwner)
		}
	} else if _, err := a.requireSession(ctx, ac, sessionID); err != nil {
		return nil, err
	}
	return a.bus.Subscribe(sessionID, eventTypes...), nil
}

// PoolMetrics returns pool state for operators.
func (a *API) PoolMetrics(ac *auth.Context) (browser.PoolMetrics, error) {
	if err := ac.Require(auth.PermAdmin); err != nil {
		return browser.PoolMetrics{}, err
	}
	return a.pool.Metrics(), nil
}

// StoreHealth returns the session store health report.
func (a *API) StoreHealth(ac *auth.Context) (store.HealthReport, error) {
	if err := ac.Require(auth.PermAdmin); err != nil {
		return store.HealthReport{}, err
	}
	return a.store.HealthStatus(), nil
}

// SwitchStoreBackend migrates live sessions to another backend.
func (a *API) SwitchStoreBackend(ctx context.Context, ac *auth.Context, storeType string) (*store.MigrationStats, error) {
	started := time.Now()
	if err := ac.Require(auth.PermAdmin); err != nil {
		a.audit.Op("store.switch", userOf(ac), "", "", started, err)
		return nil, err
	}
	stats, err := a.store.SwitchBackend(ctx, storeType)
	a.audit.Op("store.switch", userOf(ac), "", "", started, err)
	return stats, err
}

// SyncReplicas reconciles replicas against the primary store.
func (a *API) SyncReplicas(ctx context.Context, ac *auth.Context) (*store.SyncStats, error) {
	if err := ac.Require(auth.PermAdmin); err != nil {
		return nil, err
	}
	rs, ok := store.AsReplicated(a.store.Active())
	if !ok {
		return nil, types.NewError(types.KindConflict, "store_not_replicated", "replication is not enabled")
	}
	return rs.Sync(ctx)
}

// ReplicaStatus reports per-replica health, or nil when replication is off.
func (a *API) ReplicaStatus(ac *auth.Context) ([]store.ReplicaStatus, error) {
	if err := ac.Require(auth.PermAdmin); err != nil {
		return nil, err
	}
	rs, ok := store.AsReplicated(a.store.Active())
	if !ok {
		return nil, nil
	}
	return rs.Status(), nil
}

// BackupSessions writes all live sessions to a file.
func (a *API) BackupSessions(ctx context.Context, ac *auth.Context, path string) (int, error) {
	started := time.Now()
	if err := ac.Require(auth.PermAdmin); err != nil {
		a.audit.Op("store.backup", userOf(ac), "", "", started, err)
		return 0, err
	}
	n, err := a.store.CreateBackup(ctx, path)
	a.audit.Op("store.backup", userOf(ac), "", "", started, err)
	return n, err
}

// RestoreSessions loads sessions from a backup file.
func (a *API) RestoreSessions(ctx context.Context, ac *auth.Context, path string) (int, error) {
	started := time.Now()
	if err := ac.Require(auth.PermAdmin); err != nil {
		a.audit.Op("store.restore", userOf(ac), "", "", started, err)
		return 0, err
	}
	n, err := a.store.RestoreBackup(ctx, path)
	a.audit.Op("store.restore", userOf(ac), "", "", started, err)
	return n, err
}

// HealthSummary is the unauthenticated liveness view: enough for load
// balancers, no operator detail.
func (a *API) HealthSummary() map[string]interface{} {
	pm := a.pool.Metrics()
	report := a.store.HealthStatus()

	status := "healthy"
	switch {
	case report.State == store.HealthUnhealthy:
		status = "unhealthy"
	case report.State == store.HealthDegraded, report.Fallback:
		status = "degraded"
	}
	return map[string]interface{}{
		"status": status,
		"store": map[string]interface{}{
			"state":    string(report.State),
			"backend":  report.Backend,
			"fallback": report.Fallback,
		},
		"pool": map[string]interface{}{
			"total":  pm.Total,
			"idle":   pm.Idle,
			"active": pm.Active,
			"max":    pm.Max,
		},
	}
}

// RunMetricsLoop keeps the service gauges fresh until stopCh closes.
func (a *API) RunMetricsLoop(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pm := a.pool.Metrics()
			idle, active := 0, 0
			for _, inst := range pm.Instances {
				switch inst.State {
				case browser.StateIdle:
					idle++
				case browser.StateActive:
					active++
				}
			}
			metrics.UpdatePoolMetrics(idle, active, pm.Queue.Depth)
			metrics.ActiveContexts.Set(float64(a.contexts.Count()))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n, err := a.store.Active().Count(ctx); err == nil {
				metrics.ActiveSessions.Set(float64(n))
			}
			cancel()
		case <-stopCh:
			return
		}
	}
}

func userOf(ac *auth.Context) string {
	if ac == nil {
		return ""
	}
	return ac.UserID
}
