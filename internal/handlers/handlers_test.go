package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/action"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/audit"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/browser"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/contexts"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/core"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/events"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/middleware"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/store"
)

// newTestServer builds the REST surface over a memory store and an empty
// pool, with header-based identity (API key auth off).
func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		StoreType:           "memory",
		SessionTTL:          time.Hour,
		MonitorInterval:     time.Hour,
		MinBrowsers:         0,
		MaxBrowsers:         1,
		MaxPagesPerBrowser:  5,
		AcquisitionTimeout:  time.Second,
		MaintenanceInterval: time.Hour,
		HealthCheckInterval: time.Hour,
		IdleTimeout:         time.Hour,
		MaxLifetime:         time.Hour,
		MaxResultBytes:      100 * 1024,
	}

	factory := store.NewFactory(cfg)
	_, err := factory.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = factory.Close() })

	pool, err := browser.NewPool(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	rules, err := action.NewRuleManager("", false)
	require.NoError(t, err)
	t.Cleanup(rules.Close)

	cs := contexts.NewStore()
	pm := pages.NewManager(pool, cfg)
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	al := audit.NewLogger(false)

	validator := action.NewValidator(action.DefaultSecurityConfig(), rules)
	ex := action.NewExecutor(cfg, validator, cs, pm, bus, al)
	api := core.New(cfg, factory, pool, cs, pm, ex, bus, al)

	h := New(api, cfg)
	return middleware.Chain(middleware.Authenticate(cfg))(h.Router())
}

func doJSON(t *testing.T, h http.Handler, method, path, user string, body interface{}, roles string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if roles != "" {
		req.Header.Set("X-User-Roles", roles)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/health", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestSessionEndpoints(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/sessions", "u1", map[string]interface{}{"ttl": 600}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeMap(t, rec)
	id := created["id"].(string)
	require.NotEmpty(t, id)

	rec = doJSON(t, h, http.MethodGet, "/sessions/"+id, "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/sessions/"+id+"/touch", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/sessions", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeMap(t, rec)
	assert.Len(t, list["sessions"], 1)

	rec = doJSON(t, h, http.MethodDelete, "/sessions/"+id, "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/sessions/"+id, "u1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionErrorMapping(t *testing.T) {
	h := newTestServer(t)

	// Anonymous create is 401.
	rec := doJSON(t, h, http.MethodPost, "/sessions", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Foreign session read is 403.
	rec = doJSON(t, h, http.MethodPost, "/sessions", "u1", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeMap(t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodGet, "/sessions/"+id, "u2", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	body := decodeMap(t, rec)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "permission_denied", errObj["kind"])
}

func TestContextEndpoints(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/sessions", "u1", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	sid := decodeMap(t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodPost, "/sessions/"+sid+"/contexts", "u1", map[string]interface{}{"name": "scrape"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	cid := decodeMap(t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodGet, "/sessions/"+sid+"/contexts/"+cid, "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scrape", decodeMap(t, rec)["name"])

	rec = doJSON(t, h, http.MethodPatch, "/sessions/"+sid+"/contexts/"+cid, "u1", map[string]interface{}{"name": "renamed"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/sessions/"+sid+"/contexts/"+cid, "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Closed contexts refuse actions with 409.
	rec = doJSON(t, h, http.MethodPost, "/sessions/"+sid+"/contexts/"+cid+"/actions", "u1",
		map[string]interface{}{"type": "content"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestActionValidationMapped(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/sessions", "u1", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	sid := decodeMap(t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodPost, "/sessions/"+sid+"/contexts", "u1", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	cid := decodeMap(t, rec)["id"].(string)

	// Unknown type is 400 with a result envelope.
	rec = doJSON(t, h, http.MethodPost, "/sessions/"+sid+"/contexts/"+cid+"/actions", "u1",
		map[string]interface{}{"type": "teleport"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, false, body["success"])

	// Mismatched body contextId is rejected.
	rec = doJSON(t, h, http.MethodPost, "/sessions/"+sid+"/contexts/"+cid+"/actions", "u1",
		map[string]interface{}{"type": "content", "contextId": "other"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Denied script maps to 400 security.
	rec = doJSON(t, h, http.MethodPost, "/sessions/"+sid+"/contexts/"+cid+"/actions", "u1",
		map[string]interface{}{"type": "evaluate", "function": `() => fetch("x")`}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEndpointsGated(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/admin/pool", "u1", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/admin/pool", "root", nil, "admin")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeMap(t, rec)["max"])

	rec = doJSON(t, h, http.MethodGet, "/admin/store/health", "root", nil, "admin")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "memory", decodeMap(t, rec)["backend"])
}

func TestBodyLimits(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/sessions", "u1", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader([]byte("{not json")))
	req.Header.Set("X-User-ID", "u1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
