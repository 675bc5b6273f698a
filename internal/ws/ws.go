// Package ws provides the WebSocket frontend. One socket carries both
// directions: clients send subscribe/execute requests and receive
// responses plus streamed events on the same connection.
package ws

import (
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/core"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/middleware"
)

// Handler upgrades HTTP requests into event/action sockets.
type Handler struct {
	api      *core.API
	cfg      *config.Config
	upgrader websocket.Upgrader
}

// New creates the WebSocket handler. Origin checks follow the CORS
// allowlist; an empty allowlist rejects cross-origin upgrades.
func New(api *core.API, cfg *config.Config) *Handler {
	h := &Handler{api: api, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	for _, allowed := range h.cfg.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the connection until either
// side closes. Authentication happens in the middleware chain before
// the upgrade; an anonymous principal still connects but every request
// on the socket fails with unauthenticated.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ac := middleware.AuthContext(r)

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := newConn(h.api, ac, sock)
	log.Info().Str("conn_id", c.id).Str("user_id", ac.UserID).Msg("WebSocket connected")
	c.run(r.Context())
	log.Info().Str("conn_id", c.id).Msg("WebSocket disconnected")
}
