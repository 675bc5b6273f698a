package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/action"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/core"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/middleware"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// maxBodySize bounds request bodies. Actions carry scripts and cookie
// sets, never bulk payloads.
const maxBodySize = 1 << 20

// Handler is the REST frontend.
type Handler struct {
	api *core.API
	cfg *config.Config
}

// New creates the REST handler.
func New(api *core.API, cfg *config.Config) *Handler {
	return &Handler{api: api, cfg: cfg}
}

// writeJSON encodes a response through a pooled buffer so a failed encode
// never leaves a half-written body.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, `{"error":{"kind":"internal","code":"encode_failed"}}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// errorPayload is the error shape shared across the REST surface.
type errorPayload struct {
	Error struct {
		Kind    string `json:"kind"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeErr maps a service error onto its HTTP status and payload.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)

	var payload errorPayload
	payload.Error.Kind = string(kind)
	payload.Error.Code = types.CodeOf(err)
	payload.Error.Message = err.Error()
	h.writeJSON(w, types.HTTPStatus(kind), payload)
}

// decodeBody reads and decodes a JSON request body into dst. An empty
// body leaves dst at its zero value.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.NewError(types.KindInvalid, "body_too_large", "request body exceeds limit")
		}
		return types.NewError(types.KindInvalid, "body_read_failed", "failed to read request body")
	}
	if buf.Len() == 0 {
		return nil
	}
	if err := json.Unmarshal(buf.Bytes(), dst); err != nil {
		return types.NewError(types.KindInvalid, "body_decode_failed", "malformed JSON body")
	}
	return nil
}

// --- sessions ---

type createSessionBody struct {
	TTLSeconds int                    `json:"ttl,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if err := h.decodeBody(w, r, &body); err != nil {
		h.writeErr(w, err)
		return
	}

	view, err := h.api.CreateSession(r.Context(), middleware.AuthContext(r), core.CreateSessionRequest{
		TTL:      time.Duration(body.TTLSeconds) * time.Second,
		Metadata: body.Metadata,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.api.GetSession(r.Context(), middleware.AuthContext(r), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) touchSession(w http.ResponseWriter, r *http.Request) {
	if err := h.api.TouchSession(r.Context(), middleware.AuthContext(r), r.PathValue("id")); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"touched": true})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.api.DeleteSession(r.Context(), middleware.AuthContext(r), r.PathValue("id")); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	views, err := h.api.ListSessions(r.Context(), middleware.AuthContext(r), r.URL.Query().Get("user"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// --- contexts ---

type contextBody struct {
	Name   string                 `json:"name,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`
}

func (h *Handler) createContext(w http.ResponseWriter, r *http.Request) {
	var body contextBody
	if err := h.decodeBody(w, r, &body); err != nil {
		h.writeErr(w, err)
		return
	}
	cx, err := h.api.CreateContext(r.Context(), middleware.AuthContext(r), r.PathValue("id"), body.Name, body.Config)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, cx)
}

func (h *Handler) getContext(w http.ResponseWriter, r *http.Request) {
	cx, err := h.api.GetContext(r.Context(), middleware.AuthContext(r), r.PathValue("id"), r.PathValue("cid"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cx)
}

func (h *Handler) updateContext(w http.ResponseWriter, r *http.Request) {
	var body contextBody
	if err := h.decodeBody(w, r, &body); err != nil {
		h.writeErr(w, err)
		return
	}
	cx, err := h.api.UpdateContext(r.Context(), middleware.AuthContext(r), r.PathValue("id"), r.PathValue("cid"), body.Name, body.Config)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cx)
}

func (h *Handler) closeContext(w http.ResponseWriter, r *http.Request) {
	if err := h.api.CloseContext(r.Context(), middleware.AuthContext(r), r.PathValue("id"), r.PathValue("cid")); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

func (h *Handler) listContexts(w http.ResponseWriter, r *http.Request) {
	list, err := h.api.ListContexts(r.Context(), middleware.AuthContext(r), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"contexts": list})
}

// --- actions ---

func (h *Handler) executeAction(w http.ResponseWriter, r *http.Request) {
	var act action.Action
	if err := h.decodeBody(w, r, &act); err != nil {
		h.writeErr(w, err)
		return
	}
	// The path names the context; a mismatched body is rejected rather
	// than silently rerouted.
	cid := r.PathValue("cid")
	if act.ContextID == "" {
		act.ContextID = cid
	} else if act.ContextID != cid {
		h.writeErr(w, types.NewError(types.KindInvalid, "action_context_mismatch", "body contextId does not match path"))
		return
	}

	res, err := h.api.Execute(r.Context(), middleware.AuthContext(r), r.PathValue("id"), &act)
	if res == nil && err != nil {
		h.writeErr(w, err)
		return
	}
	status := http.StatusOK
	if res.Error != nil {
		status = types.HTTPStatus(res.Error.Kind)
	}
	h.writeJSON(w, status, res)
}

// --- events (SSE) ---

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeErr(w, types.NewError(types.KindInvalid, "streaming_unsupported", "response writer does not support streaming"))
		return
	}

	sub, err := h.api.StreamEvents(r.Context(), middleware.AuthContext(r), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	enc := json.NewEncoder(w)
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, "event: "+string(e.Type)+"\ndata: "); err != nil {
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			if _, err := io.WriteString(w, "\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// --- health and admin ---

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	report := h.api.HealthSummary()
	status := http.StatusOK
	if report["status"] == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, report)
}

func (h *Handler) poolMetrics(w http.ResponseWriter, r *http.Request) {
	pm, err := h.api.PoolMetrics(middleware.AuthContext(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pm)
}

func (h *Handler) storeHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.api.StoreHealth(middleware.AuthContext(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

type switchBody struct {
	Backend string `json:"backend"`
}

func (h *Handler) switchStore(w http.ResponseWriter, r *http.Request) {
	var body switchBody
	if err := h.decodeBody(w, r, &body); err != nil {
		h.writeErr(w, err)
		return
	}
	stats, err := h.api.SwitchStoreBackend(r.Context(), middleware.AuthContext(r), body.Backend)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) syncReplicas(w http.ResponseWriter, r *http.Request) {
	stats, err := h.api.SyncReplicas(r.Context(), middleware.AuthContext(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) replicaStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.api.ReplicaStatus(middleware.AuthContext(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"replicas": status})
}

type backupBody struct {
	Path string `json:"path"`
}

func (h *Handler) backupStore(w http.ResponseWriter, r *http.Request) {
	var body backupBody
	if err := h.decodeBody(w, r, &body); err != nil {
		h.writeErr(w, err)
		return
	}
	n, err := h.api.BackupSessions(r.Context(), middleware.AuthContext(r), body.Path)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"sessions": n})
}

func (h *Handler) restoreStore(w http.ResponseWriter, r *http.Request) {
	var body backupBody
	if err := h.decodeBody(w, r, &body); err != nil {
		h.writeErr(w, err)
		return
	}
	n, err := h.api.RestoreSessions(r.Context(), middleware.AuthContext(r), body.Path)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"sessions": n})
}
