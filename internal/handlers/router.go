package handlers

import "net/http"

// Router builds the REST route table. Authentication, logging, and the
// rest of the middleware chain wrap the returned mux in the server setup.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("POST /sessions", h.createSession)
	mux.HandleFunc("GET /sessions", h.listSessions)
	mux.HandleFunc("GET /sessions/{id}", h.getSession)
	mux.HandleFunc("POST /sessions/{id}/touch", h.touchSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.deleteSession)
	mux.HandleFunc("GET /sessions/{id}/events", h.streamEvents)

	mux.HandleFunc("POST /sessions/{id}/contexts", h.createContext)
	mux.HandleFunc("GET /sessions/{id}/contexts", h.listContexts)
	mux.HandleFunc("GET /sessions/{id}/contexts/{cid}", h.getContext)
	mux.HandleFunc("PATCH /sessions/{id}/contexts/{cid}", h.updateContext)
	mux.HandleFunc("DELETE /sessions/{id}/contexts/{cid}", h.closeContext)

	mux.HandleFunc("POST /sessions/{id}/contexts/{cid}/actions", h.executeAction)

	mux.HandleFunc("GET /admin/pool", h.poolMetrics)
	mux.HandleFunc("GET /admin/store/health", h.storeHealth)
	mux.HandleFunc("POST /admin/store/switch", h.switchStore)
	mux.HandleFunc("POST /admin/store/sync", h.syncReplicas)
	mux.HandleFunc("GET /admin/store/replicas", h.replicaStatus)
	mux.HandleFunc("POST /admin/store/backup", h.backupStore)
	mux.HandleFunc("POST /admin/store/restore", h.restoreStore)

	return mux
}
