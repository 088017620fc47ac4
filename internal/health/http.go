package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler exposes liveness and readiness over HTTP.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler creates the health endpoints handler.
func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, logger: logger}
}

// RegisterRoutes registers the probe routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleLiveness)
	mux.HandleFunc("GET /readyz", h.handleReadiness)
}

// handleLiveness answers 200 unconditionally: if this handler runs, the
// process is alive. Dependency state belongs to readiness.
func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeProbeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReadiness answers 200 once every critical dependency passes its
// check, 503 otherwise, with per-component results either way.
func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := h.manager.Ready()

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}

	writeProbeJSON(w, status, map[string]any{
		"status":     state,
		"components": h.manager.Results(),
	})
}

func writeProbeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
