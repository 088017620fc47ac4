package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/execution"
)

// ExecutionsHandler drives execution termination.
type ExecutionsHandler struct {
	terminator *execution.Terminator
	logger     *zap.Logger
}

func NewExecutionsHandler(terminator *execution.Terminator, logger *zap.Logger) *ExecutionsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionsHandler{terminator: terminator, logger: logger}
}

// RegisterRoutes registers the termination route on the provided mux.
func (h *ExecutionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows/executions/{execution_id}/terminate", h.handleTerminate)
}

// handleTerminate stops an execution. stop_then_kill cancels and waits up to
// timeout_ms before force-closing the browser; kill force-closes immediately.
func (h *ExecutionsHandler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("execution_id")

	var req execution.TerminateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
	}

	res, err := h.terminator.Terminate(r.Context(), executionID, req)
	switch {
	case errors.Is(err, execution.ErrNotFound):
		http.Error(w, `{"error":"execution not found"}`, http.StatusNotFound)
		return
	case err != nil:
		h.logger.Warn("Termination rejected",
			zap.String("execution_id", executionID), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"execution_id": res.ExecutionID,
		"mode":         res.Mode,
		"forced":       res.Forced,
		"status":       res.Status,
	})
}
