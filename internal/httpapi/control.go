package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/control"
	"github.com/rebrowse/rebrowse-stream/internal/logstream"
	"github.com/rebrowse/rebrowse-stream/internal/metrics"
	"github.com/rebrowse/rebrowse-stream/internal/rrweb"
)

// ControlHandler forwards viewer input to the session's browser page. All
// control activity is logged under the session id as execution id, so it
// shows up on the session's /ws/logs stream.
type ControlHandler struct {
	logger    *zap.Logger
	debugKeys bool
}

// NewControlHandler creates the control-channel handler. debugKeys includes
// typed characters in logs; never enable it where logs leave the machine,
// keystrokes include passwords.
func NewControlHandler(debugKeys bool, logger *zap.Logger) *ControlHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debugKeys {
		logger.Warn("Control channel debug mode enabled, keyboard characters will be logged")
	}
	return &ControlHandler{logger: logger, debugKeys: debugKeys}
}

// RegisterRoutes registers the control channel on the provided mux.
func (h *ControlHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /workflows/visual/{session_id}/control", h.handleControl)
}

// controlFrame is the inbound wrapper; the inner message is decoded
// separately so a malformed message yields a per-frame error, not a
// disconnect.
type controlFrame struct {
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
}

func (h *ControlHandler) handleControl(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("session_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID, err := rrweb.NormalizeSessionID(raw)
	if err != nil {
		rejectWS(conn, newErrorFrame(control.ErrTypeInvalidMessage, "Invalid session ID format: "+raw),
			CloseInvalidSessionID, "Invalid session ID")
		return
	}

	// Tagging with the execution id routes these log lines onto the
	// session's log stream.
	logger := h.logger.With(zap.String(logstream.ExecutionIDField, sessionID))

	driver, ok := control.Get(sessionID)
	if !ok {
		logger.Warn("Control session not found")
		rejectWS(conn, newErrorFrame(control.ErrTypeSessionNotFound, "Session "+sessionID+" not found or expired"),
			CloseSessionNotFound, "Session not found")
		return
	}
	if err := driver.Probe(r.Context()); err != nil {
		logger.Warn("Control page not available", zap.Error(err))
		rejectWS(conn, newErrorFrame(control.ErrTypeBrowserNotReady, "Browser page not available"),
			CloseBrowserNotReady, "Browser not ready")
		return
	}

	client := newWSClient(conn, "control", logger)
	client.configureRead()
	go client.writePump()
	defer client.Close()

	metrics.ConnectedClients.WithLabelValues("control").Inc()
	defer metrics.ConnectedClients.WithLabelValues("control").Dec()

	client.sendJSON(map[string]any{
		"type":       "connection_established",
		"session_id": sessionID,
		"timestamp":  time.Now().UnixMilli(),
	})
	logger.Info("Connected to control channel, waiting for input")

	dispatcher := control.NewDispatcher(driver, h.debugKeys, logger)
	connected := time.Now()
	received := 0

	defer func() {
		logger.Info("Control session ended",
			zap.Int("messages", received),
			zap.Duration("duration", time.Since(connected)))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received++

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			client.sendJSON(newErrorFrame(control.ErrTypeInvalidMessage, "Malformed control frame"))
			continue
		}
		var msg control.Message
		if len(frame.Message) == 0 || string(frame.Message) == "null" ||
			json.Unmarshal(frame.Message, &msg) != nil {
			client.sendJSON(newErrorFrame(control.ErrTypeInvalidMessage, "Missing or invalid 'message' field"))
			continue
		}

		if err := dispatcher.Execute(r.Context(), msg); err != nil {
			var ce *control.Error
			errorType := control.ErrTypeExecutionFailed
			if errors.As(err, &ce) {
				errorType = ce.Type
			}
			client.sendJSON(newErrorFrame(errorType, err.Error()))
			continue
		}

		client.sendJSON(map[string]any{
			"type":      "ack",
			"timestamp": time.Now().UnixMilli(),
			"message":   "Command executed successfully",
		})
	}
}
