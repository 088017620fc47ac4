package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/metrics"
	"github.com/rebrowse/rebrowse-stream/internal/rrweb"
)

// WebSocket close codes for session validation failures, mirrored by the
// viewer's reconnect logic.
const (
	CloseInvalidSessionID = 4400
	CloseSessionNotFound  = 4404
	CloseBrowserNotReady  = 4503
)

// errorFrame is the generic error payload sent before an error close.
type errorFrame struct {
	Type      string `json:"type"`
	ErrorType string `json:"error_type,omitempty"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

func newErrorFrame(errorType, msg string) errorFrame {
	return errorFrame{Type: "error", ErrorType: errorType, Error: msg, Timestamp: time.Now().UnixMilli()}
}

// rejectWS sends an error frame on a freshly upgraded connection, then closes
// it with the given close code. Used before a client is registered anywhere.
func rejectWS(conn *websocket.Conn, frame errorFrame, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(frame)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// handleStream is the rrweb event stream: one WebSocket per viewer. The
// client receives the buffered backlog on join and every subsequent event in
// sequence order.
func (h *VisualHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("session_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID, err := rrweb.NormalizeSessionID(raw)
	if err != nil {
		rejectWS(conn, newErrorFrame("invalid_session_id", "Invalid session ID format: "+raw),
			CloseInvalidSessionID, "Invalid session ID")
		return
	}

	logger := h.logger.With(zap.String("session_id", sessionID))
	streamer := h.streamers.GetOrCreateStreamer(sessionID)

	client := newWSClient(conn, "stream", logger)
	client.configureRead()
	go client.writePump()

	metrics.ConnectedClients.WithLabelValues("stream").Inc()
	defer metrics.ConnectedClients.WithLabelValues("stream").Dec()

	client.sendJSON(map[string]any{
		"type":       "connection_established",
		"client_id":  client.ID(),
		"session_id": sessionID,
		"timestamp":  time.Now().UnixMilli(),
	})

	// Joining replays the buffer through the broadcast goroutine, so the
	// backlog lands after connection_established and before any live event.
	if !streamer.AddClient(client) {
		client.sendJSON(newErrorFrame("execution_failed", "Stream is overloaded, please reconnect"))
		client.Close()
		return
	}
	logger.Info("Viewer connected", zap.String("client_id", client.ID()))

	defer func() {
		streamer.RemoveClient(client)
		client.Close()
		logger.Info("Viewer disconnected", zap.String("client_id", client.ID()))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type                 string   `json:"type"`
			HistoryWindowSeconds *float64 `json:"history_window_seconds"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Malformed client frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "ping":
			client.sendJSON(map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli()})
		case "client_ready":
			client.sendJSON(map[string]any{
				"type":       "status",
				"message":    "Client connected to visual stream",
				"session_id": sessionID,
			})
		case "sequence_reset_request":
			window := rrweb.DefaultResetWindow
			if msg.HistoryWindowSeconds != nil && *msg.HistoryWindowSeconds > 0 {
				window = time.Duration(*msg.HistoryWindowSeconds * float64(time.Second))
			}
			// Ack first: the viewer resets its replayer on the ack, then
			// rebuilds from the FullSnapshot that follows.
			streamer.MarkSequenceResetForClient(client, window)
			client.sendJSON(map[string]any{
				"type":                   "sequence_reset_ack",
				"session_id":             sessionID,
				"history_window_seconds": window.Seconds(),
			})
			if !streamer.SendLastFullSnapshotToClient(client, window) {
				logger.Warn("Reset replay not scheduled, stream busy",
					zap.String("client_id", client.ID()))
			}
		default:
			logger.Warn("Unknown message type from client",
				zap.String("client_id", client.ID()),
				zap.String("message_type", msg.Type))
		}
	}
}
