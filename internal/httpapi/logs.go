package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/logstream"
	"github.com/rebrowse/rebrowse-stream/internal/metrics"
)

// LogsHandler streams an execution's structured log records.
type LogsHandler struct {
	hub    *logstream.Hub
	logger *zap.Logger
}

func NewLogsHandler(hub *logstream.Hub, logger *zap.Logger) *LogsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogsHandler{hub: hub, logger: logger}
}

// RegisterRoutes registers the log stream route on the provided mux.
func (h *LogsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/logs/{execution_id}", h.handleLogs)
}

// handleLogs replays buffered history flagged replay:true, then follows with
// live records in publish order.
func (h *LogsHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("execution_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	logger := h.logger.With(zap.String("execution_id", executionID))
	client := newWSClient(conn, "logs", logger)
	client.configureRead()
	defer client.Close()

	metrics.ConnectedClients.WithLabelValues("logs").Inc()
	defer metrics.ConnectedClients.WithLabelValues("logs").Dec()

	// Subscribe before reading history so records published in between are
	// not lost; they park in the live channel until the replay is queued.
	live := make(chan logstream.Frame, outboundQueueCap)
	sub := h.hub.Subscribe(executionID, func(f logstream.Frame) {
		select {
		case live <- f:
		default:
			// Drop oldest; the single delivery goroutine is the only writer.
			select {
			case <-live:
			default:
			}
			select {
			case live <- f:
			default:
			}
		}
	})
	defer h.hub.Unsubscribe(sub)

	for _, f := range h.hub.History(executionID) {
		f.Replay = true
		client.sendJSON(f)
	}

	go client.writePump()
	go client.discardReads()

	logger.Info("Log stream connected")
	for {
		select {
		case <-client.closed():
			return
		case f := <-live:
			client.sendJSON(f)
		}
	}
}
