package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/metrics"
	"github.com/rebrowse/rebrowse-stream/internal/runevents"
)

// RunsHandler streams per-run step events with snapshot replay.
type RunsHandler struct {
	hub    *runevents.Hub
	logger *zap.Logger
}

func NewRunsHandler(hub *runevents.Hub, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{hub: hub, logger: logger}
}

// RegisterRoutes registers the run events route on the provided mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /runs/{run_id}/events", h.handleEvents)
}

// handleEvents sends the Snapshot, then buffered events past the snapshot's
// seq, then live events. The seq filter keeps the delivered stream strictly
// monotonic even when an event lands in both the buffer and the live channel.
func (h *RunsHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	logger := h.logger.With(zap.String("run_id", runID))
	client := newWSClient(conn, "runs", logger)
	client.configureRead()
	defer client.Close()

	metrics.ConnectedClients.WithLabelValues("runs").Inc()
	defer metrics.ConnectedClients.WithLabelValues("runs").Dec()

	live, cancel := h.hub.Subscribe(runID, 0)
	defer cancel()

	snap := h.hub.BuildSnapshot(runID)
	client.sendJSON(snap)
	lastSeq := snap.Seq
	for _, ev := range h.hub.BufferedEvents(runID) {
		if ev.Seq > lastSeq {
			client.sendJSON(ev)
			lastSeq = ev.Seq
		}
	}
	logger.Info("Run events connected", zap.Uint64("snapshot_seq", snap.Seq))

	go client.writePump()
	go client.discardReads()

	for {
		select {
		case <-client.closed():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue // already delivered by the snapshot catch-up
			}
			lastSeq = ev.Seq
			client.sendJSON(ev)
		}
	}
}
