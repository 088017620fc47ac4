// Package httpapi exposes the visual streaming surface over HTTP and
// WebSocket: session status and stream endpoints, the remote-control
// channel, per-execution log streams, per-run step events, and execution
// termination.
package httpapi

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/rrweb"
)

// VisualHandler serves the per-session status, viewer, and stream endpoints.
type VisualHandler struct {
	streamers *rrweb.Manager
	logger    *zap.Logger
}

func NewVisualHandler(streamers *rrweb.Manager, logger *zap.Logger) *VisualHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VisualHandler{streamers: streamers, logger: logger}
}

// RegisterRoutes registers the visual streaming routes on the provided mux.
func (h *VisualHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /workflows/visual/sessions", h.handleSessions)
	mux.HandleFunc("GET /workflows/visual/{session_id}/status", h.handleStatus)
	mux.HandleFunc("GET /workflows/visual/{session_id}/viewer", h.handleViewer)
	mux.HandleFunc("GET /workflows/visual/{session_id}/stream", h.handleStream)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusResponse struct {
	Success          bool   `json:"success"`
	SessionID        string `json:"session_id"`
	StreamingActive  bool   `json:"streaming_active"`
	StreamingReady   bool   `json:"streaming_ready"`
	BrowserReady     bool   `json:"browser_ready"`
	EventsProcessed  uint64 `json:"events_processed"`
	EventsBuffered   int    `json:"events_buffered"`
	LastEventTime    int64  `json:"last_event_time,omitempty"`
	ConnectedClients int    `json:"connected_clients"`
	StreamURL        string `json:"stream_url,omitempty"`
	ViewerURL        string `json:"viewer_url,omitempty"`
	Quality          string `json:"quality,omitempty"`
	Error            string `json:"error,omitempty"`
}

// handleStatus reports a session's readiness. An unknown session is a
// structured success:false payload, not an HTTP error: pollers hit this
// endpoint before the session exists.
func (h *VisualHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, err := rrweb.NormalizeSessionID(r.PathValue("session_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s, ok := h.streamers.GetStreamer(sessionID)
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{
			Success:   false,
			SessionID: sessionID,
			Error:     "Session not found: " + sessionID,
		})
		return
	}

	st := s.Stats()
	writeJSON(w, http.StatusOK, statusResponse{
		Success:          true,
		SessionID:        sessionID,
		StreamingActive:  st.IsStreaming,
		StreamingReady:   s.StreamingReady(),
		BrowserReady:     st.BrowserReady,
		EventsProcessed:  st.TotalEvents,
		EventsBuffered:   st.BufferSize,
		LastEventTime:    st.LastEventTime,
		ConnectedClients: st.ConnectedClients,
		StreamURL:        "/workflows/visual/" + sessionID + "/stream",
		ViewerURL:        "/workflows/visual/" + sessionID + "/viewer",
		Quality:          "standard",
	})
}

type sessionInfo struct {
	SessionID        string `json:"session_id"`
	StreamingActive  bool   `json:"streaming_active"`
	EventsProcessed  uint64 `json:"events_processed"`
	EventsBuffered   int    `json:"events_buffered"`
	ConnectedClients int    `json:"connected_clients"`
	CreatedAt        int64  `json:"created_at"`
	LastEventTime    int64  `json:"last_event_time,omitempty"`
	Quality          string `json:"quality"`
	StreamURL        string `json:"stream_url"`
	ViewerURL        string `json:"viewer_url"`
}

type sessionsResponse struct {
	Success              bool                   `json:"success"`
	Sessions             map[string]sessionInfo `json:"sessions"`
	TotalSessions        int                    `json:"total_sessions"`
	ActiveSessions       int                    `json:"active_sessions"`
	TotalEventsProcessed uint64                 `json:"total_events_processed"`
	Message              string                 `json:"message"`
}

func (h *VisualHandler) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := make(map[string]sessionInfo)
	var totalEvents uint64
	active := 0

	for _, id := range h.streamers.SessionIDs() {
		s, ok := h.streamers.GetStreamer(id)
		if !ok {
			continue // retired between listing and lookup
		}
		st := s.Stats()
		if st.IsStreaming {
			active++
		}
		totalEvents += st.TotalEvents
		sessions[id] = sessionInfo{
			SessionID:        id,
			StreamingActive:  st.IsStreaming,
			EventsProcessed:  st.TotalEvents,
			EventsBuffered:   st.BufferSize,
			ConnectedClients: st.ConnectedClients,
			CreatedAt:        s.CreatedAt().UnixMilli(),
			LastEventTime:    st.LastEventTime,
			Quality:          "standard",
			StreamURL:        "/workflows/visual/" + id + "/stream",
			ViewerURL:        "/workflows/visual/" + id + "/viewer",
		}
	}

	writeJSON(w, http.StatusOK, sessionsResponse{
		Success:              true,
		Sessions:             sessions,
		TotalSessions:        len(sessions),
		ActiveSessions:       active,
		TotalEventsProcessed: totalEvents,
		Message:              fmt.Sprintf("Found %d visual streaming sessions (%d active)", len(sessions), active),
	})
}

func (h *VisualHandler) handleViewer(w http.ResponseWriter, r *http.Request) {
	sessionID, err := rrweb.NormalizeSessionID(r.PathValue("session_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if _, ok := h.streamers.GetStreamer(sessionID); !ok {
		http.Error(w, `{"error":"visual streaming session not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := viewerPage.Execute(w, map[string]string{"SessionID": sessionID}); err != nil {
		h.logger.Error("Viewer render failed", zap.Error(err))
	}
}

// viewerPage is a self-contained live viewer: it connects to the session
// stream, requests a sequence reset, and replays rrweb events scaled to the
// recorded viewport. The production viewer app lives elsewhere; this page is
// for debugging and embedding.
var viewerPage = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Visual Workflow Viewer - {{.SessionID}}</title>
    <script src="https://cdn.jsdelivr.net/npm/rrweb@latest/dist/rrweb.min.js"></script>
    <style>
        html, body { height: 100%; }
        body { margin: 0; padding: 12px; font-family: Arial, sans-serif; box-sizing: border-box; }
        #viewer { position: relative; width: 100%; height: calc(100vh - 80px); border: 1px solid #ccc; overflow: hidden; background: #fff; }
        #replayer-root { position: absolute; top: 0; left: 0; transform-origin: top left; }
        #status { padding: 10px; background: #f5f5f5; margin-bottom: 10px; }
        .connected { color: green; }
        .disconnected { color: red; }
    </style>
</head>
<body>
    <div id="status">
        <strong>Session:</strong> {{.SessionID}} |
        <strong>Status:</strong> <span id="connection-status" class="disconnected">Connecting...</span> |
        <strong>Events:</strong> <span id="event-count">0</span>
    </div>
    <div id="viewer"><div id="replayer-root"></div></div>

    <script>
        const sessionId = {{.SessionID}};
        const scheme = location.protocol === 'https:' ? 'wss' : 'ws';
        const wsUrl = scheme + '://' + location.host + '/workflows/visual/' + sessionId + '/stream';
        let replayer = null;
        let eventCount = 0;
        let metaWidth = null;
        let metaHeight = null;
        const viewerEl = document.getElementById('viewer');
        const rootEl = document.getElementById('replayer-root');
        function applyScale() {
            if (!metaWidth || !metaHeight) return;
            const scale = Math.min(viewerEl.clientWidth / metaWidth, viewerEl.clientHeight / metaHeight);
            rootEl.style.width = metaWidth + 'px';
            rootEl.style.height = metaHeight + 'px';
            rootEl.style.transform = 'scale(' + scale + ')';
        }
        window.addEventListener('resize', applyScale);

        function initReplayer() {
            replayer = new rrweb.Replayer([], {
                target: rootEl,
                mouseTail: false,
                useVirtualDom: false,
                liveMode: true,
                skipInactive: false,
                speed: 1,
                blockClass: 'rr-block',
                ignoreClass: 'rr-ignore',
                insertStyleRules: [
                    '.rr-block { visibility: hidden !important; }',
                    '.rr-ignore { pointer-events: none !important; }'
                ]
            });
            replayer.startLive();
        }

        function connect() {
            const ws = new WebSocket(wsUrl);
            ws.onopen = function() {
                document.getElementById('connection-status').textContent = 'Connected';
                document.getElementById('connection-status').className = 'connected';
                ws.send(JSON.stringify({type: 'sequence_reset_request'}));
            };
            ws.onmessage = function(event) {
                let data;
                try { data = JSON.parse(event.data); } catch (e) { return; }
                const rrwebEvent = data.event ? data.event : null;
                if (!rrwebEvent || typeof rrwebEvent.type !== 'number') return;
                if (rrwebEvent.type === 2 && !replayer) initReplayer();
                if (rrwebEvent.type === 4) {
                    const d = rrwebEvent.data || {};
                    if (typeof d.width === 'number' && typeof d.height === 'number') {
                        metaWidth = d.width; metaHeight = d.height; applyScale();
                    }
                }
                if (replayer) {
                    try { replayer.addEvent(rrwebEvent); eventCount++; } catch (_) {}
                    document.getElementById('event-count').textContent = eventCount;
                }
            };
            ws.onclose = function() {
                document.getElementById('connection-status').textContent = 'Disconnected';
                document.getElementById('connection-status').className = 'disconnected';
                setTimeout(connect, 3000);
            };
        }
        connect();
    </script>
</body>
</html>
`))
