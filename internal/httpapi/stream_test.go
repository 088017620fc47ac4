package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/rrweb"
)

func fullSnapshotEvent() map[string]any {
	return map[string]any{
		"type": float64(rrweb.EventFullSnapshot),
		"data": map[string]any{
			"node": map[string]any{
				"type":       float64(0),
				"childNodes": []any{map[string]any{"type": float64(2), "tagName": "html"}},
			},
		},
	}
}

func incrementalEvent() map[string]any {
	return map[string]any{
		"type": float64(rrweb.EventIncrementalSnapshot),
		"data": map[string]any{"source": float64(1)},
	}
}

func metaEvent() map[string]any {
	return map[string]any{
		"type": float64(rrweb.EventMeta),
		"data": map[string]any{"width": float64(1280), "height": float64(720)},
	}
}

func newVisualEnv(t *testing.T) (*rrweb.Manager, *httptest.Server) {
	t.Helper()
	mgr := rrweb.NewManager(zap.NewNop())
	t.Cleanup(mgr.Close)
	srv := newTestServer(t, NewVisualHandler(mgr, zap.NewNop()).RegisterRoutes)
	return mgr, srv
}

// requireEvent asserts f is an rrweb_event with the given sequence id and
// returns the inner event.
func requireEvent(t *testing.T, f map[string]any, seq float64) map[string]any {
	t.Helper()
	require.Equal(t, "rrweb_event", f["type"])
	require.Equal(t, seq, f["sequence_id"])
	inner, ok := f["event"].(map[string]any)
	require.True(t, ok, "rrweb_event without inner event: %v", f)
	return inner
}

func TestStreamReplaysBufferThenLive(t *testing.T) {
	mgr, srv := newVisualEnv(t)
	sessionID := "visual-" + uuid.NewString()

	s := mgr.GetOrCreateStreamer(sessionID)
	require.True(t, s.StartStreaming())
	t.Cleanup(func() { s.StopStreaming() })
	require.True(t, s.ProcessEvent(fullSnapshotEvent()))
	require.True(t, s.ProcessEvent(incrementalEvent()))

	conn := dialWS(t, srv, "/workflows/visual/"+sessionID+"/stream")

	est := readFrame(t, conn)
	assert.Equal(t, "connection_established", est["type"])
	assert.Equal(t, sessionID, est["session_id"])
	assert.NotEmpty(t, est["client_id"])

	inner := requireEvent(t, readFrame(t, conn), 0)
	assert.Equal(t, float64(rrweb.EventFullSnapshot), inner["type"])
	requireEvent(t, readFrame(t, conn), 1)

	require.True(t, s.ProcessEvent(incrementalEvent()))
	requireEvent(t, readFrame(t, conn), 2)
}

func TestStreamViewerBeforeStreamingStarts(t *testing.T) {
	mgr, srv := newVisualEnv(t)
	sessionID := "visual-" + uuid.NewString()

	// The viewer arrives first; its join parks until the runner starts
	// streaming.
	conn := dialWS(t, srv, "/workflows/visual/"+sessionID+"/stream")
	est := readFrame(t, conn)
	require.Equal(t, "connection_established", est["type"])

	s, ok := mgr.GetStreamer(sessionID)
	require.True(t, ok, "connecting must create the session")
	require.True(t, s.StartStreaming())
	t.Cleanup(func() { s.StopStreaming() })

	require.True(t, s.ProcessEvent(fullSnapshotEvent()))
	requireEvent(t, readFrame(t, conn), 0)
}

func TestStreamPingAndClientReady(t *testing.T) {
	mgr, srv := newVisualEnv(t)
	sessionID := "visual-" + uuid.NewString()
	s := mgr.GetOrCreateStreamer(sessionID)
	require.True(t, s.StartStreaming())
	t.Cleanup(func() { s.StopStreaming() })

	conn := dialWS(t, srv, "/workflows/visual/"+sessionID+"/stream")
	readFrame(t, conn) // connection_established

	sendFrame(t, conn, map[string]any{"type": "ping"})
	pong := readFrame(t, conn)
	assert.Equal(t, "pong", pong["type"])
	assert.NotZero(t, pong["timestamp"])

	sendFrame(t, conn, map[string]any{"type": "client_ready"})
	status := readFrame(t, conn)
	assert.Equal(t, "status", status["type"])
	assert.Equal(t, "Client connected to visual stream", status["message"])
	assert.Equal(t, sessionID, status["session_id"])
}

func TestStreamSequenceResetReplay(t *testing.T) {
	mgr, srv := newVisualEnv(t)
	sessionID := "visual-00000000-0000-0000-0000-000000000001"
	s := mgr.GetOrCreateStreamer(sessionID)
	require.True(t, s.StartStreaming())
	t.Cleanup(func() { s.StopStreaming() })

	for _, ev := range []map[string]any{
		metaEvent(), fullSnapshotEvent(), incrementalEvent(), incrementalEvent(),
	} {
		require.True(t, s.ProcessEvent(ev))
	}

	conn := dialWS(t, srv, "/workflows/visual/"+sessionID+"/stream")
	readFrame(t, conn) // connection_established
	for seq := 0; seq < 4; seq++ {
		requireEvent(t, readFrame(t, conn), float64(seq))
	}

	sendFrame(t, conn, map[string]any{
		"type":                   "sequence_reset_request",
		"history_window_seconds": 2.0,
	})

	ack := readFrame(t, conn)
	require.Equal(t, "sequence_reset_ack", ack["type"])
	assert.Equal(t, sessionID, ack["session_id"])
	assert.Equal(t, 2.0, ack["history_window_seconds"])

	// Replay restarts at the most recent FullSnapshot with its original
	// sequence id, then the trailing window.
	inner := requireEvent(t, readFrame(t, conn), 1)
	assert.Equal(t, float64(rrweb.EventFullSnapshot), inner["type"])
	requireEvent(t, readFrame(t, conn), 2)
	requireEvent(t, readFrame(t, conn), 3)

	// The sequence counter is untouched by the replay.
	require.True(t, s.ProcessEvent(incrementalEvent()))
	requireEvent(t, readFrame(t, conn), 4)
}

func TestStreamRejectsInvalidSessionID(t *testing.T) {
	_, srv := newVisualEnv(t)

	conn := dialWS(t, srv, "/workflows/visual/not-a-session/stream")
	f := readFrame(t, conn)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "invalid_session_id", f["error_type"])
	assert.Contains(t, f["error"], "not-a-session")
	readClose(t, conn, CloseInvalidSessionID)
}

func TestStreamNormalizesBareUUID(t *testing.T) {
	mgr, srv := newVisualEnv(t)
	bare := uuid.NewString()
	s := mgr.GetOrCreateStreamer("visual-" + bare)
	require.True(t, s.StartStreaming())
	t.Cleanup(func() { s.StopStreaming() })
	require.True(t, s.ProcessEvent(fullSnapshotEvent()))

	conn := dialWS(t, srv, "/workflows/visual/"+bare+"/stream")
	est := readFrame(t, conn)
	assert.Equal(t, "visual-"+bare, est["session_id"])
	requireEvent(t, readFrame(t, conn), 0)
}
