package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestStatusUnknownSession(t *testing.T) {
	_, srv := newVisualEnv(t)
	sessionID := "visual-" + uuid.NewString()

	m := getJSON(t, srv.URL+"/workflows/visual/"+sessionID+"/status", http.StatusOK)
	assert.Equal(t, false, m["success"])
	assert.Equal(t, sessionID, m["session_id"])
	assert.Contains(t, m["error"], "Session not found")
}

func TestStatusRejectsMalformedID(t *testing.T) {
	_, srv := newVisualEnv(t)

	m := getJSON(t, srv.URL+"/workflows/visual/bogus/status", http.StatusBadRequest)
	assert.Contains(t, m["error"], "invalid session id")
}

func TestStatusReportsStreamerState(t *testing.T) {
	mgr, srv := newVisualEnv(t)
	sessionID := "visual-" + uuid.NewString()

	s := mgr.GetOrCreateStreamer(sessionID)
	require.True(t, s.StartStreaming())
	t.Cleanup(func() { s.StopStreaming() })
	require.True(t, s.ProcessEvent(fullSnapshotEvent()))
	require.True(t, s.ProcessEvent(incrementalEvent()))
	s.MarkBrowserReady()

	m := getJSON(t, srv.URL+"/workflows/visual/"+sessionID+"/status", http.StatusOK)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, sessionID, m["session_id"])
	assert.Equal(t, true, m["streaming_active"])
	assert.Equal(t, true, m["streaming_ready"])
	assert.Equal(t, true, m["browser_ready"])
	assert.Equal(t, float64(2), m["events_processed"])
	assert.Equal(t, float64(2), m["events_buffered"])
	assert.Equal(t, "/workflows/visual/"+sessionID+"/stream", m["stream_url"])
	assert.Equal(t, "/workflows/visual/"+sessionID+"/viewer", m["viewer_url"])
	assert.Equal(t, "standard", m["quality"])
}

func TestStatusAcceptsBareUUID(t *testing.T) {
	mgr, srv := newVisualEnv(t)
	bare := uuid.NewString()
	mgr.GetOrCreateStreamer("visual-" + bare)

	m := getJSON(t, srv.URL+"/workflows/visual/"+bare+"/status", http.StatusOK)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "visual-"+bare, m["session_id"])
}

func TestSessionsListing(t *testing.T) {
	mgr, srv := newVisualEnv(t)
	active := "visual-" + uuid.NewString()
	idle := "visual-" + uuid.NewString()

	s := mgr.GetOrCreateStreamer(active)
	require.True(t, s.StartStreaming())
	t.Cleanup(func() { s.StopStreaming() })
	require.True(t, s.ProcessEvent(fullSnapshotEvent()))
	mgr.GetOrCreateStreamer(idle)

	m := getJSON(t, srv.URL+"/workflows/visual/sessions", http.StatusOK)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, float64(2), m["total_sessions"])
	assert.Equal(t, float64(1), m["active_sessions"])
	assert.Equal(t, float64(1), m["total_events_processed"])
	assert.Equal(t, "Found 2 visual streaming sessions (1 active)", m["message"])

	sessions, ok := m["sessions"].(map[string]any)
	require.True(t, ok)
	require.Len(t, sessions, 2)
	info, ok := sessions[active].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, info["streaming_active"])
	assert.NotZero(t, info["created_at"])
	assert.Equal(t, "/workflows/visual/"+active+"/viewer", info["viewer_url"])
}

func TestViewerServesPage(t *testing.T) {
	mgr, srv := newVisualEnv(t)
	sessionID := "visual-" + uuid.NewString()
	mgr.GetOrCreateStreamer(sessionID)

	resp, err := http.Get(srv.URL + "/workflows/visual/" + sessionID + "/viewer")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	page := string(body)
	assert.Contains(t, page, sessionID)
	assert.Contains(t, page, "rrweb")
	assert.True(t, strings.Contains(page, "/stream"), "viewer must point at the stream endpoint")
}

func TestViewerUnknownSession(t *testing.T) {
	_, srv := newVisualEnv(t)

	resp, err := http.Get(srv.URL + "/workflows/visual/visual-" + uuid.NewString() + "/viewer")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
