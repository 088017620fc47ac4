package recorder

import "sync"

// The registry maps session ids to live recorders so transport handlers can
// reach the recorder for a session without threading it through every call.

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Recorder)
)

// Register makes a recorder reachable by session id, replacing any previous
// registration for that session.
func Register(sessionID string, r *Recorder) {
	registryMu.Lock()
	registry[sessionID] = r
	registryMu.Unlock()
}

// Unregister removes a session's recorder.
func Unregister(sessionID string) {
	registryMu.Lock()
	delete(registry, sessionID)
	registryMu.Unlock()
}

// Get looks up the recorder for a session.
func Get(sessionID string) (*Recorder, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[sessionID]
	return r, ok
}

// Sessions lists session ids with a registered recorder.
func Sessions() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	return ids
}
