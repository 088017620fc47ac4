package rrweb

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/metrics"
)

// GCInterval is how often idle sessions are swept. A session is retired when
// it has no connected clients and no event arrived within one interval, or
// when streaming has been inactive for two intervals.
const GCInterval = 5 * time.Minute

// Manager owns the session-id to Streamer mapping. GetOrCreateStreamer is
// the only creation path; the GC goroutine starts lazily on first use.
type Manager struct {
	logger *zap.Logger

	mu        sync.RWMutex
	streamers map[string]*Streamer

	gcOnce     sync.Once
	gcInterval time.Duration
	stopGC     chan struct{}
	gcDone     chan struct{}
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:     logger.Named("rrweb"),
		streamers:  make(map[string]*Streamer),
		gcInterval: GCInterval,
		stopGC:     make(chan struct{}),
	}
}

// GetOrCreateStreamer returns the streamer for sessionID, creating it when
// absent.
func (m *Manager) GetOrCreateStreamer(sessionID string) *Streamer {
	m.mu.Lock()
	s, ok := m.streamers[sessionID]
	if !ok {
		s = NewStreamer(sessionID, m.logger)
		m.streamers[sessionID] = s
		metrics.ActiveSessions.Set(float64(len(m.streamers)))
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Info("Created session streamer", zap.String("session_id", sessionID))
		m.gcOnce.Do(func() {
			m.gcDone = make(chan struct{})
			go m.gcLoop()
		})
	}
	return s
}

// GetStreamer is the read-only lookup.
func (m *Manager) GetStreamer(sessionID string) (*Streamer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streamers[sessionID]
	return s, ok
}

// RemoveStreamer gracefully shuts the streamer down and drops it. Returns
// false when the session is unknown.
func (m *Manager) RemoveStreamer(ctx context.Context, sessionID string) bool {
	return m.remove(ctx, sessionID, "removed")
}

// RetireStreamer is RemoveStreamer with an explicit retirement reason for
// the metrics label, used by termination paths.
func (m *Manager) RetireStreamer(ctx context.Context, sessionID, reason string) bool {
	return m.remove(ctx, sessionID, reason)
}

func (m *Manager) remove(ctx context.Context, sessionID, reason string) bool {
	m.mu.Lock()
	s, ok := m.streamers[sessionID]
	if ok {
		delete(m.streamers, sessionID)
		metrics.ActiveSessions.Set(float64(len(m.streamers)))
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.GracefulShutdown(ctx)
	metrics.SessionsRetired.WithLabelValues(reason).Inc()
	m.logger.Info("Removed session streamer",
		zap.String("session_id", sessionID), zap.String("reason", reason))
	return true
}

// SessionIDs returns the registered session ids.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.streamers))
	for id := range m.streamers {
		out = append(out, id)
	}
	return out
}

// SessionCount reports the number of registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streamers)
}

// AllStats returns per-session stats keyed by session id.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.RLock()
	streamers := make([]*Streamer, 0, len(m.streamers))
	for _, s := range m.streamers {
		streamers = append(streamers, s)
	}
	m.mu.RUnlock()

	out := make(map[string]Stats, len(streamers))
	for _, s := range streamers {
		out[s.SessionID()] = s.Stats()
	}
	return out
}

// BroadcastToAllSessions delivers an administrative control message to every
// client of every session. Per-session failures are localized. Returns the
// number of sessions the message was handed to.
func (m *Manager) BroadcastToAllSessions(msg any) int {
	m.mu.RLock()
	streamers := make([]*Streamer, 0, len(m.streamers))
	for _, s := range m.streamers {
		streamers = append(streamers, s)
	}
	m.mu.RUnlock()

	n := 0
	for _, s := range streamers {
		if s.BroadcastControl(msg, nil) {
			n++
		}
	}
	return n
}

// Close stops the GC goroutine. Streamers are left to their owners.
func (m *Manager) Close() {
	m.gcOnce.Do(func() {}) // GC may never have started
	select {
	case <-m.stopGC:
	default:
		close(m.stopGC)
	}
	if m.gcDone != nil {
		<-m.gcDone
	}
}

func (m *Manager) gcLoop() {
	defer close(m.gcDone)
	ticker := time.NewTicker(m.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stopGC:
			return
		}
	}
}

// sweep retires idle sessions. Sessions with connected clients are never
// retired.
func (m *Manager) sweep(now time.Time) {
	m.mu.RLock()
	candidates := make(map[string]*Streamer, len(m.streamers))
	for id, s := range m.streamers {
		candidates[id] = s
	}
	m.mu.RUnlock()

	for id, s := range candidates {
		if s.ClientCount() > 0 {
			continue
		}
		reason := ""
		lastEvent := s.LastEventAt()
		if lastEvent.IsZero() {
			lastEvent = s.CreatedAt()
		}
		if now.Sub(lastEvent) > m.gcInterval {
			reason = "gc_idle"
		}
		if inactive := s.InactiveSince(); reason == "" && !inactive.IsZero() &&
			now.Sub(inactive) > 2*m.gcInterval {
			reason = "gc_inactive"
		}
		if reason == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		m.remove(ctx, id, reason)
		cancel()
	}
}
