// Package browser manages per-session browser data directories. Persistent
// user profiles and throwaway session directories are kept apart so parallel
// sessions cannot contaminate each other, and session directories are removed
// on teardown or by an age-based sweep.
package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSessionMaxAge is how long an abandoned session directory survives
// before the sweep removes it.
const DefaultSessionMaxAge = 24 * time.Hour

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = time.Hour

// chromiumLockFiles are ProcessSingleton artifacts Chromium leaves behind on
// unclean shutdown. They must go before the directory tree is removed so a
// reused profile does not refuse to start.
var chromiumLockFiles = []string{"SingletonLock", "SingletonCookie", "SingletonSocket"}

// Config locates the managed directories.
type Config struct {
	// BaseDir is the root for throwaway session directories. Defaults to
	// the system temp directory.
	BaseDir string
	// ProfileDir is the root for persistent user profiles. Defaults to
	// .browseruse/profiles under the user home directory.
	ProfileDir string
}

// ProfileManager allocates and removes browser data directories.
type ProfileManager struct {
	logger      *zap.Logger
	sessionBase string
	profileBase string

	sweepOnce sync.Once
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewProfileManager creates the base directories and returns a manager.
func NewProfileManager(cfg Config, logger *zap.Logger) (*ProfileManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.BaseDir
	if base == "" {
		base = os.TempDir()
	}
	profileBase := cfg.ProfileDir
	if profileBase == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			profileBase = filepath.Join(base, "browseruse_profiles")
		} else {
			profileBase = filepath.Join(home, ".browseruse", "profiles")
		}
	}

	m := &ProfileManager{
		logger:      logger.Named("browser"),
		sessionBase: filepath.Join(base, "browseruse_sessions"),
		profileBase: profileBase,
		stopSweep:   make(chan struct{}),
	}
	if err := os.MkdirAll(m.sessionBase, 0o755); err != nil {
		return nil, fmt.Errorf("create session base: %w", err)
	}
	if err := os.MkdirAll(m.profileBase, 0o755); err != nil {
		return nil, fmt.Errorf("create profile base: %w", err)
	}
	return m, nil
}

// SessionBase returns the root of the session directories.
func (m *ProfileManager) SessionBase() string { return m.sessionBase }

// SessionDir returns the session's data directory, creating it on first use.
func (m *ProfileManager) SessionDir(sessionID string) (string, error) {
	dir := filepath.Join(m.sessionBase, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	m.logger.Debug("Session directory ready", zap.String("session_id", sessionID), zap.String("dir", dir))
	return dir, nil
}

// UserProfileDir returns the user's persistent profile directory, creating
// it on first use.
func (m *ProfileManager) UserProfileDir(userID string) (string, error) {
	dir := filepath.Join(m.profileBase, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	return dir, nil
}

// CleanupSession removes a session's directory tree. Missing directories are
// not an error; lock artifacts are removed first.
func (m *ProfileManager) CleanupSession(sessionID string) error {
	dir := filepath.Join(m.sessionBase, sessionID)
	if _, err := os.Lstat(dir); os.IsNotExist(err) {
		return nil
	}
	m.removeSingletonLocks(dir)
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Error("Failed to remove session directory",
			zap.String("session_id", sessionID), zap.Error(err))
		return err
	}
	m.logger.Info("Cleaned up session directory", zap.String("session_id", sessionID))
	return nil
}

// CleanupOldSessions removes session directories whose modification time is
// older than maxAge and returns how many were removed.
func (m *ProfileManager) CleanupOldSessions(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	entries, err := os.ReadDir(m.sessionBase)
	if err != nil {
		return 0, fmt.Errorf("list session base: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(m.sessionBase, entry.Name())
		m.removeSingletonLocks(dir)
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("Failed to remove old session directory",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		m.logger.Info("Removed old session directory", zap.String("session_id", entry.Name()))
		removed++
	}
	return removed, nil
}

// StartSweeper launches the periodic age-based cleanup. Subsequent calls are
// no-ops.
func (m *ProfileManager) StartSweeper(interval, maxAge time.Duration) {
	m.sweepOnce.Do(func() {
		if interval <= 0 {
			interval = DefaultSweepInterval
		}
		m.sweepDone = make(chan struct{})
		go m.sweepLoop(interval, maxAge)
	})
}

// Close stops the sweeper if it was started.
func (m *ProfileManager) Close() {
	m.sweepOnce.Do(func() {})
	select {
	case <-m.stopSweep:
	default:
		close(m.stopSweep)
	}
	if m.sweepDone != nil {
		<-m.sweepDone
	}
}

func (m *ProfileManager) sweepLoop(interval, maxAge time.Duration) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := m.CleanupOldSessions(maxAge); err != nil {
				m.logger.Warn("Session sweep failed", zap.Error(err))
			} else if n > 0 {
				m.logger.Info("Session sweep removed directories", zap.Int("count", n))
			}
		case <-m.stopSweep:
			return
		}
	}
}

// removeSingletonLocks deletes Chromium lock artifacts. Safe on persistent
// profiles: only the lock files are touched.
func (m *ProfileManager) removeSingletonLocks(dir string) {
	removed := 0
	for _, name := range chromiumLockFiles {
		target := filepath.Join(dir, name)
		if _, err := os.Lstat(target); err != nil {
			continue
		}
		if err := os.Remove(target); err == nil {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("Removed Chromium singleton lock files",
			zap.String("dir", dir), zap.Int("count", removed))
	}
}
