package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultInterval is how often registered checkers are re-evaluated.
	DefaultInterval = 30 * time.Second
	// DefaultCheckTimeout bounds one checker evaluation.
	DefaultCheckTimeout = 5 * time.Second
)

// Manager evaluates registered checkers periodically and answers readiness
// from the last evaluation. A manager with no checkers is ready: the service
// runs fully in memory when no external collaborator is configured.
type Manager struct {
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	checkers map[string]Checker
	results  map[string]CheckResult
	started  bool
	stopCh   chan struct{}
}

// NewManager creates a manager with production intervals.
func NewManager(logger *zap.Logger) *Manager {
	return NewManagerWithInterval(DefaultInterval, DefaultCheckTimeout, logger)
}

// NewManagerWithInterval creates a manager with explicit timing, mainly for
// tests.
func NewManagerWithInterval(interval, timeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Manager{
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		checkers: make(map[string]Checker),
		results:  make(map[string]CheckResult),
		stopCh:   make(chan struct{}),
	}
}

// RegisterChecker adds a checker. Names must be unique.
func (m *Manager) RegisterChecker(c Checker) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c

	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()))
	return nil
}

// UnregisterChecker removes a checker and its last result.
func (m *Manager) UnregisterChecker(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
	delete(m.results, name)
}

// Start runs one synchronous evaluation, so readiness is answerable the
// moment it returns, then re-evaluates on the interval until Stop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.RunChecks(ctx)

	go m.loop(ctx)
}

// Stop ends periodic evaluation. The last results keep answering readiness.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunChecks(ctx)
		}
	}
}

// RunChecks evaluates every registered checker once and records the results.
func (m *Manager) RunChecks(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	for _, c := range checkers {
		result := m.runOne(ctx, c)

		m.mu.Lock()
		m.results[c.Name()] = result
		m.mu.Unlock()

		if result.Status == StatusUnhealthy {
			m.logger.Warn("Health check failed",
				zap.String("checker", result.Component),
				zap.Bool("critical", result.Critical),
				zap.String("error", result.Error))
		}
	}
}

func (m *Manager) runOne(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(checkCtx)

	result := CheckResult{
		Component: c.Name(),
		Status:    StatusHealthy,
		Critical:  c.IsCritical(),
		Duration:  time.Since(start),
		Timestamp: start,
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	}
	return result
}

// Ready reports whether every critical checker's last evaluation passed.
// Checkers that have never been evaluated count as failing.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, c := range m.checkers {
		if !c.IsCritical() {
			continue
		}
		result, ok := m.results[name]
		if !ok || result.Status != StatusHealthy {
			return false
		}
	}
	return true
}

// Results returns a copy of the last evaluation per checker.
func (m *Manager) Results() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]CheckResult, len(m.results))
	for name, result := range m.results {
		out[name] = result
	}
	return out
}
