// Package recorder injects a DOM-recording agent into browser pages and
// forwards the events it emits. The recorder never creates or owns the
// browser; it receives a live page and manages only the recording lifecycle
// on it. Navigation re-injection is controller-driven: in-page monitors log
// URL changes but never restart recording.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/metrics"
	"github.com/rebrowse/rebrowse-stream/internal/rrweb"
)

var (
	// ErrInjectionTimeout reports that the agent produced no FullSnapshot
	// before the deadline. The caller may try the alternate injection
	// method; the same method is never retried automatically.
	ErrInjectionTimeout = errors.New("no FullSnapshot before deadline")
	// ErrInjectionRejected reports that the page refused the agent outright.
	ErrInjectionRejected = errors.New("recording agent injection rejected")
	// ErrNotRecording reports an operation requiring an active recording.
	ErrNotRecording = errors.New("recording not active")
)

// EventHandler receives decoded agent payloads.
type EventHandler func(event map[string]any)

// Config wires a Recorder to a page and its consumers.
type Config struct {
	SessionID string
	Page      Page
	// OnEvent receives every raw event the agent emits. Malformed payloads
	// are dropped before this is called.
	OnEvent EventHandler
	// OnError receives agent-internal error reports.
	OnError EventHandler
	Options Options
	Logger  *zap.Logger
}

// Status describes the recorder for diagnostics endpoints.
type Status struct {
	SessionID            string      `json:"session_id"`
	RecordingActive      bool        `json:"recording_active"`
	AgentInjected        bool        `json:"agent_injected"`
	NavigationMonitoring bool        `json:"navigation_monitoring"`
	CurrentPhase         rrweb.Phase `json:"current_phase"`
}

// Recorder drives the recording agent on a single page.
type Recorder struct {
	logger    *zap.Logger
	sessionID string
	page      Page
	onEvent   EventHandler
	onError   EventHandler
	opts      Options

	mu         sync.Mutex
	active     bool
	injected   bool
	monitoring bool
	phase      rrweb.Phase
	removeLoad func()
}

// New builds a Recorder. The page must already be live.
func New(cfg Config) (*Recorder, error) {
	if cfg.Page == nil {
		return nil, errors.New("recorder: page is required")
	}
	if cfg.SessionID == "" {
		return nil, errors.New("recorder: session id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := cfg.Options
	if opts == (Options{}) {
		opts = CurrentDefaults()
	}
	return &Recorder{
		logger:    logger.Named("recorder").With(zap.String("session_id", cfg.SessionID)),
		sessionID: cfg.SessionID,
		page:      cfg.Page,
		onEvent:   cfg.OnEvent,
		onError:   cfg.OnError,
		opts:      opts.withDefaults(),
		phase:     rrweb.PhaseSetup,
	}, nil
}

// StartRecording exposes the page callbacks and injects the agent, first
// through a CDN script element, then through driver-level tag injection for
// pages whose content-security policy blocks the element. Success requires
// the agent to deliver a FullSnapshot within the snapshot deadline. Calling
// while already recording is a no-op.
func (r *Recorder) StartRecording(ctx context.Context) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		r.logger.Debug("Recording already active")
		return nil
	}
	r.mu.Unlock()

	r.logger.Info("Starting recording", zap.String("url", r.page.URL()))

	if err := r.exposeBindings(ctx); err != nil {
		return err
	}

	res := r.tryCDNInjection(ctx)
	if !res.Success {
		r.logger.Warn("CDN injection failed, attempting inline injection",
			zap.String("error", res.Error))
		res = r.tryInlineInjection(ctx)
	}
	if !res.Success {
		return injectionError(res)
	}
	r.logInjected(res)

	remove := r.page.OnLoad(r.handlePageLoad)

	r.mu.Lock()
	r.active = true
	r.injected = true
	r.removeLoad = remove
	r.mu.Unlock()

	r.logger.Info("Recording started", zap.String("method", res.Method))
	return nil
}

// StopRecording invokes the in-page stop handle and removes page listeners.
// An unresponsive page is treated as already stopped.
func (r *Recorder) StopRecording(ctx context.Context) error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil
	}
	r.active = false
	r.injected = false
	remove := r.removeLoad
	r.removeLoad = nil
	r.mu.Unlock()

	if remove != nil {
		remove()
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.opts.StopProbeTimeout)
	_, err := r.page.Evaluate(probeCtx, probeScript)
	cancel()
	if err != nil {
		r.logger.Info("Page unresponsive, marking recording stopped")
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, r.opts.StopTimeout)
	defer cancel()
	if _, err := r.page.Evaluate(stopCtx, stopScript); err != nil {
		r.logger.Info("Could not stop in-page recording", zap.Error(err))
		return err
	}
	r.logger.Info("Recording stopped")
	return nil
}

// ReinjectAfterNavigation restarts the agent after a controller-driven
// navigation. It waits briefly for the page to stabilize, re-exposes the
// callbacks (a no-op when they survived) and injects again.
func (r *Recorder) ReinjectAfterNavigation(ctx context.Context, url string) error {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if !active {
		return ErrNotRecording
	}

	r.logger.Info("Re-injecting after navigation", zap.String("url", url))
	if err := sleepCtx(ctx, r.opts.NavigationDelay); err != nil {
		return err
	}
	if err := r.exposeBindings(ctx); err != nil {
		return err
	}

	res := r.tryCDNInjection(ctx)
	if !res.Success {
		res = r.tryInlineInjection(ctx)
	}

	r.mu.Lock()
	r.injected = res.Success
	r.mu.Unlock()

	if !res.Success {
		r.logger.Error("Re-injection failed", zap.String("url", url), zap.String("error", res.Error))
		return injectionError(res)
	}
	r.logger.Info("Re-injection verified", zap.String("url", url), zap.String("method", res.Method))
	return nil
}

// EnableNavigationMonitoring installs the in-page URL monitors. A settle
// delay runs first so recording of preparatory content is stable before any
// further script evaluation.
func (r *Recorder) EnableNavigationMonitoring(ctx context.Context) error {
	r.mu.Lock()
	if r.monitoring {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := sleepCtx(ctx, r.opts.MonitorSettleDelay); err != nil {
		return err
	}
	if _, err := r.page.Evaluate(ctx, navigationMonitorScript); err != nil {
		r.logger.Error("Failed to enable navigation monitoring", zap.Error(err))
		return err
	}

	r.mu.Lock()
	r.monitoring = true
	r.mu.Unlock()
	r.logger.Info("Navigation monitoring enabled")
	return nil
}

// DisableNavigationMonitoring removes the in-page URL monitors.
func (r *Recorder) DisableNavigationMonitoring(ctx context.Context) error {
	r.mu.Lock()
	if !r.monitoring {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if _, err := r.page.Evaluate(ctx, cleanupMonitorScript); err != nil {
		r.logger.Error("Failed to disable navigation monitoring", zap.Error(err))
		return err
	}

	r.mu.Lock()
	r.monitoring = false
	r.mu.Unlock()
	r.logger.Info("Navigation monitoring disabled")
	return nil
}

// SetPhase tracks the session phase. Monitoring runs only while executing;
// during setup and ready phases page loads are ignored so preparatory
// content keeps recording uninterrupted.
func (r *Recorder) SetPhase(ctx context.Context, phase rrweb.Phase) error {
	r.mu.Lock()
	previous := r.phase
	r.phase = phase
	r.mu.Unlock()

	r.logger.Info("Recorder phase changed",
		zap.String("from", string(previous)),
		zap.String("to", string(phase)))

	if phase == rrweb.PhaseExecuting {
		return r.EnableNavigationMonitoring(ctx)
	}
	return r.DisableNavigationMonitoring(ctx)
}

// Status reports the recorder state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		SessionID:            r.sessionID,
		RecordingActive:      r.active,
		AgentInjected:        r.injected,
		NavigationMonitoring: r.monitoring,
		CurrentPhase:         r.phase,
	}
}

func (r *Recorder) exposeBindings(ctx context.Context) error {
	if err := r.exposeBinding(ctx, eventBinding, r.handleEventPayload); err != nil {
		return err
	}
	return r.exposeBinding(ctx, errorBinding, r.handleErrorPayload)
}

// exposeBinding registers a page callback; an existing registration from a
// previous injection is success.
func (r *Recorder) exposeBinding(ctx context.Context, name string, fn BindingFunc) error {
	err := r.page.ExposeBinding(ctx, name, fn)
	if err == nil {
		return nil
	}
	if isBindingCollision(err) {
		r.logger.Debug("Binding already registered", zap.String("binding", name))
		return nil
	}
	r.logger.Error("Failed to expose binding", zap.String("binding", name), zap.Error(err))
	return fmt.Errorf("expose %s: %w", name, err)
}

type injectionResult struct {
	Success   bool
	Error     string
	Method    string
	NodeCount int
}

func (r *Recorder) tryCDNInjection(ctx context.Context) injectionResult {
	evalCtx, cancel := context.WithTimeout(ctx, r.opts.CDNLoadTimeout+r.opts.SnapshotDeadline+2*time.Second)
	defer cancel()

	v, err := r.page.Evaluate(evalCtx, cdnBootScript(r.opts))
	res := parseInjectionResult(v, err, "cdn")
	r.countAttempt(res)
	return res
}

func (r *Recorder) tryInlineInjection(ctx context.Context) injectionResult {
	res := injectionResult{Method: "inline"}
	if err := r.page.AddScriptTag(ctx, r.opts.CDNURL); err != nil {
		res.Error = fmt.Sprintf("script tag injection failed: %v", err)
		r.countAttempt(res)
		return res
	}

	// The tag loads asynchronously; poll briefly for the bundle.
	available := false
	for attempt := 0; attempt < 10; attempt++ {
		if err := sleepCtx(ctx, 200*time.Millisecond); err != nil {
			res.Error = err.Error()
			r.countAttempt(res)
			return res
		}
		v, err := r.page.Evaluate(ctx, agentPresentScript)
		if err != nil {
			continue
		}
		if present, _ := v.(bool); present {
			available = true
			break
		}
	}
	if !available {
		res.Error = "bundle not available after script tag injection"
		r.countAttempt(res)
		return res
	}

	evalCtx, cancel := context.WithTimeout(ctx, r.opts.SnapshotDeadline+2*time.Second)
	defer cancel()
	v, err := r.page.Evaluate(evalCtx, recordScript(r.opts, "inline"))
	res = parseInjectionResult(v, err, "inline")
	r.countAttempt(res)
	return res
}

func (r *Recorder) countAttempt(res injectionResult) {
	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	metrics.InjectionAttempts.WithLabelValues(res.Method, outcome).Inc()
}

func (r *Recorder) logInjected(res injectionResult) {
	if res.NodeCount > 0 && res.NodeCount < 1000 {
		r.logger.Warn("FullSnapshot smaller than expected, DOM capture may be incomplete",
			zap.Int("node_bytes", res.NodeCount))
	}
}

// handlePageLoad re-injects after full-document navigation, but only while
// executing: load events during setup and ready phases would interrupt the
// preparatory content recording.
func (r *Recorder) handlePageLoad(url string) {
	r.mu.Lock()
	phase := r.phase
	active := r.active
	r.mu.Unlock()

	if !active {
		return
	}
	if phase != rrweb.PhaseExecuting {
		r.logger.Debug("Ignoring page load outside executing phase",
			zap.String("phase", string(phase)), zap.String("url", url))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.ReinjectAfterNavigation(ctx, url); err != nil {
			r.logger.Error("Re-injection after page load failed", zap.Error(err))
			return
		}
		if err := r.EnableNavigationMonitoring(ctx); err != nil {
			r.logger.Warn("Could not restore navigation monitoring", zap.Error(err))
		}
	}()
}

// handleEventPayload decodes an agent event. Payloads without an object
// shape are logged and dropped; everything else is forwarded verbatim.
func (r *Recorder) handleEventPayload(payload string) {
	var event map[string]any
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logger.Error("Dropping malformed agent event", zap.Error(err))
		return
	}
	if r.onEvent != nil {
		r.onEvent(event)
	}
}

func (r *Recorder) handleErrorPayload(payload string) {
	var report map[string]any
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		r.logger.Error("Dropping malformed agent error report", zap.Error(err))
		return
	}
	msg, _ := report["message"].(string)
	r.logger.Error("Agent internal error", zap.String("message", msg))
	if r.onError != nil {
		r.onError(report)
	}
}

func parseInjectionResult(v any, err error, method string) injectionResult {
	if err != nil {
		return injectionResult{Error: err.Error(), Method: method}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return injectionResult{Error: "unexpected evaluation result", Method: method}
	}
	res := injectionResult{Method: method}
	res.Success, _ = m["success"].(bool)
	if s, ok := m["error"].(string); ok {
		res.Error = s
	}
	if s, ok := m["method"].(string); ok && s != "" {
		res.Method = s
	}
	switch n := m["nodeCount"].(type) {
	case float64:
		res.NodeCount = int(n)
	case int:
		res.NodeCount = n
	}
	return res
}

func injectionError(res injectionResult) error {
	if strings.Contains(res.Error, "FullSnapshot") {
		return fmt.Errorf("%w: %s", ErrInjectionTimeout, res.Error)
	}
	return fmt.Errorf("%w: %s", ErrInjectionRejected, res.Error)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
