package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/browser"
	"github.com/rebrowse/rebrowse-stream/internal/metrics"
	"github.com/rebrowse/rebrowse-stream/internal/rrweb"
)

// Termination modes.
const (
	// ModeStopThenKill cancels the workflow task, waits up to the request
	// timeout for it to unwind, then force-closes the browser.
	ModeStopThenKill = "stop_then_kill"
	// ModeKill force-closes immediately.
	ModeKill = "kill"
)

// DefaultStopTimeout bounds the graceful wait when the request names none.
const DefaultStopTimeout = 5 * time.Second

// TerminateRequest is the termination endpoint payload.
type TerminateRequest struct {
	Mode      string `json:"mode"`
	TimeoutMS int    `json:"timeout_ms"`
}

// TerminateResult reports what the termination did.
type TerminateResult struct {
	ExecutionID string `json:"execution_id"`
	Mode        string `json:"mode"`
	Forced      bool   `json:"forced"`
	Status      string `json:"status"`
}

// Terminator tears down executions end to end: workflow task, browser,
// session streamer, session directory, and the persisted record.
type Terminator struct {
	logger    *zap.Logger
	registry  *Registry
	store     Store
	streamers *rrweb.Manager
	profiles  *browser.ProfileManager
}

// NewTerminator wires the collaborators; store and profiles may be nil when
// not configured.
func NewTerminator(registry *Registry, store Store, streamers *rrweb.Manager,
	profiles *browser.ProfileManager, logger *zap.Logger) *Terminator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Terminator{
		logger:    logger.Named("terminator"),
		registry:  registry,
		store:     store,
		streamers: streamers,
		profiles:  profiles,
	}
}

// Terminate stops the execution. Clients on the session stream receive a
// terminal workflow_completed frame before their sockets close; the record
// status becomes cancelled.
func (t *Terminator) Terminate(ctx context.Context, executionID string, req TerminateRequest) (*TerminateResult, error) {
	mode := req.Mode
	if mode == "" {
		mode = ModeStopThenKill
	}
	if mode != ModeStopThenKill && mode != ModeKill {
		return nil, fmt.Errorf("unknown termination mode %q", mode)
	}

	h, ok := t.registry.Get(executionID)
	if !ok {
		return nil, ErrNotFound
	}

	t.logger.Info("Terminating execution",
		zap.String("execution_id", executionID),
		zap.String("session_id", h.SessionID),
		zap.String("mode", mode))

	forced := false
	switch mode {
	case ModeStopThenKill:
		if h.Cancel != nil {
			h.Cancel()
		}
		timeout := time.Duration(req.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = DefaultStopTimeout
		}
		if !t.awaitDone(ctx, h, timeout) {
			forced = true
			t.closeBrowser(ctx, h)
		}
	case ModeKill:
		if h.Cancel != nil {
			h.Cancel()
		}
		forced = true
		t.closeBrowser(ctx, h)
	}

	t.teardownStreamer(ctx, h.SessionID)

	if t.profiles != nil && h.SessionID != "" {
		if err := t.profiles.CleanupSession(h.SessionID); err != nil {
			t.logger.Warn("Session directory cleanup failed",
				zap.String("session_id", h.SessionID), zap.Error(err))
		}
	}

	if t.store != nil {
		if err := t.store.UpdateStatus(ctx, executionID, StatusCancelled); err != nil && !errors.Is(err, ErrNotFound) {
			t.logger.Warn("Could not update execution record",
				zap.String("execution_id", executionID), zap.Error(err))
		}
	}

	t.registry.Remove(executionID)
	metrics.Terminations.WithLabelValues(mode).Inc()
	t.logger.Info("Execution terminated",
		zap.String("execution_id", executionID),
		zap.Bool("forced", forced))

	return &TerminateResult{
		ExecutionID: executionID,
		Mode:        mode,
		Forced:      forced,
		Status:      StatusCancelled,
	}, nil
}

// awaitDone waits for the workflow task to unwind. Returns false when the
// timeout or the caller's context expires first.
func (t *Terminator) awaitDone(ctx context.Context, h *Handle, timeout time.Duration) bool {
	if h.Done == nil {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.Done:
		return true
	case <-timer.C:
		t.logger.Warn("Workflow task did not stop in time, force-closing browser",
			zap.String("execution_id", h.ExecutionID), zap.Duration("waited", timeout))
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *Terminator) closeBrowser(ctx context.Context, h *Handle) {
	if h.CloseBrowser == nil {
		return
	}
	if err := h.CloseBrowser(ctx); err != nil {
		t.logger.Warn("Browser force-close failed",
			zap.String("execution_id", h.ExecutionID), zap.Error(err))
	}
}

// teardownStreamer moves the session through cleanup and removes it from the
// manager. Retirement broadcasts the terminal control frame and closes the
// remaining client sockets.
func (t *Terminator) teardownStreamer(ctx context.Context, sessionID string) {
	if t.streamers == nil || sessionID == "" {
		return
	}
	str, ok := t.streamers.GetStreamer(sessionID)
	if !ok {
		return
	}
	str.TransitionToCleanup()
	t.streamers.RetireStreamer(ctx, sessionID, "terminated")
	str.FinalCleanup()
}
