// Package runevents tracks per-run step state and emits ordered run/step
// events. New subscribers reconstruct state from a canonical Snapshot, then
// buffered events with higher sequence numbers, then live events. The hub is
// transport-agnostic; WebSocket delivery lives in httpapi.
package runevents

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/metrics"
)

// Step status values.
const (
	StatusReady      = "ready"
	StatusRunning    = "running"
	StatusAIFallback = "AI-fallback"
	StatusSuccess    = "success"
	StatusFail       = "fail"
)

// Event type discriminators.
const (
	TypeSnapshot              = "Snapshot"
	TypeRunStarted            = "RunStarted"
	TypeRunEnded              = "RunEnded"
	TypeStepStarted           = "StepStarted"
	TypeStepFinishedSuccess   = "StepFinishedSuccess"
	TypeStepFinishedFail      = "StepFinishedFail"
	TypeFallbackStarted       = "FallbackStarted"
	TypeFallbackRetryProgress = "FallbackRetryProgress"
	TypeFallbackFinishedFail  = "FallbackFinishedFail"
)

// SchemaVersion of the Snapshot payload.
const SchemaVersion = 1

// BufferCapacity is the per-run replay buffer size.
const BufferCapacity = 200

// SourceFlags records which subsystems touched a step.
type SourceFlags struct {
	WorkflowUse bool `json:"workflowUse"`
	BrowserUse  bool `json:"browserUse"`
}

// FallbackInfo describes an in-flight AI fallback attempt.
type FallbackInfo struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	SessionID   string `json:"sessionId,omitempty"`
}

// Event is one run or step event. Seq is strictly monotonic per run,
// starting at 1; Ts is milliseconds since the Unix epoch. Both are stamped
// by the hub before delivery.
type Event struct {
	Type          string        `json:"type"`
	RunID         string        `json:"runId"`
	Seq           uint64        `json:"seq"`
	Ts            int64         `json:"ts"`
	StepID        string        `json:"stepId,omitempty"`
	StaticStepKey string        `json:"staticStepKey,omitempty"`
	StepIndex     *int          `json:"stepIndex,omitempty"`
	TotalSteps    int           `json:"totalSteps,omitempty"`
	Title         string        `json:"title,omitempty"`
	Status        string        `json:"status,omitempty"`
	SourceFlags   *SourceFlags  `json:"sourceFlags,omitempty"`
	Fallback      *FallbackInfo `json:"fallback,omitempty"`
}

// StepView is a step as rendered into a Snapshot.
type StepView struct {
	StepID        string      `json:"stepId"`
	StaticStepKey string      `json:"staticStepKey"`
	StepIndex     int         `json:"stepIndex"`
	TotalSteps    int         `json:"totalSteps"`
	Title         string      `json:"title"`
	Status        string      `json:"status"`
	SourceFlags   SourceFlags `json:"sourceFlags"`
}

// Summary aggregates step progress for a Snapshot.
type Summary struct {
	Status         string `json:"status"`
	TotalSteps     int    `json:"totalSteps"`
	CompletedSteps int    `json:"completedSteps"`
	FailedSteps    int    `json:"failedSteps"`
}

// Snapshot is the canonical state-of-the-run payload. Its Seq equals the
// last emitted event's seq; live events strictly greater than it follow.
type Snapshot struct {
	Type          string     `json:"type"`
	SchemaVersion int        `json:"schemaVersion"`
	RunID         string     `json:"runId"`
	Seq           uint64     `json:"seq"`
	Ts            int64      `json:"ts"`
	Summary       Summary    `json:"summary"`
	Steps         []StepView `json:"steps"`
}

// DefaultSubscriberBuffer is the channel capacity used when Subscribe is
// called with a non-positive buffer.
const DefaultSubscriberBuffer = 256

type stepState struct {
	stepID        string
	staticStepKey string
	stepIndex     int
	totalSteps    int
	title         string
	status        string
	flags         SourceFlags
}

type runState struct {
	runID     string
	seq       uint64
	steps     map[string]*stepState
	totalHint int
	buffer    []Event
}

// Hub owns run-id to run state. All mutators emit exactly one stamped event.
type Hub struct {
	logger *zap.Logger

	mu        sync.Mutex
	runs      map[string]*runState
	subs      map[string]map[int]chan Event
	nextToken int
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger.Named("runevents"),
		runs:   make(map[string]*runState),
		subs:   make(map[string]map[int]chan Event),
	}
}

// EnsureRun creates the run state on demand.
func (h *Hub) EnsureRun(runID string) {
	h.mu.Lock()
	h.ensureRunLocked(runID)
	h.mu.Unlock()
}

func (h *Hub) ensureRunLocked(runID string) *runState {
	r := h.runs[runID]
	if r == nil {
		r = &runState{runID: runID, steps: make(map[string]*stepState)}
		h.runs[runID] = r
	}
	return r
}

// Subscribe registers a channel for a run's live events. Events are sent
// non-blocking: a subscriber that stops draining loses events rather than
// stalling the run. The returned cancel is idempotent and closes the channel.
func (h *Hub) Subscribe(runID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	set := h.subs[runID]
	if set == nil {
		set = make(map[int]chan Event)
		h.subs[runID] = set
	}
	h.nextToken++
	token := h.nextToken
	set[token] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			set, ok := h.subs[runID]
			if !ok {
				return
			}
			if _, ok := set[token]; !ok {
				return
			}
			delete(set, token)
			if len(set) == 0 {
				delete(h.subs, runID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// BuildSnapshot renders the canonical run snapshot. Steps are ordered by
// step index; summary status is fail if any step failed, success once every
// step completed, running otherwise.
func (h *Hub) BuildSnapshot(runID string) Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.ensureRunLocked(runID)

	steps := make([]StepView, 0, len(r.steps))
	completed, failed := 0, 0
	for _, st := range r.steps {
		switch st.status {
		case StatusSuccess:
			completed++
		case StatusFail:
			failed++
		}
		steps = append(steps, StepView{
			StepID:        st.stepID,
			StaticStepKey: st.staticStepKey,
			StepIndex:     st.stepIndex,
			TotalSteps:    st.totalSteps,
			Title:         st.title,
			Status:        st.status,
			SourceFlags:   st.flags,
		})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })

	total := r.totalHint
	if total < len(r.steps) {
		total = len(r.steps)
	}
	status := StatusRunning
	switch {
	case failed > 0:
		status = StatusFail
	case total > 0 && completed >= total:
		status = StatusSuccess
	}

	return Snapshot{
		Type:          TypeSnapshot,
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		Seq:           r.seq,
		Ts:            time.Now().UnixMilli(),
		Summary: Summary{
			Status:         status,
			TotalSteps:     total,
			CompletedSteps: completed,
			FailedSteps:    failed,
		},
		Steps: steps,
	}
}

// BufferedEvents returns a copy of the run's replay buffer.
func (h *Hub) BufferedEvents(runID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.runs[runID]
	if r == nil {
		return nil
	}
	out := make([]Event, len(r.buffer))
	copy(out, r.buffer)
	return out
}

// RunStarted emits a RunStarted event.
func (h *Hub) RunStarted(runID string) {
	h.publishWith(runID, func(*runState) Event {
		return Event{Type: TypeRunStarted}
	})
}

// RunEnded emits a RunEnded event carrying the final status.
func (h *Hub) RunEnded(runID, status string) {
	h.publishWith(runID, func(*runState) Event {
		return Event{Type: TypeRunEnded, Status: status}
	})
}

// StepStarted marks a step running and emits its full description. The
// workflowUse flag is set; totalSteps updates the run's hint when positive.
func (h *Hub) StepStarted(runID, stepID string, stepIndex, totalSteps int, title, staticStepKey string) {
	h.publishWith(runID, func(r *runState) Event {
		st := r.steps[stepID]
		if st == nil {
			st = &stepState{stepID: stepID}
			r.steps[stepID] = st
		}
		st.staticStepKey = staticStepKey
		st.stepIndex = stepIndex
		st.totalSteps = totalSteps
		st.title = title
		st.status = StatusRunning
		st.flags.WorkflowUse = true
		if totalSteps > 0 {
			r.totalHint = totalSteps
		}
		idx := stepIndex
		flags := st.flags
		return Event{
			Type:          TypeStepStarted,
			StepID:        stepID,
			StaticStepKey: staticStepKey,
			StepIndex:     &idx,
			TotalSteps:    totalSteps,
			Title:         title,
			Status:        StatusRunning,
			SourceFlags:   &flags,
		}
	})
}

// StepFinishedSuccess marks a step successful. A minimal step state is
// created when the step was never started.
func (h *Hub) StepFinishedSuccess(runID, stepID string) {
	h.finishStep(runID, stepID, TypeStepFinishedSuccess, StatusSuccess)
}

// StepFinishedFail marks a step failed.
func (h *Hub) StepFinishedFail(runID, stepID string) {
	h.finishStep(runID, stepID, TypeStepFinishedFail, StatusFail)
}

func (h *Hub) finishStep(runID, stepID, eventType, status string) {
	h.publishWith(runID, func(r *runState) Event {
		st := r.steps[stepID]
		if st == nil {
			st = &stepState{stepID: stepID}
			r.steps[stepID] = st
		}
		st.status = status
		return Event{Type: eventType, StepID: stepID, Status: status}
	})
}

// FallbackStarted marks a step as handled by the AI fallback and records the
// attempt. The browserUse flag is set: fallbacks drive a real browser.
func (h *Hub) FallbackStarted(runID, stepID string, attempt, maxAttempts int, sessionID string) {
	h.fallbackProgress(runID, stepID, TypeFallbackStarted, attempt, maxAttempts, sessionID)
}

// FallbackRetryProgress reports a subsequent fallback attempt.
func (h *Hub) FallbackRetryProgress(runID, stepID string, attempt, maxAttempts int, sessionID string) {
	h.fallbackProgress(runID, stepID, TypeFallbackRetryProgress, attempt, maxAttempts, sessionID)
}

func (h *Hub) fallbackProgress(runID, stepID, eventType string, attempt, maxAttempts int, sessionID string) {
	var flags SourceFlags
	h.publishWith(runID, func(r *runState) Event {
		st := r.steps[stepID]
		if st == nil {
			st = &stepState{stepID: stepID}
			r.steps[stepID] = st
		}
		st.status = StatusAIFallback
		st.flags.BrowserUse = true
		flags = st.flags
		return Event{
			Type:        eventType,
			StepID:      stepID,
			Status:      StatusAIFallback,
			SourceFlags: &flags,
			Fallback: &FallbackInfo{
				Attempt:     attempt,
				MaxAttempts: maxAttempts,
				SessionID:   sessionID,
			},
		}
	})
}

// FallbackFinishedSuccess is an alias of StepFinishedSuccess: a step
// rescued by the fallback finished like any other.
func (h *Hub) FallbackFinishedSuccess(runID, stepID string) {
	h.StepFinishedSuccess(runID, stepID)
}

// FallbackFinishedFail marks the step failed after the fallback gave up.
func (h *Hub) FallbackFinishedFail(runID, stepID string) {
	h.finishStep(runID, stepID, TypeFallbackFinishedFail, StatusFail)
}

// publishWith applies build under the lock, stamps the resulting event with
// the next seq and a millisecond timestamp, buffers it, and fans it out.
// Sends happen under the lock so delivery order matches sequence order;
// they never block because every subscriber channel send is non-blocking.
func (h *Hub) publishWith(runID string, build func(*runState) Event) {
	h.mu.Lock()
	r := h.ensureRunLocked(runID)
	ev := build(r)
	r.seq++
	ev.RunID = runID
	ev.Seq = r.seq
	ev.Ts = time.Now().UnixMilli()
	r.buffer = append(r.buffer, ev)
	if len(r.buffer) > BufferCapacity {
		r.buffer = r.buffer[len(r.buffer)-BufferCapacity:]
	}
	for _, ch := range h.subs[runID] {
		select {
		case ch <- ev:
		default:
			metrics.RunSubscriberDrops.Inc()
			h.logger.Warn("Run event subscriber lagging, dropping event",
				zap.String("run_id", runID),
				zap.Uint64("seq", ev.Seq),
				zap.String("type", ev.Type))
		}
	}
	h.mu.Unlock()

	metrics.RunEventsEmitted.WithLabelValues(ev.Type).Inc()
}
