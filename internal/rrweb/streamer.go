package rrweb

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/metrics"
)

// Phase is the lifecycle state of a session streamer. Transitions are
// one-way; a session that reached CLEANUP is never reused.
type Phase string

const (
	PhaseSetup     Phase = "setup"
	PhaseReady     Phase = "ready"
	PhaseExecuting Phase = "executing"
	PhaseCompleted Phase = "completed"
	PhaseCleanup   Phase = "cleanup"
)

var phaseOrder = map[Phase]int{
	PhaseSetup:     0,
	PhaseReady:     1,
	PhaseExecuting: 2,
	PhaseCompleted: 3,
	PhaseCleanup:   4,
}

// PhaseTransition records one phase change for diagnostics.
type PhaseTransition struct {
	From Phase `json:"from"`
	To   Phase `json:"to"`
	At   int64 `json:"at"`
}

// Client is a consumer attached to a streamer. Send must not block
// indefinitely; implementations queue frames and report overflow or a dead
// socket by returning an error, which removes the client.
type Client interface {
	ID() string
	Send(frame []byte) error
	Close()
}

// Stats is the point-in-time view of a streamer returned by the status
// endpoint.
type Stats struct {
	SessionID          string            `json:"session_id"`
	IsStreaming        bool              `json:"is_streaming"`
	TotalEvents        uint64            `json:"total_events"`
	WorkflowEvents     uint64            `json:"workflow_events"`
	SetupEvents        uint64            `json:"setup_events"`
	EventsPerSecond    float64           `json:"events_per_second"`
	LastEventTime      int64             `json:"last_event_time"`
	BufferSize         int               `json:"buffer_size"`
	ConnectedClients   int               `json:"connected_clients"`
	BrowserReady       bool              `json:"browser_ready"`
	CurrentPhase       Phase             `json:"current_phase"`
	FirstWorkflowEvent int64             `json:"first_workflow_event_time,omitempty"`
	PhaseTransitions   []PhaseTransition `json:"phase_transitions"`
}

// FinalStats is attached to the workflow_completed frame on graceful
// shutdown.
type FinalStats struct {
	TotalEvents     uint64  `json:"total_events"`
	SessionDuration float64 `json:"session_duration"`
	EventsPerSecond float64 `json:"events_per_second"`
}

const (
	bufferCapacity  = 1000
	ingestQueueSize = 1024

	// DefaultResetWindow is the trailing slice of buffered events re-sent
	// after the most recent FullSnapshot on a sequence reset.
	DefaultResetWindow = 3 * time.Second

	shutdownGrace = 2 * time.Second
)

type cmdKind int

const (
	cmdEvent cmdKind = iota
	cmdJoin
	cmdResetReplay
	cmdControl
)

// streamCmd is the unit of work for the broadcast goroutine. Replay and
// control traffic share the event queue so every client observes a single
// serialized order.
type streamCmd struct {
	kind   cmdKind
	ev     SequencedEvent
	client Client
	window time.Duration
	raw    []byte
	done   chan struct{}
}

// Streamer validates, sequences, buffers, and fans out the rrweb events of
// one session. A single broadcast goroutine drains the command queue, which
// is the only place client sockets are written from.
type Streamer struct {
	sessionID string
	logger    *zap.Logger
	createdAt time.Time

	// ingestMu serializes sequence assignment through enqueue so events
	// reach the broadcast goroutine in sequence order.
	ingestMu sync.Mutex

	mu           sync.Mutex
	buffer       *eventRing
	nextSeq      uint64
	clients      map[string]*clientSlot
	resets       map[string]time.Duration
	phase        Phase
	transitions  []PhaseTransition
	browserReady bool
	active       bool

	totalEvents    uint64
	workflowEvents uint64
	setupEvents    uint64
	lastEventAt    time.Time
	firstWorkflow  time.Time
	stoppedAt      time.Time

	queue  chan streamCmd
	stopCh chan struct{}
	done   chan struct{}

	onDisconnect func(clientID string)
}

// clientSlot is the registration entry for one connected client. The map
// itself is guarded by mu; lastSeq/hasSeq are touched only by the broadcast
// goroutine and record the high-water sequence id already delivered, so a
// join replay and the live stream never double-send a frame.
type clientSlot struct {
	c       Client
	lastSeq uint64
	hasSeq  bool
}

// NewStreamer creates a streamer for sessionID in phase SETUP. Call
// StartStreaming to begin broadcasting.
func NewStreamer(sessionID string, logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{
		sessionID: sessionID,
		logger:    logger.With(zap.String("session_id", sessionID)),
		createdAt: time.Now(),
		buffer:    newEventRing(bufferCapacity),
		clients:   make(map[string]*clientSlot),
		resets:    make(map[string]time.Duration),
		phase:     PhaseSetup,
		queue:     make(chan streamCmd, ingestQueueSize),
	}
}

// SessionID returns the session this streamer serves.
func (s *Streamer) SessionID() string { return s.sessionID }

// SetDisconnectCallback registers accounting invoked when a client is
// dropped after a failed send.
func (s *Streamer) SetDisconnectCallback(fn func(clientID string)) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

// StartStreaming launches the broadcast goroutine. Returns true when
// streaming is active, including when it already was.
func (s *Streamer) StartStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return true
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.active = true
	s.stoppedAt = time.Time{}
	go s.run(s.stopCh, s.done)
	s.logger.Info("Streaming started")
	return true
}

// StopStreaming stops the broadcast goroutine and waits for it to exit.
// Returns true when streaming is inactive, including when it already was.
func (s *Streamer) StopStreaming() bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return true
	}
	stopCh, done := s.stopCh, s.done
	s.active = false
	s.stoppedAt = time.Now()
	s.mu.Unlock()

	close(stopCh)
	<-done
	s.logger.Info("Streaming stopped")
	return true
}

// ProcessEvent validates raw, assigns the next sequence id, appends the
// event to the replay buffer, and hands it to the broadcast goroutine.
// Returns false when the event is rejected.
func (s *Streamer) ProcessEvent(raw map[string]any) bool {
	typ, err := validateEvent(raw)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		s.logger.Warn("Dropping invalid event", zap.Error(err))
		return false
	}
	if typ == EventFullSnapshot {
		if n := nodeSize(raw); n < 1000 {
			s.logger.Warn("FullSnapshot DOM tree suspiciously small", zap.Int("bytes", n))
		}
	}
	now := time.Now()
	ensureTimestamp(raw, now)

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	s.mu.Lock()
	ev := SequencedEvent{
		SessionID:  s.sessionID,
		ReceivedAt: now,
		SequenceID: s.nextSeq,
		Event:      raw,
	}
	s.nextSeq++
	s.buffer.push(ev)
	s.totalEvents++
	s.lastEventAt = now
	phase := s.phase
	if phase == PhaseExecuting {
		s.workflowEvents++
		if s.firstWorkflow.IsZero() {
			s.firstWorkflow = now
		}
	} else {
		s.setupEvents++
	}
	active := s.active
	stopCh := s.stopCh
	s.mu.Unlock()

	metrics.EventsProcessed.WithLabelValues(string(phase)).Inc()

	cmd := streamCmd{kind: cmdEvent, ev: ev}
	if !active {
		// No consumer yet; keep what fits, late joiners replay from the ring.
		select {
		case s.queue <- cmd:
		default:
			metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		}
		return true
	}
	select {
	case s.queue <- cmd:
	case <-stopCh:
	}
	return true
}

// AddClient registers a consumer. Buffered events are replayed to it by the
// broadcast goroutine before any newer live event, so late joiners observe a
// gap-free sequence. When the client is reset-marked the replay is the most
// recent FullSnapshot plus the trailing window instead of the whole buffer.
func (s *Streamer) AddClient(c Client) bool {
	select {
	case s.queue <- streamCmd{kind: cmdJoin, client: c}:
		return true
	default:
	}
	// Queue saturated; joining is worth a short wait.
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case s.queue <- streamCmd{kind: cmdJoin, client: c}:
		return true
	case <-t.C:
		s.logger.Warn("Client join timed out", zap.String("client_id", c.ID()))
		return false
	}
}

// RemoveClient releases the client's slot. Safe to call for unknown ids.
func (s *Streamer) RemoveClient(c Client) {
	s.mu.Lock()
	_, ok := s.clients[c.ID()]
	delete(s.clients, c.ID())
	delete(s.resets, c.ID())
	n := len(s.clients)
	s.mu.Unlock()
	if ok {
		s.logger.Debug("Client removed", zap.String("client_id", c.ID()), zap.Int("remaining", n))
	}
}

// ClientCount reports currently registered consumers.
func (s *Streamer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// MarkSequenceResetForClient records that the next replay for this client
// restarts its local replayer: a FullSnapshot plus window rather than the
// full buffer. Session state is untouched.
func (s *Streamer) MarkSequenceResetForClient(c Client, window time.Duration) {
	if window <= 0 {
		window = DefaultResetWindow
	}
	s.mu.Lock()
	s.resets[c.ID()] = window
	s.mu.Unlock()
}

// SendLastFullSnapshotToClient replays the most recent FullSnapshot plus the
// trailing window of events to one client. Read-only: neither the sequence
// counter nor the buffer is modified.
func (s *Streamer) SendLastFullSnapshotToClient(c Client, window time.Duration) bool {
	if window <= 0 {
		window = DefaultResetWindow
	}
	select {
	case s.queue <- streamCmd{kind: cmdResetReplay, client: c, window: window}:
		return true
	default:
		s.logger.Warn("Reset replay dropped, queue full", zap.String("client_id", c.ID()))
		return false
	}
}

// BroadcastControl serializes msg once and delivers it to every connected
// client, after any event already queued. done, when non-nil, is closed once
// the frame has been handed to every client queue.
func (s *Streamer) BroadcastControl(msg any, done chan struct{}) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Control frame marshal failed", zap.Error(err))
		return false
	}
	s.mu.Lock()
	active := s.active
	stopCh := s.stopCh
	s.mu.Unlock()
	if !active {
		// Broadcast goroutine not running; write directly.
		s.deliverRaw(raw)
		if done != nil {
			close(done)
		}
		return true
	}
	select {
	case s.queue <- streamCmd{kind: cmdControl, raw: raw, done: done}:
		return true
	case <-stopCh:
		return false
	}
}

// GracefulShutdown broadcasts a terminal workflow_completed frame with the
// session's final statistics, allows clients up to 2 s to drain, then stops
// streaming and closes every client. With no clients connected it skips the
// grace period.
func (s *Streamer) GracefulShutdown(ctx context.Context) {
	final := s.finalStats()
	if s.ClientCount() == 0 {
		s.StopStreaming()
		s.closeAllClients()
		s.logger.Info("Graceful shutdown complete",
			zap.Uint64("total_events", final.TotalEvents),
			zap.Float64("duration_seconds", final.SessionDuration))
		return
	}
	frame := map[string]any{
		"type":        "workflow_completed",
		"session_id":  s.sessionID,
		"timestamp":   time.Now().UnixMilli(),
		"message":     "Workflow execution completed",
		"final_stats": final,
	}
	done := make(chan struct{})
	if !s.BroadcastControl(frame, done) {
		done = nil
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(shutdownGrace):
		case <-ctx.Done():
		}
	}
	// Give client writers a moment to flush the terminal frame.
	select {
	case <-time.After(shutdownGrace):
	case <-ctx.Done():
	}
	s.StopStreaming()
	s.closeAllClients()
	s.logger.Info("Graceful shutdown complete",
		zap.Uint64("total_events", final.TotalEvents),
		zap.Float64("duration_seconds", final.SessionDuration))
}

func (s *Streamer) closeAllClients() {
	s.mu.Lock()
	slots := make([]*clientSlot, 0, len(s.clients))
	for _, slot := range s.clients {
		slots = append(slots, slot)
	}
	s.clients = make(map[string]*clientSlot)
	s.resets = make(map[string]time.Duration)
	s.mu.Unlock()
	for _, slot := range slots {
		slot.c.Close()
	}
}

// --- phase machine ---

// Phase returns the current lifecycle phase.
func (s *Streamer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// TransitionToReady moves SETUP -> READY. Idempotent; never moves backward.
func (s *Streamer) TransitionToReady() bool { return s.transitionTo(PhaseReady) }

// TransitionToExecuting moves to EXECUTING and force-marks the browser
// ready: by the time execution starts, injection has succeeded even if the
// ready callback lost a race.
func (s *Streamer) TransitionToExecuting() bool {
	ok := s.transitionTo(PhaseExecuting)
	if ok {
		s.mu.Lock()
		s.browserReady = true
		s.mu.Unlock()
	}
	return ok
}

// TransitionToCompleted moves to COMPLETED.
func (s *Streamer) TransitionToCompleted() bool { return s.transitionTo(PhaseCompleted) }

// TransitionToCleanup moves to CLEANUP. The browser-ready flag is preserved
// until FinalCleanup so viewers can tell a finished workflow from an aborted
// one.
func (s *Streamer) TransitionToCleanup() bool { return s.transitionTo(PhaseCleanup) }

func (s *Streamer) transitionTo(target Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == target {
		return true
	}
	if phaseOrder[target] < phaseOrder[s.phase] {
		s.logger.Warn("Ignoring backward phase transition",
			zap.String("from", string(s.phase)), zap.String("to", string(target)))
		return false
	}
	s.transitions = append(s.transitions, PhaseTransition{
		From: s.phase,
		To:   target,
		At:   time.Now().UnixMilli(),
	})
	s.logger.Info("Phase transition",
		zap.String("from", string(s.phase)), zap.String("to", string(target)))
	s.phase = target
	return true
}

// FinalCleanup stops streaming, clears the buffer, and resets the
// browser-ready flag. The terminal step of session teardown.
func (s *Streamer) FinalCleanup() {
	s.transitionTo(PhaseCleanup)
	s.StopStreaming()
	s.mu.Lock()
	s.buffer.clear()
	s.browserReady = false
	s.mu.Unlock()
	s.closeAllClients()
	s.logger.Info("Final cleanup complete")
}

// MarkBrowserReady flags that the recording agent delivered its first
// FullSnapshot and the page is controllable.
func (s *Streamer) MarkBrowserReady() {
	s.mu.Lock()
	s.browserReady = true
	s.mu.Unlock()
}

// MarkBrowserNotReady clears the browser-ready flag.
func (s *Streamer) MarkBrowserNotReady() {
	s.mu.Lock()
	s.browserReady = false
	s.mu.Unlock()
}

// BrowserReady reports the browser-ready flag.
func (s *Streamer) BrowserReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browserReady
}

// StreamingReady reports whether the session is usable by a viewer:
// streaming active, at least one event processed, and either the browser is
// ready or enough events arrived to reconstruct a view anyway.
func (s *Streamer) StreamingReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && s.totalEvents > 0 && (s.browserReady || s.totalEvents >= 3)
}

// ClearBuffer drops all buffered events. The sequence counter keeps
// counting; replay after a clear starts at the next event.
func (s *Streamer) ClearBuffer() {
	s.mu.Lock()
	s.buffer.clear()
	s.mu.Unlock()
}

// LastEventAt reports the receive time of the most recent event.
func (s *Streamer) LastEventAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventAt
}

// CreatedAt reports when the streamer was constructed.
func (s *Streamer) CreatedAt() time.Time { return s.createdAt }

// InactiveSince reports when streaming last stopped; zero while streaming is
// active or before the first start.
func (s *Streamer) InactiveSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppedAt
}

// IsStreaming reports whether the broadcast goroutine is running.
func (s *Streamer) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stats returns a point-in-time snapshot of the streamer.
func (s *Streamer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		SessionID:        s.sessionID,
		IsStreaming:      s.active,
		TotalEvents:      s.totalEvents,
		WorkflowEvents:   s.workflowEvents,
		SetupEvents:      s.setupEvents,
		BufferSize:       s.buffer.len(),
		ConnectedClients: len(s.clients),
		BrowserReady:     s.browserReady,
		CurrentPhase:     s.phase,
		PhaseTransitions: append([]PhaseTransition(nil), s.transitions...),
	}
	if !s.lastEventAt.IsZero() {
		st.LastEventTime = s.lastEventAt.UnixMilli()
	}
	if !s.firstWorkflow.IsZero() {
		st.FirstWorkflowEvent = s.firstWorkflow.UnixMilli()
	}
	if elapsed := time.Since(s.createdAt).Seconds(); elapsed > 0 {
		st.EventsPerSecond = float64(s.totalEvents) / elapsed
	}
	return st
}

// ReadinessSummary is the compact readiness view used by the status
// endpoint.
func (s *Streamer) ReadinessSummary() map[string]any {
	st := s.Stats()
	return map[string]any{
		"session_id":       s.sessionID,
		"browser_ready":    st.BrowserReady,
		"streaming_active": st.IsStreaming,
		"events_processed": st.TotalEvents,
		"workflow_events":  st.WorkflowEvents,
		"current_phase":    st.CurrentPhase,
		"streaming_ready":  st.IsStreaming && st.TotalEvents > 0 && (st.BrowserReady || st.TotalEvents >= 3),
	}
}

func (s *Streamer) finalStats() FinalStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	dur := time.Since(s.createdAt).Seconds()
	fs := FinalStats{TotalEvents: s.totalEvents, SessionDuration: dur}
	if dur > 0 {
		fs.EventsPerSecond = float64(s.totalEvents) / dur
	}
	return fs
}

// --- broadcast goroutine ---

func (s *Streamer) run(stopCh, done chan struct{}) {
	defer close(done)
	for {
		select {
		case cmd := <-s.queue:
			s.handle(cmd)
		case <-stopCh:
			return
		}
	}
}

func (s *Streamer) handle(cmd streamCmd) {
	switch cmd.kind {
	case cmdEvent:
		s.broadcastEvent(cmd.ev)
	case cmdJoin:
		s.join(cmd.client)
	case cmdResetReplay:
		s.resetReplay(cmd.client, cmd.window)
	case cmdControl:
		s.deliverRaw(cmd.raw)
		if cmd.done != nil {
			close(cmd.done)
		}
	}
}

func (s *Streamer) snapshotClients() []*clientSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*clientSlot, 0, len(s.clients))
	for _, slot := range s.clients {
		out = append(out, slot)
	}
	return out
}

func (s *Streamer) broadcastEvent(ev SequencedEvent) {
	frame := ev.Frame().Marshal()
	for _, slot := range s.snapshotClients() {
		if slot.hasSeq && ev.SequenceID <= slot.lastSeq {
			continue
		}
		if err := slot.c.Send(frame); err != nil {
			s.dropClient(slot, err)
			continue
		}
		slot.lastSeq = ev.SequenceID
		slot.hasSeq = true
	}
}

func (s *Streamer) deliverRaw(raw []byte) {
	for _, slot := range s.snapshotClients() {
		if err := slot.c.Send(raw); err != nil {
			s.dropClient(slot, err)
		}
	}
}

// join replays the buffer to a new client, then registers it for live
// events. Runs on the broadcast goroutine so no live event can interleave
// with the replay.
func (s *Streamer) join(c Client) {
	slot := &clientSlot{c: c}
	s.mu.Lock()
	window, reset := s.resets[c.ID()]
	delete(s.resets, c.ID())
	var events []SequencedEvent
	if reset {
		events = s.buffer.sinceLastFullSnapshot(window)
	} else {
		events = s.buffer.snapshot()
	}
	s.clients[c.ID()] = slot
	s.mu.Unlock()

	for _, ev := range events {
		if err := c.Send(ev.Frame().Marshal()); err != nil {
			s.logger.Warn("Buffered replay aborted",
				zap.String("client_id", c.ID()), zap.Error(err))
			s.dropClient(slot, err)
			return
		}
		slot.lastSeq = ev.SequenceID
		slot.hasSeq = true
	}
	s.logger.Info("Client joined",
		zap.String("client_id", c.ID()), zap.Int("replayed", len(events)))
}

// resetReplay re-sends the most recent FullSnapshot plus the trailing window
// to one client, preserving each frame's original sequence id. The slot's
// high-water mark is left alone: live delivery continues from the true
// position.
func (s *Streamer) resetReplay(c Client, window time.Duration) {
	s.mu.Lock()
	slot, ok := s.clients[c.ID()]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.resets, c.ID())
	events := s.buffer.sinceLastFullSnapshot(window)
	s.mu.Unlock()

	if len(events) == 0 {
		s.logger.Warn("No FullSnapshot available for reset replay",
			zap.String("client_id", c.ID()))
		return
	}
	for _, ev := range events {
		if err := c.Send(ev.Frame().Marshal()); err != nil {
			s.dropClient(slot, err)
			return
		}
	}
	s.logger.Info("Sequence reset replay sent",
		zap.String("client_id", c.ID()),
		zap.Int("events", len(events)),
		zap.Duration("window", window))
}

func (s *Streamer) dropClient(slot *clientSlot, err error) {
	id := slot.c.ID()
	s.mu.Lock()
	_, ok := s.clients[id]
	delete(s.clients, id)
	delete(s.resets, id)
	cb := s.onDisconnect
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Warn("Dropping client after failed send",
		zap.String("client_id", id), zap.Error(err))
	slot.c.Close()
	if cb != nil {
		go func() {
			defer func() { _ = recover() }()
			cb(id)
		}()
	}
}

// --- ring buffer ---

// eventRing is a fixed-capacity ring of sequenced events, oldest evicted.
type eventRing struct {
	buf   []SequencedEvent
	start int
	count int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]SequencedEvent, capacity)}
}

func (r *eventRing) push(ev SequencedEvent) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = ev
		r.count++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *eventRing) len() int { return r.count }

func (r *eventRing) clear() {
	r.start, r.count = 0, 0
}

func (r *eventRing) snapshot() []SequencedEvent {
	out := make([]SequencedEvent, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// sinceLastFullSnapshot returns the most recent FullSnapshot followed by
// every later event received within the trailing window. Empty when the
// buffer holds no FullSnapshot.
func (r *eventRing) sinceLastFullSnapshot(window time.Duration) []SequencedEvent {
	all := r.snapshot()
	snapIdx := -1
	for i := len(all) - 1; i >= 0; i-- {
		if t, ok := eventType(all[i].Event); ok && t == EventFullSnapshot {
			snapIdx = i
			break
		}
	}
	if snapIdx < 0 {
		return nil
	}
	out := []SequencedEvent{all[snapIdx]}
	cutoff := time.Now().Add(-window)
	for _, ev := range all[snapIdx+1:] {
		if ev.ReceivedAt.After(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}
