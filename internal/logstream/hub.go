// Package logstream fans out structured log records keyed by execution id.
// A bounded per-execution history lets late joiners catch up; an optional
// peer channel (Redis pub/sub) relays records to sibling worker processes.
package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/metrics"
)

const (
	// MaxHistory is the per-execution history ring size.
	MaxHistory = 200
	// HistoryTTL is measured from the last publish; expired histories are
	// purged opportunistically on publish and ignored on read.
	HistoryTTL = 180 * time.Second
)

// Frame is the wire shape of one log record.
type Frame struct {
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	Level       string `json:"level"`
	Logger      string `json:"logger"`
	Message     string `json:"message"`
	ExecutionID string `json:"execution_id"`
	Pathname    string `json:"pathname"`
	Lineno      int    `json:"lineno"`
	Replay      bool   `json:"replay,omitempty"`
}

// Subscriber receives published frames. Each subscriber is driven by its own
// delivery goroutine, so callbacks observe frames in publish order and a
// panic inside one is swallowed without touching the publisher or other
// subscribers. A subscriber that stops draining loses frames rather than
// blocking Publish.
type Subscriber func(Frame)

// subscriberQueueCap bounds the per-subscriber delivery channel.
const subscriberQueueCap = 256

type subscriberSlot struct {
	fn Subscriber
	ch chan Frame
}

// Subscription identifies one registered subscriber for Unsubscribe.
type Subscription struct {
	executionID string
	token       int
}

// Peer is the optional cross-process channel. Implementations must tolerate
// concurrent use. The hub works identically with a nil Peer.
type Peer interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers raw payloads for channel to handler until the
	// returned cancel function is called.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

// peerEnvelope wraps a frame on the peer channel so the publishing process
// can recognize its own messages and drop them.
type peerEnvelope struct {
	PublisherID string `json:"publisher_id"`
	Frame       Frame  `json:"frame"`
}

type history struct {
	frames      []Frame
	lastPublish time.Time
}

// Hub is the per-execution log broadcast hub.
type Hub struct {
	logger      *zap.Logger
	peer        Peer
	publisherID string

	mu        sync.Mutex
	nextToken int
	subs      map[string]map[int]*subscriberSlot
	histories map[string]*history
	peerSubs  map[string]func()
}

// NewHub creates a hub. peer may be nil, which disables cross-process
// fan-out.
func NewHub(peer Peer, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Hub{
		logger:      logger.Named("logstream"),
		peer:        peer,
		publisherID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		subs:        make(map[string]map[int]*subscriberSlot),
		histories:   make(map[string]*history),
		peerSubs:    make(map[string]func()),
	}
}

// PublisherID returns this process's peer channel identity, {hostname}-{pid}.
func (h *Hub) PublisherID() string { return h.publisherID }

// PeerChannel returns the peer channel name for an execution id.
func PeerChannel(executionID string) string { return "logs:" + executionID }

// Subscribe registers fn for executionID and starts its delivery goroutine.
// The transition from zero to one local subscribers opens the peer
// subscription for the execution's channel when a peer is configured.
func (h *Hub) Subscribe(executionID string, fn Subscriber) *Subscription {
	if executionID == "" {
		return nil
	}
	slot := &subscriberSlot{fn: fn, ch: make(chan Frame, subscriberQueueCap)}

	h.mu.Lock()
	set := h.subs[executionID]
	if set == nil {
		set = make(map[int]*subscriberSlot)
		h.subs[executionID] = set
	}
	h.nextToken++
	token := h.nextToken
	set[token] = slot
	needPeer := h.peer != nil && len(set) == 1
	if needPeer {
		// Reserve the slot before the network call so a concurrent
		// Subscribe does not open a second peer subscription.
		h.peerSubs[executionID] = func() {}
	}
	h.mu.Unlock()

	go h.deliverLoop(slot)

	if needPeer {
		h.openPeerSubscription(executionID)
	}
	return &Subscription{executionID: executionID, token: token}
}

// deliverLoop drains one subscriber's channel in order. Panics inside the
// callback are contained here, at the spawn boundary.
func (h *Hub) deliverLoop(slot *subscriberSlot) {
	for frame := range slot.ch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Warn("Log subscriber panicked", zap.Any("panic", r))
				}
			}()
			slot.fn(frame)
		}()
	}
}

// Unsubscribe releases a subscription and stops its delivery goroutine. The
// last local subscriber for an execution closes its peer subscription.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	var cancel func()
	if set, ok := h.subs[sub.executionID]; ok {
		if slot, ok := set[sub.token]; ok {
			delete(set, sub.token)
			close(slot.ch)
		}
		if len(set) == 0 {
			delete(h.subs, sub.executionID)
			cancel = h.peerSubs[sub.executionID]
			delete(h.peerSubs, sub.executionID)
		}
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Publish appends frame to the execution's history, purges expired
// histories, and enqueues the frame to every local subscriber in publish
// order. Returns the number of subscribers reached. Empty execution ids are
// a no-op.
func (h *Hub) Publish(executionID string, frame Frame) int {
	if executionID == "" {
		return 0
	}
	frame.ExecutionID = executionID
	now := time.Now()

	h.mu.Lock()
	hist := h.histories[executionID]
	if hist == nil {
		hist = &history{}
		h.histories[executionID] = hist
	}
	hist.frames = append(hist.frames, frame)
	if len(hist.frames) > MaxHistory {
		hist.frames = hist.frames[len(hist.frames)-MaxHistory:]
	}
	hist.lastPublish = now
	for id, other := range h.histories {
		if id != executionID && now.Sub(other.lastPublish) > HistoryTTL {
			delete(h.histories, id)
		}
	}
	n := h.dispatchLocked(executionID, frame)
	h.mu.Unlock()

	metrics.LogPublishes.Inc()
	return n
}

// PublishToPeer relays frame to sibling processes over the peer channel.
// Without a configured peer this is silently local-only.
func (h *Hub) PublishToPeer(ctx context.Context, executionID string, frame Frame) {
	if h.peer == nil || executionID == "" {
		return
	}
	frame.ExecutionID = executionID
	payload, err := json.Marshal(peerEnvelope{PublisherID: h.publisherID, Frame: frame})
	if err != nil {
		h.logger.Warn("Peer envelope marshal failed", zap.Error(err))
		return
	}
	if err := h.peer.Publish(ctx, PeerChannel(executionID), payload); err != nil {
		h.logger.Warn("Peer publish failed",
			zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	metrics.PeerMessagesOut.Inc()
}

// History returns a copy of the execution's buffered frames. Expired
// histories read as empty.
func (h *Hub) History(executionID string) []Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	hist := h.histories[executionID]
	if hist == nil || time.Since(hist.lastPublish) > HistoryTTL {
		return nil
	}
	out := make([]Frame, len(hist.frames))
	copy(out, hist.frames)
	return out
}

// SubscriberCount reports local subscribers for an execution id.
func (h *Hub) SubscriberCount(executionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[executionID])
}

// Close cancels all peer subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	cancels := make([]func(), 0, len(h.peerSubs))
	for _, cancel := range h.peerSubs {
		cancels = append(cancels, cancel)
	}
	h.peerSubs = make(map[string]func())
	h.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// dispatchLocked feeds frame to every subscriber queue for the execution.
// Sends never block: a subscriber whose queue is full loses the frame rather
// than stalling the publisher. Caller holds h.mu, which also serializes
// sends against the close in Unsubscribe.
func (h *Hub) dispatchLocked(executionID string, frame Frame) int {
	set := h.subs[executionID]
	n := 0
	for _, slot := range set {
		select {
		case slot.ch <- frame:
		default:
			h.logger.Warn("Log subscriber lagging, frame dropped",
				zap.String("execution_id", executionID))
		}
		n++
	}
	return n
}

// deliverLocal hands a peer-received frame to local subscribers without
// touching history or the peer channel, so it cannot loop back.
func (h *Hub) deliverLocal(executionID string, frame Frame) {
	h.mu.Lock()
	h.dispatchLocked(executionID, frame)
	h.mu.Unlock()
}

func (h *Hub) openPeerSubscription(executionID string) {
	cancel, err := h.peer.Subscribe(context.Background(), PeerChannel(executionID), func(payload []byte) {
		var env peerEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.logger.Warn("Malformed peer message",
				zap.String("execution_id", executionID), zap.Error(err))
			return
		}
		if env.PublisherID == h.publisherID {
			return // our own publish echoed back
		}
		metrics.PeerMessagesIn.Inc()
		h.deliverLocal(executionID, env.Frame)
	})
	if err != nil {
		h.logger.Warn("Peer subscribe failed, fan-out stays local",
			zap.String("execution_id", executionID), zap.Error(err))
		h.mu.Lock()
		delete(h.peerSubs, executionID)
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	if _, stillWanted := h.subs[executionID]; stillWanted {
		h.peerSubs[executionID] = cancel
		cancel = nil
	} else {
		// Last subscriber left while we were connecting.
		delete(h.peerSubs, executionID)
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
