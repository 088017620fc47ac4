// Package rrweb implements per-session streaming of rrweb DOM events:
// validation, sequencing, bounded buffering, phase tracking, and fan-out to
// connected viewer clients. A Manager owns the session-id to Streamer
// mapping and retires idle sessions.
//
// All timestamps on the wire are milliseconds since the Unix epoch.
package rrweb

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// rrweb event types as emitted by the in-page recording agent.
const (
	EventDOMContentLoaded    = 0
	EventLoad                = 1
	EventFullSnapshot        = 2
	EventIncrementalSnapshot = 3
	EventMeta                = 4
	EventCustom              = 5
)

// ErrInvalidEvent is returned for events that fail validation and are
// dropped at the source.
var ErrInvalidEvent = errors.New("invalid rrweb event")

// ErrSessionNotFound is returned when a session id is unknown to the manager.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidSessionID is returned for session ids that are neither prefixed
// nor bare UUIDs.
var ErrInvalidSessionID = errors.New("invalid session id")

// SessionIDPrefix is the conventional prefix of visual streaming sessions.
const SessionIDPrefix = "visual-"

// NormalizeSessionID accepts either the canonical "visual-<uuid>" form or a
// bare UUID, which gets the prefix added.
func NormalizeSessionID(id string) (string, error) {
	if strings.HasPrefix(id, SessionIDPrefix) {
		return id, nil
	}
	if _, err := uuid.Parse(id); err == nil {
		return SessionIDPrefix + id, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
}

// SequencedEvent wraps a raw rrweb event with the session identity, the
// server receive time, and the per-session sequence id assigned on ingest.
type SequencedEvent struct {
	SessionID  string
	ReceivedAt time.Time
	SequenceID uint64
	Event      map[string]any
}

// EventFrame is the wire envelope for a sequenced event.
type EventFrame struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	Timestamp  int64          `json:"timestamp"`
	Event      map[string]any `json:"event"`
	SequenceID uint64         `json:"sequence_id"`
}

// Frame renders the wire envelope for ev.
func (ev SequencedEvent) Frame() EventFrame {
	return EventFrame{
		Type:       "rrweb_event",
		SessionID:  ev.SessionID,
		Timestamp:  ev.ReceivedAt.UnixMilli(),
		Event:      ev.Event,
		SequenceID: ev.SequenceID,
	}
}

// Marshal returns the JSON encoding of the frame. Events are serialized
// exactly once per broadcast; the bytes are shared across clients.
func (f EventFrame) Marshal() []byte {
	b, _ := json.Marshal(f)
	return b
}

// eventType extracts the numeric rrweb type field. JSON decoding yields
// float64, but ints are tolerated for events built in-process.
func eventType(raw map[string]any) (int, bool) {
	v, ok := raw["type"]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// validateEvent enforces the agent contract: a numeric type in [0,5],
// FullSnapshots carrying a non-empty data.node tree, and IncrementalSnapshots
// carrying data. It returns the parsed type on success.
func validateEvent(raw map[string]any) (int, error) {
	if raw == nil {
		return 0, fmt.Errorf("%w: not an object", ErrInvalidEvent)
	}
	typ, ok := eventType(raw)
	if !ok {
		return 0, fmt.Errorf("%w: missing or non-numeric type", ErrInvalidEvent)
	}
	if typ < EventDOMContentLoaded || typ > EventCustom {
		return 0, fmt.Errorf("%w: unknown type %d", ErrInvalidEvent, typ)
	}
	switch typ {
	case EventFullSnapshot:
		data, _ := raw["data"].(map[string]any)
		if data == nil {
			return 0, fmt.Errorf("%w: FullSnapshot without data", ErrInvalidEvent)
		}
		node := data["node"]
		if node == nil || emptyNode(node) {
			return 0, fmt.Errorf("%w: FullSnapshot with empty DOM tree", ErrInvalidEvent)
		}
	case EventIncrementalSnapshot:
		if _, ok := raw["data"]; !ok {
			return 0, fmt.Errorf("%w: IncrementalSnapshot without data", ErrInvalidEvent)
		}
	}
	return typ, nil
}

func emptyNode(node any) bool {
	switch n := node.(type) {
	case map[string]any:
		return len(n) == 0
	case []any:
		return len(n) == 0
	case string:
		return n == ""
	default:
		return false
	}
}

// nodeSize reports the serialized size of a FullSnapshot's DOM tree.
// Suspiciously small snapshots usually mean the agent fired before the
// document finished loading.
func nodeSize(raw map[string]any) int {
	data, _ := raw["data"].(map[string]any)
	if data == nil {
		return 0
	}
	b, err := json.Marshal(data["node"])
	if err != nil {
		return 0
	}
	return len(b)
}

// ensureTimestamp fills a missing event timestamp with the server wall
// clock in milliseconds.
func ensureTimestamp(raw map[string]any, now time.Time) {
	if _, ok := raw["timestamp"]; !ok {
		raw["timestamp"] = now.UnixMilli()
	}
}
