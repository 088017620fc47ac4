// Package execution tracks workflow executions: their persisted records,
// the registry of in-flight runs, and termination. The streaming core keeps
// no state of its own; records live in an external database reached through
// the Store interface.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Execution statuses as persisted.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrNotFound reports an unknown execution id.
var ErrNotFound = errors.New("execution not found")

// Record is one workflow execution row.
type Record struct {
	ExecutionID            string         `db:"execution_id" json:"execution_id"`
	WorkflowID             string         `db:"workflow_id" json:"workflow_id"`
	UserID                 string         `db:"user_id" json:"user_id"`
	Status                 string         `db:"status" json:"status"`
	Mode                   string         `db:"mode" json:"mode"`
	VisualStreamingEnabled bool           `db:"visual_streaming_enabled" json:"visual_streaming_enabled"`
	SessionID              string         `db:"session_id" json:"session_id"`
	VisualQuality          string         `db:"visual_quality" json:"visual_quality"`
	Inputs                 types.JSONText `db:"inputs" json:"inputs,omitempty"`
	Result                 *string        `db:"result" json:"result,omitempty"`
	Error                  *string        `db:"error" json:"error,omitempty"`
	Logs                   *string        `db:"logs" json:"logs,omitempty"`
	CreatedAt              time.Time      `db:"created_at" json:"created_at"`
	CompletedAt            *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	ExecutionTimeSeconds   float64        `db:"execution_time_seconds" json:"execution_time_seconds"`
	VisualEventsCaptured   int64          `db:"visual_events_captured" json:"visual_events_captured"`
	VisualStreamDuration   float64        `db:"visual_stream_duration" json:"visual_stream_duration"`
}

// Completion carries the terminal fields written when an execution ends.
type Completion struct {
	Status               string
	Result               string
	Error                string
	VisualEventsCaptured int64
	VisualStreamDuration float64
}

// Store persists execution records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, executionID string) (*Record, error)
	UpdateStatus(ctx context.Context, executionID, status string) error
	MarkCompleted(ctx context.Context, executionID string, c Completion) error
}
