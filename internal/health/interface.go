package health

import (
	"context"
	"time"
)

// CheckStatus is the outcome of one health check.
type CheckStatus int

const (
	StatusUnknown CheckStatus = iota
	StatusHealthy
	StatusUnhealthy
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form.
func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses the string form back.
func (s *CheckStatus) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"healthy"`:
		*s = StatusHealthy
	case `"unhealthy"`:
		*s = StatusUnhealthy
	default:
		*s = StatusUnknown
	}
	return nil
}

// CheckResult records one evaluation of a checker.
type CheckResult struct {
	Component string        `json:"component"`
	Status    CheckStatus   `json:"status"`
	Error     string        `json:"error,omitempty"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// Checker probes one external collaborator. Critical checkers gate
// readiness; non-critical ones only show up in the readiness payload.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
	IsCritical() bool
}
