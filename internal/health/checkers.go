package health

import "context"

// Pinger is the probe surface shared by the Redis peer and the Postgres
// store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts anything with a Ping method into a Checker.
type PingChecker struct {
	name     string
	critical bool
	pinger   Pinger
}

// NewPingChecker wraps a Pinger. The name appears as the component in
// readiness payloads.
func NewPingChecker(name string, critical bool, pinger Pinger) *PingChecker {
	return &PingChecker{name: name, critical: critical, pinger: pinger}
}

func (c *PingChecker) Name() string     { return c.name }
func (c *PingChecker) IsCritical() bool { return c.critical }

func (c *PingChecker) Check(ctx context.Context) error {
	return c.pinger.Ping(ctx)
}

// CheckFunc adapts a bare function into a Checker.
type CheckFunc struct {
	name     string
	critical bool
	fn       func(ctx context.Context) error
}

// NewCheckFunc wraps a probe function.
func NewCheckFunc(name string, critical bool, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, critical: critical, fn: fn}
}

func (c *CheckFunc) Name() string     { return c.name }
func (c *CheckFunc) IsCritical() bool { return c.critical }

func (c *CheckFunc) Check(ctx context.Context) error {
	return c.fn(ctx)
}
