// Package control forwards viewer input (mouse, keyboard, wheel) to the live
// browser page of a visual session. The workflow runner registers a Driver
// per session; the control-channel WebSocket handler validates each inbound
// message and executes it through the Dispatcher.
package control

import (
	"context"
	"sync"
)

// Driver executes user input against one browser page. Implementations wrap
// the automation library's mouse and keyboard APIs; every call may touch the
// network and takes a context.
type Driver interface {
	// Probe reports whether the page is currently controllable. A non-nil
	// error rejects the control connection before any input is accepted.
	Probe(ctx context.Context) error

	MouseClick(ctx context.Context, x, y float64, button string) error
	MouseDoubleClick(ctx context.Context, x, y float64) error
	MouseMove(ctx context.Context, x, y float64) error
	// MouseDown positions the pointer at (x, y) and presses button.
	MouseDown(ctx context.Context, x, y float64, button string) error
	MouseUp(ctx context.Context, button string) error

	// KeyPress types a single printable character (down and up).
	KeyPress(ctx context.Context, key string) error
	KeyDown(ctx context.Context, key string) error
	KeyUp(ctx context.Context, key string) error

	Wheel(ctx context.Context, deltaX, deltaY float64) error
}

// The registry maps session ids to live drivers so the control channel can
// reach a session's page without threading it through every call.

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Driver)
)

// Register makes a driver reachable by session id, replacing any previous
// registration for that session.
func Register(sessionID string, d Driver) {
	registryMu.Lock()
	registry[sessionID] = d
	registryMu.Unlock()
}

// Unregister removes a session's driver.
func Unregister(sessionID string) {
	registryMu.Lock()
	delete(registry, sessionID)
	registryMu.Unlock()
}

// Get looks up the driver for a session.
func Get(sessionID string) (Driver, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[sessionID]
	return d, ok
}

// Sessions lists session ids with a registered driver.
func Sessions() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	return ids
}
