package control

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Wire error classifications reported back to the control client.
const (
	ErrTypeInvalidMessage  = "invalid_message"
	ErrTypeSessionNotFound = "session_not_found"
	ErrTypeBrowserNotReady = "browser_not_ready"
	ErrTypeExecutionFailed = "execution_failed"
)

// MaxCoordinate bounds mouse coordinates on both axes.
const MaxCoordinate = 10000

// Error is a control failure tagged with its wire classification.
type Error struct {
	Type string
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func invalidf(format string, args ...any) *Error {
	return &Error{Type: ErrTypeInvalidMessage, Err: fmt.Errorf(format, args...)}
}

// Message is one inbound control frame's inner message. Pointer fields
// distinguish absent from zero, which matters for required-field checks.
type Message struct {
	Type   string   `json:"type"`
	Action string   `json:"action"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Key    *string  `json:"key"`
	Button string   `json:"button"`
	DeltaX float64  `json:"deltaX"`
	DeltaY float64  `json:"deltaY"`
}

// Dispatcher validates and executes control messages for one session. The
// logger carries the session's execution_id field so control activity shows
// up on the session's log stream. Keyboard characters are never logged
// unless debugKeys is set; they may be passwords.
type Dispatcher struct {
	driver    Driver
	logger    *zap.Logger
	debugKeys bool
}

// NewDispatcher binds a driver for one control connection.
func NewDispatcher(driver Driver, debugKeys bool, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{driver: driver, logger: logger, debugKeys: debugKeys}
}

// Execute runs one message. Any returned error is a *Error carrying the wire
// classification.
func (d *Dispatcher) Execute(ctx context.Context, msg Message) error {
	switch msg.Type {
	case "mouse":
		return d.mouse(ctx, msg)
	case "keyboard":
		return d.keyboard(ctx, msg)
	case "wheel":
		return d.wheel(ctx, msg)
	case "":
		return invalidf("Missing 'type' field in message")
	default:
		return invalidf("Unknown message type: %s", msg.Type)
	}
}

func (d *Dispatcher) mouse(ctx context.Context, msg Message) error {
	if msg.Action == "" || msg.X == nil || msg.Y == nil {
		return invalidf("Mouse message missing required fields: action, x, y")
	}
	x, y := *msg.X, *msg.Y
	if x < 0 || x > MaxCoordinate || y < 0 || y > MaxCoordinate {
		return invalidf("Invalid coordinates: x=%v, y=%v (must be 0-%d)", x, y, MaxCoordinate)
	}
	button := msg.Button
	if button == "" {
		button = "left"
	}

	switch msg.Action {
	case "click":
		if err := d.driver.MouseClick(ctx, x, y, button); err != nil {
			return d.failed(err)
		}
		d.logger.Info("Mouse click", zap.Float64("x", x), zap.Float64("y", y))
	case "dblclick":
		if err := d.driver.MouseDoubleClick(ctx, x, y); err != nil {
			return d.failed(err)
		}
		d.logger.Info("Mouse double-click", zap.Float64("x", x), zap.Float64("y", y))
	case "move":
		// Too noisy to log.
		if err := d.driver.MouseMove(ctx, x, y); err != nil {
			return d.failed(err)
		}
	case "down":
		if err := d.driver.MouseDown(ctx, x, y, button); err != nil {
			return d.failed(err)
		}
	case "up":
		if err := d.driver.MouseUp(ctx, button); err != nil {
			return d.failed(err)
		}
	default:
		return invalidf("Unknown mouse action: %s", msg.Action)
	}
	return nil
}

func (d *Dispatcher) keyboard(ctx context.Context, msg Message) error {
	if msg.Action == "" || msg.Key == nil {
		return invalidf("Keyboard message missing required fields: action, key")
	}
	key := *msg.Key

	switch msg.Action {
	case "down":
		// Single printable characters go through press, which covers both
		// down and up.
		if utf8.RuneCountInString(key) == 1 {
			if err := d.driver.KeyPress(ctx, key); err != nil {
				return d.failed(err)
			}
			if d.debugKeys {
				d.logger.Info("Keyboard character", zap.String("key", key))
			} else {
				d.logger.Info("Keyboard character input")
			}
			return nil
		}
		// Special keys (Enter, Tab, Backspace) are safe to name.
		if err := d.driver.KeyDown(ctx, key); err != nil {
			return d.failed(err)
		}
		d.logger.Info("Keyboard special key", zap.String("key", key))
	case "up":
		// Too noisy to log.
		if err := d.driver.KeyUp(ctx, key); err != nil {
			return d.failed(err)
		}
	default:
		return invalidf("Unknown keyboard action: %s", msg.Action)
	}
	return nil
}

func (d *Dispatcher) wheel(ctx context.Context, msg Message) error {
	// Wheel deltas default to zero and need no validation; too noisy to log.
	if err := d.driver.Wheel(ctx, msg.DeltaX, msg.DeltaY); err != nil {
		return d.failed(err)
	}
	return nil
}

func (d *Dispatcher) failed(err error) error {
	d.logger.Error("Control execution failed", zap.Error(err))
	return &Error{Type: ErrTypeExecutionFailed, Err: err}
}
