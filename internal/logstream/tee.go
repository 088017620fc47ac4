package logstream

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// hubCore is a zapcore.Core that forwards entries carrying an execution_id
// field to the hub. It never returns an error into zap: a broken hub must
// not take application logging down with it.
type hubCore struct {
	zapcore.LevelEnabler
	hub    *Hub
	fields []zapcore.Field
}

// NewHubCore builds the forwarding core. Tee it with the real core via
// Attach.
func NewHubCore(hub *Hub, enab zapcore.LevelEnabler) zapcore.Core {
	return &hubCore{LevelEnabler: enab, hub: hub}
}

// Attach tees hub forwarding onto an existing logger. Entries without an
// execution_id field stay local.
func Attach(base *zap.Logger, hub *Hub) *zap.Logger {
	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, NewHubCore(hub, zapcore.InfoLevel))
	}))
}

func (c *hubCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &hubCore{LevelEnabler: c.LevelEnabler, hub: c.hub}
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return clone
}

func (c *hubCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *hubCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	execID := findExecutionID(c.fields, fields)
	if execID == "" {
		return nil
	}
	frame := Frame{
		Type:      "log",
		Timestamp: ent.Time.UnixMilli(),
		Level:     ent.Level.CapitalString(),
		Logger:    loggerName(ent),
		Message:   ent.Message,
	}
	if ent.Caller.Defined {
		frame.Pathname = ent.Caller.File
		frame.Lineno = ent.Caller.Line
	}
	c.hub.Publish(execID, frame)
	go c.hub.PublishToPeer(context.Background(), execID, frame)
	return nil
}

func (c *hubCore) Sync() error { return nil }

func findExecutionID(sets ...[]zapcore.Field) string {
	for _, fields := range sets {
		for _, f := range fields {
			if f.Key == ExecutionIDField && f.Type == zapcore.StringType {
				return f.String
			}
		}
	}
	return ""
}

func loggerName(ent zapcore.Entry) string {
	if ent.LoggerName == "" {
		return "root"
	}
	return ent.LoggerName
}
