// Package relaylog wraps go.uber.org/zap behind a small, component-scoped
// helper, so call sites keep a plain log.Logger-style shape while gaining
// leveled, field-carrying output.
package relaylog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a component-scoped structured logger.
type Logger struct {
	component string
	sugar     *zap.SugaredLogger
}

// New builds the root *zap.Logger for the given minimum level. An unknown
// level falls back to info, matching config.Config.Normalize's own default.
func New(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	_ = lvl.UnmarshalText([]byte(level))

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// For returns a Logger scoped to component, e.g. "relay", "heartbeat",
// "reflection", "maintenance", "announcer", "admin".
func For(base *zap.Logger, component string) *Logger {
	return &Logger{component: component, sugar: base.Sugar().With("component", component)}
}

// Debugw logs at debug level with structured key/value pairs.
func (l *Logger) Debugw(msg string, kv ...any) { l.sugar.Debugw(msg, kv...) }

// Infow logs at info level with structured key/value pairs.
func (l *Logger) Infow(msg string, kv ...any) { l.sugar.Infow(msg, kv...) }

// Warnw logs at warning level with structured key/value pairs.
func (l *Logger) Warnw(msg string, kv ...any) { l.sugar.Warnw(msg, kv...) }

// Errorw logs at error level with structured key/value pairs.
func (l *Logger) Errorw(msg string, kv ...any) { l.sugar.Errorw(msg, kv...) }

// Fatalw logs at fatal level and then exits the process; reserved for
// unrecoverable startup failures (bind errors, invalid configuration).
func (l *Logger) Fatalw(msg string, kv ...any) { l.sugar.Fatalw(msg, kv...) }
