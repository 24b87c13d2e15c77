// Package log provides the structured logger nimbus components take as a
// constructor dependency, instead of reaching for a package-level
// singleton. It is a thin wrapper over go.uber.org/zap.
package log

import "go.uber.org/zap"

// Field is a re-export of zap.Field so callers never need to import zap
// directly just to build a log call.
type Field = zap.Field

// Logger is the logging contract every nimbus component depends on.
// Passing a *Logger through constructors (rather than a global) keeps
// per-call and per-transport logs attributable.
type Logger struct {
	z *zap.Logger
}

// New wraps an existing *zap.Logger.
func New(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// NewProduction builds a production zap configuration (JSON, info level),
// for use by cmd/nimbusd.
func NewProduction() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

// Nop returns a Logger that discards everything, for tests and defaults.
func Nop() *Logger {
	return New(zap.NewNop())
}

// With returns a child Logger carrying the given fields on every
// subsequent call, e.g. a per-call logger tagged with stream_id/method.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return Nop()
	}
	return New(l.z.With(fields...))
}

func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Common field constructors, re-exported for convenience at call sites.
var (
	String = zap.String
	Uint32 = zap.Uint32
	Int    = zap.Int
	Err    = zap.Error
	Bool   = zap.Bool
)
