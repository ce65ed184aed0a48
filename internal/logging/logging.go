// Package logging wraps zap the way the indexing engine's secondary/logging
// package wraps its own backend: one component-tagged logger per long-lived
// object, built once at construction and reused for the object's lifetime.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	rootOnce sync.Once
	root     *zap.SugaredLogger
)

// Logger is the per-component logging handle threaded through constructors,
// mirroring the teacher's logPrefix-per-object convention.
type Logger struct {
	s *zap.SugaredLogger
}

func root_() *zap.SugaredLogger {
	rootOnce.Do(func() {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(zapcore.InfoLevel))
		root = zap.New(core).Sugar()
	})
	return root
}

// Named returns a new Logger tagged with component, analogous to the
// teacher's per-object logPrefix string built once in each constructor.
func Named(component string) *Logger {
	return &Logger{s: root_().Named(component)}
}

// SetLevel replaces the root logger with one at the given minimum level.
// Loggers obtained from Named before the call (e.g. package-level vars)
// keep the previous logger and its level. Intended for bootstrap (C12)
// wiring, not for use by individual components.
func SetLevel(level zapcore.Level) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	rootOnce.Do(func() {})
	root = zap.New(core).Sugar()
}

func (l *Logger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.s.Fatalf(format, args...) }

// Named returns a child logger scoped further, e.g. Named("channel").Named("17").
func (l *Logger) Named(component string) *Logger {
	return &Logger{s: l.s.Named(component)}
}

// With attaches structured key/value pairs to every subsequent call.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{s: l.s.With(kv...)}
}
