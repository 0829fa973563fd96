// Package logging is a thin, nil-safe wrapper around go.uber.org/zap,
// modeled directly on internal/platform/logger.Logger: a SugaredLogger
// underneath, With-chainable for component-scoped child loggers, accepted
// as nil everywhere (a discard logger) the same way the teacher threads
// *logger.Logger through repos and workers without every call site needing
// a nil check.
package logging

import (
	"strings"

	"go.uber.org/zap"
)

// Logger wraps a zap.SugaredLogger. The zero value is not usable directly;
// a nil *Logger is, however, safe to call methods on — every method treats
// it as a discard logger, so components that are not handed one in tests
// do not need a conditional at every call site.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger for mode "prod"/"production" (JSON, info+) or
// anything else (human-readable development encoding, debug+).
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: zl.Sugar()}, nil
}

// Discard returns a Logger whose methods are all no-ops, for tests and
// embedding programs that don't want engine logs.
func Discard() *Logger { return nil }

func (l *Logger) Sync() {
	if l == nil || l.sugar == nil {
		return
	}
	_ = l.sugar.Sync()
}

func (l *Logger) Debug(msg string, kv ...any) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Debugw(msg, kv...)
}

func (l *Logger) Info(msg string, kv ...any) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Infow(msg, kv...)
}

func (l *Logger) Warn(msg string, kv ...any) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Warnw(msg, kv...)
}

func (l *Logger) Error(msg string, kv ...any) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Errorw(msg, kv...)
}

// With returns a child Logger with kv attached to every subsequent entry.
func (l *Logger) With(kv ...any) *Logger {
	if l == nil || l.sugar == nil {
		return nil
	}
	return &Logger{sugar: l.sugar.With(kv...)}
}
