// Package logging provides the printf-style loggers handed to every
// component of the node.
package logging

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"avs/internal/observability"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var defaultBase atomic.Pointer[observability.Logger]

func init() {
	defaultBase.Store(observability.NewLogger(observability.LogConfig{}))
}

// Configure replaces the process-wide base logger. Component loggers created
// earlier pick up the new base on their next call.
func Configure(base *observability.Logger) {
	if base != nil {
		defaultBase.Store(base)
	}
}

// componentLogger formats printf-style and emits through the current base
// with its component name and fields attached.
type componentLogger struct {
	component string
	fields    []any
}

// NewComponentLogger returns the default node logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

// With returns logger with key/value fields attached to every line, e.g.
// With(logger, "file_reference", ref). Loggers that cannot carry fields are
// returned unchanged.
func With(logger Logger, keyvals ...any) Logger {
	cl, ok := logger.(*componentLogger)
	if !ok || cl == nil || len(keyvals) == 0 {
		return logger
	}
	fields := make([]any, 0, len(cl.fields)+len(keyvals))
	fields = append(fields, cl.fields...)
	fields = append(fields, keyvals...)
	return &componentLogger{component: cl.component, fields: fields}
}

func (l *componentLogger) base() *observability.Logger {
	base := defaultBase.Load().With("component", l.component)
	if len(l.fields) > 0 {
		base = base.With(l.fields...)
	}
	return base
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.base().Debug(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Info(format string, args ...any) {
	l.base().Info(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.base().Warn(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Error(format string, args ...any) {
	l.base().Error(fmt.Sprintf(format, args...))
}
