// Package log is the logging collaborator threaded through every Mordor
// component. It wraps go.uber.org/zap instead of exposing a package-level
// logger, so callers construct one Logger and hand it to schedulers,
// reactors, and connections explicitly.
package log

import "go.uber.org/zap"

// Logger is a thin collaborator around a zap.SugaredLogger. The zero value
// is a safe no-op logger, matching the no-op default used throughout the
// example corpus for components that don't want to pay for encoding in
// tests.
type Logger struct {
	z *zap.SugaredLogger
}

// Noop returns a Logger that discards everything, for callers (tests,
// mordorcat without -v) that hand components a logger but want no output.
func Noop() Logger {
	return Logger{z: zap.NewNop().Sugar()}
}

// New wraps an existing zap.Logger, matching the dotted logger names the
// C++ original uses (mordor:common:http:client, mordor:common:scheduler...).
func New(z *zap.Logger) Logger {
	if z == nil {
		return Noop()
	}
	return Logger{z: z.Sugar()}
}

// Named returns a child logger, mirroring zap's dotted-name convention
// (mordor.scheduler, mordor.ioman, mordor.http.client).
func (l Logger) Named(name string) Logger {
	if l.z == nil {
		return Noop().Named(name)
	}
	return Logger{z: l.z.Named(name)}
}

func (l Logger) Debugf(format string, args ...any) {
	if l.z != nil {
		l.z.Debugf(format, args...)
	}
}

func (l Logger) Infof(format string, args ...any) {
	if l.z != nil {
		l.z.Infof(format, args...)
	}
}

func (l Logger) Warnf(format string, args ...any) {
	if l.z != nil {
		l.z.Warnf(format, args...)
	}
}

func (l Logger) Errorf(format string, args ...any) {
	if l.z != nil {
		l.z.Errorf(format, args...)
	}
}

// Enabled reports whether the verbose (debug) level would actually be
// encoded, letting callers skip building an expensive dump (the original's
// verbose-vs-trace split in http/client.cpp).
func (l Logger) Enabled() bool {
	return l.z != nil && l.z.Desugar().Core().Enabled(zap.DebugLevel)
}
