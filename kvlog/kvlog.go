// Package kvlog provides the narrow logging shape threaded through kvmesh's
// internal packages. The teacher threads a plain function type, LogFunc
// (package.go:179: "type LogFunc func(format string, v ...interface{})"),
// into its stores instead of a logger interface or a package-global logger;
// kvmesh keeps that shape exactly, but backs the default implementation with
// go.uber.org/zap's sugared logger instead of a bare log.Logger, matching
// the structured-logging convention shown by sibling pack member
// edirooss-zmux-server rather than the teacher's own ad-hoc
// log.New(os.Stderr, ...) (see msg.go).
package kvlog

import (
	"sync"

	"go.uber.org/zap"
)

// LogFunc is the logging shape every internal package accepts: a
// printf-style sink for diagnostics (growth retries, dropped packets,
// protocol errors). Never used for control flow — every error kvmesh
// surfaces still returns through the caller's boolean/error, per spec.md §7.
type LogFunc func(format string, args ...interface{})

// Nop discards everything; the default for packages that are not given an
// explicit logger.
func Nop(string, ...interface{}) {}

var (
	defaultOnce sync.Once
	defaultLog  *zap.SugaredLogger
)

func defaultLogger() *zap.SugaredLogger {
	defaultOnce.Do(func() {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		defaultLog = l.Sugar()
	})
	return defaultLog
}

// Zap adapts the process-wide zap logger to the LogFunc shape, at the given
// level name ("debug", "info", "warn", "error"). Unknown levels fall back to
// Info. kvmesh.New starts with Nop; callers opt in with
// Handle.WithLog(kvlog.Zap(level)) (as cmd/kvmeshctl does) or supply their
// own LogFunc to any Options struct.
func Zap(level string) LogFunc {
	l := defaultLogger()
	switch level {
	case "debug":
		return func(format string, args ...interface{}) { l.Debugf(format, args...) }
	case "warn":
		return func(format string, args ...interface{}) { l.Warnf(format, args...) }
	case "error":
		return func(format string, args ...interface{}) { l.Errorf(format, args...) }
	default:
		return func(format string, args ...interface{}) { l.Infof(format, args...) }
	}
}

// Sync flushes the default zap logger; callers should invoke this at
// process shutdown, mirroring the teacher's own "flush before exit"
// discipline around buffered state (package.go's Store.Shutdown/Flush
// contract).
func Sync() {
	if defaultLog != nil {
		_ = defaultLog.Sync()
	}
}
