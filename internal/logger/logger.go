// Package logger provides the leveled global logger used across the server.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level is the verbosity threshold used by the logger.
//
// Lower values are more verbose.
type Level int32

const (
	// LevelTrace enables extremely verbose logs (protocol frames, actor inputs, etc).
	LevelTrace Level = iota
	// LevelDebug enables verbose logs intended for debugging.
	LevelDebug
	// LevelInfo enables informational logs (default).
	LevelInfo
	// LevelWarn enables only warnings and errors.
	LevelWarn
	// LevelError enables only error logs.
	LevelError
)

var (
	level  atomic.Int32
	logger atomic.Pointer[log.Logger]
)

func init() {
	level.Store(int32(LevelInfo))
	logger.Store(log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds))
}

// ParseLevel parses a log level string into a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", raw)
}

// SetLevel sets the global log level threshold.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// SetOutput replaces the writer used by the global logger.
func SetOutput(w io.Writer) {
	logger.Store(log.New(w, "", log.LstdFlags|log.Lmicroseconds))
}

// SetFlags sets the underlying log flags used for all output.
func SetFlags(flags int) {
	cur := logger.Load()
	logger.Store(log.New(cur.Writer(), "", flags))
}

// Enabled reports whether a level would be emitted by the current configuration.
func Enabled(l Level) bool {
	return int32(l) >= level.Load()
}

func emit(l Level, tag, format string, args ...any) {
	if !Enabled(l) {
		return
	}
	logger.Load().Printf(tag+" "+format, args...)
}

// Tracef logs at TRACE level.
func Tracef(format string, args ...any) { emit(LevelTrace, "TRC", format, args...) }

// Debugf logs at DEBUG level.
func Debugf(format string, args ...any) { emit(LevelDebug, "DBG", format, args...) }

// Infof logs at INFO level.
func Infof(format string, args ...any) { emit(LevelInfo, "INF", format, args...) }

// Warnf logs at WARN level.
func Warnf(format string, args ...any) { emit(LevelWarn, "WRN", format, args...) }

// Errorf logs at ERROR level.
func Errorf(format string, args ...any) { emit(LevelError, "ERR", format, args...) }
