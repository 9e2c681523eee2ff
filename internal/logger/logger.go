// Package logger is a small leveled wrapper over the standard log package.
// Every line carries a level tag and, when set, a "[node-id]" prefix.
package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// Level orders log severities. Messages below the logger's level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel accepts debug, info, warn/warning and error in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger writes leveled, prefixed lines. The zero value is not usable; use New.
type Logger struct {
	out    *log.Logger
	prefix string
	level  Level
}

// New returns a Logger writing to w with the standard date/time flags.
func New(w io.Writer, prefix string, level Level) *Logger {
	return &Logger{
		out:    log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		prefix: prefix,
		level:  level,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New(io.Discard, "", LevelError+1)
}

// With returns a child logger sharing the output with an extra prefix segment.
func (l *Logger) With(prefix string) *Logger {
	p := prefix
	if l.prefix != "" {
		p = l.prefix + "/" + prefix
	}
	return &Logger{out: l.out, prefix: p, level: l.level}
}

func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) logf(level Level, format string, v ...any) {
	if !l.Enabled(level) {
		return
	}
	msg := strings.TrimSuffix(fmt.Sprintf(format, v...), "\n")
	if l.prefix != "" {
		msg = "[" + l.prefix + "] " + msg
	}
	l.out.Printf("[%s] %s", level, msg)
}

func (l *Logger) Debugf(format string, v ...any) { l.logf(LevelDebug, format, v...) }
func (l *Logger) Infof(format string, v ...any)  { l.logf(LevelInfo, format, v...) }
func (l *Logger) Warnf(format string, v ...any)  { l.logf(LevelWarn, format, v...) }
func (l *Logger) Errorf(format string, v ...any) { l.logf(LevelError, format, v...) }
