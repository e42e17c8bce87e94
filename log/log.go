// Package log implements Herald's process-wide structured logger. One
// goroutine owns the writer so concurrent workers never interleave
// partial lines. Level and JSON-mode are fixed at
// construction time and a logger tagged with a request ID (see With) is
// passed explicitly to request-scoped code as an argument, never read
// from a package global.
package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/herald-project/herald/message"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelFatal:
		return "FATAL"
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARNING"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// LevelFromString parses the config/CLI log-level string, defaulting to
// LevelInfo on anything unrecognized.
func LevelFromString(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warning":
		return LevelWarning
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Logger is a level-gated, optionally request-tagged logger. A single
// writer goroutine owns the output so multi-goroutine writes never
// interleave mid-line; With-derived copies share the root's channel.
type Logger struct {
	ch        chan string
	donech    chan struct{}
	out       io.Writer
	level     Level
	json      bool
	requestID string
}

// New creates the process-wide root Logger and starts its writer pump.
// Close must be called before process exit to drain buffered lines.
func New(level Level, jsonMode bool) *Logger {
	l := &Logger{
		ch:     make(chan string, 10000),
		donech: make(chan struct{}),
		out:    os.Stdout,
		level:  level,
		json:   jsonMode,
	}
	go l.pump()
	return l
}

// With returns a copy of the logger tagged with requestID; every message
// logged through it carries that tag. Used by the front-door handler to
// hand each inbound request its own traceable logger.
func (l *Logger) With(requestID string) *Logger {
	cp := *l
	cp.requestID = requestID
	return &cp
}

func (l *Logger) text(level Level, msg message.Message) string {
	ts := time.Now().UTC().Format(time.RFC3339)
	if l.requestID != "" {
		return fmt.Sprintf("%s %-7s [%s] %s", ts, level, l.requestID, msg.String())
	}
	return fmt.Sprintf("%s %-7s %s", ts, level, msg.String())
}

func (l *Logger) printf(level Level, msg message.Message) {
	if level < l.level {
		return
	}
	if l.json {
		l.ch <- msg.JSON()
	} else {
		l.ch <- l.text(level, msg)
	}
}

func (l *Logger) Debug(msg message.Message)   { l.printf(LevelDebug, msg) }
func (l *Logger) Info(msg message.Message)    { l.printf(LevelInfo, msg) }
func (l *Logger) Warning(msg message.Message) { l.printf(LevelWarning, msg) }
func (l *Logger) Error(msg message.Message)   { l.printf(LevelError, msg) }

// Fatal logs at LevelFatal unconditionally (ignores level gating) and is
// reserved for FatalError conditions: missing Keystone token for a
// known Swift config, unknown storage type, un-serializable state. It does
// not itself exit the process — callers decide whether to os.Exit after
// giving the logger a chance to flush.
func (l *Logger) Fatal(msg message.Message) {
	l.ch <- l.text(LevelFatal, msg)
}

func (l *Logger) pump() {
	defer close(l.donech)
	for line := range l.ch {
		fmt.Fprintln(l.out, line)
	}
}

// Close drains and stops the writer pump. Safe to call once, from the
// owner of the root Logger returned by New.
func (l *Logger) Close() {
	close(l.ch)
	<-l.donech
}
