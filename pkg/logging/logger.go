// Package logging provides the leveled, prefix-scoped logger used
// throughout the multiplexer runtime and relay glue. A Logger is safe to use
// with a nil receiver (in which case it logs nothing), which lets every
// constructor in pkg/jmux accept an optional *Logger without a separate
// nil-check at every call site.
package logging

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"sync"

	"github.com/fatih/color"
)

// Logger is the logger type used across the module. Multiple independent
// Multiplexer instances may coexist in a process with no shared global
// state, so a Logger is constructed explicitly rather than reached
// for as a package-level singleton; RootLogger exists only for callers (such
// as the example commands) that are happy sharing one.
type Logger struct {
	level  Level
	prefix string

	mu     *sync.Mutex
	output *log.Logger
}

// NewLogger creates a new root logger that writes lines at or below level to
// writer. If writer is nil, output is discarded (ioutil.Discard).
func NewLogger(level Level, writer io.Writer) *Logger {
	if writer == nil {
		writer = ioutil.Discard
	}
	return &Logger{
		level:  level,
		mu:     &sync.Mutex{},
		output: log.New(writer, "", log.LstdFlags),
	}
}

// Sublogger creates a new logger with the specified name appended to the
// current prefix, sharing the parent's level and destination.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{
		level:  l.level,
		prefix: prefix,
		mu:     l.mu,
		output: l.output,
	}
}

func (l *Logger) enabled(level Level) bool {
	return l != nil && l.level >= level
}

func (l *Logger) line(line string) string {
	if l.prefix != "" {
		return fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	return line
}

func (l *Logger) emit(level Level, line string) {
	if !l.enabled(level) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Output(3, l.line(line))
}

// Errorf logs a fatal-class error message.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.emit(LevelError, color.RedString(format, v...))
}

// Warnf logs a non-fatal warning message.
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.emit(LevelWarn, color.YellowString(format, v...))
}

// Infof logs basic execution information.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.emit(LevelInfo, fmt.Sprintf(format, v...))
}

// Debugf logs advanced execution information.
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.emit(LevelDebug, fmt.Sprintf(format, v...))
}
