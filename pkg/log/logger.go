// Package log defines the leveled logging contract shared by the weft
// packages, with a standard-library default and a no-op logger for tests.
package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
)

// Logger is the logging surface components accept through their options.
type Logger interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
}

// stdLogger routes errors and warnings to one writer and everything else
// to another, tagging each line with its level.
type stdLogger struct {
	out    *stdlog.Logger
	errOut *stdlog.Logger
}

// New creates a logger writing informational output to out and errors and
// warnings to errOut.
func New(out, errOut io.Writer) Logger {
	return &stdLogger{
		out:    stdlog.New(out, "", stdlog.LstdFlags),
		errOut: stdlog.New(errOut, "", stdlog.LstdFlags),
	}
}

// NewDefault creates a logger over stdout/stderr.
func NewDefault() Logger {
	return New(os.Stdout, os.Stderr)
}

func (l *stdLogger) Error(args ...interface{}) {
	l.errOut.Printf("[ERROR] %s", fmt.Sprint(args...))
}

func (l *stdLogger) Errorf(format string, args ...interface{}) {
	l.errOut.Printf("[ERROR] "+format, args...)
}

func (l *stdLogger) Warn(args ...interface{}) {
	l.errOut.Printf("[WARN] %s", fmt.Sprint(args...))
}

func (l *stdLogger) Warnf(format string, args ...interface{}) {
	l.errOut.Printf("[WARN] "+format, args...)
}

func (l *stdLogger) Info(args ...interface{}) {
	l.out.Printf("[INFO] %s", fmt.Sprint(args...))
}

func (l *stdLogger) Infof(format string, args ...interface{}) {
	l.out.Printf("[INFO] "+format, args...)
}

func (l *stdLogger) Debug(args ...interface{}) {
	l.out.Printf("[DEBUG] %s", fmt.Sprint(args...))
}

func (l *stdLogger) Debugf(format string, args ...interface{}) {
	l.out.Printf("[DEBUG] "+format, args...)
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Error(...interface{})          {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Warn(...interface{})           {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Info(...interface{})           {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Debug(...interface{})          {}
func (nopLogger) Debugf(string, ...interface{}) {}
