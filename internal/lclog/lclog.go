// Package lclog wraps the stdlib logger with named per-subsystem
// prefixes, the way distr1-distri's internal/fuse package logs through a
// shared *log.Logger field, so background threads (internal/bg) and
// request handlers (internal/ops) can be told apart in a shared log
// stream. Debug output is switched on for every subsystem at once by
// cmd/lcfsd's -v flag.
package lclog

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

// verbose gates Debugf output across every Logger process-wide; cmd/lcfsd
// flips it once at startup from -v and never touches it again.
var verbose int32

// SetVerbose enables or disables Debugf output for every Logger in the
// process.
func SetVerbose(v bool) {
	if v {
		atomic.StoreInt32(&verbose, 1)
	} else {
		atomic.StoreInt32(&verbose, 0)
	}
}

// Logger puts a subsystem tag, e.g. "alloc: ", between the timestamp and
// every message.
type Logger struct {
	subsystem string
	l         *log.Logger
}

// New returns a Logger for subsystem, writing to os.Stderr with the
// standard date/time flags.
func New(subsystem string) *Logger {
	return NewWithOutput(subsystem, os.Stderr)
}

// NewWithOutput is New but with an explicit writer, used by tests that
// want to capture log output.
func NewWithOutput(subsystem string, w io.Writer) *Logger {
	return &Logger{
		subsystem: subsystem,
		l:         log.New(w, subsystem+": ", log.LstdFlags|log.Lmsgprefix),
	}
}

// Printf logs unconditionally, mirroring log.Printf.
func (lg *Logger) Printf(format string, args ...interface{}) {
	lg.l.Printf(format, args...)
}

// Println logs unconditionally, mirroring log.Println.
func (lg *Logger) Println(args ...interface{}) {
	lg.l.Println(args...)
}

// Debugf logs only when SetVerbose(true) has been called; cmd/lcfsd's -v
// flag routes here.
func (lg *Logger) Debugf(format string, args ...interface{}) {
	if atomic.LoadInt32(&verbose) != 0 {
		lg.l.Printf(format, args...)
	}
}

// Fatalf logs and then calls os.Exit(1), mirroring log.Fatalf.
func (lg *Logger) Fatalf(format string, args ...interface{}) {
	lg.l.Fatalf(format, args...)
}
