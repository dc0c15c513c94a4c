// Package deflog is flexmalloc's diagnostic logger: a thin wrapper over the
// standard library's log.Logger that reproduces the VERBOSE_MSG/DBG macro
// pair from original_source/src/common.hxx — verbosity-gated informational
// messages plus debug-build-only traces, routed to stdout or stderr per
// FLEXMALLOC_MESSAGES_ON_STDERR.
//
// No third-party structured-logging library is in play for this concern
// anywhere in the surrounding dependency stack, so this ambient concern is
// carried on the standard library rather than an invented import.
package deflog

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger gates informational and debug output behind a verbosity level and
// a debug flag, matching common.hxx's Options-driven VERBOSE_MSG(level,...)
// and DBG(...) macros.
type Logger struct {
	out     *log.Logger
	verbose int
	debug   bool
}

// New builds a Logger writing to stderr or stdout depending on toStderr.
func New(verbose int, debug bool, toStderr bool) *Logger {
	w := io.Writer(os.Stdout)
	if toStderr {
		w = os.Stderr
	}
	return &Logger{out: log.New(w, "flexmalloc: ", 0), verbose: verbose, debug: debug}
}

// Verbose emits a message only if the logger's configured level is >= level
// (VERBOSE_MSG).
func (l *Logger) Verbose(level int, format string, args ...any) {
	if l == nil || l.verbose < level {
		return
	}
	l.out.Output(2, fmt.Sprintf(format, args...))
}

// Debug emits a message only when debug mode is on (DBG).
func (l *Logger) Debug(format string, args ...any) {
	if l == nil || !l.debug {
		return
	}
	l.out.Output(2, "[debug] "+fmt.Sprintf(format, args...))
}

// Fatal logs a fatal configuration diagnostic. Callers are responsible for
// the process's actual exit code; this does not call os.Exit itself so
// library callers can choose their own shutdown path.
func (l *Logger) Fatal(format string, args ...any) {
	if l == nil {
		return
	}
	l.out.Output(2, "[fatal] "+fmt.Sprintf(format, args...))
}

// Warn logs a load-time recoverable diagnostic: a malformed rule line, or
// an unresolvable fallback in strict mode.
func (l *Logger) Warn(format string, args ...any) {
	if l == nil {
		return
	}
	l.out.Output(2, "[warn] "+fmt.Sprintf(format, args...))
}
