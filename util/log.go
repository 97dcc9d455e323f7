// util/log.go
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger provides leveled logging with a few fatal assertion helpers;
// verbose output is enabled by either the verbose or the debug flag, and
// debug output by the debug flag only.
// Output goes through zerolog so downstream consumers get structured,
// timestamped lines.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	zl      zerolog.Logger
}

func NewLogger(verbose, debug bool) *Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}

	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return &Logger{
		zl: zerolog.New(w).Level(level).With().Timestamp().Logger(),
	}
}

// Print always logs, regardless of the verbosity level.
func (l *Logger) Print(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
		return
	}
	l.zl.Log().Str("src", caller(2)).Msgf(f, args...)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
		return
	}
	l.zl.Debug().Str("src", caller(2)).Msgf(f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
		return
	}
	l.zl.Info().Str("src", caller(2)).Msgf(f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
		return
	}
	l.zl.Warn().Str("src", caller(2)).Msgf(f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
		return
	}
	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.zl.Error().Str("src", caller(2)).Msgf(f, args...)
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l != nil {
		l.mu.Lock()
		l.NErrors++
		l.mu.Unlock()
		l.zl.Error().Str("src", caller(2)).Msgf(f, args...)
	} else {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
	}
	os.Exit(1)
}

// Check logs a fatal error if the provided condition is false. The log
// line includes the source file and line number where the check failed.
// An optional printf-style message may be provided.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}
	l.fail("Check failed", msg...)
}

// CheckError logs a fatal error if the given error is non-nil. It also
// takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}
	l.fail(fmt.Sprintf("Error: %+v", err), msg...)
}

func (l *Logger) fail(def string, msg ...interface{}) {
	s := def
	if len(msg) > 0 {
		f := msg[0].(string)
		s = fmt.Sprintf(f, msg[1:]...)
	}

	if l != nil {
		l.mu.Lock()
		l.NErrors++
		l.mu.Unlock()
		l.zl.Error().Str("src", caller(3)).Msg(s)
	} else {
		fmt.Fprintln(os.Stderr, s)
	}
	os.Exit(1)
}

func caller(skip int) string {
	// Walk up past the Logger method to the call site.
	_, fn, line, _ := runtime.Caller(skip)
	return path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
}
