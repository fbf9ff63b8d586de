// Package monlog is a minimal wrapper over log.Logger, matching the
// teacher's direct fmt.Printf/log.Fatal style (kernel/chentry.go,
// mem/mem.go's boot-time diagnostics) rather than a structured-logging
// framework the teacher never imports.
package monlog

import (
	"log"
	"os"
)

/// Level gates which messages reach the output.
type Level int

const (
	LevelTrace Level = iota
	LevelWarn
	LevelFatal
)

/// Logger is a level-gated wrapper over *log.Logger.
type Logger struct {
	min Level
	l   *log.Logger
}

/// New returns a Logger writing to os.Stderr, suppressing anything below
/// min.
func New(min Level) *Logger {
	return &Logger{min: min, l: log.New(os.Stderr, "", log.Ltime)}
}

/// Tracef logs a low-priority diagnostic, e.g. per-fault classification.
func (lg *Logger) Tracef(format string, args ...interface{}) {
	if lg.min > LevelTrace {
		return
	}
	lg.l.Printf("TRACE "+format, args...)
}

/// Warnf logs a recoverable anomaly, e.g. an unlogged port access the
/// monitor still served.
func (lg *Logger) Warnf(format string, args ...interface{}) {
	if lg.min > LevelWarn {
		return
	}
	lg.l.Printf("WARN "+format, args...)
}

/// Fatalf logs and terminates the process, matching spec.md §4.9's
/// "never resynchronized" replay-mismatch contract and the teacher's
/// log.Fatal idiom for unrecoverable boot errors.
func (lg *Logger) Fatalf(format string, args ...interface{}) {
	lg.l.Fatalf("FATAL "+format, args...)
}
