// SPDX-License-Identifier: Apache-2.0

// Package pglog provides the migration engine's structured logger, a
// thin pterm wrapper with phase-aware formatting. pgswap additionally
// wires an optional lumberjack-backed file sink so a migration's report
// can be written and rotated independently of stdout.
package pglog

import (
	"io"
	"os"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the structured logger every phase of the engine writes
// through. Every line carries pterm.Logger's default timestamp, whether it
// lands on stdout or the rotated log file; that timestamp is local time in
// pterm's default layout, not ISO-8601 UTC.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, err error, args ...any)
	Phase(name string, args ...any)
}

type logger struct {
	pt pterm.Logger
}

// New returns a Logger that writes to stdout via pterm's default logger.
func New() Logger {
	return &logger{pt: pterm.DefaultLogger}
}

// NewFileLogger returns a Logger that writes to both stdout and a rotated
// log file at path, using lumberjack for size-based rotation. maxSizeMB,
// maxBackups and maxAgeDays of 0 fall back to lumberjack's own defaults.
func NewFileLogger(path string, maxSizeMB, maxBackups, maxAgeDays int) Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}

	w := io.MultiWriter(os.Stdout, rotator)
	pt := pterm.DefaultLogger.WithWriter(w)

	return &logger{pt: *pt}
}

// NewNoop returns a Logger that discards everything, for use in tests that
// don't care about log output.
func NewNoop() Logger {
	return &logger{pt: *pterm.DefaultLogger.WithWriter(io.Discard)}
}

func (l *logger) Info(msg string, args ...any) {
	l.pt.Info(msg, l.pt.Args(args...))
}

func (l *logger) Warn(msg string, args ...any) {
	l.pt.Warn(msg, l.pt.Args(args...))
}

func (l *logger) Error(msg string, err error, args ...any) {
	args = append(args, "error", err)
	l.pt.Error(msg, l.pt.Args(args...))
}

// Phase logs a phase transition at info level with a consistent "phase"
// field, so log scrapers can group lines by P0..P6.
func (l *logger) Phase(name string, args ...any) {
	args = append([]any{"phase", name}, args...)
	l.pt.Info("phase transition", l.pt.Args(args...))
}
