// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package opflog implements the run's operf.log: a structured log of
// non-fatal diagnostics plus, at teardown, the cumulative run counters.
// Fatal errors are never written here; those go to stderr as a single
// diagnostic line, per the exit-code policy cmd/operf implements.
package opflog

import (
	"io"
	"log/slog"
	"os"

	"github.com/openperf/operf/attributor"
)

// Logger is operf.log: a JSON-structured log file, using log/slog the
// same way a long-running agent process's own entry point does for its
// run log.
type Logger struct {
	*slog.Logger
	f io.Closer
}

// Open creates or truncates path and returns a Logger writing JSON
// records to it.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	h := slog.NewJSONHandler(f, nil)
	return &Logger{Logger: slog.New(h), f: f}, nil
}

// New wraps an already-open writer (a pipe, a test buffer) instead of
// opening a file, for callers that don't want opflog to own the
// underlying file's lifecycle.
func New(w io.Writer) *Logger {
	h := slog.NewJSONHandler(w, nil)
	return &Logger{Logger: slog.New(h), f: nil}
}

// Close flushes and closes the underlying file, if Open created one.
func (l *Logger) Close() error {
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}

// Report writes the run's cumulative counters as a single structured
// record at teardown. Counter names mirror attributor.Counters' own
// field names so operf.log and the in-process struct never drift out
// of sync.
func (l *Logger) Report(c attributor.Counters) {
	l.Logger.Info("run complete",
		slog.Uint64("kernel_samples", c.KernelSamples),
		slog.Uint64("user_samples", c.UserSamples),
		slog.Uint64("lost_no_mapping", c.LostNoMapping),
		slog.Uint64("lost_unknown_process", c.LostUnknownProcess),
		slog.Uint64("lost_invalid_context", c.LostInvalidContext),
		slog.Uint64("lost_backtrace_arcs", c.LostBacktraceArcs),
		slog.Uint64("hypervisor_out_of_range", c.HypervisorOutOfRange),
		slog.Uint64("kernel_reported_lost", c.KernelReportedLost),
		slog.Uint64("throttle_incidents", c.ThrottleIncidents),
	)
}
