// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package process

import (
	"github.com/google/pprof/profile"

	"github.com/openperf/operf/stream"
)

// Session is the pid → Record map for one profiling run, plus the
// kernel's own pseudo-record and its module address ranges.
//
// Fork delegates lazily (Record.fork) instead of deep-copying, and
// comm/mmap ordering is tolerant of either arriving first (deferred
// mappings) rather than assuming comm always precedes mmap.
type Session struct {
	kernel  *Record
	records map[int]*Record

	// KernelRanges holds kernel module address ranges, looked up
	// during attribution once a sample's IP has been determined not
	// to fall in any known process mapping.
	KernelRanges Ranges

	// UnknownProcessSamples counts pid-0 samples passed to Update:
	// those are dropped and counted here without creating a record. A
	// sample for any other pid the session hasn't seen gets a
	// placeholder record instead.
	UnknownProcessSamples uint64
}

// New creates an empty Session.
func New() *Session {
	kernel := &Record{PID: -1, Comm: "[kernel]", AppName: "[kernel]", commSeen: true, fullname: YesFull}
	return &Session{
		kernel:  kernel,
		records: map[int]*Record{-1: kernel},
	}
}

func (s *Session) ensure(pid int) *Record {
	r, ok := s.records[pid]
	if !ok {
		r = &Record{PID: pid}
		s.records[pid] = r
	}
	return r
}

// Update folds one decoded stream.Record into the session's process
// model. It never returns an error: a pid-0 sample is dropped and
// counted, and a sample for any other unrecognized pid only creates a
// placeholder record; neither is treated as stream corruption (that's
// stream's job, not process's).
func (s *Session) Update(rec stream.Record) {
	switch r := rec.(type) {
	case *stream.RecordComm:
		if r.PID == 0 {
			return // no real kernel task has PID 0 here
		}
		s.ensure(r.PID).onComm(r.PID, r.TID, r.Comm)

	case *stream.RecordExit:
		// Recorded but never removed: a sample for an exited tid can
		// still be sitting in a ring buffer, not yet drained.

	case *stream.RecordFork:
		if r.PID != r.PPID {
			parent := s.ensure(r.PPID)
			s.records[r.PID] = parent.fork(r.PID)
		}
		// Otherwise this is thread creation within an existing process.

	case *stream.RecordMmap:
		s.ensure(r.PID).onMmap(mappingFromRecord(r))

	case *stream.RecordSample:
		if r.PID == 0 {
			s.UnknownProcessSamples++
			return
		}
		// Ensure a placeholder exists so a later comm for this pid has
		// something to attach to; the sample itself is the
		// attributor's concern, not process's.
		s.ensure(r.PID)
	}
}

// Seed records the pre-existing state of a process that was already
// running when profiling attached to it: the kernel only emits mmap and
// comm records for activity after a counter is enabled, so a pid
// attached to with --pid needs its current mappings and threads folded
// in directly rather than waiting on records that will never arrive.
// mappings and tasks are ordinarily procfs.ExistingMaps and
// procfs.ExistingTasks's results for pid.
func (s *Session) Seed(pid int, comm string, mappings []*profile.Mapping, tasks []int) {
	r := s.ensure(pid)
	if comm != "" {
		r.onComm(pid, pid, comm)
	}
	for _, m := range mappings {
		r.onMmap(mappingFromProfile(m))
	}
	for _, tid := range tasks {
		s.ensure(tid)
	}
}

// Lookup returns the Record for pid, or nil if the session has never
// seen it.
func (s *Session) Lookup(pid int) *Record {
	return s.records[pid]
}

// EnsureForDefer returns (creating if necessary) the placeholder record
// for pid, for a sample attributor deferring a sample for a pid the
// process model hasn't heard about yet, typically because comm/mmap/fork
// records trail their samples in the ring buffer: the placeholder is
// what ForceValidateAll later promotes before the deferred pass.
func (s *Session) EnsureForDefer(pid int) *Record {
	return s.ensure(pid)
}

// LookupMapping finds the mapping containing addr for pid, trying the
// process's own (and fork-inherited) mappings first and the kernel's
// mappings second. This is the ordinary ip → mapping resolution path a
// sample attributor drives: a kernel-mode sample is still looked up
// against the sampled process's own mappings first, since self-modifying
// or JIT-mapped "kernel-looking" addresses are rare but real, before
// falling back to the kernel/module range.
func (s *Session) LookupMapping(pid int, addr uint64) *Mapping {
	if r := s.Lookup(pid); r != nil {
		if m := r.LookupMapping(addr); m != nil {
			return m
		}
	}
	return s.kernel.LookupMapping(addr)
}

// ForceValidateAll promotes every still-invalid record to valid. Called
// once the sample stream has been fully drained and a deferred second
// pass is about to replay everything that couldn't be attributed the
// first time: a process that never got a comm event (often because it
// exited before operf could read /proc for it) gets to keep its
// best-effort identity rather than losing its samples entirely.
func (s *Session) ForceValidateAll() {
	for _, r := range s.records {
		r.ForceValid()
	}
}

// Kernel returns the session's synthetic kernel Record, whose mappings
// are populated from kernel module mmap events (kernel modules appear
// as mmaps against the synthetic pid -1 in operf's own event stream).
func (s *Session) Kernel() *Record {
	return s.kernel
}
