// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import "github.com/openperf/operf/eventattr"

// RecordType identifies the kind of a sample-stream record. Mmap
// through Fork share their values with the perf_event_type enum from
// include/uapi/linux/perf_event.h; READ has no counterpart here, so
// Sample is 8 rather than the kernel's 9.
type RecordType uint32

const (
	RecordTypeMmap RecordType = iota + 1
	RecordTypeLost
	RecordTypeComm
	RecordTypeExit
	RecordTypeThrottle
	RecordTypeUnthrottle
	RecordTypeFork
	RecordTypeSample

	// maxRecordType is the highest type value this format defines;
	// Reader.Next treats anything above it as stream corruption rather
	// than an unrecognized-but-legal record.
	maxRecordType = RecordTypeSample
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeMmap:
		return "mmap"
	case RecordTypeLost:
		return "lost"
	case RecordTypeComm:
		return "comm"
	case RecordTypeExit:
		return "exit"
	case RecordTypeThrottle:
		return "throttle"
	case RecordTypeUnthrottle:
		return "unthrottle"
	case RecordTypeFork:
		return "fork"
	case RecordTypeSample:
		return "sample"
	default:
		return "unknown"
	}
}

// RecordCommon is embedded in every concrete record type.
type RecordCommon struct {
	Misc uint16
}

// A Record is one decoded sample-stream record. Determine which
// concrete type it is with a type switch.
type Record interface {
	recordType() RecordType
}

// RecordMmap reports that a process mapped a region of memory,
// optionally backed by a file.
type RecordMmap struct {
	RecordCommon
	PID, TID  int
	Addr, Len uint64
	PgOff     uint64
	Filename  string
	Data      bool // a data (non-executable) mapping, not code
}

func (*RecordMmap) recordType() RecordType { return RecordTypeMmap }

// RecordComm reports a process's command-line name, either because it
// just executed or because the recorder is reporting pre-existing
// processes at startup.
type RecordComm struct {
	RecordCommon
	PID, TID int
	Comm     string
	Exec     bool
}

func (*RecordComm) recordType() RecordType { return RecordTypeComm }

// RecordFork reports that a process or thread was created.
type RecordFork struct {
	RecordCommon
	PID, PPID int
	TID, PTID int
	Time      uint64
}

func (*RecordFork) recordType() RecordType { return RecordTypeFork }

// RecordExit reports that a process or thread exited.
type RecordExit struct {
	RecordCommon
	PID, PPID int
	TID, PTID int
	Time      uint64
}

func (*RecordExit) recordType() RecordType { return RecordTypeExit }

// RecordThrottle reports that the kernel began (Enable) or stopped
// throttling an event because its sample rate exceeded the configured
// limit.
type RecordThrottle struct {
	RecordCommon
	Enable     bool
	Time       uint64
	EventIndex int
}

func (*RecordThrottle) recordType() RecordType { return RecordTypeThrottle }

// RecordLost reports that the kernel dropped NumLost samples for an
// event because its ring buffer was full.
type RecordLost struct {
	RecordCommon
	EventIndex int
	NumLost    uint64
}

func (*RecordLost) recordType() RecordType { return RecordTypeLost }

// RecordSample is one profiling sample: an instruction pointer plus the
// context needed to attribute it.
type RecordSample struct {
	RecordCommon
	EventIndex int
	IP         uint64
	PID, TID   int
	Time       uint64
	CPU        uint32
	Period     uint64
	CPUMode    eventattr.CPUMode
	Callchain  []uint64
}

func (*RecordSample) recordType() RecordType { return RecordTypeSample }

// RecordUnknown is the catch-all for a type value at or below
// maxRecordType that has no decoder of its own (in practice, type 0);
// its raw bytes are preserved. A type above maxRecordType is not
// wrapped here: Reader.Next rejects it as stream corruption.
type RecordUnknown struct {
	RecordCommon
	Type RecordType
	Raw  []byte
}

func (r *RecordUnknown) recordType() RecordType { return r.Type }

// recordMiscCPUModeMask and friends decode a record's Misc bitmask,
// matching perf_event_header.misc.
const (
	recordMiscCPUModeMask = 0x7
	recordMiscMmapData    = 1 << 13
	recordMiscCommExec    = 1 << 13
)
