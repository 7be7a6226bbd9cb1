// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package eventattr describes the hardware performance events the core
// consumes once a symbolic event name has been translated into a raw
// kernel event code. That translation, and the event-description database
// it comes from, are not part of this package.
package eventattr

// Type identifies the major class of a performance event, matching the
// perf_type_id enum from include/uapi/linux/perf_event.h.
type Type uint32

const (
	TypeHardware Type = iota
	TypeSoftware
	TypeTracepoint
	TypeHWCache
	TypeRaw
	TypeBreakpoint
)

// SampleFormat is a bitmask of the fields present in a sample record.
// It mirrors perf_event_sample_format but only carries the bits this
// core's sample records ever set: PERF_SAMPLE_IP, _TID, _ID, _CPU, and
// _CALLCHAIN.
type SampleFormat uint64

const (
	SampleFormatIP SampleFormat = 1 << iota
	SampleFormatTID
	SampleFormatID
	SampleFormatCPU
	SampleFormatCallchain
)

// Mandatory is the set of SampleFormat bits every sample record must carry;
// their absence at parse time is stream corruption.
const Mandatory = SampleFormatIP | SampleFormatTID | SampleFormatID

// Flags holds the exclude-domain bits requested at perf_event_open time.
type Flags uint32

const (
	FlagExcludeKernel Flags = 1 << iota
	FlagExcludeUser
	FlagExcludeHypervisor
)

// Event describes one (event, CPU) counter the core opens. It is
// immutable once profiling starts.
type Event struct {
	// Name is the symbolic event name as supplied by the caller (e.g.
	// "CPU_CLK_UNHALTED"); the core never interprets it.
	Name string

	// Type and Config are the already-resolved perf_event_attr fields
	// the kernel syscall expects. Resolving a symbolic Name to this
	// pair is outside the core's scope.
	Type   Type
	Config uint64

	// Period is the number of raw event occurrences between samples.
	Period uint64

	// UnitMask selects a variant of the event; 0 if the event has no
	// sub-variants.
	UnitMask uint8

	Flags Flags

	// Format is the sample-format bitmask requested for this event's
	// samples. Must be a superset of Mandatory.
	Format SampleFormat

	// Index is this event's stable position among the selected
	// events for this run; it is the "counter index" used throughout
	// the sample-file naming scheme.
	Index int
}

// Valid reports whether e carries the fields the rest of the core
// requires.
func (e *Event) Valid() bool {
	return e.Format&Mandatory == Mandatory
}

// CPUMode indicates the privilege domain a sample was taken in, decoded
// from the record header's misc field.
type CPUMode uint16

const (
	CPUModeUnknown CPUMode = iota
	CPUModeKernel
	CPUModeUser
	CPUModeHypervisor
	CPUModeGuestKernel
	CPUModeGuestUser
)

func (m CPUMode) String() string {
	switch m {
	case CPUModeKernel:
		return "kernel"
	case CPUModeUser:
		return "user"
	case CPUModeHypervisor:
		return "hypervisor"
	case CPUModeGuestKernel:
		return "guest-kernel"
	case CPUModeGuestUser:
		return "guest-user"
	default:
		return "unknown"
	}
}
