// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ringbuf consumes the per-CPU mmap'd ring buffers the kernel
// fills for perf_event_open counters: one Ring per CPU, owned by the
// counter whose fd was used for the mmap, with every other counter on
// that CPU redirected into it via SET_OUTPUT. A Set drains a group of
// Rings on a poll loop, stopping on request and doing one final drain
// before it returns so nothing queued at shutdown is lost.
package ringbuf

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openperf/operf/eventattr"
	"github.com/openperf/operf/perfopen"
)

// RecordType identifies a raw kernel sample-stream record, matching the
// perf_event_type enum from include/uapi/linux/perf_event.h. Unlike
// stream.RecordType these values are the kernel's own, since a Ring
// decodes bytes the kernel wrote.
type RecordType uint32

const (
	RecordTypeMmap       RecordType = 1
	RecordTypeLost       RecordType = 2
	RecordTypeComm       RecordType = 3
	RecordTypeExit       RecordType = 4
	RecordTypeThrottle   RecordType = 5
	RecordTypeUnthrottle RecordType = 6
	RecordTypeFork       RecordType = 7
	RecordTypeRead       RecordType = 8
	RecordTypeSample     RecordType = 9
)

const (
	miscCPUModeMask = 0x7
	miscMmapData    = 1 << 13
	miscCommExec    = 1 << 13
)

// Record is one decoded ring-buffer record. Concrete types are RawMmap,
// RawComm, RawFork, RawExit, RawThrottle, RawLost, RawSample, and
// RawUnknown.
type Record interface {
	recordType() RecordType
}

// RawMmap is a PERF_RECORD_MMAP(2) payload.
type RawMmap struct {
	PID, TID  int
	Addr, Len uint64
	PgOff     uint64
	Filename  string
	Data      bool
	CPUMode   eventattr.CPUMode
}

func (*RawMmap) recordType() RecordType { return RecordTypeMmap }

// RawComm is a PERF_RECORD_COMM payload.
type RawComm struct {
	PID, TID int
	Comm     string
	Exec     bool
}

func (*RawComm) recordType() RecordType { return RecordTypeComm }

// RawFork is a PERF_RECORD_FORK payload.
type RawFork struct {
	PID, PPID int
	TID, PTID int
	Time      uint64
}

func (*RawFork) recordType() RecordType { return RecordTypeFork }

// RawExit is a PERF_RECORD_EXIT payload.
type RawExit struct {
	PID, PPID int
	TID, PTID int
	Time      uint64
}

func (*RawExit) recordType() RecordType { return RecordTypeExit }

// RawThrottle is a PERF_RECORD_THROTTLE or _UNTHROTTLE payload. ID is
// the kernel-assigned event ID perfopen.ReadID returned when the
// counter was opened.
type RawThrottle struct {
	Enable bool
	Time   uint64
	ID     uint64
}

func (*RawThrottle) recordType() RecordType { return RecordTypeThrottle }

// RawLost is a PERF_RECORD_LOST payload: the kernel dropped NumLost
// samples for the counter identified by ID because the ring was full.
type RawLost struct {
	ID      uint64
	NumLost uint64
}

func (*RawLost) recordType() RecordType { return RecordTypeLost }

// RawSample is a PERF_RECORD_SAMPLE payload carrying exactly the fields
// this core ever requests: ip, {pid,tid}, id are always present;
// Callchain is present only when the counter was opened with
// eventattr.SampleFormatCallchain.
type RawSample struct {
	ID        uint64
	IP        uint64
	PID, TID  int
	CPU       uint32
	Callchain []uint64
	CPUMode   eventattr.CPUMode
}

func (*RawSample) recordType() RecordType { return RecordTypeSample }

// RawUnknown is a record type this core doesn't decode (PERF_RECORD_READ
// or anything newer than this core's kernel ABI knowledge); its raw body
// is preserved so a single unrecognized record doesn't abort the drain.
type RawUnknown struct {
	Type RecordType
	Raw  []byte
}

func (r *RawUnknown) recordType() RecordType { return r.Type }

// Format describes which optional sample fields a Ring's owner counter
// was opened with, since that determines how PERF_RECORD_SAMPLE bodies
// on this ring are laid out.
type Format struct {
	CPU       bool
	Callchain bool
}

// ErrRingInvariant is returned by Drain when the ring's head precedes
// its tail, which the kernel should never produce; seeing it means the
// consumer's bookkeeping or the mapping itself is corrupt.
var ErrRingInvariant = fmt.Errorf("ringbuf: ring head behind tail")

// Ring consumes one CPU's mmap'd ring buffer.
type Ring struct {
	fd      int
	format  Format
	mmap    []byte
	meta    *unix.PerfEventMmapPage
	data    []byte
	mask    uint64
	tail    uint64
	scratch []byte
}

// Open mmaps fd's ring (dataPages data pages, a power of two, plus one
// control page) and returns a Ring ready to Drain. fd must be the
// "owner" counter for its CPU: the one every other counter on that CPU
// was redirected into with perfopen.SetOutput.
func Open(fd int, dataPages int, format Format) (*Ring, error) {
	mmap, err := perfopen.Mmap(fd, dataPages)
	if err != nil {
		return nil, err
	}
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mmap[0]))
	data := mmap[meta.Data_offset : meta.Data_offset+meta.Data_size]
	return &Ring{
		fd:     fd,
		format: format,
		mmap:   mmap,
		meta:   meta,
		data:   data,
		mask:   meta.Data_size - 1,
		tail:   atomic.LoadUint64(&meta.Data_tail),
	}, nil
}

// FD returns the owning counter's file descriptor, for polling.
func (r *Ring) FD() int { return r.fd }

// Disable stops the owning counter via ioctl, without affecting
// whatever is already queued in the ring.
func (r *Ring) Disable() error { return perfopen.Disable(r.fd) }

// Close unmaps the ring. It does not close the owning fd.
func (r *Ring) Close() error { return perfopen.Munmap(r.mmap) }

// Pending reports whether the ring has unread bytes.
func (r *Ring) Pending() bool {
	return atomic.LoadUint64(&r.meta.Data_head) != r.tail
}

// Drain decodes every record currently available in the ring, calling
// emit for each, then advances the tail so the kernel can reclaim the
// space. It returns ErrRingInvariant if the ring's bookkeeping is
// inconsistent; the caller should treat that as fatal for this ring.
//
// When the unread bytes wrap past the end of the ring, the whole unread
// region is copied into a scratch buffer first, so decoding never has
// to special-case a split read; otherwise records are decoded directly
// out of the mmap.
func (r *Ring) Drain(emit func(Record)) error {
	head := atomic.LoadUint64(&r.meta.Data_head)
	tail := r.tail
	if head < tail {
		return ErrRingInvariant
	}
	size := head - tail
	if size == 0 {
		return nil
	}

	start := tail & r.mask
	end := head & r.mask

	var buf []byte
	if start < end {
		buf = r.data[start:end]
	} else {
		if cap(r.scratch) < int(size) {
			r.scratch = make([]byte, size)
		}
		buf = r.scratch[:size]
		n := copy(buf, r.data[start:])
		copy(buf[n:], r.data[:end])
	}

	for len(buf) > 0 {
		if len(buf) < 8 {
			return fmt.Errorf("ringbuf: truncated record header (%d bytes left)", len(buf))
		}
		typ := RecordType(leUint32(buf[0:4]))
		misc := leUint16(buf[4:6])
		recSize := leUint16(buf[6:8])
		if int(recSize) < 8 || int(recSize) > len(buf) {
			return fmt.Errorf("ringbuf: corrupt record size %d (type %d, %d bytes left)", recSize, typ, len(buf))
		}
		body := buf[8:recSize]
		emit(decodeRecord(typ, misc, body, r.format))
		buf = buf[recSize:]
	}

	r.tail = head
	atomic.StoreUint64(&r.meta.Data_tail, head)
	return nil
}

func decodeRecord(typ RecordType, misc uint16, body []byte, format Format) Record {
	switch typ {
	case RecordTypeMmap:
		return decodeMmap(misc, body)
	case RecordTypeComm:
		return decodeComm(misc, body)
	case RecordTypeFork:
		return decodeForkExit(body, true)
	case RecordTypeExit:
		return decodeForkExit(body, false)
	case RecordTypeThrottle, RecordTypeUnthrottle:
		return decodeThrottle(body, typ == RecordTypeThrottle)
	case RecordTypeLost:
		return decodeLost(body)
	case RecordTypeSample:
		return decodeSample(misc, body, format)
	default:
		raw := make([]byte, len(body))
		copy(raw, body)
		return &RawUnknown{Type: typ, Raw: raw}
	}
}

func decodeMmap(misc uint16, b []byte) *RawMmap {
	o := &RawMmap{Data: misc&miscMmapData != 0, CPUMode: eventattr.CPUMode(misc & miscCPUModeMask)}
	o.PID, o.TID = int(leInt32(b[0:4])), int(leInt32(b[4:8]))
	o.Addr, o.Len, o.PgOff = leUint64(b[8:16]), leUint64(b[16:24]), leUint64(b[24:32])
	o.Filename = cstr(b[32:])
	return o
}

func decodeComm(misc uint16, b []byte) *RawComm {
	o := &RawComm{Exec: misc&miscCommExec != 0}
	o.PID, o.TID = int(leInt32(b[0:4])), int(leInt32(b[4:8]))
	o.Comm = cstr(b[8:])
	return o
}

func decodeForkExit(b []byte, fork bool) Record {
	pid, ppid := int(leInt32(b[0:4])), int(leInt32(b[4:8]))
	tid, ptid := int(leInt32(b[8:12])), int(leInt32(b[12:16]))
	t := leUint64(b[16:24])
	if fork {
		return &RawFork{PID: pid, PPID: ppid, TID: tid, PTID: ptid, Time: t}
	}
	return &RawExit{PID: pid, PPID: ppid, TID: tid, PTID: ptid, Time: t}
}

func decodeThrottle(b []byte, enable bool) *RawThrottle {
	t := leUint64(b[0:8])
	id := leUint64(b[8:16])
	return &RawThrottle{Enable: enable, Time: t, ID: id}
}

func decodeLost(b []byte) *RawLost {
	id := leUint64(b[0:8])
	num := leUint64(b[8:16])
	return &RawLost{ID: id, NumLost: num}
}

func decodeSample(misc uint16, b []byte, format Format) *RawSample {
	o := &RawSample{CPUMode: eventattr.CPUMode(misc & miscCPUModeMask)}
	o.IP = leUint64(b[0:8])
	b = b[8:]
	o.PID, o.TID = int(leInt32(b[0:4])), int(leInt32(b[4:8]))
	b = b[8:]
	o.ID = leUint64(b[0:8])
	b = b[8:]
	if format.CPU {
		o.CPU = leUint32(b[0:4])
		b = b[8:] // cpu, res
	}
	if format.Callchain {
		nr := leUint64(b[0:8])
		b = b[8:]
		o.Callchain = make([]uint64, nr)
		for i := range o.Callchain {
			o.Callchain[i] = leUint64(b[i*8:])
		}
	}
	return o
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leInt32(b []byte) int32 { return int32(leUint32(b)) }
func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[0:4])) | uint64(leUint32(b[4:8]))<<32
}

// Set polls a group of Rings and drains whichever have data ready.
type Set struct {
	rings []*Ring
}

// NewSet builds a Set over rings, one per CPU.
func NewSet(rings []*Ring) *Set {
	return &Set{rings: rings}
}

// pollTimeout bounds how long Run's poll call blocks, so the quit
// channel is checked regularly even when no ring ever becomes ready.
const pollTimeout = 200 * time.Millisecond

// Run polls every ring in s until quit is closed, calling emit with
// each ring's index and every record it decodes. On return it has
// already drained every ring once more, so nothing queued at the
// moment quit closed is dropped. Run returns ErrRingInvariant,
// unwrapped, if any ring reports a kernel/bookkeeping inconsistency.
func (s *Set) Run(quit <-chan struct{}, emit func(ring int, rec Record)) error {
	pollfds := make([]unix.PollFd, len(s.rings))
	for i, r := range s.rings {
		pollfds[i] = unix.PollFd{Fd: int32(r.FD()), Events: unix.POLLIN}
	}

	for {
		select {
		case <-quit:
			return s.drainAll(emit)
		default:
		}

		n, err := unix.Poll(pollfds, int(pollTimeout/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("ringbuf: poll: %w", err)
		}
		if n == 0 {
			continue
		}
		for i, pfd := range pollfds {
			if pfd.Revents == 0 {
				continue
			}
			pollfds[i].Revents = 0
			idx := i
			if err := s.rings[idx].Drain(func(rec Record) { emit(idx, rec) }); err != nil {
				return err
			}
		}
	}
}

func (s *Set) drainAll(emit func(ring int, rec Record)) error {
	for i, r := range s.rings {
		idx := i
		if err := r.Drain(func(rec Record) { emit(idx, rec) }); err != nil {
			return err
		}
	}
	return nil
}
