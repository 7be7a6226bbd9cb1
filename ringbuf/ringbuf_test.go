// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ringbuf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestRing builds a Ring over an in-memory data region, bypassing
// Open (and the mmap/perf_event_open syscalls it needs), so Drain's
// decode and wraparound logic can be exercised directly.
func newTestRing(t *testing.T, dataSize uint64, format Format) *Ring {
	t.Helper()
	require.True(t, dataSize&(dataSize-1) == 0, "dataSize must be a power of two")
	meta := &unix.PerfEventMmapPage{Data_size: dataSize}
	return &Ring{
		format: format,
		meta:   meta,
		data:   make([]byte, dataSize),
		mask:   dataSize - 1,
	}
}

func putHeader(b []byte, typ RecordType, misc uint16, size uint16) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(typ))
	binary.LittleEndian.PutUint16(b[4:6], misc)
	binary.LittleEndian.PutUint16(b[6:8], size)
}

func encodeSample(format Format, id uint64, ip uint64, pid, tid int32, cpu uint32, chain []uint64) []byte {
	size := 8 + 8 + 8 + 8
	if format.CPU {
		size += 8
	}
	if format.Callchain {
		size += 8 + 8*len(chain)
	}
	b := make([]byte, size)
	putHeader(b, RecordTypeSample, 0, uint16(size))
	o := 8
	binary.LittleEndian.PutUint64(b[o:], ip)
	o += 8
	binary.LittleEndian.PutUint32(b[o:], uint32(pid))
	binary.LittleEndian.PutUint32(b[o+4:], uint32(tid))
	o += 8
	binary.LittleEndian.PutUint64(b[o:], id)
	o += 8
	if format.CPU {
		binary.LittleEndian.PutUint32(b[o:], cpu)
		o += 8
	}
	if format.Callchain {
		binary.LittleEndian.PutUint64(b[o:], uint64(len(chain)))
		o += 8
		for _, ip := range chain {
			binary.LittleEndian.PutUint64(b[o:], ip)
			o += 8
		}
	}
	return b
}

func TestDrainSingleSample(t *testing.T) {
	format := Format{CPU: true, Callchain: true}
	r := newTestRing(t, 256, format)

	rec := encodeSample(format, 42, 0xdeadbeef, 100, 101, 3, []uint64{1, 2, 3})
	copy(r.data, rec)
	r.meta.Data_head = uint64(len(rec))

	var got []Record
	err := r.Drain(func(rec Record) { got = append(got, rec) })
	require.NoError(t, err)
	require.Len(t, got, 1)

	s, ok := got[0].(*RawSample)
	require.True(t, ok)
	require.Equal(t, uint64(42), s.ID)
	require.Equal(t, uint64(0xdeadbeef), s.IP)
	require.Equal(t, 100, s.PID)
	require.Equal(t, 101, s.TID)
	require.Equal(t, uint32(3), s.CPU)
	require.Equal(t, []uint64{1, 2, 3}, s.Callchain)
	require.Equal(t, r.meta.Data_head, r.tail)
}

func TestDrainWrapAround(t *testing.T) {
	format := Format{}
	r := newTestRing(t, 64, format)

	rec1 := encodeSample(format, 1, 0x1000, 1, 1, 0, nil) // 32 bytes
	rec2 := encodeSample(format, 2, 0x2000, 2, 2, 0, nil) // 32 bytes

	// Place rec1 straddling the ring boundary (tail starts at 48, so its
	// first 16 bytes occupy [48:64) and its last 16 wrap to [0:16)),
	// then rec2 follows contiguously at [16:48).
	r.tail = 48
	copy(r.data[48:64], rec1[:16])
	copy(r.data[0:16], rec1[16:])
	copy(r.data[16:48], rec2)
	r.meta.Data_tail = 48
	r.meta.Data_head = 48 + uint64(len(rec1)+len(rec2))

	var got []*RawSample
	err := r.Drain(func(rec Record) {
		s, ok := rec.(*RawSample)
		require.True(t, ok)
		got = append(got, s)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].ID)
	require.Equal(t, uint64(0x1000), got[0].IP)
	require.Equal(t, uint64(2), got[1].ID)
	require.Equal(t, uint64(0x2000), got[1].IP)
}

func TestDrainMmapAndComm(t *testing.T) {
	r := newTestRing(t, 256, Format{})

	mmapBody := []byte("/usr/bin/foo\x00")
	mmapRec := make([]byte, 8+4+4+8+8+8+len(mmapBody))
	putHeader(mmapRec, RecordTypeMmap, 0, uint16(len(mmapRec)))
	binary.LittleEndian.PutUint32(mmapRec[8:12], 10)
	binary.LittleEndian.PutUint32(mmapRec[12:16], 11)
	binary.LittleEndian.PutUint64(mmapRec[16:24], 0x400000)
	binary.LittleEndian.PutUint64(mmapRec[24:32], 0x1000)
	binary.LittleEndian.PutUint64(mmapRec[32:40], 0)
	copy(mmapRec[40:], mmapBody)

	commBody := []byte("foo\x00")
	commRec := make([]byte, 8+4+4+len(commBody))
	putHeader(commRec, RecordTypeComm, miscCommExec, uint16(len(commRec)))
	binary.LittleEndian.PutUint32(commRec[8:12], 10)
	binary.LittleEndian.PutUint32(commRec[12:16], 11)
	copy(commRec[16:], commBody)

	n := copy(r.data, mmapRec)
	n += copy(r.data[n:], commRec)
	r.meta.Data_head = uint64(n)

	var got []Record
	err := r.Drain(func(rec Record) { got = append(got, rec) })
	require.NoError(t, err)
	require.Len(t, got, 2)

	m, ok := got[0].(*RawMmap)
	require.True(t, ok)
	require.Equal(t, "/usr/bin/foo", m.Filename)
	require.Equal(t, uint64(0x400000), m.Addr)

	c, ok := got[1].(*RawComm)
	require.True(t, ok)
	require.Equal(t, "foo", c.Comm)
	require.True(t, c.Exec)
}

func TestDrainRingInvariant(t *testing.T) {
	r := newTestRing(t, 64, Format{})
	r.tail = 32
	r.meta.Data_head = 16

	err := r.Drain(func(Record) {})
	require.ErrorIs(t, err, ErrRingInvariant)
}

func TestDrainNoData(t *testing.T) {
	r := newTestRing(t, 64, Format{})
	r.meta.Data_head = 0

	called := false
	err := r.Drain(func(Record) { called = true })
	require.NoError(t, err)
	require.False(t, called)
}
