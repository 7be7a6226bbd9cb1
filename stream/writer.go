// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// A Writer sequentially encodes records onto a sample stream. It is the
// recorder side of the format Reader decodes.
type Writer struct {
	w   *bufio.Writer
	buf []byte
}

// NewWriter writes h to w and returns a Writer ready to append records.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	bw := bufio.NewWriterSize(w, 32<<10)
	if err := WriteHeader(bw, h); err != nil {
		return nil, err
	}
	return &Writer{w: bw}, nil
}

func (wr *Writer) writeRecord(typ RecordType, misc uint16, body []byte) error {
	size := recordHeaderSize + len(body)
	if size > 1<<16-1 {
		return fmt.Errorf("stream: record too large: %d bytes", size)
	}
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(typ))
	binary.LittleEndian.PutUint16(hdr[4:6], misc)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(size))
	if _, err := wr.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := wr.w.Write(body)
	return err
}

// WriteMmap appends a mmap record.
func (wr *Writer) WriteMmap(r RecordMmap) error {
	var misc uint16
	if r.Data {
		misc |= recordMiscMmapData
	}
	body := make([]byte, 0, 4+4+8+8+8+len(r.Filename)+1)
	body = appendI32(body, int32(r.PID))
	body = appendI32(body, int32(r.TID))
	body = appendU64(body, r.Addr)
	body = appendU64(body, r.Len)
	body = appendU64(body, r.PgOff)
	body = append(body, r.Filename...)
	body = append(body, 0)
	return wr.writeRecord(RecordTypeMmap, misc, body)
}

// WriteComm appends a comm record.
func (wr *Writer) WriteComm(r RecordComm) error {
	var misc uint16
	if r.Exec {
		misc |= recordMiscCommExec
	}
	body := make([]byte, 0, 4+4+len(r.Comm)+1)
	body = appendI32(body, int32(r.PID))
	body = appendI32(body, int32(r.TID))
	body = append(body, r.Comm...)
	body = append(body, 0)
	return wr.writeRecord(RecordTypeComm, misc, body)
}

// WriteFork appends a fork record.
func (wr *Writer) WriteFork(r RecordFork) error {
	body := make([]byte, 0, 4*4+8)
	body = appendI32(body, int32(r.PID))
	body = appendI32(body, int32(r.PPID))
	body = appendI32(body, int32(r.TID))
	body = appendI32(body, int32(r.PTID))
	body = appendU64(body, r.Time)
	return wr.writeRecord(RecordTypeFork, 0, body)
}

// WriteExit appends an exit record.
func (wr *Writer) WriteExit(r RecordExit) error {
	body := make([]byte, 0, 4*4+8)
	body = appendI32(body, int32(r.PID))
	body = appendI32(body, int32(r.PPID))
	body = appendI32(body, int32(r.TID))
	body = appendI32(body, int32(r.PTID))
	body = appendU64(body, r.Time)
	return wr.writeRecord(RecordTypeExit, 0, body)
}

// WriteThrottle appends a throttle or unthrottle record.
func (wr *Writer) WriteThrottle(r RecordThrottle) error {
	body := make([]byte, 0, 8+4)
	body = appendU64(body, r.Time)
	body = appendU32(body, uint32(r.EventIndex))
	typ := RecordTypeUnthrottle
	if r.Enable {
		typ = RecordTypeThrottle
	}
	return wr.writeRecord(typ, 0, body)
}

// WriteLost appends a lost-samples record.
func (wr *Writer) WriteLost(r RecordLost) error {
	body := make([]byte, 0, 4+8)
	body = appendU32(body, uint32(r.EventIndex))
	body = appendU64(body, r.NumLost)
	return wr.writeRecord(RecordTypeLost, 0, body)
}

// WriteSample appends a profiling sample.
func (wr *Writer) WriteSample(r RecordSample) error {
	misc := uint16(r.CPUMode) & recordMiscCPUModeMask
	body := make([]byte, 0, 4+8+4+4+8+4+8+4+len(r.Callchain)*8)
	body = appendU32(body, uint32(r.EventIndex))
	body = appendU64(body, r.IP)
	body = appendI32(body, int32(r.PID))
	body = appendI32(body, int32(r.TID))
	body = appendU64(body, r.Time)
	body = appendU32(body, r.CPU)
	body = appendU64(body, r.Period)
	body = appendU32(body, uint32(len(r.Callchain)))
	for _, ip := range r.Callchain {
		body = appendU64(body, ip)
	}
	return wr.writeRecord(RecordTypeSample, misc, body)
}

// Flush flushes any buffered bytes to the underlying writer.
func (wr *Writer) Flush() error {
	return wr.w.Flush()
}

func appendU32(b []byte, v uint32) []byte {
	var t [4]byte
	binary.LittleEndian.PutUint32(t[:], v)
	return append(b, t[:]...)
}

func appendI32(b []byte, v int32) []byte {
	return appendU32(b, uint32(v))
}

func appendU64(b []byte, v uint64) []byte {
	var t [8]byte
	binary.LittleEndian.PutUint64(t[:], v)
	return append(b, t[:]...)
}
