// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/openperf/operf/eventattr"
)

// A Reader sequentially decodes records from a sample stream.
//
// Usage:
//
//	rd, err := stream.Open(r)
//	for {
//		rec, err := rd.Next()
//		if err == io.EOF { break }
//		switch rec := rec.(type) {
//		...
//		}
//	}
type Reader struct {
	r      *bufio.Reader
	Header Header

	buf []byte
}

// Open reads a sample stream's Header from r and returns a Reader
// positioned at the first record.
func Open(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 32<<10)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	return &Reader{r: br, Header: h}, nil
}

// Next decodes and returns the next record, or io.EOF once the stream
// is exhausted.
//
// The returned Record may alias memory reused by a later call to Next;
// callers that need to retain a record must copy it.
func (rd *Reader) Next() (Record, error) {
	hdr, err := readRawHeader(rd.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("stream: read record header: %w", err)
	}
	if hdr.Size <= recordHeaderSize {
		return nil, fmt.Errorf("stream: corrupt stream: record size %d not larger than header", hdr.Size)
	}
	if hdr.Type > maxRecordType {
		return nil, fmt.Errorf("stream: corrupt stream: record type %d exceeds maximum known type %d", hdr.Type, maxRecordType)
	}

	body := int(hdr.Size) - recordHeaderSize
	if cap(rd.buf) < body {
		rd.buf = make([]byte, body)
	}
	buf := rd.buf[:body]
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		return nil, fmt.Errorf("stream: read record body (type %v): %w", hdr.Type, err)
	}

	bd := &bufDecoder{buf: buf, order: binary.LittleEndian}
	common := RecordCommon{Misc: hdr.Misc}

	switch hdr.Type {
	case RecordTypeMmap:
		return rd.decodeMmap(bd, common, hdr)
	case RecordTypeComm:
		return rd.decodeComm(bd, common, hdr)
	case RecordTypeFork:
		return rd.decodeFork(bd, common)
	case RecordTypeExit:
		return rd.decodeExit(bd, common)
	case RecordTypeThrottle, RecordTypeUnthrottle:
		return rd.decodeThrottle(bd, common, hdr.Type == RecordTypeThrottle)
	case RecordTypeLost:
		return rd.decodeLost(bd, common)
	case RecordTypeSample:
		return rd.decodeSample(bd, common)
	default:
		raw := make([]byte, len(buf))
		copy(raw, buf)
		return &RecordUnknown{RecordCommon: common, Type: hdr.Type, Raw: raw}, nil
	}
}

func (rd *Reader) decodeMmap(bd *bufDecoder, common RecordCommon, hdr rawRecordHeader) (Record, error) {
	o := &RecordMmap{RecordCommon: common}
	o.Data = hdr.Misc&recordMiscMmapData != 0
	o.PID, o.TID = int(bd.i32()), int(bd.i32())
	o.Addr, o.Len, o.PgOff = bd.u64(), bd.u64(), bd.u64()
	o.Filename = bd.cstring()
	if bd.err != nil {
		return nil, bd.err
	}
	return o, nil
}

func (rd *Reader) decodeComm(bd *bufDecoder, common RecordCommon, hdr rawRecordHeader) (Record, error) {
	o := &RecordComm{RecordCommon: common}
	o.Exec = hdr.Misc&recordMiscCommExec != 0
	o.PID, o.TID = int(bd.i32()), int(bd.i32())
	o.Comm = bd.cstring()
	if bd.err != nil {
		return nil, bd.err
	}
	return o, nil
}

func (rd *Reader) decodeFork(bd *bufDecoder, common RecordCommon) (Record, error) {
	o := &RecordFork{RecordCommon: common}
	o.PID, o.PPID = int(bd.i32()), int(bd.i32())
	o.TID, o.PTID = int(bd.i32()), int(bd.i32())
	o.Time = bd.u64()
	if bd.err != nil {
		return nil, bd.err
	}
	return o, nil
}

func (rd *Reader) decodeExit(bd *bufDecoder, common RecordCommon) (Record, error) {
	o := &RecordExit{RecordCommon: common}
	o.PID, o.PPID = int(bd.i32()), int(bd.i32())
	o.TID, o.PTID = int(bd.i32()), int(bd.i32())
	o.Time = bd.u64()
	if bd.err != nil {
		return nil, bd.err
	}
	return o, nil
}

func (rd *Reader) decodeThrottle(bd *bufDecoder, common RecordCommon, enable bool) (Record, error) {
	o := &RecordThrottle{RecordCommon: common, Enable: enable}
	o.Time = bd.u64()
	o.EventIndex = int(bd.u32())
	if bd.err != nil {
		return nil, bd.err
	}
	return o, nil
}

func (rd *Reader) decodeLost(bd *bufDecoder, common RecordCommon) (Record, error) {
	o := &RecordLost{RecordCommon: common}
	o.EventIndex = int(bd.u32())
	o.NumLost = bd.u64()
	if bd.err != nil {
		return nil, bd.err
	}
	return o, nil
}

func (rd *Reader) decodeSample(bd *bufDecoder, common RecordCommon) (Record, error) {
	o := &RecordSample{RecordCommon: common}
	o.CPUMode = eventattr.CPUMode(common.Misc & recordMiscCPUModeMask)
	o.EventIndex = int(bd.u32())
	o.IP = bd.u64()
	o.PID, o.TID = int(bd.i32()), int(bd.i32())
	o.Time = bd.u64()
	o.CPU = bd.u32()
	o.Period = bd.u64()

	nchain := int(bd.u32())
	if bd.err != nil {
		return nil, bd.err
	}
	if nchain > 0 {
		if nchain*8 > len(bd.buf) {
			return nil, fmt.Errorf("stream: corrupt record: callchain length %d exceeds remaining record body", nchain)
		}
		o.Callchain = make([]uint64, nchain)
		bd.u64s(o.Callchain)
	}
	return o, nil
}
