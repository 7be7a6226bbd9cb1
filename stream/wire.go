// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/openperf/operf/eventattr"
)

// magic identifies a recorder-to-reader sample stream. Chosen to be
// distinct from perf.data's own "PERFFILE2" at-rest magic, since this is
// a different, simpler format: no feature sections, no build-id lists,
// no seeking.
var magic = [8]byte{'O', 'P', 'F', 'I', 'L', 'E', 0, 0}

// FormatVersion is threaded through the stream so a reader can refuse a
// stream whose wire layout it doesn't understand.
const FormatVersion = 1

// Header is the fixed preamble of a sample stream: a magic, a version,
// and the table of events the recorder opened, in Index order.
type Header struct {
	Version uint32
	Attrs   []eventattr.Event
}

const rawHeaderPrefix = 8 + 4 + 4 // magic + version + attr count

func writeHeaderPrefix(w io.Writer, version uint32, nattrs int) error {
	var b [rawHeaderPrefix]byte
	copy(b[0:8], magic[:])
	binary.LittleEndian.PutUint32(b[8:12], version)
	binary.LittleEndian.PutUint32(b[12:16], uint32(nattrs))
	_, err := w.Write(b[:])
	return err
}

const attrRecordSize = 4 + 4 + 8 + 8 + 1 + 4 + 8 + 4 // Type,reserved,Config,Period,UnitMask,Flags,Format,Index

func encodeAttr(e eventattr.Event) []byte {
	b := make([]byte, attrRecordSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.Type))
	binary.LittleEndian.PutUint32(b[4:8], 0) // reserved
	binary.LittleEndian.PutUint64(b[8:16], e.Config)
	binary.LittleEndian.PutUint64(b[16:24], e.Period)
	b[24] = e.UnitMask
	binary.LittleEndian.PutUint32(b[25:29], uint32(e.Flags))
	binary.LittleEndian.PutUint64(b[29:37], uint64(e.Format))
	binary.LittleEndian.PutUint32(b[37:41], uint32(e.Index))
	return b
}

func decodeAttr(b []byte) eventattr.Event {
	return eventattr.Event{
		Type:     eventattr.Type(binary.LittleEndian.Uint32(b[0:4])),
		Config:   binary.LittleEndian.Uint64(b[8:16]),
		Period:   binary.LittleEndian.Uint64(b[16:24]),
		UnitMask: b[24],
		Flags:    eventattr.Flags(binary.LittleEndian.Uint32(b[25:29])),
		Format:   eventattr.SampleFormat(binary.LittleEndian.Uint64(b[29:37])),
		Index:    int(binary.LittleEndian.Uint32(b[37:41])),
	}
}

// WriteHeader writes h's magic, version, and attribute table to w.
func WriteHeader(w io.Writer, h Header) error {
	if err := writeHeaderPrefix(w, h.Version, len(h.Attrs)); err != nil {
		return fmt.Errorf("stream: write header: %w", err)
	}
	for _, a := range h.Attrs {
		if _, err := w.Write(encodeAttr(a)); err != nil {
			return fmt.Errorf("stream: write attr %d: %w", a.Index, err)
		}
	}
	return nil
}

// ReadHeader reads and validates a Header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var prefix [rawHeaderPrefix]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Header{}, fmt.Errorf("stream: read header: %w", err)
	}
	if string(prefix[0:8]) != string(magic[:]) {
		return Header{}, fmt.Errorf("stream: bad magic %q", prefix[0:8])
	}
	version := binary.LittleEndian.Uint32(prefix[8:12])
	nattrs := binary.LittleEndian.Uint32(prefix[12:16])

	h := Header{Version: version, Attrs: make([]eventattr.Event, nattrs)}
	buf := make([]byte, attrRecordSize)
	for i := range h.Attrs {
		if _, err := io.ReadFull(r, buf); err != nil {
			return Header{}, fmt.Errorf("stream: read attr %d: %w", i, err)
		}
		h.Attrs[i] = decodeAttr(buf)
	}
	return h, nil
}

// recordHeaderSize is the wire size, in bytes, of every record's fixed
// prefix: a 4-byte type, a 2-byte misc bitmask, and a 2-byte total
// record size (prefix included), matching perf_event_header but
// generalized from "bytes in this perf.data mmap page" to "bytes in
// this stream record".
const recordHeaderSize = 4 + 2 + 2

type rawRecordHeader struct {
	Type RecordType
	Misc uint16
	Size uint16
}

func readRawHeader(r io.Reader) (rawRecordHeader, error) {
	var b [recordHeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return rawRecordHeader{}, err
	}
	return rawRecordHeader{
		Type: RecordType(binary.LittleEndian.Uint32(b[0:4])),
		Misc: binary.LittleEndian.Uint16(b[4:6]),
		Size: binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}
