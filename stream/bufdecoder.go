// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/binary"
	"fmt"
)

// bufDecoder is a cursor over a record's decoded byte buffer: the right
// technique for a format with no alignment guarantees, narrow here since
// the live sample stream has no sample_id trailers or attribute-ID
// indirection to decode conditionally.
//
// Every fixed-width accessor checks it has enough bytes left before
// reading; on underrun it records err and returns the zero value
// instead of slicing out of range, so a record whose declared size is
// too small for its type's fixed fields becomes a stream-corruption
// error rather than a panic. Once err is set, every later accessor is
// a no-op.
type bufDecoder struct {
	buf   []byte
	order binary.ByteOrder
	err   error
}

// need reports whether at least n bytes remain, recording a
// corruption error the first time it doesn't.
func (b *bufDecoder) need(n int) bool {
	if b.err != nil {
		return false
	}
	if len(b.buf) < n {
		b.err = fmt.Errorf("stream: corrupt record: %d bytes remaining, need %d", len(b.buf), n)
		return false
	}
	return true
}

func (b *bufDecoder) skip(n int) {
	if !b.need(n) {
		return
	}
	b.buf = b.buf[n:]
}

func (b *bufDecoder) bytes(x []byte) {
	if !b.need(len(x)) {
		return
	}
	copy(x, b.buf)
	b.buf = b.buf[len(x):]
}

func (b *bufDecoder) u16() uint16 {
	if !b.need(2) {
		return 0
	}
	x := b.order.Uint16(b.buf)
	b.buf = b.buf[2:]
	return x
}

func (b *bufDecoder) u32() uint32 {
	if !b.need(4) {
		return 0
	}
	x := b.order.Uint32(b.buf)
	b.buf = b.buf[4:]
	return x
}

func (b *bufDecoder) i32() int32 {
	return int32(b.u32())
}

func (b *bufDecoder) u64() uint64 {
	if !b.need(8) {
		return 0
	}
	x := b.order.Uint64(b.buf)
	b.buf = b.buf[8:]
	return x
}

func (b *bufDecoder) u64s(x []uint64) {
	if !b.need(len(x) * 8) {
		return
	}
	for i := range x {
		x[i] = b.order.Uint64(b.buf[i*8:])
	}
	b.buf = b.buf[len(x)*8:]
}

func (b *bufDecoder) cstring() string {
	if b.err != nil {
		return ""
	}
	for i, c := range b.buf {
		if c == 0 {
			x := string(b.buf[:i])
			b.buf = b.buf[i+1:]
			return x
		}
	}
	x := string(b.buf)
	b.buf = b.buf[:0]
	return x
}
