// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/binary"
	"fmt"
)

// HeaderMagic identifies a sample file belonging to this core, written
// into the caller-reserved header region of every sampledb.DB it opens.
const HeaderMagic uint32 = 0x4f504430 // "OPD0"

// HeaderVersion is the current sample-file header layout version.
const HeaderVersion uint32 = 1

// HeaderSize is the encoded size in bytes of Header.
const HeaderSize = 4 + 4 + 4 + 4 + 4 + 1 + 1 + 1 + 1 + 4 + 8 + 8 + 8

// Header is the fixed metadata every Sample-DB file carries in its
// caller-reserved header region, filled in once when the file is
// created.
type Header struct {
	Version  uint32
	Magic    uint32
	CPUType  uint32
	CtrEvent uint32
	CtrCount uint32

	CtrUM        uint8
	IsKernel     uint8
	CgToIsKernel uint8

	CPUSpeed      uint32
	Mtime         uint64
	AnonStart     uint64
	CgToAnonStart uint64
}

// Encode writes h into b, which must be at least HeaderSize bytes.
func (h Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:4], h.Version)
	binary.LittleEndian.PutUint32(b[4:8], h.Magic)
	binary.LittleEndian.PutUint32(b[8:12], h.CPUType)
	binary.LittleEndian.PutUint32(b[12:16], h.CtrEvent)
	binary.LittleEndian.PutUint32(b[16:20], h.CtrCount)
	b[20] = h.CtrUM
	b[21] = h.IsKernel
	b[22] = h.CgToIsKernel
	b[23] = 0
	binary.LittleEndian.PutUint32(b[24:28], h.CPUSpeed)
	binary.LittleEndian.PutUint64(b[28:36], h.Mtime)
	binary.LittleEndian.PutUint64(b[36:44], h.AnonStart)
	binary.LittleEndian.PutUint64(b[44:52], h.CgToAnonStart)
}

// DecodeHeader reads a Header from b, which must be at least HeaderSize
// bytes.
func DecodeHeader(b []byte) Header {
	return Header{
		Version:       binary.LittleEndian.Uint32(b[0:4]),
		Magic:         binary.LittleEndian.Uint32(b[4:8]),
		CPUType:       binary.LittleEndian.Uint32(b[8:12]),
		CtrEvent:      binary.LittleEndian.Uint32(b[12:16]),
		CtrCount:      binary.LittleEndian.Uint32(b[16:20]),
		CtrUM:         b[20],
		IsKernel:      b[21],
		CgToIsKernel:  b[22],
		CPUSpeed:      binary.LittleEndian.Uint32(b[24:28]),
		Mtime:         binary.LittleEndian.Uint64(b[28:36]),
		AnonStart:     binary.LittleEndian.Uint64(b[36:44]),
		CgToAnonStart: binary.LittleEndian.Uint64(b[44:52]),
	}
}

// Validate reports whether b's header region is a well-formed,
// version-compatible sample-file header whose counter-identifying
// fields match want. want's Mtime, AnonStart, CgToAnonStart, and
// CPUSpeed are instance-specific and not compared; only the fields
// that identify which event a file was opened for are checked, so
// reopening a sample file with a different counter configuration is
// rejected rather than silently accepted.
func Validate(b []byte, want Header) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("registry: header too short: %d bytes", len(b))
	}
	h := DecodeHeader(b)
	if h.Magic != HeaderMagic {
		return fmt.Errorf("registry: bad magic %#x", h.Magic)
	}
	if h.Version != HeaderVersion {
		return fmt.Errorf("registry: unsupported header version %d", h.Version)
	}
	if h.CPUType != want.CPUType {
		return fmt.Errorf("registry: cpu type mismatch: file has %d, want %d", h.CPUType, want.CPUType)
	}
	if h.CtrEvent != want.CtrEvent {
		return fmt.Errorf("registry: counter event mismatch: file has %d, want %d", h.CtrEvent, want.CtrEvent)
	}
	if h.CtrCount != want.CtrCount {
		return fmt.Errorf("registry: counter count mismatch: file has %d, want %d", h.CtrCount, want.CtrCount)
	}
	if h.CtrUM != want.CtrUM {
		return fmt.Errorf("registry: unit mask mismatch: file has %#x, want %#x", h.CtrUM, want.CtrUM)
	}
	if h.IsKernel != want.IsKernel {
		return fmt.Errorf("registry: is-kernel flag mismatch: file has %d, want %d", h.IsKernel, want.IsKernel)
	}
	if h.CgToIsKernel != want.CgToIsKernel {
		return fmt.Errorf("registry: call-graph-to-kernel flag mismatch: file has %d, want %d", h.CgToIsKernel, want.CgToIsKernel)
	}
	return nil
}
