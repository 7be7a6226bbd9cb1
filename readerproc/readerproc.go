// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package readerproc implements the reader process: it sequentially
// consumes a sample stream, feeds comm/mmap/fork/exit records to a
// process.Session and sample/lost/throttle records to an
// attributor.Attributor, and runs the attributor's deferred second pass
// once the stream is exhausted. It has no opinion on whether the stream
// comes from a pipe shared with a live recorder or from a file the
// recorder already finished writing and exited (--lazy-conversion); both
// are just an io.Reader to Run.
package readerproc

import (
	"fmt"
	"io"

	"github.com/openperf/operf/attributor"
	"github.com/openperf/operf/process"
	"github.com/openperf/operf/registry"
	"github.com/openperf/operf/stream"
)

// Counters accumulates reader-side bookkeeping that isn't already
// covered by attributor.Counters.
type Counters struct {
	UnknownRecords uint64
}

// Reader drives one sample stream to completion.
type Reader struct {
	rd  *stream.Reader
	sess *process.Session
	attr *attributor.Attributor

	Counters Counters
}

// New opens r's stream header and builds a Reader ready to Run, backed
// by reg for the sample files it will write and cfg for the
// attribution policy (separate-cpu/thread, call-graph, no-vmlinux,
// hypervisor ceiling).
func New(r io.Reader, reg *registry.Registry, cfg attributor.Config) (*Reader, error) {
	rd, err := stream.Open(r)
	if err != nil {
		return nil, fmt.Errorf("readerproc: open stream: %w", err)
	}
	if rd.Header.Version != stream.FormatVersion {
		return nil, fmt.Errorf("readerproc: unsupported stream version %d", rd.Header.Version)
	}

	sess := process.New()
	attr := attributor.New(sess, reg, rd.Header.Attrs, cfg)

	return &Reader{rd: rd, sess: sess, attr: attr}, nil
}

// Session returns the process model the stream was folded into.
func (rp *Reader) Session() *process.Session { return rp.sess }

// Attributor returns the sample attributor that consumed the stream.
func (rp *Reader) Attributor() *attributor.Attributor { return rp.attr }

// Run consumes every record in the stream, dispatching each to the
// process model or the attributor as appropriate, then replays whatever
// the attributor deferred via the second pass (Finish). It returns once
// the stream reaches io.EOF and the second pass completes, or on the
// first error from either.
func (rp *Reader) Run() error {
	for {
		rec, err := rp.rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("readerproc: %w", err)
		}
		if err := rp.dispatch(rec); err != nil {
			return err
		}
	}
	if err := rp.attr.Finish(); err != nil {
		return fmt.Errorf("readerproc: second pass: %w", err)
	}
	return nil
}

func (rp *Reader) dispatch(rec stream.Record) error {
	switch r := rec.(type) {
	case *stream.RecordComm, *stream.RecordMmap, *stream.RecordFork, *stream.RecordExit:
		rp.sess.Update(rec)
	case *stream.RecordSample:
		return rp.attr.HandleSample(r)
	case *stream.RecordLost:
		rp.attr.HandleLost(r)
	case *stream.RecordThrottle:
		rp.attr.HandleThrottle(r)
	case *stream.RecordUnknown:
		rp.Counters.UnknownRecords++
	default:
		rp.Counters.UnknownRecords++
	}
	return nil
}
