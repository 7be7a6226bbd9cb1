// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stream implements the Event Demultiplexer: the wire codec for
// the recorder-to-reader sample stream and the record sum type the rest
// of the core dispatches on.
//
// Unlike a finished perf.data file, a sample stream has no feature
// sections, no seeking, and no attribute-ID indirection: it is a single
// forward pass over an io.Reader, produced by a recorder process that is
// usually still running. Reading starts with Open, which parses the
// fixed Header and per-event AttrTable, then continues with
// (*Reader).Next.
package stream // import "github.com/openperf/operf/stream"
