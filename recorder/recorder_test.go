// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package recorder

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openperf/operf/eventattr"
	"github.com/openperf/operf/ringbuf"
	"github.com/openperf/operf/stream"
)

// newTestRecorder builds a Recorder whose translate method can be driven
// directly, bypassing New's perf_event_open/mmap calls.
func newTestRecorder(t *testing.T, events []eventattr.Event, buf *bytes.Buffer) *Recorder {
	t.Helper()
	wr, err := stream.NewWriter(buf, stream.Header{Version: stream.FormatVersion, Attrs: events})
	require.NoError(t, err)
	return &Recorder{
		cfg:       Config{Events: events},
		wr:        wr,
		idToEvent: map[uint64]int{100: 0, 200: 1},
		sampleCPU: events[0].Format&eventattr.SampleFormatCPU != 0,
	}
}

func twoEvents() []eventattr.Event {
	return []eventattr.Event{
		{Name: "CPU_CLK_UNHALTED", Index: 0, Period: 100000},
		{Name: "INST_RETIRED", Index: 1, Period: 200000},
	}
}

func TestTranslateSampleResolvesEventIndexAndPeriod(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRecorder(t, twoEvents(), &buf)

	r.translate(3, &ringbuf.RawSample{ID: 200, IP: 0xdeadbeef, PID: 10, TID: 11, CPUMode: eventattr.CPUModeUser})
	require.NoError(t, r.wr.Flush())
	require.Equal(t, uint64(1), r.Counters.RecordsWritten)

	rd, err := stream.Open(&buf)
	require.NoError(t, err)
	rec, err := rd.Next()
	require.NoError(t, err)
	s, ok := rec.(*stream.RecordSample)
	require.True(t, ok)
	require.Equal(t, 1, s.EventIndex)
	require.Equal(t, uint64(0xdeadbeef), s.IP)
	require.Equal(t, uint64(200000), s.Period, "period comes from the event's configured sample period, not the kernel")
	require.Equal(t, uint32(3), s.CPU, "falls back to the ring's own cpu when the counter wasn't opened with SampleFormatCPU")
}

func TestTranslatePrefersSampleOwnCPUWhenRequested(t *testing.T) {
	var buf bytes.Buffer
	events := twoEvents()
	events[0].Format |= eventattr.SampleFormatCPU
	r := newTestRecorder(t, events, &buf)

	r.translate(3, &ringbuf.RawSample{ID: 100, IP: 0x1000, CPU: 7, CPUMode: eventattr.CPUModeUser})
	require.NoError(t, r.wr.Flush())

	rd, err := stream.Open(&buf)
	require.NoError(t, err)
	rec, err := rd.Next()
	require.NoError(t, err)
	s := rec.(*stream.RecordSample)
	require.Equal(t, uint32(7), s.CPU)
}

func TestTranslateUnknownIDCountedNotWritten(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRecorder(t, twoEvents(), &buf)

	r.translate(0, &ringbuf.RawSample{ID: 999, IP: 0x1000})
	require.NoError(t, r.wr.Flush())
	require.Equal(t, uint64(0), r.Counters.RecordsWritten)
	require.Equal(t, uint64(1), r.Counters.UnknownRecords)

	rd, err := stream.Open(&buf)
	require.NoError(t, err)
	_, err = rd.Next()
	require.Equal(t, io.EOF, err, "a sample for an unrecognized id must not reach the stream")
}

func TestTranslateMmapCommForkExit(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRecorder(t, twoEvents(), &buf)

	r.translate(0, &ringbuf.RawMmap{PID: 10, TID: 10, Addr: 0x400000, Len: 0x1000, Filename: "/usr/bin/foo"})
	r.translate(0, &ringbuf.RawComm{PID: 10, TID: 10, Comm: "foo", Exec: true})
	r.translate(0, &ringbuf.RawFork{PID: 20, PPID: 10, TID: 20, PTID: 10})
	r.translate(0, &ringbuf.RawExit{PID: 20, PPID: 10, TID: 20, PTID: 10})
	require.NoError(t, r.wr.Flush())
	require.Equal(t, uint64(4), r.Counters.RecordsWritten)

	rd, err := stream.Open(&buf)
	require.NoError(t, err)

	rec, err := rd.Next()
	require.NoError(t, err)
	m := rec.(*stream.RecordMmap)
	require.Equal(t, "/usr/bin/foo", m.Filename)

	rec, err = rd.Next()
	require.NoError(t, err)
	c := rec.(*stream.RecordComm)
	require.Equal(t, "foo", c.Comm)
	require.True(t, c.Exec)

	rec, err = rd.Next()
	require.NoError(t, err)
	f := rec.(*stream.RecordFork)
	require.Equal(t, 20, f.PID)
	require.Equal(t, 10, f.PPID)

	rec, err = rd.Next()
	require.NoError(t, err)
	e := rec.(*stream.RecordExit)
	require.Equal(t, 20, e.PID)
}

func TestTranslateThrottleAndLostResolveEventIndex(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRecorder(t, twoEvents(), &buf)

	r.translate(0, &ringbuf.RawThrottle{Enable: true, ID: 200})
	r.translate(0, &ringbuf.RawLost{ID: 100, NumLost: 5})
	require.NoError(t, r.wr.Flush())

	rd, err := stream.Open(&buf)
	require.NoError(t, err)

	rec, err := rd.Next()
	require.NoError(t, err)
	th := rec.(*stream.RecordThrottle)
	require.True(t, th.Enable)
	require.Equal(t, 1, th.EventIndex)

	rec, err = rd.Next()
	require.NoError(t, err)
	lost := rec.(*stream.RecordLost)
	require.Equal(t, 0, lost.EventIndex)
	require.Equal(t, uint64(5), lost.NumLost)
}

func TestTranslateUnknownRawRecordCounted(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRecorder(t, twoEvents(), &buf)

	r.translate(0, &ringbuf.RawUnknown{Type: ringbuf.RecordTypeRead, Raw: []byte{1, 2, 3}})
	require.NoError(t, r.wr.Flush())
	require.Equal(t, uint64(0), r.Counters.RecordsWritten)
	require.Equal(t, uint64(1), r.Counters.UnknownRecords)
}

func TestStopIsIdempotentAndUnblocksRun(t *testing.T) {
	r := &Recorder{quit: make(chan struct{})}
	r.Stop()
	r.Stop() // must not panic on a second close

	select {
	case <-r.quit:
	default:
		t.Fatal("quit channel was not closed")
	}
}
