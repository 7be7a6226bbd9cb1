// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readerproc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openperf/operf/attributor"
	"github.com/openperf/operf/eventattr"
	"github.com/openperf/operf/registry"
	"github.com/openperf/operf/sampledb"
	"github.com/openperf/operf/stream"
)

func oneEvent() []eventattr.Event {
	return []eventattr.Event{{Name: "CPU_CLK_UNHALTED", Index: 0, Period: 100000}}
}

func buildStream(t *testing.T, write func(*stream.Writer)) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	wr, err := stream.NewWriter(&buf, stream.Header{Version: stream.FormatVersion, Attrs: oneEvent()})
	require.NoError(t, err)
	write(wr)
	require.NoError(t, wr.Flush())
	return &buf
}

func TestRunAttributesOrdinarySample(t *testing.T) {
	buf := buildStream(t, func(wr *stream.Writer) {
		require.NoError(t, wr.WriteComm(stream.RecordComm{PID: 100, TID: 100, Comm: "myapp"}))
		require.NoError(t, wr.WriteMmap(stream.RecordMmap{PID: 100, TID: 100, Addr: 0x400000, Len: 0x1000, Filename: "/usr/bin/myapp"}))
		require.NoError(t, wr.WriteSample(stream.RecordSample{EventIndex: 0, PID: 100, TID: 100, IP: 0x400500, CPUMode: eventattr.CPUModeUser}))
	})

	reg := registry.New(t.TempDir(), 8)
	defer reg.Close()
	rp, err := New(buf, reg, attributor.Config{})
	require.NoError(t, err)

	require.NoError(t, rp.Run())
	require.Equal(t, uint64(1), rp.Attributor().Counters.UserSamples)

	k := registry.Key{Image: "/usr/bin/myapp", AppContext: "/usr/bin/myapp", Counter: 0, CPU: -1, TID: -1, TGID: -1}
	db, release, err := reg.Get(k, registry.Header{})
	require.NoError(t, err)
	defer release()
	require.Equal(t, 1, db.Len())
	var gotOffset uint32
	db.Iterate(func(e sampledb.Entry) bool {
		gotOffset = e.Key
		return true
	})
	require.Equal(t, uint32(0x500), gotOffset)
}

func TestRunRunsDeferredSecondPass(t *testing.T) {
	// The sample for pid 100 arrives before its comm record, so it must
	// be deferred and only resolved once Run's second pass replays it.
	buf := buildStream(t, func(wr *stream.Writer) {
		require.NoError(t, wr.WriteSample(stream.RecordSample{EventIndex: 0, PID: 100, TID: 100, IP: 0x400500, CPUMode: eventattr.CPUModeUser}))
		require.NoError(t, wr.WriteComm(stream.RecordComm{PID: 100, TID: 100, Comm: "myapp"}))
		require.NoError(t, wr.WriteMmap(stream.RecordMmap{PID: 100, TID: 100, Addr: 0x400000, Len: 0x1000, Filename: "/usr/bin/myapp"}))
	})

	reg := registry.New(t.TempDir(), 8)
	defer reg.Close()
	rp, err := New(buf, reg, attributor.Config{})
	require.NoError(t, err)

	require.NoError(t, rp.Run())
	require.Equal(t, uint64(1), rp.Attributor().Counters.UserSamples)
}

func TestRunDispatchesLostAndThrottle(t *testing.T) {
	buf := buildStream(t, func(wr *stream.Writer) {
		require.NoError(t, wr.WriteLost(stream.RecordLost{EventIndex: 0, NumLost: 5}))
		require.NoError(t, wr.WriteThrottle(stream.RecordThrottle{EventIndex: 0, Enable: true}))
	})

	reg := registry.New(t.TempDir(), 8)
	defer reg.Close()
	rp, err := New(buf, reg, attributor.Config{})
	require.NoError(t, err)

	require.NoError(t, rp.Run())
	require.Equal(t, uint64(5), rp.Attributor().Counters.KernelReportedLost)
	require.True(t, rp.Attributor().Throttled(0))
}

func TestRunRejectsUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	wr, err := stream.NewWriter(&buf, stream.Header{Version: stream.FormatVersion + 1, Attrs: oneEvent()})
	require.NoError(t, err)
	require.NoError(t, wr.Flush())

	reg := registry.New(t.TempDir(), 8)
	defer reg.Close()
	_, err = New(&buf, reg, attributor.Config{})
	require.Error(t, err)
}
