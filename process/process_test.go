// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package process

import (
	"testing"

	"github.com/openperf/operf/stream"
	"github.com/stretchr/testify/require"
)

func TestCommThenMmapResolvesFullname(t *testing.T) {
	s := New()
	s.Update(&stream.RecordComm{PID: 100, TID: 100, Comm: "myapp", Exec: true})
	s.Update(&stream.RecordMmap{PID: 100, TID: 100, Addr: 0x400000, Len: 0x1000, Filename: "/usr/bin/myapp"})

	r := s.Lookup(100)
	require.NotNil(t, r)
	require.Equal(t, YesFull, r.FullnameState())
	require.Equal(t, "/usr/bin/myapp", r.AppName)
}

func TestMmapBeforeCommIsDeferredThenResolved(t *testing.T) {
	s := New()
	s.Update(&stream.RecordMmap{PID: 100, TID: 100, Addr: 0x400000, Len: 0x1000, Filename: "/usr/bin/myapp"})
	r := s.Lookup(100)
	require.NotNil(t, r)
	require.False(t, r.Valid())

	s.Update(&stream.RecordComm{PID: 100, TID: 100, Comm: "myapp"})
	r = s.Lookup(100)
	require.True(t, r.Valid())
	require.Equal(t, YesFull, r.FullnameState())
	require.NotNil(t, r.LookupMapping(0x400500))
}

func TestForkSharesParentMappingsByReference(t *testing.T) {
	s := New()
	s.Update(&stream.RecordComm{PID: 100, TID: 100, Comm: "myapp"})
	s.Update(&stream.RecordMmap{PID: 100, TID: 100, Addr: 0x400000, Len: 0x1000, Filename: "/usr/bin/myapp"})
	s.Update(&stream.RecordFork{PID: 200, PPID: 100, TID: 200, PTID: 100})

	child := s.Lookup(200)
	require.NotNil(t, child)
	require.False(t, child.Valid(), "child has no comm of its own yet")
	m := child.LookupMapping(0x400500)
	require.NotNil(t, m, "child should see parent's mapping before its own exec")
	require.Equal(t, "/usr/bin/myapp", m.Filename)
}

func TestChildExecStopsDelegatingToParent(t *testing.T) {
	s := New()
	s.Update(&stream.RecordComm{PID: 100, TID: 100, Comm: "parent"})
	s.Update(&stream.RecordMmap{PID: 100, TID: 100, Addr: 0x400000, Len: 0x1000, Filename: "/usr/bin/parent"})
	s.Update(&stream.RecordFork{PID: 200, PPID: 100, TID: 200, PTID: 100})
	s.Update(&stream.RecordComm{PID: 200, TID: 200, Comm: "child", Exec: true})
	s.Update(&stream.RecordMmap{PID: 200, TID: 200, Addr: 0x500000, Len: 0x1000, Filename: "/usr/bin/child"})

	child := s.Lookup(200)
	require.True(t, child.Valid())
	require.Nil(t, child.LookupMapping(0x400500), "after exec, child must not see parent's old mappings")
	require.NotNil(t, child.LookupMapping(0x500500))
}

func TestThreadCreationDoesNotForkProcess(t *testing.T) {
	s := New()
	s.Update(&stream.RecordComm{PID: 100, TID: 100, Comm: "myapp"})
	s.Update(&stream.RecordFork{PID: 100, PPID: 100, TID: 101, PTID: 100})
	require.Nil(t, s.Lookup(101), "thread creation is not process creation")
}

func TestProcessExitNeverRemovesRecord(t *testing.T) {
	s := New()
	s.Update(&stream.RecordComm{PID: 100, TID: 100, Comm: "myapp"})
	s.Update(&stream.RecordExit{PID: 100, PPID: 1, TID: 101, PTID: 100})
	require.NotNil(t, s.Lookup(100), "thread exit must not remove the process")

	s.Update(&stream.RecordExit{PID: 100, PPID: 1, TID: 100, PTID: 1})
	require.NotNil(t, s.Lookup(100), "a late sample for an exited tid may still be in flight")
}

func TestThreadRenameIgnoredOnceValid(t *testing.T) {
	s := New()
	s.Update(&stream.RecordComm{PID: 100, TID: 100, Comm: "myapp"})
	s.Update(&stream.RecordMmap{PID: 100, TID: 100, Addr: 0x400000, Len: 0x1000, Filename: "/usr/bin/myapp"})
	require.Equal(t, YesFull, s.Lookup(100).FullnameState())

	// A worker thread renaming itself must not touch the process's
	// already-resolved appname.
	s.Update(&stream.RecordComm{PID: 100, TID: 105, Comm: "worker"})
	r := s.Lookup(100)
	require.Equal(t, YesFull, r.FullnameState())
	require.Equal(t, "/usr/bin/myapp", r.AppName)
}

func TestPIDZeroSamplesAreDroppedAndCounted(t *testing.T) {
	s := New()
	s.Update(&stream.RecordSample{PID: 0, TID: 0, IP: 0xffffffff81000000})
	require.Equal(t, uint64(1), s.UnknownProcessSamples)
	require.Nil(t, s.Lookup(0))
}

func TestMunmapSplitsExistingMapping(t *testing.T) {
	s := New()
	s.Update(&stream.RecordComm{PID: 100, TID: 100, Comm: "myapp"})
	s.Update(&stream.RecordMmap{PID: 100, TID: 100, Addr: 0x1000, Len: 0x3000, Filename: "/usr/bin/myapp"})
	// Mapping over the middle third unmaps it first, splitting the
	// original mapping into a lower and an upper piece around the new one.
	s.Update(&stream.RecordMmap{PID: 100, TID: 100, Addr: 0x2000, Len: 0x1000, Filename: "/usr/bin/myapp", Data: true})

	r := s.Lookup(100)
	require.NotNil(t, r.findOwnMapping(0x1500))
	require.NotNil(t, r.findOwnMapping(0x2500))
	require.NotNil(t, r.findOwnMapping(0x3500))
}

func TestLookupMappingFallsBackToKernel(t *testing.T) {
	s := New()
	s.Kernel().addMapping(&Mapping{Addr: 0xffffffff81000000, Len: 0x1000000, Filename: "[kernel]"})
	s.Update(&stream.RecordComm{PID: 100, TID: 100, Comm: "myapp"})

	m := s.LookupMapping(100, 0xffffffff81000500)
	require.NotNil(t, m)
	require.Equal(t, "[kernel]", m.Filename)
}

func TestDeferredSamplesDrain(t *testing.T) {
	s := New()
	r := s.ensure(100)
	r.DeferSample("sample-1")
	r.DeferSample("sample-2")
	got := r.DrainDeferredSamples()
	require.Equal(t, []interface{}{"sample-1", "sample-2"}, got)
	require.Empty(t, r.DrainDeferredSamples())
}
