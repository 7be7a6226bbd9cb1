// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMangleDemangleRoundTrip(t *testing.T) {
	cases := []string{
		"/usr/bin/myapp",
		"/lib/x86_64-linux-gnu/libc-2.31.so",
		"/home/user/build/a.out",
	}
	for _, path := range cases {
		m := manglePath(path)
		require.NotContains(t, m, "/")
		require.Equal(t, path, demanglePath(m))
	}
}

func TestKeyPathDeterministic(t *testing.T) {
	k := Key{Image: "/usr/bin/myapp", AppContext: "/usr/bin/myapp", Counter: 0, CPU: -1, TID: -1, TGID: -1}
	p1 := k.Path()
	p2 := k.Path()
	require.Equal(t, p1, p2)
	require.NotContains(t, p1, "{dep}")
}

func TestKeyPathDistinguishesAppContext(t *testing.T) {
	image := Key{Image: "/lib/libc.so", AppContext: "/lib/libc.so", Counter: 0, CPU: -1, TID: -1, TGID: -1}
	app := Key{Image: "/lib/libc.so", AppContext: "/usr/bin/myapp", Counter: 0, CPU: -1, TID: -1, TGID: -1}
	require.NotEqual(t, image.Path(), app.Path())
}

func TestKeyPathDistinguishesCounter(t *testing.T) {
	base := Key{Image: "/usr/bin/myapp", Counter: 0, CPU: -1, TID: -1, TGID: -1}
	other := base
	other.Counter = 1
	require.NotEqual(t, base.Path(), other.Path())
}

func TestAnonMappingKeyEncodesRange(t *testing.T) {
	k := Key{Anon: true, AnonTGID: 42, AnonStart: 0x1000, AnonEnd: 0x2000, Counter: 0, CPU: -1, TID: -1, TGID: -1}
	require.Contains(t, k.Path(), "42.0x1000.0x2000")
}

func TestParseKeyRoundTripsPath(t *testing.T) {
	cases := []Key{
		{Image: "/usr/bin/myapp", AppContext: "/usr/bin/myapp", Counter: 0, CPU: -1, TID: -1, TGID: -1},
		{Image: "/lib/libc.so", AppContext: "/usr/bin/myapp", Counter: 3, CPU: -1, TID: -1, TGID: -1},
		{Image: "/usr/bin/myapp", AppContext: "/usr/bin/myapp", Counter: 0, CPU: 2, TID: -1, TGID: -1},
		{Image: "/usr/bin/myapp", AppContext: "/usr/bin/myapp", Counter: 0, CPU: -1, TID: 101, TGID: 100},
		{Image: "vmlinux", AppContext: "vmlinux", Counter: 0, CPU: -1, TID: -1, TGID: -1, Kernel: true},
		{Image: "/lib/libc.so", AppContext: "/usr/bin/myapp", Counter: 0, CPU: -1, TID: -1, TGID: -1,
			CallgraphTo: "/usr/bin/myapp"},
		{Anon: true, AnonTGID: 42, AnonStart: 0x1000, AnonEnd: 0x2000, AppContext: "", Counter: 1,
			CPU: -1, TID: -1, TGID: -1},
	}
	for _, k := range cases {
		got, err := ParseKey(k.Path())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
}

func TestParseKeyRejectsMalformedPath(t *testing.T) {
	_, err := ParseKey("no-counter-suffix")
	require.Error(t, err)

	_, err = ParseKey("}usr}bin}myapp/bogus-segment#0")
	require.Error(t, err)
}

func TestRegistryGetOpensAndReusesHandle(t *testing.T) {
	r := New(t.TempDir(), 8)
	defer r.Close()

	k := Key{Image: "/usr/bin/myapp", Counter: 0, CPU: -1, TID: -1, TGID: -1}
	meta := Header{CtrEvent: 1, CtrCount: 100000}

	db1, release1, err := r.Get(k, meta)
	require.NoError(t, err)
	require.NoError(t, db1.InsertOrAdd(0x400, 1))
	release1()

	db2, release2, err := r.Get(k, meta)
	require.NoError(t, err)
	defer release2()
	require.Same(t, db1, db2)
	require.Equal(t, 1, r.Len())
}

func TestRegistryHeaderFilledOnlyOnce(t *testing.T) {
	r := New(t.TempDir(), 8)
	defer r.Close()

	k := Key{Image: "/usr/bin/myapp", Counter: 0, CPU: -1, TID: -1, TGID: -1}
	db, release, err := r.Get(k, Header{CtrEvent: 5})
	require.NoError(t, err)
	h := DecodeHeader(db.Header())
	require.Equal(t, HeaderMagic, h.Magic)
	require.Equal(t, uint32(5), h.CtrEvent)
	release()

	// A second Get for the same key with matching metadata must not
	// re-stamp the header; the file already exists.
	db2, release2, err := r.Get(k, Header{CtrEvent: 5})
	require.NoError(t, err)
	defer release2()
	h2 := DecodeHeader(db2.Header())
	require.Equal(t, uint32(5), h2.CtrEvent)
}

func TestRegistryGetRejectsReopenWithMismatchedMeta(t *testing.T) {
	r := New(t.TempDir(), 8)
	defer r.Close()

	k := Key{Image: "/usr/bin/myapp", Counter: 0, CPU: -1, TID: -1, TGID: -1}
	_, release, err := r.Get(k, Header{CtrEvent: 5, CtrCount: 100000})
	require.NoError(t, err)
	release()

	// Reopen with a fresh Registry so Get takes the on-disk reopen
	// path instead of hitting the in-memory cache entry.
	require.NoError(t, r.Close())

	r2 := New(r.dir, 8)
	defer r2.Close()
	_, _, err = r2.Get(k, Header{CtrEvent: 999, CtrCount: 100000})
	require.Error(t, err)
}

func TestRegistryLRUEvictsUnreferencedEntries(t *testing.T) {
	r := New(t.TempDir(), 2)
	defer r.Close()

	meta := Header{}
	k1 := Key{Image: "/bin/a", Counter: 0, CPU: -1, TID: -1, TGID: -1}
	k2 := Key{Image: "/bin/b", Counter: 0, CPU: -1, TID: -1, TGID: -1}
	k3 := Key{Image: "/bin/c", Counter: 0, CPU: -1, TID: -1, TGID: -1}

	_, release1, err := r.Get(k1, meta)
	require.NoError(t, err)
	release1()
	_, release2, err := r.Get(k2, meta)
	require.NoError(t, err)
	release2()
	require.Equal(t, 2, r.Len())

	_, release3, err := r.Get(k3, meta)
	require.NoError(t, err)
	defer release3()
	require.Equal(t, 2, r.Len())
}

func TestRegistryDoesNotEvictPinnedEntries(t *testing.T) {
	r := New(t.TempDir(), 1)
	defer r.Close()

	meta := Header{}
	k1 := Key{Image: "/bin/a", Counter: 0, CPU: -1, TID: -1, TGID: -1}
	k2 := Key{Image: "/bin/b", Counter: 0, CPU: -1, TID: -1, TGID: -1}

	_, release1, err := r.Get(k1, meta)
	require.NoError(t, err)
	defer release1()

	// k1 is still pinned (not released), so Get for k2 must still
	// succeed even though it pushes the registry over its budget of 1;
	// lruClearLocked has nothing evictable.
	_, release2, err := r.Get(k2, meta)
	require.NoError(t, err)
	defer release2()
	require.Equal(t, 2, r.Len())
}
