// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sampledb

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T, headerSize int) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "samples")
	db, err := Open(path, ReadWrite, headerSize)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestOpenCreatesDefaultCapacity(t *testing.T) {
	db, _ := open(t, 16)
	require.Equal(t, uint32(DefaultCapacity), db.capacity)
	require.Equal(t, 1, int(db.usedCount))
	require.Equal(t, 0, db.Len())
}

func TestInsertAndLookupRoundTrip(t *testing.T) {
	db, _ := open(t, 0)
	require.NoError(t, db.InsertOrAdd(0x1000, 1))
	require.NoError(t, db.InsertOrAdd(0x2000, 5))
	require.NoError(t, db.InsertOrAdd(0x1000, 2))

	got := map[uint32]uint32{}
	db.Iterate(func(e Entry) bool {
		got[e.Key] = e.Value
		return true
	})
	require.Equal(t, map[uint32]uint32{0x1000: 3, 0x2000: 5}, got)
}

func TestInsertSaturatesAtUint32Max(t *testing.T) {
	db, _ := open(t, 0)
	require.NoError(t, db.InsertOrAdd(7, math.MaxUint32-1))
	require.NoError(t, db.InsertOrAdd(7, 10))

	var got uint32
	db.Iterate(func(e Entry) bool {
		if e.Key == 7 {
			got = e.Value
		}
		return true
	})
	require.Equal(t, uint32(math.MaxUint32), got)
}

func TestInsertFillingCapacityTriggersGrowth(t *testing.T) {
	db, _ := open(t, 0)
	for i := uint32(1); i < DefaultCapacity; i++ {
		require.NoError(t, db.InsertOrAdd(i, 1))
	}
	require.Equal(t, uint32(DefaultCapacity), db.capacity)

	require.NoError(t, db.InsertOrAdd(DefaultCapacity, 1))
	require.Equal(t, uint32(DefaultCapacity)*2, db.capacity)
}

func TestGrowthPreservesExistingEntries(t *testing.T) {
	db, _ := open(t, 0)
	const n = 200 // several multiples of DefaultCapacity
	for i := uint32(1); i <= n; i++ {
		require.NoError(t, db.InsertOrAdd(i, i))
	}
	require.Greater(t, db.capacity, uint32(DefaultCapacity))

	got := map[uint32]uint32{}
	db.Iterate(func(e Entry) bool {
		got[e.Key] = e.Value
		return true
	})
	require.Len(t, got, n)
	for i := uint32(1); i <= n; i++ {
		require.Equal(t, i, got[i])
	}
}

func TestReopenPreservesData(t *testing.T) {
	db, path := open(t, 32)
	copy(db.Header(), []byte("hello header"))
	require.NoError(t, db.InsertOrAdd(42, 99))
	require.NoError(t, db.Sync())
	require.NoError(t, db.Close())

	db2, err := Open(path, ReadWrite, 32)
	require.NoError(t, err)
	defer db2.Close()

	require.Equal(t, byte('h'), db2.Header()[0])
	var got uint32
	db2.Iterate(func(e Entry) bool {
		if e.Key == 42 {
			got = e.Value
		}
		return true
	})
	require.Equal(t, uint32(99), got)
}

func TestInsertOnReadOnlyHandleFails(t *testing.T) {
	_, path := open(t, 0)
	ro, err := Open(path, ReadOnly, 0)
	require.NoError(t, err)
	defer ro.Close()

	err = ro.InsertOrAdd(1, 1)
	require.Error(t, err)
}

func TestIterateStopsWhenYieldReturnsFalse(t *testing.T) {
	db, _ := open(t, 0)
	for i := uint32(1); i <= 10; i++ {
		require.NoError(t, db.InsertOrAdd(i, 1))
	}
	count := 0
	db.Iterate(func(Entry) bool {
		count++
		return count < 3
	})
	require.Equal(t, 3, count)
}
