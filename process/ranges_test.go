// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package process

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangesGet(t *testing.T) {
	var r Ranges
	r.Add(0x1000, 0x2000, "mod_a")
	r.Add(0x3000, 0x4000, "mod_b")

	lo, hi, val, ok := r.Get(0x1500)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), lo)
	require.Equal(t, uint64(0x2000), hi)
	require.Equal(t, "mod_a", val)

	_, _, _, ok = r.Get(0x2500)
	require.False(t, ok)

	_, _, val, ok = r.Get(0x3fff)
	require.True(t, ok)
	require.Equal(t, "mod_b", val)
}

func TestRangesGetBoundaries(t *testing.T) {
	var r Ranges
	r.Add(0x1000, 0x2000, "mod_a")

	_, _, _, ok := r.Get(0x1000)
	require.True(t, ok, "lo is inclusive")

	_, _, _, ok = r.Get(0x2000)
	require.False(t, ok, "hi is exclusive")
}

func TestRangesNilReceiver(t *testing.T) {
	var r *Ranges
	_, _, _, ok := r.Get(0x1000)
	require.False(t, ok)
}
