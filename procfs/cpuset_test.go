// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCPUSet(t *testing.T) {
	cases := []struct {
		in   string
		want CPUSet
	}{
		{"0", CPUSet{0}},
		{"0-3", CPUSet{0, 1, 2, 3}},
		{"0-3,5,7", CPUSet{0, 1, 2, 3, 5, 7}},
		{"7,5,0-3", CPUSet{0, 1, 2, 3, 5, 7}},
	}
	for _, c := range cases {
		got, err := ParseCPUSet(c.in)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
}

func TestCPUSetStringRoundTrip(t *testing.T) {
	for _, in := range []string{"0", "0-3", "0-3,5,7"} {
		set, err := ParseCPUSet(in)
		require.NoError(t, err)
		require.Equal(t, in, set.String())
	}
}
