// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")

	require.Equal(t, exitOK, classify(nil, nil, nil))
	require.Equal(t, exitWorkloadFailed, classify(errA, nil, nil))
	require.Equal(t, exitRecorderFailed, classify(nil, errA, nil))
	require.Equal(t, exitReaderFailed, classify(nil, nil, errA))
	require.Equal(t, exitBothFailed, classify(nil, errA, errB))

	// A recorder or reader failure takes priority over a workload
	// failure: the workload's own non-zero exit is expected in many
	// runs and shouldn't mask a core failure underneath it.
	require.Equal(t, exitRecorderFailed, classify(errA, errB, nil))
}
