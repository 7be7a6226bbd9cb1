// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procfs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// These exercise the real /proc for the test binary's own pid, since
// that's the one process guaranteed to exist and be readable in any
// test environment.

func TestExistingMapsOwnProcess(t *testing.T) {
	mappings, err := ExistingMaps(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, mappings)
}

func TestExistingTasksOwnProcess(t *testing.T) {
	tasks, err := ExistingTasks(os.Getpid())
	require.NoError(t, err)
	require.Contains(t, tasks, os.Getpid())
}

func TestCommOwnProcess(t *testing.T) {
	comm, err := Comm(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, comm)
}
