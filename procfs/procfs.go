// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/pprof/profile"
)

// OnlineCPUs reads the set of CPUs currently online from
// /sys/devices/system/cpu/online.
func OnlineCPUs() (CPUSet, error) {
	b, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return nil, fmt.Errorf("procfs: read online CPUs: %w", err)
	}
	return ParseCPUSet(strings.TrimSpace(string(b)))
}

// KallsymsRange scans /proc/kallsyms for the lowest and highest function
// symbol addresses, giving a coarse range for attributing samples to
// "the kernel" versus kernel modules before any finer module range is
// known.
func KallsymsRange() (lo, hi uint64, err error) {
	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		return 0, 0, fmt.Errorf("procfs: open kallsyms: %w", err)
	}
	defer f.Close()

	lo = ^uint64(0)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		typ := fields[1]
		// Only function symbols ('T'/'t' text, 'W'/'w' weak) bound the
		// executable range; data symbols don't.
		if !strings.ContainsAny(typ, "TtWw") {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		if addr < lo {
			lo = addr
		}
		if addr > hi {
			hi = addr
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, fmt.Errorf("procfs: scan kallsyms: %w", err)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("procfs: kallsyms: no function symbols found")
	}
	return lo, hi, nil
}

// ExistingMaps returns the memory mappings of a process that was already
// running when profiling started, by parsing /proc/<pid>/maps.
func ExistingMaps(pid int) ([]*profile.Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("procfs: open maps for pid %d: %w", pid, err)
	}
	defer f.Close()

	mappings, err := profile.ParseProcMaps(f)
	if err != nil {
		return nil, fmt.Errorf("procfs: parse maps for pid %d: %w", pid, err)
	}
	return mappings, nil
}

// ExistingTasks returns the thread IDs of a process that was already
// running when profiling started, by listing /proc/<pid>/task.
func ExistingTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("procfs: read tasks for pid %d: %w", pid, err)
	}
	tasks := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tasks = append(tasks, tid)
	}
	return tasks, nil
}

// Comm returns a running process's command name from /proc/<pid>/comm,
// the same truncated name the kernel reports in its own comm records.
func Comm(pid int) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", fmt.Errorf("procfs: read comm for pid %d: %w", pid, err)
	}
	return strings.TrimSuffix(string(b), "\n"), nil
}

// Executable resolves the path of a running process's main executable,
// following /proc/<pid>/exe.
func Executable(pid int) (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", fmt.Errorf("procfs: readlink exe for pid %d: %w", pid, err)
	}
	return path, nil
}

func readIntSysctl(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("procfs: read %s: %w", path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("procfs: parse %s: %w", path, err)
	}
	return v, nil
}

// ParanoidLevel returns the value of the perf_event_paranoid sysctl,
// which gates whether an unprivileged caller may profile the kernel or
// other users' processes at all.
func ParanoidLevel() (int, error) {
	return readIntSysctl(filepath.Join("/proc/sys/kernel", "perf_event_paranoid"))
}

// KptrRestrict returns the value of the kptr_restrict sysctl, which
// gates whether /proc/kallsyms exposes real kernel addresses or zeroes
// them out.
func KptrRestrict() (int, error) {
	return readIntSysctl(filepath.Join("/proc/sys/kernel", "kptr_restrict"))
}
