// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package perfopen wraps the perf_event_open(2)/ioctl(2) syscall surface
// ringbuf needs to open one counter per (event, CPU) pair, redirect a
// group of counters into a single CPU's ring, and enable/disable them.
package perfopen

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/openperf/operf/eventattr"
)

// ErrResourceBusy is returned when the kernel refuses to open a counter
// because the hardware PMU slot is already taken by another consumer.
var ErrResourceBusy = errors.New("perfopen: performance counter resource busy")

// ErrTargetEnded is returned when the target pid exited before (or
// during) perf_event_open.
var ErrTargetEnded = errors.New("perfopen: target process already ended")

// BuildAttr translates a resolved eventattr.Event into the kernel's
// perf_event_attr, ready for Open.
func BuildAttr(ev eventattr.Event, wakeupEvents uint32) unix.PerfEventAttr {
	var bits uint64
	bits |= unix.PerfBitDisabled
	if ev.Flags&eventattr.FlagExcludeKernel != 0 {
		bits |= unix.PerfBitExcludeKernel
	}
	if ev.Flags&eventattr.FlagExcludeUser != 0 {
		bits |= unix.PerfBitExcludeUser
	}
	if ev.Flags&eventattr.FlagExcludeHypervisor != 0 {
		bits |= unix.PerfBitExcludeHv
	}

	var sampleType uint64
	if ev.Format&eventattr.SampleFormatIP != 0 {
		sampleType |= unix.PERF_SAMPLE_IP
	}
	if ev.Format&eventattr.SampleFormatTID != 0 {
		sampleType |= unix.PERF_SAMPLE_TID
	}
	if ev.Format&eventattr.SampleFormatID != 0 {
		sampleType |= unix.PERF_SAMPLE_ID
	}
	if ev.Format&eventattr.SampleFormatCPU != 0 {
		sampleType |= unix.PERF_SAMPLE_CPU
	}
	if ev.Format&eventattr.SampleFormatCallchain != 0 {
		sampleType |= unix.PERF_SAMPLE_CALLCHAIN
	}

	attr := unix.PerfEventAttr{
		Type:        uint32(ev.Type),
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      ev.Config,
		Sample:      ev.Period,
		Sample_type: sampleType,
		Bits:        bits,
		Wakeup:      wakeupEvents,
	}
	return attr
}

// Open opens one performance counter for event on the given pid/cpu.
// pid -1 means all processes on cpu; cpu -1 means all CPUs pid runs on.
// groupFd is passed through as perf_event_open's group_fd; pass -1 to
// make this counter its own group leader. Redirecting this counter's
// output into an existing ring (the "mmap owner" scheme) is SetOutput's
// job, not this parameter's.
func Open(attr *unix.PerfEventAttr, pid, cpu, groupFd int) (int, error) {
	fd, err := unix.PerfEventOpen(attr, pid, cpu, groupFd, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		switch err {
		case unix.EBUSY:
			return -1, ErrResourceBusy
		case unix.ESRCH:
			return -1, ErrTargetEnded
		}
		return -1, errors.Wrap(err, "perf_event_open")
	}
	return fd, nil
}

// Enable starts counting/sampling on fd.
func Enable(fd int) error {
	return errors.Wrap(unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0), "enable")
}

// Disable stops counting/sampling on fd.
func Disable(fd int) error {
	return errors.Wrap(unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0), "disable")
}

// SetOutput redirects fd's ring-buffer output into ownerFd's mmap'd
// ring, so a per-CPU group of counters can share one ring.
func SetOutput(fd, ownerFd int) error {
	return errors.Wrap(unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_OUTPUT, ownerFd), "set-output")
}

// ReadID reads the kernel-assigned 64-bit event ID for fd, used to tag
// the header this counter's samples carry.
func ReadID(fd int) (uint64, error) {
	var id uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.PERF_EVENT_IOC_ID), uintptr(unsafe.Pointer(&id)))
	if errno != 0 {
		return 0, errors.Wrap(errno, "perf_event_ioc_id")
	}
	return id, nil
}

// Mmap maps the ring buffer for fd: one control page plus dataPages data
// pages (a power of two), PROT_READ|PROT_WRITE|MAP_SHARED.
func Mmap(fd int, dataPages int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	size := (1 + dataPages) * pageSize
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap ring")
	}
	return b, nil
}

// Munmap unmaps a ring previously returned by Mmap.
func Munmap(b []byte) error {
	return errors.Wrap(unix.Munmap(b), "munmap ring")
}

// Close closes fd.
func Close(fd int) error {
	return errors.Wrap(unix.Close(fd), "close")
}
