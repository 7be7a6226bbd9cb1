// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package recorder implements the recorder process: it owns the kernel
// counter fds and per-CPU ring mmaps for the run's selected events,
// multiplexes every ring into the stream wire format, and writes the
// result to a pipe or file. It is single-threaded and poll-driven; the
// only signal it understands is the drain-and-quit request delivered
// either via SIGUSR1 or a direct Stop call.
package recorder

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"github.com/openperf/operf/eventattr"
	"github.com/openperf/operf/perfopen"
	"github.com/openperf/operf/ringbuf"
	"github.com/openperf/operf/stream"
)

// Config describes what the recorder should collect.
type Config struct {
	// Events are the resolved events to open, in Index order. They
	// must share the same sample format, since one ring's records are
	// all decoded against a single ringbuf.Format.
	Events []eventattr.Event

	// CPUs lists which CPUs to open a counter group on. Each entry
	// becomes one ringbuf.Ring, with Events[0] as that CPU's mmap
	// owner and the rest redirected into it via SET_OUTPUT.
	CPUs []int

	// PID is the target process, or -1 for a system-wide run across
	// CPUs.
	PID int

	// DataPages is the per-ring mmap size in pages, a power of two.
	// Zero selects a conservative default.
	DataPages int

	// WakeupEvents configures how many samples accumulate in a ring
	// before the kernel raises POLLIN for it; zero wakes on every
	// sample.
	WakeupEvents uint32
}

const defaultDataPages = 64

// Counters accumulates recorder-side bookkeeping. It is distinct from
// attributor.Counters, which covers the reader's own attribution
// outcomes; opflog's teardown report includes only the latter.
type Counters struct {
	RecordsWritten uint64
	UnknownRecords uint64
}

// Recorder owns one counter group per configured CPU and the ring built
// on top of each group's mmap owner.
type Recorder struct {
	cfg    Config
	wr     *stream.Writer
	fds    [][]int // fds[cpuIndex][eventIndex]
	rings  []*ringbuf.Ring
	ringID []int // ringID[cpuIndex] -> the cpu number it polls, for stream.RecordSample.CPU
	idToEvent map[uint64]int
	sampleCPU bool // true when Events' sample format carries its own per-sample CPU

	Counters Counters

	quit     chan struct{}
	quitOnce sync.Once
	sig      chan os.Signal
}

// New opens a counter group on every configured CPU and returns a
// Recorder ready to Run, appending records to w (whose stream header
// stream.NewWriter has already written). On any failure it closes
// whatever it had already opened.
func New(w *stream.Writer, cfg Config) (*Recorder, error) {
	if len(cfg.Events) == 0 {
		return nil, errors.New("recorder: no events configured")
	}
	if cfg.DataPages == 0 {
		cfg.DataPages = defaultDataPages
	}

	r := &Recorder{
		cfg:       cfg,
		wr:        w,
		idToEvent: make(map[uint64]int, len(cfg.Events)*len(cfg.CPUs)),
		quit:      make(chan struct{}),
		sampleCPU: cfg.Events[0].Format&eventattr.SampleFormatCPU != 0,
	}

	format := ringbuf.Format{
		CPU:       r.sampleCPU,
		Callchain: cfg.Events[0].Format&eventattr.SampleFormatCallchain != 0,
	}

	for _, cpu := range cfg.CPUs {
		groupFds, err := r.openGroup(cpu)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.fds = append(r.fds, groupFds)
		r.ringID = append(r.ringID, cpu)

		ring, err := ringbuf.Open(groupFds[0], cfg.DataPages, format)
		if err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "recorder: open ring for cpu %d", cpu)
		}
		r.rings = append(r.rings, ring)
	}

	return r, nil
}

// openGroup opens one fd per configured event on cpu, with Events[0] as
// the mmap owner (group_fd -1) and the rest redirected into it, and
// records each fd's kernel-assigned ID for translating RawSample/
// RawLost/RawThrottle records back to an event index.
func (r *Recorder) openGroup(cpu int) ([]int, error) {
	fds := make([]int, 0, len(r.cfg.Events))
	ownerFd := -1
	for i, ev := range r.cfg.Events {
		attr := perfopen.BuildAttr(ev, r.cfg.WakeupEvents)
		fd, err := perfopen.Open(&attr, r.cfg.PID, cpu, -1)
		if err != nil {
			closeAll(fds)
			return nil, errors.Wrapf(err, "recorder: open event %q on cpu %d", ev.Name, cpu)
		}
		fds = append(fds, fd)
		if i == 0 {
			ownerFd = fd
		} else if err := perfopen.SetOutput(fd, ownerFd); err != nil {
			closeAll(fds)
			return nil, errors.Wrapf(err, "recorder: redirect event %q on cpu %d", ev.Name, cpu)
		}
		id, err := perfopen.ReadID(fd)
		if err != nil {
			closeAll(fds)
			return nil, errors.Wrapf(err, "recorder: read id for event %q on cpu %d", ev.Name, cpu)
		}
		r.idToEvent[id] = i
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		perfopen.Close(fd)
	}
}

// Start enables every opened counter. Samples begin accumulating in the
// rings from this point; Run must be called to drain them.
func (r *Recorder) Start() error {
	for _, group := range r.fds {
		for _, fd := range group {
			if err := perfopen.Enable(fd); err != nil {
				return errors.Wrap(err, "recorder: enable")
			}
		}
	}
	return nil
}

// WatchSignals arms the SIGUSR1 drain-and-quit handler. Run returns once
// the signal arrives or once Stop is called. WatchSignals must be
// called before Run when the
// recorder is meant to respond to a real SIGUSR1, typically sent by the
// top-level orchestrator on cancellation.
func (r *Recorder) WatchSignals() {
	r.sig = make(chan os.Signal, 1)
	signal.Notify(r.sig, syscall.SIGUSR1)
	go func() {
		if _, ok := <-r.sig; ok {
			r.Stop()
		}
	}()
}

// Stop requests a drain-and-quit. Safe to call more than once and from
// any goroutine.
func (r *Recorder) Stop() {
	r.quitOnce.Do(func() { close(r.quit) })
}

// Run polls every ring until Stop is called (directly, or via the
// SIGUSR1 handler armed by WatchSignals), translating each decoded
// record into the stream wire format as it arrives. On return every
// counter has been disabled and every ring drained one final time, so
// nothing queued at the moment of the stop request is lost.
func (r *Recorder) Run() error {
	set := ringbuf.NewSet(r.rings)
	err := set.Run(r.quit, func(ring int, rec ringbuf.Record) {
		r.translate(r.ringID[ring], rec)
	})

	for _, group := range r.fds {
		for _, fd := range group {
			perfopen.Disable(fd)
		}
	}
	// One last drain after every counter is disabled: a record can
	// arrive between the quit signal and the disable ioctl above.
	set.Run(closedChan, func(ring int, rec ringbuf.Record) {
		r.translate(r.ringID[ring], rec)
	})

	if err := r.wr.Flush(); err != nil {
		return errors.Wrap(err, "recorder: flush")
	}
	return err
}

var closedChan = make(chan struct{})

func init() { close(closedChan) }

func (r *Recorder) translate(cpu int, rec ringbuf.Record) {
	var err error
	switch rr := rec.(type) {
	case *ringbuf.RawMmap:
		err = r.wr.WriteMmap(stream.RecordMmap{
			PID: rr.PID, TID: rr.TID, Addr: rr.Addr, Len: rr.Len,
			PgOff: rr.PgOff, Filename: rr.Filename, Data: rr.Data,
		})
	case *ringbuf.RawComm:
		err = r.wr.WriteComm(stream.RecordComm{PID: rr.PID, TID: rr.TID, Comm: rr.Comm, Exec: rr.Exec})
	case *ringbuf.RawFork:
		err = r.wr.WriteFork(stream.RecordFork{PID: rr.PID, PPID: rr.PPID, TID: rr.TID, PTID: rr.PTID, Time: rr.Time})
	case *ringbuf.RawExit:
		err = r.wr.WriteExit(stream.RecordExit{PID: rr.PID, PPID: rr.PPID, TID: rr.TID, PTID: rr.PTID, Time: rr.Time})
	case *ringbuf.RawThrottle:
		idx, ok := r.idToEvent[rr.ID]
		if !ok {
			r.Counters.UnknownRecords++
			return
		}
		err = r.wr.WriteThrottle(stream.RecordThrottle{Enable: rr.Enable, Time: rr.Time, EventIndex: idx})
	case *ringbuf.RawLost:
		idx, ok := r.idToEvent[rr.ID]
		if !ok {
			r.Counters.UnknownRecords++
			return
		}
		err = r.wr.WriteLost(stream.RecordLost{EventIndex: idx, NumLost: rr.NumLost})
	case *ringbuf.RawSample:
		idx, ok := r.idToEvent[rr.ID]
		if !ok {
			r.Counters.UnknownRecords++
			return
		}
		err = r.wr.WriteSample(stream.RecordSample{
			EventIndex: idx,
			IP:         rr.IP,
			PID:        rr.PID,
			TID:        rr.TID,
			CPU:        r.cpuField(rr.CPU, cpu),
			Period:     r.cfg.Events[idx].Period,
			CPUMode:    rr.CPUMode,
			Callchain:  rr.Callchain,
		})
	case *ringbuf.RawUnknown:
		r.Counters.UnknownRecords++
		return
	default:
		r.Counters.UnknownRecords++
		return
	}
	if err == nil {
		r.Counters.RecordsWritten++
	}
}

// cpuField prefers a RawSample's own reported CPU when the counter was
// opened with SampleFormatCPU; otherwise every record on this ring was
// taken on the same CPU (each ring is one CPU's mmap), so the ring's own
// CPU is just as accurate.
func (r *Recorder) cpuField(sampleCPU uint32, ringCPU int) uint32 {
	if r.sampleCPU {
		return sampleCPU
	}
	return uint32(ringCPU)
}

// Close unmaps every ring and closes every counter fd, in that order.
// Safe to call on a partially constructed Recorder.
func (r *Recorder) Close() error {
	var firstErr error
	for _, ring := range r.rings {
		if err := ring.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, group := range r.fds {
		for _, fd := range group {
			if err := perfopen.Close(fd); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if r.sig != nil {
		signal.Stop(r.sig)
		close(r.sig)
	}
	return firstErr
}
