// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command operf is the CLI entry point: it launches (or attaches to) a
// profiling target, runs the recorder and reader halves of the core,
// and reports a run-outcome exit code. Event-name translation, report
// generation, symbol demangling, and source-line annotation all happen
// downstream of this tool and are not its concern.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openperf/operf/attributor"
	"github.com/openperf/operf/eventattr"
	"github.com/openperf/operf/opflog"
	"github.com/openperf/operf/procfs"
	"github.com/openperf/operf/readerproc"
	"github.com/openperf/operf/recorder"
	"github.com/openperf/operf/registry"
	"github.com/openperf/operf/stream"
)

// Exit codes distinguish which half of a run failed: an operator
// staring at a bare "exit 1" can't tell the profiled workload from the
// recorder from the reader. Zero always means a clean shutdown.
const (
	exitOK             = 0
	exitWorkloadFailed = 1
	exitRecorderFailed = 2
	exitReaderFailed   = 3
	exitBothFailed     = 4
	exitUsage          = 64 // EX_USAGE, not part of the run-outcome policy above
)

// internalRecordArg selects the hidden recorder-subprocess role: operf
// re-execs itself with this as argv[1] so the recorder can own its own
// process (and so a recorder crash can never take the reader's
// already-converted data with it), rather than spawning an unrelated
// second binary.
const internalRecordArg = "__record"

func main() {
	if len(os.Args) > 1 && os.Args[1] == internalRecordArg {
		os.Exit(runInternalRecorder(os.Args[2:]))
	}
	os.Exit(runRoot(os.Args[1:]))
}

type options struct {
	pid               int
	lazyConversion    bool
	separateCPU       bool
	separateThread    bool
	callGraph         bool
	noVmlinux         bool
	hypervisorCeiling uint64

	eventName   string
	eventType   uint32
	eventConfig uint64
	eventPeriod uint64

	sessionDir     string
	dataPages      int
	readerDeadline time.Duration
}

func runRoot(args []string) int {
	opts := &options{}
	code := exitUsage

	root := &cobra.Command{
		Use:   "operf [flags] -- command [args...]",
		Short: "Collect a hardware-event sample stream for a workload",
		Long: `operf launches or attaches to a target process, records
perf_event_open samples for the configured event into the sample-stream
format, and attributes them to processes, mappings, and (optionally)
callchains as they arrive.

Event selection here takes an already-resolved perf_event_attr type and
config, e.g. as looked up in a separate event-description database;
operf itself never interprets a symbolic event name.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, argv []string) error {
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				argv = argv[dash:]
			}
			c, err := run(opts, argv)
			if err != nil {
				return err
			}
			code = c
			return nil
		},
	}

	f := root.Flags()
	f.IntVar(&opts.pid, "pid", -1, "attach to an already-running process instead of launching one")
	f.BoolVar(&opts.lazyConversion, "lazy-conversion", false, "write the raw sample stream to disk and convert it after the run instead of converting live")
	f.BoolVar(&opts.separateCPU, "separate-cpu", false, "keep per-CPU samples in distinct sample files")
	f.BoolVar(&opts.separateThread, "separate-thread", false, "keep per-thread samples in distinct sample files")
	f.BoolVar(&opts.callGraph, "callgraph", false, "attribute callchain arcs in addition to leaf samples")
	f.BoolVar(&opts.noVmlinux, "no-vmlinux", false, "route kernel-domain samples to a single bucket instead of resolving against vmlinux/modules")
	f.Uint64Var(&opts.hypervisorCeiling, "hypervisor-ceiling", 0, "highest IP a hypervisor-domain sample may report (0 = unbounded)")

	f.StringVar(&opts.eventName, "event-name", "default", "symbolic name recorded in the stream header, for display only")
	f.Uint32Var(&opts.eventType, "event-type", 0, "perf_event_attr type (PERF_TYPE_*)")
	f.Uint64Var(&opts.eventConfig, "event-config", 0, "perf_event_attr config")
	f.Uint64Var(&opts.eventPeriod, "event-period", 100000, "sample period, in raw event occurrences")

	f.StringVar(&opts.sessionDir, "session-dir", "operf-session", "directory for the sample-file registry and operf.log")
	f.IntVar(&opts.dataPages, "mmap-pages", 0, "per-CPU ring mmap size in pages, a power of two (0 = recorder default)")
	f.DurationVar(&opts.readerDeadline, "reader-deadline", 30*time.Second, "how long the reader is given to finish converting buffered data after the recorder stops")

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		return exitUsage
	}
	return code
}

func run(opts *options, argv []string) (int, error) {
	if opts.pid <= 0 && len(argv) == 0 {
		return 0, fmt.Errorf("operf: specify --pid or a command to run after --")
	}
	if err := os.MkdirAll(opts.sessionDir, 0755); err != nil {
		return 0, fmt.Errorf("operf: create session directory: %w", err)
	}

	cpus, err := procfs.OnlineCPUs()
	if err != nil {
		return 0, fmt.Errorf("operf: %w", err)
	}

	events := []eventattr.Event{{
		Name:   opts.eventName,
		Type:   eventattr.Type(opts.eventType),
		Config: opts.eventConfig,
		Period: opts.eventPeriod,
		Format: eventattr.Mandatory | eventattr.SampleFormatCallchain,
		Index:  0,
	}}

	rcfg := recorder.Config{
		Events:    events,
		CPUs:      cpus,
		PID:       opts.pid,
		DataPages: opts.dataPages,
	}

	acfg := attributor.Config{
		SeparateCPU:       opts.separateCPU,
		SeparateThread:    opts.separateThread,
		CallGraph:         opts.callGraph,
		NoVmlinux:         opts.noVmlinux,
		HypervisorCeiling: opts.hypervisorCeiling,
	}

	rlog, err := opflog.Open(filepath.Join(opts.sessionDir, "operf.log"))
	if err != nil {
		return 0, fmt.Errorf("operf: %w", err)
	}
	defer rlog.Close()

	sampleDir := filepath.Join(opts.sessionDir, "samples")
	if err := os.MkdirAll(sampleDir, 0755); err != nil {
		return 0, fmt.Errorf("operf: create sample directory: %w", err)
	}
	reg := registry.New(sampleDir, 64)
	defer reg.Close()

	var workload *exec.Cmd
	if len(argv) > 0 {
		workload = exec.Command(argv[0], argv[1:]...)
		workload.Stdin = os.Stdin
		workload.Stdout = os.Stdout
		workload.Stderr = os.Stderr
		if err := workload.Start(); err != nil {
			return 0, fmt.Errorf("operf: start workload: %w", err)
		}
		if rcfg.PID <= 0 {
			rcfg.PID = workload.Process.Pid
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// workload.Wait may only be called once; every goroutine below
	// that needs to know the workload has ended reads from this
	// channel instead of calling Wait itself.
	workloadExit := make(chan error, 1)
	if workload != nil {
		go func() { workloadExit <- workload.Wait() }()
	}

	// attachPID is nonzero only when profiling attaches to an
	// already-running process with no launched workload: that's the
	// only case where the kernel's own mmap/comm records miss the
	// mappings and threads the target already had before the counter
	// was enabled.
	attachPID := 0
	if workload == nil && opts.pid > 0 {
		attachPID = opts.pid
	}

	var recorderErr, readerErr, workloadErr error
	if opts.lazyConversion {
		dataPath := filepath.Join(opts.sessionDir, "operf.data")
		recorderErr, workloadErr = runLazyRecorder(rcfg, dataPath, sigCh, workload, workloadExit)
		if recorderErr == nil {
			readerErr = runReaderFromFile(dataPath, reg, acfg, rlog, attachPID)
		}
	} else {
		recorderErr, readerErr, workloadErr = runLiveConversion(rcfg, reg, acfg, rlog, sigCh, workload, workloadExit, opts.readerDeadline, attachPID)
	}

	return classify(workloadErr, recorderErr, readerErr), nil
}

// runLiveConversion runs the recorder as a subprocess piping its output
// directly into an in-process reader, converting samples as they
// arrive. It returns once the recorder has stopped and the reader has
// either finished or run past readerDeadline; in the latter case the
// reader goroutine is left running.
func runLiveConversion(rcfg recorder.Config, reg *registry.Registry, acfg attributor.Config, rlog *opflog.Logger, sigCh chan os.Signal, workload *exec.Cmd, workloadExit chan error, readerDeadline time.Duration, attachPID int) (recorderErr, readerErr, workloadErr error) {
	pr, pw := io.Pipe()
	recCmd, err := startRecorderProcess(rcfg, pw)
	if err != nil {
		pw.Close()
		return err, nil, nil
	}

	readerDone := make(chan error, 1)
	go func() {
		rp, err := readerproc.New(pr, reg, acfg)
		if err != nil {
			readerDone <- err
			return
		}
		if attachPID > 0 {
			if err := seedAttachedProcess(rp, attachPID); err != nil {
				fmt.Fprintln(os.Stderr, "operf: seed attached process:", err)
			}
		}
		err = rp.Run()
		rlog.Report(rp.Attributor().Counters)
		readerDone <- err
	}()

	select {
	case <-sigCh:
		if workload != nil {
			workload.Process.Signal(syscall.SIGKILL)
			workloadErr = <-workloadExit
		}
		recCmd.Process.Signal(syscall.SIGUSR1)
	case workloadErr = <-workloadExit:
		recCmd.Process.Signal(syscall.SIGUSR1)
	}

	recorderErr = recCmd.Wait()
	pw.Close()

	select {
	case readerErr = <-readerDone:
	case <-time.After(readerDeadline):
		readerErr = fmt.Errorf("operf: reader exceeded its %s deadline", readerDeadline)
	}
	return recorderErr, readerErr, workloadErr
}

// runLazyRecorder runs the recorder as a subprocess writing straight to
// a file. It returns once the recorder stops, before any conversion
// happens.
func runLazyRecorder(rcfg recorder.Config, dataPath string, sigCh chan os.Signal, workload *exec.Cmd, workloadExit chan error) (recorderErr, workloadErr error) {
	f, err := os.Create(dataPath)
	if err != nil {
		return fmt.Errorf("operf: create %s: %w", dataPath, err), nil
	}
	defer f.Close()

	recCmd, err := startRecorderProcess(rcfg, f)
	if err != nil {
		return err, nil
	}

	select {
	case <-sigCh:
		if workload != nil {
			workload.Process.Signal(syscall.SIGKILL)
			workloadErr = <-workloadExit
		}
		recCmd.Process.Signal(syscall.SIGUSR1)
	case workloadErr = <-workloadExit:
		recCmd.Process.Signal(syscall.SIGUSR1)
	}

	return recCmd.Wait(), workloadErr
}

// runReaderFromFile reopens a lazily-recorded stream and converts it
// in-process, used only after runLazyRecorder has already exited.
func runReaderFromFile(dataPath string, reg *registry.Registry, acfg attributor.Config, rlog *opflog.Logger, attachPID int) error {
	f, err := os.Open(dataPath)
	if err != nil {
		return fmt.Errorf("operf: open %s: %w", dataPath, err)
	}
	defer f.Close()

	rp, err := readerproc.New(f, reg, acfg)
	if err != nil {
		return err
	}
	if attachPID > 0 {
		if err := seedAttachedProcess(rp, attachPID); err != nil {
			fmt.Fprintln(os.Stderr, "operf: seed attached process:", err)
		}
	}
	err = rp.Run()
	rlog.Report(rp.Attributor().Counters)
	return err
}

// seedAttachedProcess folds attachPID's pre-existing mappings and
// threads into rp's process model before it starts consuming the
// sample stream. The kernel only emits mmap/comm records for mappings
// and threads created after the counter was enabled, so an attach
// with no launched workload would otherwise never resolve samples
// falling in code mapped before operf started watching it.
func seedAttachedProcess(rp *readerproc.Reader, pid int) error {
	mappings, err := procfs.ExistingMaps(pid)
	if err != nil {
		return fmt.Errorf("read existing mappings: %w", err)
	}
	tasks, err := procfs.ExistingTasks(pid)
	if err != nil {
		return fmt.Errorf("read existing tasks: %w", err)
	}
	comm, err := procfs.Comm(pid)
	if err != nil {
		comm = ""
	}
	rp.Session().Seed(pid, comm, mappings, tasks)
	return nil
}

// startRecorderProcess re-execs the current binary in the hidden
// recorder role, with its resolved configuration passed as a single
// JSON argument and its sample-stream output directed at w.
func startRecorderProcess(rcfg recorder.Config, w io.Writer) (*exec.Cmd, error) {
	cfgJSON, err := json.Marshal(rcfg)
	if err != nil {
		return nil, fmt.Errorf("operf: encode recorder config: %w", err)
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("operf: locate self: %w", err)
	}

	cmd := exec.Command(self, internalRecordArg, string(cfgJSON))
	cmd.Stdout = w
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("operf: start recorder: %w", err)
	}
	return cmd, nil
}

func classify(workloadErr, recorderErr, readerErr error) int {
	switch {
	case recorderErr != nil && readerErr != nil:
		fmt.Fprintln(os.Stderr, "operf: recorder failed:", recorderErr)
		fmt.Fprintln(os.Stderr, "operf: reader failed:", readerErr)
		return exitBothFailed
	case recorderErr != nil:
		fmt.Fprintln(os.Stderr, "operf: recorder failed:", recorderErr)
		return exitRecorderFailed
	case readerErr != nil:
		fmt.Fprintln(os.Stderr, "operf: reader failed:", readerErr)
		return exitReaderFailed
	case workloadErr != nil:
		fmt.Fprintln(os.Stderr, "operf: workload failed:", workloadErr)
		return exitWorkloadFailed
	default:
		return exitOK
	}
}

// runInternalRecorder is the hidden recorder-subprocess entry point:
// decode the configuration passed on argv, run the recorder to
// completion writing to stdout, and report its own outcome via this
// process's exit code.
func runInternalRecorder(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "operf: missing recorder configuration")
		return exitRecorderFailed
	}

	var cfg recorder.Config
	if err := json.Unmarshal([]byte(args[0]), &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "operf: decode recorder configuration:", err)
		return exitRecorderFailed
	}

	wr, err := stream.NewWriter(os.Stdout, stream.Header{Version: stream.FormatVersion, Attrs: cfg.Events})
	if err != nil {
		fmt.Fprintln(os.Stderr, "operf: open sample stream:", err)
		return exitRecorderFailed
	}

	rec, err := recorder.New(wr, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "operf: start recorder:", err)
		return exitRecorderFailed
	}
	rec.WatchSignals()

	if err := rec.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "operf: enable counters:", err)
		rec.Close()
		return exitRecorderFailed
	}

	runErr := rec.Run()
	closeErr := rec.Close()
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "operf: recorder:", runErr)
		return exitRecorderFailed
	}
	if closeErr != nil {
		fmt.Fprintln(os.Stderr, "operf: recorder close:", closeErr)
		return exitRecorderFailed
	}
	return exitOK
}
