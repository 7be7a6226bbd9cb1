// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package attributor implements the Sample Attributor: it turns a
// decoded sample record into a (binary image, application, offset)
// triple and accumulates it into the right Sample-DB, consulting the
// Process Model for identity and mappings and the Sample-File Registry
// for where to record the hit.
package attributor

import (
	"fmt"
	"os"

	"github.com/openperf/operf/eventattr"
	"github.com/openperf/operf/process"
	"github.com/openperf/operf/registry"
	"github.com/openperf/operf/stream"
)

// Config holds the run-wide settings that change how a sample's
// registry key is built.
type Config struct {
	// SeparateCPU includes the sampled CPU in every key.
	SeparateCPU bool
	// SeparateThread includes the sampling thread/process in every key.
	SeparateThread bool
	// CallGraph walks each sample's callchain into arc counts.
	CallGraph bool
	// NoVmlinux routes every kernel-domain sample to a single sentinel
	// bucket instead of attempting vmlinux/module resolution, for runs
	// without a readable kernel image.
	NoVmlinux bool
	// HypervisorCeiling is the highest IP a hypervisor-domain sample
	// may report; samples above it are dropped as out-of-range. Zero
	// means no ceiling is enforced.
	HypervisorCeiling uint64

	// CPUType and CPUSpeedMHz are written into every Sample-DB header
	// this attributor creates; they describe the machine the run
	// captured on, not any one sample.
	CPUType     uint32
	CPUSpeedMHz uint32
}

// noVmlinuxImage names the sentinel image kernel-domain samples are
// attributed against when no real kernel image or module can be
// identified for them.
const noVmlinuxImage = "no-vmlinux"

// Counters are the cumulative, per-run observability counters a
// profiling session reports at teardown.
type Counters struct {
	KernelSamples        uint64
	UserSamples          uint64
	LostNoMapping        uint64
	LostUnknownProcess   uint64
	LostInvalidContext   uint64
	LostBacktraceArcs    uint64
	HypervisorOutOfRange uint64
	KernelReportedLost   uint64
	ThrottleIncidents    uint64
}

// transient caches the previous sample's resolved identity, mirroring
// the fast path of the reference attribution algorithm: most samples in
// a row come from the same hot process and mapping, so re-walking the
// process and mapping lookups every time is wasted work.
type transient struct {
	valid   bool
	pid     int
	mapping *process.Mapping
	image   string
	appCtx  string
	domain  eventattr.CPUMode
}

func (t *transient) invalidate() {
	t.valid = false
	t.mapping = nil
}

// pending is a sample that couldn't be attributed on the first pass,
// queued for the deferred second pass once every process record has
// settled.
type pending struct {
	pid, tid   int
	ip         uint64
	cpu        uint32
	eventIndex int
	cpuMode    eventattr.CPUMode
	callchain  []uint64
}

func pendingFromSample(r *stream.RecordSample) pending {
	return pending{
		pid:        r.PID,
		tid:        r.TID,
		ip:         r.IP,
		cpu:        r.CPU,
		eventIndex: r.EventIndex,
		cpuMode:    r.CPUMode,
		callchain:  r.Callchain,
	}
}

// Attributor folds a sample stream into Sample-DB hit counts.
type Attributor struct {
	cfg     Config
	session *process.Session
	reg     *registry.Registry
	events  []eventattr.Event

	throttled []bool
	transient transient
	deferred  []pending

	Counters Counters
}

// New creates an Attributor over session and reg. events is indexed by
// eventattr.Event.Index; every sample's EventIndex must fall within it.
func New(session *process.Session, reg *registry.Registry, events []eventattr.Event, cfg Config) *Attributor {
	return &Attributor{
		cfg:       cfg,
		session:   session,
		reg:       reg,
		events:    events,
		throttled: make([]bool, len(events)),
	}
}

// HandleSample attributes one live sample, deferring it to the second
// pass if its process isn't yet known to be valid.
func (a *Attributor) HandleSample(r *stream.RecordSample) error {
	return a.attribute(pendingFromSample(r), true)
}

// HandleLost records that the kernel dropped samples for lack of ring
// space.
func (a *Attributor) HandleLost(r *stream.RecordLost) {
	a.Counters.KernelReportedLost += r.NumLost
}

// HandleThrottle marks an event descriptor throttled or unthrottled for
// the final report.
func (a *Attributor) HandleThrottle(r *stream.RecordThrottle) {
	if r.EventIndex < 0 || r.EventIndex >= len(a.throttled) {
		return
	}
	if r.Enable {
		a.Counters.ThrottleIncidents++
	}
	a.throttled[r.EventIndex] = r.Enable
}

// Throttled reports whether idx was under kernel throttling the last
// time a throttle record for it was seen.
func (a *Attributor) Throttled(idx int) bool {
	if idx < 0 || idx >= len(a.throttled) {
		return false
	}
	return a.throttled[idx]
}

// Finish runs the deferred second pass: every process record still
// invalid is promoted to valid on a best-effort basis, and every sample
// queued during the first pass is replayed through attribution once
// more.
func (a *Attributor) Finish() error {
	a.session.ForceValidateAll()
	a.transient.invalidate()

	queue := a.deferred
	a.deferred = nil
	for _, p := range queue {
		if err := a.attribute(p, false); err != nil {
			return err
		}
	}
	return nil
}

// attribute runs the attribution algorithm for one sample. firstPass
// selects whether an unresolvable process record defers the sample
// (first pass) or counts it lost (second pass, where nothing further
// will ever resolve it).
func (a *Attributor) attribute(p pending, firstPass bool) error {
	if p.eventIndex < 0 || p.eventIndex >= len(a.events) {
		return fmt.Errorf("attributor: sample references unknown event index %d", p.eventIndex)
	}
	event := a.events[p.eventIndex]

	switch p.cpuMode {
	case eventattr.CPUModeGuestKernel, eventattr.CPUModeGuestUser:
		// Guest-domain samples are outside what this core's Sample-DB
		// keying can express; they are dropped without being logged or
		// counted.
		return nil
	}

	if p.pid == 0 {
		// pid 0 never gets a process record of its own: its samples are
		// dropped and counted as unknown-process rather than deferred.
		a.Counters.LostUnknownProcess++
		return nil
	}

	rec := a.session.Lookup(p.pid)
	if rec == nil {
		if firstPass {
			a.session.EnsureForDefer(p.pid)
			a.deferred = append(a.deferred, p)
			return nil
		}
		a.Counters.LostUnknownProcess++
		return nil
	}
	if !rec.Valid() {
		if firstPass {
			a.deferred = append(a.deferred, p)
			return nil
		}
		// Finish() promotes every record to valid before replaying the
		// deferred queue, so this shouldn't happen; treat it the same
		// as an unknown process rather than panicking on a surprise.
		a.Counters.LostUnknownProcess++
		return nil
	}

	if a.transient.valid && a.transient.pid == p.pid && a.transient.mapping != nil &&
		a.transient.domain == p.cpuMode && a.transient.mapping.Contains(p.ip) {
		return a.commit(event, rec, p, a.transient.image, a.transient.appCtx, p.cpuMode, a.transient.mapping)
	}

	switch p.cpuMode {
	case eventattr.CPUModeKernel:
		return a.attributeKernel(event, rec, p)
	case eventattr.CPUModeHypervisor:
		return a.attributeHypervisor(event, rec, p, firstPass)
	default:
		return a.attributeUser(event, rec, p)
	}
}

func (a *Attributor) attributeKernel(event eventattr.Event, rec *process.Record, p pending) error {
	if a.cfg.NoVmlinux {
		return a.commit(event, rec, p, noVmlinuxImage, "", eventattr.CPUModeKernel, nil)
	}

	if m := a.session.Kernel().LookupMapping(p.ip); m != nil {
		return a.commit(event, rec, p, m.Filename, "", eventattr.CPUModeKernel, m)
	}
	if _, _, val, ok := a.session.KernelRanges.Get(p.ip); ok {
		if name, ok := val.(string); ok {
			return a.commit(event, rec, p, name, "", eventattr.CPUModeKernel, nil)
		}
	}
	return a.commit(event, rec, p, noVmlinuxImage, "", eventattr.CPUModeKernel, nil)
}

func (a *Attributor) attributeHypervisor(event eventattr.Event, rec *process.Record, p pending, firstPass bool) error {
	if a.cfg.HypervisorCeiling != 0 && p.ip > a.cfg.HypervisorCeiling {
		a.Counters.HypervisorOutOfRange++
		return nil
	}

	bucket := rec.HypervisorBucket()
	if firstPass {
		bucket.GrowHypervisor(p.ip)
		a.deferred = append(a.deferred, p)
		return nil
	}

	if !bucket.ContainsHypervisor(p.ip) {
		// Shouldn't happen: the bucket was grown to cover every
		// deferred hypervisor sample during the first pass.
		a.Counters.HypervisorOutOfRange++
		return nil
	}
	return a.commit(event, rec, p, process.HypervisorBucketName, "", eventattr.CPUModeHypervisor, bucket)
}

func (a *Attributor) attributeUser(event eventattr.Event, rec *process.Record, p pending) error {
	m := rec.LookupMapping(p.ip)
	if m == nil {
		a.Counters.LostNoMapping++
		return nil
	}
	if m.Filename == process.HypervisorBucketName {
		// A hypervisor-synthesized mapping can never legitimately
		// attribute a non-hypervisor sample.
		a.Counters.LostInvalidContext++
		return nil
	}

	return a.commit(event, rec, p, m.Filename, rec.AppName, eventattr.CPUModeUser, m)
}

// commit forms the registry key for one attributed sample, obtains its
// Sample-DB, and records the hit. m may be nil for a synthetic image
// that has no real Mapping (kernel module ranges, the no-vmlinux
// bucket); such samples use the IP directly as their offset, same as a
// kernel or anonymous mapping.
func (a *Attributor) commit(event eventattr.Event, rec *process.Record, p pending, image, appCtx string, domain eventattr.CPUMode, m *process.Mapping) error {
	switch domain {
	case eventattr.CPUModeKernel:
		a.Counters.KernelSamples++
	case eventattr.CPUModeUser:
		a.Counters.UserSamples++
	}

	kernel := domain == eventattr.CPUModeKernel
	if appCtx == "" {
		appCtx = rec.AppName
	}

	offset := p.ip
	anon := m != nil && m.Anon
	var anonStart, anonEnd uint64
	if !kernel && m != nil && !anon {
		offset = p.ip - m.Addr
	}
	if anon {
		anonStart, anonEnd = m.Addr, m.Addr+m.Len
	}

	key := registry.Key{
		Image:      image,
		AppContext: appCtx,
		Counter:    event.Index,
		CPU:        -1,
		TID:        -1,
		TGID:       -1,
		Kernel:     kernel,
		Anon:       anon,
		AnonStart:  anonStart,
		AnonEnd:    anonEnd,
		AnonTGID:   rec.PID,
	}
	if a.cfg.SeparateCPU {
		key.CPU = int(p.cpu)
	}
	if a.cfg.SeparateThread {
		key.TGID = rec.PID
		key.TID = p.tid
	}

	a.transient = transient{valid: true, pid: p.pid, mapping: m, image: image, appCtx: appCtx, domain: domain}

	if err := a.insert(key, uint32(offset), event); err != nil {
		return err
	}

	if a.cfg.CallGraph && len(p.callchain) > 0 {
		return a.walkCallchain(event, rec, p, key, image)
	}
	return nil
}

// walkCallchain attributes each non-sentinel frame of a sample's
// callchain as one arc from the previous frame's image to the current
// frame's, stored in a distinct call-graph Sample-DB per registry.Key's
// CallgraphTo field. The offset recorded for an arc is the destination
// frame's offset within its own image, same as a flat sample.
func (a *Attributor) walkCallchain(event eventattr.Event, rec *process.Record, p pending, from registry.Key, fromImage string) error {
	prevImage := fromImage
	for _, ip := range p.callchain {
		if isCallchainSentinel(ip) {
			continue
		}

		m := rec.LookupMapping(ip)
		kernel := false
		var toImage string
		var offset uint64
		switch {
		case m != nil:
			toImage = m.Filename
			if m.Anon {
				offset = ip
			} else {
				offset = ip - m.Addr
			}
		default:
			if km := a.session.Kernel().LookupMapping(ip); km != nil {
				toImage, kernel, offset = km.Filename, true, ip
			} else {
				a.Counters.LostBacktraceArcs++
				continue
			}
		}

		arcKey := from
		arcKey.Image = prevImage
		arcKey.CallgraphTo = toImage
		arcKey.Kernel = kernel
		arcKey.Anon = m != nil && m.Anon
		if arcKey.Anon {
			arcKey.AnonStart, arcKey.AnonEnd = m.Addr, m.Addr+m.Len
		}

		if err := a.insert(arcKey, uint32(offset), event); err != nil {
			return err
		}
		prevImage = toImage
	}
	return nil
}

// callchainSentinelFloor marks where PERF_CONTEXT_* transition markers
// begin in the kernel's callchain ABI; this core has no use for the
// markers themselves, only the real IPs around them.
const callchainSentinelFloor = 0xfffffffffffff000

func isCallchainSentinel(ip uint64) bool {
	return ip >= callchainSentinelFloor
}

func (a *Attributor) insert(key registry.Key, offset uint32, event eventattr.Event) error {
	meta := registry.Header{
		CPUType:  a.cfg.CPUType,
		CtrEvent: uint32(event.Config),
		CtrCount: uint32(event.Period),
		CtrUM:    event.UnitMask,
		CPUSpeed: a.cfg.CPUSpeedMHz,
	}
	if key.Kernel {
		meta.IsKernel = 1
	}
	if key.Anon {
		meta.AnonStart = key.AnonStart
	}
	if !key.Anon && !key.Kernel {
		if fi, err := os.Stat(key.Image); err == nil {
			meta.Mtime = uint64(fi.ModTime().Unix())
		}
	}

	db, release, err := a.reg.Get(key, meta)
	if err != nil {
		return fmt.Errorf("attributor: open sample file for %s: %w", key, err)
	}
	defer release()

	return db.InsertOrAdd(offset, 1)
}
