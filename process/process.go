// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package process implements the Process Model: a pid → process record
// map fed by the comm/fork/exit/mmap records the Event Demultiplexer
// produces, with the appname discovery and mapping bookkeeping a sample
// attributor needs to turn an instruction pointer into a (binary image,
// application) pair.
package process

import (
	"path/filepath"

	"github.com/google/pprof/profile"

	"github.com/openperf/operf/stream"
)

// Fullname is how confidently a Record's AppName is known to be the
// actual path of the application running in that process, rather than
// just its truncated comm string.
type Fullname int

const (
	// NotFull means AppName is just the (possibly truncated) comm
	// string; no mapping has been found whose basename corroborates
	// it.
	NotFull Fullname = iota
	// MaybeFull means some mapping's basename shares a prefix with
	// comm long enough to plausibly be the same binary, but the match
	// isn't exact (comm is truncated to kernelCommLen bytes).
	MaybeFull
	// YesFull means some mapping's basename exactly equals comm.
	YesFull
)

// kernelCommLen is the kernel's TASK_COMM_LEN minus the trailing NUL:
// comm strings longer than this are truncated at the source, so an
// exact match beyond this length can never happen.
const kernelCommLen = 15

// Mapping is one memory region a process had mapped, derived from a
// stream.RecordMmap.
type Mapping struct {
	Addr, Len uint64
	PgOff     uint64
	Anon      bool
	Filename  string

	// hyperInit is set once this mapping's range has taken its first
	// hypervisor IP; only meaningful for the synthesized hypervisor
	// bucket, see GrowHypervisor.
	hyperInit bool
}

func (m *Mapping) contains(addr uint64) bool {
	return m.Addr <= addr && addr < m.Addr+m.Len
}

// Contains reports whether addr falls within m's range. Exported for a
// sample attributor's fast-path cache, which needs to re-validate a
// previously resolved mapping without repeating the lookup that found it.
func (m *Mapping) Contains(addr uint64) bool {
	return m.contains(addr)
}

// ContainsHypervisor reports whether addr falls within the synthesized
// hypervisor bucket's range, recorded end inclusive: unlike an ordinary
// mapping, the bucket's end_addr is exactly the highest IP seen, so the
// sample that set it must still match.
func (m *Mapping) ContainsHypervisor(addr uint64) bool {
	return m.Addr <= addr && addr <= m.Addr+m.Len
}

// GrowHypervisor extends m's range so addr falls within it, initializing
// the range to addr alone on first use. The range only ever grows.
func (m *Mapping) GrowHypervisor(addr uint64) {
	if !m.hyperInit {
		m.Addr = addr
		m.hyperInit = true
		return
	}
	if addr < m.Addr {
		m.Len += m.Addr - addr
		m.Addr = addr
	} else if end := m.Addr + m.Len; addr > end {
		m.Len = addr - m.Addr
	}
}

// HypervisorBucketName is the synthetic mapping name hypervisor-domain
// samples are attributed against, since they have no backing binary.
const HypervisorBucketName = "[hypervisor_bucket]"

// HypervisorBucket returns this record's synthesized hypervisor
// mapping, creating it empty on first use. Its range is built up over
// the first pass via repeated GrowHypervisor calls.
func (r *Record) HypervisorBucket() *Mapping {
	for _, m := range r.maps {
		if m.Filename == HypervisorBucketName {
			return m
		}
	}
	m := &Mapping{Anon: true, Filename: HypervisorBucketName}
	r.maps = append(r.maps, m)
	return m
}

func mappingFromRecord(r *stream.RecordMmap) *Mapping {
	return &Mapping{
		Addr:     r.Addr,
		Len:      r.Len,
		PgOff:    r.PgOff,
		Anon:     r.Filename == "" || r.Filename == "//anon",
		Filename: r.Filename,
	}
}

// mappingFromProfile converts a /proc/<pid>/maps entry, as parsed by
// procfs.ExistingMaps, into the same Mapping shape a live mmap record
// produces.
func mappingFromProfile(m *profile.Mapping) *Mapping {
	return &Mapping{
		Addr:     m.Start,
		Len:      m.Limit - m.Start,
		PgOff:    m.Offset,
		Anon:     m.File == "" || m.File == "//anon",
		Filename: m.File,
	}
}

// Record is one process or thread's accumulated state.
//
// A forked-but-not-yet-exec'd child shares its parent's mappings by
// reference (forkParent) rather than by copying them at fork time: a
// fork without exec very often never mmaps anything of its own before
// exiting (or execs immediately, replacing everything anyway), so an
// eager deep copy does wasted work on the common path. Lookup walks to
// the parent only while the child has no mappings of its own at all;
// see LookupMapping.
type Record struct {
	PID int

	Comm     string
	AppName  string
	fullname Fullname
	commSeen bool

	// forkParent is set only by fork: the process this record was
	// forked from, consulted by LookupMapping while this record has no
	// mappings of its own.
	forkParent *Record
	// forked is true from fork until this record's own comm event
	// disassociates it from forkParent (a post-fork exec).
	forked bool
	maps   []*Mapping

	// deferredMaps holds mmap records that arrived before this
	// process's first comm record, so appname matching couldn't yet
	// be attempted against them.
	deferredMaps []*Mapping

	// deferredSamples holds opaque per-sample payloads a caller queued
	// with DeferSample, returned by DrainDeferredSamples.
	deferredSamples []interface{}
}

// Valid reports whether this record's AppName is trustworthy enough to
// attribute samples against: a comm record from the thread-group leader
// has been seen, or ForceValid has promoted the record. No mapping has
// to corroborate the comm first.
func (r *Record) Valid() bool {
	return r.commSeen
}

// FullnameState reports how precisely AppName is known.
func (r *Record) FullnameState() Fullname {
	return r.fullname
}

// DeferSample appends an opaque sample payload to be replayed once this
// record becomes Valid. The caller defines what payload means.
func (r *Record) DeferSample(payload interface{}) {
	r.deferredSamples = append(r.deferredSamples, payload)
}

// DrainDeferredSamples removes and returns every deferred sample
// payload queued with DeferSample.
func (r *Record) DrainDeferredSamples() []interface{} {
	out := r.deferredSamples
	r.deferredSamples = nil
	return out
}

// matchFullname scores how well comm corroborates filename's basename.
func matchFullname(comm, filename string) Fullname {
	base := filepath.Base(filename)
	if base == comm {
		return YesFull
	}
	n := 0
	for n < len(comm) && n < len(base) && comm[n] == base[n] {
		n++
	}
	if n == len(comm) && len(comm) >= kernelCommLen {
		// comm was truncated by the kernel and base continues it
		// exactly up to the truncation point.
		return MaybeFull
	}
	return NotFull
}

// addMapping records a new mapping, first clipping or removing any
// existing mapping it overlaps (a later mmap always wins over an
// earlier one at the same address), then re-scores AppName/Fullname
// against it if this mapping looks more authoritative than what's
// already recorded.
func (r *Record) addMapping(m *Mapping) {
	r.munmap(m.Addr, m.Len)
	r.maps = append(r.maps, m)

	if m.Anon || m.Filename == "" {
		return
	}
	if candidate := matchFullname(r.Comm, m.Filename); candidate > r.fullname {
		r.fullname = candidate
		r.AppName = m.Filename
	}
}

func (r *Record) munmap(addr, mlen uint64) {
	end := addr + mlen
	removed := false
	nmaps := r.maps
	for i, m := range r.maps {
		switch {
		case addr <= m.Addr:
			if end >= m.Addr+m.Len {
				r.maps[i] = nil
				removed = true
			} else if end > m.Addr {
				m.Len -= end - m.Addr
				m.Addr = end
			}
		case addr < m.Addr+m.Len:
			if end >= m.Addr+m.Len {
				m.Len = addr - m.Addr
			} else {
				nm := *m
				nm.Addr = end
				nm.Len = (m.Addr + m.Len) - end
				nmaps = append(nmaps, &nm)
				m.Len = addr - m.Addr
			}
		}
	}
	if removed {
		d := 0
		for s := 0; s < len(nmaps); s++ {
			if nmaps[s] != nil {
				nmaps[d] = nmaps[s]
				d++
			}
		}
		nmaps = nmaps[:d]
	}
	r.maps = nmaps
}

func (r *Record) findOwnMapping(addr uint64) *Mapping {
	for _, m := range r.maps {
		if m.contains(addr) {
			return m
		}
	}
	return nil
}

// LookupMapping finds the mapping containing addr among this record's
// own mappings, falling back to its fork ancestors' mappings as long as
// each ancestor in turn has none of its own yet: a forked-but-not-exec'd
// child shares its parent's address space without ever copying it. It
// does not consult the kernel's mappings; callers wanting kernel-fallback
// resolution should try Session.Kernel().LookupMapping after this
// returns nil.
func (r *Record) LookupMapping(addr uint64) *Mapping {
	for p := r; p != nil; p = p.forkParent {
		if m := p.findOwnMapping(addr); m != nil {
			return m
		}
		if len(p.maps) > 0 {
			// This ancestor has established its own mappings (e.g.
			// exec'd) and addr isn't among them; don't walk further
			// up past a process that has genuinely diverged from its
			// parent.
			break
		}
	}
	return nil
}

// onComm processes a comm record for this record. pid == tid marks the
// report as coming from the thread-group leader, which is the only
// kind of comm event that can make the record valid or re-score its
// appname once it is valid; a YesFull appname is never changed by a
// later comm, and a same-pid, different-tid comm is a thread rename and
// is ignored once the record is already valid.
func (r *Record) onComm(pid, tid int, comm string) {
	leader := pid == tid

	if !r.commSeen {
		if leader {
			r.commSeen = true
		}
		switch {
		case r.forked:
			// Post-fork exec: the child has now diverged from its
			// parent, so install the new comm directly rather than
			// re-scoring against inherited mappings it no longer owns.
			r.forked = false
			r.forkParent = nil
			r.Comm = comm
			r.fullname = NotFull
			r.AppName = comm
		case r.Comm == "":
			r.Comm = comm
			// Best-effort placeholder until a mapping corroborates it;
			// deliberately left at NotFull rather than self-matched, so
			// a later real mapping can still promote Fullname.
			r.AppName = comm
		}
		for _, m := range r.deferredMaps {
			r.addMapping(m)
		}
		r.deferredMaps = nil
		return
	}

	if !leader || r.fullname == YesFull {
		return
	}
	r.Comm = comm
	// Re-score every known mapping against the now-current comm: this
	// also covers a second exec reusing the same pid, where old
	// mappings may still be present when the new comm record arrives.
	for _, m := range r.maps {
		if m.Anon || m.Filename == "" {
			continue
		}
		if candidate := matchFullname(r.Comm, m.Filename); candidate > r.fullname {
			r.fullname = candidate
			r.AppName = m.Filename
		}
	}
}

func (r *Record) onMmap(m *Mapping) {
	if !r.commSeen {
		r.deferredMaps = append(r.deferredMaps, m)
		return
	}
	r.addMapping(m)
}

// fork detaches a child Record that shares its parent's mappings by
// reference rather than by copy (see Record's doc comment).
func (p *Record) fork(pid int) *Record {
	return &Record{PID: pid, forkParent: p, forked: true}
}

// ForceValid marks a record valid as a last resort, when the sample
// stream has been fully exhausted and no comm event for it ever
// arrived: the best-effort Comm (or "?" if even that never arrived)
// stands as AppName, and any mmaps still sitting in deferredMaps are
// finally applied.
func (r *Record) ForceValid() {
	if r.commSeen {
		return
	}
	r.commSeen = true
	if r.AppName == "" {
		if r.Comm == "" {
			r.Comm = "?"
		}
		r.AppName = r.Comm
	}
	for _, m := range r.deferredMaps {
		r.addMapping(m)
	}
	r.deferredMaps = nil
}
