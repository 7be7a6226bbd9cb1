// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry implements the Sample-File Registry: an LRU-bounded
// cache of open sampledb.DB handles, keyed by binary image, application
// context, counter index, and the optional per-CPU/per-thread/call-graph
// qualifiers a run may ask for.
package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// mangleChar replaces path separators inside a component that gets
// folded into a single sample-file name, so a single flat samples
// directory can hold files that originated from deeply nested binary
// paths without collisions.
const mangleChar = '}'

func manglePath(path string) string {
	return strings.ReplaceAll(path, "/", string(mangleChar))
}

func demanglePath(mangled string) string {
	return strings.ReplaceAll(mangled, string(mangleChar), "/")
}

// Key identifies one Sample-DB file. Two samples attribute to the same
// file iff their keys are equal.
type Key struct {
	// Image is the path of the binary or kernel image the sample falls
	// in.
	Image string
	// AppContext is the path of the application that was running when
	// the sample was taken; equal to Image for samples attributed to
	// the app's own image rather than a shared library or the kernel.
	AppContext string
	// Counter is the event/counter index (eventattr.Event.Index).
	Counter int

	// CPU is the CPU index the sample was taken on, or -1 if the run
	// isn't separating samples by CPU.
	CPU int
	// TID and TGID are the thread and process IDs, or -1 if the run
	// isn't separating samples by thread/process.
	TID  int
	TGID int

	// Kernel is true if Image is the kernel or a kernel module rather
	// than a userspace binary.
	Kernel bool

	// Anon is true if the sample fell in an anonymous (unbacked)
	// mapping; AnonStart/AnonEnd/AnonTGID then identify the mapping in
	// place of a real Image path.
	Anon      bool
	AnonStart uint64
	AnonEnd   uint64
	AnonTGID  int

	// CallgraphTo, when non-empty, names the destination image of a
	// call-graph arc sample; the resulting Sample-DB stores arc counts
	// rather than flat per-IP counts.
	CallgraphTo string
}

// imageComponent returns the mangled path component identifying key's
// source image, substituting the anonymous-mapping encoding (tgid,
// start, end) from mangle_anon when Anon is set.
func (k Key) imageComponent() string {
	if k.Anon {
		return fmt.Sprintf("%d.0x%x.0x%x", k.AnonTGID, k.AnonStart, k.AnonEnd)
	}
	return manglePath(k.Image)
}

// Path returns the relative sample-file path for key, rooted at a
// registry's samples directory. The encoding is deterministic and
// reversible: ParseKey(k.Path()) recovers an equal Key (barring
// AppContext, which collapses to Image when they're equal, matching
// operf's own "dependent" filename convention — ParseKey restores that
// collapsed value rather than leaving AppContext empty).
func (k Key) Path() string {
	var b strings.Builder
	b.WriteString(k.imageComponent())

	if k.AppContext != "" && k.AppContext != k.Image {
		b.WriteByte('/')
		b.WriteString("{dep}")
		b.WriteString(manglePath(k.AppContext))
	}

	if k.CPU >= 0 {
		fmt.Fprintf(&b, "/cpu%d", k.CPU)
	}
	if k.TGID >= 0 {
		fmt.Fprintf(&b, "/tgid%d", k.TGID)
	}
	if k.TID >= 0 {
		fmt.Fprintf(&b, "/tid%d", k.TID)
	}
	if k.Kernel {
		b.WriteString("/kernel")
	}
	if k.CallgraphTo != "" {
		b.WriteString("/cg_to}")
		b.WriteString(manglePath(k.CallgraphTo))
	}

	fmt.Fprintf(&b, "#%d", k.Counter)
	return b.String()
}

// String implements fmt.Stringer so Keys print usefully in logs and test
// failures.
func (k Key) String() string {
	return k.Path()
}

// parseSegment splits a "name<decimal>" component, used when
// demangling a Path back into structured fields.
func parseSegment(seg, prefix string) (int, bool) {
	if !strings.HasPrefix(seg, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(seg[len(prefix):])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseKey is the inverse of Key.Path: it recovers the structured Key
// that produced path. AppContext collapses to Image when Path elides
// the "{dep}" segment, matching Path's own encoding of that case.
func ParseKey(path string) (Key, error) {
	hash := strings.LastIndex(path, "#")
	if hash < 0 {
		return Key{}, fmt.Errorf("registry: path %q: missing counter suffix", path)
	}
	counter, err := strconv.Atoi(path[hash+1:])
	if err != nil {
		return Key{}, fmt.Errorf("registry: path %q: bad counter suffix: %w", path, err)
	}

	segs := strings.Split(path[:hash], "/")
	if len(segs) == 0 || segs[0] == "" {
		return Key{}, fmt.Errorf("registry: path %q: missing image component", path)
	}

	k := Key{Counter: counter, CPU: -1, TID: -1, TGID: -1}
	if tgid, start, end, ok := parseAnonComponent(segs[0]); ok {
		k.Anon, k.AnonTGID, k.AnonStart, k.AnonEnd = true, tgid, start, end
	} else {
		k.Image = demanglePath(segs[0])
	}

	for _, seg := range segs[1:] {
		var ok bool
		switch {
		case strings.HasPrefix(seg, "{dep}"):
			k.AppContext, ok = demanglePath(seg[len("{dep}"):]), true
		case strings.HasPrefix(seg, "cg_to}"):
			k.CallgraphTo, ok = demanglePath(seg[len("cg_to}"):]), true
		case seg == "kernel":
			k.Kernel, ok = true, true
		case strings.HasPrefix(seg, "cpu"):
			k.CPU, ok = parseSegment(seg, "cpu")
		case strings.HasPrefix(seg, "tgid"):
			k.TGID, ok = parseSegment(seg, "tgid")
		case strings.HasPrefix(seg, "tid"):
			k.TID, ok = parseSegment(seg, "tid")
		}
		if !ok {
			return Key{}, fmt.Errorf("registry: path %q: unrecognized segment %q", path, seg)
		}
	}

	if !k.Anon && k.AppContext == "" {
		k.AppContext = k.Image
	}
	return k, nil
}

// parseAnonComponent recognizes the "tgid.0xstart.0xend" encoding
// imageComponent uses in place of a mangled path for anonymous
// mappings.
func parseAnonComponent(seg string) (tgid int, start, end uint64, ok bool) {
	parts := strings.SplitN(seg, ".", 3)
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	tgidN, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, false
	}
	if !strings.HasPrefix(parts[1], "0x") || !strings.HasPrefix(parts[2], "0x") {
		return 0, 0, 0, false
	}
	startN, err := strconv.ParseUint(parts[1][2:], 16, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	endN, err := strconv.ParseUint(parts[2][2:], 16, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	return tgidN, startN, endN, true
}
