// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/openperf/operf/sampledb"
)

// entry is one cached Sample-DB handle. refcount tracks how many callers
// currently hold it via Get; it is only eligible for LRU eviction while
// refcount is zero.
type entry struct {
	key      Key
	db       *sampledb.DB
	refcount int
	elem     *list.Element
}

// Registry is an LRU-bounded cache of open Sample-DB handles. Real
// kernels limit a process's open file descriptors, so a profiling run
// with many distinct (image, app, counter) combinations can't keep every
// Sample-DB open for its whole lifetime; Registry evicts the
// least-recently-used handle with no outstanding callers to make room.
type Registry struct {
	dir     string
	maxOpen int

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
}

// New creates a registry rooted at dir, which holds at most maxOpen
// Sample-DB files open at once.
func New(dir string, maxOpen int) *Registry {
	return &Registry{
		dir:     dir,
		maxOpen: maxOpen,
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
}

// Get returns the Sample-DB handle for key, opening (and, if the file is
// new, initializing its header from meta) it if necessary. The returned
// release function must be called exactly once when the caller is done
// with the handle.
func (r *Registry) Get(key Key, meta Header) (db *sampledb.DB, release func(), err error) {
	path := key.Path()

	r.mu.Lock()
	if e, ok := r.entries[path]; ok {
		e.refcount++
		r.lru.MoveToFront(e.elem)
		r.mu.Unlock()
		return e.db, r.releaseFunc(path), nil
	}

	if len(r.entries) >= r.maxOpen {
		r.lruClearLocked()
	}
	r.mu.Unlock()

	full := filepath.Join(r.dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, nil, fmt.Errorf("registry: mkdir for %s: %w", path, err)
	}

	isNew := false
	if _, statErr := os.Stat(full); statErr != nil {
		isNew = true
	}

	handle, err := sampledb.Open(full, sampledb.ReadWrite, HeaderSize)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	if isNew {
		meta.Magic = HeaderMagic
		meta.Version = HeaderVersion
		meta.Encode(handle.Header())
	} else if err := Validate(handle.Header(), meta); err != nil {
		handle.Close()
		return nil, nil, fmt.Errorf("registry: reopen %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have raced us to open the same key; prefer
	// the one already registered and discard ours.
	if e, ok := r.entries[path]; ok {
		e.refcount++
		r.lru.MoveToFront(e.elem)
		handle.Close()
		return e.db, r.releaseFunc(path), nil
	}

	e := &entry{key: key, db: handle, refcount: 1}
	e.elem = r.lru.PushFront(path)
	r.entries[path] = e
	return e.db, r.releaseFunc(path), nil
}

func (r *Registry) releaseFunc(path string) func() {
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		e, ok := r.entries[path]
		if !ok {
			return
		}
		e.refcount--
	}
}

// lruClearLocked evicts least-recently-used entries with no outstanding
// references until the registry is under its open-file budget, or gives
// up once every remaining entry is pinned (refcount > 0).
func (r *Registry) lruClearLocked() {
	for elem := r.lru.Back(); elem != nil; {
		prev := elem.Prev()
		path := elem.Value.(string)
		e := r.entries[path]
		if e.refcount == 0 {
			e.db.Sync()
			e.db.Close()
			delete(r.entries, path)
			r.lru.Remove(elem)
			if len(r.entries) < r.maxOpen {
				return
			}
		}
		elem = prev
	}
}

// SyncAll flushes every currently open Sample-DB to disk without
// closing it.
func (r *Registry) SyncAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, e := range r.entries {
		if err := e.db.Sync(); err != nil {
			return fmt.Errorf("registry: sync %s: %w", path, err)
		}
	}
	return nil
}

// Close syncs and closes every open Sample-DB. The registry must not be
// used afterward.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for path, e := range r.entries {
		if err := e.db.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("registry: sync %s: %w", path, err)
		}
		if err := e.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("registry: close %s: %w", path, err)
		}
	}
	r.entries = make(map[string]*entry)
	r.lru = list.New()
	return firstErr
}

// Len returns the number of currently open Sample-DB handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
