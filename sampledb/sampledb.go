// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sampledb implements the sample-file on-disk format: a
// memory-mapped, file-backed, growable open-addressed hash table keyed on
// a 32-bit instruction-pointer offset with a 32-bit saturating counter as
// its value.
//
// The on-disk layout is a caller-sized header, a fixed descriptor, a
// node array, and a hash table of node indices. Capacity doubling
// preserves the node array in place and only rebuilds the hash region,
// so node indices -- not pointers -- are what gets stored on disk;
// that's what lets a profiling run resume into an existing sample file
// across sessions.
package sampledb

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// BucketFactor is the number of hash-table entries per node. Hashing
// instruction-pointer offsets distributes poorly (binaries cluster in a
// narrow range of low-order bits), so a bucket factor of 1 and a cheap,
// weak hash function trade a few extra chain walks for O(1) amortized
// insert. Changing it is a file-format break.
const BucketFactor = 1

// DefaultCapacity is the node-array capacity (and hash-table size, times
// BucketFactor) a freshly created Sample-DB starts with. It must be a
// power of two.
const DefaultCapacity = 64

const (
	descrSize = 4 + 4 + 6*4 // Capacity, UsedCount, 6 reserved int32 words
	nodeSize  = 4 + 4 + 4   // Key, Value, Next
	hashEntry = 4
)

// Mode selects how a Sample-DB file is opened.
type Mode int

const (
	// ReadWrite creates the file if it is absent and maps it writable.
	ReadWrite Mode = iota
	// ReadOnly maps an existing file without permitting mutation.
	ReadOnly
)

// DB is an open handle to a Sample-DB file.
type DB struct {
	path       string
	mode       Mode
	f          *os.File
	mmap       []byte
	headerSize int

	capacity  uint32
	usedCount uint32
}

// Open opens or creates the Sample-DB file at path. headerSize reserves
// that many bytes at the start of the file for caller-defined metadata
// (see Header). On ReadWrite, a file that doesn't yet exist is created
// with DefaultCapacity and a zeroed header.
func Open(path string, mode Mode, headerSize int) (*DB, error) {
	flags := os.O_RDONLY
	if mode == ReadWrite {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("sampledb: open %s: %w", path, err)
	}

	db := &DB{path: path, mode: mode, f: f, headerSize: headerSize}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sampledb: stat %s: %w", path, err)
	}

	if fi.Size() == 0 {
		if mode != ReadWrite {
			f.Close()
			return nil, fmt.Errorf("sampledb: %s: empty file opened read-only", path)
		}
		if err := db.initEmpty(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := db.mapExisting(fi.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}

	return db, nil
}

func (db *DB) fileSize(capacity uint32) int64 {
	return int64(db.headerSize) + descrSize + int64(capacity)*nodeSize + BucketFactor*int64(capacity)*hashEntry
}

func (db *DB) initEmpty() error {
	size := db.fileSize(DefaultCapacity)
	if err := db.f.Truncate(size); err != nil {
		return fmt.Errorf("sampledb: truncate %s: %w", db.path, err)
	}
	if err := db.mmapAt(size); err != nil {
		return err
	}
	db.capacity = DefaultCapacity
	db.usedCount = 1 // node 0 is reserved
	db.putDescr()
	return nil
}

func (db *DB) mapExisting(size int64) error {
	if err := db.mmapAt(size); err != nil {
		return err
	}
	cap, used := db.getDescr()
	if cap == 0 || cap&(cap-1) != 0 {
		db.munmapOnly()
		return fmt.Errorf("sampledb: %s: capacity %d is not a power of two", db.path, cap)
	}
	if used > cap {
		db.munmapOnly()
		return fmt.Errorf("sampledb: %s: used_count %d exceeds capacity %d", db.path, used, cap)
	}
	want := db.fileSize(cap)
	if want != size {
		db.munmapOnly()
		return fmt.Errorf("sampledb: %s: file size %d inconsistent with capacity %d (want %d)", db.path, size, cap, want)
	}
	db.capacity = cap
	db.usedCount = used
	return nil
}

func (db *DB) mmapAt(size int64) error {
	prot := unix.PROT_READ
	if db.mode == ReadWrite {
		prot |= unix.PROT_WRITE
	}
	m, err := unix.Mmap(int(db.f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("sampledb: mmap %s: %w", db.path, err)
	}
	db.mmap = m
	return nil
}

func (db *DB) munmapOnly() {
	if db.mmap != nil {
		unix.Munmap(db.mmap)
		db.mmap = nil
	}
}

// Header returns the caller-reserved header bytes at the start of the
// file. The caller is responsible for its own encoding within this
// slice.
func (db *DB) Header() []byte {
	return db.mmap[:db.headerSize]
}

func (db *DB) descrOff() int { return db.headerSize }
func (db *DB) nodeOff() int  { return db.descrOff() + descrSize }
func (db *DB) hashOff() int  { return db.nodeOff() + int(db.capacity)*nodeSize }

func (db *DB) getDescr() (capacity, used uint32) {
	b := db.mmap[db.descrOff():]
	capacity = binary.LittleEndian.Uint32(b[0:4])
	used = binary.LittleEndian.Uint32(b[4:8])
	return
}

func (db *DB) putDescr() {
	b := db.mmap[db.descrOff():]
	binary.LittleEndian.PutUint32(b[0:4], db.capacity)
	binary.LittleEndian.PutUint32(b[4:8], db.usedCount)
}

func (db *DB) getNode(i uint32) (key, value, next uint32) {
	b := db.mmap[db.nodeOff()+int(i)*nodeSize:]
	key = binary.LittleEndian.Uint32(b[0:4])
	value = binary.LittleEndian.Uint32(b[4:8])
	next = binary.LittleEndian.Uint32(b[8:12])
	return
}

func (db *DB) putNode(i, key, value, next uint32) {
	b := db.mmap[db.nodeOff()+int(i)*nodeSize:]
	binary.LittleEndian.PutUint32(b[0:4], key)
	binary.LittleEndian.PutUint32(b[4:8], value)
	binary.LittleEndian.PutUint32(b[8:12], next)
}

func (db *DB) getHash(bucket uint32) uint32 {
	b := db.mmap[db.hashOff()+int(bucket)*hashEntry:]
	return binary.LittleEndian.Uint32(b[0:4])
}

func (db *DB) putHash(bucket, node uint32) {
	b := db.mmap[db.hashOff()+int(bucket)*hashEntry:]
	binary.LittleEndian.PutUint32(b[0:4], node)
}

// doHash is deliberately weak but cheap, since instruction-pointer
// offsets cluster tightly within a binary and a stronger hash didn't
// measurably improve distribution in practice. Changing it is a
// file-format break, so it's frozen.
func doHash(key, hashMask uint32) uint32 {
	return ((key << 0) ^ (key >> 8)) & hashMask
}

// InsertOrAdd increments the value stored for key by delta, inserting a
// new node if key is absent. The sum saturates at math.MaxUint32.
func (db *DB) InsertOrAdd(key uint32, delta uint32) error {
	if db.mode != ReadWrite {
		return fmt.Errorf("sampledb: %s: insert on read-only handle", db.path)
	}

	hashMask := db.capacity - 1
	bucket := doHash(key, hashMask)
	for ni := db.getHash(bucket); ni != 0; {
		k, v, next := db.getNode(ni)
		if k == key {
			sum := uint64(v) + uint64(delta)
			if sum > math.MaxUint32 {
				sum = math.MaxUint32
			}
			db.putNode(ni, k, uint32(sum), next)
			return nil
		}
		ni = next
	}

	if db.usedCount == db.capacity {
		if err := db.grow(); err != nil {
			return err
		}
		hashMask = db.capacity - 1
		bucket = doHash(key, hashMask)
	}

	ni := db.usedCount
	db.usedCount++
	head := db.getHash(bucket)
	db.putNode(ni, key, delta, head)
	db.putHash(bucket, ni)
	db.putDescr()
	return nil
}

// grow doubles the Sample-DB's capacity. The node array is preserved in
// place; only the hash-table region is rebuilt, by walking every live
// node and re-inserting it into the enlarged hash array.
func (db *DB) grow() error {
	newCapacity := db.capacity * 2
	newSize := db.fileSize(newCapacity)

	unix.Munmap(db.mmap)
	db.mmap = nil
	if err := db.f.Truncate(newSize); err != nil {
		return fmt.Errorf("sampledb: %s: grow truncate to %d: %w", db.path, newSize, err)
	}
	if err := db.mmapAt(newSize); err != nil {
		return fmt.Errorf("sampledb: %s: grow remap: %w", db.path, err)
	}

	db.capacity = newCapacity
	db.putDescr()

	hashRegion := db.mmap[db.hashOff():]
	for i := range hashRegion {
		hashRegion[i] = 0
	}

	hashMask := db.capacity - 1
	for ni := uint32(1); ni < db.usedCount; ni++ {
		key, _, _ := db.getNode(ni)
		bucket := doHash(key, hashMask)
		_, value, _ := db.getNode(ni)
		head := db.getHash(bucket)
		db.putNode(ni, key, value, head)
		db.putHash(bucket, ni)
	}
	return nil
}

// Entry is one (key, value) pair yielded by Iterate.
type Entry struct {
	Key   uint32
	Value uint32
}

// Iterate calls yield for every live (key, value) pair in the database,
// skipping the reserved node 0 and any slot whose key and value are
// both still zero (never written); a zero key with a nonzero value is
// a real offset-0 entry and is yielded. Iteration order is node-allocation order, not hash or
// key order, and requires no lookup through the hash region, so it
// remains valid even for a format whose hash function has since changed.
func (db *DB) Iterate(yield func(Entry) bool) {
	for i := uint32(1); i < db.usedCount; i++ {
		key, value, _ := db.getNode(i)
		if key == 0 && value == 0 {
			continue
		}
		if !yield(Entry{key, value}) {
			return
		}
	}
}

// Len returns the number of live entries (excluding the reserved node).
func (db *DB) Len() int {
	return int(db.usedCount) - 1
}

// Sync flushes the whole mapping (header, descriptor, node array, and
// hash table) to disk.
func (db *DB) Sync() error {
	used := db.fileSize(db.capacity)
	if err := unix.Msync(db.mmap[:used], unix.MS_SYNC); err != nil {
		return fmt.Errorf("sampledb: %s: msync: %w", db.path, err)
	}
	return nil
}

// Close unmaps and closes the handle. The caller should Sync first if it
// wants data durably flushed before Close.
func (db *DB) Close() error {
	db.munmapOnly()
	return db.f.Close()
}
