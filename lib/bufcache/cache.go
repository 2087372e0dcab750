// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package bufcache holds the per-inode dirty write buffers and the
// per-inode lock table. A buffer exists only after the first write to
// an inode through an open handle; it coalesces any number of syscall
// writes into the single byte vector that a flush turns into one new
// version.
package bufcache

import "sync"

// Seed reads the inode's current object so the buffer starts from the
// committed content. Called at most once per buffer lifetime, under
// the inode's lock.
type Seed func() ([]byte, error)

// Cache is the buffer table. All entry access must happen with the
// inode's lock held (LockInode); the internal mutex only guards the
// maps themselves.
type Cache struct {
	mu      sync.Mutex
	buffers map[int64][]byte
	locks   map[int64]*inodeLock
}

// inodeLock is one entry of the lock table. holders counts goroutines
// holding or waiting on the lock so that pruning never discards a
// mutex someone is queued behind.
type inodeLock struct {
	mu      sync.Mutex
	holders int
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		buffers: make(map[int64][]byte),
		locks:   make(map[int64]*inodeLock),
	}
}

// LockInode acquires the inode's mutex and returns the release
// function. All buffer mutation and the whole of a flush drain run
// under this lock, serializing writes and flushes per inode while
// distinct inodes proceed in parallel.
//
// The lock table is pruned on release: an entry with no waiters and
// no buffer is dropped, bounding the table to inodes actually in use.
func (c *Cache) LockInode(inode int64) (release func()) {
	c.mu.Lock()
	lock := c.locks[inode]
	if lock == nil {
		lock = &inodeLock{}
		c.locks[inode] = lock
	}
	lock.holders++
	c.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		c.mu.Lock()
		lock.holders--
		if lock.holders == 0 {
			if _, buffered := c.buffers[inode]; !buffered {
				delete(c.locks, inode)
			}
		}
		c.mu.Unlock()
	}
}

// Write merges data into the inode's buffer at offset, seeding the
// buffer from the current object on first write and zero-filling any
// gap between the buffer's end and the offset. Returns the number of
// bytes accepted, always len(data).
//
// The caller must hold the inode's lock.
func (c *Cache) Write(inode int64, offset int64, data []byte, seed Seed) (int, error) {
	buf, err := c.ensure(inode, seed)
	if err != nil {
		return 0, err
	}

	end := offset + int64(len(data))
	if end > int64(len(buf)) {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:end], data)

	c.mu.Lock()
	c.buffers[inode] = buf
	c.mu.Unlock()
	return len(data), nil
}

// Truncate sets the buffer to the given size, shortening or
// zero-extending, seeding first if no buffer exists.
//
// The caller must hold the inode's lock.
func (c *Cache) Truncate(inode int64, size int64, seed Seed) error {
	buf, err := c.ensure(inode, seed)
	if err != nil {
		return err
	}

	if size <= int64(len(buf)) {
		buf = buf[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, buf)
		buf = grown
	}

	c.mu.Lock()
	c.buffers[inode] = buf
	c.mu.Unlock()
	return nil
}

// ensure returns the inode's buffer, seeding it if absent.
func (c *Cache) ensure(inode int64, seed Seed) ([]byte, error) {
	c.mu.Lock()
	buf, ok := c.buffers[inode]
	c.mu.Unlock()
	if ok {
		return buf, nil
	}

	seeded, err := seed()
	if err != nil {
		return nil, err
	}
	// Copy: the seed may alias store-owned bytes.
	buf = make([]byte, len(seeded))
	copy(buf, seeded)

	c.mu.Lock()
	c.buffers[inode] = buf
	c.mu.Unlock()
	return buf, nil
}

// Read returns up to length bytes from the buffer at offset, and
// whether a buffer exists at all. A reader observing its own
// in-flight writes goes through here before falling back to the
// object store.
func (c *Cache) Read(inode int64, offset int64, length int) ([]byte, bool) {
	c.mu.Lock()
	buf, ok := c.buffers[inode]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	if offset >= int64(len(buf)) {
		return nil, true
	}
	end := offset + int64(length)
	if end > int64(len(buf)) {
		end = int64(len(buf))
	}
	out := make([]byte, end-offset)
	copy(out, buf[offset:end])
	return out, true
}

// Len returns the buffer length and whether a buffer exists. getattr
// reports this as the size of a dirty file.
func (c *Cache) Len(inode int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[inode]
	return int64(len(buf)), ok
}

// Dirty reports whether the inode has a buffer. A buffer only exists
// after a write, so a clean release never creates a version.
func (c *Cache) Dirty(inode int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.buffers[inode]
	return ok
}

// Take detaches and returns the inode's buffer for a flush drain. If
// the drain's metadata commit fails, put the bytes back with Restore
// so the writes are not lost.
//
// The caller must hold the inode's lock.
func (c *Cache) Take(inode int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[inode]
	if ok {
		delete(c.buffers, inode)
	}
	return buf, ok
}

// Restore re-attaches a buffer taken by Take after a failed drain.
//
// The caller must hold the inode's lock.
func (c *Cache) Restore(inode int64, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffers[inode] = buf
}

// Drop discards the inode's buffer, if any. Called when the last
// handle on an inode closes.
func (c *Cache) Drop(inode int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, inode)
}
