// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package fusefs is the kernel-facing operation handler. It maps FUSE
// operations onto the metadata index, the object store, and the
// write-buffer cache, preserving copy-on-write semantics: syscall
// writes land only in the per-inode buffer, and one version is
// appended per flush.
//
// Kernel inode numbers equal metadata inode ids; the root is inode 1.
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cowfs-io/cowfs/lib/backend"
	"github.com/cowfs-io/cowfs/lib/bufcache"
	"github.com/cowfs-io/cowfs/lib/digest"
	"github.com/cowfs-io/cowfs/lib/metadata"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	// Created if absent; must be empty.
	Mountpoint string

	// Backend is the open backend to serve.
	Backend *backend.Backend

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// AttrTimeout is the kernel entry/attribute cache timeout. Zero
	// uses one second.
	AttrTimeout time.Duration

	// Debug enables go-fuse protocol tracing.
	Debug bool

	// Logger receives diagnostic messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// FS is the shared handler state behind every node and handle.
type FS struct {
	backend *backend.Backend
	bufs    *bufcache.Cache
	logger  *slog.Logger

	// mu guards handles: open handle count per inode. The buffer of
	// an inode is dropped when its last handle closes.
	mu      sync.Mutex
	handles map[int64]int
}

// Mount mounts a COWFS backend at the configured mountpoint and
// returns the serving fuse.Server. The caller unmounts with
// server.Unmount and waits with server.Wait.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.AttrTimeout == 0 {
		options.AttrTimeout = time.Second
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	cfs := &FS{
		backend: options.Backend,
		bufs:    bufcache.New(),
		logger:  options.Logger,
		handles: make(map[int64]int),
	}

	entryTimeout := options.AttrTimeout
	attrTimeout := options.AttrTimeout
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, &node{cfs: cfs}, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName: "cowfs",
			Name:   "cowfs",

			AllowOther: options.AllowOther,
			Debug:      options.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("filesystem mounted",
		"backend", options.Backend.Root,
		"mountpoint", options.Mountpoint,
	)
	return server, nil
}

// errno maps metadata errors to POSIX codes. Logical conditions have
// exact codes; everything else is an I/O failure.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, metadata.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, metadata.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, metadata.ErrCorrupt):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// retain registers one more open handle on an inode.
func (c *FS) retain(inode int64) {
	c.mu.Lock()
	c.handles[inode]++
	c.mu.Unlock()
}

// releaseHandle drops one handle and reports whether it was the last.
func (c *FS) releaseHandle(inode int64) (last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[inode]--
	if c.handles[inode] <= 0 {
		delete(c.handles, inode)
		return true
	}
	return false
}

// openCount returns the number of open handles on an inode.
func (c *FS) openCount(inode int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[inode]
}

// seed returns a Seed reading the inode's committed content, for the
// buffer cache's lazy first-write population.
func (c *FS) seed(ctx context.Context, inode int64) bufcache.Seed {
	return func() ([]byte, error) {
		version, err := c.backend.DB.CurrentVersion(ctx, inode)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		d, err := digest.Parse(version.Digest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", metadata.ErrCorrupt, err)
		}
		return c.backend.Store.Get(d)
	}
}

// flushInode drains the inode's dirty buffer into one new version:
// hash and store the blob (durably), then append the version row,
// move the current pointer, and bump the object reference in a single
// metadata transaction. Holding the inode lock for the whole drain
// keeps two flushes from interleaving. A clean inode is a no-op.
//
// If the metadata commit fails the blob stays behind as an orphan for
// GC, the previous version remains current, and the buffer is
// restored so the writes are not lost.
func (c *FS) flushInode(ctx context.Context, inode int64) syscall.Errno {
	release := c.bufs.LockInode(inode)
	defer release()

	data, dirty := c.bufs.Take(inode)
	if !dirty {
		return 0
	}

	d, err := c.backend.Store.Put(data)
	if err != nil {
		c.bufs.Restore(inode, data)
		c.logger.Error("blob write failed during flush",
			"inode", inode,
			"error", err,
		)
		return syscall.EIO
	}

	err = c.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
		_, txErr := tx.AppendVersion(inode, digest.Format(d), int64(len(data)), metadata.EventWrite)
		return txErr
	})
	if err != nil {
		c.bufs.Restore(inode, data)
		c.logger.Error("metadata commit failed during flush; blob left for gc",
			"inode", inode,
			"digest", digest.Short(d),
			"error", err,
		)
		return syscall.EIO
	}

	c.logger.Debug("flushed inode",
		"inode", inode,
		"digest", digest.Short(d),
		"size", len(data),
	)
	return 0
}
