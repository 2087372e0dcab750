// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package fusefs

import (
	"context"
	"errors"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cowfs-io/cowfs/lib/digest"
	"github.com/cowfs-io/cowfs/lib/metadata"
)

// fileHandle is one open file descriptor. It owns no buffer itself —
// buffers belong to the inode in the shared cache, so two handles on
// one inode observe the same in-flight bytes.
type fileHandle struct {
	cfs   *FS
	inode int64
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileWriter = (*fileHandle)(nil)
var _ gofuse.FileFlusher = (*fileHandle)(nil)
var _ gofuse.FileFsyncer = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

// Read serves from the dirty buffer when present — a reader observes
// its own unflushed writes — and otherwise slices the current
// version's blob.
func (h *fileHandle) Read(ctx context.Context, dest []byte, offset int64) (fuse.ReadResult, syscall.Errno) {
	// The inode lock orders this read against concurrent writes and
	// in-progress flushes on the same inode.
	release := h.cfs.bufs.LockInode(h.inode)
	data, buffered := h.cfs.bufs.Read(h.inode, offset, len(dest))
	release()
	if buffered {
		return fuse.ReadResultData(data), 0
	}

	version, err := h.cfs.backend.DB.CurrentVersion(ctx, h.inode)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return fuse.ReadResultData(nil), 0
		}
		return nil, errno(err)
	}

	d, err := digest.Parse(version.Digest)
	if err != nil {
		h.cfs.logger.Error("corrupt digest on version",
			"inode", h.inode,
			"version", version.ID,
		)
		return nil, syscall.EIO
	}

	data, err = h.cfs.backend.Store.GetSlice(d, offset, len(dest))
	if err != nil {
		h.cfs.logger.Error("object read failed",
			"inode", h.inode,
			"digest", digest.Short(d),
			"error", err,
		)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(data), 0
}

// Write merges data into the inode's buffer under the inode lock. No
// disk I/O and no version happen here; the drain comes at flush.
func (h *fileHandle) Write(ctx context.Context, data []byte, offset int64) (uint32, syscall.Errno) {
	release := h.cfs.bufs.LockInode(h.inode)
	defer release()

	n, err := h.cfs.bufs.Write(h.inode, offset, data, h.cfs.seed(ctx, h.inode))
	if err != nil {
		h.cfs.logger.Error("buffer write failed",
			"inode", h.inode,
			"offset", offset,
			"error", err,
		)
		return 0, syscall.EIO
	}
	return uint32(n), 0
}

// Flush drains the buffer into one new version. Safe to call any
// number of times; a clean inode is a no-op, so closing a read-only
// descriptor never creates a version.
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return h.cfs.flushInode(ctx, h.inode)
}

// Fsync is flush: durability of the blob is part of the drain.
func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return h.cfs.flushInode(ctx, h.inode)
}

// Release flushes, then frees the handle; the inode's buffer is
// dropped when the last handle closes.
func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	code := h.cfs.flushInode(ctx, h.inode)

	if last := h.cfs.releaseHandle(h.inode); last {
		release := h.cfs.bufs.LockInode(h.inode)
		h.cfs.bufs.Drop(h.inode)
		release()
	}
	return code
}
