// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package fusefs

import (
	"context"
	"errors"
	"path"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/cowfs-io/cowfs/lib/digest"
	"github.com/cowfs-io/cowfs/lib/metadata"
)

// node represents one inode to the kernel. All state lives in the
// metadata index; the node carries only the shared handler.
type node struct {
	gofuse.Inode
	cfs *FS
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeSetattrer = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeCreater = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeRenamer = (*node)(nil)
var _ gofuse.NodeStatfser = (*node)(nil)

// ino returns the metadata inode id. The root node's number is 1,
// matching metadata.RootInodeID.
func (n *node) ino() int64 {
	return int64(n.StableAttr().Ino)
}

// fillAttr populates a fuse.Attr from an inode row. A dirty buffer's
// length wins over the committed size so a writer sees its own
// in-flight bytes in stat.
func (n *node) fillAttr(ctx context.Context, row *metadata.Inode, attr *fuse.Attr) syscall.Errno {
	attr.Ino = uint64(row.ID)
	attr.Mode = row.Mode
	attr.Owner = fuse.Owner{Uid: row.UID, Gid: row.GID}
	attr.Blksize = 4096

	switch {
	case row.IsDir:
		attr.Nlink = 2
		attr.Size = 4096
	default:
		attr.Nlink = 1
		if length, dirty := n.cfs.bufs.Len(row.ID); dirty {
			attr.Size = uint64(length)
		} else if row.CurrentVersionID != 0 {
			version, err := n.cfs.backend.DB.CurrentVersion(ctx, row.ID)
			if err != nil {
				return errno(err)
			}
			attr.Size = uint64(version.Size)
		}
	}
	attr.Blocks = (attr.Size + 511) / 512

	created := uint64(row.CreatedAt.Unix())
	updated := uint64(row.UpdatedAt.Unix())
	attr.Atime = updated
	attr.Mtime = updated
	attr.Ctime = created
	return 0
}

// stableAttrFor builds the kernel identity of a child: metadata id as
// inode number, file type from the mode.
func stableAttrFor(row *metadata.Inode) gofuse.StableAttr {
	mode := uint32(syscall.S_IFREG)
	if row.IsDir {
		mode = syscall.S_IFDIR
	}
	return gofuse.StableAttr{Mode: mode, Ino: uint64(row.ID)}
}

// childPath joins a parent row's path with a child name.
func childPath(parent *metadata.Inode, name string) string {
	return path.Join(parent.Path, name)
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	row, err := n.cfs.backend.DB.Lookup(ctx, n.ino(), name)
	if err != nil {
		return nil, errno(err)
	}
	if code := n.fillAttr(ctx, row, &out.Attr); code != 0 {
		return nil, code
	}
	child := n.NewInode(ctx, &node{cfs: n.cfs}, stableAttrFor(row))
	return child, 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	row, err := n.cfs.backend.DB.GetInode(ctx, n.ino())
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			// The kernel handed us a handle for a row that is gone:
			// stale, not merely absent.
			return syscall.ESTALE
		}
		return errno(err)
	}
	return n.fillAttr(ctx, row, &out.Attr)
}

func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	inode := n.ino()

	var update metadata.AttrUpdate
	if mode, ok := in.GetMode(); ok {
		// Preserve the file-type bits; chmod only replaces the
		// permission bits.
		row, err := n.cfs.backend.DB.GetInode(ctx, inode)
		if err != nil {
			return errno(err)
		}
		merged := (row.Mode &^ 0o7777) | (mode & 0o7777)
		update.Mode = &merged
	}
	if uid, ok := in.GetUID(); ok {
		update.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		update.GID = &gid
	}

	_, touchMtime := in.GetMTime()

	if update.Mode != nil || update.UID != nil || update.GID != nil || touchMtime {
		err := n.cfs.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
			if update.Mode != nil || update.UID != nil || update.GID != nil {
				if _, txErr := tx.UpdateAttrs(inode, update); txErr != nil {
					return txErr
				}
			}
			if touchMtime {
				return tx.TouchInode(inode)
			}
			return nil
		})
		if err != nil {
			return errno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		release := n.cfs.bufs.LockInode(inode)
		err := n.cfs.bufs.Truncate(inode, int64(size), n.cfs.seed(ctx, inode))
		release()
		if err != nil {
			return errno(err)
		}
		// truncate(2) arrives with no file handle; with nothing open
		// to flush later, drain now so the size change is durable.
		if n.cfs.openCount(inode) == 0 {
			if code := n.cfs.flushInode(ctx, inode); code != 0 {
				return code
			}
		}
	}

	return n.Getattr(ctx, f, out)
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	children, err := n.cfs.backend.DB.ListChildren(ctx, n.ino())
	if err != nil {
		return nil, errno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(children))
	for _, child := range children {
		mode := uint32(syscall.S_IFREG)
		if child.IsDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{
			Name: child.Name,
			Ino:  uint64(child.ID),
			Mode: mode,
		})
	}
	return gofuse.NewListDirStream(entries), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	inode := n.ino()
	row, err := n.cfs.backend.DB.GetInode(ctx, inode)
	if err != nil {
		return nil, 0, errno(err)
	}
	if row.IsDir {
		return nil, 0, syscall.EISDIR
	}

	n.cfs.retain(inode)
	return &fileHandle{cfs: n.cfs, inode: inode}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	caller, _ := fuse.FromContext(ctx)

	// A fresh file's single version points at the well-known empty
	// object; the blob is seeded here so reads always resolve, and
	// reference counting treats it like any other object.
	emptyDigest, err := n.cfs.backend.Store.Put(nil)
	if err != nil {
		return nil, nil, 0, syscall.EIO
	}

	var row *metadata.Inode
	err = n.cfs.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
		parent, txErr := tx.GetInode(n.ino())
		if txErr != nil {
			return txErr
		}
		row, txErr = tx.CreateInode(metadata.CreateInodeParams{
			ParentID: parent.ID,
			Name:     name,
			Path:     childPath(parent, name),
			Mode:     syscall.S_IFREG | (mode & 0o7777),
			UID:      callerUID(caller),
			GID:      callerGID(caller),
		})
		if txErr != nil {
			return txErr
		}
		if _, txErr = tx.AppendVersion(row.ID, digest.Format(emptyDigest), 0, metadata.EventCreate); txErr != nil {
			return txErr
		}
		row, txErr = tx.GetInode(row.ID)
		return txErr
	})
	if err != nil {
		return nil, nil, 0, errno(err)
	}

	if code := n.fillAttr(ctx, row, &out.Attr); code != 0 {
		return nil, nil, 0, code
	}
	child := n.NewInode(ctx, &node{cfs: n.cfs}, stableAttrFor(row))
	n.cfs.retain(row.ID)
	return child, &fileHandle{cfs: n.cfs, inode: row.ID}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	caller, _ := fuse.FromContext(ctx)

	var row *metadata.Inode
	err := n.cfs.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
		parent, txErr := tx.GetInode(n.ino())
		if txErr != nil {
			return txErr
		}
		row, txErr = tx.CreateInode(metadata.CreateInodeParams{
			ParentID: parent.ID,
			Name:     name,
			Path:     childPath(parent, name),
			IsDir:    true,
			Mode:     syscall.S_IFDIR | (mode & 0o7777),
			UID:      callerUID(caller),
			GID:      callerGID(caller),
		})
		if txErr != nil {
			return txErr
		}
		return tx.RecordEvent(metadata.EventMkdir, row.Path, 0, "")
	})
	if err != nil {
		return nil, errno(err)
	}

	if code := n.fillAttr(ctx, row, &out.Attr); code != 0 {
		return nil, code
	}
	return n.NewInode(ctx, &node{cfs: n.cfs}, stableAttrFor(row)), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	err := n.cfs.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
		row, txErr := tx.Lookup(n.ino(), name)
		if txErr != nil {
			return txErr
		}
		if row.IsDir {
			return errIsDir
		}
		return softDeleteFile(tx, row)
	})
	if errors.Is(err, errIsDir) {
		return syscall.EISDIR
	}
	return errno(err)
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	err := n.cfs.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
		row, txErr := tx.Lookup(n.ino(), name)
		if txErr != nil {
			return txErr
		}
		if !row.IsDir {
			return errNotDir
		}
		children, txErr := tx.ListChildren(row.ID)
		if txErr != nil {
			return txErr
		}
		if len(children) > 0 {
			return errNotEmpty
		}
		return tx.SoftDeleteInode(row.ID, metadata.EventDelete)
	})
	switch {
	case errors.Is(err, errNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, errNotEmpty):
		return syscall.ENOTEMPTY
	}
	return errno(err)
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newParentID := int64(newParent.EmbeddedInode().StableAttr().Ino)

	err := n.cfs.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
		source, txErr := tx.Lookup(n.ino(), name)
		if txErr != nil {
			return txErr
		}
		destParent, txErr := tx.GetInode(newParentID)
		if txErr != nil {
			return txErr
		}

		// An existing destination is atomically replaced: soft-delete
		// it (no terminal version on its chain) and release its hold
		// on its current object. A non-empty directory refuses.
		destination, txErr := tx.Lookup(newParentID, newName)
		switch {
		case txErr == nil:
			if destination.IsDir {
				children, childErr := tx.ListChildren(destination.ID)
				if childErr != nil {
					return childErr
				}
				if len(children) > 0 {
					return errNotEmpty
				}
				if childErr := tx.SoftDeleteInode(destination.ID, metadata.EventDelete); childErr != nil {
					return childErr
				}
			} else {
				if childErr := softDeleteFile(tx, destination); childErr != nil {
					return childErr
				}
			}
		case !errors.Is(txErr, metadata.ErrNotFound):
			return txErr
		}

		return tx.RenameInode(source.ID, newParentID, newName, childPath(destParent, newName))
	})
	if errors.Is(err, errNotEmpty) {
		return syscall.ENOTEMPTY
	}
	return errno(err)
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	stats, err := n.cfs.backend.DB.Stats(ctx)
	if err != nil {
		return errno(err)
	}

	var fsStat unix.Statfs_t
	if statErr := unix.Statfs(n.cfs.backend.Root, &fsStat); statErr == nil {
		out.Blocks = uint64(fsStat.Blocks)
		out.Bfree = uint64(fsStat.Bfree)
		out.Bavail = uint64(fsStat.Bavail)
		out.Bsize = uint32(fsStat.Bsize)
		out.Frsize = uint32(fsStat.Bsize)
	} else {
		out.Bsize = 4096
		out.Frsize = 4096
	}

	out.Files = uint64(stats.TotalFiles)
	out.Ffree = 0
	out.NameLen = 255
	return 0
}

// softDeleteFile marks a regular file deleted and releases its hold
// on its current version's object.
func softDeleteFile(tx *metadata.Tx, row *metadata.Inode) error {
	current, err := tx.CurrentVersion(row.ID)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return err
	}
	if err := tx.SoftDeleteInode(row.ID, metadata.EventDelete); err != nil {
		return err
	}
	if current != nil {
		if _, err := tx.DecrementRef(current.Digest); err != nil {
			return err
		}
	}
	return nil
}

// Internal sentinels mapped to errnos at the operation boundary.
var (
	errIsDir    = errors.New("is a directory")
	errNotDir   = errors.New("not a directory")
	errNotEmpty = errors.New("directory not empty")
)

func callerUID(caller *fuse.Caller) uint32 {
	if caller == nil {
		return 0
	}
	return caller.Uid
}

func callerGID(caller *fuse.Caller) uint32 {
	if caller == nil {
		return 0
	}
	return caller.Gid
}
