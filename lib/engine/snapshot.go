// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cowfs-io/cowfs/lib/metadata"
)

// SnapshotCreate captures the current version of every non-deleted
// regular file under a unique name, in one transaction.
func (e *Engine) SnapshotCreate(ctx context.Context, name, description string) (*metadata.Snapshot, error) {
	if name == "" {
		return nil, fmt.Errorf("snapshot name must not be empty")
	}

	var snapshot *metadata.Snapshot
	err := e.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
		var txErr error
		snapshot, txErr = tx.CreateSnapshot(name, description)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("created snapshot",
		"name", name,
		"files", snapshot.FileCount,
	)
	return snapshot, nil
}

// SnapshotList returns all snapshots, oldest first.
func (e *Engine) SnapshotList(ctx context.Context) ([]*metadata.Snapshot, error) {
	var snapshots []*metadata.Snapshot
	err := e.backend.DB.Read(ctx, func(tx *metadata.Tx) error {
		var txErr error
		snapshots, txErr = tx.ListSnapshots()
		return txErr
	})
	return snapshots, err
}

// SnapshotShow returns a snapshot and its captured files.
func (e *Engine) SnapshotShow(ctx context.Context, name string) (*metadata.Snapshot, []*metadata.SnapshotFile, error) {
	var snapshot *metadata.Snapshot
	var files []*metadata.SnapshotFile
	err := e.backend.DB.Read(ctx, func(tx *metadata.Tx) error {
		var txErr error
		snapshot, txErr = tx.SnapshotByName(name)
		if txErr != nil {
			if errors.Is(txErr, metadata.ErrNotFound) {
				return fmt.Errorf("no snapshot named %s: %w", name, metadata.ErrNotFound)
			}
			return txErr
		}
		files, txErr = tx.SnapshotFiles(snapshot.ID)
		return txErr
	})
	if err != nil {
		return nil, nil, err
	}
	return snapshot, files, nil
}

// SnapshotDelete removes a snapshot and its entries. Objects the
// snapshot pinned stay on disk until GC finds them unreferenced.
func (e *Engine) SnapshotDelete(ctx context.Context, name string) error {
	err := e.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
		snapshot, err := tx.SnapshotByName(name)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return fmt.Errorf("no snapshot named %s: %w", name, metadata.ErrNotFound)
			}
			return err
		}
		return tx.DeleteSnapshot(snapshot.ID, snapshot.Name)
	})
	if err != nil {
		return err
	}
	e.logger.Info("deleted snapshot", "name", name)
	return nil
}

// AutoSnapshot creates a snapshot named auto-<timestamp> every
// interval until ctx is cancelled. The mount command runs this in a
// goroutine when --auto-snapshot is set. A failed tick is logged and
// the loop continues.
func (e *Engine) AutoSnapshot(ctx context.Context, interval time.Duration) {
	ticker := e.backend.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			name := "auto-" + now.UTC().Format("20060102-150405")
			if _, err := e.SnapshotCreate(ctx, name, "automatic snapshot"); err != nil {
				e.logger.Warn("auto-snapshot failed", "name", name, "error", err)
			}
		}
	}
}

// SnapshotRestoreOptions controls snapshot restore.
type SnapshotRestoreOptions struct {
	// KeepNew leaves files created after the snapshot untouched
	// instead of soft-deleting them.
	KeepNew bool
	DryRun  bool
}

// SnapshotRestoreResult reports what a snapshot restore did.
type SnapshotRestoreResult struct {
	Snapshot       string `json:"snapshot"`
	FilesRestored  int    `json:"files_restored"`
	FilesDeleted   int    `json:"files_soft_deleted"`
	FilesRecreated int    `json:"files_recreated"`
	KeepNew        bool   `json:"keep_new"`
	DryRun         bool   `json:"dry_run"`
}

// SnapshotRestore brings every file back to its snapshot-time content
// in one transaction:
//
//  1. Each snapshot entry appends a fresh version pointing at the
//     recorded object (reference bumped) and clears the file's
//     deleted flag. An inode row that no longer exists is recreated
//     at its recorded path with its recorded attributes.
//  2. Files created after the snapshot are soft-deleted, unless
//     KeepNew is set.
//
// On any failure nothing changes.
func (e *Engine) SnapshotRestore(ctx context.Context, name string, options SnapshotRestoreOptions) (*SnapshotRestoreResult, error) {
	result := &SnapshotRestoreResult{
		Snapshot: name,
		KeepNew:  options.KeepNew,
		DryRun:   options.DryRun,
	}

	err := e.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
		snapshot, err := tx.SnapshotByName(name)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return fmt.Errorf("no snapshot named %s: %w", name, metadata.ErrNotFound)
			}
			return err
		}

		files, err := tx.SnapshotFiles(snapshot.ID)
		if err != nil {
			return err
		}

		inSnapshot := make(map[int64]bool, len(files))
		for _, file := range files {
			inSnapshot[file.FileID] = true
		}

		// Files created after the snapshot. Soft-deleting releases
		// each file's hold on its current object, the same
		// bookkeeping unlink performs.
		if !options.KeepNew {
			activeIDs, err := tx.ListActiveFileIDs()
			if err != nil {
				return err
			}
			for _, id := range activeIDs {
				if inSnapshot[id] {
					continue
				}
				result.FilesDeleted++
				if options.DryRun {
					continue
				}
				current, err := tx.CurrentVersion(id)
				if err != nil && !errors.Is(err, metadata.ErrNotFound) {
					return err
				}
				if err := tx.SoftDeleteInode(id, metadata.EventDelete); err != nil {
					return err
				}
				if current != nil {
					if _, err := tx.DecrementRef(current.Digest); err != nil {
						return err
					}
				}
			}
		}

		for _, file := range files {
			result.FilesRestored++
			if options.DryRun {
				continue
			}

			inode, err := tx.GetInodeAny(file.FileID)
			if errors.Is(err, metadata.ErrNotFound) {
				// Hard-evicted since the snapshot: recreate the row
				// from the recorded state.
				if err := e.recreateInode(tx, file); err != nil {
					return err
				}
				result.FilesRecreated++
				inode, err = tx.GetInodeAny(file.FileID)
			}
			if err != nil {
				return err
			}

			if _, err := tx.AppendVersion(inode.ID, file.Digest, file.Size, metadata.EventSnapshotRestore); err != nil {
				return err
			}
			if inode.Deleted {
				if err := tx.SetInodeDeleted(inode.ID, false); err != nil {
					return err
				}
			}
		}

		if options.DryRun {
			return nil
		}
		return tx.RecordEvent(metadata.EventSnapshotRestore, "snapshot:"+name, 0, "")
	})
	if err != nil {
		return nil, err
	}

	if !options.DryRun {
		e.logger.Info("restored snapshot",
			"name", name,
			"restored", result.FilesRestored,
			"soft_deleted", result.FilesDeleted,
		)
	}
	return result, nil
}

// recreateInode rebuilds a missing inode row at its snapshot-time
// path, creating any missing parent directories with default
// attributes. Snapshots bind to ids, but recovery of a hard-evicted
// id has only the recorded path to go by.
func (e *Engine) recreateInode(tx *metadata.Tx, file *metadata.SnapshotFile) error {
	parentID := int64(metadata.RootInodeID)
	parentPath := "/"

	dir, name := path.Split(file.Path)
	dir = strings.Trim(dir, "/")
	if dir != "" {
		for _, component := range strings.Split(dir, "/") {
			childPath := path.Join(parentPath, component)
			child, err := tx.Lookup(parentID, component)
			if errors.Is(err, metadata.ErrNotFound) {
				child, err = tx.CreateInode(metadata.CreateInodeParams{
					ParentID: parentID,
					Name:     component,
					Path:     childPath,
					IsDir:    true,
					Mode:     0o40755,
				})
			}
			if err != nil {
				return fmt.Errorf("recreating parent %s: %w", childPath, err)
			}
			if !child.IsDir {
				return fmt.Errorf("recreating %s: %s exists and is not a directory",
					file.Path, childPath)
			}
			parentID = child.ID
			parentPath = childPath
		}
	}

	_, err := tx.CreateInodeWithID(file.FileID, metadata.CreateInodeParams{
		ParentID: parentID,
		Name:     name,
		Path:     file.Path,
		Mode:     file.Mode,
		UID:      file.UID,
		GID:      file.GID,
	})
	if err != nil {
		return fmt.Errorf("recreating %s: %w", file.Path, err)
	}
	return nil
}
