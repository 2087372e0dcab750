// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the offline operations over a backend:
// version history, restore, snapshots, garbage collection, stats,
// diff, and the activity log. Everything here works against the
// backend directly and needs no mounted filesystem; the metadata
// index's WAL mode lets these run concurrently with a live handler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cowfs-io/cowfs/lib/backend"
	"github.com/cowfs-io/cowfs/lib/metadata"
)

// Engine bundles the backend with the engine's logger.
type Engine struct {
	backend *backend.Backend
	logger  *slog.Logger
}

// New creates an Engine over an open backend.
func New(b *backend.Backend) *Engine {
	return &Engine{backend: b, logger: b.Logger}
}

// NormalizePath canonicalizes a user-supplied file path: leading
// slash added, trailing slash stripped (except for the root).
func NormalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// VersionInfo is one row of a history listing.
type VersionInfo struct {
	Ordinal   int       `json:"version"`
	ID        int64     `json:"id"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Current   bool      `json:"current"`
}

// FileHistory is the version chain of one inode generation at a path.
type FileHistory struct {
	Path     string        `json:"path"`
	FileID   int64         `json:"file_id"`
	Deleted  bool          `json:"deleted"`
	Versions []VersionInfo `json:"versions"`
}

// History returns the version chain for the inode at path in
// chronological order, marking the current version. The inode may be
// soft-deleted; its chain is still reported.
func (e *Engine) History(ctx context.Context, path string) (*FileHistory, error) {
	path = NormalizePath(path)

	var history *FileHistory
	err := e.backend.DB.Read(ctx, func(tx *metadata.Tx) error {
		inode, err := tx.GetInodeByPath(path, true)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return fmt.Errorf("no file at %s: %w", path, metadata.ErrNotFound)
			}
			return err
		}
		history, err = historyOf(tx, inode)
		return err
	})
	return history, err
}

// HistoryAllGenerations returns one FileHistory per inode generation
// that ever carried the path, oldest generation first. Chains of
// soft-deleted predecessors remain queryable this way after the path
// has been re-created.
func (e *Engine) HistoryAllGenerations(ctx context.Context, path string) ([]*FileHistory, error) {
	path = NormalizePath(path)

	var histories []*FileHistory
	err := e.backend.DB.Read(ctx, func(tx *metadata.Tx) error {
		inodes, err := tx.ListInodesByPath(path)
		if err != nil {
			return err
		}
		if len(inodes) == 0 {
			return fmt.Errorf("no file at %s: %w", path, metadata.ErrNotFound)
		}
		for _, inode := range inodes {
			history, err := historyOf(tx, inode)
			if err != nil {
				return err
			}
			histories = append(histories, history)
		}
		return nil
	})
	return histories, err
}

func historyOf(tx *metadata.Tx, inode *metadata.Inode) (*FileHistory, error) {
	if inode.IsDir {
		return nil, fmt.Errorf("%s is a directory; directories have no version history", inode.Path)
	}
	versions, err := tx.ListVersions(inode.ID)
	if err != nil {
		return nil, err
	}

	history := &FileHistory{
		Path:    inode.Path,
		FileID:  inode.ID,
		Deleted: inode.Deleted,
	}
	for i, version := range versions {
		history.Versions = append(history.Versions, VersionInfo{
			Ordinal:   i + 1,
			ID:        version.ID,
			Digest:    version.Digest,
			Size:      version.Size,
			CreatedAt: version.CreatedAt,
			Current:   version.ID == inode.CurrentVersionID,
		})
	}
	return history, nil
}

// RestoreOptions selects the version to restore. Exactly one of
// Version (1-based ordinal) or Before must be set.
type RestoreOptions struct {
	Version int
	Before  time.Time
	DryRun  bool
}

// RestoreResult reports what a restore did (or would do).
type RestoreResult struct {
	Path        string `json:"path"`
	FileID      int64  `json:"file_id"`
	FromVersion int    `json:"restored_from_version"`
	Digest      string `json:"digest"`
	Size        int64  `json:"size"`
	Undeleted   bool   `json:"undeleted"`
	DryRun      bool   `json:"dry_run"`
}

// Restore appends a new version pointing at the selected historical
// version's object (reference count bumped) and moves the current
// pointer — history after the restore point is preserved, restore is
// never destructive. A soft-deleted file is resurrected.
func (e *Engine) Restore(ctx context.Context, path string, options RestoreOptions) (*RestoreResult, error) {
	path = NormalizePath(path)

	hasVersion := options.Version != 0
	hasBefore := !options.Before.IsZero()
	if hasVersion == hasBefore {
		return nil, fmt.Errorf("restore needs exactly one of a version ordinal or a --before time")
	}

	var result *RestoreResult
	err := e.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
		inode, err := tx.GetInodeByPath(path, true)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return fmt.Errorf("no file at %s: %w", path, metadata.ErrNotFound)
			}
			return err
		}
		if inode.IsDir {
			return fmt.Errorf("%s is a directory", path)
		}

		versions, err := tx.ListVersions(inode.ID)
		if err != nil {
			return err
		}

		var target *metadata.Version
		ordinal := options.Version
		if hasVersion {
			if ordinal < 1 || ordinal > len(versions) {
				return fmt.Errorf("version %d out of range (1..%d) for %s",
					ordinal, len(versions), path)
			}
			target = versions[ordinal-1]
		} else {
			target, err = tx.LatestVersionBefore(inode.ID, metadata.FormatTime(options.Before))
			if err != nil {
				if errors.Is(err, metadata.ErrNotFound) {
					return fmt.Errorf("no version of %s before %s: %w",
						path, options.Before.Format(time.RFC3339), metadata.ErrNotFound)
				}
				return err
			}
			for i, version := range versions {
				if version.ID == target.ID {
					ordinal = i + 1
					break
				}
			}
		}

		result = &RestoreResult{
			Path:        path,
			FileID:      inode.ID,
			FromVersion: ordinal,
			Digest:      target.Digest,
			Size:        target.Size,
			Undeleted:   inode.Deleted,
			DryRun:      options.DryRun,
		}
		if options.DryRun {
			return nil
		}

		if _, err := tx.AppendVersion(inode.ID, target.Digest, target.Size, metadata.EventRestore); err != nil {
			return err
		}
		if inode.Deleted {
			if err := tx.SetInodeDeleted(inode.ID, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !options.DryRun {
		e.logger.Info("restored file",
			"path", path,
			"version", result.FromVersion,
			"digest", result.Digest[:12],
		)
	}
	return result, nil
}

// Log returns the newest limit activity events in chronological
// order.
func (e *Engine) Log(ctx context.Context, limit int) ([]*metadata.Event, error) {
	var events []*metadata.Event
	err := e.backend.DB.Read(ctx, func(tx *metadata.Tx) error {
		var txErr error
		events, txErr = tx.ListEvents(limit)
		return txErr
	})
	return events, err
}
