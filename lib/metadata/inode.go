// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const inodeColumns = `id, parent_id, name, path, is_dir, current_version_id,
	is_deleted, mode, uid, gid, created_at, updated_at`

func scanInode(stmt *sqlite.Stmt) (*Inode, error) {
	inode := &Inode{
		ID:               stmt.ColumnInt64(0),
		ParentID:         stmt.ColumnInt64(1),
		Name:             stmt.ColumnText(2),
		Path:             stmt.ColumnText(3),
		IsDir:            stmt.ColumnInt(4) != 0,
		CurrentVersionID: stmt.ColumnInt64(5),
		Deleted:          stmt.ColumnInt(6) != 0,
		Mode:             uint32(stmt.ColumnInt64(7)),
		UID:              uint32(stmt.ColumnInt64(8)),
		GID:              uint32(stmt.ColumnInt64(9)),
	}
	var err error
	if inode.CreatedAt, err = parseTime(stmt.ColumnText(10)); err != nil {
		return nil, err
	}
	if inode.UpdatedAt, err = parseTime(stmt.ColumnText(11)); err != nil {
		return nil, err
	}
	return inode, nil
}

// queryOneInode runs a query expected to yield at most one inode row.
func (tx *Tx) queryOneInode(query string, args ...any) (*Inode, error) {
	var inode *Inode
	err := sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var scanErr error
			inode, scanErr = scanInode(stmt)
			return scanErr
		},
	})
	if err != nil {
		return nil, err
	}
	if inode == nil {
		return nil, ErrNotFound
	}
	return inode, nil
}

// Lookup resolves a non-deleted child by (parent id, name).
func (tx *Tx) Lookup(parentID int64, name string) (*Inode, error) {
	return tx.queryOneInode(
		`SELECT `+inodeColumns+` FROM files
		 WHERE parent_id = ? AND name = ? AND is_deleted = 0 AND id != parent_id`,
		parentID, name)
}

// GetInode returns a non-deleted inode by id.
func (tx *Tx) GetInode(id int64) (*Inode, error) {
	return tx.queryOneInode(
		`SELECT `+inodeColumns+` FROM files WHERE id = ? AND is_deleted = 0`, id)
}

// GetInodeAny returns an inode by id regardless of the deleted flag.
// The engine uses this to reach soft-deleted files for restore.
func (tx *Tx) GetInodeAny(id int64) (*Inode, error) {
	return tx.queryOneInode(
		`SELECT `+inodeColumns+` FROM files WHERE id = ?`, id)
}

// GetInodeByPath resolves an inode by its denormalized path. With
// includeDeleted, a soft-deleted inode at the path is returned when
// no live one exists; among several deleted generations the newest
// wins.
func (tx *Tx) GetInodeByPath(path string, includeDeleted bool) (*Inode, error) {
	inode, err := tx.queryOneInode(
		`SELECT `+inodeColumns+` FROM files
		 WHERE path = ? AND is_deleted = 0`, path)
	if err == nil || err != ErrNotFound || !includeDeleted {
		return inode, err
	}
	return tx.queryOneInode(
		`SELECT `+inodeColumns+` FROM files
		 WHERE path = ? ORDER BY id DESC LIMIT 1`, path)
}

// ListChildren returns the non-deleted children of a directory,
// ordered by name for stable readdir offsets.
func (tx *Tx) ListChildren(parentID int64) ([]*Inode, error) {
	var children []*Inode
	err := sqlitex.Execute(tx.conn,
		`SELECT `+inodeColumns+` FROM files
		 WHERE parent_id = ? AND is_deleted = 0 AND id != ?
		 ORDER BY name`,
		&sqlitex.ExecOptions{
			Args: []any{parentID, parentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				child, err := scanInode(stmt)
				if err != nil {
					return err
				}
				children = append(children, child)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing children of %d: %w", parentID, err)
	}
	return children, nil
}

// CreateInodeParams names the caller-supplied attributes of a new
// inode.
type CreateInodeParams struct {
	ParentID int64
	Name     string
	Path     string
	IsDir    bool
	Mode     uint32
	UID      uint32
	GID      uint32
}

// CreateInode inserts a new inode row and returns it. A live sibling
// with the same name yields ErrExists.
func (tx *Tx) CreateInode(params CreateInodeParams) (*Inode, error) {
	now := tx.now()
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO files (parent_id, name, path, is_dir, mode, uid, gid, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			params.ParentID, params.Name, params.Path, boolInt(params.IsDir),
			int64(params.Mode), int64(params.UID), int64(params.GID), now, now,
		}})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s: %w", params.Path, ErrExists)
		}
		return nil, fmt.Errorf("creating inode %s: %w", params.Path, err)
	}
	return tx.GetInode(tx.conn.LastInsertRowID())
}

// CreateInodeWithID inserts an inode row under an explicit id.
// Snapshot restore uses this to rebuild a hard-evicted row so that
// snapshot entries, which bind to ids, resolve again.
func (tx *Tx) CreateInodeWithID(id int64, params CreateInodeParams) (*Inode, error) {
	now := tx.now()
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO files (id, parent_id, name, path, is_dir, mode, uid, gid, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			id, params.ParentID, params.Name, params.Path, boolInt(params.IsDir),
			int64(params.Mode), int64(params.UID), int64(params.GID), now, now,
		}})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s: %w", params.Path, ErrExists)
		}
		return nil, fmt.Errorf("creating inode %d at %s: %w", id, params.Path, err)
	}
	return tx.GetInode(id)
}

// SoftDeleteInode marks an inode deleted and records an event with
// the given action.
func (tx *Tx) SoftDeleteInode(id int64, action string) error {
	inode, err := tx.GetInodeAny(id)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(tx.conn,
		`UPDATE files SET is_deleted = 1, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{tx.now(), id}})
	if err != nil {
		return fmt.Errorf("soft-deleting inode %d: %w", id, err)
	}
	return tx.RecordEvent(action, inode.Path, 0, "")
}

// SetInodeDeleted flips the deleted flag without touching anything
// else. Snapshot restore uses it to resurrect files.
func (tx *Tx) SetInodeDeleted(id int64, deleted bool) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE files SET is_deleted = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{boolInt(deleted), tx.now(), id}})
	if err != nil {
		return fmt.Errorf("updating deleted flag of inode %d: %w", id, err)
	}
	return nil
}

// RenameInode moves an inode under a new parent and name and rewrites
// the denormalized path of the inode and, for directories, of every
// descendant.
func (tx *Tx) RenameInode(id int64, newParentID int64, newName, newPath string) error {
	inode, err := tx.GetInodeAny(id)
	if err != nil {
		return err
	}
	oldPath := inode.Path
	now := tx.now()

	err = sqlitex.Execute(tx.conn,
		`UPDATE files SET parent_id = ?, name = ?, path = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{newParentID, newName, newPath, now, id}})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", newPath, ErrExists)
		}
		return fmt.Errorf("renaming inode %d: %w", id, err)
	}

	if inode.IsDir {
		// substr is 1-based: keep everything after the old prefix.
		err = sqlitex.Execute(tx.conn,
			`UPDATE files SET path = ? || substr(path, ?), updated_at = ?
			 WHERE path LIKE ? ESCAPE '\' AND id != ?`,
			&sqlitex.ExecOptions{Args: []any{
				newPath, len(oldPath) + 1, now, likePrefix(oldPath) + "/%", id,
			}})
		if err != nil {
			return fmt.Errorf("rewriting descendant paths of %d: %w", id, err)
		}
	}

	return tx.RecordEvent(EventRename, newPath, 0, "")
}

// likePrefix escapes LIKE metacharacters in a literal path prefix.
func likePrefix(path string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(path)
}

// AttrUpdate carries the optional fields of a setattr. Nil pointers
// leave the column unchanged.
type AttrUpdate struct {
	Mode *uint32
	UID  *uint32
	GID  *uint32
}

// UpdateAttrs applies a partial attribute update and returns the
// refreshed row.
func (tx *Tx) UpdateAttrs(id int64, update AttrUpdate) (*Inode, error) {
	set := func(column string, value int64) error {
		err := sqlitex.Execute(tx.conn,
			`UPDATE files SET `+column+` = ?, updated_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{value, tx.now(), id}})
		if err != nil {
			return fmt.Errorf("updating %s of inode %d: %w", column, id, err)
		}
		return nil
	}

	if update.Mode != nil {
		if err := set("mode", int64(*update.Mode)); err != nil {
			return nil, err
		}
	}
	if update.UID != nil {
		if err := set("uid", int64(*update.UID)); err != nil {
			return nil, err
		}
	}
	if update.GID != nil {
		if err := set("gid", int64(*update.GID)); err != nil {
			return nil, err
		}
	}
	return tx.GetInodeAny(id)
}

// TouchInode bumps updated_at, used when a flush stores a new current
// version.
func (tx *Tx) TouchInode(id int64) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE files SET updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{tx.now(), id}})
	if err != nil {
		return fmt.Errorf("touching inode %d: %w", id, err)
	}
	return nil
}

// ListInodesByPath returns every inode generation that ever carried
// the path, oldest first. Soft-deleted predecessors keep their path,
// so re-created files have several generations; history
// --all-generations walks them all.
func (tx *Tx) ListInodesByPath(path string) ([]*Inode, error) {
	var inodes []*Inode
	err := sqlitex.Execute(tx.conn,
		`SELECT `+inodeColumns+` FROM files WHERE path = ? ORDER BY id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				inode, err := scanInode(stmt)
				if err != nil {
					return err
				}
				inodes = append(inodes, inode)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing inode generations at %s: %w", path, err)
	}
	return inodes, nil
}

// ListActiveFileIDs returns the ids of all non-deleted regular files.
func (tx *Tx) ListActiveFileIDs() ([]int64, error) {
	var ids []int64
	err := sqlitex.Execute(tx.conn,
		`SELECT id FROM files WHERE is_deleted = 0 AND is_dir = 0`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing active files: %w", err)
	}
	return ids, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Convenience wrappers for the handler's single-operation calls.

// Lookup resolves a non-deleted child by (parent id, name).
func (db *DB) Lookup(ctx context.Context, parentID int64, name string) (*Inode, error) {
	var inode *Inode
	err := db.Read(ctx, func(tx *Tx) error {
		var txErr error
		inode, txErr = tx.Lookup(parentID, name)
		return txErr
	})
	return inode, err
}

// GetInode returns a non-deleted inode by id.
func (db *DB) GetInode(ctx context.Context, id int64) (*Inode, error) {
	var inode *Inode
	err := db.Read(ctx, func(tx *Tx) error {
		var txErr error
		inode, txErr = tx.GetInode(id)
		return txErr
	})
	return inode, err
}

// ListChildren returns the non-deleted children of a directory.
func (db *DB) ListChildren(ctx context.Context, parentID int64) ([]*Inode, error) {
	var children []*Inode
	err := db.Read(ctx, func(tx *Tx) error {
		var txErr error
		children, txErr = tx.ListChildren(parentID)
		return txErr
	})
	return children, err
}
