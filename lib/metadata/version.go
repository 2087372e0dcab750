// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const versionColumns = `id, file_id, object_hash, size_bytes, created_at, is_deleted`

const versionColumnsV = `v.id, v.file_id, v.object_hash, v.size_bytes, v.created_at, v.is_deleted`

func scanVersion(stmt *sqlite.Stmt) (*Version, error) {
	version := &Version{
		ID:      stmt.ColumnInt64(0),
		FileID:  stmt.ColumnInt64(1),
		Digest:  stmt.ColumnText(2),
		Size:    stmt.ColumnInt64(3),
		Deleted: stmt.ColumnInt(5) != 0,
	}
	var err error
	if version.CreatedAt, err = parseTime(stmt.ColumnText(4)); err != nil {
		return nil, err
	}
	return version, nil
}

func (tx *Tx) queryOneVersion(query string, args ...any) (*Version, error) {
	var version *Version
	err := sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var scanErr error
			version, scanErr = scanVersion(stmt)
			return scanErr
		},
	})
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, ErrNotFound
	}
	return version, nil
}

// AppendVersion records a new saved state of a file: the object row
// is upserted with its reference count bumped, the version row is
// inserted, the file's current pointer moves to it, and an event is
// recorded. Runs entirely on the caller's transaction, so a flush is
// one atomic step.
func (tx *Tx) AppendVersion(fileID int64, digestHex string, size int64, action string) (*Version, error) {
	now := tx.now()

	err := sqlitex.Execute(tx.conn,
		`INSERT INTO objects (hash, size_bytes, ref_count, created_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(hash) DO UPDATE SET ref_count = ref_count + 1`,
		&sqlitex.ExecOptions{Args: []any{digestHex, size, now}})
	if err != nil {
		return nil, fmt.Errorf("upserting object %s: %w", digestHex[:12], err)
	}

	err = sqlitex.Execute(tx.conn,
		`INSERT INTO versions (file_id, object_hash, size_bytes, created_at)
		 VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{fileID, digestHex, size, now}})
	if err != nil {
		return nil, fmt.Errorf("inserting version for file %d: %w", fileID, err)
	}
	versionID := tx.conn.LastInsertRowID()

	err = sqlitex.Execute(tx.conn,
		`UPDATE files SET current_version_id = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{versionID, now, fileID}})
	if err != nil {
		return nil, fmt.Errorf("updating current version of file %d: %w", fileID, err)
	}

	var path string
	if inode, inodeErr := tx.GetInodeAny(fileID); inodeErr == nil {
		path = inode.Path
	}
	if err := tx.RecordEvent(action, path, versionID, digestHex); err != nil {
		return nil, err
	}

	return tx.GetVersion(versionID)
}

// CurrentVersion returns the version the file's current pointer names.
func (tx *Tx) CurrentVersion(fileID int64) (*Version, error) {
	return tx.queryOneVersion(
		`SELECT `+versionColumnsV+` FROM versions v
		 JOIN files f ON f.current_version_id = v.id
		 WHERE f.id = ?`, fileID)
}

// GetVersion returns a version row by id, deleted or not.
func (tx *Tx) GetVersion(id int64) (*Version, error) {
	return tx.queryOneVersion(
		`SELECT `+versionColumns+` FROM versions WHERE id = ?`, id)
}

// ListVersions returns a file's non-deleted versions in chronological
// order. The 1-based position in this list is the version ordinal the
// CLI exposes.
func (tx *Tx) ListVersions(fileID int64) ([]*Version, error) {
	var versions []*Version
	err := sqlitex.Execute(tx.conn,
		`SELECT `+versionColumns+` FROM versions
		 WHERE file_id = ? AND is_deleted = 0
		 ORDER BY created_at ASC, id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{fileID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version, err := scanVersion(stmt)
				if err != nil {
					return err
				}
				versions = append(versions, version)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing versions of file %d: %w", fileID, err)
	}
	return versions, nil
}

// LatestVersionBefore returns the newest non-deleted version created
// strictly before the cutoff (storage-format timestamp).
func (tx *Tx) LatestVersionBefore(fileID int64, cutoff string) (*Version, error) {
	return tx.queryOneVersion(
		`SELECT `+versionColumns+` FROM versions
		 WHERE file_id = ? AND is_deleted = 0 AND created_at < ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		fileID, cutoff)
}

// PrunableKeepLast returns, across all files, the non-deleted
// versions older than each file's most recent keep versions.
func (tx *Tx) PrunableKeepLast(keep int) ([]*Version, error) {
	var versions []*Version
	err := sqlitex.Execute(tx.conn,
		`WITH ranked AS (
		     SELECT v.*, ROW_NUMBER() OVER (
		         PARTITION BY v.file_id
		         ORDER BY v.created_at DESC, v.id DESC
		     ) AS rn
		     FROM versions v WHERE v.is_deleted = 0
		 )
		 SELECT `+versionColumns+` FROM ranked WHERE rn > ?
		 ORDER BY file_id ASC, created_at ASC, id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{keep},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version, err := scanVersion(stmt)
				if err != nil {
					return err
				}
				versions = append(versions, version)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("selecting prunable versions (keep-last %d): %w", keep, err)
	}
	return versions, nil
}

// PrunableBefore returns the non-deleted versions created before the
// cutoff, excluding any version that is some file's current version.
func (tx *Tx) PrunableBefore(cutoff string) ([]*Version, error) {
	var versions []*Version
	err := sqlitex.Execute(tx.conn,
		`SELECT `+versionColumnsV+` FROM versions v
		 LEFT JOIN files f ON f.current_version_id = v.id
		 WHERE v.is_deleted = 0 AND v.created_at < ? AND f.id IS NULL
		 ORDER BY v.file_id ASC, v.created_at ASC, v.id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{cutoff},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version, err := scanVersion(stmt)
				if err != nil {
					return err
				}
				versions = append(versions, version)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("selecting prunable versions (before %s): %w", cutoff, err)
	}
	return versions, nil
}

// SoftDeleteVersion marks one version deleted. The caller pairs this
// with DecrementRef on the version's object.
func (tx *Tx) SoftDeleteVersion(id int64) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE versions SET is_deleted = 1 WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("soft-deleting version %d: %w", id, err)
	}
	return nil
}

// BumpRef increments an object's reference count.
func (tx *Tx) BumpRef(digestHex string) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE objects SET ref_count = ref_count + 1 WHERE hash = ?`,
		&sqlitex.ExecOptions{Args: []any{digestHex}})
	if err != nil {
		return fmt.Errorf("bumping ref of %s: %w", digestHex[:12], err)
	}
	return nil
}

// DecrementRef decrements an object's reference count and returns the
// new count.
func (tx *Tx) DecrementRef(digestHex string) (int64, error) {
	err := sqlitex.Execute(tx.conn,
		`UPDATE objects SET ref_count = ref_count - 1 WHERE hash = ?`,
		&sqlitex.ExecOptions{Args: []any{digestHex}})
	if err != nil {
		return 0, fmt.Errorf("decrementing ref of %s: %w", digestHex[:12], err)
	}

	object, err := tx.GetObject(digestHex)
	if err != nil {
		if err == ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return object.RefCount, nil
}

// GetObject returns an object row by digest.
func (tx *Tx) GetObject(digestHex string) (*Object, error) {
	var object *Object
	err := sqlitex.Execute(tx.conn,
		`SELECT hash, size_bytes, ref_count, created_at FROM objects WHERE hash = ?`,
		&sqlitex.ExecOptions{
			Args: []any{digestHex},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var scanErr error
				object, scanErr = scanObject(stmt)
				return scanErr
			},
		})
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", digestHex[:12], err)
	}
	if object == nil {
		return nil, ErrNotFound
	}
	return object, nil
}

func scanObject(stmt *sqlite.Stmt) (*Object, error) {
	object := &Object{
		Digest:   stmt.ColumnText(0),
		Size:     stmt.ColumnInt64(1),
		RefCount: stmt.ColumnInt64(2),
	}
	var err error
	if object.CreatedAt, err = parseTime(stmt.ColumnText(3)); err != nil {
		return nil, err
	}
	return object, nil
}

// ListOrphanObjects returns all objects with a non-positive reference
// count, the GC reclamation candidates.
func (tx *Tx) ListOrphanObjects() ([]*Object, error) {
	var objects []*Object
	err := sqlitex.Execute(tx.conn,
		`SELECT hash, size_bytes, ref_count, created_at FROM objects
		 WHERE ref_count <= 0 ORDER BY hash`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				object, err := scanObject(stmt)
				if err != nil {
					return err
				}
				objects = append(objects, object)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing orphan objects: %w", err)
	}
	return objects, nil
}

// ReferencedDigests returns the set of digests cited by any
// non-deleted version or by any snapshot entry's version. GC never
// deletes a blob in this set, whatever its reference count says.
func (tx *Tx) ReferencedDigests() (map[string]bool, error) {
	referenced := make(map[string]bool)
	err := sqlitex.Execute(tx.conn,
		`SELECT object_hash FROM versions WHERE is_deleted = 0
		 UNION
		 SELECT v.object_hash FROM snapshot_entries se
		 JOIN versions v ON v.id = se.version_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				referenced[stmt.ColumnText(0)] = true
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("computing referenced digests: %w", err)
	}
	return referenced, nil
}

// AllObjectDigests returns every digest with an object row. GC
// diffs this against the blobs on disk to find rowless orphans left
// by flushes whose metadata transaction never committed.
func (tx *Tx) AllObjectDigests() (map[string]bool, error) {
	digests := make(map[string]bool)
	err := sqlitex.Execute(tx.conn, `SELECT hash FROM objects`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				digests[stmt.ColumnText(0)] = true
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing object digests: %w", err)
	}
	return digests, nil
}

// DeleteSoftDeletedVersions hard-deletes the soft-deleted version
// rows citing a digest. GC calls this inside an object's reclaim
// transaction: once the object row and blob go, no version row may
// cite the digest, and the policy-pruned rows are the only ones that
// can (live ones keep the object in the referenced set). A row still
// named by a snapshot entry makes the delete fail on its foreign key,
// aborting the reclaim of that digest.
func (tx *Tx) DeleteSoftDeletedVersions(digestHex string) error {
	err := sqlitex.Execute(tx.conn,
		`DELETE FROM versions WHERE object_hash = ? AND is_deleted = 1`,
		&sqlitex.ExecOptions{Args: []any{digestHex}})
	if err != nil {
		return fmt.Errorf("deleting pruned versions of %s: %w", digestHex[:12], err)
	}
	return nil
}

// DeleteObjectRow removes an object row. Fails if a version still
// references it (foreign keys are on), which GC treats as
// skip-and-continue.
func (tx *Tx) DeleteObjectRow(digestHex string) error {
	err := sqlitex.Execute(tx.conn,
		`DELETE FROM objects WHERE hash = ?`,
		&sqlitex.ExecOptions{Args: []any{digestHex}})
	if err != nil {
		return fmt.Errorf("deleting object row %s: %w", digestHex[:12], err)
	}
	return nil
}

// CurrentVersion is the handler hot-path wrapper.
func (db *DB) CurrentVersion(ctx context.Context, fileID int64) (*Version, error) {
	var version *Version
	err := db.Read(ctx, func(tx *Tx) error {
		var txErr error
		version, txErr = tx.CurrentVersion(fileID)
		return txErr
	})
	return version, err
}
