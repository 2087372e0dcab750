// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CreateSnapshot inserts a snapshot row and one entry per non-deleted
// regular file pointing at that file's current version, all on the
// caller's transaction. Returns the snapshot with its entry count.
func (tx *Tx) CreateSnapshot(name, description string) (*Snapshot, error) {
	now := tx.now()
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO snapshots (name, description, created_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{name, nullableText(description), now}})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("snapshot %s: %w", name, ErrExists)
		}
		return nil, fmt.Errorf("creating snapshot %s: %w", name, err)
	}
	snapshotID := tx.conn.LastInsertRowID()

	err = sqlitex.Execute(tx.conn,
		`INSERT INTO snapshot_entries (snapshot_id, file_id, version_id)
		 SELECT ?, id, current_version_id FROM files
		 WHERE is_deleted = 0 AND is_dir = 0 AND current_version_id IS NOT NULL`,
		&sqlitex.ExecOptions{Args: []any{snapshotID}})
	if err != nil {
		return nil, fmt.Errorf("capturing snapshot entries for %s: %w", name, err)
	}

	if err := tx.RecordEvent(EventSnapshotCreate, "snapshot:"+name, 0, ""); err != nil {
		return nil, err
	}
	return tx.SnapshotByName(name)
}

// SnapshotByName returns a snapshot row with its entry count.
func (tx *Tx) SnapshotByName(name string) (*Snapshot, error) {
	var snapshot *Snapshot
	err := sqlitex.Execute(tx.conn,
		`SELECT s.id, s.name, COALESCE(s.description, ''), s.created_at, COUNT(se.id)
		 FROM snapshots s
		 LEFT JOIN snapshot_entries se ON se.snapshot_id = s.id
		 WHERE s.name = ?
		 GROUP BY s.id`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var scanErr error
				snapshot, scanErr = scanSnapshot(stmt)
				return scanErr
			},
		})
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", name, err)
	}
	if snapshot == nil {
		return nil, ErrNotFound
	}
	return snapshot, nil
}

func scanSnapshot(stmt *sqlite.Stmt) (*Snapshot, error) {
	snapshot := &Snapshot{
		ID:          stmt.ColumnInt64(0),
		Name:        stmt.ColumnText(1),
		Description: stmt.ColumnText(2),
		FileCount:   stmt.ColumnInt64(4),
	}
	var err error
	if snapshot.CreatedAt, err = parseTime(stmt.ColumnText(3)); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ListSnapshots returns all snapshots, oldest first, with entry
// counts.
func (tx *Tx) ListSnapshots() ([]*Snapshot, error) {
	var snapshots []*Snapshot
	err := sqlitex.Execute(tx.conn,
		`SELECT s.id, s.name, COALESCE(s.description, ''), s.created_at, COUNT(se.id)
		 FROM snapshots s
		 LEFT JOIN snapshot_entries se ON se.snapshot_id = s.id
		 GROUP BY s.id
		 ORDER BY s.created_at ASC, s.id ASC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				snapshot, err := scanSnapshot(stmt)
				if err != nil {
					return err
				}
				snapshots = append(snapshots, snapshot)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return snapshots, nil
}

// SnapshotEntries returns the bare (file, version) pairs of a
// snapshot.
func (tx *Tx) SnapshotEntries(snapshotID int64) ([]*SnapshotEntry, error) {
	var entries []*SnapshotEntry
	err := sqlitex.Execute(tx.conn,
		`SELECT snapshot_id, file_id, version_id FROM snapshot_entries
		 WHERE snapshot_id = ? ORDER BY file_id`,
		&sqlitex.ExecOptions{
			Args: []any{snapshotID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, &SnapshotEntry{
					SnapshotID: stmt.ColumnInt64(0),
					FileID:     stmt.ColumnInt64(1),
					VersionID:  stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing entries of snapshot %d: %w", snapshotID, err)
	}
	return entries, nil
}

// SnapshotFiles returns the detailed join of a snapshot's entries
// with their file and version rows, ordered by path. The file
// attributes are the rows' current values; snapshot restore uses them
// to recreate hard-evicted inodes.
func (tx *Tx) SnapshotFiles(snapshotID int64) ([]*SnapshotFile, error) {
	var files []*SnapshotFile
	err := sqlitex.Execute(tx.conn,
		`SELECT se.file_id, se.version_id, f.path, f.mode, f.uid, f.gid,
		        v.object_hash, v.size_bytes, v.created_at
		 FROM snapshot_entries se
		 JOIN files f ON f.id = se.file_id
		 JOIN versions v ON v.id = se.version_id
		 WHERE se.snapshot_id = ?
		 ORDER BY f.path ASC`,
		&sqlitex.ExecOptions{
			Args: []any{snapshotID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				file := &SnapshotFile{
					FileID:    stmt.ColumnInt64(0),
					VersionID: stmt.ColumnInt64(1),
					Path:      stmt.ColumnText(2),
					Mode:      uint32(stmt.ColumnInt64(3)),
					UID:       uint32(stmt.ColumnInt64(4)),
					GID:       uint32(stmt.ColumnInt64(5)),
					Digest:    stmt.ColumnText(6),
					Size:      stmt.ColumnInt64(7),
				}
				var scanErr error
				if file.CreatedAt, scanErr = parseTime(stmt.ColumnText(8)); scanErr != nil {
					return scanErr
				}
				files = append(files, file)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing files of snapshot %d: %w", snapshotID, err)
	}
	return files, nil
}

// DeleteSnapshot removes a snapshot and its entries. The objects its
// versions cite remain until GC finds them unreferenced.
func (tx *Tx) DeleteSnapshot(id int64, name string) error {
	err := sqlitex.Execute(tx.conn,
		`DELETE FROM snapshot_entries WHERE snapshot_id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("deleting entries of snapshot %d: %w", id, err)
	}
	err = sqlitex.Execute(tx.conn,
		`DELETE FROM snapshots WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("deleting snapshot %d: %w", id, err)
	}
	return tx.RecordEvent(EventSnapshotDelete, "snapshot:"+name, 0, "")
}

// RecordEvent appends a row to the activity feed. Zero versionID and
// empty strings store as NULL.
func (tx *Tx) RecordEvent(action, path string, versionID int64, digestHex string) error {
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO events (action, path, version_id, object_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			action, nullableText(path), nullableID(versionID), nullableText(digestHex), tx.now(),
		}})
	if err != nil {
		return fmt.Errorf("recording %s event: %w", action, err)
	}
	return nil
}

// ListEvents returns the newest limit events in chronological order.
func (tx *Tx) ListEvents(limit int) ([]*Event, error) {
	var events []*Event
	err := sqlitex.Execute(tx.conn,
		`SELECT id, action, COALESCE(path, ''), COALESCE(version_id, 0),
		        COALESCE(object_hash, ''), created_at
		 FROM events ORDER BY created_at DESC, id DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				event := &Event{
					ID:        stmt.ColumnInt64(0),
					Action:    stmt.ColumnText(1),
					Path:      stmt.ColumnText(2),
					VersionID: stmt.ColumnInt64(3),
					Digest:    stmt.ColumnText(4),
				}
				var scanErr error
				if event.CreatedAt, scanErr = parseTime(stmt.ColumnText(5)); scanErr != nil {
					return scanErr
				}
				events = append(events, event)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
