// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// FormatVersionCurrent is the newest metadata format this build
// understands. Open refuses databases declaring a newer version.
const FormatVersionCurrent = 1

// schemaSQL creates all tables and indexes. Idempotent; applied on
// every connection via OnConnect.
//
// The (parent_id, name) uniqueness is a partial index over live rows
// only: soft-deleted inodes keep their name so their history stays
// reachable, and a new inode may reuse the path with a fresh chain.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS format_version (
    version INTEGER NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_id INTEGER NOT NULL DEFAULT 1,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    is_dir INTEGER NOT NULL DEFAULT 0,
    current_version_id INTEGER,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    mode INTEGER NOT NULL DEFAULT 33188,
    uid INTEGER NOT NULL DEFAULT 0,
    gid INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS objects (
    hash TEXT PRIMARY KEY,
    size_bytes INTEGER NOT NULL,
    ref_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id INTEGER NOT NULL REFERENCES files(id),
    object_hash TEXT NOT NULL REFERENCES objects(hash),
    size_bytes INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT UNIQUE NOT NULL,
    description TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    snapshot_id INTEGER NOT NULL REFERENCES snapshots(id),
    file_id INTEGER NOT NULL REFERENCES files(id),
    version_id INTEGER NOT NULL REFERENCES versions(id)
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action TEXT NOT NULL,
    path TEXT,
    version_id INTEGER,
    object_hash TEXT,
    created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_files_parent_name
    ON files(parent_id, name) WHERE is_deleted = 0 AND id != parent_id;
CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);
CREATE INDEX IF NOT EXISTS idx_versions_file_id ON versions(file_id);
CREATE INDEX IF NOT EXISTS idx_versions_object_hash ON versions(object_hash);
CREATE INDEX IF NOT EXISTS idx_snapshot_entries_snapshot_id
    ON snapshot_entries(snapshot_id);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at, id);
`

// seedRows inserts the root inode and format version row if absent.
func seedRows(conn *sqlite.Conn, now string) error {
	err := sqlitex.Execute(conn, `
		INSERT OR IGNORE INTO files (id, parent_id, name, path, is_dir, mode, created_at, updated_at)
		VALUES (1, 1, '', '/', 1, 16877, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{now, now}})
	if err != nil {
		return fmt.Errorf("seeding root inode: %w", err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO format_version (version, created_at)
		SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM format_version)`,
		&sqlitex.ExecOptions{Args: []any{FormatVersionCurrent, now}})
	if err != nil {
		return fmt.Errorf("seeding format version: %w", err)
	}
	return nil
}

// FormatVersion returns the stored metadata format version and
// rejects databases written by a newer build.
func (tx *Tx) FormatVersion() (int, error) {
	var version int
	found := false
	err := sqlitex.Execute(tx.conn, `SELECT version FROM format_version LIMIT 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnInt(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("reading format version: %w", err)
	}
	if !found {
		return 0, fmt.Errorf("%w: format version row missing", ErrCorrupt)
	}
	if version > FormatVersionCurrent {
		return 0, fmt.Errorf("metadata format version %d is newer than supported %d",
			version, FormatVersionCurrent)
	}
	return version, nil
}
