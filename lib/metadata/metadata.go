// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata implements the transactional index at the heart of
// a COWFS backend: the inode tree, per-file version chains, object
// reference counts, snapshots, and the activity feed, all in one
// SQLite database.
//
// Every operation lives on [Tx]; callers group operations into a
// transaction with [DB.Write] or run read-only queries with
// [DB.Read]. Convenience wrappers on DB cover the single-operation
// calls the FUSE handler issues on its hot path. Write operations
// return the post-state (the new inode or version) so callers never
// need a second lookup.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cowfs-io/cowfs/lib/clock"
	"github.com/cowfs-io/cowfs/lib/sqlitepool"
)

// RootInodeID is the inode id of the filesystem root directory. The
// kernel-visible root inode number is the same value.
const RootInodeID = 1

// TimeLayout is the storage format for all timestamps: UTC, fixed
// width, so lexicographic comparison in SQL equals chronological
// order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Sentinel errors for logical conditions. Everything else propagates
// as an I/O-level failure.
var (
	// ErrNotFound reports a missing inode, version, or snapshot.
	ErrNotFound = errors.New("not found")

	// ErrExists reports a unique-constraint conflict: a live sibling
	// with the same name, or a snapshot name already taken.
	ErrExists = errors.New("already exists")

	// ErrCorrupt reports a broken invariant (dangling reference,
	// missing current version). Fatal to the current operation.
	ErrCorrupt = errors.New("metadata corruption")
)

// Config holds the parameters for opening the metadata index.
type Config struct {
	// Path is the database file path, conventionally
	// <backend>/metadata.db.
	Path string

	// PoolSize is the connection pool size. Zero uses the pool
	// default.
	PoolSize int

	// Clock supplies row timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// DB is the open metadata index.
type DB struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (creating if necessary) the metadata database, applies
// the schema, and seeds the root inode and format version row.
func Open(cfg Config) (*DB, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("metadata: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	now := cfg.Clock.Now().UTC().Format(TimeLayout)

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
				return fmt.Errorf("applying schema: %w", err)
			}
			return seedRows(conn, now)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	db := &DB{pool: pool, clock: cfg.Clock, logger: logger}

	// Force the first connection through OnConnect now so schema
	// errors surface at open time, not on first use.
	if err := db.Read(context.Background(), func(tx *Tx) error {
		_, err := tx.FormatVersion()
		return err
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metadata: initializing: %w", err)
	}

	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.pool.Close()
}

// Tx is a borrowed connection carrying the typed operations. A Tx
// obtained from [DB.Write] runs inside an IMMEDIATE transaction; one
// from [DB.Read] does not. A Tx must not be retained beyond its
// callback.
type Tx struct {
	conn  *sqlite.Conn
	clock clock.Clock
}

// now returns the storage form of the current time.
func (tx *Tx) now() string {
	return tx.clock.Now().UTC().Format(TimeLayout)
}

// Read borrows a connection and runs fn with no enclosing
// transaction. Use for queries; concurrent readers do not block the
// writer under WAL.
func (db *DB) Read(ctx context.Context, fn func(*Tx) error) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	return fn(&Tx{conn: conn, clock: db.clock})
}

// Write borrows a connection, begins an IMMEDIATE transaction, runs
// fn, and commits. If fn returns an error the transaction rolls back
// and nothing changes.
func (db *DB) Write(ctx context.Context, fn func(*Tx) error) (err error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("metadata: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(&Tx{conn: conn, clock: db.clock})
}

// Savepoint runs fn inside a nested savepoint on this Tx. On error
// the savepoint rolls back but the enclosing transaction survives.
func (tx *Tx) Savepoint(fn func(*Tx) error) (err error) {
	release := sqlitex.Save(tx.conn)
	defer release(&err)
	return fn(tx)
}

// parseTime decodes a stored timestamp.
func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", value, err)
	}
	return t, nil
}

// FormatTime encodes a time in the storage format, for callers that
// compare against stored timestamps (restore --before, gc --before).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure, the condition mapped to [ErrExists].
func isUniqueViolation(err error) bool {
	return sqlite.ErrCode(err) == sqlite.ResultConstraintUnique ||
		sqlite.ErrCode(err) == sqlite.ResultConstraintPrimaryKey
}
