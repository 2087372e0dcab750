// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Stats aggregates the backend counters in one pass per table.
func (tx *Tx) Stats() (*Stats, error) {
	stats := &Stats{}

	scalar := func(query string, dest *int64) error {
		return sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				*dest = stmt.ColumnInt64(0)
				return nil
			},
		})
	}

	queries := []struct {
		sql  string
		dest *int64
	}{
		{`SELECT COUNT(*) FROM files WHERE is_deleted = 0 AND is_dir = 0`, &stats.TotalFiles},
		{`SELECT COUNT(*) FROM versions WHERE is_deleted = 0`, &stats.TotalVersions},
		{`SELECT COUNT(*) FROM objects`, &stats.TotalObjects},
		{`SELECT COALESCE(SUM(size_bytes), 0) FROM versions WHERE is_deleted = 0`, &stats.LogicalBytes},
		{`SELECT COALESCE(SUM(size_bytes), 0) FROM objects`, &stats.ActualBytes},
		{`SELECT COUNT(*) FROM objects WHERE ref_count <= 0`, &stats.OrphanedObjects},
	}
	for _, q := range queries {
		if err := scalar(q.sql, q.dest); err != nil {
			return nil, fmt.Errorf("computing stats: %w", err)
		}
	}
	return stats, nil
}

// Stats is the read-only wrapper used by statfs and the CLI.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	var stats *Stats
	err := db.Read(ctx, func(tx *Tx) error {
		var txErr error
		stats, txErr = tx.Stats()
		return txErr
	})
	return stats, err
}
