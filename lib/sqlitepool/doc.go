// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a SQLite connection pool with the
// standard COWFS pragmas: WAL journaling (readers concurrent with the
// single writer), NORMAL synchronous, busy timeout, and foreign keys
// enforced.
//
// The metadata index is the only consumer, but the pool is kept as
// its own package so the pragma policy and pooling discipline stay
// separate from the schema and query code.
package sqlitepool
