// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend manages the on-disk root of one COWFS instance:
// the format marker, the metadata database, the object store, and
// the mount lock.
//
// Layout under the root directory:
//
//	.cowfs          format marker (version + digest algorithm)
//	.cowfs.lock     advisory mount lock
//	metadata.db     metadata index (plus WAL sidecars)
//	objects/xx/...  sharded blobs
package backend

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cowfs-io/cowfs/lib/clock"
	"github.com/cowfs-io/cowfs/lib/digest"
	"github.com/cowfs-io/cowfs/lib/metadata"
	"github.com/cowfs-io/cowfs/lib/objectstore"
)

// objectsDir is the blob store directory under the backend root.
const objectsDir = "objects"

// metadataName is the metadata database file under the backend root.
const metadataName = "metadata.db"

// Backend is an open COWFS backend: the pair of stores plus the
// immutable identity read from the format marker.
type Backend struct {
	Root      string
	Algorithm digest.Algorithm
	Store     *objectstore.Store
	DB        *metadata.DB
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Options configures Init and Open.
type Options struct {
	// Clock supplies timestamps. Nil uses the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger

	// PoolSize overrides the metadata connection pool size.
	PoolSize int
}

func (o *Options) fill() {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Init creates a new backend at root with the chosen digest
// algorithm. The directory must be absent or empty; any non-empty
// directory, an existing backend included, is refused.
func Init(root string, algorithm digest.Algorithm, options Options) (*Backend, error) {
	options.fill()

	entries, err := os.ReadDir(root)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("creating backend directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("reading backend directory: %w", err)
	case len(entries) > 0:
		return nil, fmt.Errorf("%s is not empty and not a COWFS backend", root)
	}

	if err := writeMarker(root, algorithm, options.Clock.Now()); err != nil {
		return nil, err
	}

	backend, err := open(root, algorithm, options)
	if err != nil {
		return nil, err
	}

	// Seed the empty object blob so a freshly created file's single
	// version always resolves.
	if _, err := backend.Store.Put(nil); err != nil {
		backend.Close()
		return nil, fmt.Errorf("seeding empty object: %w", err)
	}

	options.Logger.Info("initialized backend",
		"root", root,
		"digest_algo", algorithm.String(),
	)
	return backend, nil
}

// Open opens an existing backend, refusing directories without a
// valid marker. The digest algorithm comes from the marker and cannot
// be overridden.
func Open(root string, options Options) (*Backend, error) {
	options.fill()

	marker, err := readMarker(root)
	if err != nil {
		return nil, err
	}
	algorithm, err := digest.ParseAlgorithm(marker.DigestAlgo)
	if err != nil {
		return nil, err
	}
	return open(root, algorithm, options)
}

// InitOrOpen opens root as a backend, initializing it first when the
// directory is missing or empty. The mount command uses this so a
// first mount bootstraps the backend in place.
func InitOrOpen(root string, algorithm digest.Algorithm, options Options) (*Backend, error) {
	if _, err := os.Stat(filepath.Join(root, MarkerName)); err == nil {
		return Open(root, options)
	}
	return Init(root, algorithm, options)
}

func open(root string, algorithm digest.Algorithm, options Options) (*Backend, error) {
	store, err := objectstore.New(filepath.Join(root, objectsDir), algorithm)
	if err != nil {
		return nil, fmt.Errorf("opening object store: %w", err)
	}

	db, err := metadata.Open(metadata.Config{
		Path:     filepath.Join(root, metadataName),
		PoolSize: options.PoolSize,
		Clock:    options.Clock,
		Logger:   options.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening metadata index: %w", err)
	}

	return &Backend{
		Root:      root,
		Algorithm: algorithm,
		Store:     store,
		DB:        db,
		Clock:     options.Clock,
		Logger:    options.Logger,
	}, nil
}

// Close releases the metadata pool. The object store holds no open
// handles between operations.
func (b *Backend) Close() error {
	return b.DB.Close()
}

// Marker re-reads the format marker, for the stats command.
func (b *Backend) Marker() (*Marker, error) {
	return readMarker(b.Root)
}
