// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package objectstore implements the durable content-addressed blob
// repository. Blobs are immutable, named by the hex digest of their
// content, and stored verbatim in a two-level sharded directory
// layout: objects/<first two hex chars>/<remaining 62>.
package objectstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cowfs-io/cowfs/lib/digest"
)

// tmpDir holds in-progress blob writes before their atomic rename.
const tmpDir = "tmp"

// Store manages the blob repository rooted at a single directory.
//
// Store is safe for concurrent use: Put relies on the digest being
// unique per content, so two concurrent puts of the same bytes write
// identical data to the same final path, and the rename is atomic.
type Store struct {
	root      string
	algorithm digest.Algorithm
}

// New creates a Store rooted at the given directory using the given
// digest algorithm. The directory structure is created if it does not
// exist.
func New(root string, algorithm digest.Algorithm) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating object store directory %s: %w", dir, err)
		}
	}
	return &Store{root: root, algorithm: algorithm}, nil
}

// Algorithm returns the digest algorithm this store hashes with.
func (s *Store) Algorithm() digest.Algorithm { return s.algorithm }

// Path returns the sharded filesystem path for a digest.
func (s *Store) Path(d digest.Digest) string {
	prefix, rest := digest.Shard(d)
	return filepath.Join(s.root, prefix, rest)
}

// Put stores data as an immutable blob and returns its digest. If a
// blob at the digest's path already exists the write is skipped
// entirely — identical content is stored once. New blobs are written
// to a temp file, fsynced, and renamed into place so that a crash
// never leaves a partial blob at a final path.
func (s *Store) Put(data []byte) (digest.Digest, error) {
	d := s.algorithm.Sum(data)
	finalPath := s.Path(d)

	if _, err := os.Stat(finalPath); err == nil {
		// Dedup: the existing blob is identical by construction.
		return d, nil
	}

	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "blob-*")
	if err != nil {
		return digest.Digest{}, fmt.Errorf("creating temp blob file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return digest.Digest{}, fmt.Errorf("writing blob: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return digest.Digest{}, fmt.Errorf("syncing blob: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return digest.Digest{}, fmt.Errorf("closing blob: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return digest.Digest{}, fmt.Errorf("creating shard directory: %w", err)
	}

	// Re-check after the temp write: a concurrent Put of the same
	// content may have landed first. Either way the final bytes are
	// identical.
	if _, err := os.Stat(finalPath); err == nil {
		os.Remove(tmpPath)
		success = true
		return d, nil
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return digest.Digest{}, fmt.Errorf("renaming blob to %s: %w", finalPath, err)
	}

	success = true
	return d, nil
}

// Get reads the complete blob for a digest.
func (s *Store) Get(d digest.Digest) ([]byte, error) {
	data, err := os.ReadFile(s.Path(d))
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", digest.Short(d), err)
	}
	return data, nil
}

// GetSlice reads up to length bytes of the blob starting at offset.
// Fewer bytes are returned only at end of file; an offset at or past
// the end yields an empty slice.
func (s *Store) GetSlice(d digest.Digest, offset int64, length int) ([]byte, error) {
	file, err := os.Open(s.Path(d))
	if err != nil {
		return nil, fmt.Errorf("opening object %s: %w", digest.Short(d), err)
	}
	defer file.Close()

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading object %s at %d: %w", digest.Short(d), offset, err)
	}
	return buf[:n], nil
}

// Exists reports whether the blob file for a digest is present.
func (s *Store) Exists(d digest.Digest) bool {
	_, err := os.Stat(s.Path(d))
	return err == nil
}

// Walk calls fn for every blob in the store with its digest and
// modification time. GC uses this to find blobs that have no object
// row at all — the residue of a flush whose metadata transaction
// never committed.
func (s *Store) Walk(fn func(d digest.Digest, size int64, modTime time.Time) error) error {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("reading object store root: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() || shard.Name() == tmpDir || len(shard.Name()) != 2 {
			continue
		}
		blobs, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return fmt.Errorf("reading shard %s: %w", shard.Name(), err)
		}
		for _, blob := range blobs {
			d, err := digest.Parse(shard.Name() + blob.Name())
			if err != nil {
				// Not a blob; leave foreign files alone.
				continue
			}
			info, err := blob.Info()
			if err != nil {
				return fmt.Errorf("stating blob %s: %w", blob.Name(), err)
			}
			if err := fn(d, info.Size(), info.ModTime()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete unlinks the blob file for a digest and returns the number of
// bytes freed. Deleting an absent blob is a no-op returning zero. An
// emptied shard directory is removed opportunistically.
func (s *Store) Delete(d digest.Digest) (int64, error) {
	path := s.Path(d)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stating object %s: %w", digest.Short(d), err)
	}

	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("removing object %s: %w", digest.Short(d), err)
	}

	// Only succeeds when the shard is empty; any error is fine.
	os.Remove(filepath.Dir(path))

	return info.Size(), nil
}
