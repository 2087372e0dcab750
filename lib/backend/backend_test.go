// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cowfs-io/cowfs/lib/clock"
	"github.com/cowfs-io/cowfs/lib/digest"
	"github.com/cowfs-io/cowfs/lib/metadata"
)

func testOptions() Options {
	return Options{Clock: clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))}
}

func TestInitCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "backend")

	b, err := Init(root, digest.SHA256, testOptions())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer b.Close()

	for _, name := range []string{MarkerName, metadataName, objectsDir} {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Errorf("%s missing after Init: %v", name, err)
		}
	}

	// The empty object is seeded.
	if !b.Store.Exists(digest.SHA256.Empty()) {
		t.Error("empty object blob not seeded")
	}

	root2, err := b.DB.GetInode(context.Background(), metadata.RootInodeID)
	if err != nil || !root2.IsDir {
		t.Errorf("root inode not seeded: %+v, %v", root2, err)
	}
}

func TestOpenRefusesNonBackend(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir, testOptions()); err == nil {
		t.Fatal("Open of a plain directory succeeded")
	}
}

func TestInitRefusesNonEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stray"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Init(dir, digest.SHA256, testOptions()); err == nil {
		t.Fatal("Init over a non-empty directory succeeded")
	}
}

func TestOpenPreservesAlgorithm(t *testing.T) {
	root := filepath.Join(t.TempDir(), "backend")

	b, err := Init(root, digest.BLAKE3, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	b.Close()

	reopened, err := Open(root, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Algorithm != digest.BLAKE3 {
		t.Errorf("Algorithm = %s, want blake3", reopened.Algorithm)
	}
}

func TestOpenRefusesNewerFormat(t *testing.T) {
	root := filepath.Join(t.TempDir(), "backend")
	b, err := Init(root, digest.SHA256, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	b.Close()

	marker := `{"format_version": 99, "digest_algo": "sha256", "created_at": "2026-03-01T12:00:00Z"}`
	if err := os.WriteFile(filepath.Join(root, MarkerName), []byte(marker), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(root, testOptions()); err == nil {
		t.Fatal("Open accepted a newer format version")
	}
}

func TestMarkerToleratesComments(t *testing.T) {
	root := filepath.Join(t.TempDir(), "backend")
	b, err := Init(root, digest.SHA256, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	b.Close()

	annotated := `{
  // hand-annotated by an operator
  "format_version": 1,
  "digest_algo": "sha256",
  "created_at": "2026-03-01T12:00:00Z"
}`
	if err := os.WriteFile(filepath.Join(root, MarkerName), []byte(annotated), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(root, testOptions())
	if err != nil {
		t.Fatalf("Open of annotated marker failed: %v", err)
	}
	reopened.Close()
}

func TestInitOrOpenIdempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "backend")

	first, err := InitOrOpen(root, digest.SHA256, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	first.Close()

	// Second call opens; the requested algorithm is ignored in favor
	// of the marker.
	second, err := InitOrOpen(root, digest.BLAKE3, testOptions())
	if err != nil {
		t.Fatalf("second InitOrOpen failed: %v", err)
	}
	defer second.Close()
	if second.Algorithm != digest.SHA256 {
		t.Errorf("Algorithm = %s, want sha256 from marker", second.Algorithm)
	}
}

func TestMountLockExcludes(t *testing.T) {
	root := t.TempDir()

	lock, err := AcquireMountLock(root)
	if err != nil {
		t.Fatalf("first AcquireMountLock failed: %v", err)
	}

	// flock is per-open-file, so a second descriptor in the same
	// process still conflicts.
	if _, err := AcquireMountLock(root); err == nil {
		t.Error("second AcquireMountLock succeeded while held")
	}

	lock.Release()
	relocked, err := AcquireMountLock(root)
	if err != nil {
		t.Fatalf("AcquireMountLock after Release failed: %v", err)
	}
	relocked.Release()
}
