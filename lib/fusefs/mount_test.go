// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package fusefs

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/cowfs-io/cowfs/lib/backend"
	"github.com/cowfs-io/cowfs/lib/digest"
	"github.com/cowfs-io/cowfs/lib/engine"
	"github.com/cowfs-io/cowfs/lib/metadata"
)

// fuseAvailable checks whether /dev/fuse is accessible. Tests that
// need a real mount call this and skip if the device is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

// testMount initializes a backend, mounts it, and returns the
// mountpoint with the backend for direct inspection.
func testMount(t *testing.T) (mountpoint string, b *backend.Backend) {
	t.Helper()
	fuseAvailable(t)

	root := t.TempDir()
	b, err := backend.Init(filepath.Join(root, "backend"), digest.SHA256, backend.Options{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	mountpoint = filepath.Join(root, "mount")
	server, err := Mount(Options{
		Mountpoint: mountpoint,
		Backend:    b,
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	return mountpoint, b
}

func TestWriteThenReadBack(t *testing.T) {
	mountpoint, _ := testMount(t)

	path := filepath.Join(mountpoint, "a.txt")
	content := []byte("hello, copy-on-write world")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("read back %q, want %q", got, content)
	}
}

func TestEachSaveMakesOneVersion(t *testing.T) {
	mountpoint, b := testMount(t)

	path := filepath.Join(mountpoint, "versioned.txt")
	for _, content := range []string{"v1", "v2", "v1"} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	history, err := engine.New(b).History(context.Background(), "/versioned.txt")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// Three saves on top of the create version.
	if len(history.Versions) != 4 {
		t.Fatalf("version count = %d, want 4", len(history.Versions))
	}
	// Identical content saved twice shares a digest.
	if history.Versions[1].Digest != history.Versions[3].Digest {
		t.Error("identical saves produced different digests")
	}
}

func TestManyWritesOneFlushOneVersion(t *testing.T) {
	mountpoint, b := testMount(t)

	// One open/write.../close cycle with many syscall writes must
	// produce exactly one version beyond the create.
	file, err := os.Create(filepath.Join(mountpoint, "chunky.bin"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 64; i++ {
		if _, err := file.Write(bytes.Repeat([]byte{byte(i)}, 1024)); err != nil {
			t.Fatal(err)
		}
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	history, err := engine.New(b).History(context.Background(), "/chunky.bin")
	if err != nil {
		t.Fatal(err)
	}
	if len(history.Versions) != 2 {
		t.Errorf("version count = %d, want 2 (create + one flush)", len(history.Versions))
	}
	if history.Versions[1].Size != 64*1024 {
		t.Errorf("flushed size = %d, want %d", history.Versions[1].Size, 64*1024)
	}
}

func TestReaderSeesOwnUnflushedWrites(t *testing.T) {
	mountpoint, _ := testMount(t)

	path := filepath.Join(mountpoint, "inflight.txt")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	if _, err := file.WriteAt([]byte("unflushed"), 0); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 9)
	if _, err := file.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if string(got) != "unflushed" {
		t.Errorf("ReadAt = %q, want unflushed", got)
	}
}

func TestEmptyFileReadable(t *testing.T) {
	mountpoint, _ := testMount(t)

	path := filepath.Join(mountpoint, "empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading empty file: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty file read %d bytes", len(got))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("Size = %d, want 0", info.Size())
	}
}

func TestDedupAcrossPaths(t *testing.T) {
	mountpoint, b := testMount(t)

	content := []byte("X")
	for _, name := range []string{"a", "b"} {
		if err := os.WriteFile(filepath.Join(mountpoint, name), content, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	d := digest.Format(digest.SHA256.Sum(content))
	err := b.DB.Read(context.Background(), func(tx *metadata.Tx) error {
		object, err := tx.GetObject(d)
		if err != nil {
			return err
		}
		if object.RefCount != 2 {
			t.Errorf("ref count = %d, want 2", object.RefCount)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !b.Store.Exists(digest.SHA256.Sum(content)) {
		t.Error("blob missing")
	}
}

func TestMkdirReaddirRmdir(t *testing.T) {
	mountpoint, _ := testMount(t)

	dir := filepath.Join(mountpoint, "sub")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "inner.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "sub" || !entries[0].IsDir() {
		t.Errorf("root entries = %v", entries)
	}

	// Non-empty directory refuses.
	if err := os.Remove(dir); err == nil {
		t.Error("Rmdir of non-empty directory succeeded")
	}

	if err := os.Remove(filepath.Join(dir, "inner.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(dir); err != nil {
		t.Errorf("Rmdir of empty directory failed: %v", err)
	}
}

func TestUnlinkThenRecreateStartsNewChain(t *testing.T) {
	mountpoint, b := testMount(t)

	path := filepath.Join(mountpoint, "cycle.txt")
	if err := os.WriteFile(path, []byte("first life"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("Stat after unlink: %v", err)
	}

	if err := os.WriteFile(path, []byte("second life"), 0o644); err != nil {
		t.Fatalf("re-create failed: %v", err)
	}

	histories, err := engine.New(b).HistoryAllGenerations(context.Background(), "/cycle.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(histories) != 2 {
		t.Fatalf("generations = %d, want 2", len(histories))
	}
	if !histories[0].Deleted || histories[1].Deleted {
		t.Error("generation deleted flags wrong")
	}
}

func TestRenameMovesSubtree(t *testing.T) {
	mountpoint, b := testMount(t)

	if err := os.MkdirAll(filepath.Join(mountpoint, "olddir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mountpoint, "olddir", "leaf"), []byte("leafy"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.Rename(filepath.Join(mountpoint, "olddir"), filepath.Join(mountpoint, "newdir")); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(mountpoint, "newdir", "leaf"))
	if err != nil {
		t.Fatalf("reading moved file: %v", err)
	}
	if string(got) != "leafy" {
		t.Errorf("moved content = %q", got)
	}

	// The denormalized path followed the move.
	err = b.DB.Read(context.Background(), func(tx *metadata.Tx) error {
		if _, err := tx.GetInodeByPath("/newdir/leaf", false); err != nil {
			t.Errorf("path index after rename: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRenameReplacesDestination(t *testing.T) {
	mountpoint, _ := testMount(t)

	src := filepath.Join(mountpoint, "src")
	dst := filepath.Join(mountpoint, "dst")
	if err := os.WriteFile(src, []byte("source"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("target"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.Rename(src, dst); err != nil {
		t.Fatalf("Rename over existing: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "source" {
		t.Errorf("destination content = %q, want source", got)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still present after rename")
	}
}

func TestTruncateMakesVersion(t *testing.T) {
	mountpoint, b := testMount(t)

	path := filepath.Join(mountpoint, "shrink.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.Truncate(path, 4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "0123" {
		t.Errorf("after truncate = %q, want 0123", got)
	}

	history, err := engine.New(b).History(context.Background(), "/shrink.txt")
	if err != nil {
		t.Fatal(err)
	}
	newest := history.Versions[len(history.Versions)-1]
	if newest.Size != 4 {
		t.Errorf("newest version size = %d, want 4", newest.Size)
	}
}

func TestWriteBeyondEOFZeroFills(t *testing.T) {
	mountpoint, _ := testMount(t)

	path := filepath.Join(mountpoint, "holes.bin")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := file.WriteAt([]byte("end"), 100); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 103 {
		t.Fatalf("size = %d, want 103", len(got))
	}
	for i := 0; i < 100; i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d = %d, want 0", i, got[i])
		}
	}
	if string(got[100:]) != "end" {
		t.Errorf("tail = %q", got[100:])
	}
}

func TestUnicodeNamesRoundTrip(t *testing.T) {
	mountpoint, _ := testMount(t)

	name := "héllo-世界-🗄️.txt"
	if err := os.WriteFile(filepath.Join(mountpoint, name), []byte("unicode"), 0o644); err != nil {
		t.Fatalf("unicode write: %v", err)
	}

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != name {
		t.Errorf("readdir name = %q, want %q", entries[0].Name(), name)
	}
}

func TestChmodPersists(t *testing.T) {
	mountpoint, _ := testMount(t)

	path := filepath.Join(mountpoint, "modes")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatalf("Chmod: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}
}

func TestLargeFileFlush(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large-file test in short mode")
	}
	mountpoint, b := testMount(t)

	content := make([]byte, 100<<20)
	if _, err := rand.Read(content); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(mountpoint, "big.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing 100 MiB: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("100 MiB round trip mismatch")
	}

	if !b.Store.Exists(digest.SHA256.Sum(content)) {
		t.Error("blob for large file missing")
	}
}

func TestRestoreWhileMounted(t *testing.T) {
	mountpoint, b := testMount(t)

	path := filepath.Join(mountpoint, "data.bin")
	first := make([]byte, 4096)
	second := make([]byte, 4096)
	if _, err := rand.Read(first); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(second); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, first, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, second, 0o644); err != nil {
		t.Fatal(err)
	}

	// The engine works against the backend while the mount serves.
	// Version 2 is the first content (ordinal 1 is the create).
	result, err := engine.New(b).Restore(context.Background(), "/data.bin",
		engine.RestoreOptions{Version: 2})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// The kernel may cache the old pages briefly; assert against the
	// backend, which is authoritative.
	if result.Digest != digest.Format(digest.SHA256.Sum(first)) {
		t.Error("restore selected the wrong version")
	}
	err = b.DB.Read(context.Background(), func(tx *metadata.Tx) error {
		inode, err := tx.GetInodeByPath("/data.bin", false)
		if err != nil {
			return err
		}
		current, err := tx.CurrentVersion(inode.ID)
		if err != nil {
			return err
		}
		if current.Digest != digest.Format(digest.SHA256.Sum(first)) {
			t.Error("current version after restore is not the first content")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
