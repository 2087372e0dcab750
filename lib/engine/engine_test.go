// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"testing"
	"time"

	"github.com/cowfs-io/cowfs/lib/backend"
	"github.com/cowfs-io/cowfs/lib/clock"
	"github.com/cowfs-io/cowfs/lib/digest"
	"github.com/cowfs-io/cowfs/lib/metadata"
)

// newTestEngine initializes a backend on a fake clock. Each helper
// write advances the clock so versions have distinct timestamps.
func newTestEngine(t *testing.T) (*Engine, *backend.Backend, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b, err := backend.Init(t.TempDir()+"/backend", digest.SHA256, backend.Options{
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return New(b), b, fakeClock
}

// writeFile performs what a handler flush does: ensure the inode
// exists (with its empty create version), store the blob, append a
// version. The clock advances one second per call.
func writeFile(t *testing.T, b *backend.Backend, fakeClock *clock.FakeClock, filePath string, content []byte) {
	t.Helper()
	fakeClock.Advance(time.Second)
	ctx := context.Background()

	d, err := b.Store.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	err = b.DB.Write(ctx, func(tx *metadata.Tx) error {
		inode, err := tx.GetInodeByPath(filePath, false)
		if errors.Is(err, metadata.ErrNotFound) {
			parentPath, name := path.Split(filePath)
			parentPath = path.Clean(parentPath)
			parent, parentErr := tx.GetInodeByPath(parentPath, false)
			if parentErr != nil {
				return parentErr
			}
			inode, err = tx.CreateInode(metadata.CreateInodeParams{
				ParentID: parent.ID,
				Name:     name,
				Path:     filePath,
				Mode:     0o100644,
			})
			if err != nil {
				return err
			}
			empty, putErr := b.Store.Put(nil)
			if putErr != nil {
				return putErr
			}
			if _, err := tx.AppendVersion(inode.ID, digest.Format(empty), 0, metadata.EventCreate); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		_, err = tx.AppendVersion(inode.ID, digest.Format(d), int64(len(content)), metadata.EventWrite)
		return err
	})
	if err != nil {
		t.Fatalf("writeFile %s: %v", filePath, err)
	}
}

// mkdir creates a directory inode.
func mkdir(t *testing.T, b *backend.Backend, dirPath string) {
	t.Helper()
	err := b.DB.Write(context.Background(), func(tx *metadata.Tx) error {
		parentPath, name := path.Split(dirPath)
		parent, err := tx.GetInodeByPath(path.Clean(parentPath), false)
		if err != nil {
			return err
		}
		_, err = tx.CreateInode(metadata.CreateInodeParams{
			ParentID: parent.ID,
			Name:     name,
			Path:     dirPath,
			IsDir:    true,
			Mode:     0o40755,
		})
		return err
	})
	if err != nil {
		t.Fatalf("mkdir %s: %v", dirPath, err)
	}
}

// unlink soft-deletes a file and releases its current version's
// object reference, mirroring the handler.
func unlink(t *testing.T, b *backend.Backend, filePath string) {
	t.Helper()
	err := b.DB.Write(context.Background(), func(tx *metadata.Tx) error {
		inode, err := tx.GetInodeByPath(filePath, false)
		if err != nil {
			return err
		}
		current, err := tx.CurrentVersion(inode.ID)
		if err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return err
		}
		if err := tx.SoftDeleteInode(inode.ID, metadata.EventDelete); err != nil {
			return err
		}
		if current != nil {
			if _, err := tx.DecrementRef(current.Digest); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unlink %s: %v", filePath, err)
	}
}

// readCurrent returns the bytes of a path's current version.
func readCurrent(t *testing.T, b *backend.Backend, filePath string) []byte {
	t.Helper()
	var data []byte
	err := b.DB.Read(context.Background(), func(tx *metadata.Tx) error {
		inode, err := tx.GetInodeByPath(filePath, false)
		if err != nil {
			return err
		}
		current, err := tx.CurrentVersion(inode.ID)
		if err != nil {
			return err
		}
		d, err := digest.Parse(current.Digest)
		if err != nil {
			return err
		}
		data, err = b.Store.Get(d)
		return err
	})
	if err != nil {
		t.Fatalf("readCurrent %s: %v", filePath, err)
	}
	return data
}

// verifyInvariants re-checks the quantified invariants over the whole
// backend: every version's object row and blob exist with matching
// size and digest; sibling names are unique among live inodes; paths
// equal the ancestor chain; live files have a current version of
// their own.
func verifyInvariants(t *testing.T, b *backend.Backend) {
	t.Helper()
	ctx := context.Background()

	err := b.DB.Read(ctx, func(tx *metadata.Tx) error {
		root, err := tx.GetInode(metadata.RootInodeID)
		if err != nil {
			return err
		}

		var walk func(parent *metadata.Inode) error
		seen := make(map[string]bool)
		walk = func(parent *metadata.Inode) error {
			children, err := tx.ListChildren(parent.ID)
			if err != nil {
				return err
			}
			for _, child := range children {
				key := fmt.Sprintf("%d/%s", parent.ID, child.Name)
				if seen[key] {
					t.Errorf("duplicate live sibling %q under inode %d", child.Name, parent.ID)
				}
				seen[key] = true

				wantPath := path.Join(parent.Path, child.Name)
				if child.Path != wantPath {
					t.Errorf("inode %d path = %q, want %q", child.ID, child.Path, wantPath)
				}

				if child.IsDir {
					if err := walk(child); err != nil {
						return err
					}
					continue
				}

				if child.CurrentVersionID == 0 {
					t.Errorf("live file %s has no current version", child.Path)
					continue
				}
				current, err := tx.GetVersion(child.CurrentVersionID)
				if err != nil {
					return err
				}
				if current.FileID != child.ID {
					t.Errorf("current version of %s belongs to file %d", child.Path, current.FileID)
				}

				versions, err := tx.ListVersions(child.ID)
				if err != nil {
					return err
				}
				for _, version := range versions {
					object, err := tx.GetObject(version.Digest)
					if err != nil {
						t.Errorf("version %d of %s: object row missing", version.ID, child.Path)
						continue
					}
					if object.Size != version.Size {
						t.Errorf("object %s size %d != version size %d",
							version.Digest[:12], object.Size, version.Size)
					}
					d, err := digest.Parse(version.Digest)
					if err != nil {
						return err
					}
					blob, err := b.Store.Get(d)
					if err != nil {
						t.Errorf("version %d of %s: blob missing", version.ID, child.Path)
						continue
					}
					if int64(len(blob)) != version.Size {
						t.Errorf("blob %s length %d != version size %d",
							version.Digest[:12], len(blob), version.Size)
					}
					if digest.Format(b.Algorithm.Sum(blob)) != version.Digest {
						t.Errorf("blob %s content does not hash to its digest", version.Digest[:12])
					}
				}
			}
			return nil
		}
		return walk(root)
	})
	if err != nil {
		t.Fatalf("verifyInvariants: %v", err)
	}
}

func TestHistoryMarksCurrent(t *testing.T) {
	e, b, fakeClock := newTestEngine(t)

	writeFile(t, b, fakeClock, "/a.txt", []byte("v1"))
	writeFile(t, b, fakeClock, "/a.txt", []byte("v2"))

	history, err := e.History(context.Background(), "a.txt")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// Create version plus two writes.
	if len(history.Versions) != 3 {
		t.Fatalf("versions = %d, want 3", len(history.Versions))
	}
	for i, version := range history.Versions {
		wantCurrent := i == len(history.Versions)-1
		if version.Current != wantCurrent {
			t.Errorf("version %d current = %v, want %v", version.Ordinal, version.Current, wantCurrent)
		}
		if version.Ordinal != i+1 {
			t.Errorf("ordinal = %d, want %d", version.Ordinal, i+1)
		}
	}
	verifyInvariants(t, b)
}

func TestScenarioThreeWritesTwoBlobs(t *testing.T) {
	e, b, fakeClock := newTestEngine(t)

	writeFile(t, b, fakeClock, "/a.txt", []byte("v1"))
	writeFile(t, b, fakeClock, "/a.txt", []byte("v2"))
	writeFile(t, b, fakeClock, "/a.txt", []byte("v1"))

	history, err := e.History(context.Background(), "/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	// Three writes after the create version.
	saves := history.Versions[1:]
	if len(saves) != 3 {
		t.Fatalf("saved versions = %d, want 3", len(saves))
	}
	if saves[0].Digest != saves[2].Digest {
		t.Error("writes 1 and 3 should share a digest")
	}
	if saves[0].Digest == saves[1].Digest {
		t.Error("writes 1 and 2 should differ")
	}

	stats, err := e.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// v1, v2, and the empty object.
	if stats.TotalObjects != 3 {
		t.Errorf("objects = %d, want 3", stats.TotalObjects)
	}
	verifyInvariants(t, b)
}

func TestScenarioDedupRefCount(t *testing.T) {
	_, b, fakeClock := newTestEngine(t)

	writeFile(t, b, fakeClock, "/a", []byte("X"))
	writeFile(t, b, fakeClock, "/b", []byte("X"))

	d := digest.Format(digest.SHA256.Sum([]byte("X")))
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
	verifyInvariants(t, b)
}

func TestRestoreByVersion(t *testing.T) {
	e, b, fakeClock := newTestEngine(t)

	writeFile(t, b, fakeClock, "/data.bin", []byte("first blob"))
	writeFile(t, b, fakeClock, "/data.bin", []byte("second blob"))

	// Ordinal 2 is the first write (1 is the create version).
	result, err := e.Restore(context.Background(), "/data.bin", RestoreOptions{Version: 2})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.FromVersion != 2 {
		t.Errorf("FromVersion = %d, want 2", result.FromVersion)
	}

	if got := readCurrent(t, b, "/data.bin"); string(got) != "first blob" {
		t.Errorf("content after restore = %q", got)
	}

	// Restore appended; nothing was rewritten.
	history, err := e.History(context.Background(), "/data.bin")
	if err != nil {
		t.Fatal(err)
	}
	if len(history.Versions) != 4 {
		t.Errorf("versions after restore = %d, want 4", len(history.Versions))
	}
	verifyInvariants(t, b)
}

func TestRestoreBefore(t *testing.T) {
	e, b, fakeClock := newTestEngine(t)

	writeFile(t, b, fakeClock, "/t.txt", []byte("early"))
	cutoff := fakeClock.Now().Add(30 * time.Minute)
	fakeClock.Advance(time.Hour)
	writeFile(t, b, fakeClock, "/t.txt", []byte("late"))

	if _, err := e.Restore(context.Background(), "/t.txt", RestoreOptions{Before: cutoff}); err != nil {
		t.Fatalf("RestoreBefore: %v", err)
	}
	if got := readCurrent(t, b, "/t.txt"); string(got) != "early" {
		t.Errorf("content = %q, want early", got)
	}
}

func TestRestoreValidation(t *testing.T) {
	e, b, fakeClock := newTestEngine(t)
	ctx := context.Background()

	writeFile(t, b, fakeClock, "/v.txt", []byte("x"))

	if _, err := e.Restore(ctx, "/v.txt", RestoreOptions{}); err == nil {
		t.Error("Restore with neither selector succeeded")
	}
	if _, err := e.Restore(ctx, "/v.txt", RestoreOptions{Version: 99}); err == nil {
		t.Error("Restore of out-of-range version succeeded")
	}
	if _, err := e.Restore(ctx, "/absent", RestoreOptions{Version: 1}); !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("Restore of missing path: %v, want ErrNotFound", err)
	}
}

func TestRestoreDryRunChangesNothing(t *testing.T) {
	e, b, fakeClock := newTestEngine(t)
	ctx := context.Background()

	writeFile(t, b, fakeClock, "/d.txt", []byte("one"))
	writeFile(t, b, fakeClock, "/d.txt", []byte("two"))

	result, err := e.Restore(ctx, "/d.txt", RestoreOptions{Version: 2, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !result.DryRun {
		t.Error("result not marked dry-run")
	}

	history, err := e.History(ctx, "/d.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(history.Versions) != 3 {
		t.Errorf("dry-run appended a version: %d", len(history.Versions))
	}
	if got := readCurrent(t, b, "/d.txt"); string(got) != "two" {
		t.Errorf("dry-run changed content to %q", got)
	}
}

func TestScenarioDeletedFileRestore(t *testing.T) {
	e, b, fakeClock := newTestEngine(t)
	ctx := context.Background()

	mkdir(t, b, "/tmp")
	writeFile(t, b, fakeClock, "/tmp/doc", []byte("precious"))
	unlink(t, b, "/tmp/doc")

	if _, err := e.History(ctx, "/tmp/doc"); err != nil {
		t.Fatalf("History of deleted file: %v", err)
	}

	// Ordinal 2 is the content write.
	result, err := e.Restore(ctx, "/tmp/doc", RestoreOptions{Version: 2})
	if err != nil {
		t.Fatalf("Restore of deleted file: %v", err)
	}
	if !result.Undeleted {
		t.Error("result does not report undeletion")
	}
	if got := readCurrent(t, b, "/tmp/doc"); string(got) != "precious" {
		t.Errorf("restored content = %q", got)
	}
	verifyInvariants(t, b)
}
