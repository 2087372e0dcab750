// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package bufcache

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func seedWith(data []byte) Seed {
	return func() ([]byte, error) { return data, nil }
}

func TestWriteSeedsFromCurrentContent(t *testing.T) {
	cache := New()

	release := cache.LockInode(7)
	n, err := cache.Write(7, 6, []byte("world"), seedWith([]byte("hello hello")))
	release()
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Write returned %d, want 5", n)
	}

	got, ok := cache.Read(7, 0, 100)
	if !ok {
		t.Fatal("no buffer after write")
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("buffer = %q, want %q", got, "hello world")
	}
}

func TestWriteBeyondEOFZeroFills(t *testing.T) {
	cache := New()

	release := cache.LockInode(1)
	_, err := cache.Write(1, 4, []byte("ab"), seedWith(nil))
	release()
	if err != nil {
		t.Fatal(err)
	}

	got, _ := cache.Read(1, 0, 10)
	want := []byte{0, 0, 0, 0, 'a', 'b'}
	if !bytes.Equal(got, want) {
		t.Errorf("buffer = %v, want %v", got, want)
	}
}

func TestSeedErrorPropagates(t *testing.T) {
	cache := New()
	boom := errors.New("seed failed")

	release := cache.LockInode(1)
	defer release()
	_, err := cache.Write(1, 0, []byte("x"), func() ([]byte, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Write returned %v, want seed error", err)
	}
	if cache.Dirty(1) {
		t.Error("buffer created despite seed failure")
	}
}

func TestTruncate(t *testing.T) {
	cache := New()

	release := cache.LockInode(1)
	defer release()

	if err := cache.Truncate(1, 3, seedWith([]byte("truncate me"))); err != nil {
		t.Fatal(err)
	}
	got, _ := cache.Read(1, 0, 100)
	if !bytes.Equal(got, []byte("tru")) {
		t.Errorf("after shrink: %q, want %q", got, "tru")
	}

	if err := cache.Truncate(1, 5, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = cache.Read(1, 0, 100)
	if !bytes.Equal(got, []byte{'t', 'r', 'u', 0, 0}) {
		t.Errorf("after grow: %v", got)
	}
}

func TestReadWindows(t *testing.T) {
	cache := New()

	release := cache.LockInode(1)
	if _, err := cache.Write(1, 0, []byte("0123456789"), seedWith(nil)); err != nil {
		t.Fatal(err)
	}
	release()

	got, ok := cache.Read(1, 8, 10)
	if !ok || !bytes.Equal(got, []byte("89")) {
		t.Errorf("Read(8, 10) = %q, %v", got, ok)
	}

	got, ok = cache.Read(1, 20, 10)
	if !ok || len(got) != 0 {
		t.Errorf("Read past EOF = %q, %v, want empty, true", got, ok)
	}

	if _, ok := cache.Read(99, 0, 10); ok {
		t.Error("Read of unbuffered inode reported a buffer")
	}
}

func TestTakeRestoreDrop(t *testing.T) {
	cache := New()

	release := cache.LockInode(1)
	defer release()

	if _, err := cache.Write(1, 0, []byte("dirty"), seedWith(nil)); err != nil {
		t.Fatal(err)
	}

	buf, ok := cache.Take(1)
	if !ok || !bytes.Equal(buf, []byte("dirty")) {
		t.Fatalf("Take = %q, %v", buf, ok)
	}
	if cache.Dirty(1) {
		t.Error("Dirty after Take")
	}

	// Failed drain path: the bytes come back.
	cache.Restore(1, buf)
	if !cache.Dirty(1) {
		t.Error("not Dirty after Restore")
	}

	cache.Drop(1)
	if cache.Dirty(1) {
		t.Error("Dirty after Drop")
	}

	if _, ok := cache.Take(1); ok {
		t.Error("Take of clean inode reported a buffer")
	}
}

func TestLenTracksBuffer(t *testing.T) {
	cache := New()

	if _, ok := cache.Len(1); ok {
		t.Error("Len reported a buffer before any write")
	}

	release := cache.LockInode(1)
	if _, err := cache.Write(1, 0, []byte("12345"), seedWith(nil)); err != nil {
		t.Fatal(err)
	}
	release()

	n, ok := cache.Len(1)
	if !ok || n != 5 {
		t.Errorf("Len = %d, %v, want 5, true", n, ok)
	}
}

func TestLockTablePrunes(t *testing.T) {
	cache := New()

	release := cache.LockInode(42)
	release()

	cache.mu.Lock()
	_, present := cache.locks[42]
	cache.mu.Unlock()
	if present {
		t.Error("lock entry survived release with no buffer")
	}

	// With a buffer the entry stays.
	release = cache.LockInode(43)
	if _, err := cache.Write(43, 0, []byte("x"), seedWith(nil)); err != nil {
		t.Fatal(err)
	}
	release()

	cache.mu.Lock()
	_, present = cache.locks[43]
	cache.mu.Unlock()
	if !present {
		t.Error("lock entry pruned while buffer exists")
	}
}

func TestPerInodeSerialization(t *testing.T) {
	cache := New()

	// Interleave appends from two goroutines on one inode; the lock
	// makes each read-modify-write atomic, so every byte lands.
	const writes = 100
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				release := cache.LockInode(1)
				n, _ := cache.Len(1)
				if _, err := cache.Write(1, n, []byte{byte(g)}, seedWith(nil)); err != nil {
					t.Errorf("Write failed: %v", err)
				}
				release()
			}
		}(g)
	}
	wg.Wait()

	n, _ := cache.Len(1)
	if n != 2*writes {
		t.Errorf("buffer length = %d, want %d", n, 2*writes)
	}
}
