// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockName is the advisory mount lock at the backend root. Exactly
// one handler may serve a backend at a time; concurrent multi-writer
// mounts are out of scope by design.
const lockName = ".cowfs.lock"

// MountLock is a held flock on the backend.
type MountLock struct {
	file *os.File
}

// AcquireMountLock takes the exclusive, non-blocking mount lock.
// Fails immediately if another process holds it.
func AcquireMountLock(root string) (*MountLock, error) {
	path := filepath.Join(root, lockName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening mount lock: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("backend %s is already mounted by another process", root)
	}
	return &MountLock{file: file}, nil
}

// Release drops the lock.
func (l *MountLock) Release() {
	if l.file == nil {
		return
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
}
