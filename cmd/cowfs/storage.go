// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cowfs-io/cowfs/lib/backend"
	"github.com/cowfs-io/cowfs/lib/engine"
)

// storageEnvVar names the environment variable holding the default
// backend directory for commands not given --storage.
const storageEnvVar = "COWFS_STORAGE"

// resolveStorage picks the backend directory: the --storage flag wins
// over COWFS_STORAGE. The directory must carry the format marker.
func resolveStorage(flagValue string) (string, error) {
	candidate := flagValue
	if candidate == "" {
		candidate = os.Getenv(storageEnvVar)
	}
	if candidate == "" {
		return "", fmt.Errorf("no storage directory: pass --storage or set %s", storageEnvVar)
	}

	absolute, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolving storage path: %w", err)
	}
	if _, err := os.Stat(filepath.Join(absolute, backend.MarkerName)); err != nil {
		return "", fmt.Errorf("%s is not a COWFS backend", absolute)
	}
	return absolute, nil
}

// openEngine opens the backend for an offline command and returns the
// engine plus a close function.
func openEngine(storageFlag string) (*engine.Engine, func(), error) {
	root, err := resolveStorage(storageFlag)
	if err != nil {
		return nil, nil, err
	}

	b, err := backend.Open(root, backend.Options{})
	if err != nil {
		return nil, nil, err
	}
	return engine.New(b), func() { b.Close() }, nil
}

// parseUserTime accepts the timestamp formats the CLI documents:
// RFC 3339 and "2006-01-02 15:04:05" in local time.
func parseUserTime(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use RFC 3339 like 2026-02-23T10:02:00Z or \"2026-02-23 10:02:00\")", value)
}

// humanBytes renders a byte count for human output.
func humanBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// shortDigest truncates a hex digest for table display.
func shortDigest(digestHex string) string {
	if len(digestHex) <= 12 {
		return digestHex
	}
	return digestHex[:12] + "…"
}

// displayTime renders a timestamp for table display.
func displayTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
