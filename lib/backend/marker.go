// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/cowfs-io/cowfs/lib/digest"
)

// MarkerName is the format marker file at the backend root. A
// directory without it is not a backend and must never be mutated as
// one.
const MarkerName = ".cowfs"

// FormatVersion is the newest backend format this build writes and
// understands.
const FormatVersion = 1

// Marker is the backend identity document. The digest algorithm is
// fixed here at init time and never changes for the life of the
// backend.
type Marker struct {
	FormatVersion int    `json:"format_version"`
	DigestAlgo    string `json:"digest_algo"`
	CreatedAt     string `json:"created_at"`
}

// writeMarker creates the marker file. Fails if one already exists.
func writeMarker(root string, algorithm digest.Algorithm, now time.Time) error {
	marker := Marker{
		FormatVersion: FormatVersion,
		DigestAlgo:    algorithm.String(),
		CreatedAt:     now.UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding format marker: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(root, MarkerName)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating format marker: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("writing format marker: %w", err)
	}
	return file.Close()
}

// readMarker loads and validates the marker. The file is parsed as
// JSONC so a hand-annotated marker still mounts.
func readMarker(root string) (*Marker, error) {
	path := filepath.Join(root, MarkerName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s is not a COWFS backend (missing %s)", root, MarkerName)
		}
		return nil, fmt.Errorf("reading format marker: %w", err)
	}

	var marker Marker
	if err := json.Unmarshal(jsonc.ToJSON(data), &marker); err != nil {
		return nil, fmt.Errorf("parsing format marker: %w", err)
	}

	if marker.FormatVersion <= 0 || marker.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("unsupported backend format version %d (supported: %d)",
			marker.FormatVersion, FormatVersion)
	}
	if _, err := digest.ParseAlgorithm(marker.DigestAlgo); err != nil {
		return nil, fmt.Errorf("invalid format marker: %w", err)
	}
	return &marker, nil
}
