// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest defines the content-hash identity used throughout
// COWFS: the object store addresses blobs by digest, the metadata
// index stores digests as 64-character hex strings, and the format
// marker pins the algorithm for the lifetime of a backend.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 256-bit content hash. Both supported algorithms produce
// this width, so the type is algorithm-agnostic; the algorithm that
// produced a digest is a property of the backend, not the value.
type Digest [32]byte

// Algorithm selects the content hash used by a backend. The choice is
// recorded in the format marker at init time and never changes.
type Algorithm string

const (
	// SHA256 is the default algorithm.
	SHA256 Algorithm = "sha256"

	// BLAKE3 is the faster alternative, selectable at init time.
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm validates an algorithm name from a format marker or
// CLI flag.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case SHA256, BLAKE3:
		return Algorithm(name), nil
	}
	return "", fmt.Errorf("unsupported digest algorithm %q (want sha256 or blake3)", name)
}

// String returns the marker-format name of the algorithm.
func (a Algorithm) String() string { return string(a) }

// Sum computes the digest of data.
func (a Algorithm) Sum(data []byte) Digest {
	switch a {
	case SHA256:
		return Digest(sha256.Sum256(data))
	case BLAKE3:
		return Digest(blake3.Sum256(data))
	}
	panic("digest: unknown algorithm " + string(a))
}

// Empty returns the digest of the empty byte sequence. A freshly
// created file's single version points at this object, so reads of
// new files always resolve.
func (a Algorithm) Empty() Digest {
	return a.Sum(nil)
}

// Format returns the canonical 64-character lowercase hex form. This
// is the representation stored in metadata rows, used in blob paths,
// and printed by the CLI.
func Format(d Digest) string {
	return hex.EncodeToString(d[:])
}

// Parse decodes a 64-character hex string into a Digest.
func Parse(hexString string) (Digest, error) {
	var d Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != 32 {
		return d, fmt.Errorf("digest is %d bytes, want 32", len(decoded))
	}
	copy(d[:], decoded)
	return d, nil
}

// Shard splits a digest's hex form into the two-level object store
// path components: the first two characters name the shard directory,
// the remaining 62 name the blob file. This bounds any single
// directory's fan-out to 256 entries.
func Shard(d Digest) (prefix, rest string) {
	hexString := Format(d)
	return hexString[:2], hexString[2:]
}

// Short returns the first 12 hex characters, the truncated form used
// in logs and human CLI output.
func Short(d Digest) string {
	return Format(d)[:12]
}
