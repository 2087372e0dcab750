// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/cowfs-io/cowfs/lib/digest"
	"github.com/cowfs-io/cowfs/lib/metadata"
)

// DiffResult is the outcome of comparing two versions of one file.
type DiffResult struct {
	Path         string `json:"path"`
	Mode         string `json:"mode"` // "text" or "binary"
	LeftVersion  int    `json:"left_version"`
	RightVersion int    `json:"right_version"`
	LeftSize     int64  `json:"left_size"`
	RightSize    int64  `json:"right_size"`
	SameContent  bool   `json:"same_content"`
	Unified      string `json:"diff,omitempty"`
}

// Diff compares two versions of the file at path by 1-based ordinal.
// An ordinal of 0 selects the newest version. Binary content (a NUL
// byte or invalid UTF-8) is reported by size only, not diffed.
func (e *Engine) Diff(ctx context.Context, path string, leftOrdinal, rightOrdinal int) (*DiffResult, error) {
	path = NormalizePath(path)

	var left, right *metadata.Version
	err := e.backend.DB.Read(ctx, func(tx *metadata.Tx) error {
		inode, err := tx.GetInodeByPath(path, true)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return fmt.Errorf("no file at %s: %w", path, metadata.ErrNotFound)
			}
			return err
		}
		versions, err := tx.ListVersions(inode.ID)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			return fmt.Errorf("no versions of %s: %w", path, metadata.ErrNotFound)
		}

		pick := func(ordinal int) (*metadata.Version, error) {
			if ordinal == 0 {
				ordinal = len(versions)
			}
			if ordinal < 1 || ordinal > len(versions) {
				return nil, fmt.Errorf("version %d out of range (1..%d) for %s",
					ordinal, len(versions), path)
			}
			return versions[ordinal-1], nil
		}
		if left, err = pick(leftOrdinal); err != nil {
			return err
		}
		if leftOrdinal == 0 {
			leftOrdinal = len(versions)
		}
		if right, err = pick(rightOrdinal); err != nil {
			return err
		}
		if rightOrdinal == 0 {
			rightOrdinal = len(versions)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	leftDigest, err := digest.Parse(left.Digest)
	if err != nil {
		return nil, err
	}
	rightDigest, err := digest.Parse(right.Digest)
	if err != nil {
		return nil, err
	}
	leftData, err := e.backend.Store.Get(leftDigest)
	if err != nil {
		return nil, err
	}
	rightData, err := e.backend.Store.Get(rightDigest)
	if err != nil {
		return nil, err
	}

	result := &DiffResult{
		Path:         path,
		LeftVersion:  leftOrdinal,
		RightVersion: rightOrdinal,
		LeftSize:     left.Size,
		RightSize:    right.Size,
		SameContent:  left.Digest == right.Digest,
	}

	if isBinary(leftData) || isBinary(rightData) {
		result.Mode = "binary"
		return result, nil
	}

	result.Mode = "text"
	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(leftData)),
		B:        difflib.SplitLines(string(rightData)),
		FromFile: fmt.Sprintf("%s@v%d", path, result.LeftVersion),
		ToFile:   fmt.Sprintf("%s@v%d", path, result.RightVersion),
		Context:  3,
	})
	if err != nil {
		return nil, fmt.Errorf("computing diff for %s: %w", path, err)
	}
	result.Unified = unified
	return result, nil
}

// isBinary applies the git-style heuristic: NUL bytes or invalid
// UTF-8 mean binary.
func isBinary(data []byte) bool {
	for _, b := range data {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(data)
}
