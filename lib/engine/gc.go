// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cowfs-io/cowfs/lib/digest"
	"github.com/cowfs-io/cowfs/lib/metadata"
)

// DefaultSafetyWindow is the minimum age an object must reach before
// GC may delete it. It covers the interval between a blob landing on
// disk and its version row committing; a blob younger than this may
// belong to an in-flight flush.
const DefaultSafetyWindow = 60 * time.Second

// GCOptions controls a garbage collection pass.
type GCOptions struct {
	// KeepLast soft-deletes all but each file's most recent N
	// versions before collecting. Zero disables the policy.
	KeepLast int

	// Before soft-deletes versions created before this time (never a
	// file's current version) before collecting. Zero disables the
	// policy.
	Before time.Time

	// SafetyWindow overrides DefaultSafetyWindow. Zero uses the
	// default; tests use a fake clock instead of shrinking it.
	SafetyWindow time.Duration

	// DryRun computes and reports without deleting anything.
	DryRun bool
}

// GCResult reports one pass.
type GCResult struct {
	VersionsPruned      int      `json:"versions_pruned"`
	VersionsPrunedBytes int64    `json:"versions_pruned_bytes"`
	CandidateObjects    int      `json:"candidate_objects"`
	ReclaimedObjects    int      `json:"reclaimed_objects"`
	ReclaimedBytes      int64    `json:"reclaimed_bytes"`
	SkippedReferenced   int      `json:"skipped_referenced"`
	SkippedYoung        int      `json:"skipped_young"`
	MissingOnDisk       int      `json:"missing_on_disk"`
	Digests             []string `json:"digests,omitempty"`
	DryRun              bool     `json:"dry_run"`
}

// GC prunes versions per the options, then reclaims unreferenced
// objects older than the safety window. The prune phase is one
// transaction; each object is then reclaimed in its own bounded
// transaction so one bad digest cannot abort the pass. Safe to run
// against a mounted filesystem.
func (e *Engine) GC(ctx context.Context, options GCOptions) (*GCResult, error) {
	if options.KeepLast != 0 && !options.Before.IsZero() {
		return nil, fmt.Errorf("gc accepts either keep-last or before, not both")
	}
	safetyWindow := options.SafetyWindow
	if safetyWindow == 0 {
		safetyWindow = DefaultSafetyWindow
	}

	result := &GCResult{DryRun: options.DryRun}

	// Phase 1: prune versions. Soft-delete plus reference decrement,
	// one transaction for the whole policy.
	if options.KeepLast > 0 || !options.Before.IsZero() {
		err := e.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
			var prunable []*metadata.Version
			var err error
			if options.KeepLast > 0 {
				prunable, err = tx.PrunableKeepLast(options.KeepLast)
			} else {
				prunable, err = tx.PrunableBefore(metadata.FormatTime(options.Before))
			}
			if err != nil {
				return err
			}

			result.VersionsPruned = len(prunable)
			for _, version := range prunable {
				result.VersionsPrunedBytes += version.Size
				if options.DryRun {
					continue
				}
				if err := tx.SoftDeleteVersion(version.ID); err != nil {
					return err
				}
				if _, err := tx.DecrementRef(version.Digest); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// Phase 2: collect the candidate set under a read transaction.
	cutoff := e.backend.Clock.Now().Add(-safetyWindow)
	var candidates []*metadata.Object
	err := e.backend.DB.Read(ctx, func(tx *metadata.Tx) error {
		orphans, err := tx.ListOrphanObjects()
		if err != nil {
			return err
		}
		referenced, err := tx.ReferencedDigests()
		if err != nil {
			return err
		}

		for _, object := range orphans {
			if referenced[object.Digest] {
				// A zero count on a digest some live version still
				// cites (a deleted file's history, say) never
				// deletes the blob out from under that version.
				result.SkippedReferenced++
				continue
			}
			if object.CreatedAt.After(cutoff) {
				result.SkippedYoung++
				continue
			}
			candidates = append(candidates, object)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.CandidateObjects = len(candidates)

	// Phase 3: reclaim. Row and blob go together, one transaction per
	// digest; a failure skips that digest and the pass continues.
	for _, object := range candidates {
		result.Digests = append(result.Digests, object.Digest)
		if options.DryRun {
			result.ReclaimedBytes += object.Size
			continue
		}

		err := e.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
			// Re-check inside the transaction: a concurrent restore
			// may have re-referenced the object since phase 2.
			current, err := tx.GetObject(object.Digest)
			if err != nil {
				return err
			}
			if current.RefCount > 0 {
				return errObjectRevived
			}
			// Policy-pruned version rows citing this digest go with
			// it; no surviving row may reference a removed object.
			if err := tx.DeleteSoftDeletedVersions(object.Digest); err != nil {
				return err
			}
			if err := tx.DeleteObjectRow(object.Digest); err != nil {
				return err
			}

			parsed, err := digest.Parse(object.Digest)
			if err != nil {
				return err
			}
			freed, err := e.backend.Store.Delete(parsed)
			if err != nil {
				return err
			}
			if freed == 0 {
				result.MissingOnDisk++
			}
			return nil
		})
		switch {
		case errors.Is(err, errObjectRevived):
			result.SkippedReferenced++
		case err != nil:
			e.logger.Warn("skipping object during gc",
				"digest", object.Digest[:12],
				"error", err,
			)
		default:
			result.ReclaimedObjects++
			result.ReclaimedBytes += object.Size
		}
	}

	// Phase 4: sweep the store for blobs with no object row at all —
	// what a crash between blob write and metadata commit leaves
	// behind. The same safety window applies, measured against the
	// blob's mtime.
	if err := e.sweepRowlessBlobs(ctx, cutoff, options.DryRun, result); err != nil {
		return nil, err
	}

	if !options.DryRun {
		err := e.backend.DB.Write(ctx, func(tx *metadata.Tx) error {
			return tx.RecordEvent(metadata.EventGC, "", 0, "")
		})
		if err != nil {
			return nil, err
		}
		e.logger.Info("gc pass complete",
			"versions_pruned", result.VersionsPruned,
			"objects_reclaimed", result.ReclaimedObjects,
			"bytes_reclaimed", result.ReclaimedBytes,
		)
	}
	return result, nil
}

// errObjectRevived marks a candidate whose reference count rose again
// between the scan and its reclaim transaction.
var errObjectRevived = errors.New("object re-referenced during gc")

// sweepRowlessBlobs removes blobs that exist on disk with no object
// row, once older than the safety window.
func (e *Engine) sweepRowlessBlobs(ctx context.Context, cutoff time.Time, dryRun bool, result *GCResult) error {
	var known map[string]bool
	err := e.backend.DB.Read(ctx, func(tx *metadata.Tx) error {
		var txErr error
		known, txErr = tx.AllObjectDigests()
		return txErr
	})
	if err != nil {
		return err
	}

	emptyDigest := e.backend.Algorithm.Empty()
	return e.backend.Store.Walk(func(d digest.Digest, size int64, modTime time.Time) error {
		// The seeded empty blob predates its first object row by
		// design; never sweep it.
		if d == emptyDigest {
			return nil
		}
		if known[digest.Format(d)] || modTime.After(cutoff) {
			return nil
		}
		result.Digests = append(result.Digests, digest.Format(d))
		if dryRun {
			result.ReclaimedBytes += size
			return nil
		}
		freed, err := e.backend.Store.Delete(d)
		if err != nil {
			e.logger.Warn("skipping rowless blob during gc",
				"digest", digest.Short(d),
				"error", err,
			)
			return nil
		}
		result.ReclaimedObjects++
		result.ReclaimedBytes += freed
		return nil
	})
}
