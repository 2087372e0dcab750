// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
)

// StatsReport is the stats command contract: index counters plus the
// backend identity and derived deduplication figures.
type StatsReport struct {
	FormatVersion   int     `json:"format_version"`
	DigestAlgo      string  `json:"digest_algo"`
	TotalFiles      int64   `json:"total_files"`
	TotalVersions   int64   `json:"total_versions"`
	TotalObjects    int64   `json:"total_objects"`
	LogicalBytes    int64   `json:"logical_size_bytes"`
	ActualBytes     int64   `json:"actual_size_bytes"`
	DedupSavings    int64   `json:"dedup_savings_bytes"`
	DedupRatio      float64 `json:"dedup_ratio"`
	OrphanedObjects int64   `json:"orphaned_objects"`
}

// Stats aggregates the backend counters. Logical bytes sum live
// version sizes; actual bytes sum object sizes; the difference is
// what deduplication saved.
func (e *Engine) Stats(ctx context.Context) (*StatsReport, error) {
	marker, err := e.backend.Marker()
	if err != nil {
		return nil, err
	}

	stats, err := e.backend.DB.Stats(ctx)
	if err != nil {
		return nil, err
	}

	report := &StatsReport{
		FormatVersion:   marker.FormatVersion,
		DigestAlgo:      marker.DigestAlgo,
		TotalFiles:      stats.TotalFiles,
		TotalVersions:   stats.TotalVersions,
		TotalObjects:    stats.TotalObjects,
		LogicalBytes:    stats.LogicalBytes,
		ActualBytes:     stats.ActualBytes,
		DedupSavings:    stats.LogicalBytes - stats.ActualBytes,
		OrphanedObjects: stats.OrphanedObjects,
	}
	if stats.LogicalBytes > 0 {
		report.DedupRatio = float64(report.DedupSavings) / float64(stats.LogicalBytes)
	}
	return report, nil
}
