// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/cowfs-io/cowfs/cmd/cowfs/cli"
)

func statsCommand() *cli.Command {
	var (
		storage    string
		outputJSON bool
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
		fs.StringVarP(&storage, "storage", "s", "", "backend directory")
		fs.BoolVar(&outputJSON, "json", false, "output as JSON")
		return fs
	}

	return &cli.Command{
		Name:    "stats",
		Summary: "show storage statistics",
		Usage:   "cowfs stats [flags]",
		Flags:   flags,
		Run: func(args []string) error {
			e, closeBackend, err := openEngine(storage)
			if err != nil {
				return err
			}
			defer closeBackend()

			report, err := e.Stats(context.Background())
			if err != nil {
				return err
			}

			if outputJSON {
				return cli.WriteJSON(report)
			}

			cli.PrintTitle("COWFS storage statistics")
			fmt.Printf("  Format version:   %d\n", report.FormatVersion)
			fmt.Printf("  Digest algorithm: %s\n", report.DigestAlgo)
			fmt.Printf("  Logical size:     %s\n", humanBytes(report.LogicalBytes))
			fmt.Printf("  Actual size:      %s\n", humanBytes(report.ActualBytes))
			fmt.Printf("  Dedup savings:    %s (%.1f%%)\n",
				humanBytes(report.DedupSavings), report.DedupRatio*100)
			fmt.Printf("  Total files:      %d\n", report.TotalFiles)
			fmt.Printf("  Total versions:   %d\n", report.TotalVersions)
			fmt.Printf("  Total objects:    %d\n", report.TotalObjects)
			fmt.Printf("  Orphaned objects: %d\n", report.OrphanedObjects)
			return nil
		},
	}
}
