// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/cowfs-io/cowfs/cmd/cowfs/cli"
	"github.com/cowfs-io/cowfs/lib/config"
	"github.com/cowfs-io/cowfs/lib/engine"
)

func gcCommand() *cli.Command {
	var (
		storage      string
		keepLast     int
		before       string
		safetyWindow time.Duration
		dryRun       bool
		outputJSON   bool
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("gc", pflag.ContinueOnError)
		fs.StringVarP(&storage, "storage", "s", "", "backend directory")
		fs.IntVar(&keepLast, "keep-last", 0, "keep only each file's most recent N versions")
		fs.StringVar(&before, "before", "", "prune versions created before this time")
		fs.DurationVar(&safetyWindow, "safety-window", 0, "minimum object age before reclamation (default 60s)")
		fs.BoolVar(&dryRun, "dry-run", false, "report reclaimable objects without deleting")
		fs.BoolVar(&outputJSON, "json", false, "output as JSON")
		return fs
	}

	return &cli.Command{
		Name:    "gc",
		Summary: "collect unreferenced objects",
		Usage:   "cowfs gc [flags]",
		Examples: []cli.Example{
			{Description: "keep three versions per file, see what would go",
				Command: "cowfs gc --keep-last 3 --dry-run"},
		},
		Flags: flags,
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("gc takes no positional arguments")
			}

			window := safetyWindow
			if window == 0 {
				cfg, err := config.Load("")
				if err != nil {
					return err
				}
				window = cfg.GC.SafetyWindow.Std()
			}

			options := engine.GCOptions{
				KeepLast:     keepLast,
				SafetyWindow: window,
				DryRun:       dryRun,
			}
			if before != "" {
				cutoff, err := parseUserTime(before)
				if err != nil {
					return err
				}
				options.Before = cutoff
			}

			e, closeBackend, err := openEngine(storage)
			if err != nil {
				return err
			}
			defer closeBackend()

			result, err := e.GC(context.Background(), options)
			if err != nil {
				return err
			}

			if outputJSON {
				return cli.WriteJSON(result)
			}

			action := "Collected"
			if result.DryRun {
				action = "Would collect"
			}
			fmt.Printf("%s %d object(s), reclaimed %s\n",
				action, len(result.Digests), humanBytes(result.ReclaimedBytes))
			if result.VersionsPruned > 0 {
				fmt.Printf("Pruned %d version(s) (logical %s)\n",
					result.VersionsPruned, humanBytes(result.VersionsPrunedBytes))
			}
			if result.SkippedYoung > 0 {
				fmt.Printf("Skipped %d object(s) younger than the safety window\n", result.SkippedYoung)
			}
			if result.MissingOnDisk > 0 {
				fmt.Printf("Warning: %d object(s) were missing on disk\n", result.MissingOnDisk)
			}
			return nil
		},
	}
}
