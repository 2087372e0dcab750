// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/cowfs-io/cowfs/cmd/cowfs/cli"
	"github.com/cowfs-io/cowfs/lib/engine"
)

func restoreCommand() *cli.Command {
	var (
		storage    string
		version    int
		before     string
		dryRun     bool
		outputJSON bool
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("restore", pflag.ContinueOnError)
		fs.StringVarP(&storage, "storage", "s", "", "backend directory")
		fs.IntVarP(&version, "version", "v", 0, "version ordinal to restore (1-based)")
		fs.StringVar(&before, "before", "", "restore the newest version created before this time")
		fs.BoolVar(&dryRun, "dry-run", false, "report the selection without changing anything")
		fs.BoolVar(&outputJSON, "json", false, "output as JSON")
		return fs
	}

	return &cli.Command{
		Name:    "restore",
		Summary: "restore a file to a previous version",
		Usage:   "cowfs restore <path> (--version N | --before T) [flags]",
		Examples: []cli.Example{
			{Command: "cowfs restore /notes/todo.txt --version 3"},
			{Command: `cowfs restore /notes/todo.txt --before "2026-02-23 10:02:00"`},
		},
		Flags: flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("restore needs a file path")
			}

			options := engine.RestoreOptions{Version: version, DryRun: dryRun}
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

			result, err := e.Restore(context.Background(), args[0], options)
			if err != nil {
				return err
			}

			if outputJSON {
				return cli.WriteJSON(result)
			}
			action := "Restored"
			if result.DryRun {
				action = "Would restore"
			}
			fmt.Printf("%s %s to version %d (digest %s, %s)\n",
				action, result.Path, result.FromVersion,
				shortDigest(result.Digest), humanBytes(result.Size))
			if result.Undeleted && !result.DryRun {
				fmt.Println("File was deleted; it is live again.")
			}
			return nil
		},
	}
}
