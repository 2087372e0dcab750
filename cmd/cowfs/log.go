// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/cowfs-io/cowfs/cmd/cowfs/cli"
)

func logCommand() *cli.Command {
	var (
		storage    string
		limit      int
		outputJSON bool
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("log", pflag.ContinueOnError)
		fs.StringVarP(&storage, "storage", "s", "", "backend directory")
		fs.IntVarP(&limit, "limit", "n", 50, "number of events to show")
		fs.BoolVar(&outputJSON, "json", false, "output as JSON")
		return fs
	}

	return &cli.Command{
		Name:    "log",
		Summary: "show the chronological activity feed",
		Usage:   "cowfs log [flags]",
		Flags:   flags,
		Run: func(args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}

			e, closeBackend, err := openEngine(storage)
			if err != nil {
				return err
			}
			defer closeBackend()

			events, err := e.Log(context.Background(), limit)
			if err != nil {
				return err
			}

			if outputJSON {
				return cli.WriteJSON(events)
			}

			cli.PrintTitle(fmt.Sprintf("Activity log (last %d)", len(events)))
			rows := make([][]string, 0, len(events))
			for _, event := range events {
				version := "-"
				if event.VersionID != 0 {
					version = fmt.Sprintf("%d", event.VersionID)
				}
				digestCell := "-"
				if event.Digest != "" {
					digestCell = shortDigest(event.Digest)
				}
				path := event.Path
				if path == "" {
					path = "-"
				}
				rows = append(rows, []string{
					displayTime(event.CreatedAt),
					event.Action,
					path,
					version,
					digestCell,
				})
			}
			cli.PrintTable([]string{"Time", "Action", "Path", "Version", "Digest"}, rows)
			return nil
		},
	}
}
