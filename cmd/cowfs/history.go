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

func historyCommand() *cli.Command {
	var (
		storage        string
		outputJSON     bool
		allGenerations bool
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
		fs.StringVarP(&storage, "storage", "s", "", "backend directory")
		fs.BoolVar(&outputJSON, "json", false, "output as JSON")
		fs.BoolVar(&allGenerations, "all-generations", false, "include chains of deleted predecessors at this path")
		return fs
	}

	return &cli.Command{
		Name:    "history",
		Summary: "show the version history of a file",
		Usage:   "cowfs history <path> [flags]",
		Examples: []cli.Example{
			{Command: "cowfs history /notes/todo.txt -s ~/.cowfs-data"},
		},
		Flags: flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("history needs a file path")
			}

			e, closeBackend, err := openEngine(storage)
			if err != nil {
				return err
			}
			defer closeBackend()

			ctx := context.Background()
			var histories []*engine.FileHistory
			if allGenerations {
				histories, err = e.HistoryAllGenerations(ctx, args[0])
			} else {
				var history *engine.FileHistory
				history, err = e.History(ctx, args[0])
				if history != nil {
					histories = []*engine.FileHistory{history}
				}
			}
			if err != nil {
				return err
			}

			if outputJSON {
				if allGenerations {
					return cli.WriteJSON(histories)
				}
				return cli.WriteJSON(histories[0].Versions)
			}

			for _, history := range histories {
				title := "Version history: " + history.Path
				if history.Deleted {
					title += " (deleted)"
				}
				if allGenerations {
					title += fmt.Sprintf(" [file id %d]", history.FileID)
				}
				cli.PrintTitle(title)

				rows := make([][]string, 0, len(history.Versions))
				for _, version := range history.Versions {
					ordinal := fmt.Sprintf("%d", version.Ordinal)
					if version.Current {
						ordinal += " *"
					}
					rows = append(rows, []string{
						ordinal,
						displayTime(version.CreatedAt),
						humanBytes(version.Size),
						shortDigest(version.Digest),
					})
				}
				cli.PrintTable([]string{"Ver", "Date", "Size", "Digest"}, rows)
			}
			return nil
		},
	}
}
