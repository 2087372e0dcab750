// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/cowfs-io/cowfs/cmd/cowfs/cli"
)

func diffCommand() *cli.Command {
	var (
		storage    string
		outputJSON bool
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("diff", pflag.ContinueOnError)
		fs.StringVarP(&storage, "storage", "s", "", "backend directory")
		fs.BoolVar(&outputJSON, "json", false, "output as JSON")
		return fs
	}

	return &cli.Command{
		Name:    "diff",
		Summary: "show the differences between two versions of a file",
		Usage:   "cowfs diff <path> <version-a> [version-b] [flags]",
		Description: "Compares two versions of a file by their history ordinals.\n" +
			"With one ordinal, compares it against the current version.",
		Examples: []cli.Example{
			{Command: "cowfs diff /notes/todo.txt 2 5"},
			{Description: "version 3 against the current content",
				Command: "cowfs diff /notes/todo.txt 3"},
		},
		Flags: flags,
		Run: func(args []string) error {
			if len(args) < 2 || len(args) > 3 {
				return fmt.Errorf("diff needs a path and one or two version ordinals")
			}

			left, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid version ordinal %q", args[1])
			}
			right := 0 // current
			if len(args) == 3 {
				if right, err = strconv.Atoi(args[2]); err != nil {
					return fmt.Errorf("invalid version ordinal %q", args[2])
				}
			}

			e, closeBackend, err := openEngine(storage)
			if err != nil {
				return err
			}
			defer closeBackend()

			result, err := e.Diff(context.Background(), args[0], left, right)
			if err != nil {
				return err
			}

			if outputJSON {
				return cli.WriteJSON(result)
			}

			if result.Mode == "binary" {
				fmt.Printf("Binary diff %s (v%d -> v%d): %s -> %s (delta %d B)\n",
					result.Path, result.LeftVersion, result.RightVersion,
					humanBytes(result.LeftSize), humanBytes(result.RightSize),
					result.RightSize-result.LeftSize)
				return nil
			}
			if result.Unified == "" {
				fmt.Printf("No differences for %s (v%d vs v%d)\n",
					result.Path, result.LeftVersion, result.RightVersion)
				return nil
			}
			fmt.Print(result.Unified)
			return nil
		},
	}
}
