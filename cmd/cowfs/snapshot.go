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

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:    "snapshot",
		Summary: "manage filesystem snapshots",
		Subcommands: []*cli.Command{
			snapshotCreateCommand(),
			snapshotListCommand(),
			snapshotShowCommand(),
			snapshotRestoreCommand(),
			snapshotDeleteCommand(),
		},
	}
}

func snapshotCreateCommand() *cli.Command {
	var (
		storage     string
		description string
		outputJSON  bool
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
		fs.StringVarP(&storage, "storage", "s", "", "backend directory")
		fs.StringVar(&description, "description", "", "free-form snapshot description")
		fs.BoolVar(&outputJSON, "json", false, "output as JSON")
		return fs
	}

	return &cli.Command{
		Name:    "create",
		Summary: "capture the current state of every file",
		Usage:   "cowfs snapshot create <name> [flags]",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("snapshot create needs a name")
			}

			e, closeBackend, err := openEngine(storage)
			if err != nil {
				return err
			}
			defer closeBackend()

			snapshot, err := e.SnapshotCreate(context.Background(), args[0], description)
			if err != nil {
				return err
			}

			if outputJSON {
				return cli.WriteJSON(snapshot)
			}
			fmt.Printf("Created snapshot %s with %d file(s)\n", snapshot.Name, snapshot.FileCount)
			return nil
		},
	}
}

func snapshotListCommand() *cli.Command {
	var (
		storage    string
		outputJSON bool
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
		fs.StringVarP(&storage, "storage", "s", "", "backend directory")
		fs.BoolVar(&outputJSON, "json", false, "output as JSON")
		return fs
	}

	return &cli.Command{
		Name:    "list",
		Summary: "list snapshots",
		Usage:   "cowfs snapshot list [flags]",
		Flags:   flags,
		Run: func(args []string) error {
			e, closeBackend, err := openEngine(storage)
			if err != nil {
				return err
			}
			defer closeBackend()

			snapshots, err := e.SnapshotList(context.Background())
			if err != nil {
				return err
			}

			if outputJSON {
				return cli.WriteJSON(snapshots)
			}

			cli.PrintTitle("Snapshots")
			rows := make([][]string, 0, len(snapshots))
			for _, snapshot := range snapshots {
				rows = append(rows, []string{
					snapshot.Name,
					displayTime(snapshot.CreatedAt),
					fmt.Sprintf("%d", snapshot.FileCount),
					snapshot.Description,
				})
			}
			cli.PrintTable([]string{"Name", "Created", "Files", "Description"}, rows)
			return nil
		},
	}
}

func snapshotShowCommand() *cli.Command {
	var (
		storage    string
		outputJSON bool
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("show", pflag.ContinueOnError)
		fs.StringVarP(&storage, "storage", "s", "", "backend directory")
		fs.BoolVar(&outputJSON, "json", false, "output as JSON")
		return fs
	}

	return &cli.Command{
		Name:    "show",
		Summary: "show the files captured in a snapshot",
		Usage:   "cowfs snapshot show <name> [flags]",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("snapshot show needs a name")
			}

			e, closeBackend, err := openEngine(storage)
			if err != nil {
				return err
			}
			defer closeBackend()

			snapshot, files, err := e.SnapshotShow(context.Background(), args[0])
			if err != nil {
				return err
			}

			if outputJSON {
				return cli.WriteJSON(struct {
					Snapshot any `json:"snapshot"`
					Files    any `json:"files"`
				}{snapshot, files})
			}

			title := "Snapshot: " + snapshot.Name
			if snapshot.Description != "" {
				title += " — " + snapshot.Description
			}
			cli.PrintTitle(title)

			rows := make([][]string, 0, len(files))
			for _, file := range files {
				rows = append(rows, []string{
					file.Path,
					fmt.Sprintf("%d", file.VersionID),
					humanBytes(file.Size),
					shortDigest(file.Digest),
					displayTime(file.CreatedAt),
				})
			}
			cli.PrintTable([]string{"Path", "Version", "Size", "Digest", "Created"}, rows)
			return nil
		},
	}
}

func snapshotRestoreCommand() *cli.Command {
	var (
		storage    string
		keepNew    bool
		dryRun     bool
		outputJSON bool
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("restore", pflag.ContinueOnError)
		fs.StringVarP(&storage, "storage", "s", "", "backend directory")
		fs.BoolVar(&keepNew, "keep-new", false, "leave files created after the snapshot untouched")
		fs.BoolVar(&dryRun, "dry-run", false, "report without changing anything")
		fs.BoolVar(&outputJSON, "json", false, "output as JSON")
		return fs
	}

	return &cli.Command{
		Name:    "restore",
		Summary: "restore the whole tree to a snapshot",
		Usage:   "cowfs snapshot restore <name> [flags]",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("snapshot restore needs a name")
			}

			e, closeBackend, err := openEngine(storage)
			if err != nil {
				return err
			}
			defer closeBackend()

			result, err := e.SnapshotRestore(context.Background(), args[0],
				engine.SnapshotRestoreOptions{KeepNew: keepNew, DryRun: dryRun})
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
			fmt.Printf("%s snapshot %s: %d file(s) restored, %d soft-deleted\n",
				action, result.Snapshot, result.FilesRestored, result.FilesDeleted)
			return nil
		},
	}
}

func snapshotDeleteCommand() *cli.Command {
	var (
		storage    string
		outputJSON bool
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("delete", pflag.ContinueOnError)
		fs.StringVarP(&storage, "storage", "s", "", "backend directory")
		fs.BoolVar(&outputJSON, "json", false, "output as JSON")
		return fs
	}

	return &cli.Command{
		Name:    "delete",
		Summary: "delete a snapshot (objects are reclaimed by gc)",
		Usage:   "cowfs snapshot delete <name> [flags]",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("snapshot delete needs a name")
			}

			e, closeBackend, err := openEngine(storage)
			if err != nil {
				return err
			}
			defer closeBackend()

			if err := e.SnapshotDelete(context.Background(), args[0]); err != nil {
				return err
			}

			if outputJSON {
				return cli.WriteJSON(struct {
					Deleted bool   `json:"deleted"`
					Name    string `json:"name"`
				}{true, args[0]})
			}
			fmt.Printf("Deleted snapshot %s\n", args[0])
			return nil
		},
	}
}
