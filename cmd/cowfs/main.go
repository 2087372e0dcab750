// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

// Command cowfs is the COWFS command-line tool: it mounts backends
// and operates on them directly (history, restore, snapshots, gc,
// stats, diff, log) whether or not a mount is active.
package main

import (
	"os"

	"github.com/cowfs-io/cowfs/cmd/cowfs/cli"
)

func main() {
	root := &cli.Command{
		Name:    "cowfs",
		Summary: "copy-on-write versioning filesystem",
		Description: "cowfs exposes a mountable directory tree in which every save\n" +
			"produces a new immutable version. Identical content is stored once;\n" +
			"the whole tree can be snapshotted and restored atomically.",
		Subcommands: []*cli.Command{
			mountCommand(),
			umountCommand(),
			historyCommand(),
			restoreCommand(),
			snapshotCommand(),
			gcCommand(),
			statsCommand(),
			diffCommand(),
			logCommand(),
		},
	}

	if err := root.Execute(os.Args[1:]); err != nil {
		cli.Errorf("%v", err)
		os.Exit(1)
	}
}
