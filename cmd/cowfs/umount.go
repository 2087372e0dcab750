// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cowfs-io/cowfs/cmd/cowfs/cli"
)

func umountCommand() *cli.Command {
	return &cli.Command{
		Name:    "umount",
		Summary: "unmount a mounted filesystem",
		Usage:   "cowfs umount <mountpoint>",
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("umount needs a mountpoint")
			}
			mountpoint, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			for _, tool := range []string{"fusermount3", "fusermount"} {
				output, err := exec.Command(tool, "-u", mountpoint).CombinedOutput()
				if err == nil {
					fmt.Printf("unmounted: %s\n", mountpoint)
					return nil
				}
				if errors.Is(err, exec.ErrNotFound) {
					continue
				}
				return fmt.Errorf("%s: %s", tool, strings.TrimSpace(string(output)))
			}
			return fmt.Errorf("fusermount not found; is FUSE installed?")
		},
	}
}
