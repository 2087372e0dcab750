// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cowfs-io/cowfs/cmd/cowfs/cli"
	"github.com/cowfs-io/cowfs/lib/backend"
	"github.com/cowfs-io/cowfs/lib/config"
	"github.com/cowfs-io/cowfs/lib/digest"
	"github.com/cowfs-io/cowfs/lib/engine"
	"github.com/cowfs-io/cowfs/lib/fusefs"
)

func mountCommand() *cli.Command {
	var (
		configPath   string
		digestAlgo   string
		debug        bool
		allowOther   bool
		autoSnapshot time.Duration
	)

	flags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("mount", pflag.ContinueOnError)
		fs.StringVar(&configPath, "config", "", "config file (overrides "+config.EnvVar+")")
		fs.StringVar(&digestAlgo, "digest-algo", "", "digest algorithm for a new backend (sha256 or blake3)")
		fs.BoolVar(&debug, "debug", false, "enable debug logging and FUSE tracing")
		fs.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
		fs.DurationVar(&autoSnapshot, "auto-snapshot", 0, "create a snapshot at this interval while mounted")
		return fs
	}

	return &cli.Command{
		Name:    "mount",
		Summary: "mount a backend as a filesystem",
		Usage:   "cowfs mount <backend-dir> <mountpoint> [flags]",
		Examples: []cli.Example{
			{Description: "mount, initializing the backend on first use",
				Command: "cowfs mount ~/.cowfs-data ~/notes"},
			{Description: "hourly automatic snapshots",
				Command: "cowfs mount ~/.cowfs-data ~/notes --auto-snapshot 1h"},
		},
		Flags: flags,
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("mount needs a backend directory and a mountpoint")
			}
			storageDir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			mountpoint, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level := cfg.Logging.Level
			if debug {
				level = "debug"
			}
			logger := cli.NewLogger(level)

			algoName := digestAlgo
			if algoName == "" {
				algoName = cfg.Init.DigestAlgo
			}
			algorithm, err := digest.ParseAlgorithm(algoName)
			if err != nil {
				return err
			}

			b, err := backend.InitOrOpen(storageDir, algorithm, backend.Options{
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer b.Close()

			lock, err := backend.AcquireMountLock(storageDir)
			if err != nil {
				return err
			}
			defer lock.Release()

			server, err := fusefs.Mount(fusefs.Options{
				Mountpoint:  mountpoint,
				Backend:     b,
				AllowOther:  allowOther || cfg.Mount.AllowOther,
				AttrTimeout: cfg.Mount.AttrTimeout.Std(),
				Debug:       debug,
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			interval := autoSnapshot
			if interval == 0 {
				interval = cfg.Mount.AutoSnapshotInterval.Std()
			}
			if interval > 0 {
				go engine.New(b).AutoSnapshot(ctx, interval)
			}

			fmt.Printf("cowfs mounted: %s -> %s\n", storageDir, mountpoint)

			go func() {
				<-ctx.Done()
				if err := server.Unmount(); err != nil {
					logger.Error("unmount failed", "error", err)
				}
			}()

			server.Wait()
			fmt.Println("cowfs unmounted.")
			return nil
		},
	}
}
