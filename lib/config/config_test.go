// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with no config failed: %v", err)
	}
	if cfg.Init.DigestAlgo != "sha256" {
		t.Errorf("default digest_algo = %q, want sha256", cfg.Init.DigestAlgo)
	}
	if cfg.GC.SafetyWindow.Std() != 60*time.Second {
		t.Errorf("default safety_window = %v, want 60s", cfg.GC.SafetyWindow)
	}
}

func TestLoadFromFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowfs.yaml")
	content := `
init:
  digest_algo: blake3
gc:
  safety_window: 5m
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Init.DigestAlgo != "blake3" {
		t.Errorf("digest_algo = %q, want blake3", cfg.Init.DigestAlgo)
	}
	if cfg.GC.SafetyWindow.Std() != 5*time.Minute {
		t.Errorf("safety_window = %v, want 5m", cfg.GC.SafetyWindow)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	// Unset sections keep defaults.
	if cfg.Mount.AttrTimeout.Std() != time.Second {
		t.Errorf("attr_timeout = %v, want 1s default", cfg.Mount.AttrTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowfs.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvVar, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q, want info", cfg.Logging.Level)
	}
}

func TestMissingNamedFileIsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing named file succeeded")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowfs.yaml")
	if err := os.WriteFile(path, []byte("typo_section:\n  x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted an unknown field")
	}
}

func TestInvalidValuesRejected(t *testing.T) {
	for name, content := range map[string]string{
		"bad algo":  "init:\n  digest_algo: md5\n",
		"bad level": "logging:\n  level: verbose\n",
	} {
		path := filepath.Join(t.TempDir(), "cowfs.yaml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load succeeded, want error", name)
		}
	}
}
