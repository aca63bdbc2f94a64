package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v3"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if diff := cmp.Diff(Config{}, cfg); diff != "" {
		t.Fatalf("missing file (-want +got):\n%s", diff)
	}

	path := filepath.Join(dir, "config.yaml")
	data := []byte("media_dir: /mnt/usb\nio_rate: 2000000\non_corrupt_layer: skip\nlog_format: json\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rate := int64(2000000)
	want := Config{MediaDir: "/mnt/usb", IORate: &rate, OnCorruptLayer: "skip", LogFormat: "json"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}

	if err := os.WriteFile(path, []byte("media_dir: [unterminated\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestApplyConfigFlagsWin(t *testing.T) {
	rate := int64(500)
	cfg := Config{MediaDir: "/from/config", IORate: &rate, LogLevel: "warn"}

	var applied bool
	cmd := &cli.Command{
		Name:  "resin",
		Flags: append(loggingFlags(), append(mediaFlags(), policyFlag())...),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyConfig(c, cfg)
			applied = true
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"resin", "--media-dir", "/from/flag"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !applied {
		t.Fatalf("action did not run")
	}
	if mediaDir != "/from/flag" {
		t.Fatalf("media dir: got %q", mediaDir)
	}
	if ioRate != 500 || logLevel != "warn" {
		t.Fatalf("config values not applied: rate %d level %q", ioRate, logLevel)
	}
	if onCorrupt != "abort" {
		t.Fatalf("policy default: got %q", onCorrupt)
	}
}
