package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the resin configuration file
// (~/.config/resin/config.yaml). Pointer fields distinguish "not set" from
// zero values.
type Config struct {
	MediaDir string `yaml:"media_dir"`

	// Decoding
	ReadBuffer       *int64 `yaml:"read_buffer"`
	IORate           *int64 `yaml:"io_rate"`
	PreviewMaxPixels *int64 `yaml:"preview_max_pixels"`
	OnCorruptLayer   string `yaml:"on_corrupt_layer"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "resin", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyConfig fills the global flag variables from cfg where the flag was
// not set on the command line.
func applyConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.MediaDir != "" && !c.IsSet("media-dir") {
		mediaDir = cfg.MediaDir
	}
	if cfg.ReadBuffer != nil && !c.IsSet("read-buffer") {
		readBuffer = *cfg.ReadBuffer
	}
	if cfg.IORate != nil && !c.IsSet("io-rate") {
		ioRate = *cfg.IORate
	}
	if cfg.OnCorruptLayer != "" && !c.IsSet("on-corrupt-layer") {
		onCorrupt = cfg.OnCorruptLayer
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// applyPreviewConfig applies the preview size cap.
func applyPreviewConfig(c *cli.Command, cfg Config, maxPixels *int64) {
	if cfg.PreviewMaxPixels != nil && !c.IsSet("max-pixels") {
		*maxPixels = *cfg.PreviewMaxPixels
	}
}
