package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/resin/internal/media"
)

var (
	configFile string
	mediaDir   string
	readBuffer int64
	ioRate     int64
	onCorrupt  string
	logLevel   string
	logFormat  string
	debug      bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: $XDG_CONFIG_HOME/resin/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func mediaFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "media-dir",
			Aliases:     []string{"dir"},
			Usage:       "directory holding print job files (or set " + media.EnvMediaDir + ")",
			Destination: &mediaDir,
		},
		&cli.Int64Flag{
			Name:        "read-buffer",
			Usage:       "layer decoder read size in bytes",
			Value:       4096,
			Destination: &readBuffer,
		},
		&cli.Int64Flag{
			Name:        "io-rate",
			Usage:       "cap media reads at this many bytes per second (0 = unlimited)",
			Destination: &ioRate,
		},
	}
}

func policyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "on-corrupt-layer",
		Usage:       "what to do with a layer that fails to decode (abort, skip)",
		Value:       "abort",
		Destination: &onCorrupt,
	}
}
