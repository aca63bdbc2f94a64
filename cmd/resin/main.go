package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/resin/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "resin",
		Usage: "Inspect, verify and simulate resin printer job files",
		Flags: loggingFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			inspectCmd(),
			layersCmd(),
			checkCmd(),
			previewCmd(),
			renderCmd(),
			simulateCmd(),
			sampleCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
	for _, sub := range app.Commands {
		sub.Before = setup
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loaded is the config file read by setup.
var loaded Config

// setup reads the config file, lets it fill unset flags and stores the
// logger in the context. It runs once the subcommand's flags are parsed.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configPath())
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: config: %v", err), 1)
	}
	loaded = cfg
	applyConfig(cmd, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	log, err := logger.ForFormat(logFormat, os.Stderr, level)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return logger.WithContext(ctx, log), nil
}
