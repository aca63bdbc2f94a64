package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/resin/internal/exposure"
	"github.com/samcharles93/resin/internal/logger"
)

// instant is a SleepFunc that does not wait.
func instant(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func simulateCmd() *cli.Command {
	var (
		speed     float64
		framesDir string
	)

	return &cli.Command{
		Name:      "simulate",
		Usage:     "Run a print against a simulated panel and Z axis",
		ArgsUsage: "[job]",
		Flags: append(mediaFlags(),
			policyFlag(),
			&cli.FloatFlag{Name: "speed", Usage: "time scale (1 = real time, 0 = as fast as possible)", Destination: &speed},
			&cli.StringFlag{Name: "frames", Usage: "write each exposed mask as PNG into this directory", Destination: &framesDir},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			policy, err := exposure.ParsePolicy(onCorrupt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			sleep := exposure.SleepFunc(instant)
			if speed > 0 {
				sleep = exposure.Scaled(speed)
			}

			j, name, err := openJob(ctx, cmd)
			if err != nil {
				return err
			}
			defer j.Close()
			if framesDir != "" {
				if err := os.MkdirAll(framesDir, 0o755); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			w, h := j.Resolution()
			panel := exposure.NewFramebuffer(int(w), int(h))
			axis := &exposure.Axis{Sleep: sleep}
			ctrl := exposure.NewController(panel, axis, exposure.Config{
				Policy: policy,
				Sleep:  sleep,
				Log:    log.With("job", name),
			})

			start := time.Now()
			rep, err := ctrl.Print(ctx, j, func(p exposure.Progress) {
				if p.Skipped {
					fmt.Printf("layer %d/%d  z=%.3f  skipped\n", p.Layer+1, p.Total, p.Z)
					return
				}
				fmt.Printf("layer %d/%d  z=%.3f\n", p.Layer+1, p.Total, p.Z)
				if framesDir != "" {
					_, img := panel.Shown()
					path := filepath.Join(framesDir, fmt.Sprintf("%s-%05d.png", stem(name), p.Layer))
					if err := writePNG(path, img); err != nil {
						log.Warn("frame not written", "path", path, "error", err)
					}
				}
			})
			moves, travel := axis.Travel()
			fmt.Printf("\nexposed %d of %d layers, skipped %d\n", rep.Exposed, rep.Layers, len(rep.Skipped))
			fmt.Printf("uv time %v, %d moves taking %v, simulated in %s\n",
				rep.UVTime, moves, travel.Round(time.Second), humanize.RelTime(start, time.Now(), "", ""))
			if errors.Is(err, context.Canceled) {
				return cli.Exit("simulation interrupted", 130)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}
