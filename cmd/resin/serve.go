package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/resin/internal/catalog"
	"github.com/samcharles93/resin/internal/exposure"
	"github.com/samcharles93/resin/internal/logger"
	"github.com/samcharles93/resin/internal/media"
	"github.com/samcharles93/resin/internal/server"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		speed       float64
		workers     int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the job inspection and print simulation API",
		Flags: append(mediaFlags(),
			policyFlag(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.FloatFlag{
				Name:        "speed",
				Usage:       "time scale of simulated prints (1 = real time, 0 = as fast as possible)",
				Value:       1,
				Destination: &speed,
			},
			&cli.Int64Flag{
				Name:        "scan-workers",
				Usage:       "files summarized in parallel when listing jobs (0 = GOMAXPROCS)",
				Destination: &workers,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, loaded, &addr)

			dir, err := media.ResolveDir(mediaDir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			var volOpts []media.Option
			if n := loaded.PreviewMaxPixels; n != nil && *n > 0 {
				volOpts = append(volOpts, media.WithMaxPreviewPixels(uint64(*n)))
			}
			vol, err := openVolume(ctx, dir, volOpts...)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			policy, err := exposure.ParsePolicy(onCorrupt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			sleep := exposure.SleepFunc(instant)
			if speed > 0 {
				sleep = exposure.Scaled(speed)
			}

			// The panel adopts each job's resolution on its first layer.
			panel := exposure.NewFramebuffer(1, 1)
			ctrl := exposure.NewController(panel, &exposure.Axis{Sleep: sleep}, exposure.Config{
				Policy: policy,
				Sleep:  sleep,
				Log:    log.WithGroup("print"),
			})
			srv := server.NewServer(server.Config{
				Volume:      vol,
				Catalog:     catalog.New(vol, int(workers)),
				Prints:      exposure.NewManager(ctrl),
				Panel:       panel,
				Log:         log,
				BaseContext: ctx,
			})

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			srv.Register(e)
			log.Info("starting server", "address", addr, "media", dir, "policy", policy)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(s *http.Server) error {
					s.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
