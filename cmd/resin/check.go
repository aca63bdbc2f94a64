package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/resin/internal/logger"
	"github.com/samcharles93/resin/internal/media"
	"github.com/samcharles93/resin/pkg/raster"
)

type layerCheck struct {
	Index  int    `json:"index"`
	Runs   uint64 `json:"runs"`
	Lit    uint64 `json:"lit"`
	Digest string `json:"digest,omitempty"`
	Error  string `json:"error,omitempty"`
}

type checkReport struct {
	Name    string        `json:"name"`
	Format  string        `json:"format"`
	Layers  []layerCheck  `json:"layers"`
	Faults  int           `json:"faults"`
	Unique  int           `json:"unique_images,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

func checkCmd() *cli.Command {
	var (
		workers int64
		digests bool
		asJSON  bool
	)

	return &cli.Command{
		Name:      "check",
		Usage:     "Decode every layer of a print job and report faults",
		ArgsUsage: "[job]",
		Flags: append(mediaFlags(),
			&cli.Int64Flag{Name: "workers", Usage: "layers decoded in parallel (0 = number of CPUs)", Destination: &workers},
			&cli.BoolFlag{Name: "digests", Usage: "hash each layer's stored image", Destination: &digests},
			&cli.BoolFlag{Name: "json", Usage: "print a JSON report", Destination: &asJSON},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			dir, name, err := resolveJob(mediaDir, cmd.Args().First(), os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			vol, err := openVolume(ctx, dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if workers <= 0 {
				workers = int64(runtime.NumCPU())
			}

			start := time.Now()
			rep, faults, err := checkJob(ctx, vol, name, int(workers), digests)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			rep.Elapsed = time.Since(start)
			log.Debug("check finished", "job", name, "layers", len(rep.Layers), "faults", rep.Faults, "elapsed", rep.Elapsed)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			} else {
				printCheck(rep, digests)
			}
			if faults != nil {
				if !asJSON {
					fmt.Fprintln(os.Stderr, faults)
				}
				return cli.Exit(fmt.Sprintf("%s: %d of %d layers corrupt", name, rep.Faults, len(rep.Layers)), 1)
			}
			return nil
		},
	}
}

// checkJob decodes every layer. Each worker opens the job independently and
// takes every workers-th layer. Corrupt layers are collected; any other
// error stops the check.
func checkJob(ctx context.Context, vol *media.Volume, name string, workers int, digests bool) (checkReport, *multierror.Error, error) {
	first, err := vol.Open(ctx, name)
	if err != nil {
		return checkReport{}, nil, err
	}
	rep := checkReport{Name: name, Format: first.Format()}
	n := int(first.LayerCount())
	_ = first.Close()

	rep.Layers = make([]layerCheck, n)
	var (
		mu     sync.Mutex
		faults *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := range min(workers, max(n, 1)) {
		g.Go(func() error {
			j, err := vol.Open(gctx, name)
			if err != nil {
				return err
			}
			defer j.Close()
			for i := w; i < n; i += workers {
				if err := gctx.Err(); err != nil {
					return err
				}
				v, err := j.Layer(i)
				if err != nil {
					return err
				}
				res := layerCheck{Index: i}
				if digests {
					if d, err := v.Digest(); err == nil {
						res.Digest = fmt.Sprintf("%016x", d)
					}
				}
				st, err := measure(v.Runs)
				if err != nil {
					if !raster.IsLayerFault(err) {
						return err
					}
					res.Error = err.Error()
					mu.Lock()
					faults = multierror.Append(faults, err)
					mu.Unlock()
				}
				res.Runs, res.Lit = st.Runs, st.Lit
				rep.Layers[i] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return checkReport{}, nil, err
	}

	if faults != nil {
		sort.Slice(faults.Errors, func(a, b int) bool {
			return layerOf(faults.Errors[a]) < layerOf(faults.Errors[b])
		})
		rep.Faults = len(faults.Errors)
	}
	if digests {
		seen := map[string]bool{}
		for _, l := range rep.Layers {
			if l.Digest != "" {
				seen[l.Digest] = true
			}
		}
		rep.Unique = len(seen)
	}
	return rep, faults, nil
}

func layerOf(err error) int {
	var le *raster.LayerError
	if errors.As(err, &le) {
		return le.Layer
	}
	return -1
}

func printCheck(rep checkReport, digests bool) {
	var runs, lit uint64
	for _, l := range rep.Layers {
		runs += l.Runs
		lit += l.Lit
	}
	fmt.Printf("%s (%s)\n", rep.Name, rep.Format)
	fmt.Printf("  layers:  %s\n", humanize.Comma(int64(len(rep.Layers))))
	fmt.Printf("  faults:  %d\n", rep.Faults)
	fmt.Printf("  runs:    %s\n", humanize.Comma(int64(runs)))
	fmt.Printf("  lit:     %s pixels\n", humanize.Comma(int64(lit)))
	if digests {
		fmt.Printf("  images:  %d distinct\n", rep.Unique)
	}
	fmt.Printf("  elapsed: %v\n", rep.Elapsed.Round(time.Millisecond))
}
