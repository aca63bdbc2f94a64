package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/resin/pkg/raster"
)

func layersCmd() *cli.Command {
	var (
		offset    int64
		limit     int64
		withStats bool
	)

	return &cli.Command{
		Name:      "layers",
		Usage:     "List the layer table of a print job",
		ArgsUsage: "[job]",
		Flags: append(mediaFlags(),
			&cli.Int64Flag{Name: "offset", Usage: "first layer to list", Destination: &offset},
			&cli.Int64Flag{Name: "limit", Usage: "number of layers to list (0 = all)", Destination: &limit},
			&cli.BoolFlag{Name: "stats", Usage: "decode each listed layer and show run statistics", Destination: &withStats},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			j, _, err := openJob(ctx, cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			total := int64(j.LayerCount())
			end := total
			if limit > 0 {
				end = min(offset+limit, total)
			}
			if offset < 0 || offset > total {
				return cli.Exit(fmt.Sprintf("error: offset %d outside 0..%d", offset, total), 1)
			}

			fmt.Printf("%6s %9s %8s %8s %6s %8s %10s %9s", "layer", "z (mm)", "expose", "off", "lift", "lift/min", "offset", "size")
			if withStats {
				fmt.Printf(" %8s %7s", "runs", "lit")
			}
			fmt.Println()

			faults := 0
			for i := offset; i < end; i++ {
				v, err := j.Layer(int(i))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				mark := " "
				if v.Bottom {
					mark = "*"
				}
				fmt.Printf("%5d%s %9.3f %8v %8v %6.2f %8.1f %10d %9s",
					v.Index, mark, v.PositionZ, v.Exposure, v.LightOff, v.LiftHeight, v.LiftSpeed,
					v.ImageOffset, humanize.IBytes(uint64(max(v.ImageSize, 0))))
				if withStats {
					st, err := measure(v.Runs)
					if err != nil {
						faults++
						fmt.Printf(" %v", err)
					} else {
						fmt.Printf(" %8d %6.2f%%", st.Runs, 100*float64(st.Lit)/float64(max(st.Pixels, 1)))
					}
				}
				fmt.Println()
			}
			if faults > 0 {
				return cli.Exit(fmt.Sprintf("%d layer(s) failed to decode", faults), 1)
			}
			return nil
		},
	}
}

func measure(runs func() (raster.Decoder, error)) (raster.Stats, error) {
	d, err := runs()
	if err != nil {
		return raster.Stats{}, err
	}
	return raster.Measure(d)
}
