package main

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/resin/internal/logger"
	"github.com/samcharles93/resin/internal/media"
	"github.com/samcharles93/resin/pkg/ctb"
	"github.com/samcharles93/resin/pkg/printjob"
	"github.com/samcharles93/resin/pkg/raster"
)

func previewCmd() *cli.Command {
	var (
		kind      string
		out       string
		maxPixels int64
	)

	return &cli.Command{
		Name:      "preview",
		Usage:     "Extract a thumbnail as PNG",
		ArgsUsage: "[job]",
		Flags: append(mediaFlags(),
			&cli.StringFlag{Name: "kind", Usage: "thumbnail to extract (large, small)", Value: "large", Destination: &kind},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output PNG (default: <job>-<kind>.png)", Destination: &out},
			&cli.Int64Flag{Name: "max-pixels", Usage: "refuse thumbnails larger than this", Value: ctb.DefaultMaxPreviewPixels, Destination: &maxPixels},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyPreviewConfig(cmd, loaded, &maxPixels)
			k, err := printjob.ParsePreviewKind(kind)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			j, name, err := openJob(ctx, cmd, media.WithMaxPreviewPixels(uint64(max(maxPixels, 0))))
			if err != nil {
				return err
			}
			defer j.Close()

			img, err := j.Preview(k)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if out == "" {
				out = stem(name) + "-" + k.String() + ".png"
			}
			if err := writePNG(out, img); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			b := img.Bounds()
			logger.FromContext(ctx).Info("preview written", "path", out, "width", b.Dx(), "height", b.Dy())
			return nil
		},
	}
}

func renderCmd() *cli.Command {
	var (
		layer  int64
		all    bool
		outDir string
	)

	return &cli.Command{
		Name:      "render",
		Usage:     "Render layer images as greyscale PNG",
		ArgsUsage: "[job]",
		Flags: append(mediaFlags(),
			&cli.Int64Flag{Name: "layer", Aliases: []string{"l"}, Usage: "layer to render", Destination: &layer},
			&cli.BoolFlag{Name: "all", Usage: "render every layer", Destination: &all},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output directory", Value: ".", Destination: &outDir},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			j, name, err := openJob(ctx, cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			w, h := j.Resolution()
			first, last := int(layer), int(layer)
			if all {
				first, last = 0, int(j.LayerCount())-1
			}

			var written int64
			for i := first; i <= last; i++ {
				v, err := j.Layer(i)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				d, err := v.Runs()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				img, err := raster.Render(d, int(w), int(h))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				path := filepath.Join(outDir, fmt.Sprintf("%s-%05d.png", stem(name), i))
				if err := writePNG(path, img); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				if st, err := os.Stat(path); err == nil {
					written += st.Size()
				}
				log.Debug("layer rendered", "layer", i, "path", path)
			}
			log.Info("layers rendered", "count", last-first+1, "dir", outDir, "size", humanize.IBytes(uint64(written)))
			return nil
		},
	}
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
