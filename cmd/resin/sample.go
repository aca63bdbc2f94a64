package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/resin/internal/logger"
	"github.com/samcharles93/resin/pkg/ctb"
	"github.com/samcharles93/resin/pkg/pws"
)

// sampleSpec describes a generated test print: a cone standing on the
// centre of the plate.
type sampleSpec struct {
	format      string
	width       int
	height      int
	layers      int
	layerHeight float32
	antiAlias   int
	key         uint32
}

func sampleCmd() *cli.Command {
	var (
		spec sampleSpec
		out  string
		w, h int64
		n    int64
		aa   int64
		key  int64
	)

	return &cli.Command{
		Name:  "sample",
		Usage: "Write a generated test print (a cone) in any supported format",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Usage: "cbddlp, ctb, ctb-v4, pws or pw0", Value: "ctb", Destination: &spec.format},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (default: cone.<ext>)", Destination: &out},
			&cli.Int64Flag{Name: "width", Usage: "panel width in pixels", Value: 256, Destination: &w},
			&cli.Int64Flag{Name: "height", Usage: "panel height in pixels", Value: 160, Destination: &h},
			&cli.Int64Flag{Name: "layers", Usage: "layer count", Value: 40, Destination: &n},
			&cli.Int64Flag{Name: "anti-alias", Usage: "anti-aliasing level", Value: 1, Destination: &aa},
			&cli.Int64Flag{Name: "key", Usage: "CTB layer encryption key (0 = plain)", Destination: &key},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if w <= 0 || h <= 0 || w > 1<<14 || h > 1<<14 || n <= 0 || n > 1<<16 || aa < 1 || aa > 16 {
				return cli.Exit("error: size, layers or anti-alias level out of range", 1)
			}
			spec.width, spec.height, spec.layers = int(w), int(h), int(n)
			spec.layerHeight = 0.05
			spec.antiAlias = int(aa)
			spec.key = uint32(key)

			data, ext, err := encodeSample(spec)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if out == "" {
				out = "cone" + ext
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			logger.FromContext(ctx).Info("sample written", "path", out, "format", spec.format,
				"layers", spec.layers, "size", humanize.IBytes(uint64(len(data))))
			return nil
		},
	}
}

func encodeSample(s sampleSpec) ([]byte, string, error) {
	masks := make([][]byte, s.layers)
	for i := range masks {
		masks[i] = coneLayer(s, i)
	}
	preview := samplePreview(s, masks[0])

	switch s.format {
	case "cbddlp", "ctb", "ctb-v4":
		variant := map[string]ctb.Variant{
			"cbddlp": ctb.VariantCBDDLP,
			"ctb":    ctb.VariantCTB,
			"ctb-v4": ctb.VariantCTBv4,
		}[s.format]
		job := &ctb.Job{
			Variant: variant,
			Header: ctb.Header{
				BedSizeX:           float32(s.width) * 0.05,
				BedSizeY:           float32(s.height) * 0.05,
				BedSizeZ:           150,
				TotalHeight:        float32(s.layers) * s.layerHeight,
				LayerHeight:        s.layerHeight,
				ExposureTime:       2.5,
				BottomExposureTime: 30,
				LightOffDelay:      0.5,
				BottomLayerCount:   3,
				ResolutionX:        uint32(s.width),
				ResolutionY:        uint32(s.height),
				AntiAliasLevel:     uint32(s.antiAlias),
				EncryptionKey:      s.key,
				LightPWM:           255,
				BottomLightPWM:     255,
			},
			PrintSettings: ctb.PrintSettings{
				BottomLiftHeight: 6, BottomLiftSpeed: 60,
				LiftHeight: 5, LiftSpeed: 90, RetractSpeed: 150,
				BottomLayerCount: 3,
			},
			MachineName:  "resin sample printer",
			LargePreview: preview,
			SmallPreview: preview,
		}
		if variant == ctb.VariantCTBv4 {
			job.Disclaimer = "Generated by resin sample."
		}
		for i, m := range masks {
			exp := float32(2.5)
			if i < 3 {
				exp = 30
			}
			job.Layers = append(job.Layers, ctb.LayerImage{
				PositionZ:    float32(i+1) * s.layerHeight,
				ExposureTime: exp,
				LightOffTime: 0.5,
				Pixels:       m,
			})
		}
		data, err := ctb.Encode(job)
		ext := map[ctb.Variant]string{ctb.VariantCBDDLP: ".cbddlp"}[variant]
		if ext == "" {
			ext = ".ctb"
		}
		return data, ext, err

	case "pws", "pw0":
		job := &pws.Job{
			Header: pws.Header{
				PixelSizeUM:        50,
				LayerHeight:        s.layerHeight,
				ExposureTime:       2.5,
				LightOffDelay:      0.5,
				BottomExposureTime: 30,
				BottomLayerCount:   3,
				LiftHeight:         5,
				LiftSpeed:          1.5,
				RetractSpeed:       2.5,
				AntiAliasing:       uint32(s.antiAlias),
				ResolutionX:        uint32(s.width),
				ResolutionY:        uint32(s.height),
			},
			MachineName: "resin sample printer",
			Machine: pws.Machine{
				DisplayWidth:  float32(s.width) * 0.05,
				DisplayHeight: float32(s.height) * 0.05,
				ZLength:       150,
			},
			Preview: preview,
		}
		ext := ".pwmx"
		if s.format == "pws" {
			job.Version = pws.Version1
			ext = ".pws"
		}
		for i, m := range masks {
			exp := float32(2.5)
			if i < 3 {
				exp = 30
			}
			job.Layers = append(job.Layers, pws.LayerImage{
				LiftHeight:   5,
				LiftSpeed:    1.5,
				ExposureTime: exp,
				LayerHeight:  s.layerHeight,
				Pixels:       m,
			})
		}
		data, err := pws.Encode(job)
		return data, ext, err
	}
	return nil, "", fmt.Errorf("unknown sample format %q", s.format)
}

// coneLayer draws the cross-section of the cone at layer i. Edge pixels get
// partial intensity when anti-aliasing is on.
func coneLayer(s sampleSpec, i int) []byte {
	px := make([]byte, s.width*s.height)
	cx, cy := float64(s.width)/2, float64(s.height)/2
	r := (math.Min(cx, cy) - 2) * (1 - float64(i)/float64(s.layers))
	for y := range s.height {
		for x := range s.width {
			d := math.Hypot(float64(x)+0.5-cx, float64(y)+0.5-cy)
			cover := r - d + 0.5
			switch {
			case cover >= 1:
				px[y*s.width+x] = 255
			case cover > 0 && s.antiAlias > 1:
				px[y*s.width+x] = uint8(cover * 255)
			}
		}
	}
	return px
}

func samplePreview(s sampleSpec, base []byte) image.Image {
	const pw = 64
	ph := max(pw*s.height/s.width, 1)
	img := image.NewNRGBA(image.Rect(0, 0, pw, ph))
	for y := range ph {
		for x := range pw {
			v := base[(y*s.height/ph)*s.width+x*s.width/pw]
			c := color.NRGBA{R: 24, G: 24, B: 32, A: 255}
			if v > 0 {
				c = color.NRGBA{R: v, G: v / 2, B: 40, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}
