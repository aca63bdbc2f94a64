package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/resin/pkg/printjob"
)

type inspectReport struct {
	Name     string        `json:"name"`
	Info     printjob.Info `json:"info"`
	Estimate time.Duration `json:"estimate"`
	Raw      any           `json:"raw,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		asJSON  bool
		showRaw bool
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show the header of a print job",
		ArgsUsage: "[job]",
		Flags: append(mediaFlags(),
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "raw", Usage: "include the container's raw header sections", Destination: &showRaw},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			j, name, err := openJob(ctx, cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			rep := inspectReport{Name: name, Info: j.Info()}
			if rep.Estimate, err = j.Estimate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if showRaw {
				rep.Raw = rawSections(j)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			printInfo(rep)
			if showRaw {
				b, err := json.MarshalIndent(rep.Raw, "", "  ")
				if err != nil {
					return err
				}
				fmt.Printf("\nRaw sections:\n%s\n", b)
			}
			return nil
		},
	}
}

func printInfo(rep inspectReport) {
	in := rep.Info
	fmt.Printf("%s\n\n", rep.Name)
	version := fmt.Sprint(in.Version)
	if !in.KnownVersion {
		version += " (unknown)"
	}
	fmt.Printf("  %-20s %s\n", "format:", in.Format)
	fmt.Printf("  %-20s %s\n", "version:", version)
	if in.MachineName != "" {
		fmt.Printf("  %-20s %s\n", "machine:", in.MachineName)
	}
	fmt.Printf("  %-20s %d x %d (%s pixels)\n", "resolution:", in.ResolutionX, in.ResolutionY,
		humanize.Comma(int64(in.ResolutionX)*int64(in.ResolutionY)))
	if in.BedSize != [3]float32{} {
		fmt.Printf("  %-20s %.2f x %.2f x %.2f mm\n", "build volume:", in.BedSize[0], in.BedSize[1], in.BedSize[2])
	}
	fmt.Printf("  %-20s %s\n", "layers:", humanize.Comma(int64(in.LayerCount)))
	fmt.Printf("  %-20s %.3f mm\n", "layer height:", in.LayerHeight)
	fmt.Printf("  %-20s %.3f mm\n", "total height:", in.TotalHeight)
	fmt.Printf("  %-20s %v (bottom %v x %d)\n", "exposure:", in.Exposure, in.BottomExposure, in.BottomLayerCount)
	fmt.Printf("  %-20s %v\n", "light off:", in.LightOff)
	if in.AntiAliasing > 1 {
		fmt.Printf("  %-20s %dx\n", "anti-aliasing:", in.AntiAliasing)
	}
	if in.Encrypted {
		fmt.Printf("  %-20s yes\n", "encrypted:")
	}
	if len(in.Previews) > 0 {
		kinds := make([]string, len(in.Previews))
		for i, k := range in.Previews {
			kinds[i] = k.String()
		}
		fmt.Printf("  %-20s %s\n", "previews:", strings.Join(kinds, ", "))
	}
	if in.PrintTime > 0 {
		fmt.Printf("  %-20s %v\n", "slicer print time:", in.PrintTime)
	}
	fmt.Printf("  %-20s %v (ends %s)\n", "estimated time:", rep.Estimate.Round(time.Second),
		humanize.Time(time.Now().Add(rep.Estimate)))
}

// rawSections collects the decoded header structs of the container.
// Sections the version does not define are left out.
func rawSections(j *printjob.Job) map[string]any {
	out := map[string]any{}
	if f := j.CTB(); f != nil {
		out["header"] = f.Header
		if ps, err := f.PrintSettings(); err == nil {
			out["print_settings"] = ps
		}
		if ss, err := f.SlicerSettings(); err == nil {
			out["slicer_settings"] = ss
		}
		if v4, err := f.PrintSettingsV4(); err == nil {
			out["print_settings_v4"] = v4
		}
		if d, err := f.Disclaimer(); err == nil {
			out["disclaimer"] = d
		}
	}
	if f := j.PhotonWorkshop(); f != nil {
		out["file_mark"] = f.Mark
		out["header"] = f.Header
		out["layer_def"] = f.LayerDef
		if p, err := f.PreviewInfo(); err == nil {
			out["preview"] = p
		}
		if e, err := f.Extra(); err == nil {
			out["extra"] = e
		}
		if m, err := f.Machine(); err == nil {
			out["machine"] = m
		}
	}
	return out
}
