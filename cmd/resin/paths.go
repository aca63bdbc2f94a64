package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/resin/internal/logger"
	"github.com/samcharles93/resin/internal/media"
	"github.com/samcharles93/resin/pkg/printjob"
)

// resolveJob splits a job argument into a volume directory and a file name.
// A path (or a file that exists relative to the working directory) is used
// as is. A bare name is looked up on the media volume, and an empty argument
// selects the only job on the volume.
func resolveJob(dirFlag, arg string, stderr io.Writer) (dir, name string, err error) {
	arg = strings.TrimSpace(arg)
	if arg != "" && looksLikePath(arg) {
		path := filepath.Clean(arg)
		return filepath.Dir(path), filepath.Base(path), nil
	}

	dir, err = media.ResolveDir(dirFlag)
	if err != nil {
		if arg == "" {
			return "", "", fmt.Errorf("a job file is required: %w", err)
		}
		return "", "", err
	}
	if arg != "" {
		return dir, arg, nil
	}

	vol, err := media.NewVolume(dir)
	if err != nil {
		return "", "", err
	}
	jobs, err := vol.List()
	if err != nil {
		return "", "", err
	}
	switch len(jobs) {
	case 0:
		return "", "", fmt.Errorf("no print jobs found in %s", dir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "resin: using job %s\n", jobs[0].Name)
		return dir, jobs[0].Name, nil
	default:
		return "", "", fmt.Errorf("multiple print jobs found in %s; name one", dir)
	}
}

func looksLikePath(v string) bool {
	if strings.ContainsRune(v, filepath.Separator) || strings.ContainsRune(v, '/') {
		return true
	}
	st, err := os.Stat(v)
	return err == nil && !st.IsDir()
}

func openVolume(ctx context.Context, dir string, extra ...media.Option) (*media.Volume, error) {
	opts := []media.Option{
		media.WithRate(int(ioRate)),
		media.WithBufferSize(int(readBuffer)),
		media.WithLogger(logger.FromContext(ctx)),
	}
	return media.NewVolume(dir, append(opts, extra...)...)
}

// openJob opens the job named by the command's first argument. The caller
// closes the job.
func openJob(ctx context.Context, cmd *cli.Command, extra ...media.Option) (*printjob.Job, string, error) {
	dir, name, err := resolveJob(mediaDir, cmd.Args().First(), os.Stderr)
	if err != nil {
		return nil, "", cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	vol, err := openVolume(ctx, dir, extra...)
	if err != nil {
		return nil, "", cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	j, err := vol.Open(ctx, name)
	if err != nil {
		return nil, "", cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return j, name, nil
}
