// Package media serves print job files from a storage volume, the directory
// a printer reads jobs from (typically a USB stick mount point).
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/samcharles93/resin/internal/logger"
	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/printjob"
)

// EnvMediaDir names the environment variable that locates the volume when no
// directory is configured.
const EnvMediaDir = "RESIN_MEDIA_DIR"

var (
	// ErrNoVolume reports that no media directory was configured.
	ErrNoVolume = errors.New("no media directory configured")
	// ErrInvalidName reports a job name that is not a plain file name.
	ErrInvalidName = errors.New("invalid job name")
)

// extensions are the file suffixes slicers use for the supported containers.
var extensions = map[string]bool{
	".ctb":    true,
	".cbddlp": true,
	".photon": true,
	".pws":    true,
	".pw0":    true,
	".pwmx":   true,
	".pwmo":   true,
	".pwms":   true,
	".pwma":   true,
	".pwmb":   true,
	".pmsq":   true,
	".pwx":    true,
}

// IsJobFile reports whether name carries a print job extension.
func IsJobFile(name string) bool {
	return extensions[strings.ToLower(filepath.Ext(name))]
}

// ResolveDir picks the volume directory: dir when set, otherwise
// $RESIN_MEDIA_DIR.
func ResolveDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(EnvMediaDir))
	}
	if dir == "" {
		return "", fmt.Errorf("%w: set --media-dir or %s", ErrNoVolume, EnvMediaDir)
	}
	return filepath.Clean(dir), nil
}

// Entry describes one job file on the volume.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"-"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Volume is a directory of job files. Opens share one read limiter, so a
// throttled volume models a single storage bus.
type Volume struct {
	dir        string
	limiter    *rate.Limiter
	log        logger.Logger
	bufSize    int
	maxPreview uint64
}

// Option configures a Volume.
type Option func(*Volume)

// WithRate caps aggregate reads at bytesPerSec. Zero or negative leaves the
// volume unthrottled.
func WithRate(bytesPerSec int) Option {
	return func(v *Volume) {
		if bytesPerSec <= 0 {
			v.limiter = nil
			return
		}
		v.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec/10, minBurst))
	}
}

// WithLogger sets the logger passed to opened jobs.
func WithLogger(log logger.Logger) Option {
	return func(v *Volume) {
		if log != nil {
			v.log = log
		}
	}
}

// WithBufferSize sets the layer decoder read size for opened jobs.
func WithBufferSize(n int) Option {
	return func(v *Volume) {
		v.bufSize = n
	}
}

// WithMaxPreviewPixels caps preview decoding for opened jobs.
func WithMaxPreviewPixels(n uint64) Option {
	return func(v *Volume) {
		v.maxPreview = n
	}
}

// NewVolume opens the directory dir.
func NewVolume(dir string, opts ...Option) (*Volume, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, ErrNoVolume
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("media path is not a directory: %s", dir)
	}
	v := &Volume{dir: filepath.Clean(dir), log: logger.Discard()}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Dir returns the volume directory.
func (v *Volume) Dir() string {
	return v.dir
}

// List returns the job files on the volume sorted by name. Subdirectories and
// files with other extensions are skipped.
func (v *Volume) List() ([]Entry, error) {
	ents, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !IsJobFile(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		out = append(out, Entry{
			Name:    e.Name(),
			Path:    filepath.Join(v.dir, e.Name()),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat describes the job file name.
func (v *Volume) Stat(name string) (Entry, error) {
	path, err := v.path(name)
	if err != nil {
		return Entry{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}
	if !fi.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("%w: %s is not a regular file", ErrInvalidName, name)
	}
	return Entry{Name: name, Path: path, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Open opens the job file name. ctx bounds throttled reads for the lifetime
// of the returned Job, which the caller must Close.
func (v *Volume) Open(ctx context.Context, name string) (*printjob.Job, error) {
	path, err := v.path(name)
	if err != nil {
		return nil, err
	}
	f, err := binfile.Open(path)
	if err != nil {
		return nil, err
	}
	var src binfile.Source = f
	if v.limiter != nil {
		src = Throttle(ctx, f, v.limiter)
	}
	opts := []printjob.Option{
		printjob.WithLogger(v.log.With("file", name)),
		printjob.OnClose(f.Close),
	}
	if v.bufSize > 0 {
		opts = append(opts, printjob.WithBufferSize(v.bufSize))
	}
	if v.maxPreview > 0 {
		opts = append(opts, printjob.WithMaxPreviewPixels(v.maxPreview))
	}
	j, err := printjob.Open(src, opts...)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return j, nil
}

func (v *Volume) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(v.dir, name), nil
}
