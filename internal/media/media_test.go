package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"

	"github.com/samcharles93/resin/pkg/ctb"
	"github.com/samcharles93/resin/pkg/raster"
)

func sampleCTB(t *testing.T) []byte {
	t.Helper()
	job := &ctb.Job{
		Variant: ctb.VariantCTB,
		Header: ctb.Header{
			LayerHeight:  0.05,
			ExposureTime: 2,
			ResolutionX:  4,
			ResolutionY:  2,
		},
	}
	for i := range 2 {
		job.Layers = append(job.Layers, ctb.LayerImage{
			PositionZ: float32(i+1) * 0.05,
			Pixels:    []byte{0, 255, 255, 0, 0, 0, 255, 255},
		})
	}
	data, err := ctb.Encode(job)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func writeFiles(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestListFiltersAndSorts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		"b.ctb":     {1},
		"a.PWMX":    {1, 2},
		"c.cbddlp":  {1, 2, 3},
		"notes.txt": {1},
	})
	if err := os.Mkdir(filepath.Join(dir, "sub.ctb"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	v, err := NewVolume(dir)
	if err != nil {
		t.Fatalf("volume: %v", err)
	}
	ents, err := v.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name)
	}
	if diff := cmp.Diff([]string{"a.PWMX", "b.ctb", "c.cbddlp"}, names); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	if ents[2].Size != 3 {
		t.Fatalf("size: got %d", ents[2].Size)
	}
}

func TestNewVolumeRejectsFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{"x.ctb": {1}})
	if _, err := NewVolume(filepath.Join(dir, "x.ctb")); err == nil {
		t.Fatalf("expected error for non-directory")
	}
	if _, err := NewVolume(" "); !errors.Is(err, ErrNoVolume) {
		t.Fatalf("blank dir: got %v", err)
	}
}

func TestResolveDir(t *testing.T) {
	t.Setenv(EnvMediaDir, "/mnt/usb/")

	got, err := ResolveDir("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "/mnt/usb" {
		t.Fatalf("env dir: got %q", got)
	}
	got, err = ResolveDir(" /media/sd ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "/media/sd" {
		t.Fatalf("flag dir: got %q", got)
	}

	t.Setenv(EnvMediaDir, "")
	if _, err := ResolveDir(""); !errors.Is(err, ErrNoVolume) {
		t.Fatalf("unset: got %v", err)
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		"cube.ctb": sampleCTB(t),
		"junk.ctb": bytes.Repeat([]byte{0xaa}, 64),
	})
	v, err := NewVolume(dir, WithRate(1<<20), WithBufferSize(16))
	if err != nil {
		t.Fatalf("volume: %v", err)
	}

	j, err := v.Open(context.Background(), "cube.ctb")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	if j.LayerCount() != 2 || j.Format() != "ctb" {
		t.Fatalf("job: %d layers format %q", j.LayerCount(), j.Format())
	}
	l, err := j.Layer(1)
	if err != nil {
		t.Fatalf("layer: %v", err)
	}
	d, err := l.Runs()
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	st, err := raster.Measure(d)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Pixels != 8 || st.Lit != 4 {
		t.Fatalf("stats: %+v", st)
	}

	if _, err := v.Open(context.Background(), "junk.ctb"); err == nil {
		t.Fatalf("expected error for junk file")
	}
	if _, err := v.Open(context.Background(), "missing.ctb"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing: got %v", err)
	}
}

func TestRejectsPathNames(t *testing.T) {
	t.Parallel()

	v, err := NewVolume(t.TempDir())
	if err != nil {
		t.Fatalf("volume: %v", err)
	}
	for _, name := range []string{"", ".", "..", "../etc/passwd", "a/b.ctb", `a\b.ctb`} {
		if _, err := v.Open(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("open %q: got %v", name, err)
		}
		if _, err := v.Stat(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("stat %q: got %v", name, err)
		}
	}
}

func TestThrottleSplitsReads(t *testing.T) {
	t.Parallel()

	data := []byte("0123456789abcdef")
	src := Throttle(context.Background(), bytes.NewReader(data), rate.NewLimiter(rate.Inf, 3))
	if src.Size() != int64(len(data)) {
		t.Fatalf("size: got %d", src.Size())
	}
	buf := make([]byte, 10)
	n, err := src.ReadAt(buf, 4)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "456789abcd" {
		t.Fatalf("read: got %q", got)
	}
}

func TestThrottleHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := Throttle(ctx, bytes.NewReader(make([]byte, 8)), rate.NewLimiter(1, 1))
	if _, err := src.ReadAt(make([]byte, 4), 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}
