package printjob

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/resin/internal/logger"
	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/ctb"
	"github.com/samcharles93/resin/pkg/pws"
	"github.com/samcharles93/resin/pkg/raster"
)

const width, height = 6, 3

// pattern returns a distinct bitmap for layer i.
func pattern(i int) []byte {
	px := make([]byte, width*height)
	for j := range px {
		if (j+i)%(i+2) == 0 {
			px[j] = 255
		}
	}
	return px
}

func ctbFixture(t *testing.T, v ctb.Variant, mutate func(*ctb.Job)) []byte {
	t.Helper()
	job := &ctb.Job{
		Variant: v,
		Header: ctb.Header{
			LayerHeight:      0.05,
			ExposureTime:     2.5,
			LightOffDelay:    1,
			BottomLayerCount: 1,
			ResolutionX:      width,
			ResolutionY:      height,
			EncryptionKey:    0x5eed,
		},
		PrintSettings: ctb.PrintSettings{
			BottomLiftHeight: 8, BottomLiftSpeed: 60,
			LiftHeight: 6, LiftSpeed: 120, RetractSpeed: 180,
		},
		MachineName: "Saturn",
	}
	for i := range 3 {
		job.Layers = append(job.Layers, ctb.LayerImage{
			PositionZ:    float32(i+1) * 0.05,
			ExposureTime: 2.5,
			Pixels:       pattern(i),
		})
	}
	if mutate != nil {
		mutate(job)
	}
	data, err := ctb.Encode(job)
	if err != nil {
		t.Fatalf("encode ctb: %v", err)
	}
	return data
}

func pwsFixture(t *testing.T, version uint32, mutate func(*pws.Job)) []byte {
	t.Helper()
	job := &pws.Job{
		Version: version,
		Header: pws.Header{
			LayerHeight:      0.05,
			ExposureTime:     2,
			LightOffDelay:    0.5,
			BottomLayerCount: 1,
			RetractSpeed:     3,
			ResolutionX:      width,
			ResolutionY:      height,
		},
		MachineName: "Photon Mono",
	}
	for i := range 3 {
		job.Layers = append(job.Layers, pws.LayerImage{
			ExposureTime: 2,
			LayerHeight:  0.05,
			LiftHeight:   5,
			LiftSpeed:    2,
			Pixels:       pattern(i),
		})
	}
	if mutate != nil {
		mutate(job)
	}
	data, err := pws.Encode(job)
	if err != nil {
		t.Fatalf("encode pws: %v", err)
	}
	return data
}

type fixture struct {
	name string
	data []byte
}

func fixtures(t *testing.T) []fixture {
	return []fixture{
		{"cbddlp", ctbFixture(t, ctb.VariantCBDDLP, nil)},
		{"cbddlp-aa", ctbFixture(t, ctb.VariantCBDDLP, func(j *ctb.Job) { j.Header.AntiAliasLevel = 2 })},
		{"ctb", ctbFixture(t, ctb.VariantCTB, nil)},
		{"ctb-v4", ctbFixture(t, ctb.VariantCTBv4, nil)},
		{"pws-v1", pwsFixture(t, pws.Version1, nil)},
		{"pws-v1-aa", pwsFixture(t, pws.Version1, func(j *pws.Job) { j.Header.AntiAliasing = 4 })},
		{"pw0-v515", pwsFixture(t, pws.Version515, nil)},
		{"pw0-v516", pwsFixture(t, pws.Version516, nil)},
		{"pws-v517", pwsFixture(t, pws.Version517, func(j *pws.Job) { j.Format = pws.FormatPWS })},
	}
}

func mustOpen(t *testing.T, data []byte, opts ...Option) *Job {
	t.Helper()
	j, err := Open(bytes.NewReader(data), opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return j
}

func render(t *testing.T, v LayerView) []byte {
	t.Helper()
	d, err := v.Runs()
	if err != nil {
		t.Fatalf("layer %d runs: %v", v.Index, err)
	}
	img, err := raster.Render(d, width, height)
	if err != nil {
		t.Fatalf("layer %d render: %v", v.Index, err)
	}
	return img.Pix
}

func TestOpenFixtures(t *testing.T) {
	t.Parallel()

	for _, fx := range fixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			t.Parallel()
			j := mustOpen(t, fx.data)
			if j.LayerCount() != 3 || j.Info().LayerCount != 3 {
				t.Fatalf("layer count = %d", j.LayerCount())
			}
			for v, err := range j.Layers() {
				if err != nil {
					t.Fatalf("layers: %v", err)
				}
				d, err := v.Runs()
				if err != nil {
					t.Fatalf("runs: %v", err)
				}
				stats, err := raster.Measure(d)
				if err != nil {
					t.Fatalf("layer %d: %v", v.Index, err)
				}
				if stats.Pixels != width*height {
					t.Fatalf("layer %d decoded %d pixels", v.Index, stats.Pixels)
				}
				if diff := cmp.Diff(pattern(v.Index), render(t, v)); diff != "" {
					t.Fatalf("layer %d (-want +got):\n%s", v.Index, diff)
				}
			}
		})
	}
}

func TestOutOfOrderImages(t *testing.T) {
	t.Parallel()

	tests := []fixture{
		{"ctb", ctbFixture(t, ctb.VariantCTB, func(j *ctb.Job) {
			j.ImageOrder = []int{2, 0, 1}
			j.ImageGap = 5
		})},
		{"pws", pwsFixture(t, pws.Version516, func(j *pws.Job) {
			j.ImageOrder = []int{1, 2, 0}
			j.ImageGap = 9
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j := mustOpen(t, tt.data)
			var (
				order   []int
				offsets []int64
			)
			for v, err := range j.Layers() {
				if err != nil {
					t.Fatalf("layers: %v", err)
				}
				order = append(order, v.Index)
				offsets = append(offsets, v.ImageOffset)
				if diff := cmp.Diff(pattern(v.Index), render(t, v)); diff != "" {
					t.Fatalf("layer %d (-want +got):\n%s", v.Index, diff)
				}
			}
			if diff := cmp.Diff([]int{0, 1, 2}, order); diff != "" {
				t.Fatalf("order (-want +got):\n%s", diff)
			}
			if offsets[0] < offsets[1] && offsets[1] < offsets[2] {
				t.Fatalf("fixture images are in file order: %v", offsets)
			}
		})
	}
}

func TestLayerIndex(t *testing.T) {
	t.Parallel()

	j := mustOpen(t, ctbFixture(t, ctb.VariantCTB, nil))
	for _, i := range []int{5, 3, -1} {
		if _, err := j.Layer(i); !errors.Is(err, ErrLayerIndex) {
			t.Fatalf("layer(%d): %v", i, err)
		}
	}

	a, err := j.Layer(2)
	if err != nil {
		t.Fatalf("layer(2): %v", err)
	}
	b, err := j.Layer(2)
	if err != nil {
		t.Fatalf("layer(2): %v", err)
	}
	if diff := cmp.Diff(a, b, cmpopts.IgnoreUnexported(LayerView{})); diff != "" {
		t.Fatalf("views differ (-a +b):\n%s", diff)
	}

	// Interleaved pulls from two views of the same layer do not interfere.
	da, err := a.Runs()
	if err != nil {
		t.Fatal(err)
	}
	db, err := b.Runs()
	if err != nil {
		t.Fatal(err)
	}
	for {
		ra, oka, erra := da.Next()
		rb, okb, errb := db.Next()
		if erra != nil || errb != nil {
			t.Fatalf("next: %v, %v", erra, errb)
		}
		if ra != rb || oka != okb {
			t.Fatalf("views diverged: %+v/%v vs %+v/%v", ra, oka, rb, okb)
		}
		if !oka {
			break
		}
	}
}

func TestLayersRestartable(t *testing.T) {
	t.Parallel()

	j := mustOpen(t, pwsFixture(t, pws.Version516, nil))
	collect := func() []LayerView {
		var out []LayerView
		for v, err := range j.Layers() {
			if err != nil {
				t.Fatalf("layers: %v", err)
			}
			out = append(out, v)
			if v.Index == 1 {
				break
			}
		}
		return out
	}
	first, second := collect(), collect()
	if len(first) != 2 {
		t.Fatalf("early break yielded %d layers", len(first))
	}
	if diff := cmp.Diff(first, second, cmpopts.IgnoreUnexported(LayerView{})); diff != "" {
		t.Fatalf("restart differs (-first +second):\n%s", diff)
	}
	if first[1].PositionZ <= first[0].PositionZ {
		t.Fatalf("z not increasing: %v then %v", first[0].PositionZ, first[1].PositionZ)
	}
}

func TestCorruptMagic(t *testing.T) {
	t.Parallel()

	for _, fx := range []fixture{
		{"ctb", ctbFixture(t, ctb.VariantCTB, nil)},
		{"pws", pwsFixture(t, pws.Version516, nil)},
	} {
		data := bytes.Clone(fx.data)
		data[0] ^= 0xff
		_, err := Open(bytes.NewReader(data))
		if !errors.Is(err, ErrUnrecognizedFormat) {
			t.Fatalf("%s: open = %v", fx.name, err)
		}
	}
}

func TestUnknownCTBVersion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	j := mustOpen(t, ctbFixture(t, ctb.VariantCTB, func(j *ctb.Job) { j.Header.Version = 42 }),
		WithLogger(logger.JSON(&buf, slog.LevelDebug)))

	in := j.Info()
	if in.KnownVersion || in.Version != 42 || in.ResolutionX != width {
		t.Fatalf("info = %+v", in)
	}
	if in.MachineName != "" {
		t.Fatalf("machine name resolved on unknown version: %q", in.MachineName)
	}
	if _, err := j.CTB().SlicerSettings(); !errors.Is(err, binfile.ErrUnsupportedVersion) {
		t.Fatalf("slicer settings: %v", err)
	}
	v, err := j.Layer(1)
	if err != nil {
		t.Fatalf("layer: %v", err)
	}
	if diff := cmp.Diff(pattern(1), render(t, v)); diff != "" {
		t.Fatalf("layer 1 (-want +got):\n%s", diff)
	}
	if !strings.Contains(buf.String(), "unknown ctb version") {
		t.Fatalf("no version warning logged: %s", buf.String())
	}
}

// decodeAll decodes every layer and returns the first error.
func decodeAll(j *Job) error {
	for v, err := range j.Layers() {
		if err != nil {
			return err
		}
		d, err := v.Runs()
		if err != nil {
			return err
		}
		if _, err := raster.Measure(d); err != nil {
			return err
		}
	}
	return nil
}

func TestTruncation(t *testing.T) {
	t.Parallel()

	for _, fx := range fixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			t.Parallel()
			for n := 12; n < len(fx.data); n++ {
				j, err := Open(bytes.NewReader(fx.data[:n]))
				if err != nil {
					if !errors.Is(err, binfile.ErrTruncatedInput) {
						t.Fatalf("cut at %d: open = %v", n, err)
					}
					continue
				}
				err = decodeAll(j)
				if !errors.Is(err, binfile.ErrTruncatedInput) {
					t.Fatalf("cut at %d: decode = %v", n, err)
				}
				var le *raster.LayerError
				if !errors.As(err, &le) {
					t.Fatalf("cut at %d: %v does not identify the layer", n, err)
				}
			}
		})
	}
}

func TestCorruptLayerData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want string
	}{
		// 17 of 18 pixels.
		{"ctb short", []byte{0x80 | 0x7f, 17}, "decoded 17 pixels"},
		// 20 of 18 pixels.
		{"ctb long", []byte{0x80, 20}, "overflows"},
		{"ctb prefix", []byte{0x80, 0xff}, "invalid run length prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			data := ctbFixture(t, ctb.VariantCTB, func(j *ctb.Job) {
				j.Header.EncryptionKey = 0
				j.Layers[1].Data = tt.data
			})
			j := mustOpen(t, data, WithLogger(logger.JSON(&buf, slog.LevelDebug)))

			v, err := j.Layer(1)
			if err != nil {
				t.Fatal(err)
			}
			d, err := v.Runs()
			if err != nil {
				t.Fatal(err)
			}
			_, err = raster.Measure(d)
			var le *raster.LayerError
			if !errors.As(err, &le) || le.Layer != 1 || !errors.Is(err, raster.ErrCorruptLayerData) {
				t.Fatalf("measure: %v", err)
			}
			if !strings.Contains(le.Detail, tt.want) {
				t.Fatalf("detail %q lacks %q", le.Detail, tt.want)
			}
			if !strings.Contains(buf.String(), "layer decode failed") {
				t.Fatalf("fault not logged: %s", buf.String())
			}

			// Other layers are unaffected.
			v0, _ := j.Layer(0)
			if diff := cmp.Diff(pattern(0), render(t, v0)); diff != "" {
				t.Fatalf("layer 0 (-want +got):\n%s", diff)
			}
		})
	}
}

type countingSource struct {
	*bytes.Reader
	reads atomic.Int64
}

func (c *countingSource) ReadAt(p []byte, off int64) (int, error) {
	c.reads.Add(1)
	return c.Reader.ReadAt(p, off)
}

func TestInstancesMemoized(t *testing.T) {
	t.Parallel()

	src := &countingSource{Reader: bytes.NewReader(ctbFixture(t, ctb.VariantCTBv4, nil))}
	j, err := Open(src)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f := j.CTB()
	first, err := f.SlicerSettings()
	if err != nil {
		t.Fatalf("slicer settings: %v", err)
	}
	reads := src.reads.Load()
	second, err := f.SlicerSettings()
	if err != nil {
		t.Fatalf("slicer settings: %v", err)
	}
	if n := src.reads.Load() - reads; n != 0 {
		t.Fatalf("second resolution issued %d reads", n)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("slicer settings differ (-first +second):\n%s", diff)
	}
}

func TestMetadataScanSkipsImages(t *testing.T) {
	t.Parallel()

	data := ctbFixture(t, ctb.VariantCTB, nil)
	j := mustOpen(t, data)
	v0, _ := j.Layer(0)
	// Overwrite every image with an invalid prefix; metadata must not notice.
	for v, err := range j.Layers() {
		if err != nil {
			t.Fatal(err)
		}
		for k := range v.ImageSize {
			data[v.ImageOffset+k] = 0xff
		}
	}

	est, err := j.Estimate()
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	// Bottom layer: 2.5s exposure, 1s light-off, 8mm at 60mm/min up and
	// 180mm/min down. Two normal layers: 6mm at 120 and 180mm/min.
	want := 3*3500*time.Millisecond + 8*time.Second + 8*time.Second/3 + 2*(3*time.Second+2*time.Second)
	if diff := est - want; diff > time.Millisecond || diff < -time.Millisecond {
		t.Fatalf("estimate = %v, want %v", est, want)
	}
	if !v0.Bottom {
		t.Fatal("layer 0 not marked bottom")
	}
}

func TestPreviews(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for i := range 8 {
		img.SetNRGBA(i%4, i/4, color.NRGBA{R: 255, B: byte(255 * (i % 2)), A: 255})
	}

	c := mustOpen(t, ctbFixture(t, ctb.VariantCTB, func(j *ctb.Job) { j.SmallPreview = img }))
	if got := c.Info().Previews; !cmp.Equal(got, []PreviewKind{PreviewSmall}) {
		t.Fatalf("ctb previews = %v", got)
	}
	got, err := c.Preview(PreviewSmall)
	if err != nil {
		t.Fatalf("small preview: %v", err)
	}
	if diff := cmp.Diff(img.Pix, got.(*image.NRGBA).Pix); diff != "" {
		t.Fatalf("small preview (-want +got):\n%s", diff)
	}
	if _, err := c.Preview(PreviewLarge); !errors.Is(err, ErrNoPreview) {
		t.Fatalf("large preview: %v", err)
	}

	p := mustOpen(t, pwsFixture(t, pws.Version516, func(j *pws.Job) { j.Preview = img }))
	if _, err := p.Preview(PreviewLarge); err != nil {
		t.Fatalf("pws preview: %v", err)
	}
	if _, err := p.Preview(PreviewSmall); !errors.Is(err, ErrNoPreview) {
		t.Fatalf("pws small preview: %v", err)
	}
}

func TestPreviewLimitPerJob(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	c := ctbFixture(t, ctb.VariantCTB, func(j *ctb.Job) { j.LargePreview = img })
	p := pwsFixture(t, pws.Version516, func(j *pws.Job) { j.Preview = img })

	for name, data := range map[string][]byte{"ctb": c, "pws": p} {
		capped := mustOpen(t, data, WithMaxPreviewPixels(7))
		if _, err := capped.Preview(PreviewLarge); !errors.Is(err, binfile.ErrMalformedGeometry) {
			t.Fatalf("%s: capped preview: %v", name, err)
		}
		// The cap belongs to the capped job only.
		if _, err := mustOpen(t, data).Preview(PreviewLarge); err != nil {
			t.Fatalf("%s: default preview: %v", name, err)
		}
		if _, err := mustOpen(t, data, WithMaxPreviewPixels(8)).Preview(PreviewLarge); err != nil {
			t.Fatalf("%s: preview at the cap: %v", name, err)
		}
	}
}

func TestPWSInfo(t *testing.T) {
	t.Parallel()

	j := mustOpen(t, pwsFixture(t, pws.Version516, nil))
	in := j.Info()
	if in.Format != "pws/pw0Img" || in.MachineName != "Photon Mono" || in.BottomLayerCount != 1 {
		t.Fatalf("info = %+v", in)
	}
	if d := in.TotalHeight - 0.15; d > 1e-6 || d < -1e-6 {
		t.Fatalf("total height = %v", in.TotalHeight)
	}
	v, err := j.Layer(2)
	if err != nil {
		t.Fatal(err)
	}
	if v.LiftSpeed != 120 || v.RetractSpeed != 180 || v.LightOff != 500*time.Millisecond {
		t.Fatalf("layer 2 = %+v", v)
	}
}

func TestFormatsOrder(t *testing.T) {
	t.Parallel()
	if diff := cmp.Diff([]string{"ctb", "pws"}, Formats()); diff != "" {
		t.Fatalf("formats (-want +got):\n%s", diff)
	}
	if _, err := Open(bytes.NewReader([]byte("not a print job at all"))); !errors.Is(err, ErrUnrecognizedFormat) {
		t.Fatalf("open text: %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cube.ctb")
	if err := os.WriteFile(path, ctbFixture(t, ctb.VariantCTB, nil), 0o644); err != nil {
		t.Fatal(err)
	}
	j, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if err := decodeAll(j); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestDigest(t *testing.T) {
	t.Parallel()

	a := mustOpen(t, pwsFixture(t, pws.Version516, nil))
	b := mustOpen(t, pwsFixture(t, pws.Version516, func(j *pws.Job) {
		j.ImageOrder = []int{2, 1, 0}
		j.Layers[2].Pixels = pattern(0)
	}))

	digest := func(j *Job, i int) uint64 {
		t.Helper()
		v, err := j.Layer(i)
		if err != nil {
			t.Fatalf("layer %d: %v", i, err)
		}
		d, err := v.Digest()
		if err != nil {
			t.Fatalf("digest %d: %v", i, err)
		}
		return d
	}
	if digest(a, 1) != digest(b, 1) {
		t.Fatalf("same image at different offsets digests differently")
	}
	if digest(a, 2) == digest(b, 2) {
		t.Fatalf("different images share a digest")
	}
	if digest(b, 0) != digest(b, 2) {
		t.Fatalf("identical images digest differently")
	}
}

func TestOnClose(t *testing.T) {
	t.Parallel()

	var closed int
	j := mustOpen(t, ctbFixture(t, ctb.VariantCTB, nil), OnClose(func() error {
		closed++
		return nil
	}))
	_ = j.Close()
	_ = j.Close()
	if closed != 1 {
		t.Fatalf("close hook ran %d times", closed)
	}
}
