package exposure

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/ctb"
	"github.com/samcharles93/resin/pkg/printjob"
	"github.com/samcharles93/resin/pkg/raster"
)

const width, height = 4, 2

var masks = [][]byte{
	{255, 0, 0, 0, 0, 0, 0, 0},
	{255, 255, 0, 0, 0, 0, 0, 255},
	{0, 0, 255, 255, 255, 255, 0, 0},
}

func openJob(t *testing.T, mutate func(*ctb.Job)) *printjob.Job {
	t.Helper()
	job := &ctb.Job{
		Variant: ctb.VariantCTB,
		Header: ctb.Header{
			LayerHeight:      0.05,
			ExposureTime:     2,
			LightOffDelay:    1,
			BottomLayerCount: 1,
			ResolutionX:      width,
			ResolutionY:      height,
			EncryptionKey:    7,
		},
		PrintSettings: ctb.PrintSettings{
			BottomLiftHeight: 5, BottomLiftSpeed: 60,
			LiftHeight: 5, LiftSpeed: 120, RetractSpeed: 150,
		},
	}
	for i, m := range masks {
		job.Layers = append(job.Layers, ctb.LayerImage{
			PositionZ:    float32(i+1) * 0.05,
			ExposureTime: 2,
			Pixels:       m,
		})
	}
	if mutate != nil {
		mutate(job)
	}
	data, err := ctb.Encode(job)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	j, err := printjob.Open(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return j
}

// recorder is a SleepFunc that returns immediately and keeps the requested
// durations.
type recorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func TestPrintExposesEveryLayer(t *testing.T) {
	t.Parallel()

	fb := NewFramebuffer(width, height)
	axis := &Axis{}
	rec := &recorder{}
	c := NewController(fb, axis, Config{Sleep: rec.sleep})

	var seen []int
	rep, err := c.Print(context.Background(), openJob(t, nil), func(p Progress) {
		seen = append(seen, p.Layer)
	})
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	if diff := cmp.Diff(Report{Layers: 3, Exposed: 3, UVTime: 6 * time.Second}, rep); diff != "" {
		t.Fatalf("report (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, seen); diff != "" {
		t.Fatalf("progress (-want +got):\n%s", diff)
	}

	shown, img := fb.Shown()
	if shown != 2 {
		t.Fatalf("shown layer: got %d", shown)
	}
	if diff := cmp.Diff(masks[2], img.Pix); diff != "" {
		t.Fatalf("mask (-want +got):\n%s", diff)
	}
	if fb.Flashes() != 3 || fb.Lit() {
		t.Fatalf("light: %d flashes, lit %v", fb.Flashes(), fb.Lit())
	}
	if got, want := axis.Position(), float32(len(masks))*0.05; got != want {
		t.Fatalf("z: got %v", got)
	}
	if moves, _ := axis.Travel(); moves != 6 {
		t.Fatalf("moves: got %d", moves)
	}

	want := []time.Duration{2 * time.Second, time.Second}
	want = append(want, want...)
	want = append(want, want[:2]...)
	if diff := cmp.Diff(want, rec.waits); diff != "" {
		t.Fatalf("waits (-want +got):\n%s", diff)
	}
}

func corruptMiddle(j *ctb.Job) {
	j.Header.EncryptionKey = 0
	j.Layers[1].Data = []byte{0x80, 20}
}

func TestPrintAbortsOnCorruptLayer(t *testing.T) {
	t.Parallel()

	fb := NewFramebuffer(width, height)
	c := NewController(fb, &Axis{}, Config{Sleep: (&recorder{}).sleep})

	rep, err := c.Print(context.Background(), openJob(t, corruptMiddle), nil)
	var le *raster.LayerError
	if !errors.As(err, &le) || le.Layer != 1 || !errors.Is(err, raster.ErrCorruptLayerData) {
		t.Fatalf("print: got %v", err)
	}
	if rep.Exposed != 1 {
		t.Fatalf("exposed: got %d", rep.Exposed)
	}
	shown, img := fb.Shown()
	if shown != 0 {
		t.Fatalf("corrupt layer reached the panel: shown %d", shown)
	}
	if diff := cmp.Diff(masks[0], img.Pix); diff != "" {
		t.Fatalf("mask (-want +got):\n%s", diff)
	}
}

func TestPrintSkipsCorruptLayer(t *testing.T) {
	t.Parallel()

	fb := NewFramebuffer(width, height)
	c := NewController(fb, &Axis{}, Config{Policy: PolicySkip, Sleep: (&recorder{}).sleep})

	rep, err := c.Print(context.Background(), openJob(t, corruptMiddle), nil)
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	if diff := cmp.Diff(Report{Layers: 3, Exposed: 2, Skipped: []int{1}, UVTime: 4 * time.Second}, rep); diff != "" {
		t.Fatalf("report (-want +got):\n%s", diff)
	}
	if fb.Flashes() != 2 {
		t.Fatalf("flashes: got %d", fb.Flashes())
	}
}

// truncateLastImage cuts data one byte short of the last layer's image.
func truncateLastImage(t *testing.T, data []byte) []byte {
	t.Helper()
	f, err := ctb.Open(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l, err := f.Layer(f.Header.LayerCount - 1)
	if err != nil {
		t.Fatalf("layer: %v", err)
	}
	return data[:l.ImageOffset+l.ImageSize-1]
}

func TestPrintSkipsLayerOutsideFile(t *testing.T) {
	t.Parallel()

	job := &ctb.Job{
		Variant: ctb.VariantCTB,
		Header:  ctb.Header{LayerHeight: 0.05, ExposureTime: 2, ResolutionX: width, ResolutionY: height},
	}
	for i, m := range masks {
		job.Layers = append(job.Layers, ctb.LayerImage{PositionZ: float32(i+1) * 0.05, ExposureTime: 2, Pixels: m})
	}
	data, err := ctb.Encode(job)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	open := func() *printjob.Job {
		j, err := printjob.Open(bytes.NewReader(truncateLastImage(t, data)))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return j
	}

	c := NewController(NewFramebuffer(width, height), &Axis{}, Config{Policy: PolicySkip, Sleep: (&recorder{}).sleep})
	rep, err := c.Print(context.Background(), open(), nil)
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	if diff := cmp.Diff([]int{2}, rep.Skipped); diff != "" || rep.Exposed != 2 {
		t.Fatalf("report %+v, skipped (-want +got):\n%s", rep, diff)
	}

	c = NewController(NewFramebuffer(width, height), &Axis{}, Config{Sleep: (&recorder{}).sleep})
	_, err = c.Print(context.Background(), open(), nil)
	var le *raster.LayerError
	if !errors.As(err, &le) || le.Layer != 2 {
		t.Fatalf("abort policy: got %v", err)
	}
}

func TestFramebufferRejectsHugeLayer(t *testing.T) {
	t.Parallel()

	fb := NewFramebuffer(width, height)
	err := fb.Begin(0, 0x7fffffff, 0x7fffffff)
	if !errors.Is(err, binfile.ErrMalformedGeometry) {
		t.Fatalf("begin: got %v", err)
	}
	if err := fb.Begin(0, width, height); err != nil {
		t.Fatalf("begin after rejection: %v", err)
	}
}

func TestPrintCancelledDuringExposure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fb := NewFramebuffer(width, height)
	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	c := NewController(fb, &Axis{}, Config{Sleep: sleep})

	_, err := c.Print(ctx, openJob(t, nil), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("print: got %v", err)
	}
	if fb.Lit() {
		t.Fatalf("light left on after cancel")
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		want Policy
	}{{"", PolicyAbort}, {"abort", PolicyAbort}, {"skip", PolicySkip}} {
		got, err := ParsePolicy(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("ParsePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParsePolicy("retry"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestAxisTiming(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	a := &Axis{Sleep: rec.sleep}
	if err := a.MoveTo(context.Background(), 6, 120); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := a.MoveTo(context.Background(), 1, 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	moves, d := a.Travel()
	if moves != 2 || d != 3*time.Second {
		t.Fatalf("travel: %d moves, %v", moves, d)
	}
}
