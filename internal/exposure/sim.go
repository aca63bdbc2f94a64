package exposure

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/samcharles93/resin/pkg/raster"
)

// Framebuffer is a Panel backed by two grey images. It stands in for the
// LCD mask in simulation and in tests, and adopts the resolution of the
// layer being loaded.
type Framebuffer struct {
	mu          sync.Mutex
	back, front *image.Gray
	rows        raster.Rows
	layer       int
	shown       int
	lit         bool
	flashes     int
}

// NewFramebuffer returns a dark width x height panel.
func NewFramebuffer(width, height int) *Framebuffer {
	fb := &Framebuffer{
		back:  image.NewGray(image.Rect(0, 0, width, height)),
		front: image.NewGray(image.Rect(0, 0, width, height)),
		layer: -1,
		shown: -1,
	}
	fb.rows = raster.Rows{Width: width, Dst: fb}
	return fb
}

// Begin clears the back buffer.
func (fb *Framebuffer) Begin(layer, width, height int) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.lit {
		return fmt.Errorf("framebuffer: load of layer %d while lit", layer)
	}
	if err := raster.CheckSize(width, height); err != nil {
		return fmt.Errorf("framebuffer: layer %d: %w", layer, err)
	}
	if r := image.Rect(0, 0, width, height); fb.back.Rect != r {
		fb.back = image.NewGray(r)
	}
	clear(fb.back.Pix)
	fb.rows = raster.Rows{Width: fb.back.Rect.Dx(), Dst: fb}
	fb.layer = layer
	return nil
}

// WriteRun implements raster.Sink.
func (fb *Framebuffer) WriteRun(r raster.Run) error {
	return fb.rows.WriteRun(r)
}

// WriteSpan implements raster.SpanSink.
func (fb *Framebuffer) WriteSpan(s raster.Span) error {
	if s.Y >= fb.back.Rect.Dy() {
		return fmt.Errorf("framebuffer: row %d past %d", s.Y, fb.back.Rect.Dy())
	}
	row := fb.back.Pix[s.Y*fb.back.Stride:]
	for x := s.X0; x < s.X1; x++ {
		row[x] = s.Value
	}
	return nil
}

// Commit swaps the loaded layer onto the panel.
func (fb *Framebuffer) Commit() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.layer < 0 {
		return fmt.Errorf("framebuffer: commit without begin")
	}
	fb.back, fb.front = fb.front, fb.back
	fb.shown = fb.layer
	fb.layer = -1
	return nil
}

// Discard drops the partially loaded layer.
func (fb *Framebuffer) Discard() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.layer = -1
}

// Light switches the UV source.
func (fb *Framebuffer) Light(on bool) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if on && !fb.lit {
		fb.flashes++
	}
	fb.lit = on
	return nil
}

// Shown returns the index of the displayed layer, or -1, and a copy of the
// mask.
func (fb *Framebuffer) Shown() (int, *image.Gray) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	img := image.NewGray(fb.front.Rect)
	copy(img.Pix, fb.front.Pix)
	return fb.shown, img
}

// Flashes returns how many times the light was switched on.
func (fb *Framebuffer) Flashes() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.flashes
}

// Lit reports whether the light is on.
func (fb *Framebuffer) Lit() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.lit
}

// Axis is a simulated Z axis. Moves take the time the distance needs at the
// requested speed, paced by Sleep.
type Axis struct {
	Sleep SleepFunc

	mu     sync.Mutex
	z      float32
	moves  int
	travel time.Duration
}

// MoveTo implements Motion.
func (a *Axis) MoveTo(ctx context.Context, z, speed float32) error {
	a.mu.Lock()
	dz := z - a.z
	a.mu.Unlock()
	if dz < 0 {
		dz = -dz
	}
	var d time.Duration
	if speed > 0 {
		d = time.Duration(float64(dz) / float64(speed) * float64(time.Minute))
	}
	if a.Sleep != nil {
		if err := a.Sleep(ctx, d); err != nil {
			return err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.z = z
	a.moves++
	a.travel += d
	return nil
}

// Position returns the current height.
func (a *Axis) Position() float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.z
}

// Travel returns the number of moves and the total time spent moving.
func (a *Axis) Travel() (moves int, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.moves, a.travel
}
