// Package exposure drives a print. For each layer it moves the build plate,
// streams the decoded image into the exposure panel and times the UV
// exposure. It owns the policy for layers whose image fails to decode.
package exposure

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/resin/internal/logger"
	"github.com/samcharles93/resin/pkg/printjob"
	"github.com/samcharles93/resin/pkg/raster"
)

// Policy decides what happens to a layer whose image is corrupt.
type Policy int

const (
	// PolicyAbort stops the print at the first corrupt layer.
	PolicyAbort Policy = iota
	// PolicySkip leaves the corrupt layer unexposed and continues.
	PolicySkip
)

func (p Policy) String() string {
	if p == PolicySkip {
		return "skip"
	}
	return "abort"
}

// ParsePolicy parses "abort" or "skip".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "abort":
		return PolicyAbort, nil
	case "skip":
		return PolicySkip, nil
	default:
		return 0, fmt.Errorf("unknown corrupt layer policy %q", s)
	}
}

// Panel is the exposure display. A layer is loaded into an off-screen buffer
// with Begin and WriteRun and becomes the exposure mask only on Commit, so a
// layer that fails half way is never shown. Begin fails if the panel cannot
// show a width x height image.
type Panel interface {
	raster.Sink
	Begin(layer, width, height int) error
	Commit() error
	Discard()
	Light(on bool) error
}

// Motion moves the build plate. z is in mm above the vat floor and speed in
// mm/min.
type Motion interface {
	MoveTo(ctx context.Context, z, speed float32) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep waits in real time.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Scaled returns a SleepFunc that runs speedup times faster than real time.
func Scaled(speedup float64) SleepFunc {
	if speedup <= 0 {
		return Sleep
	}
	return func(ctx context.Context, d time.Duration) error {
		return Sleep(ctx, time.Duration(float64(d)/speedup))
	}
}

// Config configures a Controller.
type Config struct {
	Policy Policy
	// Sleep times exposure and light-off; nil waits in real time.
	Sleep SleepFunc
	Log   logger.Logger
}

// Progress is reported after each layer.
type Progress struct {
	Layer   int
	Total   int
	Z       float32
	Skipped bool
}

// Report summarizes a print.
type Report struct {
	Layers  int           `json:"layers"`
	Exposed int           `json:"exposed"`
	Skipped []int         `json:"skipped,omitempty"`
	UVTime  time.Duration `json:"uv_time"`
}

// Controller runs prints on one panel and motion system. It runs one print
// at a time.
type Controller struct {
	panel  Panel
	motion Motion
	cfg    Config
}

// NewController returns a Controller driving panel and motion.
func NewController(panel Panel, motion Motion, cfg Config) *Controller {
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	return &Controller{panel: panel, motion: motion, cfg: cfg}
}

// Policy returns the configured corrupt layer policy.
func (c *Controller) Policy() Policy {
	return c.cfg.Policy
}

// Print exposes every layer of job in order. Structural errors and
// cancellation stop the print. A layer fault (corrupt data or an image outside
// the file) stops it under PolicyAbort and is recorded in Report.Skipped
// under PolicySkip. progress may be nil.
func (c *Controller) Print(ctx context.Context, job *printjob.Job, progress func(Progress)) (Report, error) {
	rep := Report{Layers: int(job.LayerCount())}
	w, h := job.Resolution()
	frame := frame{width: int(w), height: int(h)}
	log := c.cfg.Log.With("format", job.Format(), "layers", rep.Layers)
	log.Info("print started", "policy", c.cfg.Policy)

	for v, err := range job.Layers() {
		if err != nil {
			return rep, err
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		skipped, err := c.load(v, frame)
		if err != nil {
			log.Error("print aborted", "layer", v.Index, "error", err)
			return rep, err
		}
		if skipped {
			rep.Skipped = append(rep.Skipped, v.Index)
		} else {
			if err := c.expose(ctx, v); err != nil {
				return rep, err
			}
			rep.Exposed++
			rep.UVTime += v.Exposure
		}
		if progress != nil {
			progress(Progress{Layer: v.Index, Total: rep.Layers, Z: v.PositionZ, Skipped: skipped})
		}
	}
	log.Info("print finished", "exposed", rep.Exposed, "skipped", len(rep.Skipped))
	return rep, nil
}

type frame struct {
	width, height int
}

// load streams the layer image into the panel's back buffer.
func (c *Controller) load(v printjob.LayerView, f frame) (skipped bool, err error) {
	d, err := v.Runs()
	if err == nil {
		if err = c.panel.Begin(v.Index, f.width, f.height); err != nil {
			return false, err
		}
		_, err = raster.Copy(c.panel, d)
	}
	if err == nil {
		return false, c.panel.Commit()
	}
	c.panel.Discard()
	if raster.IsLayerFault(err) && c.cfg.Policy == PolicySkip {
		c.cfg.Log.Warn("skipping faulty layer", "layer", v.Index, "error", err)
		return true, nil
	}
	return false, err
}

// expose lifts and retracts to the layer height, then runs the UV cycle.
// The light is always off when expose returns.
func (c *Controller) expose(ctx context.Context, v printjob.LayerView) error {
	if v.LiftHeight > 0 {
		if err := c.motion.MoveTo(ctx, v.PositionZ+v.LiftHeight, v.LiftSpeed); err != nil {
			return err
		}
	}
	if err := c.motion.MoveTo(ctx, v.PositionZ, v.RetractSpeed); err != nil {
		return err
	}

	if err := c.panel.Light(true); err != nil {
		return err
	}
	err := c.cfg.Sleep(ctx, v.Exposure)
	if offErr := c.panel.Light(false); err == nil {
		err = offErr
	}
	if err != nil {
		return err
	}
	c.cfg.Log.Debug("layer exposed", "layer", v.Index, "z", v.PositionZ, "exposure", v.Exposure, "bottom", v.Bottom)
	return c.cfg.Sleep(ctx, v.LightOff)
}
