package raster

import (
	"errors"
	"io"

	"github.com/samcharles93/resin/pkg/binfile"
)

// checked enforces the pixel-count invariant of one layer.
type checked struct {
	d      Decoder
	layer  int
	want   uint64
	total  uint64
	failed error
	done   bool
}

// Check wraps d so that the runs it yields sum to exactly pixels. A stream
// that overruns the layer fails as soon as the offending run is decoded; one
// that ends short fails at the end of the layer. Errors from d are reported
// as LayerErrors for layer.
func Check(d Decoder, layer int, pixels uint64) Decoder {
	return &checked{d: d, layer: layer, want: pixels}
}

func (c *checked) Next() (Run, bool, error) {
	if c.failed != nil {
		return Run{}, false, c.failed
	}
	if c.done {
		return Run{}, false, nil
	}
	run, ok, err := c.d.Next()
	if err != nil {
		return c.fail(c.wrap(err))
	}
	if !ok {
		if c.total != c.want {
			return c.fail(Corrupt(c.layer, "decoded %d pixels, want %d", c.total, c.want))
		}
		c.done = true
		return Run{}, false, nil
	}
	if uint64(run.Length) > c.want-c.total {
		return c.fail(Corrupt(c.layer, "run of %d pixels at pixel %d overflows %d", run.Length, c.total, c.want))
	}
	c.total += uint64(run.Length)
	return run, true, nil
}

func (c *checked) fail(err error) (Run, bool, error) {
	c.failed = err
	return Run{}, false, err
}

func (c *checked) wrap(err error) error {
	var le *LayerError
	if errors.As(err, &le) {
		if le.Layer != c.layer {
			cp := *le
			cp.Layer = c.layer
			return &cp
		}
		return err
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return Corrupt(c.layer, "compressed stream ends early at pixel %d", c.total)
	case errors.Is(err, binfile.ErrTruncatedInput):
		return &LayerError{Layer: c.layer, Detail: "layer image exceeds file", Err: err}
	}
	return &LayerError{Layer: c.layer, Err: err}
}
