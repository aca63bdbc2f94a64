package raster

import "fmt"

// Span is the part of a run that falls on one row: pixels [X0, X1) of row Y.
type Span struct {
	Y      int
	X0, X1 int
	Value  uint8
}

// SpanSink receives row spans in raster order.
type SpanSink interface {
	WriteSpan(Span) error
}

// Rows splits a run stream into per-row spans for a display that is
// refreshed one scanline at a time.
type Rows struct {
	Width int
	Dst   SpanSink

	x, y int
}

// WriteRun implements Sink.
func (r *Rows) WriteRun(run Run) error {
	if r.Width <= 0 {
		return fmt.Errorf("raster: invalid row width %d", r.Width)
	}
	n := int(run.Length)
	for n > 0 {
		take := r.Width - r.x
		if take > n {
			take = n
		}
		if err := r.Dst.WriteSpan(Span{Y: r.y, X0: r.x, X1: r.x + take, Value: run.Value}); err != nil {
			return err
		}
		n -= take
		r.x += take
		if r.x == r.Width {
			r.x = 0
			r.y++
		}
	}
	return nil
}

// Position returns the next pixel to be written.
func (r *Rows) Position() (x, y int) {
	return r.x, r.y
}
