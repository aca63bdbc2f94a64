// Package raster defines the run-segment stream produced by layer image
// decoders and the helpers that consume it.
//
// A layer image is a row-major sequence of Runs. Decoders are pull based: a
// consumer calls Next until it reports the end of the layer, and the decoder
// reads compressed bytes only as far as the run it is about to return.
package raster

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Run is a homogeneous span of Length pixels of intensity Value
// (0 = dark, 255 = fully lit). Runs may wrap across rows.
type Run struct {
	Value  uint8
	Length uint32
}

// Decoder is the per-format decoding capability.
type Decoder interface {
	// Next returns the next run. ok is false once the layer is exhausted.
	Next() (run Run, ok bool, err error)
}

// ErrCorruptLayerData reports a layer whose compressed stream is malformed,
// ends early, or decodes to a pixel count other than the declared resolution.
var ErrCorruptLayerData = errors.New("corrupt layer data")

// LayerError is a fault scoped to one layer. It matches ErrCorruptLayerData
// with errors.Is unless Err says otherwise.
type LayerError struct {
	Layer  int
	Detail string
	Err    error
}

func (e *LayerError) Error() string {
	cause := e.Err
	if cause == nil {
		cause = ErrCorruptLayerData
	}
	if e.Detail == "" {
		return fmt.Sprintf("layer %d: %v", e.Layer, cause)
	}
	return fmt.Sprintf("layer %d: %v: %s", e.Layer, cause, e.Detail)
}

func (e *LayerError) Unwrap() error {
	if e.Err == nil {
		return ErrCorruptLayerData
	}
	return e.Err
}

// IsLayerFault reports whether err is confined to one layer: corrupt data or
// an image range outside the file. Cancellation is never a layer fault.
func IsLayerFault(err error) bool {
	var le *LayerError
	if !errors.As(err, &le) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Corrupt returns a LayerError for malformed data found by a decoder.
func Corrupt(layer int, format string, args ...any) error {
	return &LayerError{Layer: layer, Detail: fmt.Sprintf(format, args...)}
}

// All adapts a Decoder to a range-over-func sequence. Iteration stops after
// the first error.
func All(d Decoder) iter.Seq2[Run, error] {
	return func(yield func(Run, error) bool) {
		for {
			run, ok, err := d.Next()
			if err != nil {
				yield(Run{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(run, nil) {
				return
			}
		}
	}
}

// Sink consumes a run stream, typically an exposure panel driver.
type Sink interface {
	WriteRun(Run) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Run) error

func (f SinkFunc) WriteRun(r Run) error { return f(r) }

// Copy pulls every run from src into dst and returns the number of pixels
// written.
func Copy(dst Sink, src Decoder) (uint64, error) {
	var total uint64
	for {
		run, ok, err := src.Next()
		if err != nil {
			return total, err
		}
		if !ok {
			return total, nil
		}
		if err := dst.WriteRun(run); err != nil {
			return total, err
		}
		total += uint64(run.Length)
	}
}

// Stats summarizes a decoded layer.
type Stats struct {
	Runs   uint64
	Pixels uint64
	// Lit counts pixels with a non-zero value.
	Lit uint64
}

// Measure drains d and reports its run statistics.
func Measure(d Decoder) (Stats, error) {
	var s Stats
	_, err := Copy(SinkFunc(func(r Run) error {
		s.Runs++
		s.Pixels += uint64(r.Length)
		if r.Value != 0 {
			s.Lit += uint64(r.Length)
		}
		return nil
	}), d)
	return s, err
}
