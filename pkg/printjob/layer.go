package printjob

import (
	"errors"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/raster"
)

// LayerView is the metadata of one layer plus the means to decode its image.
// Views are values; two views of the same layer are independent.
type LayerView struct {
	Index     int
	PositionZ float32 // mm above the build plate
	Exposure  time.Duration
	LightOff  time.Duration

	// Bottom is set for the initial layers that use bottom exposure.
	Bottom bool

	LiftHeight   float32 // mm
	LiftSpeed    float32 // mm/min
	RetractSpeed float32 // mm/min

	// ImageOffset and ImageSize address the compressed image. For
	// anti-aliased CBDDLP files they describe the first pass.
	ImageOffset int64
	ImageSize   int64

	job *Job
}

// Pixels returns the pixel count the layer decodes to.
func (v LayerView) Pixels() uint64 {
	return v.job.Pixels()
}

// Runs returns a fresh run decoder for the layer. Nothing is read from the
// image until the first call to Next. The decoder fails with a
// *raster.LayerError if the image is out of bounds, malformed, or decodes to
// a pixel count other than the resolution.
func (v LayerView) Runs() (raster.Decoder, error) {
	d, err := v.job.s.decoder(uint32(v.Index))
	if err != nil {
		if errors.Is(err, ErrLayerIndex) {
			return nil, err
		}
		v.job.log.Warn("layer image unavailable", "layer", v.Index, "error", err)
		return nil, &raster.LayerError{Layer: v.Index, Detail: "image out of bounds", Err: err}
	}
	return &logged{d: raster.Check(d, v.Index, v.Pixels()), v: v}, nil
}

// Payload returns the compressed image range of the layer's first pass.
func (v LayerView) Payload() (binfile.Range, error) {
	return v.job.s.reader().Range(v.ImageOffset, v.ImageSize)
}

// Digest returns the xxHash64 of the stored image bytes of the layer's first
// pass. Layers can be compared across files without decoding them; the
// digest of an encrypted layer covers the ciphertext.
func (v LayerView) Digest() (uint64, error) {
	g, err := v.Payload()
	if err != nil {
		return 0, err
	}
	h := xxhash.New()
	if _, err := io.Copy(h, g.SectionReader()); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// logged reports the first decode fault of a layer to the job logger.
type logged struct {
	d    raster.Decoder
	v    LayerView
	done bool
}

func (l *logged) Next() (raster.Run, bool, error) {
	run, ok, err := l.d.Next()
	if err != nil && !l.done {
		l.done = true
		l.v.job.log.Warn("layer decode failed", "layer", l.v.Index, "error", err)
	}
	return run, ok, err
}
