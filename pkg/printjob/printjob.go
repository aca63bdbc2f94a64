// Package printjob opens resin printer job files and exposes them as an
// ordered, restartable sequence of layers.
//
// Open identifies the container by probing each known format in a fixed
// priority order, validates its structure, and returns a Job. Layer metadata
// is read on demand from the layer table; image payloads are read only when
// a caller asks a LayerView for its run stream.
package printjob

import (
	"errors"
	"fmt"
	"image"
	"iter"
	"math"
	"time"

	"github.com/samcharles93/resin/internal/logger"
	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/ctb"
	"github.com/samcharles93/resin/pkg/pws"
	"github.com/samcharles93/resin/pkg/raster"
)

var (
	// ErrUnrecognizedFormat reports a source that no known format claims.
	ErrUnrecognizedFormat = errors.New("unrecognized format")
	// ErrLayerIndex reports a layer index outside [0, LayerCount).
	ErrLayerIndex = binfile.ErrIndexOutOfRange
	// ErrNoPreview reports a preview the container does not carry.
	ErrNoPreview = errors.New("no preview")
)

// schema is the per-format capability a Job dispatches to. One
// implementation is selected at Open.
type schema interface {
	name() string
	layerCount() uint32
	resolution() (w, h uint32)
	layer(i uint32) (LayerView, error)
	decoder(i uint32) (raster.Decoder, error)
	preview(kind PreviewKind) (image.Image, error)
	info() Info
	reader() *binfile.Reader
}

type format struct {
	name  string
	probe func(binfile.Source) bool
	open  func(binfile.Source, *options) (schema, error)
}

// formats is probed in order; the first match wins.
var formats = []format{
	{name: "ctb", probe: ctb.Probe, open: openCTB},
	{name: "pws", probe: pws.Probe, open: openPWS},
}

// Formats lists the names of the supported container families in probe
// order.
func Formats() []string {
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = f.name
	}
	return names
}

type options struct {
	log        logger.Logger
	bufSize    int
	maxPreview uint64
	close      func() error
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger used for open and layer fault events.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithBufferSize sets the read granularity of layer decoders.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufSize = n
	}
}

// WithMaxPreviewPixels caps the decoded size of previews. Zero keeps the
// format default.
func WithMaxPreviewPixels(n uint64) Option {
	return func(o *options) {
		o.maxPreview = n
	}
}

// OnClose registers fn to run when the Job is closed, typically to release
// the Source it was opened from.
func OnClose(fn func() error) Option {
	return func(o *options) {
		o.close = fn
	}
}

// Job is an opened print job. It is owned by one consumer at a time; open
// the source again for independent concurrent access.
type Job struct {
	s     schema
	log   logger.Logger
	close func() error
}

// Open identifies and validates src. Structural faults abort the open; no
// partially valid Job is returned.
func Open(src binfile.Source, opts ...Option) (*Job, error) {
	o := options{log: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	for _, f := range formats {
		if !f.probe(src) {
			continue
		}
		s, err := f.open(src, &o)
		if err != nil {
			o.log.Debug("open failed", "format", f.name, "error", err)
			return nil, err
		}
		w, h := s.resolution()
		o.log.Debug("opened print job", "format", s.name(), "layers", s.layerCount(), "width", w, "height", h)
		return &Job{s: s, log: o.log, close: o.close}, nil
	}
	return nil, fmt.Errorf("%w: no format matched %d byte source", ErrUnrecognizedFormat, src.Size())
}

// OpenFile opens a job file from disk, memory mapping it where possible.
// Close releases the file.
func OpenFile(path string, opts ...Option) (*Job, error) {
	f, err := binfile.Open(path)
	if err != nil {
		return nil, err
	}
	j, err := Open(f, append(opts, OnClose(f.Close))...)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return j, nil
}

// Close releases the file opened by OpenFile, or runs the OnClose hook. It
// is a no-op otherwise.
func (j *Job) Close() error {
	if j.close == nil {
		return nil
	}
	err := j.close()
	j.close = nil
	return err
}

// Format returns the container variant, for example "ctb-v4" or "pw0Img".
func (j *Job) Format() string {
	return j.s.name()
}

// LayerCount returns the number of layers declared by the container.
func (j *Job) LayerCount() uint32 {
	return j.s.layerCount()
}

// Resolution returns the layer image size in pixels.
func (j *Job) Resolution() (width, height uint32) {
	return j.s.resolution()
}

// Pixels returns the pixel count every layer decodes to.
func (j *Job) Pixels() uint64 {
	w, h := j.s.resolution()
	return uint64(w) * uint64(h)
}

// Layer returns a view of layer i. Only the layer record is read.
func (j *Job) Layer(i int) (LayerView, error) {
	if i < 0 || int64(i) >= int64(j.s.layerCount()) {
		return LayerView{}, fmt.Errorf("%w: layer %d of %d", ErrLayerIndex, i, j.s.layerCount())
	}
	v, err := j.s.layer(uint32(i))
	if err != nil {
		return LayerView{}, fmt.Errorf("layer %d: %w", i, err)
	}
	v.Index = i
	v.job = j
	return v, nil
}

// Layers yields every layer in ascending index order, independent of where
// the images lie in the file. Each call starts a fresh pass; iteration stops
// after the first error.
func (j *Job) Layers() iter.Seq2[LayerView, error] {
	return func(yield func(LayerView, error) bool) {
		n := int(j.s.layerCount())
		for i := range n {
			v, err := j.Layer(i)
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// Info summarizes the job from its header sections.
func (j *Job) Info() Info {
	return j.s.info()
}

// CTB returns the underlying ChiTuBox file, or nil.
func (j *Job) CTB() *ctb.File {
	if s, ok := j.s.(*ctbSchema); ok {
		return s.f
	}
	return nil
}

// PhotonWorkshop returns the underlying Photon Workshop file, or nil.
func (j *Job) PhotonWorkshop() *pws.File {
	if s, ok := j.s.(*pwsSchema); ok {
		return s.f
	}
	return nil
}

// seconds converts a duration field stored as float seconds. Negative and
// non-finite values read as zero.
func seconds(s float32) time.Duration {
	f := float64(s)
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f * float64(time.Second))
}
