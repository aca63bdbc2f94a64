package printjob

import (
	"fmt"
	"image"
	"math"
	"time"

	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/pws"
	"github.com/samcharles93/resin/pkg/raster"
)

type pwsSchema struct {
	f *pws.File
}

func openPWS(src binfile.Source, o *options) (schema, error) {
	f, err := pws.Open(src)
	if err != nil {
		return nil, err
	}
	f.BufferSize = o.bufSize
	f.MaxPreviewPixels = o.maxPreview
	if !f.KnownVersion() {
		o.log.Warn("unknown photon workshop version, version specific sections unavailable", "version", f.Mark.Version)
	}
	return &pwsSchema{f: f}, nil
}

func (s *pwsSchema) name() string              { return "pws/" + s.f.Grammar.String() }
func (s *pwsSchema) layerCount() uint32        { return s.f.LayerCount() }
func (s *pwsSchema) reader() *binfile.Reader   { return s.f.Reader() }
func (s *pwsSchema) resolution() (w, h uint32) { return s.f.Header.ResolutionX, s.f.Header.ResolutionY }

// bottomLayers converts the float layer count stored by the HEADER section.
func (s *pwsSchema) bottomLayers() uint32 {
	n := float64(s.f.Header.BottomLayerCount)
	if math.IsNaN(n) || n <= 0 {
		return 0
	}
	if n >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

// Speeds are stored in mm/s and reported in mm/min.
func (s *pwsSchema) layer(i uint32) (LayerView, error) {
	l, err := s.f.Layer(i)
	if err != nil {
		return LayerView{}, err
	}
	z, err := s.f.PositionZ(i)
	if err != nil {
		return LayerView{}, err
	}
	h := &s.f.Header
	return LayerView{
		PositionZ:    z,
		Exposure:     seconds(l.ExposureTime),
		LightOff:     seconds(h.LightOffDelay),
		Bottom:       i < s.bottomLayers(),
		LiftHeight:   l.LiftHeight,
		LiftSpeed:    l.LiftSpeed * 60,
		RetractSpeed: h.RetractSpeed * 60,
		ImageOffset:  int64(l.DataAddress),
		ImageSize:    int64(l.DataLength),
	}, nil
}

func (s *pwsSchema) decoder(i uint32) (raster.Decoder, error) {
	return s.f.Decoder(i)
}

func (s *pwsSchema) preview(kind PreviewKind) (image.Image, error) {
	if kind != PreviewLarge {
		return nil, fmt.Errorf("pws: %s preview: %w", kind, binfile.ErrAbsent)
	}
	img, err := s.f.Preview()
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (s *pwsSchema) info() Info {
	h := &s.f.Header
	in := Info{
		Format:           s.name(),
		Version:          s.f.Mark.Version,
		KnownVersion:     s.f.KnownVersion(),
		ResolutionX:      h.ResolutionX,
		ResolutionY:      h.ResolutionY,
		LayerCount:       s.f.LayerCount(),
		LayerHeight:      h.LayerHeight,
		Exposure:         seconds(h.ExposureTime),
		BottomExposure:   seconds(h.BottomExposureTime),
		LightOff:         seconds(h.LightOffDelay),
		BottomLayerCount: s.bottomLayers(),
		AntiAliasing:     h.AntiAliasing,
		PrintTime:        time.Duration(h.PrintTime) * time.Second,
	}
	if n := s.f.LayerCount(); n > 0 {
		if z, err := s.f.PositionZ(n - 1); err == nil {
			in.TotalHeight = z
		}
	}
	if m, err := s.f.Machine(); err == nil {
		in.MachineName = m.MachineName()
		in.BedSize = [3]float32{m.DisplayWidth, m.DisplayHeight, m.ZLength}
	}
	if _, err := s.f.PreviewInfo(); err == nil {
		in.Previews = []PreviewKind{PreviewLarge}
	}
	return in
}
