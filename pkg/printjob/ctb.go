package printjob

import (
	"errors"
	"image"
	"time"

	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/ctb"
	"github.com/samcharles93/resin/pkg/raster"
)

type ctbSchema struct {
	f *ctb.File
}

func openCTB(src binfile.Source, o *options) (schema, error) {
	f, err := ctb.Open(src)
	if err != nil {
		return nil, err
	}
	f.BufferSize = o.bufSize
	f.MaxPreviewPixels = o.maxPreview
	if !f.KnownVersion() {
		o.log.Warn("unknown ctb version, version specific sections unavailable", "variant", f.Variant, "version", f.Header.Version)
	}
	return &ctbSchema{f: f}, nil
}

func (s *ctbSchema) name() string              { return s.f.Variant.String() }
func (s *ctbSchema) layerCount() uint32        { return s.f.Header.LayerCount }
func (s *ctbSchema) reader() *binfile.Reader   { return s.f.Reader() }
func (s *ctbSchema) resolution() (w, h uint32) { return s.f.Header.ResolutionX, s.f.Header.ResolutionY }

func (s *ctbSchema) layer(i uint32) (LayerView, error) {
	l, err := s.f.Layer(i)
	if err != nil {
		return LayerView{}, err
	}
	h := &s.f.Header
	v := LayerView{
		PositionZ:   l.PositionZ,
		Exposure:    seconds(l.ExposureTime),
		LightOff:    seconds(l.LightOffTime),
		Bottom:      i < h.BottomLayerCount,
		ImageOffset: int64(l.ImageOffset),
		ImageSize:   int64(l.ImageSize),
	}
	if l.LightOffTime == 0 {
		v.LightOff = seconds(h.LightOffDelay)
	}
	ps, err := s.f.PrintSettings()
	switch {
	case errors.Is(err, binfile.ErrAbsent):
	case err != nil:
		return LayerView{}, err
	default:
		v.LiftHeight, v.LiftSpeed = ps.LiftHeight, ps.LiftSpeed
		if v.Bottom {
			v.LiftHeight, v.LiftSpeed = ps.BottomLiftHeight, ps.BottomLiftSpeed
		}
		v.RetractSpeed = ps.RetractSpeed
	}
	return v, nil
}

func (s *ctbSchema) decoder(i uint32) (raster.Decoder, error) {
	return s.f.Decoder(i)
}

func (s *ctbSchema) preview(kind PreviewKind) (image.Image, error) {
	img, err := s.f.Preview(ctb.PreviewKind(kind))
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (s *ctbSchema) info() Info {
	h := &s.f.Header
	in := Info{
		Format:           s.f.Variant.String(),
		Version:          h.Version,
		KnownVersion:     s.f.KnownVersion(),
		ResolutionX:      h.ResolutionX,
		ResolutionY:      h.ResolutionY,
		LayerCount:       h.LayerCount,
		LayerHeight:      h.LayerHeight,
		TotalHeight:      h.TotalHeight,
		BedSize:          [3]float32{h.BedSizeX, h.BedSizeY, h.BedSizeZ},
		Exposure:         seconds(h.ExposureTime),
		BottomExposure:   seconds(h.BottomExposureTime),
		LightOff:         seconds(h.LightOffDelay),
		BottomLayerCount: h.BottomLayerCount,
		AntiAliasing:     h.AntiAliasLevel,
		PrintTime:        time.Duration(h.PrintTime) * time.Second,
		Encrypted:        h.EncryptionKey != 0 && s.f.Variant != ctb.VariantCBDDLP,
	}
	if name, err := s.f.MachineName(); err == nil {
		in.MachineName = name
	}
	for _, k := range []PreviewKind{PreviewLarge, PreviewSmall} {
		if _, err := s.f.PreviewHeader(ctb.PreviewKind(k)); err == nil {
			in.Previews = append(in.Previews, k)
		}
	}
	return in
}
