package pws

import (
	"bytes"
	"fmt"

	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/raster"
)

// File is an opened Photon Workshop container. Open decodes the file mark,
// HEADER and LAYERDEF; the remaining sections are resolved on first access.
// A File is not safe for concurrent use.
type File struct {
	Mark     FileMark
	Header   Header
	LayerDef LayerDef
	Grammar  Grammar

	// BufferSize is the read granularity of layer decoders. Zero selects
	// binfile.DefaultBufferSize.
	BufferSize int

	// MaxPreviewPixels bounds the decoded size of previews. Zero selects
	// DefaultMaxPreviewPixels.
	MaxPreviewPixels uint64

	r *binfile.Reader

	preview binfile.Instance[PreviewInfo]
	extra   binfile.Instance[Extra]
	machine binfile.Instance[Machine]

	// z[i] is the position of layer i, filled in order on demand.
	z []float32
}

// Probe reports whether src starts with the Photon Workshop file mark.
func Probe(src binfile.Source) bool {
	b, err := binfile.NewReader(src).Bytes(0, 12)
	return err == nil && binfile.CString(b) == Magic
}

// Open decodes and validates the structural sections of src.
func Open(src binfile.Source) (*File, error) {
	r := binfile.NewReader(src)
	mark, err := binfile.ReadFixed[FileMark](r, 0)
	if err != nil {
		return nil, fmt.Errorf("pws: file mark: %w", err)
	}
	if got := binfile.CString(mark.Magic[:]); got != Magic {
		return nil, fmt.Errorf("%w: pws file mark %q", binfile.ErrBadMagic, bytes.TrimRight(mark.Magic[:], "\x00"))
	}
	f := &File{Mark: mark, r: r}

	if f.Header, err = binfile.ReadFixed[Header](r, int64(mark.HeaderOffset)); err != nil {
		return nil, fmt.Errorf("pws: header: %w", err)
	}
	if err := f.Header.check(TagHeader, headerSize-tagSize); err != nil {
		return nil, err
	}
	if err := raster.CheckSize(int(f.Header.ResolutionX), int(f.Header.ResolutionY)); err != nil {
		return nil, fmt.Errorf("pws: resolution: %w", err)
	}

	if f.LayerDef, err = binfile.ReadFixed[LayerDef](r, int64(mark.LayerDefOffset)); err != nil {
		return nil, fmt.Errorf("pws: layer table: %w", err)
	}
	tableLen, err := binfile.Mul(uint64(f.LayerDef.Count), uint64(layerSize))
	if err != nil {
		return nil, fmt.Errorf("pws: layer table: %w", err)
	}
	if err := f.LayerDef.check(TagLayerDef, layerDefSize-tagSize+int64(tableLen)); err != nil {
		return nil, err
	}
	if _, err := r.Range(f.tableOffset(), int64(tableLen)); err != nil {
		return nil, fmt.Errorf("pws: layer table: %w", err)
	}

	sections := []struct {
		name  string
		off   uint32
		size  int64
		since uint32
	}{
		{TagPreview, mark.PreviewOffset, previewInfoSize, 0},
		{TagExtra, mark.ExtraOffset, extraSize, Version516},
		{TagMachine, mark.MachineOffset, machineSize, Version516},
	}
	for _, s := range sections {
		if s.off == 0 || mark.Version < s.since {
			continue
		}
		if _, err := r.Range(int64(s.off), s.size); err != nil {
			return nil, fmt.Errorf("pws: %s: %w", s.name, err)
		}
	}

	if f.Grammar, err = f.grammar(); err != nil {
		return nil, err
	}
	if f.Grammar == GrammarPWS && f.Header.AntiAliasing > maxAntiAliasPasses {
		return nil, fmt.Errorf("%w: %d anti-aliasing levels", binfile.ErrMalformedGeometry, f.Header.AntiAliasing)
	}
	return f, nil
}

// grammar selects the layer decoder. The MACHINE section names it when the
// version defines one; version 1 files are always pwsImg and anything else
// defaults to pw0Img.
func (f *File) grammar() (Grammar, error) {
	if f.KnownVersion() && f.Mark.Version >= Version516 && f.Mark.MachineOffset != 0 {
		m, err := f.Machine()
		if err != nil {
			return 0, err
		}
		switch m.Format() {
		case FormatPWS:
			return GrammarPWS, nil
		case FormatPW0:
			return GrammarPW0, nil
		default:
			return 0, fmt.Errorf("%w: layer image format %q", binfile.ErrInvalidSection, m.Format())
		}
	}
	if f.Mark.Version == Version1 {
		return GrammarPWS, nil
	}
	return GrammarPW0, nil
}

// Reader exposes the underlying reader.
func (f *File) Reader() *binfile.Reader {
	return f.r
}

// KnownVersion reports whether the file mark version is one this package
// defines. Sections common to every version decode regardless.
func (f *File) KnownVersion() bool {
	return knownVersion(f.Mark.Version)
}

func (f *File) requireVersion(section string, min uint32) error {
	if !f.KnownVersion() || f.Mark.Version < min {
		return fmt.Errorf("%w: %s is not defined by version %d", binfile.ErrUnsupportedVersion, section, f.Mark.Version)
	}
	return nil
}

func present(name string, off uint32) (int64, error) {
	if off == 0 {
		return 0, fmt.Errorf("pws: %s: %w", name, binfile.ErrAbsent)
	}
	return int64(off), nil
}

// Passes returns the number of anti-aliasing passes in each layer image.
// Only the pwsImg grammar stores more than one.
func (f *File) Passes() uint32 {
	if f.Grammar == GrammarPWS && f.Header.AntiAliasing > 1 {
		return f.Header.AntiAliasing
	}
	return 1
}

// PreviewInfo returns the fixed part of the PREVIEW section.
func (f *File) PreviewInfo() (PreviewInfo, error) {
	return binfile.Resolve(f.r, &f.preview, func() (int64, error) {
		return present("preview", f.Mark.PreviewOffset)
	}, checked[PreviewInfo](TagPreview, previewInfoSize-tagSize))
}

// Extra is defined from version 516.
func (f *File) Extra() (Extra, error) {
	return binfile.Resolve(f.r, &f.extra, func() (int64, error) {
		if err := f.requireVersion(TagExtra, Version516); err != nil {
			return 0, err
		}
		return present("extra", f.Mark.ExtraOffset)
	}, checked[Extra](TagExtra, 0))
}

// Machine is defined from version 516.
func (f *File) Machine() (Machine, error) {
	return binfile.Resolve(f.r, &f.machine, func() (int64, error) {
		if err := f.requireVersion(TagMachine, Version516); err != nil {
			return 0, err
		}
		return present("machine", f.Mark.MachineOffset)
	}, checked[Machine](TagMachine, machineSize-tagSize))
}

type tagged interface {
	tag() Tag
}

func (t Tag) tag() Tag { return t }

// checked returns a parse function that decodes a section and verifies its
// tag.
func checked[T tagged](name string, minLength int64) func(*binfile.Reader, int64) (T, error) {
	return func(r *binfile.Reader, off int64) (T, error) {
		v, err := binfile.ReadFixed[T](r, off)
		if err != nil {
			return v, fmt.Errorf("pws: %s: %w", name, err)
		}
		if err := v.tag().check(name, minLength); err != nil {
			var zero T
			return zero, err
		}
		return v, nil
	}
}

func (f *File) tableOffset() int64 {
	return int64(f.Mark.LayerDefOffset) + layerDefSize
}

// LayerCount returns the number of records in LAYERDEF.
func (f *File) LayerCount() uint32 {
	return f.LayerDef.Count
}

// Layer returns record i. The index is checked before anything is read.
func (f *File) Layer(i uint32) (Layer, error) {
	if i >= f.LayerDef.Count {
		return Layer{}, fmt.Errorf("%w: layer %d of %d", binfile.ErrIndexOutOfRange, i, f.LayerDef.Count)
	}
	off, err := binfile.Element(f.tableOffset(), uint64(i), uint64(layerSize))
	if err != nil {
		return Layer{}, err
	}
	return binfile.ReadFixed[Layer](f.r, off)
}

// PositionZ returns the height of layer i above the build plate: the sum of
// the layer heights of records 0 through i. Positions are memoized, so each
// record is read for this purpose at most once.
func (f *File) PositionZ(i uint32) (float32, error) {
	if i >= f.LayerDef.Count {
		return 0, fmt.Errorf("%w: layer %d of %d", binfile.ErrIndexOutOfRange, i, f.LayerDef.Count)
	}
	for n := uint32(len(f.z)); n <= i; n++ {
		l, err := f.Layer(n)
		if err != nil {
			return 0, err
		}
		var prev float32
		if n > 0 {
			prev = f.z[n-1]
		}
		f.z = append(f.z, prev+l.LayerHeight)
	}
	return f.z[i], nil
}

// Image returns the compressed image range of a layer record.
func (f *File) Image(l Layer) (binfile.Range, error) {
	return f.r.Range(int64(l.DataAddress), int64(l.DataLength))
}

// Decoder returns a run decoder for layer i. The image is not read until the
// first call to Next. The decoder does not check the pixel count; wrap it
// with raster.Check for that.
func (f *File) Decoder(i uint32) (raster.Decoder, error) {
	l, err := f.Layer(i)
	if err != nil {
		return nil, err
	}
	img, err := f.Image(l)
	if err != nil {
		return nil, fmt.Errorf("pws: layer %d image: %w", i, err)
	}
	if f.Grammar == GrammarPW0 {
		return &pw0{c: img.Cursor(f.BufferSize), layer: int(i)}, nil
	}
	return &passes{
		img:     img,
		n:       int(f.Passes()),
		pixels:  uint64(f.Header.ResolutionX) * uint64(f.Header.ResolutionY),
		layer:   int(i),
		bufSize: f.BufferSize,
	}, nil
}
