package ctb

import (
	"fmt"

	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/raster"
)

// PreviewKind selects one of the two thumbnails.
type PreviewKind int

const (
	PreviewLarge PreviewKind = iota
	PreviewSmall
)

func (k PreviewKind) String() string {
	if k == PreviewSmall {
		return "small"
	}
	return "large"
}

// File is an opened ChiTuBox container. The header is decoded and validated
// by Open; every other section is resolved on first access and memoized.
// A File is not safe for concurrent use.
type File struct {
	Header  Header
	Variant Variant

	// BufferSize is the read granularity of layer decoders. Zero selects
	// binfile.DefaultBufferSize.
	BufferSize int

	// MaxPreviewPixels bounds the decoded size of previews. Zero selects
	// DefaultMaxPreviewPixels.
	MaxPreviewPixels uint64

	r *binfile.Reader

	printSettings   binfile.Instance[PrintSettings]
	slicerSettings  binfile.Instance[SlicerSettings]
	printSettingsV4 binfile.Instance[PrintSettingsV4]
	machineName     binfile.Instance[string]
	disclaimer      binfile.Instance[string]
	previews        [2]binfile.Instance[PreviewHeader]
}

// Probe reports whether src starts with a ChiTuBox magic number.
func Probe(src binfile.Source) bool {
	magic, err := binfile.NewReader(src).U32(0)
	return err == nil && variantOf(magic) != VariantUnknown
}

// Open decodes and validates the header of src. A File is returned only
// when the header, the layer tables and every section offset it declares
// lie within src.
func Open(src binfile.Source) (*File, error) {
	r := binfile.NewReader(src)
	h, err := binfile.ReadFixed[Header](r, 0)
	if err != nil {
		return nil, fmt.Errorf("ctb: header: %w", err)
	}
	v := variantOf(h.Magic)
	if v == VariantUnknown {
		return nil, fmt.Errorf("%w: ctb magic %#08x", binfile.ErrBadMagic, h.Magic)
	}
	f := &File{Header: h, Variant: v, r: r}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) validate() error {
	h := &f.Header
	if err := raster.CheckSize(int(h.ResolutionX), int(h.ResolutionY)); err != nil {
		return fmt.Errorf("ctb: resolution: %w", err)
	}
	if f.Variant == VariantCBDDLP && h.AntiAliasLevel > maxAntiAliasPasses {
		return fmt.Errorf("%w: %d anti-aliasing levels", binfile.ErrMalformedGeometry, h.AntiAliasLevel)
	}
	records, err := binfile.Mul(uint64(f.Passes()), uint64(h.LayerCount))
	if err != nil {
		return fmt.Errorf("ctb: layer table: %w", err)
	}
	tableLen, err := binfile.Mul(records, uint64(layerSize))
	if err != nil {
		return fmt.Errorf("ctb: layer table: %w", err)
	}
	if _, err := f.r.Range(int64(h.LayerTableOffset), int64(tableLen)); err != nil {
		return fmt.Errorf("ctb: layer table: %w", err)
	}

	sections := []struct {
		name string
		off  uint32
		size int64
	}{
		{"print settings", h.PrintSettingsOffset, printSettingsSize},
		{"slicer settings", h.SlicerSettingsOffset, slicerSettingsSize},
		{"large preview", h.LargePreviewOffset, previewHeaderSize},
		{"small preview", h.SmallPreviewOffset, previewHeaderSize},
	}
	for _, s := range sections {
		if s.off == 0 {
			continue
		}
		if _, err := f.r.Range(int64(s.off), s.size); err != nil {
			return fmt.Errorf("ctb: %s: %w", s.name, err)
		}
	}
	return nil
}

// Reader exposes the underlying reader.
func (f *File) Reader() *binfile.Reader {
	return f.r
}

// Passes returns the number of layer tables. CBDDLP stores one binary
// rendering per anti-aliasing level; the CTB variants store one.
func (f *File) Passes() uint32 {
	if f.Variant == VariantCBDDLP && f.Header.AntiAliasLevel > 1 {
		return f.Header.AntiAliasLevel
	}
	return 1
}

// KnownVersion reports whether the version field is one the variant defines.
// Fields common to every version decode regardless.
func (f *File) KnownVersion() bool {
	return f.Variant.knownVersion(f.Header.Version)
}

func (f *File) requireVersion(field string, min uint32) error {
	if !f.KnownVersion() || f.Header.Version < min {
		return fmt.Errorf("%w: %s is not defined by %s version %d", binfile.ErrUnsupportedVersion, field, f.Variant, f.Header.Version)
	}
	return nil
}

func present(name string, off uint32) (int64, error) {
	if off == 0 {
		return 0, fmt.Errorf("ctb: %s: %w", name, binfile.ErrAbsent)
	}
	return int64(off), nil
}

func (f *File) PrintSettings() (PrintSettings, error) {
	return binfile.Resolve(f.r, &f.printSettings, func() (int64, error) {
		return present("print settings", f.Header.PrintSettingsOffset)
	}, binfile.Fixed[PrintSettings])
}

// SlicerSettings is defined from version 3.
func (f *File) SlicerSettings() (SlicerSettings, error) {
	return binfile.Resolve(f.r, &f.slicerSettings, func() (int64, error) {
		if err := f.requireVersion("slicer settings", 3); err != nil {
			return 0, err
		}
		return present("slicer settings", f.Header.SlicerSettingsOffset)
	}, binfile.Fixed[SlicerSettings])
}

// MachineName follows the slicer settings chain.
func (f *File) MachineName() (string, error) {
	return f.machineName.Get(func() (string, error) {
		ss, err := f.SlicerSettings()
		if err != nil {
			return "", err
		}
		if ss.MachineNameOffset == 0 || ss.MachineNameSize == 0 {
			return "", fmt.Errorf("ctb: machine name: %w", binfile.ErrAbsent)
		}
		return f.r.Text(int64(ss.MachineNameOffset), int64(ss.MachineNameSize))
	})
}

// PrintSettingsV4 is defined by CTB v4 only and is located through the
// slicer settings.
func (f *File) PrintSettingsV4() (PrintSettingsV4, error) {
	return binfile.Resolve(f.r, &f.printSettingsV4, func() (int64, error) {
		if f.Variant != VariantCTBv4 {
			return 0, fmt.Errorf("%w: v4 print settings are not defined by %s", binfile.ErrUnsupportedVersion, f.Variant)
		}
		if err := f.requireVersion("v4 print settings", 4); err != nil {
			return 0, err
		}
		ss, err := f.SlicerSettings()
		if err != nil {
			return 0, err
		}
		return present("v4 print settings", ss.PrintSettingsV4Offset)
	}, binfile.Fixed[PrintSettingsV4])
}

// Disclaimer is the legal text chained from the v4 print settings.
func (f *File) Disclaimer() (string, error) {
	return f.disclaimer.Get(func() (string, error) {
		v4, err := f.PrintSettingsV4()
		if err != nil {
			return "", err
		}
		if v4.DisclaimerOffset == 0 || v4.DisclaimerSize == 0 {
			return "", fmt.Errorf("ctb: disclaimer: %w", binfile.ErrAbsent)
		}
		return f.r.Text(int64(v4.DisclaimerOffset), int64(v4.DisclaimerSize))
	})
}

// PreviewHeader returns the header of one thumbnail.
func (f *File) PreviewHeader(kind PreviewKind) (PreviewHeader, error) {
	off := f.Header.LargePreviewOffset
	if kind == PreviewSmall {
		off = f.Header.SmallPreviewOffset
	}
	return binfile.Resolve(f.r, &f.previews[kind&1], func() (int64, error) {
		return present(kind.String()+" preview", off)
	}, binfile.Fixed[PreviewHeader])
}

// Layer returns the record of layer i from the first layer table.
func (f *File) Layer(i uint32) (Layer, error) {
	return f.PassLayer(0, i)
}

// PassLayer returns the record of layer i from the table of one
// anti-aliasing pass. The index is checked before anything is read.
func (f *File) PassLayer(pass, i uint32) (Layer, error) {
	if i >= f.Header.LayerCount {
		return Layer{}, fmt.Errorf("%w: layer %d of %d", binfile.ErrIndexOutOfRange, i, f.Header.LayerCount)
	}
	if pass >= f.Passes() {
		return Layer{}, fmt.Errorf("%w: pass %d of %d", binfile.ErrIndexOutOfRange, pass, f.Passes())
	}
	idx := uint64(pass)*uint64(f.Header.LayerCount) + uint64(i)
	off, err := binfile.Element(int64(f.Header.LayerTableOffset), idx, uint64(layerSize))
	if err != nil {
		return Layer{}, err
	}
	return binfile.ReadFixed[Layer](f.r, off)
}

// Image returns the compressed image range of a layer record.
func (f *File) Image(l Layer) (binfile.Range, error) {
	return f.r.Range(int64(l.ImageOffset), int64(l.ImageSize))
}

// Decoder returns a run decoder for layer i. Nothing beyond the layer
// records is read until the first call to Next. The decoder does not check
// the pixel count; wrap it with raster.Check for that.
func (f *File) Decoder(i uint32) (raster.Decoder, error) {
	n := f.Passes()
	passes := make([]raster.Decoder, 0, n)
	for p := range n {
		l, err := f.PassLayer(p, i)
		if err != nil {
			return nil, err
		}
		img, err := f.Image(l)
		if err != nil {
			return nil, fmt.Errorf("ctb: layer %d image: %w", i, err)
		}
		c := img.Cursor(f.BufferSize)
		if f.Variant == VariantCBDDLP {
			passes = append(passes, &rle1{c: c, layer: int(i)})
			continue
		}
		if key := f.Header.EncryptionKey; key != 0 {
			c.SetTransform(newCipher(key, i).apply)
		}
		passes = append(passes, &rle7{c: c, layer: int(i)})
	}
	return raster.Stack(int(i), passes), nil
}
