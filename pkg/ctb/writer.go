package ctb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
)

// Job describes a container for Encode. Magic, offsets, sizes and counts
// are computed; the remaining header fields are written as given.
type Job struct {
	Variant         Variant
	Header          Header
	PrintSettings   PrintSettings
	SlicerSettings  SlicerSettings  // version 3 and later
	PrintSettingsV4 PrintSettingsV4 // CTB v4 only
	MachineName     string
	Disclaimer      string
	LargePreview    image.Image
	SmallPreview    image.Image
	Layers          []LayerImage

	// ImageOrder lists layer indices in the order their images are stored.
	// Nil stores them in layer order.
	ImageOrder []int
	// ImageGap is a count of zero bytes written before each layer image.
	ImageGap int
}

// LayerImage is one layer for Encode.
type LayerImage struct {
	PositionZ    float32
	ExposureTime float32
	LightOffTime float32
	// Pixels is a row-major grey image of ResolutionX*ResolutionY bytes.
	Pixels []byte
	// Data, when non-nil, replaces the encoding of Pixels verbatim in every
	// pass. It is not encrypted.
	Data []byte
}

func defaultVersion(v Variant) uint32 {
	switch v {
	case VariantCBDDLP:
		return 2
	case VariantCTBv4:
		return 4
	default:
		return 3
	}
}

type builder struct {
	buf []byte
	err error
}

func (b *builder) off() uint32 {
	if len(b.buf) > math.MaxUint32 && b.err == nil {
		b.err = errors.New("ctb: encoded file exceeds 4 GiB")
	}
	return uint32(len(b.buf))
}

func (b *builder) put(v any) uint32 {
	off := b.off()
	var err error
	b.buf, err = binary.Append(b.buf, binary.LittleEndian, v)
	if err != nil && b.err == nil {
		b.err = err
	}
	return off
}

func (b *builder) raw(p []byte) uint32 {
	off := b.off()
	b.buf = append(b.buf, p...)
	return off
}

func (b *builder) patch(off uint32, v any) {
	if _, err := binary.Encode(b.buf[off:], binary.LittleEndian, v); err != nil && b.err == nil {
		b.err = err
	}
}

// Encode serializes job into a complete container.
func Encode(job *Job) ([]byte, error) {
	if job.Variant == VariantUnknown {
		return nil, errors.New("ctb: encode: unknown variant")
	}
	h := job.Header
	h.Magic = job.Variant.Magic()
	if h.Version == 0 {
		h.Version = defaultVersion(job.Variant)
	}
	area, err := pixelCount(h.ResolutionX, h.ResolutionY)
	if err != nil {
		return nil, err
	}
	passes := uint32(1)
	if job.Variant == VariantCBDDLP && h.AntiAliasLevel > 1 {
		passes = h.AntiAliasLevel
	}
	order := job.ImageOrder
	if order == nil {
		order = make([]int, len(job.Layers))
		for i := range order {
			order[i] = i
		}
	}
	if len(order) != len(job.Layers) {
		return nil, fmt.Errorf("ctb: encode: image order lists %d of %d layers", len(order), len(job.Layers))
	}

	b := &builder{}
	b.put(Header{})
	h.PrintSettingsOffset = b.put(job.PrintSettings)
	h.PrintSettingsSize = uint32(printSettingsSize)

	if h.Version >= 3 && job.Variant != VariantCBDDLP {
		ss := job.SlicerSettings
		if job.MachineName != "" {
			ss.MachineNameOffset = b.raw([]byte(job.MachineName))
			ss.MachineNameSize = uint32(len(job.MachineName))
		}
		if job.Variant == VariantCTBv4 {
			v4 := job.PrintSettingsV4
			if job.Disclaimer != "" {
				v4.DisclaimerOffset = b.raw([]byte(job.Disclaimer))
				v4.DisclaimerSize = uint32(len(job.Disclaimer))
			}
			ss.PrintSettingsV4Offset = b.put(v4)
		}
		h.SlicerSettingsOffset = b.put(ss)
		h.SlicerSettingsSize = uint32(slicerSettingsSize)
	}

	h.LargePreviewOffset = b.preview(job.LargePreview)
	h.SmallPreviewOffset = b.preview(job.SmallPreview)

	h.LayerCount = uint32(len(job.Layers))
	h.LayerTableOffset = b.raw(make([]byte, int64(passes)*int64(len(job.Layers))*layerSize))
	table := make([]Layer, int(passes)*len(job.Layers))
	for _, i := range order {
		if i < 0 || i >= len(job.Layers) {
			return nil, fmt.Errorf("ctb: encode: image order names layer %d", i)
		}
		src := job.Layers[i]
		if src.Data == nil && uint64(len(src.Pixels)) != area {
			return nil, fmt.Errorf("ctb: encode: layer %d has %d pixels, want %d", i, len(src.Pixels), area)
		}
		for p := range passes {
			data := src.Data
			if data == nil {
				data = encodeLayer(job.Variant, h.EncryptionKey, uint32(i), src.Pixels, p, passes)
			}
			b.raw(make([]byte, job.ImageGap))
			table[int(p)*len(job.Layers)+i] = Layer{
				PositionZ:    src.PositionZ,
				ExposureTime: src.ExposureTime,
				LightOffTime: src.LightOffTime,
				ImageOffset:  b.raw(data),
				ImageSize:    uint32(len(data)),
			}
		}
	}
	for j, l := range table {
		b.patch(h.LayerTableOffset+uint32(int64(j)*layerSize), l)
	}
	b.patch(0, h)
	if b.err != nil {
		return nil, b.err
	}
	return b.buf, nil
}

func (b *builder) preview(img image.Image) uint32 {
	if img == nil {
		return 0
	}
	data := encodePreview(img)
	ph := PreviewHeader{
		ResolutionX: uint32(img.Bounds().Dx()),
		ResolutionY: uint32(img.Bounds().Dy()),
		ImageSize:   uint32(len(data)),
	}
	ph.ImageOffset = b.raw(data)
	return b.put(ph)
}

func pixelCount(w, h uint32) (uint64, error) {
	if w == 0 || h == 0 {
		return 0, fmt.Errorf("ctb: encode: resolution %dx%d", w, h)
	}
	return uint64(w) * uint64(h), nil
}

func encodeLayer(v Variant, key, layer uint32, px []byte, pass, passes uint32) []byte {
	if v == VariantCBDDLP {
		return encodeRLE1(px, pass, passes)
	}
	out := encodeRLE7(px)
	if key != 0 {
		newCipher(key, layer).apply(out)
	}
	return out
}

func encodeRLE7(px []byte) []byte {
	var out []byte
	for i := 0; i < len(px); {
		c := px[i] >> 1
		n := 1
		for i+n < len(px) && px[i+n]>>1 == c && n < 0x0fffffff {
			n++
		}
		out = appendRLE7(out, c, n)
		i += n
	}
	return out
}

func appendRLE7(out []byte, c uint8, n int) []byte {
	if n == 1 {
		return append(out, c)
	}
	out = append(out, c|0x80)
	switch {
	case n < 0x80:
		return append(out, byte(n))
	case n < 0x4000:
		return append(out, byte(n>>8)|0x80, byte(n))
	case n < 0x200000:
		return append(out, byte(n>>16)|0xc0, byte(n>>8), byte(n))
	default:
		return append(out, byte(n>>24)|0xe0, byte(n>>16), byte(n>>8), byte(n))
	}
}

// encodeRLE1 renders pass of passes: a pixel is lit in the first
// round(v*passes/255) passes.
func encodeRLE1(px []byte, pass, passes uint32) []byte {
	lit := func(v byte) bool {
		return pass < (uint32(v)*passes+127)/255
	}
	var out []byte
	for i := 0; i < len(px); {
		on := lit(px[i])
		n := 1
		for i+n < len(px) && lit(px[i+n]) == on && n < 0x7f {
			n++
		}
		b := byte(n)
		if on {
			b |= 0x80
		}
		out = append(out, b)
		i += n
	}
	return out
}
