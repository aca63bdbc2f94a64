package pws

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
)

// Job describes a container for Encode. Tags, offsets, counts and lengths
// are computed; the remaining fields are written as given.
type Job struct {
	// Version defaults to 516.
	Version uint32
	Header  Header
	Extra   Extra
	// MachineName and Format fill the MACHINE section. Format defaults to
	// pwsImg for version 1 and pw0Img otherwise.
	MachineName string
	Format      string
	Machine     Machine
	Preview     image.Image
	PreviewDPI  uint32
	Layers      []LayerImage

	// ImageOrder lists layer indices in the order their images are stored.
	// Nil stores them in layer order.
	ImageOrder []int
	// ImageGap is a count of zero bytes written before each layer image.
	ImageGap int
}

// LayerImage is one layer for Encode.
type LayerImage struct {
	LiftHeight   float32
	LiftSpeed    float32
	ExposureTime float32
	LayerHeight  float32
	// Pixels is a row-major grey image of ResolutionX*ResolutionY bytes.
	Pixels []byte
	// Data, when non-nil, is stored verbatim instead of encoding Pixels.
	Data []byte
}

type builder struct {
	buf []byte
	err error
}

func (b *builder) off() uint32 {
	if len(b.buf) > math.MaxUint32 && b.err == nil {
		b.err = errors.New("pws: encoded file exceeds 4 GiB")
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
	version := job.Version
	if version == 0 {
		version = Version516
	}
	format := job.Format
	if format == "" {
		format = FormatPW0
		if version == Version1 {
			format = FormatPWS
		}
	}
	grammar := GrammarPW0
	if format == FormatPWS {
		grammar = GrammarPWS
	}
	h := job.Header
	if h.ResolutionX == 0 || h.ResolutionY == 0 {
		return nil, fmt.Errorf("pws: encode: resolution %dx%d", h.ResolutionX, h.ResolutionY)
	}
	area := int(h.ResolutionX) * int(h.ResolutionY)
	passes := 1
	if grammar == GrammarPWS && h.AntiAliasing > 1 {
		passes = int(h.AntiAliasing)
	}
	order := job.ImageOrder
	if order == nil {
		order = make([]int, len(job.Layers))
		for i := range order {
			order[i] = i
		}
	}
	if len(order) != len(job.Layers) {
		return nil, fmt.Errorf("pws: encode: image order lists %d of %d layers", len(order), len(job.Layers))
	}

	mark := FileMark{Version: version, AreaNum: 4}
	copy(mark.Magic[:], Magic)

	b := &builder{}
	b.put(FileMark{})
	h.Tag = newTag(TagHeader, headerSize-tagSize)
	mark.HeaderOffset = b.put(h)

	if job.Preview != nil {
		bounds := job.Preview.Bounds()
		pi := PreviewInfo{
			ResolutionX: uint32(bounds.Dx()),
			DPI:         job.PreviewDPI,
			ResolutionY: uint32(bounds.Dy()),
		}
		pi.Tag = newTag(TagPreview, previewInfoSize-tagSize+int64(bounds.Dx()*bounds.Dy()*2))
		mark.PreviewOffset = b.put(pi)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				c := color.NRGBAModel.Convert(job.Preview.At(x, y)).(color.NRGBA)
				b.buf = binary.LittleEndian.AppendUint16(b.buf, pack565(c))
			}
		}
		mark.PreviewEndOffset = b.off()
	}

	ld := LayerDef{Count: uint32(len(job.Layers))}
	ld.Tag = newTag(TagLayerDef, layerDefSize-tagSize+int64(len(job.Layers))*layerSize)
	mark.LayerDefOffset = b.put(ld)
	tableOff := b.raw(make([]byte, int64(len(job.Layers))*layerSize))

	if version >= Version516 {
		ex := job.Extra
		ex.Tag = newTag(TagExtra, 24)
		mark.ExtraOffset = b.put(ex)
		m := job.Machine
		m.Tag = newTag(TagMachine, machineSize-tagSize)
		m.Name = [96]byte{}
		copy(m.Name[:], job.MachineName)
		m.LayerImageFormat = [24]byte{}
		copy(m.LayerImageFormat[:], format)
		mark.MachineOffset = b.put(m)
		mark.AreaNum = 6
	}

	mark.LayerImageOffset = b.off()
	table := make([]Layer, len(job.Layers))
	for _, i := range order {
		if i < 0 || i >= len(job.Layers) {
			return nil, fmt.Errorf("pws: encode: image order names layer %d", i)
		}
		src := job.Layers[i]
		data := src.Data
		if data == nil {
			if len(src.Pixels) != area {
				return nil, fmt.Errorf("pws: encode: layer %d has %d pixels, want %d", i, len(src.Pixels), area)
			}
			if grammar == GrammarPW0 {
				data = encodePW0(src.Pixels)
			} else {
				data = encodePWS(src.Pixels, passes)
			}
		}
		b.raw(make([]byte, job.ImageGap))
		table[i] = Layer{
			DataAddress:   b.raw(data),
			DataLength:    uint32(len(data)),
			LiftHeight:    src.LiftHeight,
			LiftSpeed:     src.LiftSpeed,
			ExposureTime:  src.ExposureTime,
			LayerHeight:   src.LayerHeight,
			NonZeroPixels: nonZero(src.Pixels),
		}
	}
	for i, l := range table {
		b.patch(tableOff+uint32(int64(i)*layerSize), l)
	}
	b.patch(0, mark)
	if b.err != nil {
		return nil, b.err
	}
	return b.buf, nil
}

func nonZero(px []byte) uint32 {
	var n uint32
	for _, v := range px {
		if v != 0 {
			n++
		}
	}
	return n
}

// encodePW0 quantizes px to 16 grey levels.
func encodePW0(px []byte) []byte {
	level := func(v byte) byte { return byte((int(v) + 8) / 17) }
	var out []byte
	for i := 0; i < len(px); {
		code := level(px[i])
		limit := 0x0f
		if code == 0 || code == 0x0f {
			limit = 0xfff
		}
		n := 1
		for i+n < len(px) && level(px[i+n]) == code && n < limit {
			n++
		}
		if limit == 0xfff {
			out = append(out, code<<4|byte(n>>8), byte(n))
		} else {
			out = append(out, code<<4|byte(n))
		}
		i += n
	}
	return out
}

// encodePWS renders passes binary passes back to back. A pixel is lit in the
// first round(v*passes/255) of them.
func encodePWS(px []byte, passes int) []byte {
	var out []byte
	for p := range passes {
		lit := func(v byte) bool {
			return p < (int(v)*passes+127)/255
		}
		for i := 0; i < len(px); {
			on := lit(px[i])
			n := 1
			for i+n < len(px) && lit(px[i+n]) == on && n < 0x80 {
				n++
			}
			b := byte(n - 1)
			if on {
				b |= 0x80
			}
			out = append(out, b)
			i += n
		}
	}
	return out
}
