package ctb

import (
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/samcharles93/resin/pkg/binfile"
)

// DefaultMaxPreviewPixels bounds the decoded size of a thumbnail. Preview
// pixel buffers are derived from header fields, so an unchecked resolution
// could demand an arbitrary allocation.
const DefaultMaxPreviewPixels = 1 << 22

// Preview decodes one thumbnail.
func (f *File) Preview(kind PreviewKind) (*image.NRGBA, error) {
	ph, err := f.PreviewHeader(kind)
	if err != nil {
		return nil, err
	}
	limit := f.MaxPreviewPixels
	if limit == 0 {
		limit = DefaultMaxPreviewPixels
	}
	return DecodePreview(f.r, ph, limit)
}

// DecodePreview decodes the RLE RGB15 image ph describes. Each pixel is a
// little-endian word holding red in bits 0-4, green in 6-10 and blue in
// 11-15. With bit 5 set the next word's low 12 bits add that many repeats.
func DecodePreview(r *binfile.Reader, ph PreviewHeader, maxPixels uint64) (*image.NRGBA, error) {
	total, err := binfile.Area(ph.ResolutionX, ph.ResolutionY, 1)
	if err != nil {
		return nil, fmt.Errorf("ctb: preview: %w", err)
	}
	if maxPixels > 0 && total > maxPixels {
		return nil, fmt.Errorf("%w: preview %dx%d exceeds %d pixels", binfile.ErrMalformedGeometry, ph.ResolutionX, ph.ResolutionY, maxPixels)
	}
	data, err := r.Range(int64(ph.ImageOffset), int64(ph.ImageSize))
	if err != nil {
		return nil, fmt.Errorf("ctb: preview: %w", err)
	}

	img := image.NewNRGBA(image.Rect(0, 0, int(ph.ResolutionX), int(ph.ResolutionY)))
	c := data.Cursor(0)
	var px uint64
	for px < total {
		dot, err := c.ReadU16()
		if err != nil {
			return nil, previewEOF(err, px, total)
		}
		repeat := uint64(1)
		if dot&0x20 != 0 {
			next, err := c.ReadU16()
			if err != nil {
				return nil, previewEOF(err, px, total)
			}
			repeat += uint64(next & 0x0fff)
		}
		if px+repeat > total {
			return nil, fmt.Errorf("%w: run of %d at pixel %d overflows %d pixels", ErrCorruptPreview, repeat, px, total)
		}
		rgb := rgb15(dot)
		for range repeat {
			i := px * 4
			img.Pix[i+0] = rgb.R
			img.Pix[i+1] = rgb.G
			img.Pix[i+2] = rgb.B
			img.Pix[i+3] = 0xff
			px++
		}
	}
	return img, nil
}

func previewEOF(err error, px, total uint64) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: data ends after %d of %d pixels", ErrCorruptPreview, px, total)
	}
	return err
}

func expand5(v uint16) uint8 {
	v &= 0x1f
	return uint8(v<<3 | v>>2)
}

func rgb15(dot uint16) color.NRGBA {
	return color.NRGBA{R: expand5(dot), G: expand5(dot >> 6), B: expand5(dot >> 11), A: 0xff}
}

func pack15(c color.NRGBA) uint16 {
	return uint16(c.R>>3) | uint16(c.G>>3)<<6 | uint16(c.B>>3)<<11
}

// encodePreview is the inverse of DecodePreview. Runs are limited to 4096
// pixels by the 12-bit repeat field.
func encodePreview(img image.Image) []byte {
	b := img.Bounds()
	px := make([]uint16, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px = append(px, pack15(color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)))
		}
	}
	var out []byte
	for i := 0; i < len(px); {
		n := 1
		for i+n < len(px) && n < 0x1000 && px[i+n] == px[i] {
			n++
		}
		if n == 1 {
			out = append(out, byte(px[i]), byte(px[i]>>8))
		} else {
			v := px[i] | 0x20
			r := uint16(n-1) | 0x3000
			out = append(out, byte(v), byte(v>>8), byte(r), byte(r>>8))
		}
		i += n
	}
	return out
}
