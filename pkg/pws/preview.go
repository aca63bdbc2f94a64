package pws

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"

	"github.com/samcharles93/resin/pkg/binfile"
)

// DefaultMaxPreviewPixels bounds the decoded size of the preview.
const DefaultMaxPreviewPixels = 1 << 22

// PreviewData returns the raw RGB565 pixel range that follows the PREVIEW
// section header. Its length is width*height*2, derived from the resolution
// and checked against the file length.
func (f *File) PreviewData() (PreviewInfo, binfile.Range, error) {
	info, err := f.PreviewInfo()
	if err != nil {
		return info, binfile.Range{}, err
	}
	n, err := binfile.Area(info.ResolutionX, info.ResolutionY, 2)
	if err != nil {
		return info, binfile.Range{}, fmt.Errorf("pws: preview: %w", err)
	}
	limit := f.MaxPreviewPixels
	if limit == 0 {
		limit = DefaultMaxPreviewPixels
	}
	if n/2 > limit {
		return info, binfile.Range{}, fmt.Errorf("%w: preview %dx%d exceeds %d pixels", binfile.ErrMalformedGeometry, info.ResolutionX, info.ResolutionY, limit)
	}
	rg, err := f.r.Range(int64(f.Mark.PreviewOffset)+previewInfoSize, int64(n))
	if err != nil {
		return info, binfile.Range{}, fmt.Errorf("pws: preview: %w", err)
	}
	return info, rg, nil
}

// Preview decodes the preview image.
func (f *File) Preview() (*image.NRGBA, error) {
	info, rg, err := f.PreviewData()
	if err != nil {
		return nil, err
	}
	raw, err := rg.Bytes()
	if err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, int(info.ResolutionX), int(info.ResolutionY)))
	for i := 0; i+1 < len(raw); i += 2 {
		c := rgb565(binary.LittleEndian.Uint16(raw[i:]))
		j := i * 2
		img.Pix[j+0] = c.R
		img.Pix[j+1] = c.G
		img.Pix[j+2] = c.B
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

func rgb565(v uint16) color.NRGBA {
	r, g, b := v>>11&0x1f, v>>5&0x3f, v&0x1f
	return color.NRGBA{
		R: uint8(r<<3 | r>>2),
		G: uint8(g<<2 | g>>4),
		B: uint8(b<<3 | b>>2),
		A: 0xff,
	}
}

func pack565(c color.NRGBA) uint16 {
	return uint16(c.R>>3)<<11 | uint16(c.G>>2)<<5 | uint16(c.B>>3)
}
