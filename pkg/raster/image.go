package raster

import (
	"fmt"
	"image"

	"github.com/samcharles93/resin/pkg/binfile"
)

// Layer size limits. The largest shipping panels are about 15K pixels wide,
// so anything past these is a hostile or corrupt header.
const (
	MaxDimension = 1 << 16
	MaxPixels    = 1 << 28
)

// CheckSize reports ErrMalformedGeometry for a layer that is empty or larger
// than MaxDimension on a side or MaxPixels in total.
func CheckSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: layer %dx%d", binfile.ErrMalformedGeometry, width, height)
	}
	if width > MaxDimension || height > MaxDimension || uint64(width)*uint64(height) > MaxPixels {
		return fmt.Errorf("%w: layer %dx%d exceeds %d pixels", binfile.ErrMalformedGeometry, width, height, MaxPixels)
	}
	return nil
}

// grayCanvas paints spans into an image.Gray.
type grayCanvas struct {
	img *image.Gray
}

func (g grayCanvas) WriteSpan(s Span) error {
	if s.Y >= g.img.Rect.Dy() {
		return fmt.Errorf("raster: span on row %d below %d-row image", s.Y, g.img.Rect.Dy())
	}
	row := g.img.Pix[s.Y*g.img.Stride:]
	for x := s.X0; x < s.X1; x++ {
		row[x] = s.Value
	}
	return nil
}

// Render materializes a layer into a grey image. It is meant for host-side
// tools; the exposure path streams runs instead.
func Render(d Decoder, width, height int) (*image.Gray, error) {
	if err := CheckSize(width, height); err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	rows := &Rows{Width: width, Dst: grayCanvas{img: img}}
	if _, err := Copy(rows, d); err != nil {
		return nil, err
	}
	return img, nil
}
