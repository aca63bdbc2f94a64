package binfile

import (
	"fmt"
	"math"
	"math/bits"
)

// Mul multiplies two sizes taken from file content.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 || lo > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d * %d overflows", ErrMalformedGeometry, a, b)
	}
	return lo, nil
}

// Area returns width*height*bpp. Zero dimensions are malformed.
func Area(width, height, bpp uint32) (uint64, error) {
	if width == 0 || height == 0 || bpp == 0 {
		return 0, fmt.Errorf("%w: %dx%d at %d bytes per pixel", ErrMalformedGeometry, width, height, bpp)
	}
	n, err := Mul(uint64(width), uint64(height))
	if err != nil {
		return 0, err
	}
	return Mul(n, uint64(bpp))
}

// Element returns base + index*size, the offset of one fixed-size record in
// a contiguous table.
func Element(base int64, index, size uint64) (int64, error) {
	if base < 0 {
		return 0, fmt.Errorf("%w: negative table offset %d", ErrMalformedGeometry, base)
	}
	rel, err := Mul(index, size)
	if err != nil {
		return 0, err
	}
	if rel > uint64(math.MaxInt64-base) {
		return 0, fmt.Errorf("%w: table element %d overflows", ErrMalformedGeometry, index)
	}
	return base + int64(rel), nil
}

// end returns off+n, failing when the span overflows or leaves [0, size].
func end(off, n, size int64) (int64, error) {
	if off < 0 || n < 0 {
		return 0, fmt.Errorf("%w: span %d+%d", ErrTruncatedInput, off, n)
	}
	if n > math.MaxInt64-off {
		return 0, fmt.Errorf("%w: span %d+%d overflows", ErrTruncatedInput, off, n)
	}
	e := off + n
	if e > size {
		return 0, fmt.Errorf("%w: span [%d,%d) exceeds %d bytes", ErrTruncatedInput, off, e, size)
	}
	return e, nil
}
