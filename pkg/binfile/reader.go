package binfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// Reader decodes little-endian fields at absolute offsets of a Source.
type Reader struct {
	src  Source
	size int64
}

// NewReader returns a Reader over src. The source length is sampled once.
func NewReader(src Source) *Reader {
	return &Reader{src: src, size: src.Size()}
}

// Size returns the length of the underlying source.
func (r *Reader) Size() int64 {
	return r.size
}

// ReadAt fills p from offset off. Any byte outside the source is an
// ErrTruncatedInput, including a source that ends earlier than it claimed.
func (r *Reader) ReadAt(p []byte, off int64) error {
	if _, err := end(off, int64(len(p)), r.size); err != nil {
		return err
	}
	return readFull(r.src, p, off)
}

func readFull(src io.ReaderAt, p []byte, off int64) error {
	for len(p) > 0 {
		n, err := src.ReadAt(p, off)
		p = p[n:]
		off += int64(n)
		if len(p) == 0 {
			return nil
		}
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			return fmt.Errorf("%w: source ended at offset %d", ErrTruncatedInput, off)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) U8(off int64) (uint8, error) {
	var b [1]byte
	if err := r.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16(off int64) (uint16, error) {
	var b [2]byte
	if err := r.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (r *Reader) U32(off int64) (uint32, error) {
	var b [4]byte
	if err := r.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *Reader) F32(off int64) (float32, error) {
	u, err := r.U32(off)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(u), nil
}

// Bytes copies n bytes at off.
func (r *Reader) Bytes(off, n int64) ([]byte, error) {
	if _, err := end(off, n, r.size); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := readFull(r.src, buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// Text reads a fixed-size, NUL padded text field. Invalid UTF-8 sequences are
// replaced so the result is always printable.
func (r *Reader) Text(off, n int64) (string, error) {
	b, err := r.Bytes(off, n)
	if err != nil {
		return "", err
	}
	return CString(b), nil
}

// CString trims b at its first NUL and sanitizes it to valid UTF-8.
func CString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			b = b[:i]
			break
		}
	}
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		c, size := utf8.DecodeRune(b)
		out = append(out, c)
		b = b[size:]
	}
	return string(out)
}

// ReadFixed decodes a fixed-size little-endian value (a scalar, an array, or
// a struct made of those) at off.
func ReadFixed[T any](r *Reader, off int64) (T, error) {
	var v T
	size := binary.Size(v)
	if size < 0 {
		return v, fmt.Errorf("binfile: %T is not fixed-size", v)
	}
	buf := make([]byte, size)
	if err := r.ReadAt(buf, off); err != nil {
		return v, err
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &v); err != nil {
		return v, err
	}
	return v, nil
}

// SizeOf returns the encoded size of a fixed-size value type.
func SizeOf[T any]() int64 {
	var v T
	return int64(binary.Size(v))
}

// Range returns a bounds-checked view of n bytes at off. No bytes are read
// until the caller asks for them.
func (r *Reader) Range(off, n int64) (Range, error) {
	if _, err := end(off, n, r.size); err != nil {
		return Range{}, err
	}
	return Range{Offset: off, Length: n, r: r}, nil
}

// Range is a lazily read byte span of a Source.
type Range struct {
	Offset int64
	Length int64

	r *Reader
}

// End returns the offset one past the last byte of the range.
func (g Range) End() int64 {
	return g.Offset + g.Length
}

// Bytes reads the whole range into memory.
func (g Range) Bytes() ([]byte, error) {
	if g.r == nil {
		return nil, nil
	}
	return g.r.Bytes(g.Offset, g.Length)
}

// Sub returns the span [off, off+n) relative to the start of g.
func (g Range) Sub(off, n int64) (Range, error) {
	if _, err := end(off, n, g.Length); err != nil {
		return Range{}, err
	}
	return Range{Offset: g.Offset + off, Length: n, r: g.r}, nil
}

// SectionReader streams the range through the io interfaces.
func (g Range) SectionReader() *io.SectionReader {
	return io.NewSectionReader(g.r.src, g.Offset, g.Length)
}

// Cursor returns a buffered, forward-only byte cursor over the range.
// bufSize <= 0 selects DefaultBufferSize.
func (g Range) Cursor(bufSize int) *Cursor {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if int64(bufSize) > g.Length && g.Length > 0 {
		bufSize = int(g.Length)
	}
	return &Cursor{
		src:  g.r.src,
		next: g.Offset,
		end:  g.End(),
		buf:  make([]byte, bufSize),
	}
}
