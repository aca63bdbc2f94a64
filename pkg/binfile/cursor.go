package binfile

import (
	"io"
)

// DefaultBufferSize is the read granularity of a Cursor. It matches one
// cluster on typical FAT formatted removable media.
const DefaultBufferSize = 4096

// Cursor pulls bytes from a Range in buffer-sized reads. Reads of the source
// happen only when the buffer is exhausted, which makes them the only points
// where a decoder built on a Cursor blocks.
type Cursor struct {
	src       io.ReaderAt
	next      int64
	end       int64
	buf       []byte
	pos       int
	n         int
	transform func([]byte)
}

// SetTransform installs fn to be applied to every refilled buffer, in stream
// order, before any of its bytes are returned.
func (c *Cursor) SetTransform(fn func([]byte)) {
	c.transform = fn
}

// ReadByte returns the next byte, or io.EOF at the end of the range.
func (c *Cursor) ReadByte() (byte, error) {
	if c.pos == c.n {
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

// ReadU16 returns the next two bytes as a little-endian value.
func (c *Cursor) ReadU16() (uint16, error) {
	lo, err := c.ReadByte()
	if err != nil {
		return 0, err
	}
	hi, err := c.ReadByte()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

// Offset returns the absolute offset of the next byte ReadByte will return.
func (c *Cursor) Offset() int64 {
	return c.next - int64(c.n-c.pos)
}

// Remaining returns the number of bytes left in the range.
func (c *Cursor) Remaining() int64 {
	return c.end - c.Offset()
}

func (c *Cursor) fill() error {
	if c.next >= c.end {
		return io.EOF
	}
	want := int64(len(c.buf))
	if left := c.end - c.next; left < want {
		want = left
	}
	p := c.buf[:want]
	if err := readFull(c.src, p, c.next); err != nil {
		return err
	}
	if c.transform != nil {
		c.transform(p)
	}
	c.next += want
	c.pos = 0
	c.n = int(want)
	return nil
}
