package ctb

import (
	"io"

	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/raster"
)

// expand7 widens a 7-bit grey level to 8 bits, mapping 0x7f to 0xff.
func expand7(c uint8) uint8 {
	return c<<1 | c>>6
}

// rle7 decodes the CTB grammar. Each byte carries a 7-bit colour in its low
// bits; with bit 7 set it is followed by a big-endian run length of one to
// four bytes whose leading bits (0, 10, 110, 1110) give its width.
type rle7 struct {
	c     *binfile.Cursor
	layer int
}

func (d *rle7) Next() (raster.Run, bool, error) {
	for {
		b, err := d.c.ReadByte()
		if err == io.EOF {
			return raster.Run{}, false, nil
		}
		if err != nil {
			return raster.Run{}, false, err
		}
		value := expand7(b & 0x7f)
		if b&0x80 == 0 {
			return raster.Run{Value: value, Length: 1}, true, nil
		}

		at := d.c.Offset()
		h, err := d.c.ReadByte()
		if err != nil {
			return raster.Run{}, false, eof(err)
		}
		var (
			n     uint32
			extra int
		)
		switch {
		case h&0x80 == 0x00:
			n = uint32(h)
		case h&0xc0 == 0x80:
			n, extra = uint32(h&0x3f), 1
		case h&0xe0 == 0xc0:
			n, extra = uint32(h&0x1f), 2
		case h&0xf0 == 0xe0:
			n, extra = uint32(h&0x0f), 3
		default:
			return raster.Run{}, false, raster.Corrupt(d.layer, "invalid run length prefix %#02x at offset %d", h, at)
		}
		for range extra {
			b, err := d.c.ReadByte()
			if err != nil {
				return raster.Run{}, false, eof(err)
			}
			n = n<<8 | uint32(b)
		}
		if n == 0 {
			continue
		}
		return raster.Run{Value: value, Length: n}, true, nil
	}
}

// rle1 decodes one binary CBDDLP pass: bit 7 is the pixel state and the low
// seven bits the run length.
type rle1 struct {
	c     *binfile.Cursor
	layer int
}

func (d *rle1) Next() (raster.Run, bool, error) {
	for {
		b, err := d.c.ReadByte()
		if err == io.EOF {
			return raster.Run{}, false, nil
		}
		if err != nil {
			return raster.Run{}, false, err
		}
		n := uint32(b & 0x7f)
		if n == 0 {
			continue
		}
		var value uint8
		if b&0x80 != 0 {
			value = 0xff
		}
		return raster.Run{Value: value, Length: n}, true, nil
	}
}

// eof turns the end of the image inside a run into an unexpected end.
func eof(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// cipher is the CTB layer obfuscation. The keystream is seeded from the
// file key and the layer index, and advances by k1 every four bytes.
type cipher struct {
	k1, k2 uint32
	pos    uint32
}

func newCipher(key, layer uint32) *cipher {
	k1 := key*0x2d83cdac + 0xd8a83423
	k2 := (layer*0x1e1530cd + 0xec3d47cd) * k1
	return &cipher{k1: k1, k2: k2}
}

// apply XORs p in place. It must see the image bytes in stream order; the
// transform is its own inverse.
func (c *cipher) apply(p []byte) {
	for i := range p {
		p[i] ^= byte(c.k2 >> (8 * (c.pos & 3)))
		c.pos++
		if c.pos&3 == 0 {
			c.k2 += c.k1
		}
	}
}
