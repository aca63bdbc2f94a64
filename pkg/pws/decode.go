package pws

import (
	"io"

	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/raster"
)

// pw0 decodes the pw0Img grammar. The high nibble of each byte is a code:
// 0x0 (black) and 0xf (white) take a 12-bit count from the low nibble and
// the next byte; any other code is the grey level code*0x11 with a 4-bit
// count.
type pw0 struct {
	c     *binfile.Cursor
	layer int
}

func (d *pw0) Next() (raster.Run, bool, error) {
	for {
		b, err := d.c.ReadByte()
		if err == io.EOF {
			return raster.Run{}, false, nil
		}
		if err != nil {
			return raster.Run{}, false, err
		}
		code, n := b>>4, uint32(b&0x0f)
		var value uint8
		switch code {
		case 0x0, 0xf:
			lo, err := d.c.ReadByte()
			if err != nil {
				return raster.Run{}, false, eof(err)
			}
			n = n<<8 | uint32(lo)
			if code == 0xf {
				value = 0xff
			}
		default:
			value = code * 0x11
		}
		if n == 0 {
			continue
		}
		return raster.Run{Value: value, Length: n}, true, nil
	}
}

// pwsRLE decodes one pass of the pwsImg grammar: bit 7 is the pixel state
// and the low seven bits hold the run length minus one.
type pwsRLE struct {
	c *binfile.Cursor
}

func (d *pwsRLE) Next() (raster.Run, bool, error) {
	b, err := d.c.ReadByte()
	if err == io.EOF {
		return raster.Run{}, false, nil
	}
	if err != nil {
		return raster.Run{}, false, err
	}
	var value uint8
	if b&0x80 != 0 {
		value = 0xff
	}
	return raster.Run{Value: value, Length: uint32(b&0x7f) + 1}, true, nil
}

// passes decodes a pwsImg image holding n consecutive anti-aliasing passes.
// The pass boundaries are not stored, so the first call to Next scans the
// image once to find them; the passes are then decoded in lockstep and
// merged by raster.Stack.
type passes struct {
	img     binfile.Range
	n       int
	pixels  uint64
	layer   int
	bufSize int

	d raster.Decoder
}

func (p *passes) Next() (raster.Run, bool, error) {
	if p.d == nil {
		d, err := p.split()
		if err != nil {
			return raster.Run{}, false, err
		}
		p.d = d
	}
	return p.d.Next()
}

func (p *passes) split() (raster.Decoder, error) {
	if p.n <= 1 {
		return &pwsRLE{c: p.img.Cursor(p.bufSize)}, nil
	}
	starts := make([]int64, 1, p.n)
	c := p.img.Cursor(p.bufSize)
	var px uint64
	for len(starts) < p.n {
		b, err := c.ReadByte()
		if err == io.EOF {
			return nil, raster.Corrupt(p.layer, "image ends in anti-aliasing pass %d of %d", len(starts), p.n)
		}
		if err != nil {
			return nil, err
		}
		px += uint64(b&0x7f) + 1
		switch {
		case px > p.pixels:
			return nil, raster.Corrupt(p.layer, "anti-aliasing pass %d of %d exceeds %d pixels", len(starts), p.n, p.pixels)
		case px == p.pixels:
			starts = append(starts, c.Offset()-p.img.Offset)
			px = 0
		}
	}

	decs := make([]raster.Decoder, p.n)
	for i, start := range starts {
		end := p.img.Length
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		sub, err := p.img.Sub(start, end-start)
		if err != nil {
			return nil, err
		}
		decs[i] = &pwsRLE{c: sub.Cursor(p.bufSize)}
	}
	return raster.Stack(p.layer, decs), nil
}

func eof(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
