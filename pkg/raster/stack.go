package raster

// stack merges binary anti-aliasing passes of the same layer.
type stack struct {
	layer  int
	passes []Decoder
	cur    []Run
	ended  []bool
}

// Stack merges n passes of one layer, each a binary (lit/unlit) rendering of
// the same resolution, into a single grey-level stream. A pixel lit in k of n
// passes gets intensity k*255/n. Each pass is pulled independently, so no
// frame buffer is needed. Passes that end at different pixel counts are
// corrupt and are reported against layer.
func Stack(layer int, passes []Decoder) Decoder {
	if len(passes) == 1 {
		return passes[0]
	}
	return &stack{
		layer:  layer,
		passes: passes,
		cur:    make([]Run, len(passes)),
		ended:  make([]bool, len(passes)),
	}
}

func (s *stack) Next() (Run, bool, error) {
	for i, d := range s.passes {
		for s.cur[i].Length == 0 && !s.ended[i] {
			run, ok, err := d.Next()
			if err != nil {
				return Run{}, false, err
			}
			if !ok {
				s.ended[i] = true
				break
			}
			s.cur[i] = run
		}
	}

	var (
		step  uint32
		lit   int
		found bool
	)
	for i := range s.passes {
		if s.cur[i].Length == 0 {
			continue
		}
		if !found || s.cur[i].Length < step {
			step = s.cur[i].Length
		}
		found = true
	}
	if !found {
		return Run{}, false, nil
	}
	for i := range s.passes {
		if s.cur[i].Length == 0 {
			return Run{}, false, Corrupt(s.layer, "anti-aliasing pass %d of %d ends early", i+1, len(s.passes))
		}
		if s.cur[i].Value != 0 {
			lit++
		}
		s.cur[i].Length -= step
	}
	return Run{Value: uint8(lit * 255 / len(s.passes)), Length: step}, true, nil
}
