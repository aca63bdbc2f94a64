package media

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/samcharles93/resin/pkg/binfile"
)

const minBurst = 512

// throttled paces reads through a token bucket denominated in bytes.
type throttled struct {
	ctx context.Context
	src binfile.Source
	lim *rate.Limiter
}

// Throttle wraps src so that every ReadAt first waits for len(p) tokens from
// lim. Reads larger than the burst are split. A cancelled ctx fails pending
// and later reads with the context error.
func Throttle(ctx context.Context, src binfile.Source, lim *rate.Limiter) binfile.Source {
	return &throttled{ctx: ctx, src: src, lim: lim}
}

func (t *throttled) ReadAt(p []byte, off int64) (int, error) {
	burst := max(t.lim.Burst(), 1)
	n := 0
	for n < len(p) {
		chunk := min(len(p)-n, burst)
		if err := t.lim.WaitN(t.ctx, chunk); err != nil {
			return n, err
		}
		m, err := t.src.ReadAt(p[n:n+chunk], off+int64(n))
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (t *throttled) Size() int64 {
	return t.src.Size()
}
