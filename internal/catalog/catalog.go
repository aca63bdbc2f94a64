// Package catalog keeps summaries of the jobs on a media volume for listing.
// A summary is recomputed only when the file's size or modification time
// changes.
package catalog

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/resin/internal/media"
	"github.com/samcharles93/resin/pkg/printjob"
)

// Summary describes one job file. A file that fails to open is still listed,
// with Error set.
type Summary struct {
	Name     string         `json:"name"`
	Size     int64          `json:"size"`
	ModTime  time.Time      `json:"mod_time"`
	Info     *printjob.Info `json:"info,omitempty"`
	Estimate time.Duration  `json:"estimate,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type entry struct {
	size    int64
	modTime time.Time
	summary Summary
}

// Catalog caches summaries keyed by file name.
type Catalog struct {
	vol     *media.Volume
	workers int

	mu    sync.Mutex
	cache map[string]entry
}

// New returns a Catalog over vol. workers bounds concurrent opens during a
// scan; zero uses GOMAXPROCS.
func New(vol *media.Volume, workers int) *Catalog {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Catalog{
		vol:     vol,
		workers: workers,
		cache:   make(map[string]entry),
	}
}

// Scan lists the volume, summarizing new and changed files concurrently.
// Entries for removed files are evicted.
func (c *Catalog) Scan(ctx context.Context) ([]Summary, error) {
	ents, err := c.vol.List()
	if err != nil {
		return nil, err
	}

	out := make([]Summary, len(ents))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, e := range ents {
		if s, ok := c.lookup(e); ok {
			out[i] = s
			continue
		}
		g.Go(func() error {
			s, err := c.summarize(ctx, e)
			if err != nil {
				return err
			}
			out[i] = c.store(e, s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	live := make(map[string]bool, len(ents))
	for _, e := range ents {
		live[e.Name] = true
	}
	c.mu.Lock()
	for name := range c.cache {
		if !live[name] {
			delete(c.cache, name)
		}
	}
	c.mu.Unlock()
	return out, nil
}

// Get summarizes one file, using the cache when the file is unchanged.
func (c *Catalog) Get(ctx context.Context, name string) (Summary, error) {
	e, err := c.vol.Stat(name)
	if err != nil {
		return Summary{}, err
	}
	if s, ok := c.lookup(e); ok {
		return s, nil
	}
	s, err := c.summarize(ctx, e)
	if err != nil {
		return Summary{}, err
	}
	return c.store(e, s), nil
}

// Len returns the number of cached summaries.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func (c *Catalog) lookup(e media.Entry) (Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ce, ok := c.cache[e.Name]
	if !ok || ce.size != e.Size || !ce.modTime.Equal(e.ModTime) {
		return Summary{}, false
	}
	return ce.summary, true
}

func (c *Catalog) store(e media.Entry, s Summary) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[e.Name] = entry{size: e.Size, modTime: e.ModTime, summary: s}
	return s
}

// summarize records file faults in the Summary. Only cancellation is
// returned, so that an interrupted scan caches nothing.
func (c *Catalog) summarize(ctx context.Context, e media.Entry) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	s := Summary{Name: e.Name, Size: e.Size, ModTime: e.ModTime}
	j, err := c.vol.Open(ctx, e.Name)
	if err != nil {
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
		s.Error = err.Error()
		return s, nil
	}
	defer j.Close()

	info := j.Info()
	s.Info = &info
	est, err := j.Estimate()
	if err != nil {
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
		s.Error = err.Error()
		return s, nil
	}
	s.Estimate = est
	return s, nil
}
