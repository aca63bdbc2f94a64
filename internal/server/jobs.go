package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/resin/internal/media"
	"github.com/samcharles93/resin/pkg/printjob"
	"github.com/samcharles93/resin/pkg/raster"
)

const (
	defaultLayerPage = 100
	maxLayerPage     = 1000
)

// Layer is the metadata of one layer. Durations are in seconds and speeds in
// mm/min.
type Layer struct {
	Index        int     `json:"index"`
	PositionZ    float32 `json:"position_z"`
	Exposure     float64 `json:"exposure"`
	LightOff     float64 `json:"light_off"`
	Bottom       bool    `json:"bottom"`
	LiftHeight   float32 `json:"lift_height"`
	LiftSpeed    float32 `json:"lift_speed"`
	RetractSpeed float32 `json:"retract_speed"`
	ImageOffset  int64   `json:"image_offset"`
	ImageSize    int64   `json:"image_size"`
}

// LayerDetail adds decode statistics to Layer.
type LayerDetail struct {
	Layer
	Runs   uint64 `json:"runs"`
	Pixels uint64 `json:"pixels"`
	Lit    uint64 `json:"lit"`
	Digest string `json:"digest"`
}

func layerOf(v printjob.LayerView) Layer {
	return Layer{
		Index:        v.Index,
		PositionZ:    v.PositionZ,
		Exposure:     v.Exposure.Seconds(),
		LightOff:     v.LightOff.Seconds(),
		Bottom:       v.Bottom,
		LiftHeight:   v.LiftHeight,
		LiftSpeed:    v.LiftSpeed,
		RetractSpeed: v.RetractSpeed,
		ImageOffset:  v.ImageOffset,
		ImageSize:    v.ImageSize,
	}
}

func (s *Server) open(ctx context.Context, name string) (*printjob.Job, error) {
	j, err := s.vol.Open(ctx, name)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, media.ErrInvalidName) {
			s.metrics.openFailures.Inc()
			s.log.Warn("job open failed", "name", name, "error", err)
		}
		return nil, err
	}
	s.metrics.jobsOpened.WithLabelValues(j.Format()).Inc()
	return j, nil
}

// withJob opens the job named by the request for the duration of fn.
func (s *Server) withJob(c *echo.Context, fn func(*printjob.Job) error) error {
	j, err := s.open(c.Request().Context(), c.Param("name"))
	if err != nil {
		return writeFault(c, err)
	}
	defer j.Close()
	return fn(j)
}

// withLayer resolves the :index parameter as well.
func (s *Server) withLayer(c *echo.Context, fn func(*printjob.Job, printjob.LayerView) error) error {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return writeBadRequest(c, fmt.Sprintf("invalid layer index %q", c.Param("index")))
	}
	return s.withJob(c, func(j *printjob.Job) error {
		v, err := j.Layer(idx)
		if err != nil {
			return writeFault(c, err)
		}
		return fn(j, v)
	})
}

// decode runs fn over the layer's run stream and records the outcome.
func (s *Server) decode(v printjob.LayerView, fn func(raster.Decoder) error) error {
	start := time.Now()
	d, err := v.Runs()
	if err == nil {
		err = fn(d)
	}
	if err != nil {
		if raster.IsLayerFault(err) {
			s.metrics.layerFaults.Inc()
		}
		return err
	}
	s.metrics.decodeSeconds.Observe(time.Since(start).Seconds())
	s.metrics.layersDecoded.Inc()
	return nil
}

func (s *Server) handleListJobs(c *echo.Context) error {
	list, err := s.catalog.Scan(c.Request().Context())
	if err != nil {
		return writeFault(c, err)
	}
	return writeJSON(c, http.StatusOK, map[string]any{
		"object": "list",
		"data":   list,
	})
}

func (s *Server) handleGetJob(c *echo.Context) error {
	sum, err := s.catalog.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return writeFault(c, err)
	}
	return writeJSON(c, http.StatusOK, sum)
}

func (s *Server) handleListLayers(c *echo.Context) error {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	limit, err := queryInt(c, "limit", defaultLayerPage)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	limit = min(max(limit, 1), maxLayerPage)

	return s.withJob(c, func(j *printjob.Job) error {
		total := int(j.LayerCount())
		end := min(offset+limit, total)
		data := make([]Layer, 0, max(end-offset, 0))
		for i := offset; i < end; i++ {
			v, err := j.Layer(i)
			if err != nil {
				return writeFault(c, err)
			}
			data = append(data, layerOf(v))
		}
		return writeJSON(c, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
			"offset": offset,
			"total":  total,
		})
	})
}

func (s *Server) handleGetLayer(c *echo.Context) error {
	return s.withLayer(c, func(_ *printjob.Job, v printjob.LayerView) error {
		out := LayerDetail{Layer: layerOf(v)}
		digest, err := v.Digest()
		if err != nil {
			return writeFault(c, &raster.LayerError{Layer: v.Index, Detail: "image out of bounds", Err: err})
		}
		out.Digest = fmt.Sprintf("%016x", digest)
		err = s.decode(v, func(d raster.Decoder) error {
			st, err := raster.Measure(d)
			out.Runs, out.Pixels, out.Lit = st.Runs, st.Pixels, st.Lit
			return err
		})
		if err != nil {
			return writeFault(c, err)
		}
		return writeJSON(c, http.StatusOK, out)
	})
}

func (s *Server) handleLayerImage(c *echo.Context) error {
	return s.withLayer(c, func(j *printjob.Job, v printjob.LayerView) error {
		w, h := j.Resolution()
		var img *image.Gray
		err := s.decode(v, func(d raster.Decoder) error {
			var err error
			img, err = raster.Render(d, int(w), int(h))
			return err
		})
		if err != nil {
			return writeFault(c, err)
		}
		return writePNG(c, img)
	})
}

func (s *Server) handlePreview(c *echo.Context) error {
	kind, err := printjob.ParsePreviewKind(strings.TrimSuffix(c.Param("kind"), ".png"))
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	return s.withJob(c, func(j *printjob.Job) error {
		img, err := j.Preview(kind)
		if err != nil {
			return writeFault(c, err)
		}
		return writePNG(c, img)
	})
}

func writePNG(c *echo.Context, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "image/png", buf.Bytes())
}

func queryInt(c *echo.Context, name string, def int) (int, error) {
	q := c.QueryParam(name)
	if q == "" {
		return def, nil
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, q)
	}
	return n, nil
}
