// Package server exposes the media volume, layer decoding and simulated
// prints over HTTP.
package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/resin/internal/catalog"
	"github.com/samcharles93/resin/internal/exposure"
	"github.com/samcharles93/resin/internal/logger"
	"github.com/samcharles93/resin/internal/media"
	"github.com/samcharles93/resin/pkg/printjob"
)

// Config wires a Server. Prints and Panel may be nil, which disables the
// print routes.
type Config struct {
	Volume  *media.Volume
	Catalog *catalog.Catalog
	Prints  *exposure.Manager
	Panel   *exposure.Framebuffer
	Metrics *Metrics
	Log     logger.Logger
	// BaseContext bounds prints started over HTTP. It defaults to
	// context.Background.
	BaseContext context.Context
}

type Server struct {
	vol     *media.Volume
	catalog *catalog.Catalog
	prints  *exposure.Manager
	panel   *exposure.Framebuffer
	metrics *Metrics
	log     logger.Logger
	base    context.Context
}

func NewServer(cfg Config) *Server {
	s := &Server{
		vol:     cfg.Volume,
		catalog: cfg.Catalog,
		prints:  cfg.Prints,
		panel:   cfg.Panel,
		metrics: cfg.Metrics,
		log:     cfg.Log,
		base:    cfg.BaseContext,
	}
	if s.catalog == nil {
		s.catalog = catalog.New(s.vol, 0)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	if s.base == nil {
		s.base = context.Background()
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/formats", s.handleFormats)

	// Jobs on the media volume
	e.GET("/v1/jobs", s.handleListJobs)
	e.GET("/v1/jobs/:name", s.handleGetJob)
	e.GET("/v1/jobs/:name/layers", s.handleListLayers)
	e.GET("/v1/jobs/:name/layers/:index", s.handleGetLayer)
	e.GET("/v1/jobs/:name/layers/:index/image.png", s.handleLayerImage)
	e.GET("/v1/jobs/:name/previews/:kind", s.handlePreview)

	// Prints
	e.POST("/v1/prints", s.handleStartPrint)
	e.GET("/v1/prints", s.handleListPrints)
	e.GET("/v1/prints/:id", s.handleGetPrint)
	e.POST("/v1/prints/:id/cancel", s.handleCancelPrint)
	e.GET("/v1/panel.png", s.handlePanel)

	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
}

func (s *Server) handleFormats(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]any{
		"object": "list",
		"data":   printjob.Formats(),
	})
}
