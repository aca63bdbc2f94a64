package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/resin/internal/exposure"
)

type StartPrintRequest struct {
	Job string `json:"job"`
}

func (s *Server) handleStartPrint(c *echo.Context) error {
	if s.prints == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "printing is not configured")
	}
	req, err := decodeJSON[StartPrintRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, fmt.Sprintf("invalid request body: %v", err))
	}
	name := strings.TrimSpace(req.Job)
	if name == "" {
		return writeBadRequest(c, "job is required")
	}

	// The print outlives the request, so the job is opened on the base
	// context.
	j, err := s.open(s.base, name)
	if err != nil {
		return writeFault(c, err)
	}
	sess, err := s.prints.Start(s.base, name, j)
	if err != nil {
		_ = j.Close()
		return writeFault(c, err)
	}
	s.metrics.printsStarted.Inc()
	s.log.Info("print started", "id", sess.ID, "job", name)
	return writeJSON(c, http.StatusCreated, sess)
}

func (s *Server) handleListPrints(c *echo.Context) error {
	var data []exposure.Session
	if s.prints != nil {
		data = s.prints.List()
	}
	return writeJSON(c, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleGetPrint(c *echo.Context) error {
	if s.prints == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "printing is not configured")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return writeBadRequest(c, fmt.Sprintf("invalid print id %q", c.Param("id")))
	}
	sess, found := s.prints.Get(id)
	if !found {
		return writeNotFound(c, "print not found")
	}
	return writeJSON(c, http.StatusOK, sess)
}

func (s *Server) handleCancelPrint(c *echo.Context) error {
	if s.prints == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "printing is not configured")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return writeBadRequest(c, fmt.Sprintf("invalid print id %q", c.Param("id")))
	}
	sess, err := s.prints.Cancel(id)
	if err != nil {
		return writeFault(c, err)
	}
	s.log.Info("print cancelled", "id", id, "state", sess.State)
	return writeJSON(c, http.StatusOK, sess)
}

func (s *Server) handlePanel(c *echo.Context) error {
	if s.panel == nil {
		return writeNotFound(c, "no exposure panel")
	}
	shown, img := s.panel.Shown()
	if shown < 0 {
		return writeNotFound(c, "no layer on the panel")
	}
	c.Response().Header().Set("X-Resin-Layer", fmt.Sprint(shown))
	return writePNG(c, img)
}
