package server

import (
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/resin/internal/exposure"
	"github.com/samcharles93/resin/internal/media"
	"github.com/samcharles93/resin/pkg/binfile"
	"github.com/samcharles93/resin/pkg/printjob"
	"github.com/samcharles93/resin/pkg/raster"
)

// APIError is the body of every error response.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Layer   *int   `json:"layer,omitempty"`
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return writeJSON(c, status, map[string]any{
		"error": APIError{Message: msg, Type: errType},
	})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

// writeFault maps decoder and storage errors onto HTTP statuses.
func writeFault(c *echo.Context, err error) error {
	var le *raster.LayerError
	switch {
	case errors.As(err, &le):
		layer := le.Layer
		return writeJSON(c, http.StatusUnprocessableEntity, map[string]any{
			"error": APIError{Message: err.Error(), Type: "corrupt_layer_error", Layer: &layer},
		})
	case errors.Is(err, os.ErrNotExist),
		errors.Is(err, printjob.ErrLayerIndex),
		errors.Is(err, printjob.ErrNoPreview),
		errors.Is(err, exposure.ErrNoSession):
		return writeNotFound(c, err.Error())
	case errors.Is(err, media.ErrInvalidName):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, exposure.ErrBusy):
		return writeError(c, http.StatusConflict, "busy_error", err.Error())
	case errors.Is(err, printjob.ErrUnrecognizedFormat),
		errors.Is(err, binfile.ErrBadMagic),
		errors.Is(err, binfile.ErrTruncatedInput),
		errors.Is(err, binfile.ErrMalformedGeometry),
		errors.Is(err, binfile.ErrInvalidSection),
		errors.Is(err, binfile.ErrUnsupportedVersion):
		return writeError(c, http.StatusUnprocessableEntity, "invalid_job_error", err.Error())
	}
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
