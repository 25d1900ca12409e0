package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ufi/internal/kernel"
	"github.com/samcharles93/ufi/internal/store"
	"github.com/samcharles93/ufi/internal/taskrt"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg, param string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, param, "kernel_not_loaded")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeTaskError maps runtime and kernel errors onto HTTP statuses.
// Contract violations are the caller's fault; everything else is ours.
func writeTaskError(c *echo.Context, err error) error {
	var shapeErr *store.ShapeError
	switch {
	case errors.As(err, &shapeErr):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "shape", "shape_mismatch")
	case errors.Is(err, store.ErrShapeOverflow):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "shape", "shape_overflow")
	case errors.Is(err, taskrt.ErrArgument),
		errors.Is(err, taskrt.ErrAlignment),
		errors.Is(err, kernel.ErrElementCount),
		errors.Is(err, kernel.ErrUnsupportedType):
		return writeBadRequest(c, err.Error())
	case kernel.IsFatal(err):
		return writeError(c, http.StatusInternalServerError, "device_error", err.Error(), "", "fatal")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}
