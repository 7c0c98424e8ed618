// Package api exposes tip intake, job triggers and score reads over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"ratemytip/internal/domain"
	"ratemytip/internal/lifecycle"
	"ratemytip/internal/storage"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ListDataResponse is a page of rows.
type ListDataResponse struct {
	Rows  any `json:"rows"`
	Total int `json:"total"`
}

// ValidationError describes one rejected request field.
type ValidationError struct {
	Code    string         `json:"code,omitempty"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// DataResponse writes data with the given status code.
func DataResponse(c echo.Context, statusCode int, data any) error {
	return c.JSON(statusCode, APIResponse{
		Status:  statusCode,
		Message: http.StatusText(statusCode),
		Data:    data,
	})
}

func successResponse(c echo.Context, data any) error {
	return DataResponse(c, http.StatusOK, data)
}

func createdResponse(c echo.Context, data any) error {
	return DataResponse(c, http.StatusCreated, data)
}

func acceptedResponse(c echo.Context, data any) error {
	return DataResponse(c, http.StatusAccepted, data)
}

func listResponse(c echo.Context, rows any, total int) error {
	return successResponse(c, &ListDataResponse{Rows: rows, Total: total})
}

func badRequestResponse(c echo.Context, data any) error {
	return DataResponse(c, http.StatusBadRequest, data)
}

// errorResponse maps domain and storage errors to HTTP statuses.
func errorResponse(c echo.Context, err error) error {
	msg := []ValidationError{{Code: "ERR_UNKNOWN", Message: err.Error()}}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		msg[0].Code = "ERR_NOT_FOUND"
		return DataResponse(c, http.StatusNotFound, msg)
	case errors.Is(err, storage.ErrDuplicateKey):
		msg[0].Code = "ERR_DUPLICATE"
		return DataResponse(c, http.StatusConflict, msg)
	case errors.Is(err, storage.ErrVersionConflict):
		msg[0].Code = "ERR_CONFLICT"
		return DataResponse(c, http.StatusConflict, msg)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		msg[0].Code = "ERR_INVALID_TRANSITION"
		return DataResponse(c, http.StatusConflict, msg)
	case errors.Is(err, domain.ErrInvalidCall), errors.Is(err, storage.ErrInvalidInput):
		msg[0].Code = "ERR_INVALID"
		return DataResponse(c, http.StatusUnprocessableEntity, msg)
	}
	return DataResponse(c, http.StatusInternalServerError, "Something went wrong")
}
