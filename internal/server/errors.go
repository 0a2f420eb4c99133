package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shaunagostinho/obdlog/internal/monitor"
)

// APIError is the JSON body of every failed API call.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badRequest(message string, cause error) *APIError {
	err := &APIError{Status: http.StatusBadRequest, Code: "BAD_REQUEST", Message: message}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

func unavailable(message string) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: "SERVICE_UNAVAILABLE", Message: message}
}

func internal(message string, cause error) *APIError {
	err := &APIError{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: message}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// controlError maps controller refusals onto HTTP statuses.
func controlError(err error) *APIError {
	switch {
	case errors.Is(err, monitor.ErrClosed):
		return unavailable(err.Error())
	case errors.Is(err, monitor.ErrBusy),
		errors.Is(err, monitor.ErrAlreadyConnected),
		errors.Is(err, monitor.ErrAlreadyMonitoring),
		errors.Is(err, monitor.ErrNotConnected),
		errors.Is(err, monitor.ErrNotMonitoring):
		return &APIError{Status: http.StatusConflict, Code: "CONFLICT", Message: err.Error()}
	default:
		return internal("controller error", err)
	}
}

// errorHandler renders every error as an APIError.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var apiErr *APIError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &httpErr):
		apiErr = &APIError{Status: httpErr.Code, Code: "HTTP_ERROR", Message: fmt.Sprintf("%v", httpErr.Message)}
	default:
		apiErr = internal("unexpected error", err)
	}
	c.JSON(apiErr.Status, apiErr)
}
