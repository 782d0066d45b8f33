// Package apperr defines the error kinds shared by the tile engine, the
// conversion pipeline and the HTTP layer.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound covers a missing catalog record or a missing backing file.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable means a required decoding or encoding capability is not
	// present in this process.
	ErrUnavailable = errors.New("capability unavailable")
	// ErrOutOfRange is an invalid level or tile coordinate for the slide's
	// actual pyramid shape.
	ErrOutOfRange = errors.New("out of range")
	// ErrUnsupportedFormat is a conversion input with an unrecognised extension.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrConversionFailed is returned when every encode strategy failed.
	ErrConversionFailed = errors.New("conversion failed")
	// ErrInvalidInput is a malformed request payload.
	ErrInvalidInput = errors.New("invalid input")
)

// HTTPStatus maps an error to the status code the API reports for it.
// Out-of-range coordinates are reported as not found so callers learn
// nothing about the pyramid's internal geometry.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the short, client-safe text for an error kind.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrOutOfRange):
		return "requested tile does not exist"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrInvalidInput):
		return err.Error()
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported format"
	case errors.Is(err, ErrUnavailable):
		return "slide decoding is not available on this server"
	default:
		return "internal server error"
	}
}
