package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "nil", err: nil, expected: http.StatusOK},
		{name: "not found", err: ErrNotFound, expected: http.StatusNotFound},
		{name: "wrapped out of range", err: fmt.Errorf("tile 3/4: %w", ErrOutOfRange), expected: http.StatusNotFound},
		{name: "invalid input", err: fmt.Errorf("title is required: %w", ErrInvalidInput), expected: http.StatusBadRequest},
		{name: "unavailable", err: ErrUnavailable, expected: http.StatusServiceUnavailable},
		{name: "unknown", err: errors.New("boom"), expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.err))
		})
	}
}

func TestMessageHidesGeometry(t *testing.T) {
	err := fmt.Errorf("col 1000 outside 16 columns at level 12: %w", ErrOutOfRange)
	assert.Equal(t, "requested tile does not exist", Message(err))
	assert.Equal(t, "internal server error", Message(errors.New("disk on fire")))
}
