//go:build !vips

package convert

import (
	"context"
	"fmt"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
)

// LibVips is a placeholder in binaries built without the vips tag.
type LibVips struct{}

func (LibVips) Name() string { return "libvips" }

func (LibVips) Available() error {
	return fmt.Errorf("built without libvips (rebuild with -tags vips): %w", apperr.ErrUnavailable)
}

func (l LibVips) Encode(context.Context, string, string) error {
	return l.Available()
}
