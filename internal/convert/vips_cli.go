package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
)

// VipsCLI shells out to the vips command line tool.
type VipsCLI struct {
	// Binary defaults to "vips" looked up on PATH.
	Binary string
}

func (v *VipsCLI) Name() string { return "vips-cli" }

func (v *VipsCLI) binary() string {
	if v.Binary == "" {
		return "vips"
	}
	return v.Binary
}

func (v *VipsCLI) Available() error {
	if _, err := exec.LookPath(v.binary()); err != nil {
		return fmt.Errorf("libvips CLI (%s) is not available: %w", v.binary(), apperr.ErrUnavailable)
	}
	return nil
}

func (v *VipsCLI) Encode(ctx context.Context, input, output string) error {
	bin, err := exec.LookPath(v.binary())
	if err != nil {
		return fmt.Errorf("libvips CLI (%s) is not available: %w", v.binary(), apperr.ErrUnavailable)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, TiffsaveArgs(input, output)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("vips tiffsave exited with code %d: %s: %w", exitErr.ExitCode(), strings.TrimSpace(stderr.String()), apperr.ErrConversionFailed)
		}
		return fmt.Errorf("failed to run vips: %w", err)
	}
	return nil
}

// TiffsaveArgs are the vips arguments that write a JPEG-compressed tiled
// pyramid.
func TiffsaveArgs(input, output string) []string {
	tile := strconv.Itoa(ContainerTileSize)
	return []string{
		"tiffsave", input, output,
		"--tile",
		"--pyramid",
		"--compression", "jpeg",
		"--Q", strconv.Itoa(ContainerQuality),
		"--tile-width", tile,
		"--tile-height", tile,
	}
}
