//go:build vips

package convert

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var vipsStartup sync.Once

// LibVips encodes in-process through libvips.
type LibVips struct{}

func (LibVips) Name() string { return "libvips" }

func (LibVips) Available() error { return nil }

func (LibVips) Encode(ctx context.Context, input, output string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	vipsStartup.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(nil)
	})

	img, err := vips.NewImageFromFile(input)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", input, err)
	}
	defer img.Close()

	data, _, err := img.ExportTiff(&vips.TiffExportParams{
		Tile:        true,
		Pyramid:     true,
		Compression: vips.TiffCompressionJpeg,
		Quality:     ContainerQuality,
		TileWidth:   ContainerTileSize,
		TileHeight:  ContainerTileSize,
	})
	if err != nil {
		return fmt.Errorf("failed to export tiff: %w", err)
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}
	return nil
}
