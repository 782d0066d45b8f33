//go:build vips

package pyramid

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var vipsStartup sync.Once

// Tiles are handed to libvips losslessly and re-encoded with optimised
// Huffman tables.
var rawPNG = png.Encoder{CompressionLevel: png.NoCompression}

func encodeJPEG(img image.Image) ([]byte, error) {
	vipsStartup.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(nil)
	})

	var buf bytes.Buffer
	if err := rawPNG.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to stage tile: %w", err)
	}
	ref, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to load tile into libvips: %w", err)
	}
	defer ref.Close()

	data, _, err := ref.ExportJpeg(&vips.JpegExportParams{
		Quality:        Quality,
		OptimizeCoding: true,
		StripMetadata:  true,
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
