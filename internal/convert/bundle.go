package convert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lehigh-university-libraries/slidezoom/internal/pyramid"
	"github.com/lehigh-university-libraries/slidezoom/internal/slide"
)

// PreTile renders every tile of the slide at path into a Deep Zoom bundle in
// outDir: <stem>.dzi and <stem>_files/<level>/<col>_<row>.jpeg. Levels use
// Deep Zoom numbering, 0 being the 1x1 overview. It only decodes in-process.
func (p *Pipeline) PreTile(ctx context.Context, path, outDir string) (string, int, error) {
	decoders := p.Decoders
	if decoders == nil {
		decoders = slide.Default
	}
	h, err := pyramid.Open(ctx, decoders, filepath.Dir(path), filepath.Base(path), p.TileSize, p.Overlap)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s for tiling: %w", path, err)
	}
	defer h.Close()

	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	filesDir := filepath.Join(outDir, stem+"_files")

	g := h.Geometry()
	written := 0
	for level := 0; level < g.LevelCount(); level++ {
		if err := ctx.Err(); err != nil {
			return "", written, err
		}
		grid, err := g.Tiles(level)
		if err != nil {
			return "", written, err
		}
		levelDir := filepath.Join(filesDir, fmt.Sprint(level))
		if err := os.MkdirAll(levelDir, 0o755); err != nil {
			return "", written, fmt.Errorf("failed to create level directory: %w", err)
		}
		for row := 0; row < grid.Y; row++ {
			for col := 0; col < grid.X; col++ {
				data, err := pyramid.ExtractTile(h, level, col, row)
				if err != nil {
					return "", written, err
				}
				name := filepath.Join(levelDir, fmt.Sprintf("%d_%d.%s", col, row, pyramid.Format))
				if err := os.WriteFile(name, data, 0o644); err != nil {
					return "", written, fmt.Errorf("failed to write tile: %w", err)
				}
				written++
			}
		}
		slog.Debug("Level tiled", "level", level, "tiles", grid.X*grid.Y)
	}

	doc, err := pyramid.BuildDescriptor(h).MarshalDZI()
	if err != nil {
		return "", written, err
	}
	if _, err := pyramid.ParseDZI(doc); err != nil {
		return "", written, fmt.Errorf("generated manifest is invalid: %w", err)
	}
	manifest := filepath.Join(outDir, stem+".dzi")
	if err := os.WriteFile(manifest, doc, 0o644); err != nil {
		return "", written, fmt.Errorf("failed to write manifest: %w", err)
	}

	slog.Info("Deep Zoom bundle written", "manifest", manifest, "tiles", written)
	return manifest, written, nil
}
