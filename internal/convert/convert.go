// Package convert turns raw scanner output into a tiled pyramidal TIFF and,
// optionally, a pre-tiled Deep Zoom bundle.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
	"github.com/lehigh-university-libraries/slidezoom/internal/metrics"
	"github.com/lehigh-university-libraries/slidezoom/internal/slide"
)

const (
	// ContainerTileSize and ContainerQuality shape the pyramidal TIFF.
	ContainerTileSize = 256
	ContainerQuality  = 90
)

var inputExtensions = []string{".kfb", ".svs", ".tif", ".tiff"}

// Strategy is one way of producing the pyramidal TIFF.
type Strategy interface {
	Name() string
	// Available returns an error wrapping apperr.ErrUnavailable when the
	// strategy cannot run in this process.
	Available() error
	Encode(ctx context.Context, input, output string) error
}

// Pipeline runs conversions. Strategies are tried in order; a later one only
// runs when every earlier one was unavailable or failed.
type Pipeline struct {
	Strategies []Strategy
	Decoders   *slide.Registry
	TileSize   int
	Overlap    int
	Metrics    *metrics.Metrics
}

// Result describes the files a conversion produced.
type Result struct {
	TIFF     string
	TIFFSize int64
	Strategy string
	DZI      string
	Tiles    int
	Elapsed  time.Duration
}

// NewPipeline uses in-process libvips first and the vips command second.
func NewPipeline(tileSize, overlap int) *Pipeline {
	return &Pipeline{
		Strategies: []Strategy{LibVips{}, &VipsCLI{}},
		Decoders:   slide.Default,
		TileSize:   tileSize,
		Overlap:    overlap,
	}
}

// Validate checks that input exists and has a convertible extension.
func Validate(input string) error {
	if _, err := os.Stat(input); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("input file %s: %w", input, apperr.ErrNotFound)
		}
		return fmt.Errorf("failed to stat input: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(input))
	for _, e := range inputExtensions {
		if ext == e {
			return nil
		}
	}
	return fmt.Errorf("only KFB/SVS/TIFF files can be converted, got %q: %w", ext, apperr.ErrUnsupportedFormat)
}

// OutputPath is where the TIFF for input lands inside outDir.
func OutputPath(input, outDir string) string {
	base := filepath.Base(input)
	return filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+".tif")
}

// Encode validates input and writes <stem>.tif into outDir.
func (p *Pipeline) Encode(ctx context.Context, input, outDir string) (string, string, error) {
	if err := Validate(input); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}
	output := OutputPath(input, outDir)

	var errs []error
	for _, s := range p.Strategies {
		if err := s.Available(); err != nil {
			slog.Debug("Conversion strategy unavailable", "strategy", s.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			p.count(s.Name(), "unavailable")
			continue
		}

		slog.Info("Converting slide", "strategy", s.Name(), "input", input, "output", output)
		if err := s.Encode(ctx, input, output); err != nil {
			slog.Warn("Conversion strategy failed, trying next", "strategy", s.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			p.count(s.Name(), "failed")
			continue
		}
		p.count(s.Name(), "ok")
		return output, s.Name(), nil
	}

	return "", "", fmt.Errorf("%w: %w", apperr.ErrConversionFailed, errors.Join(errs...))
}

// Run converts input and, when dzi is set, pre-tiles the result into outDir.
func (p *Pipeline) Run(ctx context.Context, input, outDir string, dzi bool) (*Result, error) {
	start := time.Now()
	output, strategy, err := p.Encode(ctx, input, outDir)
	if err != nil {
		return nil, err
	}

	res := &Result{TIFF: output, Strategy: strategy}
	if fi, err := os.Stat(output); err == nil {
		res.TIFFSize = fi.Size()
	}

	if dzi {
		manifest, tiles, err := p.PreTile(ctx, output, outDir)
		if err != nil {
			return nil, err
		}
		res.DZI, res.Tiles = manifest, tiles
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

func (p *Pipeline) count(strategy, result string) {
	if p.Metrics != nil {
		p.Metrics.Conversions.WithLabelValues(strategy, result).Inc()
	}
}
