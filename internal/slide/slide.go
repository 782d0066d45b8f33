// Package slide opens whole-slide images and exposes their native resolution
// levels. Level 0 is always the full-resolution level, matching the openslide
// convention; coarser levels follow in order of increasing downsample.
//
// Decoders are optional capabilities registered in a Registry. A file for
// which no decoder is registered cannot be opened and reports
// apperr.ErrUnavailable rather than failing deep inside a decode.
package slide

import (
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
)

// Slide is an opened slide. Implementations must be safe for concurrent
// ReadRegion calls and must release all OS resources on Close.
type Slide interface {
	// LevelCount is the number of native resolution levels.
	LevelCount() int
	// LevelDimensions returns the pixel size of a native level.
	LevelDimensions(level int) image.Point
	// LevelDownsample returns the downsample factor of a level relative to level 0.
	LevelDownsample(level int) float64
	// Properties are slide-level key/value pairs read from headers.
	Properties() map[string]string
	// ReadRegion reads a w x h region of the given level. x and y are in
	// level 0 coordinates. Pixels outside the level are transparent.
	ReadRegion(x, y, level, w, h int) (image.Image, error)
	Close() error
}

// Decoder opens slides of the formats it accepts.
type Decoder interface {
	Name() string
	Accepts(path string) bool
	Open(path string) (Slide, error)
}

// BestLevelForDownsample returns the native level that should be read to
// produce an image at the given downsample, i.e. the coarsest level whose
// downsample does not exceed it.
func BestLevelForDownsample(s Slide, downsample float64) int {
	best := 0
	for level := 0; level < s.LevelCount(); level++ {
		if s.LevelDownsample(level) > downsample {
			break
		}
		best = level
	}
	return best
}

// Downsample computes the openslide-style downsample of a level: the mean of
// the width and height ratios to level 0.
func Downsample(base, level image.Point) float64 {
	if level.X == 0 || level.Y == 0 {
		return math.Inf(1)
	}
	return (float64(base.X)/float64(level.X) + float64(base.Y)/float64(level.Y)) / 2
}

// Registry is a set of decoders consulted in registration order.
type Registry struct {
	mu       sync.RWMutex
	decoders []Decoder
}

func NewRegistry(decoders ...Decoder) *Registry {
	return &Registry{decoders: decoders}
}

// Default holds the decoders compiled into this binary.
var Default = NewRegistry(TIFFDecoder{}, RasterDecoder{})

func (r *Registry) Register(d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders = append(r.decoders, d)
}

// Lookup finds the decoder for a path without touching the file system.
func (r *Registry) Lookup(path string) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.decoders {
		if d.Accepts(path) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no decoder for %q: %w", filepath.Ext(path), apperr.ErrUnavailable)
}

// Open opens path with the first decoder that accepts it.
func (r *Registry) Open(path string) (Slide, error) {
	d, err := r.Lookup(path)
	if err != nil {
		return nil, err
	}
	s, err := d.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open slide with %s decoder: %w", d.Name(), err)
	}
	return s, nil
}

func hasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
