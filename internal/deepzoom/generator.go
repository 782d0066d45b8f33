// Package deepzoom derives a Deep Zoom tile pyramid from the native levels of
// a slide. Deep Zoom level 0 is a 1x1 pixel image; each following level
// doubles the resolution until the last level matches the slide's full
// resolution. Tiles are read from the native level whose downsample is
// closest without going over, then scaled to the Deep Zoom level.
package deepzoom

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
	"github.com/lehigh-university-libraries/slidezoom/internal/slide"
	"golang.org/x/image/draw"
)

const backgroundColorProperty = "openslide.background-color"

type Generator struct {
	slide    slide.Slide
	tileSize int
	overlap  int

	zDimensions   []image.Point // per Deep Zoom level, coarsest first
	tiles         []image.Point // tile grid per Deep Zoom level
	slideLevels   []int         // native level read for each Deep Zoom level
	lzDownsamples []float64     // Deep Zoom level downsample relative to its native level
	background    color.NRGBA
}

// TileInfo locates one Deep Zoom tile in the underlying slide.
type TileInfo struct {
	Level0Location image.Point // top-left in level 0 coordinates
	SlideLevel     int         // native level to read
	LevelSize      image.Point // region size at the native level
	TileSize       image.Point // final size of the tile, overlap included
}

// New builds a generator for s. It only reads header-level information from
// the slide.
func New(s slide.Slide, tileSize, overlap int) (*Generator, error) {
	if tileSize <= 0 {
		return nil, fmt.Errorf("tile size must be positive, got %d", tileSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("overlap must not be negative, got %d", overlap)
	}
	if s.LevelCount() == 0 {
		return nil, fmt.Errorf("slide has no levels")
	}
	base := s.LevelDimensions(0)
	if base.X <= 0 || base.Y <= 0 {
		return nil, fmt.Errorf("slide has empty dimensions %v", base)
	}

	g := &Generator{
		slide:      s,
		tileSize:   tileSize,
		overlap:    overlap,
		background: parseBackground(s.Properties()[backgroundColorProperty]),
	}

	g.zDimensions = Levels(base)
	for _, z := range g.zDimensions {
		g.tiles = append(g.tiles, image.Pt(tileCount(tileSize, z.X), tileCount(tileSize, z.Y)))
	}

	levelCount := len(g.zDimensions)
	for dz := 0; dz < levelCount; dz++ {
		l0z := math.Pow(2, float64(levelCount-dz-1))
		best := slide.BestLevelForDownsample(s, l0z)
		g.slideLevels = append(g.slideLevels, best)
		g.lzDownsamples = append(g.lzDownsamples, l0z/s.LevelDownsample(best))
	}
	return g, nil
}

// Levels returns the Deep Zoom level dimensions for a full-resolution size,
// halving (rounding up) until 1x1 and ordered coarsest first.
func Levels(size image.Point) []image.Point {
	dims := []image.Point{size}
	for size.X > 1 || size.Y > 1 {
		size = image.Pt(
			int(math.Max(1, math.Ceil(float64(size.X)/2))),
			int(math.Max(1, math.Ceil(float64(size.Y)/2))),
		)
		dims = append(dims, size)
	}
	for i, j := 0, len(dims)-1; i < j; i, j = i+1, j-1 {
		dims[i], dims[j] = dims[j], dims[i]
	}
	return dims
}

func tileCount(tileSize, size int) int {
	return int(math.Ceil(float64(size) / float64(tileSize)))
}

func parseBackground(hex string) color.NRGBA {
	white := color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	if len(hex) != 6 {
		return white
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return white
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

func (g *Generator) LevelCount() int { return len(g.zDimensions) }

func (g *Generator) TileSize() int { return g.tileSize }

func (g *Generator) Overlap() int { return g.overlap }

// Dimensions is the full-resolution size of the slide.
func (g *Generator) Dimensions() image.Point { return g.zDimensions[len(g.zDimensions)-1] }

// LevelTiles returns the tile grid of every Deep Zoom level, coarsest first.
func (g *Generator) LevelTiles() []image.Point {
	out := make([]image.Point, len(g.tiles))
	copy(out, g.tiles)
	return out
}

// LevelDimensions returns the pixel size of every Deep Zoom level, coarsest first.
func (g *Generator) LevelDimensions() []image.Point {
	out := make([]image.Point, len(g.zDimensions))
	copy(out, g.zDimensions)
	return out
}

// TileCount is the total number of tiles in the pyramid.
func (g *Generator) TileCount() int {
	n := 0
	for _, t := range g.tiles {
		n += t.X * t.Y
	}
	return n
}

// TileInfo computes where a tile comes from without reading pixels.
func (g *Generator) TileInfo(level, col, row int) (TileInfo, error) {
	if level < 0 || level >= len(g.zDimensions) {
		return TileInfo{}, fmt.Errorf("level %d outside [0, %d): %w", level, len(g.zDimensions), apperr.ErrOutOfRange)
	}
	grid := g.tiles[level]
	if col < 0 || col >= grid.X || row < 0 || row >= grid.Y {
		return TileInfo{}, fmt.Errorf("tile %d,%d outside %dx%d grid at level %d: %w", col, row, grid.X, grid.Y, level, apperr.ErrOutOfRange)
	}

	t := [2]int{col, row}
	lim := [2]int{grid.X, grid.Y}
	zLim := [2]int{g.zDimensions[level].X, g.zDimensions[level].Y}
	slideLevel := g.slideLevels[level]
	lDims := g.slide.LevelDimensions(slideLevel)
	lLim := [2]int{lDims.X, lDims.Y}
	lz := g.lzDownsamples[level]
	ld := g.slide.LevelDownsample(slideLevel)

	var zSize, l0, lSize [2]int
	for i := 0; i < 2; i++ {
		tl, br := 0, 0
		if t[i] != 0 {
			tl = g.overlap
		}
		if t[i] != lim[i]-1 {
			br = g.overlap
		}
		zSize[i] = min(g.tileSize, zLim[i]-g.tileSize*t[i]) + tl + br

		l := lz * float64(g.tileSize*t[i]-tl)
		l0[i] = int(ld * l)
		lSize[i] = int(math.Min(math.Ceil(lz*float64(zSize[i])), float64(lLim[i])-math.Ceil(l)))
	}

	return TileInfo{
		Level0Location: image.Pt(l0[0], l0[1]),
		SlideLevel:     slideLevel,
		LevelSize:      image.Pt(lSize[0], lSize[1]),
		TileSize:       image.Pt(zSize[0], zSize[1]),
	}, nil
}

// Tile reads and scales one tile. Transparent pixels are composited onto the
// slide's background colour, so the result is always opaque.
func (g *Generator) Tile(level, col, row int) (image.Image, error) {
	info, err := g.TileInfo(level, col, row)
	if err != nil {
		return nil, err
	}

	region, err := g.slide.ReadRegion(info.Level0Location.X, info.Level0Location.Y, info.SlideLevel, info.LevelSize.X, info.LevelSize.Y)
	if err != nil {
		return nil, fmt.Errorf("failed to read region: %w", err)
	}

	rb := region.Bounds()
	tile := image.NewNRGBA(image.Rect(0, 0, rb.Dx(), rb.Dy()))
	draw.Draw(tile, tile.Bounds(), &image.Uniform{C: g.background}, image.Point{}, draw.Src)
	draw.Draw(tile, tile.Bounds(), region, rb.Min, draw.Over)

	if tile.Bounds().Size() == info.TileSize {
		return tile, nil
	}
	scaled := image.NewNRGBA(image.Rectangle{Max: info.TileSize})
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), tile, tile.Bounds(), draw.Src, nil)
	return scaled, nil
}
