// Package pyramid is the tile-access engine: it opens slides as scoped
// handles, maps client tile requests onto the Deep Zoom pyramid, encodes
// tiles and builds the descriptors viewers use to drive requests.
package pyramid

import (
	"fmt"
	"image"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
)

// Geometry answers level and tile-bounds questions for one pyramid. It is
// immutable and safe for concurrent use.
//
// Two level numberings exist. Internal levels follow Deep Zoom: 0 is the
// coarsest level and MaxLevel() is full resolution. Client levels, as used in
// tile URLs, run the other way: client level 0 is full resolution and client
// level MaxLevel() is the coarsest overview. internal = MaxLevel() - client.
// Tile bounds and descriptor bounds are both derived from this type.
type Geometry struct {
	tiles    []image.Point // tile grid per internal level
	tileSize int
	overlap  int
}

func NewGeometry(tiles []image.Point, tileSize, overlap int) Geometry {
	t := make([]image.Point, len(tiles))
	copy(t, tiles)
	return Geometry{tiles: t, tileSize: tileSize, overlap: overlap}
}

func (g Geometry) LevelCount() int { return len(g.tiles) }

func (g Geometry) TileSize() int { return g.tileSize }

func (g Geometry) Overlap() int { return g.overlap }

func (g Geometry) MaxLevel() int { return len(g.tiles) - 1 }

func (g Geometry) MinLevel() int { return 0 }

// ToInternalLevel converts a client level to an internal level.
func (g Geometry) ToInternalLevel(client int) (int, error) {
	if client < g.MinLevel() || client > g.MaxLevel() {
		return 0, fmt.Errorf("level %d outside [%d, %d]: %w", client, g.MinLevel(), g.MaxLevel(), apperr.ErrOutOfRange)
	}
	return g.MaxLevel() - client, nil
}

// Tiles returns the tile grid of an internal level.
func (g Geometry) Tiles(internal int) (image.Point, error) {
	if internal < 0 || internal > g.MaxLevel() {
		return image.Point{}, fmt.Errorf("internal level %d outside [0, %d]: %w", internal, g.MaxLevel(), apperr.ErrOutOfRange)
	}
	return g.tiles[internal], nil
}

// ValidateTile checks a tile coordinate against an internal level's grid.
func (g Geometry) ValidateTile(internal, col, row int) error {
	grid, err := g.Tiles(internal)
	if err != nil {
		return err
	}
	if col < 0 || col >= grid.X || row < 0 || row >= grid.Y {
		return fmt.Errorf("tile %d,%d outside %dx%d grid: %w", col, row, grid.X, grid.Y, apperr.ErrOutOfRange)
	}
	return nil
}
