package pyramid

import (
	"fmt"
	"image"
	"image/color"
)

const (
	Format      = "jpeg"
	ContentType = "image/jpeg"
	Quality     = 90
)

// ExtractTile encodes one tile of an internal level as JPEG. The coordinate
// is validated before any pixels are read.
func ExtractTile(h *Handle, internal, col, row int) ([]byte, error) {
	if err := h.geom.ValidateTile(internal, col, row); err != nil {
		return nil, err
	}

	img, err := h.gen.Tile(internal, col, row)
	if err != nil {
		return nil, fmt.Errorf("failed to render tile %d/%d_%d: %w", internal, col, row, err)
	}

	data, err := encodeJPEG(ToRGB(img))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tile: %w", err)
	}
	return data, nil
}

// TileForClient maps a client level onto the pyramid and encodes the tile.
func (h *Handle) TileForClient(client, col, row int) ([]byte, error) {
	internal, err := h.geom.ToInternalLevel(client)
	if err != nil {
		return nil, err
	}
	return ExtractTile(h, internal, col, row)
}

// ToRGB returns an opaque three-channel image. Alpha is dropped, not
// composited; palette and gray images are expanded.
func ToRGB(img image.Image) image.Image {
	switch m := img.(type) {
	case *image.YCbCr:
		return m
	case *image.RGBA:
		if m.Opaque() {
			return m
		}
	}

	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return out
}

// ETag identifies an encoded tile. Tiles for a given slide never change.
func ETag(slideID int64, level, col, row int) string {
	return fmt.Sprintf(`"%d-%d-%d-%d"`, slideID, level, col, row)
}
