package pyramid

import (
	"encoding/xml"
	"fmt"
	"image"

	"github.com/lehigh-university-libraries/slidezoom/internal/deepzoom"
)

// DZINamespace is the XML namespace of Deep Zoom Image manifests.
const DZINamespace = "http://schemas.microsoft.com/deepzoom/2008"

// Descriptor is the header a viewer needs to drive tile requests. Its level
// bounds come from the same Geometry the tile endpoint validates against.
type Descriptor struct {
	ID       *int64 `json:"id,omitempty"`
	TileSize int    `json:"tile_size"`
	Overlap  int    `json:"tile_overlap"`
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MaxLevel int    `json:"max_level"`
	MinLevel int    `json:"min_level"`
}

func BuildDescriptor(h *Handle) Descriptor {
	size := h.Dimensions()
	return Descriptor{
		TileSize: h.geom.TileSize(),
		Overlap:  h.geom.Overlap(),
		Format:   Format,
		Width:    size.X,
		Height:   size.Y,
		MaxLevel: h.geom.MaxLevel(),
		MinLevel: h.geom.MinLevel(),
	}
}

// WithID returns a copy of d tagged with a catalog id.
func (d Descriptor) WithID(id int64) Descriptor {
	d.ID = &id
	return d
}

type dziImage struct {
	XMLName  xml.Name `xml:"http://schemas.microsoft.com/deepzoom/2008 Image"`
	Format   string   `xml:"Format,attr"`
	Overlap  int      `xml:"Overlap,attr"`
	TileSize int      `xml:"TileSize,attr"`
	Size     dziSize  `xml:"Size"`
}

type dziSize struct {
	Width  int `xml:"Width,attr"`
	Height int `xml:"Height,attr"`
}

// MarshalDZI renders the descriptor as a Deep Zoom Image manifest.
func (d Descriptor) MarshalDZI() ([]byte, error) {
	doc := dziImage{
		Format:   d.Format,
		Overlap:  d.Overlap,
		TileSize: d.TileSize,
		Size:     dziSize{Width: d.Width, Height: d.Height},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dzi: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// ParseDZI reads a Deep Zoom Image manifest back into a descriptor. Level
// bounds are derived from the image size the same way the pyramid is.
func ParseDZI(data []byte) (Descriptor, error) {
	var doc dziImage
	if err := xml.Unmarshal(data, &doc); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse dzi: %w", err)
	}
	if doc.XMLName.Space != DZINamespace {
		return Descriptor{}, fmt.Errorf("unexpected dzi namespace %q", doc.XMLName.Space)
	}
	if doc.TileSize <= 0 || doc.Size.Width <= 0 || doc.Size.Height <= 0 {
		return Descriptor{}, fmt.Errorf("dzi has invalid tile size %d or image size %dx%d", doc.TileSize, doc.Size.Width, doc.Size.Height)
	}
	return Descriptor{
		TileSize: doc.TileSize,
		Overlap:  doc.Overlap,
		Format:   doc.Format,
		Width:    doc.Size.Width,
		Height:   doc.Size.Height,
		MaxLevel: len(deepzoom.Levels(image.Pt(doc.Size.Width, doc.Size.Height))) - 1,
		MinLevel: 0,
	}, nil
}

// Info is the descriptor plus the pyramid shape and decoder properties.
type Info struct {
	Descriptor
	Dimensions      [2]int            `json:"dimensions"`
	LevelCount      int               `json:"level_count"`
	LevelDimensions [][2]int          `json:"level_dimensions"`
	Properties      map[string]string `json:"properties"`
}

// BuildInfo reads header metadata only.
func BuildInfo(h *Handle) Info {
	size := h.Dimensions()
	var dims [][2]int
	for _, d := range h.gen.LevelDimensions() {
		dims = append(dims, [2]int{d.X, d.Y})
	}
	props := make(map[string]string)
	for k, v := range h.Properties() {
		props[k] = v
	}
	return Info{
		Descriptor:      BuildDescriptor(h),
		Dimensions:      [2]int{size.X, size.Y},
		LevelCount:      h.geom.LevelCount(),
		LevelDimensions: dims,
		Properties:      props,
	}
}
