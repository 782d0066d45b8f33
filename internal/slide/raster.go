package slide

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
)

// RasterDecoder opens ordinary single-resolution images by decoding them
// into memory. It is meant for small slides and test fixtures.
type RasterDecoder struct{}

func (RasterDecoder) Name() string { return "raster" }

func (RasterDecoder) Accepts(path string) bool {
	return hasExt(path, ".png", ".jpg", ".jpeg", ".bmp")
}

func (RasterDecoder) Open(path string) (Slide, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return NewRasterSlide(img, map[string]string{"slidezoom.vendor": format}), nil
}

// RasterSlide is a single-level slide backed by an in-memory image.
type RasterSlide struct {
	img   image.Image
	props map[string]string
}

func NewRasterSlide(img image.Image, props map[string]string) *RasterSlide {
	p := map[string]string{}
	for k, v := range props {
		p[k] = v
	}
	b := img.Bounds()
	p["openslide.level-count"] = "1"
	p["openslide.level[0].width"] = fmt.Sprint(b.Dx())
	p["openslide.level[0].height"] = fmt.Sprint(b.Dy())
	return &RasterSlide{img: img, props: p}
}

func (s *RasterSlide) LevelCount() int { return 1 }

func (s *RasterSlide) LevelDimensions(level int) image.Point {
	if level != 0 {
		return image.Point{}
	}
	return s.img.Bounds().Size()
}

func (s *RasterSlide) LevelDownsample(level int) float64 { return 1 }

func (s *RasterSlide) Properties() map[string]string {
	out := make(map[string]string, len(s.props))
	for k, v := range s.props {
		out[k] = v
	}
	return out
}

func (s *RasterSlide) ReadRegion(x, y, level, w, h int) (image.Image, error) {
	if level != 0 {
		return nil, fmt.Errorf("level %d does not exist", level)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	b := s.img.Bounds()
	src := image.Rect(x, y, x+w, y+h).Add(b.Min).Intersect(b)
	if !src.Empty() {
		draw.Draw(dst, src.Sub(b.Min).Sub(image.Pt(x, y)), s.img, src.Min, draw.Src)
	}
	return dst, nil
}

func (s *RasterSlide) Close() error {
	s.img = nil
	return nil
}
