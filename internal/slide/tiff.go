package slide

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	gtiff "github.com/google/tiff"
	xtiff "golang.org/x/image/tiff"
	"golang.org/x/image/tiff/lzw"
)

const (
	compressionNone         = 1
	compressionLZW          = 5
	compressionJPEG         = 7
	compressionDeflate      = 8
	compressionAdobeDeflate = 32946

	photometricMinIsBlack = 1
	photometricRGB        = 2

	subfileMask = 4

	extraSampleAssociatedAlpha = 1
	predictorHorizontal        = 2
)

type tiffIFD struct {
	SubfileType      uint32   `tiff:"field,tag=254"`
	ImageWidth       uint64   `tiff:"field,tag=256"`
	ImageHeight      uint64   `tiff:"field,tag=257"`
	BitsPerSample    []uint16 `tiff:"field,tag=258"`
	Compression      uint16   `tiff:"field,tag=259"`
	Photometric      uint16   `tiff:"field,tag=262"`
	ImageDescription string   `tiff:"field,tag=270"`
	SamplesPerPixel  uint16   `tiff:"field,tag=277"`
	PlanarConfig     uint16   `tiff:"field,tag=284"`
	Software         string   `tiff:"field,tag=305"`
	Predictor        uint16   `tiff:"field,tag=317"`
	TileWidth        uint64   `tiff:"field,tag=322"`
	TileHeight       uint64   `tiff:"field,tag=323"`
	TileOffsets      []uint64 `tiff:"field,tag=324"`
	TileByteCounts   []uint64 `tiff:"field,tag=325"`
	ExtraSamples     []uint16 `tiff:"field,tag=338"`
	JPEGTables       []byte   `tiff:"field,tag=347"`
}

type tiffLevel struct {
	tiffIFD
	size       image.Point
	tile       image.Point
	across     int
	down       int
	downsample float64
}

// TIFFDecoder reads tiled, multi-resolution TIFF containers such as the ones
// written by `vips tiffsave --tile --pyramid` and Aperio SVS files. Every
// tiled full-image IFD is treated as one pyramid level. Files without tiled
// IFDs are decoded in full as a single level.
type TIFFDecoder struct{}

func (TIFFDecoder) Name() string { return "tiff" }

func (TIFFDecoder) Accepts(path string) bool {
	return hasExt(path, ".tif", ".tiff", ".svs")
}

func (TIFFDecoder) Open(path string) (Slide, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	s, err := openTIFF(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if s == nil {
		// No tiled levels: decode the whole image and let go of the file.
		defer f.Close()
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		img, err := xtiff.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decode striped tiff: %w", err)
		}
		return NewRasterSlide(img, map[string]string{"openslide.vendor": "generic-tiff"}), nil
	}
	return s, nil
}

// TIFFSlide is a pyramidal TIFF opened for random tile access.
type TIFFSlide struct {
	f      *os.File
	levels []tiffLevel
	props  map[string]string
}

func openTIFF(f *os.File) (*TIFFSlide, error) {
	t, err := gtiff.Parse(f, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tiff: %w", err)
	}

	var levels []tiffLevel
	var description, software string
	for i, raw := range t.IFDs() {
		var d tiffIFD
		if err := gtiff.UnmarshalIFD(raw, &d); err != nil {
			return nil, fmt.Errorf("failed to read ifd %d: %w", i, err)
		}
		if i == 0 {
			description, software = d.ImageDescription, d.Software
		}
		if d.TileWidth == 0 || d.TileHeight == 0 || d.SubfileType&subfileMask != 0 {
			continue
		}
		l, err := newTIFFLevel(d)
		if err != nil {
			return nil, fmt.Errorf("ifd %d: %w", i, err)
		}
		levels = append(levels, l)
	}
	if len(levels) == 0 {
		return nil, nil
	}

	sort.SliceStable(levels, func(i, j int) bool { return levels[i].size.X > levels[j].size.X })
	base := levels[0].size
	for i := range levels {
		levels[i].downsample = Downsample(base, levels[i].size)
	}

	s := &TIFFSlide{f: f, levels: levels}
	s.props = s.buildProperties(description, software)
	return s, nil
}

func newTIFFLevel(d tiffIFD) (tiffLevel, error) {
	l := tiffLevel{
		tiffIFD: d,
		size:    image.Pt(int(d.ImageWidth), int(d.ImageHeight)),
		tile:    image.Pt(int(d.TileWidth), int(d.TileHeight)),
	}
	if l.size.X <= 0 || l.size.Y <= 0 {
		return l, fmt.Errorf("empty level %v", l.size)
	}
	l.across = (l.size.X + l.tile.X - 1) / l.tile.X
	l.down = (l.size.Y + l.tile.Y - 1) / l.tile.Y

	if d.PlanarConfig > 1 {
		return l, fmt.Errorf("planar configuration %d not supported", d.PlanarConfig)
	}
	for _, b := range d.BitsPerSample {
		if b != 8 {
			return l, fmt.Errorf("%d bits per sample not supported", b)
		}
	}
	switch d.Compression {
	case compressionNone, compressionLZW, compressionJPEG, compressionDeflate, compressionAdobeDeflate:
	default:
		return l, fmt.Errorf("compression %d not supported", d.Compression)
	}
	if n := l.across * l.down; len(d.TileOffsets) < n || len(d.TileByteCounts) < n {
		return l, fmt.Errorf("expected %d tiles, found %d offsets and %d byte counts", n, len(d.TileOffsets), len(d.TileByteCounts))
	}
	if l.SamplesPerPixel == 0 {
		l.SamplesPerPixel = 1
	}
	return l, nil
}

func (s *TIFFSlide) buildProperties(description, software string) map[string]string {
	p := map[string]string{
		"openslide.vendor":      "generic-tiff",
		"openslide.level-count": strconv.Itoa(len(s.levels)),
	}
	for i, l := range s.levels {
		prefix := fmt.Sprintf("openslide.level[%d].", i)
		p[prefix+"width"] = strconv.Itoa(l.size.X)
		p[prefix+"height"] = strconv.Itoa(l.size.Y)
		p[prefix+"downsample"] = strconv.FormatFloat(l.downsample, 'f', -1, 64)
		p[prefix+"tile-width"] = strconv.Itoa(l.tile.X)
		p[prefix+"tile-height"] = strconv.Itoa(l.tile.Y)
	}
	if software != "" {
		p["tiff.Software"] = software
	}
	if description != "" {
		p["tiff.ImageDescription"] = description
		if strings.HasPrefix(description, "Aperio") {
			p["openslide.vendor"] = "aperio"
			parseAperioDescription(description, p)
		}
	}
	return p
}

// parseAperioDescription copies the "key = value" pairs of an Aperio
// ImageDescription into aperio.* properties.
func parseAperioDescription(description string, p map[string]string) {
	parts := strings.Split(description, "|")
	for _, part := range parts[1:] {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		p["aperio."+k] = v
		switch k {
		case "MPP":
			p["openslide.mpp-x"] = v
			p["openslide.mpp-y"] = v
		case "AppMag":
			p["openslide.objective-power"] = v
		}
	}
}

func (s *TIFFSlide) LevelCount() int { return len(s.levels) }

func (s *TIFFSlide) LevelDimensions(level int) image.Point {
	if level < 0 || level >= len(s.levels) {
		return image.Point{}
	}
	return s.levels[level].size
}

func (s *TIFFSlide) LevelDownsample(level int) float64 {
	if level < 0 || level >= len(s.levels) {
		return math.Inf(1)
	}
	return s.levels[level].downsample
}

func (s *TIFFSlide) Properties() map[string]string {
	out := make(map[string]string, len(s.props))
	for k, v := range s.props {
		out[k] = v
	}
	return out
}

func (s *TIFFSlide) ReadRegion(x, y, level, w, h int) (image.Image, error) {
	if level < 0 || level >= len(s.levels) {
		return nil, fmt.Errorf("level %d does not exist", level)
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid region size %dx%d", w, h)
	}
	l := &s.levels[level]
	lx := int(math.Floor(float64(x) / l.downsample))
	ly := int(math.Floor(float64(y) / l.downsample))

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	region := image.Rect(lx, ly, lx+w, ly+h).Intersect(image.Rectangle{Max: l.size})
	if region.Empty() {
		return dst, nil
	}

	origin := image.Pt(lx, ly)
	for ty := region.Min.Y / l.tile.Y; ty*l.tile.Y < region.Max.Y; ty++ {
		for tx := region.Min.X / l.tile.X; tx*l.tile.X < region.Max.X; tx++ {
			tileOrigin := image.Pt(tx*l.tile.X, ty*l.tile.Y)
			tileImg, err := s.readTile(l, tx, ty)
			if err != nil {
				return nil, fmt.Errorf("failed to read tile %d,%d of level %d: %w", tx, ty, level, err)
			}
			if tileImg == nil {
				continue
			}
			r := image.Rectangle{Min: tileOrigin, Max: tileOrigin.Add(l.tile)}.Intersect(region)
			sp := r.Min.Sub(tileOrigin).Add(tileImg.Bounds().Min)
			draw.Draw(dst, r.Sub(origin), tileImg, sp, draw.Src)
		}
	}
	return dst, nil
}

func (s *TIFFSlide) readTile(l *tiffLevel, tx, ty int) (image.Image, error) {
	idx := ty*l.across + tx
	offset, n := l.TileOffsets[idx], l.TileByteCounts[idx]
	if n == 0 {
		// sparse tile
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := s.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}

	var raw []byte
	switch l.Compression {
	case compressionJPEG:
		return decodeJPEGTile(l, buf)
	case compressionNone:
		raw = buf
	case compressionLZW:
		r := lzw.NewReader(bytes.NewReader(buf), lzw.MSB, 8)
		defer r.Close()
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("lzw: %w", err)
		}
		raw = b
	case compressionDeflate, compressionAdobeDeflate:
		r, err := zlib.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer r.Close()
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		raw = b
	}

	spp := int(l.SamplesPerPixel)
	if l.Predictor == predictorHorizontal {
		undoHorizontalDifferencing(raw, l.tile.X, spp)
	}
	return rawTileImage(raw, l)
}

// decodeJPEGTile splices the shared JPEGTables (minus EOI) in front of the
// tile's abbreviated stream (minus SOI).
func decodeJPEGTile(l *tiffLevel, data []byte) (image.Image, error) {
	if tables := l.JPEGTables; len(tables) > 4 && len(data) > 2 {
		stream := make([]byte, 0, len(tables)+len(data))
		stream = append(stream, tables[:len(tables)-2]...)
		stream = append(stream, data[2:]...)
		data = stream
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("jpeg: %w", err)
	}

	// Aperio-style RGB JPEG: the decoder assumes YCbCr, but the planes are
	// already R, G and B.
	if yc, ok := img.(*image.YCbCr); ok && l.Photometric == photometricRGB && yc.SubsampleRatio == image.YCbCrSubsampleRatio444 {
		b := yc.Bounds()
		out := image.NewNRGBA(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				yi, ci := yc.YOffset(x, y), yc.COffset(x, y)
				o := out.PixOffset(x, y)
				out.Pix[o+0] = yc.Y[yi]
				out.Pix[o+1] = yc.Cb[ci]
				out.Pix[o+2] = yc.Cr[ci]
				out.Pix[o+3] = 0xff
			}
		}
		return out, nil
	}
	return img, nil
}

func undoHorizontalDifferencing(raw []byte, width, spp int) {
	rowLen := width * spp
	for start := 0; start+rowLen <= len(raw); start += rowLen {
		row := raw[start : start+rowLen]
		for i := spp; i < len(row); i++ {
			row[i] += row[i-spp]
		}
	}
}

func rawTileImage(raw []byte, l *tiffLevel) (image.Image, error) {
	w, h := l.tile.X, l.tile.Y
	spp := int(l.SamplesPerPixel)
	if len(raw) < w*h*spp {
		return nil, fmt.Errorf("tile data too short: %d < %d", len(raw), w*h*spp)
	}
	rect := image.Rect(0, 0, w, h)

	switch {
	case l.Photometric == photometricMinIsBlack && spp == 1:
		return &image.Gray{Pix: raw[:w*h], Stride: w, Rect: rect}, nil
	case l.Photometric == photometricRGB && spp == 4 && len(l.ExtraSamples) > 0 && l.ExtraSamples[0] == extraSampleAssociatedAlpha:
		return &image.RGBA{Pix: raw[:w*h*4], Stride: w * 4, Rect: rect}, nil
	case l.Photometric == photometricRGB && spp == 4:
		return &image.NRGBA{Pix: raw[:w*h*4], Stride: w * 4, Rect: rect}, nil
	case (l.Photometric == photometricRGB && spp == 3) || (l.Photometric == photometricMinIsBlack && spp == 2):
		out := image.NewNRGBA(rect)
		for i, o := 0, 0; o < len(out.Pix); i, o = i+spp, o+4 {
			if spp == 3 {
				out.Pix[o], out.Pix[o+1], out.Pix[o+2], out.Pix[o+3] = raw[i], raw[i+1], raw[i+2], 0xff
			} else {
				out.Pix[o], out.Pix[o+1], out.Pix[o+2], out.Pix[o+3] = raw[i], raw[i], raw[i], raw[i+1]
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("photometric %d with %d samples not supported", l.Photometric, spp)
	}
}

func (s *TIFFSlide) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
