package tiles

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
	"github.com/lehigh-university-libraries/slidezoom/internal/metrics"
	"github.com/lehigh-university-libraries/slidezoom/internal/models"
	"github.com/lehigh-university-libraries/slidezoom/internal/pyramid"
	"github.com/lehigh-university-libraries/slidezoom/internal/slide"
	"github.com/lehigh-university-libraries/slidezoom/internal/storage"
)

// countingDecoder wraps the raster decoder and counts how often it is used.
type countingDecoder struct {
	slide.RasterDecoder
	accepts atomic.Int32
	opens   atomic.Int32
}

func (d *countingDecoder) Accepts(path string) bool {
	d.accepts.Add(1)
	return d.RasterDecoder.Accepts(path)
}

func (d *countingDecoder) Open(path string) (slide.Slide, error) {
	d.opens.Add(1)
	return d.RasterDecoder.Open(path)
}

// blockingDecoder holds every Open until release is closed.
type blockingDecoder struct {
	slide.RasterDecoder
	release chan struct{}
}

func (d *blockingDecoder) Open(path string) (slide.Slide, error) {
	<-d.release
	return d.RasterDecoder.Open(path)
}

func writeSlidePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0x60, A: 0xff})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

type fixture struct {
	svc     *Service
	store   *storage.MemoryStore
	decoder *countingDecoder
	metrics *metrics.Metrics
	root    string
	slideID int64
}

func newFixture(t *testing.T, cacheSize int) *fixture {
	t.Helper()
	root := t.TempDir()

	writeSlidePNG(t, filepath.Join(root, "slide.png"), 600, 400)

	store := storage.NewMemoryStore()
	rec, err := store.Create(context.Background(), models.NewSlide{Title: "fixture", FilePath: "slide.png"})
	require.NoError(t, err)

	decoder := &countingDecoder{}
	m := metrics.New()
	manager := pyramid.NewManager(root, 256, 0, slide.NewRegistry(decoder))
	svc, err := New(store, manager, Options{Workers: 2, CacheSize: cacheSize, Timeout: 10 * time.Second, Metrics: m})
	require.NoError(t, err)

	return &fixture{svc: svc, store: store, decoder: decoder, metrics: m, root: root, slideID: rec.ID}
}

func TestUnknownSlideFailsBeforeFileAccess(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := context.Background()

	_, err := fx.svc.Descriptor(ctx, 999)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = fx.svc.Tile(ctx, 999, 0, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = fx.svc.Info(ctx, 999)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	assert.Zero(t, fx.decoder.accepts.Load())
	assert.Zero(t, fx.decoder.opens.Load())
}

func TestDescriptor(t *testing.T) {
	fx := newFixture(t, 0)

	d, err := fx.svc.Descriptor(context.Background(), fx.slideID)
	require.NoError(t, err)
	require.NotNil(t, d.ID)
	assert.Equal(t, fx.slideID, *d.ID)
	assert.Equal(t, 600, d.Width)
	assert.Equal(t, 400, d.Height)
	assert.Equal(t, 10, d.MaxLevel)
}

func TestInfoMergesRecord(t *testing.T) {
	fx := newFixture(t, 0)

	info, err := fx.svc.Info(context.Background(), fx.slideID)
	require.NoError(t, err)
	assert.Equal(t, "fixture", info.Title)
	assert.Equal(t, "slide.png", info.FilePath)
	assert.Equal(t, 11, info.LevelCount)
	assert.Equal(t, [2]int{600, 400}, info.Dimensions)
}

func TestTile(t *testing.T) {
	fx := newFixture(t, 0)

	data, err := fx.svc.Tile(context.Background(), fx.slideID, 0, 2, 1)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(88, 144), img.Bounds().Size())
}

func TestTileOutOfRange(t *testing.T) {
	fx := newFixture(t, 16)

	_, err := fx.svc.Tile(context.Background(), fx.slideID, 0, 1000, 0)
	assert.True(t, errors.Is(err, apperr.ErrOutOfRange))
	_, err = fx.svc.Tile(context.Background(), fx.slideID, 11, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrOutOfRange))
}

func TestTileCache(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := context.Background()

	first, err := fx.svc.Tile(ctx, fx.slideID, 1, 0, 0)
	require.NoError(t, err)
	second, err := fx.svc.Tile(ctx, fx.slideID, 1, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), fx.decoder.opens.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.CacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.CacheMisses))
}

func TestTileCacheFollowsFileChanges(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := context.Background()

	_, err := fx.svc.Tile(ctx, fx.slideID, 1, 0, 0)
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(fx.root, "slide.png"), later, later))

	_, err = fx.svc.Tile(ctx, fx.slideID, 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fx.decoder.opens.Load())
}

func TestMissingFileIsNotFound(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := context.Background()
	rec, err := fx.store.Create(ctx, models.NewSlide{Title: "gone", FilePath: "gone.png"})
	require.NoError(t, err)

	_, err = fx.svc.Tile(ctx, rec.ID, 0, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = fx.svc.Descriptor(ctx, rec.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUndecodableSlideIsUnavailable(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := context.Background()
	rec, err := fx.store.Create(ctx, models.NewSlide{Title: "kfb", FilePath: "scan.kfb"})
	require.NoError(t, err)

	_, err = fx.svc.Tile(ctx, rec.ID, 0, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrUnavailable))
}

func TestCancelledRequest(t *testing.T) {
	fx := newFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.svc.Tile(ctx, fx.slideID, 0, 0, 0)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCheckTile(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, fx.svc.CheckTile(ctx, fx.slideID, 0, 2, 1))
	assert.Equal(t, int32(1), fx.decoder.opens.Load())

	err := fx.svc.CheckTile(ctx, fx.slideID, 0, 1000, 0)
	assert.True(t, errors.Is(err, apperr.ErrOutOfRange))
	err = fx.svc.CheckTile(ctx, fx.slideID, 11, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrOutOfRange))
	err = fx.svc.CheckTile(ctx, fx.slideID, -1, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrOutOfRange))
	assert.Equal(t, int32(1), fx.decoder.opens.Load(), "grid is cached per file version")

	err = fx.svc.CheckTile(ctx, 999, 0, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCheckTileReusesRenderedGrid(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	_, err := fx.svc.Tile(ctx, fx.slideID, 1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fx.svc.CheckTile(ctx, fx.slideID, 1, 0, 0))
	assert.Equal(t, int32(1), fx.decoder.opens.Load())

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(fx.root, "slide.png"), later, later))
	require.NoError(t, fx.svc.CheckTile(ctx, fx.slideID, 1, 0, 0))
	assert.Equal(t, int32(2), fx.decoder.opens.Load())
}

func TestCheckTileBackingFile(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	gone, err := fx.store.Create(ctx, models.NewSlide{Title: "gone", FilePath: "gone.png"})
	require.NoError(t, err)
	err = fx.svc.CheckTile(ctx, gone.ID, 0, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	kfb, err := fx.store.Create(ctx, models.NewSlide{Title: "kfb", FilePath: "scan.kfb"})
	require.NoError(t, err)
	err = fx.svc.CheckTile(ctx, kfb.ID, 0, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrUnavailable))
	assert.Zero(t, fx.decoder.opens.Load())
}

func TestTimedOutDecodeKeepsWorkerSlot(t *testing.T) {
	root := t.TempDir()
	writeSlidePNG(t, filepath.Join(root, "slide.png"), 64, 64)

	store := storage.NewMemoryStore()
	rec, err := store.Create(context.Background(), models.NewSlide{Title: "slow", FilePath: "slide.png"})
	require.NoError(t, err)

	decoder := &blockingDecoder{release: make(chan struct{})}
	manager := pyramid.NewManager(root, 256, 0, slide.NewRegistry(decoder))
	svc, err := New(store, manager, Options{Workers: 1, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = svc.Tile(context.Background(), rec.ID, 0, 0, 0)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, svc.sem.TryAcquire(1), "slot stays taken while the decode runs")

	close(decoder.release)
	require.Eventually(t, func() bool {
		if !svc.sem.TryAcquire(1) {
			return false
		}
		svc.sem.Release(1)
		return true
	}, 5*time.Second, 10*time.Millisecond)
}
