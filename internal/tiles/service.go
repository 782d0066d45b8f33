// Package tiles serves descriptors, info and encoded tiles for catalogued
// slides. It bounds concurrent decoding, coalesces identical tile requests
// and caches encoded tiles.
package tiles

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
	"github.com/lehigh-university-libraries/slidezoom/internal/metrics"
	"github.com/lehigh-university-libraries/slidezoom/internal/models"
	"github.com/lehigh-university-libraries/slidezoom/internal/pyramid"
	"github.com/lehigh-university-libraries/slidezoom/internal/storage"
)

type Options struct {
	Workers   int
	CacheSize int // encoded tiles; 0 disables the cache
	Timeout   time.Duration
	Metrics   *metrics.Metrics
}

// Service is safe for concurrent use. Every slide access opens its own
// handle and closes it before returning.
type Service struct {
	store   storage.SlideStore
	manager *pyramid.Manager
	sem     *semaphore.Weighted
	group   singleflight.Group
	cache   *lru.Cache
	geoms   *lru.Cache
	timeout time.Duration
	metrics *metrics.Metrics
}

// geometryCacheSize bounds the per-file tile grids kept for conditional
// requests.
const geometryCacheSize = 256

// fileKey identifies one version of a slide's backing file. It changes
// whenever the file is replaced.
type fileKey struct {
	id      int64
	path    string
	modTime int64
	size    int64
}

type cacheKey struct {
	file            fileKey
	level, col, row int
}

// SlideInfo is pyramid info merged with the catalog record.
type SlideInfo struct {
	pyramid.Info
	ID          int64          `json:"id"`
	Title       string         `json:"title"`
	Description *string        `json:"description"`
	FilePath    string         `json:"file_path"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

func New(store storage.SlideStore, manager *pyramid.Manager, opts Options) (*Service, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	s := &Service{
		store:   store,
		manager: manager,
		sem:     semaphore.NewWeighted(int64(workers)),
		timeout: opts.Timeout,
		metrics: opts.Metrics,
	}
	geoms, err := lru.New(geometryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create geometry cache: %w", err)
	}
	s.geoms = geoms
	if opts.CacheSize > 0 {
		cache, err := lru.New(opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create tile cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Descriptor returns the viewer descriptor for a slide, tagged with its id.
func (s *Service) Descriptor(ctx context.Context, id int64) (pyramid.Descriptor, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return pyramid.Descriptor{}, err
	}

	var d pyramid.Descriptor
	err = s.withSlide(ctx, rec, func(h *pyramid.Handle) error {
		d = pyramid.BuildDescriptor(h).WithID(rec.ID)
		return nil
	})
	return d, err
}

func (s *Service) Info(ctx context.Context, id int64) (*SlideInfo, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var info pyramid.Info
	err = s.withSlide(ctx, rec, func(h *pyramid.Handle) error {
		info = pyramid.BuildInfo(h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	info.Descriptor = info.Descriptor.WithID(rec.ID)
	return &SlideInfo{
		Info:        info,
		ID:          rec.ID,
		Title:       rec.Title,
		Description: rec.Description,
		FilePath:    rec.FilePath,
		Metadata:    rec.Metadata,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// Tile returns the JPEG bytes for a client-level tile coordinate.
func (s *Service) Tile(ctx context.Context, id int64, level, col, row int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	file, err := s.stat(rec)
	if err != nil {
		return nil, err
	}
	key := cacheKey{file: file, level: level, col: col, row: row}
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			s.observeCache(true)
			return v.([]byte), nil
		}
		s.observeCache(false)
	}

	flightKey := fmt.Sprintf("%d/%s/%d/%d/%d/%d/%d", rec.ID, rec.FilePath, file.modTime, file.size, level, col, row)
	// The render is detached from the first caller so a cancelled request
	// does not fail the others waiting on it.
	ch := s.group.DoChan(flightKey, func() (interface{}, error) {
		data, err := s.render(context.WithoutCancel(ctx), rec, file, level, col, row)
		if err == nil && s.cache != nil {
			s.cache.Add(key, data)
		}
		return data, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CheckTile reports whether a client tile coordinate exists for the current
// backing file. Pixels are never decoded; the slide is only opened when its
// tile grid is not cached yet.
func (s *Service) CheckTile(ctx context.Context, id int64, level, col, row int) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	file, err := s.stat(rec)
	if err != nil {
		return err
	}

	geom, ok := s.cachedGeometry(file)
	if !ok {
		err = s.withSlide(ctx, rec, func(h *pyramid.Handle) error {
			geom = h.Geometry()
			return nil
		})
		if err != nil {
			return err
		}
		s.geoms.Add(file, geom)
	}

	internal, err := geom.ToInternalLevel(level)
	if err != nil {
		return err
	}
	return geom.ValidateTile(internal, col, row)
}

func (s *Service) cachedGeometry(file fileKey) (pyramid.Geometry, bool) {
	v, ok := s.geoms.Get(file)
	if !ok {
		return pyramid.Geometry{}, false
	}
	return v.(pyramid.Geometry), true
}

func (s *Service) render(ctx context.Context, rec *models.SlideRecord, file fileKey, level, col, row int) ([]byte, error) {
	start := time.Now()
	var data []byte
	err := s.withSlide(ctx, rec, func(h *pyramid.Handle) error {
		s.geoms.Add(file, h.Geometry())
		var err error
		data, err = h.TileForClient(level, col, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TileDuration.Observe(time.Since(start).Seconds())
	}
	slog.Debug("Tile rendered", "slide", rec.ID, "level", level, "col", col, "row", row, "bytes", len(data), "elapsed", time.Since(start))
	return data, nil
}

// withSlide runs fn on an open handle while holding a worker slot, under the
// request timeout. The slot is held by the goroutine that owns the handle, so
// a decode that outlives its request still counts against the worker limit.
func (s *Service) withSlide(ctx context.Context, rec *models.SlideRecord, fn func(*pyramid.Handle) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer s.sem.Release(1)
		if s.metrics != nil {
			s.metrics.TilesInFlight.Inc()
			defer s.metrics.TilesInFlight.Dec()
		}
		done <- s.manager.Run(ctx, rec.FilePath, fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stat resolves the backing file of rec. A path without a decoder is
// unavailable whether or not the file exists.
func (s *Service) stat(rec *models.SlideRecord) (fileKey, error) {
	path, err := s.manager.Path(rec.FilePath)
	if err != nil {
		return fileKey{}, err
	}
	if _, err := s.manager.Decoders.Lookup(path); err != nil {
		return fileKey{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileKey{}, fmt.Errorf("slide file %q: %w", rec.FilePath, apperr.ErrNotFound)
		}
		return fileKey{}, fmt.Errorf("failed to stat slide file: %w", err)
	}
	return fileKey{id: rec.ID, path: rec.FilePath, modTime: fi.ModTime().UnixNano(), size: fi.Size()}, nil
}

func (s *Service) observeCache(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.CacheHits.Inc()
	} else {
		s.metrics.CacheMisses.Inc()
	}
}
