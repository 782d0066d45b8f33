package pyramid

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
	"github.com/lehigh-university-libraries/slidezoom/internal/deepzoom"
	"github.com/lehigh-university-libraries/slidezoom/internal/slide"
)

// Handle is an opened slide together with its Deep Zoom generator. A handle
// belongs to one request or job and must be closed exactly once; Close is
// safe to call again.
type Handle struct {
	path string
	s    slide.Slide
	gen  *deepzoom.Generator
	geom Geometry

	once     sync.Once
	closeErr error
}

func (h *Handle) Path() string { return h.path }

func (h *Handle) Geometry() Geometry { return h.geom }

// Dimensions is the full-resolution size of the slide.
func (h *Handle) Dimensions() image.Point { return h.gen.Dimensions() }

func (h *Handle) Properties() map[string]string { return h.s.Properties() }

// Close releases the decoder. Only the first call reaches it.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.closeErr = h.s.Close()
		slog.Debug("Slide closed", "path", h.path)
	})
	return h.closeErr
}

// Open resolves relPath under root and opens it with the first decoder in
// decoders that accepts it. A path without a decoder yields ErrUnavailable
// whether or not the file exists; a missing file yields ErrNotFound.
func Open(ctx context.Context, decoders *slide.Registry, root, relPath string, tileSize, overlap int) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := resolve(root, relPath)
	if err != nil {
		return nil, err
	}
	if _, err := decoders.Lookup(path); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("slide file %q: %w", relPath, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat slide file: %w", err)
	}

	s, err := decoders.Open(path)
	if err != nil {
		return nil, err
	}
	gen, err := deepzoom.New(s, tileSize, overlap)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to build deep zoom generator: %w", err)
	}

	slog.Debug("Slide opened", "path", path, "levels", gen.LevelCount())
	return &Handle{
		path: path,
		s:    s,
		gen:  gen,
		geom: NewGeometry(gen.LevelTiles(), tileSize, overlap),
	}, nil
}

// resolve joins relPath onto root and refuses anything that lands outside it.
func resolve(root, relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty slide path: %w", apperr.ErrNotFound)
	}
	path := filepath.Join(root, relPath)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("slide path %q escapes storage root: %w", relPath, apperr.ErrNotFound)
	}
	return path, nil
}

// Manager opens handles with a fixed storage root, tile size and overlap.
type Manager struct {
	Root     string
	TileSize int
	Overlap  int
	Decoders *slide.Registry
}

func NewManager(root string, tileSize, overlap int, decoders *slide.Registry) *Manager {
	if decoders == nil {
		decoders = slide.Default
	}
	return &Manager{Root: root, TileSize: tileSize, Overlap: overlap, Decoders: decoders}
}

// Path resolves relPath under the storage root.
func (m *Manager) Path(relPath string) (string, error) {
	return resolve(m.Root, relPath)
}

func (m *Manager) Open(ctx context.Context, relPath string) (*Handle, error) {
	return Open(ctx, m.Decoders, m.Root, relPath, m.TileSize, m.Overlap)
}

// With opens relPath, runs fn with the handle and closes it afterwards. If ctx
// ends first, With returns the context error immediately and the handle is
// closed as soon as fn returns.
func (m *Manager) With(ctx context.Context, relPath string, fn func(*Handle) error) error {
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, relPath, fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the synchronous form of With: it returns only after fn has returned
// and the handle is closed.
func (m *Manager) Run(ctx context.Context, relPath string, fn func(*Handle) error) error {
	h, err := m.Open(ctx, relPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			slog.Warn("Failed to close slide", "path", h.path, "err", err)
		}
	}()
	return fn(h)
}
