package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/slidezoom/internal/metrics"
	"github.com/lehigh-university-libraries/slidezoom/internal/models"
	"github.com/lehigh-university-libraries/slidezoom/internal/pyramid"
	"github.com/lehigh-university-libraries/slidezoom/internal/slide"
	"github.com/lehigh-university-libraries/slidezoom/internal/storage"
	"github.com/lehigh-university-libraries/slidezoom/internal/tiles"
)

type testServer struct {
	mux     *http.ServeMux
	store   *storage.MemoryStore
	slideID int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()

	img := image.NewNRGBA(image.Rect(0, 0, 600, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 600; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0x30, A: 0xff})
		}
	}
	f, err := os.Create(filepath.Join(root, "slide.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	store := storage.NewMemoryStore()
	rec, err := store.Create(context.Background(), models.NewSlide{Title: "Kidney", FilePath: "slide.png"})
	require.NoError(t, err)

	m := metrics.New()
	svc, err := tiles.New(store, pyramid.NewManager(root, 256, 0, slide.Default), tiles.Options{
		Workers:   4,
		CacheSize: 32,
		Timeout:   10 * time.Second,
		Metrics:   m,
	})
	require.NoError(t, err)

	return &testServer{mux: New(store, svc, m).Routes(), store: store, slideID: rec.ID}
}

func (s *testServer) do(t *testing.T, method, target string, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		r.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, r)
	return rec
}

func TestHealthIgnoresCatalog(t *testing.T) {
	h := New(nil, nil, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSlidesListAndCreate(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/api/slides", `{"title":" Liver ","file_path":"liver.svs","description":"","metadata":{"stain":"H&E"}}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.SlideRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Liver", created.Title)
	assert.Nil(t, created.Description)
	assert.Equal(t, "H&E", created.Metadata["stain"])

	rec = s.do(t, "GET", "/api/slides", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.SlideRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	rec = s.do(t, "GET", "/api/slides/"+itoa(created.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"file_path":"liver.svs"`)
}

func TestCreateSlideValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing title", body: `{"file_path":"a.tif"}`},
		{name: "missing file path", body: `{"title":"a"}`},
		{name: "metadata not an object", body: `{"title":"a","file_path":"a.tif","metadata":[1,2]}`},
		{name: "invalid json", body: `{"title":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, "POST", "/api/slides", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestUnknownSlide(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{
		"/api/slides/999",
		"/api/slides/999/dzi",
		"/api/slides/999/descriptor",
		"/api/slides/999/info",
		"/api/slides/999/tiles/0/0/0",
		"/api/slides/abc/dzi",
	} {
		rec := s.do(t, "GET", path, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestDZI(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "GET", "/api/slides/"+itoa(s.slideID)+"/dzi", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	var doc struct {
		XMLName  xml.Name
		TileSize int `xml:"TileSize,attr"`
		Size     struct {
			Width  int `xml:"Width,attr"`
			Height int `xml:"Height,attr"`
		} `xml:"Size"`
	}
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, pyramid.DZINamespace, doc.XMLName.Space)
	assert.Equal(t, 256, doc.TileSize)
	assert.Equal(t, 600, doc.Size.Width)
	assert.Equal(t, 400, doc.Size.Height)

	rec = s.do(t, "GET", "/api/slides/"+itoa(s.slideID)+"/dzi?format=json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":1,"tile_size":256,"tile_overlap":0,"format":"jpeg","width":600,"height":400,"max_level":10,"min_level":0}`, rec.Body.String())
}

func TestDescriptorBoundsMatchTileEndpoint(t *testing.T) {
	s := newTestServer(t)
	base := "/api/slides/" + itoa(s.slideID)

	rec := s.do(t, "GET", base+"/descriptor", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d pyramid.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))

	rec = s.do(t, "GET", base+"/tiles/"+itoa(int64(d.MaxLevel))+"/0/0", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, "GET", base+"/tiles/"+itoa(int64(d.MaxLevel+1))+"/0/0", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, "GET", base+"/tiles/-1/0/0", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTile(t *testing.T) {
	s := newTestServer(t)
	base := "/api/slides/" + itoa(s.slideID) + "/tiles/0/1/1"

	for _, path := range []string{base, base + ".jpeg"} {
		rec := s.do(t, "GET", path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
		assert.Equal(t, "public, max-age=31536000", rec.Header().Get("Cache-Control"))
		assert.Equal(t, `"1-0-1-1"`, rec.Header().Get("ETag"))

		img, err := jpeg.Decode(bytes.NewReader(rec.Body.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, image.Pt(256, 144), img.Bounds().Size())
	}
}

func TestTileNotModified(t *testing.T) {
	s := newTestServer(t)
	path := "/api/slides/" + itoa(s.slideID) + "/tiles/0/1/1"

	rec := s.do(t, "GET", path, "", http.Header{"If-None-Match": {`"1-0-1-1"`}})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = s.do(t, "GET", path, "", http.Header{"If-None-Match": {`"1-0-9-9"`}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConditionalTileRequestsAreValidated(t *testing.T) {
	s := newTestServer(t)
	gone, err := s.store.Create(context.Background(), models.NewSlide{Title: "gone", FilePath: "gone.png"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		match    string
		expected int
	}{
		{name: "out of range column", path: "/api/slides/" + itoa(s.slideID) + "/tiles/0/1000/0", match: `"1-0-1000-0"`, expected: http.StatusNotFound},
		{name: "out of range level", path: "/api/slides/" + itoa(s.slideID) + "/tiles/99/0/0", match: `"1-99-0-0"`, expected: http.StatusNotFound},
		{name: "wildcard on missing level", path: "/api/slides/" + itoa(s.slideID) + "/tiles/99/0/0", match: `*`, expected: http.StatusNotFound},
		{name: "wildcard on valid tile", path: "/api/slides/" + itoa(s.slideID) + "/tiles/0/0/0", match: `*`, expected: http.StatusOK},
		{name: "missing backing file", path: "/api/slides/" + itoa(gone.ID) + "/tiles/0/0/0", match: pyramid.ETag(gone.ID, 0, 0, 0), expected: http.StatusNotFound},
		{name: "unknown slide", path: "/api/slides/999/tiles/0/0/0", match: `"999-0-0-0"`, expected: http.StatusNotFound},
		{name: "valid tile", path: "/api/slides/" + itoa(s.slideID) + "/tiles/0/0/0", match: `"1-0-0-0"`, expected: http.StatusNotModified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, "GET", tt.path, "", http.Header{"If-None-Match": {tt.match}})
			assert.Equal(t, tt.expected, rec.Code)
			if tt.expected == http.StatusNotFound {
				assert.Empty(t, rec.Header().Get("ETag"))
			}
		})
	}
}

func TestTileOutOfRange(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "GET", "/api/slides/"+itoa(s.slideID)+"/tiles/0/1000/0", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "requested tile does not exist")
	assert.Empty(t, rec.Header().Get("ETag"))
}

func TestMissingBackingFile(t *testing.T) {
	s := newTestServer(t)
	rec, err := s.store.Create(context.Background(), models.NewSlide{Title: "gone", FilePath: "gone.png"})
	require.NoError(t, err)

	resp := s.do(t, "GET", "/api/slides/"+itoa(rec.ID)+"/info", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestUndecodableSlide(t *testing.T) {
	s := newTestServer(t)
	rec, err := s.store.Create(context.Background(), models.NewSlide{Title: "kfb", FilePath: "scan.kfb"})
	require.NoError(t, err)

	resp := s.do(t, "GET", "/api/slides/"+itoa(rec.ID)+"/dzi", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestInfo(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "GET", "/api/slides/"+itoa(s.slideID)+"/info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))

	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "Kidney", info["title"])
	assert.Equal(t, float64(11), info["level_count"])
	assert.Equal(t, []any{float64(600), float64(400)}, info["dimensions"])
	assert.Equal(t, "png", info["properties"].(map[string]any)["slidezoom.vendor"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "GET", "/api/health", "", nil)

	rec := s.do(t, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `slidezoom_http_requests_total{code="200",route="health"} 1`)
}

func TestETagMatches(t *testing.T) {
	assert.True(t, etagMatches(`"1-0-0-0"`, `"1-0-0-0"`))
	assert.True(t, etagMatches(`"x", W/"1-0-0-0"`, `"1-0-0-0"`))
	assert.False(t, etagMatches(`*`, `"1-0-0-0"`))
	assert.False(t, etagMatches(``, `"1-0-0-0"`))
	assert.False(t, etagMatches(`"1-0-0-1"`, `"1-0-0-0"`))
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
