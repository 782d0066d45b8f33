// Package handlers exposes the slide catalog and tile engine over HTTP.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
	"github.com/lehigh-university-libraries/slidezoom/internal/metrics"
	"github.com/lehigh-university-libraries/slidezoom/internal/storage"
	"github.com/lehigh-university-libraries/slidezoom/internal/tiles"
)

const (
	descriptorCacheControl = "public, max-age=3600"
	tileCacheControl       = "public, max-age=31536000"
	infoCacheControl       = "public, max-age=300"
)

type Handler struct {
	slideStore  storage.SlideStore
	tileService *tiles.Service
	metrics     *metrics.Metrics
}

func New(slideStore storage.SlideStore, tileService *tiles.Service, m *metrics.Metrics) *Handler {
	return &Handler{
		slideStore:  slideStore,
		tileService: tileService,
		metrics:     m,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.instrument("health", h.HandleHealth))
	mux.HandleFunc("/api/slides", h.instrument("slides", h.HandleSlides))
	mux.HandleFunc("GET /api/slides/{id}", h.instrument("slide", h.HandleSlideDetail))
	mux.HandleFunc("GET /api/slides/{id}/dzi", h.instrument("dzi", h.HandleDZI))
	mux.HandleFunc("GET /api/slides/{id}/descriptor", h.instrument("descriptor", h.HandleDescriptor))
	mux.HandleFunc("GET /api/slides/{id}/tiles/{level}/{col}/{row}", h.instrument("tile", h.HandleTile))
	mux.HandleFunc("GET /api/slides/{id}/info", h.instrument("info", h.HandleInfo))
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	return mux
}

// HandleHealth reports liveness only; it touches neither catalog nor storage.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	h.writeJSONStatus(w, data, http.StatusOK)
}

func (h *Handler) writeJSONStatus(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Unable to encode JSON response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, code int) {
	if code >= http.StatusInternalServerError {
		slog.Error(message)
	} else {
		slog.Debug(message, "code", code)
	}
	http.Error(w, message, code)
}

// writeAppError reports err with the status and short message of its kind.
func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", r.URL.Path, "err", err)
	}
	h.writeError(w, apperr.Message(err), code)
}

func slideID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if h.metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		h.metrics.Requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	}
}
