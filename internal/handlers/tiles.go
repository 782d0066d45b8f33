package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/slidezoom/internal/pyramid"
)

func (h *Handler) HandleDZI(w http.ResponseWriter, r *http.Request) {
	id, ok := slideID(r)
	if !ok {
		h.writeError(w, "not found", http.StatusNotFound)
		return
	}
	d, err := h.tileService.Descriptor(r.Context(), id)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", descriptorCacheControl)
	if r.URL.Query().Get("format") == "json" {
		h.writeJSON(w, d)
		return
	}

	doc, err := d.MarshalDZI()
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	if _, err := w.Write(doc); err != nil {
		slog.Error("Unable to write DZI", "err", err)
	}
}

func (h *Handler) HandleDescriptor(w http.ResponseWriter, r *http.Request) {
	id, ok := slideID(r)
	if !ok {
		h.writeError(w, "not found", http.StatusNotFound)
		return
	}
	d, err := h.tileService.Descriptor(r.Context(), id)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", descriptorCacheControl)
	h.writeJSON(w, d)
}

func (h *Handler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := slideID(r)
	if !ok {
		h.writeError(w, "not found", http.StatusNotFound)
		return
	}
	info, err := h.tileService.Info(r.Context(), id)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", infoCacheControl)
	h.writeJSON(w, info)
}

// HandleTile serves /api/slides/{id}/tiles/{level}/{col}/{row}, with or
// without a .jpeg suffix on the row.
func (h *Handler) HandleTile(w http.ResponseWriter, r *http.Request) {
	id, ok := slideID(r)
	if !ok {
		h.writeError(w, "not found", http.StatusNotFound)
		return
	}
	level, errLevel := strconv.Atoi(r.PathValue("level"))
	col, errCol := strconv.Atoi(r.PathValue("col"))
	row, errRow := strconv.Atoi(strings.TrimSuffix(r.PathValue("row"), ".jpeg"))
	if errLevel != nil || errCol != nil || errRow != nil {
		h.writeError(w, "not found", http.StatusNotFound)
		return
	}

	etag := pyramid.ETag(id, level, col, row)
	if inm := r.Header.Get("If-None-Match"); inm != "" && etagMatches(inm, etag) {
		// Only a tile that exists can be unmodified.
		if err := h.tileService.CheckTile(r.Context(), id, level, col, row); err != nil {
			h.writeAppError(w, r, err)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", tileCacheControl)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, err := h.tileService.Tile(r.Context(), id, level, col, row)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", pyramid.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", tileCacheControl)
	w.Header().Set("ETag", etag)
	if _, err := w.Write(data); err != nil {
		slog.Error("Unable to write tile", "err", err)
	}
}

// etagMatches compares If-None-Match entries weakly against etag. The "*"
// wildcard is not honoured since tiles are never created by a request.
func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}
