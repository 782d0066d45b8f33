package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/lehigh-university-libraries/slidezoom/internal/models"
)

func (h *Handler) HandleSlides(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		slides, err := h.slideStore.List(r.Context())
		if err != nil {
			h.writeAppError(w, r, err)
			return
		}
		h.writeJSON(w, slides)
	case "POST":
		var payload models.NewSlide
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		slide, err := h.slideStore.Create(r.Context(), payload)
		if err != nil {
			h.writeAppError(w, r, err)
			return
		}
		h.writeJSONStatus(w, slide, http.StatusCreated)
	default:
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) HandleSlideDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := slideID(r)
	if !ok {
		h.writeError(w, "not found", http.StatusNotFound)
		return
	}
	slide, err := h.slideStore.Get(r.Context(), id)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, slide)
}
