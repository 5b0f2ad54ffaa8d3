package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/releaser/internal/history"
)

// ReleaseStore reads stored releases. *history.Repository implements it.
type ReleaseStore interface {
	List(ctx context.Context, limit int) ([]history.Release, error)
	Get(ctx context.Context, id string) (*history.Release, error)
}

const maxListLimit = 200

// ReleaseHandlers handles release history endpoints
type ReleaseHandlers struct {
	store ReleaseStore
	log   zerolog.Logger
}

// NewReleaseHandlers creates new release handlers
func NewReleaseHandlers(store ReleaseStore, log zerolog.Logger) *ReleaseHandlers {
	return &ReleaseHandlers{
		store: store,
		log:   log.With().Str("component", "release_handlers").Logger(),
	}
}

// RegisterRoutes registers release routes
func (h *ReleaseHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/releases", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
	})
}

// HandleList returns recent releases, newest first. ?limit=N caps the count.
func (h *ReleaseHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"}, h.log)
			return
		}
		limit = min(n, maxListLimit)
	}

	releases, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list releases")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list releases"}, h.log)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"releases": releases,
		"count":    len(releases),
	}, h.log)
}

// HandleGet returns one release with its stages
func (h *ReleaseHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rel, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("release_id", id).Msg("Failed to get release")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get release"}, h.log)
		return
	}
	if rel == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "release not found"}, h.log)
		return
	}
	writeJSON(w, http.StatusOK, rel, h.log)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
