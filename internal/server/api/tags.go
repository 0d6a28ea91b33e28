package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ayusman/tagsight/internal/store"
)

// defaultSightingLimit is the page size of GET /api/tags/{id}.
const defaultSightingLimit = 100

// TagsHandler handles HTTP requests for per-tag history.
type TagsHandler struct {
	store *store.Store
}

// NewTagsHandler creates a new TagsHandler with the given store.
func NewTagsHandler(s *store.Store) *TagsHandler {
	return &TagsHandler{store: s}
}

type listTagsResponse struct {
	Tags []int `json:"tags"`
}

type tagHistoryResponse struct {
	ID        int              `json:"id"`
	Sightings []store.Sighting `json:"sightings"`
}

// ServeHTTP routes /api/tags and /api/tags/{id}.
func (h *TagsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/tags")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		h.list(w, r)
		return
	}

	id, err := strconv.Atoi(path)
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "Invalid tag id")
		return
	}
	h.history(w, r, id)
}

// list handles GET /api/tags and returns every tag id seen so far.
func (h *TagsHandler) list(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.Sightings().TagIDs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tags")
		return
	}
	writeJSON(w, http.StatusOK, listTagsResponse{Tags: ids})
}

// history handles GET /api/tags/{id}?limit=N, newest first.
func (h *TagsHandler) history(w http.ResponseWriter, r *http.Request, id int) {
	limit, ok := parseLimit(r, defaultSightingLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	sightings, err := h.store.Sightings().ByTag(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get tag history")
		return
	}
	if len(sightings) == 0 {
		writeError(w, http.StatusNotFound, "Tag not seen")
		return
	}

	writeJSON(w, http.StatusOK, tagHistoryResponse{ID: id, Sightings: sightings})
}
