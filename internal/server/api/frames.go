package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ayusman/tagsight/internal/apriltag"
	"github.com/ayusman/tagsight/internal/store"
)

// defaultFrameLimit is the page size of GET /api/frames.
const defaultFrameLimit = 50

// FramesHandler handles HTTP requests for stored frames.
type FramesHandler struct {
	store *store.Store
}

// NewFramesHandler creates a new FramesHandler with the given store.
func NewFramesHandler(s *store.Store) *FramesHandler {
	return &FramesHandler{store: s}
}

type listFramesResponse struct {
	Frames []store.FrameSummary `json:"frames"`
}

// ServeHTTP routes /api/frames and /api/frames/{id}.
func (h *FramesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/frames")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.list(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, path)
	case http.MethodDelete:
		h.delete(w, r, path)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// list handles GET /api/frames?limit=N, newest first.
func (h *FramesHandler) list(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r, defaultFrameLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	frames, err := h.store.Frames().List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list frames")
		return
	}

	writeJSON(w, http.StatusOK, listFramesResponse{Frames: frames})
}

// get handles GET /api/frames/{id} and returns the frame with its tags.
func (h *FramesHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	frame, err := h.store.Frames().Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Frame not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get frame")
		return
	}

	writeJSON(w, http.StatusOK, frameResponse(frame))
}

// delete handles DELETE /api/frames/{id}.
func (h *FramesHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.Frames().Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Frame not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete frame")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// frameResponse ensures tags encode as [] rather than null.
func frameResponse(f *apriltag.FrameMessage) *apriltag.FrameMessage {
	if f.Tags == nil {
		f.Tags = []apriltag.Message{}
	}
	return f
}
