package server

import (
	"fmt"
	"net/http"
	"time"
)

// streamInterval is the polling period of the MJPEG stream (~15 FPS).
const streamInterval = 66 * time.Millisecond

// StreamHandler serves the pipeline overlays as MJPEG.
type StreamHandler struct {
	pipeline Pipeline
	interval time.Duration
}

// NewStreamHandler creates a new StreamHandler over the given pipeline.
func NewStreamHandler(p Pipeline) *StreamHandler {
	return &StreamHandler{pipeline: p, interval: streamInterval}
}

// ServeHTTP streams each new overlay to the client until it disconnects.
// Frames without an overlay are skipped.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var lastID string
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		latest := h.pipeline.Latest()
		if latest == nil || latest.Overlay == nil || latest.Frame.FrameID == lastID {
			continue
		}
		lastID = latest.Frame.FrameID

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(latest.Overlay))
		if _, err := w.Write(latest.Overlay); err != nil {
			return
		}
		fmt.Fprintf(w, "\r\n")

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}
