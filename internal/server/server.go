// Package server provides the HTTP API of the tagsight service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ayusman/tagsight/internal/app"
	"github.com/ayusman/tagsight/internal/server/api"
	"github.com/ayusman/tagsight/internal/store"
)

// shutdownTimeout bounds graceful shutdown in Run.
const shutdownTimeout = 5 * time.Second

// Pipeline is the part of the detection pipeline the server exposes.
type Pipeline interface {
	Latest() *app.Result
	IsEnabled() bool
	SetEnabled(enabled bool)
}

// Config holds the server configuration.
type Config struct {
	StaticDir string
	Store     *store.Store
	Pipeline  Pipeline
	Hub       *Hub
}

// Server represents the HTTP server for the tagsight service.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Store != nil {
		frames := api.NewFramesHandler(s.config.Store)
		s.mux.Handle("/api/frames", frames)
		s.mux.Handle("/api/frames/", frames)

		tags := api.NewTagsHandler(s.config.Store)
		s.mux.Handle("/api/tags", tags)
		s.mux.Handle("/api/tags/", tags)
	}

	if s.config.Pipeline != nil {
		s.mux.HandleFunc("/api/detection", s.handleDetection)
		s.mux.HandleFunc("/api/latest", s.handleLatest)
		s.mux.HandleFunc("/api/overlay", s.handleOverlay)
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Pipeline))
	}

	if s.config.Hub != nil {
		s.mux.Handle("/api/live", s.config.Hub)
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}
	if s.config.Pipeline != nil {
		response["detection"] = s.config.Pipeline.IsEnabled()
	}
	if s.config.Hub != nil {
		response["clients"] = s.config.Hub.Clients()
	}

	writeJSON(w, http.StatusOK, response)
}

type detectionState struct {
	Enabled *bool `json:"enabled"`
}

// handleDetection reports (GET) or switches (PUT) detection.
func (s *Server) handleDetection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req detectionState
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected {\"enabled\": bool}"})
			return
		}
		s.config.Pipeline.SetEnabled(*req.Enabled)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	enabled := s.config.Pipeline.IsEnabled()
	writeJSON(w, http.StatusOK, detectionState{Enabled: &enabled})
}

// handleLatest returns the most recently processed frame.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	latest := s.config.Pipeline.Latest()
	if latest == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "No frame processed yet"})
		return
	}

	writeJSON(w, http.StatusOK, latest.Frame)
}

// handleOverlay returns the most recent overlay as a JPEG.
func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	latest := s.config.Pipeline.Latest()
	if latest == nil || latest.Overlay == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "No overlay available"})
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Frame-Id", latest.Frame.FrameID)
	w.Write(latest.Overlay)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	// Request contexts derive from ctx so long-lived streams end on shutdown.
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.config.Hub != nil {
		s.config.Hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
