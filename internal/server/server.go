// Package server provides the HTTP server for the try-on service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ayusman/tryon/internal/catalog"
	"github.com/ayusman/tryon/internal/events"
	"github.com/ayusman/tryon/internal/logging"
	"github.com/ayusman/tryon/internal/scene"
	"github.com/ayusman/tryon/internal/server/api"
	"github.com/ayusman/tryon/internal/store"
)

// Config holds the server configuration.
type Config struct {
	StaticDir string
	UploadDir string
	Store     *store.Store
	Catalog   *catalog.Catalog
	// Recommender enables colour-similarity lookups. It may be nil.
	Recommender api.Recommender
	Sessions    api.Sessions
	Events      *events.Bus
	Logger      *slog.Logger
}

// Server represents the HTTP server for the try-on service.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	logger *slog.Logger
	http   *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		logger: logger.With("component", "http"),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Store != nil {
		var refresher api.Refresher
		if s.config.Catalog != nil {
			refresher = s.config.Catalog
		}
		overlayHandler := api.NewOverlayHandler(s.config.Store, refresher, s.config.UploadDir, s.logger)
		if s.config.Recommender != nil {
			overlayHandler.WithRecommender(s.config.Recommender)
		}
		s.mux.Handle("/api/overlays", overlayHandler)
		s.mux.Handle("/api/overlays/", overlayHandler)
	}

	if s.config.Sessions != nil {
		var selector api.OverlaySelector
		if s.config.Catalog != nil {
			selector = s.config.Catalog
		}
		sessionHandler := api.NewSessionHandler(s.config.Sessions, selector)
		s.mux.Handle("/api/session", sessionHandler)
		s.mux.Handle("/api/session/", sessionHandler)

		s.mux.Handle("/api/stream", NewStreamHandler(currentFrames{s.config.Sessions}, 0))
	}

	if s.config.Events != nil {
		s.mux.Handle("/api/events", NewEventsHandler(s.config.Events, s.logger))
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// currentFrames reads composited frames from whichever session is current.
type currentFrames struct {
	sessions api.Sessions
}

func (c currentFrames) Latest() (scene.RenderedFrame, bool) {
	sess, ok := c.sessions.Current()
	if !ok {
		return scene.RenderedFrame{}, false
	}
	return sess.Latest()
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

	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}
	if s.config.Sessions != nil {
		state := "none"
		if sess, ok := s.config.Sessions.Current(); ok {
			state = sess.State().String()
		}
		response["session"] = state
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address and blocks until
// ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
