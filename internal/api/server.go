package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/nok/internal/metrics"
	"github.com/MikeSquared-Agency/nok/internal/router"
)

type Server struct {
	router *chi.Mux
	nok    *router.Router
	logger *slog.Logger
	http   *http.Server
}

// NewServer exposes rt over HTTP. With a non-empty apiToken every
// /api/v1/nok route requires it as a bearer token. m may be nil.
func NewServer(port int, apiToken string, rt *router.Router, m *metrics.Metrics, logger *slog.Logger) *Server {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Logger)
	mux.Use(middleware.Recoverer)

	s := &Server{
		router: mux,
		nok:    rt,
		logger: logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	mux.Get("/health", s.health)
	if m != nil {
		mux.Method(http.MethodGet, "/metrics", m.Handler())
	}
	mux.Route("/api/v1/nok", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/status", s.status)
		r.Put("/mode", s.setMode)
		r.Post("/connect", s.connect)
		r.Post("/messages", s.sendMessage)
		r.Post("/knocks", s.sendKnock)
		r.Put("/presence", s.setPresence)
	})

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start blocks until the server stops. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
