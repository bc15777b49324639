package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/letterdrop/letterdrop/internal/config"
	"github.com/letterdrop/letterdrop/internal/email"
	"github.com/letterdrop/letterdrop/internal/metrics"
	"github.com/letterdrop/letterdrop/internal/storage"
	"github.com/rs/zerolog"
)

type Server struct {
	cfg    config.ServerConfig
	store  storage.Storage
	sender email.Sender
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, store storage.Storage, sender email.Sender, log zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		sender: sender,
		log:    log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	subHandler := NewSubscriptionHandler(s.store, s.sender, s.cfg.BaseURL)
	nlHandler := NewNewsletterHandler(s.store)
	statsHandler := NewStatsHandler(s.store)

	// Public surface, no auth
	r.Get("/health", statsHandler.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/subscriptions", subHandler.Subscribe)
	r.Get("/subscriptions/confirm", subHandler.Confirm)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.store))

		r.Post("/newsletters", nlHandler.Publish)
		r.Get("/newsletters", nlHandler.List)
		r.Get("/newsletters/{id}", nlHandler.Get)

		r.Get("/stats", statsHandler.Stats)
	})

	return r
}

// Router exposes the assembled routes, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
