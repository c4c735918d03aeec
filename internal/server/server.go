// Package server exposes the engine over HTTP: strategy lifecycle,
// trade history, stats, risk status and health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/futures-engine/internal/engine"
)

// Server wraps the chi router and the http.Server lifecycle.
type Server struct {
	engine *engine.Engine
	router *chi.Mux
	http   *http.Server
}

// New builds the router with the standard middleware stack.
func New(eng *engine.Engine, addr string) *Server {
	s := &Server{
		engine: eng,
		router: chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(requestLogger)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.routes()

	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.health)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/strategies", func(r chi.Router) {
			r.Post("/", s.registerStrategy)
			r.Get("/", s.listStrategies)
			r.Route("/{strategyID}", func(r chi.Router) {
				r.Get("/", s.getStrategy)
				r.Delete("/", s.deleteStrategy)
				r.Post("/start", s.startStrategy)
				r.Post("/stop", s.stopStrategy)
				r.Post("/reset", s.resetRiskStop)
				r.Get("/trades", s.strategyTrades)
				r.Get("/stats", s.strategyStats)
			})
		})
		r.Get("/stats", s.overallStats)
		r.Get("/risk/status", s.riskStatus)
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", s.createAccount)
			r.Get("/", s.listAccounts)
			r.Delete("/{accountID}", s.deleteAccount)
		})
	})
}

// Start blocks serving HTTP until the listener closes.
func (s *Server) Start() error {
	log.Info().Str("addr", s.http.Addr).Msg("🌐 HTTP API listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("🌐 HTTP API shutting down")
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger writes one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
