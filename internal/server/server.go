// Package server exposes the card lifecycle over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CardSentinel/internal/lifecycle"
	"CardSentinel/internal/model"
	"CardSentinel/internal/queue"
	"CardSentinel/internal/recorder"
	"CardSentinel/internal/tracker"
	"CardSentinel/internal/verification"
)

// Lifecycle is the card controller as seen by the API.
type Lifecycle interface {
	Snapshot() []lifecycle.Entry
	Entry(cardID string) (lifecycle.Entry, bool)
	Queue() *queue.Queue
	RequestSell(ctx context.Context, cardID string) (*tracker.Run, error)
	RequestDelete(ctx context.Context, cardID string) (*tracker.Run, error)
	CancelAction(ctx context.Context, cardID string, kind model.ActionKind) error
	PnLSummary() (realized, unrealized decimal.Decimal)
}

// Actions lists running sell/delete actions.
type Actions interface {
	Active() []tracker.Progress
}

// Sweeper runs a verification sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (verification.Report, error)
}

// Config holds server dependencies.
type Config struct {
	Addr      string
	Log       zerolog.Logger
	Lifecycle Lifecycle
	Actions   Actions
	Verifier  Sweeper
	Recorder  recorder.Recorder
}

// Server represents the HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	ctrl     Lifecycle
	actions  Actions
	verifier Sweeper
	rec      recorder.Recorder
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	rec := cfg.Recorder
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		ctrl:     cfg.Lifecycle,
		actions:  cfg.Actions,
		verifier: cfg.Verifier,
		rec:      rec,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/cards", func(r chi.Router) {
			r.Get("/", s.handleListCards)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCard)
				r.Post("/sell", s.handleStartAction(model.KindSell))
				r.Post("/delete", s.handleStartAction(model.KindDelete))
				r.Post("/{action}/cancel", s.handleCancelAction)
			})
		})
		r.Get("/actions", s.handleActions)
		r.Get("/queue", s.handleQueue)
		r.Post("/verify", s.handleVerify)
		r.Get("/stats", s.handleStats)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
