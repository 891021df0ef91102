package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crafter-station/cadence-sub000/internal/adapters/http/handlers"
	"github.com/crafter-station/cadence-sub000/internal/adapters/http/middleware"
	"github.com/crafter-station/cadence-sub000/internal/config"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

const serviceName = "cadence"

type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server
	campaigns  handlers.Campaigns
	progress   ports.ProgressSubscriber
	health     *handlers.HealthHandler
}

func NewServer(
	cfg *config.Config,
	campaigns handlers.Campaigns,
	progress ports.ProgressSubscriber,
	health *handlers.HealthHandler,
) *Server {
	if health == nil {
		health = handlers.NewHealthHandler("")
	}
	s := &Server{
		config:    cfg,
		campaigns: campaigns,
		progress:  progress,
		health:    health,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(otel.Middleware(serviceName))
	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(s.config.Server.CORSOrigins))
	r.Use(middleware.Metrics)

	r.Get("/health", s.health.Handle)
	r.Get("/health/detailed", s.health.HandleDetailed)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		evaluations := handlers.NewEvaluationsHandler(s.campaigns)
		events := handlers.NewEventsHandler(s.campaigns, s.progress, s.config.Server.CORSOrigins)

		r.Post("/evaluations", evaluations.Create)
		r.Get("/evaluations", evaluations.List)
		r.Route("/evaluations/{id}", func(r chi.Router) {
			r.Get("/", evaluations.Get)
			r.Get("/epochs", evaluations.Epochs)
			r.Get("/events", events.Stream)
			r.Post("/start", evaluations.Start)
			r.Post("/pause", evaluations.Pause)
			r.Post("/resume", evaluations.Resume)
			r.Post("/cancel", evaluations.Cancel)
			r.Post("/declare-winner", evaluations.DeclareWinner)
		})
	})

	s.router = r
}

// Start listens on the configured address until Stop is called
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Server.Host, fmt.Sprint(s.config.Server.Port))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for WebSocket streaming
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("http: starting server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	slog.Info("http: shutting down server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
