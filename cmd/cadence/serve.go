package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/crafter-station/cadence-sub000/internal/adapters/http"
	"github.com/crafter-station/cadence-sub000/internal/adapters/http/handlers"
	"github.com/crafter-station/cadence-sub000/internal/application/services"
	"github.com/crafter-station/cadence-sub000/internal/config"
)

// serveCmd starts the HTTP API server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the Cadence HTTP API server and the campaign runner.

The server exposes REST endpoints to create and steer evaluations, a
websocket progress stream per evaluation and Prometheus metrics. Scheduled
campaigns from the "schedules" configuration are launched by cron.

Required configuration:
  - PostgreSQL database (CADENCE_POSTGRES_URL)
  - LLM endpoint (CADENCE_LLM_URL, CADENCE_LLM_API_KEY)

Required to run campaigns:
  - LiveKit (CADENCE_LIVEKIT_URL, CADENCE_LIVEKIT_API_KEY, CADENCE_LIVEKIT_API_SECRET)
  - ASR/TTS (CADENCE_ASR_URL, CADENCE_TTS_URL)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer initializes and starts the HTTP API server
func runServer(ctx context.Context) error {
	slog.Info("cadence: starting server",
		"http", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"llm", cfg.LLM.URL,
		"livekit", cfg.LiveKit.URL,
	)

	pool, err := initDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	slog.Info("cadence: database connection established")

	a, err := buildApp(pool)
	if err != nil {
		return err
	}

	if a.voice {
		n, err := a.campaigns.Recover(ctx)
		if err != nil {
			slog.Error("cadence: failed to recover running evaluations", "error", err)
		} else if n > 0 {
			slog.Info("cadence: recovered running evaluations", "count", n)
		}
	}

	cron := services.NewCronCampaigns(a.campaigns, config.TemplateLoader(cfg.Campaign), cfg.Schedules)
	if cron.Entries() > 0 {
		cron.Start()
		defer cron.Stop()
		slog.Info("cadence: scheduled campaigns enabled", "entries", cron.Entries())
	}

	health := handlers.NewHealthHandler(version).
		WithCheck("database", pool.Ping)
	server := http.NewServer(cfg, a.campaigns, a.progress, health)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	select {
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("cadence: shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	// running campaigns are cancelled and picked up by Recover on next start
	if err := a.scheduler.Shutdown(shutdownCtx); err != nil {
		slog.Warn("cadence: campaigns did not stop in time", "error", err)
	}
	slog.Info("cadence: server stopped")
	return nil
}
