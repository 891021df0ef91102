package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/crafter-station/cadence-sub000/internal/config"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var shutdownTelemetry func(context.Context) error

	rootCmd := &cobra.Command{
		Use:   "cadence",
		Short: "Cadence - voice agent prompt evaluation",
		Long: `Cadence runs synthetic voice calls against scripted customer personas,
scores the outcomes and iteratively rewrites the agent's system prompt.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			result, err := otel.Init(otel.Config{
				ServiceName:  "cadence",
				Environment:  cfg.Telemetry.Environment,
				OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
				StdoutTraces: cfg.Telemetry.StdoutTraces,
				Level:        cfg.LogLevel(),
			})
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			slog.SetDefault(result.Logger)
			shutdownTelemetry = result.Shutdown
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if shutdownTelemetry == nil {
				return nil
			}
			return shutdownTelemetry(context.WithoutCancel(cmd.Context()))
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		evaluationCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			judge := cfg.JudgeLLM()

			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("LLM (personas):")
			fmt.Printf("  URL:         %s\n", cfg.LLM.URL)
			fmt.Printf("  Model:       %s\n", cfg.LLM.Model)
			fmt.Printf("  Max Tokens:  %d\n", cfg.LLM.MaxTokens)
			fmt.Printf("  Temperature: %.2f\n", cfg.LLM.Temperature)
			fmt.Printf("  API Key:     %s\n", maskSecret(cfg.LLM.APIKey))
			fmt.Println()

			fmt.Println("Judge (analysis and optimization):")
			fmt.Printf("  Provider:  %s\n", judge.Provider)
			fmt.Printf("  Model:     %s\n", judge.Model)
			fmt.Printf("  API Key:   %s\n", maskSecret(judge.APIKey))
			fmt.Printf("  Optimizer: %s\n", cfg.Optimizer.Engine)
			fmt.Println()

			fmt.Println("LiveKit:")
			fmt.Printf("  URL:        %s\n", cfg.LiveKit.URL)
			fmt.Printf("  API Key:    %s\n", maskSecret(cfg.LiveKit.APIKey))
			fmt.Printf("  API Secret: %s\n", maskSecret(cfg.LiveKit.APISecret))
			fmt.Printf("  Status:     %s\n", boolStatus(cfg.IsLiveKitConfigured()))
			fmt.Println()

			fmt.Println("ASR (Speech Recognition):")
			fmt.Printf("  URL:     %s\n", cfg.ASR.URL)
			fmt.Printf("  Model:   %s\n", cfg.ASR.Model)
			fmt.Printf("  API Key: %s\n", maskSecret(cfg.ASR.APIKey))
			fmt.Println()

			fmt.Println("TTS (Text-to-Speech):")
			fmt.Printf("  URL:     %s\n", cfg.TTS.URL)
			fmt.Printf("  Model:   %s\n", cfg.TTS.Model)
			fmt.Printf("  Voice:   %s\n", cfg.TTS.Voice)
			fmt.Printf("  API Key: %s\n", maskSecret(cfg.TTS.APIKey))
			fmt.Println()

			fmt.Println("Database:")
			fmt.Printf("  PostgreSQL: %s\n", maskSecret(cfg.Database.PostgresURL))
			fmt.Println()

			fmt.Println("Campaign defaults:")
			fmt.Printf("  Concurrency:           %d\n", cfg.Campaign.Concurrency)
			fmt.Printf("  Improvement Threshold: %.1f\n", cfg.Campaign.ImprovementThreshold)
			fmt.Printf("  Quality Floor:         %.1f\n", cfg.Campaign.QualityFloor)
			fmt.Printf("  Conversion Floor:      %.1f\n", cfg.Campaign.ConversionFloor)
			fmt.Printf("  Schedules:             %d\n", len(cfg.Schedules))
			fmt.Println()

			fmt.Println("Notifications:")
			fmt.Printf("  Slack: %s\n", boolStatus(cfg.IsSlackConfigured()))
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  CADENCE_LLM_URL, CADENCE_LLM_API_KEY, CADENCE_LLM_MODEL")
			fmt.Println("  CADENCE_JUDGE_PROVIDER, CADENCE_JUDGE_API_KEY, CADENCE_JUDGE_MODEL")
			fmt.Println("  CADENCE_LIVEKIT_URL, CADENCE_LIVEKIT_API_KEY, CADENCE_LIVEKIT_API_SECRET")
			fmt.Println("  CADENCE_ASR_URL, CADENCE_ASR_API_KEY, CADENCE_TTS_URL, CADENCE_TTS_API_KEY")
			fmt.Println("  CADENCE_POSTGRES_URL, CADENCE_SLACK_TOKEN, CADENCE_SLACK_CHANNEL")

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Cadence %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
