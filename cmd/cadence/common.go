package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crafter-station/cadence-sub000/internal/adapters/blob"
	"github.com/crafter-station/cadence-sub000/internal/adapters/clock"
	"github.com/crafter-station/cadence-sub000/internal/adapters/id"
	"github.com/crafter-station/cadence-sub000/internal/adapters/livekit"
	"github.com/crafter-station/cadence-sub000/internal/adapters/llm"
	"github.com/crafter-station/cadence-sub000/internal/adapters/notify"
	"github.com/crafter-station/cadence-sub000/internal/adapters/postgres"
	"github.com/crafter-station/cadence-sub000/internal/adapters/scheduler"
	"github.com/crafter-station/cadence-sub000/internal/adapters/speech"
	"github.com/crafter-station/cadence-sub000/internal/application/services"
	"github.com/crafter-station/cadence-sub000/internal/application/session"
	"github.com/crafter-station/cadence-sub000/internal/config"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfg *config.Config

// initDB opens the connection pool and makes sure the schema exists
func initDB(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Database.PostgresURL == "" {
		return nil, fmt.Errorf("PostgreSQL connection required. Set CADENCE_POSTGRES_URL")
	}

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		URL:      cfg.Database.PostgresURL,
		MaxConns: int32(cfg.Database.MaxConns),
		Timezone: "UTC",
	})
	if err != nil {
		return nil, err
	}

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}
	return pool, nil
}

// app holds the wired campaign stack
type app struct {
	pool      *pgxpool.Pool
	scheduler *scheduler.Local
	progress  *services.ProgressBroker
	campaigns *services.CampaignService
	// voice reports whether sessions can run, i.e. LiveKit is configured
	voice bool
}

// buildApp wires repositories, providers and services. Without LiveKit the
// read side still works but campaigns cannot run sessions.
func buildApp(pool *pgxpool.Pool) (*app, error) {
	evaluations := postgres.NewEvaluationRepository(pool)
	epochs := postgres.NewEpochRepository(pool)
	runs := postgres.NewTestRunRepository(pool)
	sessions := postgres.NewTestSessionRepository(pool)
	prompts := postgres.NewPromptVersionRepository(pool)
	personas := postgres.NewPersonaRepository(pool)

	ids := id.New()
	progress := services.NewProgressBroker(256)
	sched := scheduler.New(cfg.Campaign.SchedulerLimit)

	personaLLM := newPersonaLLM()
	judge, err := newJudge()
	if err != nil {
		return nil, err
	}

	a := &app{
		pool:      pool,
		scheduler: sched,
		progress:  progress,
		campaigns: services.NewCampaignService(evaluations, epochs, prompts, personas, sched, ids, progress),
	}

	if cfg.IsLiveKitConfigured() {
		engine, err := newSessionEngine(sessions, personas, prompts, personaLLM, progress)
		if err != nil {
			return nil, err
		}
		sched.Register(ports.VoiceSessionTask, engine.Task())
		a.voice = true
	} else {
		slog.Warn("cadence: LiveKit not configured, campaigns cannot run voice sessions")
	}

	executor := services.NewExecutor(services.ExecutorDeps{
		Epochs:      epochs,
		Runs:        runs,
		Sessions:    sessions,
		Prompts:     prompts,
		Personas:    personas,
		Metrics:     postgres.NewMetricsRecordRepository(pool),
		Suggestions: postgres.NewHealingSuggestionRepository(pool),
		Snapshots:   postgres.NewSnapshotRepository(pool),
		Tx:          postgres.NewTransactionManager(pool),
		IDs:         ids,
		Dispatcher:  services.NewDispatcher(sched, runs, sessions, progress),
		Analyzer: services.NewAnalyzer(judge, ids, services.AnalyzerConfig{
			QualityFloor:         cfg.Campaign.QualityFloor,
			ConversionFloor:      cfg.Campaign.ConversionFloor,
			TranscriptSampleSize: cfg.Campaign.TranscriptSampleSize,
			MaxTranscriptChars:   cfg.Campaign.MaxTranscriptChars,
			JudgeConcurrency:     cfg.Campaign.JudgeConcurrency,
		}),
		Optimizer: services.NewOptimizer(judge, services.OptimizerEngine(cfg.Optimizer.Engine)),
		Progress:  progress,
	}, services.ExecutorConfig{
		TranscriptSampleSize: cfg.Campaign.TranscriptSampleSize,
		MaxTranscriptChars:   cfg.Campaign.MaxTranscriptChars,
		JudgeModel:           judge.Model(),
	})

	controller := services.NewController(evaluations, epochs, executor, ids, newNotifier(), progress)
	sched.Register(ports.CampaignTask, controller.Task())

	return a, nil
}

func newPersonaLLM() ports.LLMProvider {
	guard := llm.DefaultGuardConfig()
	guard.RequestsPerSecond = cfg.LLM.RequestsPerSecond
	return llm.NewGuarded(llm.NewOpenAIProvider(llm.Config{
		BaseURL:     cfg.LLM.URL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: float32(cfg.LLM.Temperature),
	}), "persona", guard)
}

// newJudge builds the provider used for conversion scoring, healing
// suggestions and prompt revision
func newJudge() (ports.LLMProvider, error) {
	j := cfg.JudgeLLM()
	llmCfg := llm.Config{
		BaseURL:   j.URL,
		APIKey:    j.APIKey,
		Model:     j.Model,
		MaxTokens: j.MaxTokens,
	}

	var inner ports.LLMProvider
	switch j.Provider {
	case "openai":
		inner = llm.NewOpenAIProvider(llmCfg)
	case "anthropic":
		inner = llm.NewAnthropicProvider(llmCfg)
	default:
		return nil, fmt.Errorf("unknown judge provider %q", j.Provider)
	}
	return llm.NewGuarded(inner, "judge", llm.DefaultGuardConfig()), nil
}

func newSessionEngine(
	sessions ports.TestSessionRepository,
	personas ports.PersonaRepository,
	prompts ports.PromptVersionRepository,
	personaLLM ports.LLMProvider,
	progress ports.ProgressPublisher,
) (*session.Engine, error) {
	rooms, err := livekit.NewService(&livekit.ServiceConfig{
		URL:                   cfg.LiveKit.URL,
		APIKey:                cfg.LiveKit.APIKey,
		APISecret:             cfg.LiveKit.APISecret,
		TokenValidityDuration: cfg.LiveKit.TokenValidity.Std(),
		EmptyTimeout:          cfg.LiveKit.EmptyTimeout.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LiveKit service: %w", err)
	}

	deps := session.Deps{
		Sessions:   sessions,
		Personas:   personas,
		Prompts:    prompts,
		Rooms:      rooms,
		Transports: livekit.NewTransportFactory(livekit.DefaultTransportConfig()),
		STT: speech.NewASRAdapter(speech.ASRConfig{
			URL:      cfg.ASR.URL,
			APIKey:   cfg.ASR.APIKey,
			Model:    cfg.ASR.Model,
			Language: cfg.ASR.Language,
		}),
		TTS: speech.NewTTSAdapter(speech.TTSConfig{
			URL:          cfg.TTS.URL,
			APIKey:       cfg.TTS.APIKey,
			Model:        cfg.TTS.Model,
			DefaultVoice: cfg.TTS.Voice,
			Speed:        float32(cfg.TTS.Speed),
			SampleRate:   cfg.TTS.SampleRate,
		}),
		LLM:      personaLLM,
		Progress: progress,
		Clock:    clock.System{},
	}

	if cfg.Blob.Root != "" {
		store, err := blob.NewFileStore(cfg.Blob.Root, cfg.Blob.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open recording store: %w", err)
		}
		deps.Blobs = store
	}

	return session.NewEngine(session.Config{
		SilenceGrace:  cfg.Session.SilenceGrace.Std(),
		MinAudio:      cfg.Session.MinAudio.Std(),
		PreRoll:       cfg.Session.PreRoll.Std(),
		MaxTurns:      cfg.Session.MaxTurns,
		MaxDuration:   cfg.Session.MaxDuration.Std(),
		TimeoutGrace:  cfg.Session.TimeoutGrace.Std(),
		PersistEvery:  cfg.Session.PersistEvery,
		FrameDuration: cfg.Session.FrameDuration.Std(),
	}, deps)
}

func newNotifier() ports.Notifier {
	if !cfg.IsSlackConfigured() {
		return notify.Noop{}
	}
	n, err := notify.NewSlackNotifier(cfg.Notify.SlackToken, cfg.Notify.SlackChannel)
	if err != nil {
		slog.Warn("cadence: Slack notifications disabled", "error", err)
		return notify.Noop{}
	}
	return n
}

// maskSecret masks a secret string for display
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "(set)"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// boolStatus returns a status string for a boolean
func boolStatus(b bool) string {
	if b {
		return "configured"
	}
	return "not configured"
}
