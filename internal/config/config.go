package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/crafter-station/cadence-sub000/internal/application/services"
)

// Config holds all configuration for Cadence
type Config struct {
	LLM       LLMConfig           `json:"llm"`
	Judge     JudgeConfig         `json:"judge"`
	Optimizer OptimizerConfig     `json:"optimizer"`
	LiveKit   LiveKitConfig       `json:"livekit"`
	ASR       ASRConfig           `json:"asr"`
	TTS       TTSConfig           `json:"tts"`
	Database  DatabaseConfig      `json:"database"`
	Server    ServerConfig        `json:"server"`
	Session   SessionConfig       `json:"session"`
	Campaign  CampaignConfig      `json:"campaign"`
	Blob      BlobConfig          `json:"blob"`
	Notify    NotifyConfig        `json:"notify"`
	Schedules []services.Schedule `json:"schedules"`
	Telemetry TelemetryConfig     `json:"telemetry"`
}

// LLMConfig configures the OpenAI-compatible model that plays the personas
type LLMConfig struct {
	URL         string  `json:"url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	// RequestsPerSecond of zero disables rate limiting
	RequestsPerSecond float64 `json:"requests_per_second"`
}

// JudgeConfig configures the model used by the analyzer and optimizer.
// Empty fields fall back to the LLM section.
type JudgeConfig struct {
	Provider  string `json:"provider"` // "openai" or "anthropic"
	URL       string `json:"url"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

type OptimizerConfig struct {
	Engine string `json:"engine"` // "structured" or "dspy"
}

// LiveKitConfig holds LiveKit server configuration
type LiveKitConfig struct {
	URL           string   `json:"url"`
	APIKey        string   `json:"api_key"`
	APISecret     string   `json:"api_secret"`
	TokenValidity Duration `json:"token_validity"`
	EmptyTimeout  Duration `json:"empty_timeout"`
}

// ASRConfig holds speech recognition configuration (OpenAI-compatible transcription endpoint)
type ASRConfig struct {
	URL      string `json:"url"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

// TTSConfig holds speech synthesis configuration
type TTSConfig struct {
	URL        string  `json:"url"`
	APIKey     string  `json:"api_key"`
	Model      string  `json:"model"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	SampleRate int     `json:"sample_rate"`
}

type DatabaseConfig struct {
	PostgresURL string `json:"postgres_url"`
	MaxConns    int    `json:"max_conns"`
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
}

// SessionConfig controls turn taking and stop conditions of voice sessions
type SessionConfig struct {
	SilenceGrace  Duration `json:"silence_grace"`
	MinAudio      Duration `json:"min_audio"`
	PreRoll       Duration `json:"pre_roll"`
	MaxTurns      int      `json:"max_turns"`
	MaxDuration   Duration `json:"max_duration"`
	TimeoutGrace  Duration `json:"timeout_grace"`
	PersistEvery  int      `json:"persist_every"`
	FrameDuration Duration `json:"frame_duration"`
}

// CampaignConfig holds defaults applied to new evaluations and analysis thresholds
type CampaignConfig struct {
	Concurrency          int     `json:"concurrency"`
	ImprovementThreshold float64 `json:"improvement_threshold"`
	QualityFloor         float64 `json:"quality_floor"`
	ConversionFloor      float64 `json:"conversion_floor"`
	TranscriptSampleSize int     `json:"transcript_sample_size"`
	MaxTranscriptChars   int     `json:"max_transcript_chars"`
	JudgeConcurrency     int     `json:"judge_concurrency"`
	// SchedulerLimit bounds concurrently running tasks across campaigns
	SchedulerLimit int `json:"scheduler_limit"`
}

// BlobConfig configures recording archival. An empty Root disables it.
type BlobConfig struct {
	Root          string `json:"root"`
	PublicBaseURL string `json:"public_base_url"`
}

type NotifyConfig struct {
	SlackToken   string `json:"slack_token"`
	SlackChannel string `json:"slack_channel"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint"`
	Environment  string `json:"environment"`
	StdoutTraces bool   `json:"stdout_traces"`
	LogLevel     string `json:"log_level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		LLM: LLMConfig{
			URL:               "https://api.openai.com/v1",
			Model:             "gpt-4o-mini",
			MaxTokens:         1024,
			Temperature:       0.8,
			RequestsPerSecond: 10,
		},
		Judge: JudgeConfig{
			Provider:  "openai",
			MaxTokens: 4096,
		},
		Optimizer: OptimizerConfig{
			Engine: string(services.OptimizerEngineStructured),
		},
		LiveKit: LiveKitConfig{
			TokenValidity: Duration(30 * time.Minute),
			EmptyTimeout:  Duration(2 * time.Minute),
		},
		ASR: ASRConfig{
			URL:   "https://api.openai.com/v1",
			Model: "whisper-1",
		},
		TTS: TTSConfig{
			URL:        "https://api.openai.com/v1",
			Model:      "tts-1",
			Voice:      "alloy",
			Speed:      1.0,
			SampleRate: 24000,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Session: SessionConfig{
			SilenceGrace:  Duration(4500 * time.Millisecond),
			MinAudio:      Duration(500 * time.Millisecond),
			PreRoll:       Duration(300 * time.Millisecond),
			MaxTurns:      20,
			MaxDuration:   Duration(5 * time.Minute),
			TimeoutGrace:  Duration(60 * time.Second),
			PersistEvery:  4,
			FrameDuration: Duration(20 * time.Millisecond),
		},
		Campaign: CampaignConfig{
			Concurrency:          5,
			ImprovementThreshold: 2,
			QualityFloor:         85,
			ConversionFloor:      50,
			TranscriptSampleSize: 5,
			MaxTranscriptChars:   6000,
			JudgeConcurrency:     4,
			SchedulerLimit:       20,
		},
		Blob: BlobConfig{
			Root: filepath.Join(homeDir, ".cadence", "recordings"),
		},
		Schedules: []services.Schedule{},
		Telemetry: TelemetryConfig{
			Environment: "development",
			LogLevel:    "info",
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envBool loads a boolean environment variable into the target pointer if set and valid
func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envDuration loads a Go duration string ("4.5s", "5m") into the target pointer if set and valid
func envDuration(key string, target *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = Duration(d)
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from the config file and environment variables
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			slog.Warn("config: failed to parse config file", "path", configPath, "error", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("CADENCE_LLM_URL", &c.LLM.URL)
	envString("CADENCE_LLM_API_KEY", &c.LLM.APIKey)
	envString("CADENCE_LLM_MODEL", &c.LLM.Model)
	envInt("CADENCE_LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	envFloat("CADENCE_LLM_TEMPERATURE", &c.LLM.Temperature)
	envFloat("CADENCE_LLM_REQUESTS_PER_SECOND", &c.LLM.RequestsPerSecond)

	envString("CADENCE_JUDGE_PROVIDER", &c.Judge.Provider)
	envString("CADENCE_JUDGE_URL", &c.Judge.URL)
	envString("CADENCE_JUDGE_API_KEY", &c.Judge.APIKey)
	envString("CADENCE_JUDGE_MODEL", &c.Judge.Model)
	envInt("CADENCE_JUDGE_MAX_TOKENS", &c.Judge.MaxTokens)

	envString("CADENCE_OPTIMIZER_ENGINE", &c.Optimizer.Engine)

	envString("CADENCE_LIVEKIT_URL", &c.LiveKit.URL)
	envString("CADENCE_LIVEKIT_API_KEY", &c.LiveKit.APIKey)
	envString("CADENCE_LIVEKIT_API_SECRET", &c.LiveKit.APISecret)
	envDuration("CADENCE_LIVEKIT_TOKEN_VALIDITY", &c.LiveKit.TokenValidity)
	envDuration("CADENCE_LIVEKIT_EMPTY_TIMEOUT", &c.LiveKit.EmptyTimeout)

	envString("CADENCE_ASR_URL", &c.ASR.URL)
	envString("CADENCE_ASR_API_KEY", &c.ASR.APIKey)
	envString("CADENCE_ASR_MODEL", &c.ASR.Model)
	envString("CADENCE_ASR_LANGUAGE", &c.ASR.Language)

	envString("CADENCE_TTS_URL", &c.TTS.URL)
	envString("CADENCE_TTS_API_KEY", &c.TTS.APIKey)
	envString("CADENCE_TTS_MODEL", &c.TTS.Model)
	envString("CADENCE_TTS_VOICE", &c.TTS.Voice)
	envFloat("CADENCE_TTS_SPEED", &c.TTS.Speed)
	envInt("CADENCE_TTS_SAMPLE_RATE", &c.TTS.SampleRate)

	envString("CADENCE_POSTGRES_URL", &c.Database.PostgresURL)
	envInt("CADENCE_POSTGRES_MAX_CONNS", &c.Database.MaxConns)

	envString("CADENCE_SERVER_HOST", &c.Server.Host)
	envInt("CADENCE_SERVER_PORT", &c.Server.Port)
	envStringSlice("CADENCE_CORS_ORIGINS", &c.Server.CORSOrigins)

	envDuration("CADENCE_SESSION_SILENCE_GRACE", &c.Session.SilenceGrace)
	envDuration("CADENCE_SESSION_MIN_AUDIO", &c.Session.MinAudio)
	envDuration("CADENCE_SESSION_PRE_ROLL", &c.Session.PreRoll)
	envInt("CADENCE_SESSION_MAX_TURNS", &c.Session.MaxTurns)
	envDuration("CADENCE_SESSION_MAX_DURATION", &c.Session.MaxDuration)
	envDuration("CADENCE_SESSION_TIMEOUT_GRACE", &c.Session.TimeoutGrace)
	envInt("CADENCE_SESSION_PERSIST_EVERY", &c.Session.PersistEvery)

	envInt("CADENCE_CAMPAIGN_CONCURRENCY", &c.Campaign.Concurrency)
	envFloat("CADENCE_CAMPAIGN_IMPROVEMENT_THRESHOLD", &c.Campaign.ImprovementThreshold)
	envFloat("CADENCE_CAMPAIGN_QUALITY_FLOOR", &c.Campaign.QualityFloor)
	envFloat("CADENCE_CAMPAIGN_CONVERSION_FLOOR", &c.Campaign.ConversionFloor)
	envInt("CADENCE_CAMPAIGN_TRANSCRIPT_SAMPLE_SIZE", &c.Campaign.TranscriptSampleSize)
	envInt("CADENCE_CAMPAIGN_JUDGE_CONCURRENCY", &c.Campaign.JudgeConcurrency)
	envInt("CADENCE_SCHEDULER_LIMIT", &c.Campaign.SchedulerLimit)

	envString("CADENCE_BLOB_ROOT", &c.Blob.Root)
	envString("CADENCE_BLOB_PUBLIC_URL", &c.Blob.PublicBaseURL)

	envString("CADENCE_SLACK_TOKEN", &c.Notify.SlackToken)
	envString("CADENCE_SLACK_CHANNEL", &c.Notify.SlackChannel)

	envString("CADENCE_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	envString("CADENCE_ENVIRONMENT", &c.Telemetry.Environment)
	envBool("CADENCE_TRACE_STDOUT", &c.Telemetry.StdoutTraces)
	envString("CADENCE_LOG_LEVEL", &c.Telemetry.LogLevel)

	// schedules are primarily configured in the file, but can be augmented via env
	if raw := os.Getenv("CADENCE_SCHEDULES"); raw != "" {
		var extra []services.Schedule
		if err := json.Unmarshal([]byte(raw), &extra); err == nil {
			c.Schedules = append(c.Schedules, extra...)
		}
	}
}

// IsLiveKitConfigured returns true if LiveKit is properly configured
func (c *Config) IsLiveKitConfigured() bool {
	return c.LiveKit.URL != "" && c.LiveKit.APIKey != "" && c.LiveKit.APISecret != ""
}

// IsSlackConfigured returns true if campaign notifications can be sent
func (c *Config) IsSlackConfigured() bool {
	return c.Notify.SlackToken != "" && c.Notify.SlackChannel != ""
}

// JudgeLLM returns the judge settings with empty fields taken from the LLM section
func (c *Config) JudgeLLM() JudgeConfig {
	j := c.Judge
	if j.Provider == "" {
		j.Provider = "openai"
	}
	if j.Model == "" {
		j.Model = c.LLM.Model
	}
	if j.Provider == "openai" {
		if j.URL == "" {
			j.URL = c.LLM.URL
		}
		if j.APIKey == "" {
			j.APIKey = c.LLM.APIKey
		}
	}
	if j.MaxTokens == 0 {
		j.MaxTokens = c.LLM.MaxTokens
	}
	return j
}

// LogLevel parses Telemetry.LogLevel, defaulting to info
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Telemetry.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks that the configuration has valid values
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "LLM temperature must be between 0 and 2")
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, "LLM max_tokens must be positive")
	}
	if c.LLM.URL == "" {
		errs = append(errs, "LLM URL is required")
	} else if !isValidURL(c.LLM.URL) {
		errs = append(errs, "LLM URL must be a valid URL")
	}
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, "LLM requests_per_second must not be negative")
	}

	switch c.Judge.Provider {
	case "", "openai", "anthropic":
	default:
		errs = append(errs, "judge provider must be 'openai' or 'anthropic'")
	}
	if c.Judge.URL != "" && !isValidURL(c.Judge.URL) {
		errs = append(errs, "judge URL must be a valid URL")
	}

	switch services.OptimizerEngine(c.Optimizer.Engine) {
	case "", services.OptimizerEngineStructured, services.OptimizerEngineDSPy:
	default:
		errs = append(errs, "optimizer engine must be 'structured' or 'dspy'")
	}

	if c.Database.PostgresURL != "" && !isValidURL(c.Database.PostgresURL) {
		errs = append(errs, "PostgreSQL URL must be a valid URL")
	}
	if c.Database.MaxConns < 0 {
		errs = append(errs, "database max_conns must not be negative")
	}

	if c.LiveKit.URL != "" {
		if !isValidURL(c.LiveKit.URL) {
			errs = append(errs, "LiveKit URL must be a valid URL")
		}
		if c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "" {
			errs = append(errs, "LiveKit API key and secret are required when URL is set")
		}
	}

	if c.ASR.URL != "" && !isValidURL(c.ASR.URL) {
		errs = append(errs, "ASR URL must be a valid URL")
	}
	if c.TTS.URL != "" && !isValidURL(c.TTS.URL) {
		errs = append(errs, "TTS URL must be a valid URL")
	}
	if c.TTS.SampleRate < 0 {
		errs = append(errs, "TTS sample rate must not be negative")
	}

	if c.Session.MaxTurns < 1 {
		errs = append(errs, "session max_turns must be at least 1")
	}
	if c.Session.MaxDuration <= 0 {
		errs = append(errs, "session max_duration must be positive")
	}
	if c.Session.SilenceGrace <= 0 {
		errs = append(errs, "session silence_grace must be positive")
	}

	if c.Campaign.Concurrency < 1 {
		errs = append(errs, "campaign concurrency must be at least 1")
	}
	if c.Campaign.ImprovementThreshold < 0 {
		errs = append(errs, "campaign improvement_threshold must not be negative")
	}
	if c.Campaign.QualityFloor < 0 || c.Campaign.QualityFloor > 100 {
		errs = append(errs, "campaign quality_floor must be between 0 and 100")
	}
	if c.Campaign.ConversionFloor < 0 || c.Campaign.ConversionFloor > 100 {
		errs = append(errs, "campaign conversion_floor must be between 0 and 100")
	}

	if c.Blob.PublicBaseURL != "" && !isValidURL(c.Blob.PublicBaseURL) {
		errs = append(errs, "blob public_base_url must be a valid URL")
	}
	if (c.Notify.SlackToken == "") != (c.Notify.SlackChannel == "") {
		errs = append(errs, "slack token and channel must be set together")
	}

	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Cron) == "" {
			errs = append(errs, fmt.Sprintf("schedule %d: cron is required", i))
		}
		if s.Template == "" {
			errs = append(errs, fmt.Sprintf("schedule %d: template is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// getConfigPath returns the path to the config file
func getConfigPath() string {
	if path := os.Getenv("CADENCE_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}

	// Check ~/.config/cadence/config.json first
	configPath := filepath.Join(homeDir, ".config", "cadence", "config.json")
	if _, err := os.Stat(configPath); err == nil {
		return configPath
	}

	// Check ~/.cadence/config.json
	altPath := filepath.Join(homeDir, ".cadence", "config.json")
	if _, err := os.Stat(altPath); err == nil {
		return altPath
	}

	return configPath
}
