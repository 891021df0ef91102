package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crafter-station/cadence-sub000/internal/application/services"
	"github.com/crafter-station/cadence-sub000/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	// Session defaults
	if cfg.Session.SilenceGrace.Std() != 4500*time.Millisecond {
		t.Errorf("expected silence grace 4.5s, got %s", cfg.Session.SilenceGrace)
	}
	if cfg.Session.MinAudio.Std() != 500*time.Millisecond {
		t.Errorf("expected min audio 0.5s, got %s", cfg.Session.MinAudio)
	}
	if cfg.Session.PreRoll.Std() != 300*time.Millisecond {
		t.Errorf("expected pre-roll 0.3s, got %s", cfg.Session.PreRoll)
	}
	if cfg.Session.MaxTurns != 20 {
		t.Errorf("expected 20 max turns, got %d", cfg.Session.MaxTurns)
	}
	if cfg.Session.MaxDuration.Std() != 5*time.Minute {
		t.Errorf("expected max duration 5m, got %s", cfg.Session.MaxDuration)
	}
	if cfg.Session.PersistEvery != 4 {
		t.Errorf("expected persist every 4, got %d", cfg.Session.PersistEvery)
	}

	// Campaign defaults
	if cfg.Campaign.Concurrency != 5 {
		t.Errorf("expected concurrency 5, got %d", cfg.Campaign.Concurrency)
	}
	if cfg.Campaign.ImprovementThreshold != 2 {
		t.Errorf("expected threshold 2, got %v", cfg.Campaign.ImprovementThreshold)
	}
	if cfg.Campaign.QualityFloor != 85 || cfg.Campaign.ConversionFloor != 50 {
		t.Errorf("unexpected floors: %v / %v", cfg.Campaign.QualityFloor, cfg.Campaign.ConversionFloor)
	}

	if cfg.Schedules == nil {
		t.Error("Schedules should be initialized")
	}
	if cfg.Optimizer.Engine != string(services.OptimizerEngineStructured) {
		t.Errorf("expected structured optimizer, got %s", cfg.Optimizer.Engine)
	}
}

func TestEnvString(t *testing.T) {
	target := "original"

	t.Run("sets value when env var exists", func(t *testing.T) {
		t.Setenv("TEST_VAR", "new_value")
		envString("TEST_VAR", &target)
		if target != "new_value" {
			t.Errorf("expected 'new_value', got '%s'", target)
		}
	})

	t.Run("does not change value when env var is empty", func(t *testing.T) {
		t.Setenv("TEST_VAR", "")
		target = "original"
		envString("TEST_VAR", &target)
		if target != "original" {
			t.Errorf("expected 'original', got '%s'", target)
		}
	})
}

func TestEnvInt(t *testing.T) {
	target := 42

	t.Run("sets value when env var is valid int", func(t *testing.T) {
		t.Setenv("TEST_INT", "100")
		envInt("TEST_INT", &target)
		if target != 100 {
			t.Errorf("expected 100, got %d", target)
		}
	})

	t.Run("does not change value when env var is invalid", func(t *testing.T) {
		t.Setenv("TEST_INT", "not_a_number")
		target = 42
		envInt("TEST_INT", &target)
		if target != 42 {
			t.Errorf("expected 42, got %d", target)
		}
	})
}

func TestEnvFloat(t *testing.T) {
	target := 0.5

	t.Setenv("TEST_FLOAT", "0.8")
	envFloat("TEST_FLOAT", &target)
	if target != 0.8 {
		t.Errorf("expected 0.8, got %f", target)
	}

	t.Setenv("TEST_FLOAT", "not_a_float")
	envFloat("TEST_FLOAT", &target)
	if target != 0.8 {
		t.Errorf("expected 0.8 to be kept, got %f", target)
	}
}

func TestEnvDuration(t *testing.T) {
	target := Duration(time.Second)

	t.Run("parses go durations", func(t *testing.T) {
		t.Setenv("TEST_DURATION", "4.5s")
		envDuration("TEST_DURATION", &target)
		if target.Std() != 4500*time.Millisecond {
			t.Errorf("expected 4.5s, got %s", target)
		}
	})

	t.Run("keeps value on invalid input", func(t *testing.T) {
		t.Setenv("TEST_DURATION", "soon")
		target = Duration(time.Second)
		envDuration("TEST_DURATION", &target)
		if target.Std() != time.Second {
			t.Errorf("expected 1s, got %s", target)
		}
	})
}

func TestEnvBool(t *testing.T) {
	var target bool
	t.Setenv("TEST_BOOL", "true")
	envBool("TEST_BOOL", &target)
	if !target {
		t.Error("expected true")
	}
}

func TestEnvStringSlice(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected []string
	}{
		{"simple", "a,b,c", []string{"a", "b", "c"}},
		{"trims spaces", " a , b , c ", []string{"a", "b", "c"}},
		{"skips empty parts", "a,,b,  ,c", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var target []string
			t.Setenv("TEST_SLICE", tt.value)
			envStringSlice("TEST_SLICE", &target)
			if strings.Join(target, "|") != strings.Join(tt.expected, "|") {
				t.Errorf("expected %v, got %v", tt.expected, target)
			}
		})
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"4.5s"`, 4500 * time.Millisecond, false},
		{`"5m"`, 5 * time.Minute, false},
		{`60`, time.Minute, false},
		{`0.5`, 500 * time.Millisecond, false},
		{`"later"`, 0, true},
		{`true`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && d.Std() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, d)
			}
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"llm": {"model": "gpt-4o"},
		"session": {"silence_grace": "3s", "max_turns": 12},
		"schedules": [{"cron": "0 3 * * *", "template": "nightly.yaml"}]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CADENCE_CONFIG", path)
	t.Setenv("CADENCE_SESSION_MAX_TURNS", "8")
	t.Setenv("CADENCE_JUDGE_PROVIDER", "anthropic")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("expected model from file, got %s", cfg.LLM.Model)
	}
	if cfg.Session.SilenceGrace.Std() != 3*time.Second {
		t.Errorf("expected silence grace from file, got %s", cfg.Session.SilenceGrace)
	}
	if cfg.Session.MaxTurns != 8 {
		t.Errorf("env should override file, got %d", cfg.Session.MaxTurns)
	}
	if cfg.Judge.Provider != "anthropic" {
		t.Errorf("expected anthropic judge, got %s", cfg.Judge.Provider)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Template != "nightly.yaml" {
		t.Errorf("unexpected schedules: %+v", cfg.Schedules)
	}
	if cfg.Session.MinAudio.Std() != 500*time.Millisecond {
		t.Errorf("unset fields keep defaults, got %s", cfg.Session.MinAudio)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(*Config)
		errMsg    string
	}{
		{"server port", func(c *Config) { c.Server.Port = 0 }, "server port"},
		{"temperature", func(c *Config) { c.LLM.Temperature = 2.5 }, "temperature"},
		{"max tokens", func(c *Config) { c.LLM.MaxTokens = 0 }, "max_tokens"},
		{"llm url", func(c *Config) { c.LLM.URL = "not-a-url" }, "LLM URL"},
		{"judge provider", func(c *Config) { c.Judge.Provider = "cohere" }, "judge provider"},
		{"optimizer engine", func(c *Config) { c.Optimizer.Engine = "genetic" }, "optimizer engine"},
		{"postgres url", func(c *Config) { c.Database.PostgresURL = "localhost" }, "PostgreSQL URL"},
		{"livekit credentials", func(c *Config) { c.LiveKit.URL = "wss://lk.example.com" }, "LiveKit API key"},
		{"asr url", func(c *Config) { c.ASR.URL = "invalid-url" }, "ASR URL"},
		{"tts url", func(c *Config) { c.TTS.URL = "invalid-url" }, "TTS URL"},
		{"max turns", func(c *Config) { c.Session.MaxTurns = 0 }, "max_turns"},
		{"concurrency", func(c *Config) { c.Campaign.Concurrency = 0 }, "concurrency"},
		{"quality floor", func(c *Config) { c.Campaign.QualityFloor = 120 }, "quality_floor"},
		{"slack pair", func(c *Config) { c.Notify.SlackToken = "xoxb-1" }, "slack token and channel"},
		{"schedule cron", func(c *Config) {
			c.Schedules = []services.Schedule{{Template: "nightly.yaml"}}
		}, "cron is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.setupFunc(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error should contain '%s', got: %v", tt.errMsg, err)
			}
		})
	}

	t.Run("aggregates every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.Port = 0
		cfg.Campaign.Concurrency = 0
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "server port") || !strings.Contains(err.Error(), "concurrency") {
			t.Errorf("expected both problems, got: %v", err)
		}
	})
}

func TestJudgeLLM(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-llm"

	j := cfg.JudgeLLM()
	if j.Model != cfg.LLM.Model || j.URL != cfg.LLM.URL || j.APIKey != "sk-llm" {
		t.Errorf("openai judge should inherit LLM settings, got %+v", j)
	}

	cfg.Judge = JudgeConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", APIKey: "sk-ant"}
	j = cfg.JudgeLLM()
	if j.URL != "" || j.APIKey != "sk-ant" {
		t.Errorf("anthropic judge should not inherit the OpenAI endpoint, got %+v", j)
	}
}

func TestLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telemetry.LogLevel = "debug"
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("expected debug, got %s", cfg.LogLevel())
	}
	cfg.Telemetry.LogLevel = "loud"
	if cfg.LogLevel() != slog.LevelInfo {
		t.Errorf("expected fallback to info, got %s", cfg.LogLevel())
	}
}

func TestIsLiveKitConfigured(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.IsLiveKitConfigured() {
		t.Error("LiveKit should not be configured by default")
	}
	cfg.LiveKit = LiveKitConfig{URL: "wss://lk.example.com", APIKey: "key", APISecret: "secret"}
	if !cfg.IsLiveKitConfigured() {
		t.Error("LiveKit should be configured")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("CADENCE_CONFIG", "/custom/path/config.json")
	if got := getConfigPath(); got != "/custom/path/config.json" {
		t.Errorf("expected custom path, got %s", got)
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTemplate_YAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "prompt.txt", "You are a support agent for Acme.\n")
	path := writeFile(t, dir, "nightly.yaml", `
name: nightly refunds
source_prompt_file: prompt.txt
evaluation:
  max_epochs: 3
  tests_per_epoch: 12
  persona_ids: [p_angry, p_quiet]
  target_metric: conversion_rate
  goals:
    - upsell the annual plan
`)

	in, err := LoadTemplate(path, DefaultConfig().Campaign)
	if err != nil {
		t.Fatalf("LoadTemplate() error: %v", err)
	}
	if in.Name != "nightly refunds" {
		t.Errorf("unexpected name %q", in.Name)
	}
	if in.SourcePrompt != "You are a support agent for Acme." {
		t.Errorf("prompt file should be read relative to the template, got %q", in.SourcePrompt)
	}
	if in.Config.MaxEpochs != 3 || in.Config.TestsPerEpoch != 12 {
		t.Errorf("unexpected sizes: %+v", in.Config)
	}
	if in.Config.Concurrency != 5 || in.Config.ImprovementThreshold != 2 {
		t.Errorf("campaign defaults should apply, got %+v", in.Config)
	}
	if in.Config.TargetMetric != "conversion_rate" {
		t.Errorf("unexpected target metric %s", in.Config.TargetMetric)
	}
}

func TestLoadTemplate_TOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "weekly.toml", `
name = "weekly"
source_prompt_id = "pv_abc"

[evaluation]
max_epochs = 2
tests_per_epoch = 6
persona_ids = ["p_chatty"]
concurrency = 2
improvement_threshold = 0.5
`)

	in, err := LoadTemplate(path, DefaultConfig().Campaign)
	if err != nil {
		t.Fatalf("LoadTemplate() error: %v", err)
	}
	if in.SourcePromptID != "pv_abc" || in.SourcePrompt != "" {
		t.Errorf("unexpected source: %+v", in)
	}
	if in.Config.Concurrency != 2 || in.Config.ImprovementThreshold != 0.5 {
		t.Errorf("template values should win over defaults, got %+v", in.Config)
	}
	if in.Config.TargetMetric != "accuracy" {
		t.Errorf("expected accuracy by default, got %s", in.Config.TargetMetric)
	}
}

func TestLoadTemplate_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		file string
		body string
		msg  string
	}{
		{"unsupported format", "t.json", `{}`, "unsupported template format"},
		{"missing name", "t.yaml", "source_prompt: hi\nevaluation: {persona_ids: [p_1]}\n", "name is required"},
		{"both sources", "t.yaml", "name: x\nsource_prompt: hi\nsource_prompt_id: pv_1\nevaluation: {persona_ids: [p_1]}\n", "exactly one"},
		{"no personas", "t.toml", "name = \"x\"\nsource_prompt = \"hi\"\n", "persona_ids"},
		{"malformed", "t.yaml", "name: [unclosed\n", "parsing template"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.body)
			_, err := LoadTemplate(path, DefaultConfig().Campaign)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("error should contain %q, got: %v", tt.msg, err)
			}
		})
	}

	t.Run("validation errors stay typed", func(t *testing.T) {
		path := writeFile(t, dir, "typed.yaml", "name: x\nsource_prompt: hi\nevaluation: {persona_ids: [p_1], max_epochs: 0}\n")
		_, err := LoadTemplate(path, DefaultConfig().Campaign)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected a validation error, got %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTemplate(filepath.Join(dir, "nope.yaml"), DefaultConfig().Campaign)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected not-exist error, got %v", err)
		}
	})
}
