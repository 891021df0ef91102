package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crafter-station/cadence-sub000/internal/adapters/circuitbreaker"
	"github.com/crafter-station/cadence-sub000/internal/adapters/metrics"
	"github.com/crafter-station/cadence-sub000/internal/audio"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

const (
	transcriptionsPath = "/v1/audio/transcriptions"
	ASRTimeout         = 30 * time.Second
)

var _ ports.SpeechToText = (*ASRAdapter)(nil)

type ASRAdapter struct {
	client   *Client
	model    string
	language string
	breaker  *circuitbreaker.Breaker
}

type ASRConfig struct {
	URL      string
	APIKey   string
	Model    string
	Language string
}

func NewASRAdapter(cfg ASRConfig) *ASRAdapter {
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	return &ASRAdapter{
		client:   NewClient(cfg.URL, cfg.APIKey, ASRTimeout),
		model:    cfg.Model,
		language: cfg.Language,
		breaker:  circuitbreaker.New("asr", 5, 30*time.Second),
	}
}

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float32 `json:"duration,omitempty"`
}

// Transcribe uploads mono 16-bit PCM as a WAV file and returns the text
func (a *ASRAdapter) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", domain.NewValidationError("audio", "audio data is empty")
	}

	audioMs := audio.Duration(len(pcm), sampleRate, 1).Milliseconds()
	ctx, span := otel.Tracer("cadence/speech").Start(ctx, "asr.transcribe",
		trace.WithAttributes(
			otel.SessionID(otel.SessionIDFromContext(ctx)),
			otel.ASRModel(a.model),
			otel.ASRDurationMs(audioMs),
		),
	)
	defer span.End()

	start := time.Now()
	var text string
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		text, err = a.doTranscribe(ctx, pcm, sampleRate)
		return err
	})
	elapsed := time.Since(start)
	metrics.ObserveProvider("asr", "transcribe", elapsed.Seconds(), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return "", domain.NewProviderError("asr", "transcribe", fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err))
		}
		return "", domain.NewProviderError("asr", "transcribe", err)
	}

	span.SetAttributes(otel.ASRLatencyMs(elapsed.Milliseconds()))
	span.SetStatus(codes.Ok, "")
	slog.Debug("asr: transcribed", "audio_ms", audioMs, "latency_ms", elapsed.Milliseconds(), "chars", len(text))
	return text, nil
}

func (a *ASRAdapter) doTranscribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ASRTimeout)
	defer cancel()

	fields := map[string]string{
		"model":           a.model,
		"response_format": "json",
	}
	if a.language != "" {
		fields["language"] = a.language
	}

	wav := audio.EncodeWAV(pcm, sampleRate, 1)

	var response transcriptionResponse
	if err := a.client.PostMultipart(ctx, transcriptionsPath, fields, "file", "audio.wav", wav, &response); err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return strings.TrimSpace(response.Text), nil
}

func (a *ASRAdapter) Model() string {
	return a.model
}
