package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
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
	speechPath = "/v1/audio/speech"
	// TTSTimeout is the maximum time to wait for TTS synthesis
	TTSTimeout = 30 * time.Second
)

var _ ports.TextToSpeech = (*TTSAdapter)(nil)

type TTSConfig struct {
	URL          string
	APIKey       string
	Model        string
	DefaultVoice string
	Speed        float32
	// SampleRate of the raw PCM the server returns
	SampleRate int
}

type TTSAdapter struct {
	client       *Client
	model        string
	defaultVoice string
	speed        float32
	sampleRate   int
	breaker      *circuitbreaker.Breaker
}

func NewTTSAdapter(cfg TTSConfig) *TTSAdapter {
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = "alloy"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	return &TTSAdapter{
		client:       NewClient(cfg.URL, cfg.APIKey, TTSTimeout),
		model:        cfg.Model,
		defaultVoice: cfg.DefaultVoice,
		speed:        cfg.Speed,
		sampleRate:   cfg.SampleRate,
		breaker:      circuitbreaker.New("tts", 5, 30*time.Second),
	}
}

type ttsRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float32 `json:"speed,omitempty"`
}

func (t *TTSAdapter) Synthesize(ctx context.Context, text, voice string) (*ports.SynthesizedSpeech, error) {
	if text == "" {
		return nil, domain.NewValidationError("text", "text is empty")
	}
	if voice == "" {
		voice = t.defaultVoice
	}

	ctx, span := otel.Tracer("cadence/speech").Start(ctx, "tts.synthesize",
		trace.WithAttributes(
			otel.SessionID(otel.SessionIDFromContext(ctx)),
			otel.TTSModel(t.model),
			otel.TTSVoice(voice),
		),
	)
	defer span.End()

	start := time.Now()
	var speech *ports.SynthesizedSpeech
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		speech, err = t.doSynthesize(ctx, text, voice)
		return err
	})
	elapsed := time.Since(start)
	metrics.ObserveProvider("tts", "synthesize", elapsed.Seconds(), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, domain.NewProviderError("tts", "synthesize", fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err))
		}
		return nil, domain.NewProviderError("tts", "synthesize", err)
	}

	span.SetAttributes(
		otel.TTSLatencyMs(elapsed.Milliseconds()),
		otel.TTSDurationMs(speech.Duration().Milliseconds()),
	)
	span.SetStatus(codes.Ok, "")
	slog.Debug("tts: synthesized", "voice", voice, "latency_ms", elapsed.Milliseconds(), "audio_ms", speech.Duration().Milliseconds())
	return speech, nil
}

func (t *TTSAdapter) doSynthesize(ctx context.Context, text, voice string) (*ports.SynthesizedSpeech, error) {
	ctx, cancel := context.WithTimeout(ctx, TTSTimeout)
	defer cancel()

	req := ttsRequest{
		Model:          t.model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: "pcm",
		Speed:          t.speed,
	}

	data, err := t.client.PostJSONRaw(ctx, speechPath, req)
	if err != nil {
		return nil, fmt.Errorf("TTS synthesis failed: %w", err)
	}

	pcm, rate, channels := stripWAV(data, t.sampleRate)
	if len(pcm) < audio.BytesPerSample {
		return nil, fmt.Errorf("TTS returned no audio")
	}
	return &ports.SynthesizedSpeech{PCM: pcm, SampleRate: rate, Channels: channels}, nil
}

// stripWAV removes a RIFF header some servers send despite response_format=pcm
func stripWAV(data []byte, fallbackRate int) ([]byte, int, int) {
	if len(data) < 44 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return data, fallbackRate, 1
	}
	channels := int(binary.LittleEndian.Uint16(data[22:24]))
	rate := int(binary.LittleEndian.Uint32(data[24:28]))
	if channels <= 0 {
		channels = 1
	}
	return data[44:], rate, channels
}
