package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

// ChatMessage is one entry of a conversation history sent to an LLM
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Usage reports token consumption of a provider call
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// Total returns prompt plus completion tokens
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Completion is the result of a free-text generation
type Completion struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// StructuredRequest asks the provider for a JSON object matching Schema
type StructuredRequest struct {
	// Name identifies the schema, e.g. "conversion_score"
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	System string          `json:"system,omitempty"`
	Prompt string          `json:"prompt"`
}

// LLMProvider defines the narrow interface to a language model
type LLMProvider interface {
	// GenerateText produces the next assistant message given a system prompt and history
	GenerateText(ctx context.Context, systemPrompt string, history []ChatMessage) (*Completion, error)
	// GenerateStructured decodes the model's JSON answer into out
	GenerateStructured(ctx context.Context, req StructuredRequest, out any) (*Usage, error)
	// Model returns the model identifier used for calls
	Model() string
}

// SpeechToText defines the interface for Automatic Speech Recognition
type SpeechToText interface {
	// Transcribe converts 16-bit little-endian mono PCM into text
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// SynthesizedSpeech is decoded audio ready to be framed and published
type SynthesizedSpeech struct {
	PCM        []byte `json:"-"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Duration returns the playback length of the audio
func (s *SynthesizedSpeech) Duration() time.Duration {
	channels := s.Channels
	if channels <= 0 {
		channels = 1
	}
	if s.SampleRate <= 0 {
		return 0
	}
	samples := len(s.PCM) / 2 / channels
	return time.Duration(samples) * time.Second / time.Duration(s.SampleRate)
}

// TextToSpeech defines the interface for Text-to-Speech
type TextToSpeech interface {
	Synthesize(ctx context.Context, text, voice string) (*SynthesizedSpeech, error)
}

// BlobStore archives binary artifacts and returns a public URL
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// Notifier is told about campaign terminal events
type Notifier interface {
	NotifyEvaluation(ctx context.Context, evaluation *models.Evaluation) error
}

// ProgressPublisher receives live progress events.
// Publish must not block the caller.
type ProgressPublisher interface {
	Publish(event models.ProgressEvent)
}

// ProgressSubscriber hands out per-evaluation progress streams
type ProgressSubscriber interface {
	Subscribe(evaluationID string) <-chan models.ProgressEvent
	Unsubscribe(evaluationID string, ch <-chan models.ProgressEvent)
}

// ProgressFunc adapts a plain callback to ProgressPublisher
type ProgressFunc func(event models.ProgressEvent)

func (f ProgressFunc) Publish(event models.ProgressEvent) { f(event) }
