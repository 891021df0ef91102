// Package llm implements ports.LLMProvider on top of OpenAI-compatible and
// Anthropic chat APIs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crafter-station/cadence-sub000/internal/adapters/retry"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

var _ ports.LLMProvider = (*OpenAIProvider)(nil)

// Config holds the configuration for one provider
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAIProvider creates a provider. BaseURL should be the full API base
// URL, e.g. "https://api.openai.com/v1".
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	openaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		openaiCfg.HTTPClient = cfg.HTTPClient
	} else {
		openaiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(openaiCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

func (p *OpenAIProvider) Model() string {
	return p.model
}

func (p *OpenAIProvider) GenerateText(ctx context.Context, systemPrompt string, history []ports.ChatMessage) (*ports.Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := p.chat(ctx, "llm.generate_text", openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, domain.ErrEmptyCompletion
	}
	return &ports.Completion{Text: content, Usage: usageFromOpenAI(resp.Usage)}, nil
}

func (p *OpenAIProvider) GenerateStructured(ctx context.Context, req ports.StructuredRequest, out any) (*ports.Usage, error) {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := p.chat(ctx, "llm.generate_structured", openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: p.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.Name,
				Strict: true,
				Schema: req.Schema,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	usage := usageFromOpenAI(resp.Usage)
	if err := decodeJSON(resp.Choices[0].Message.Content, out); err != nil {
		return &usage, err
	}
	return &usage, nil
}

func (p *OpenAIProvider) chat(ctx context.Context, spanName string, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	ctx, span := otel.Tracer("cadence/llm").Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			otel.LLMProvider("openai"),
			otel.LLMModel(req.Model),
		),
	)
	defer span.End()

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		err = classifyOpenAIError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return resp, domain.ErrEmptyCompletion
	}

	span.SetAttributes(
		otel.LLMPromptTokens(resp.Usage.PromptTokens),
		otel.LLMCompletionTokens(resp.Usage.CompletionTokens),
		otel.LLMTotalTokens(resp.Usage.TotalTokens),
	)
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// classifyOpenAIError exposes the HTTP status so the retry policy can see it
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return fmt.Errorf("openai: %w", &retry.StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return fmt.Errorf("openai: %w", &retry.StatusError{StatusCode: reqErr.HTTPStatusCode, Body: string(reqErr.Body)})
	}
	return fmt.Errorf("openai: %w", err)
}

func usageFromOpenAI(u openai.Usage) ports.Usage {
	return ports.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens}
}
