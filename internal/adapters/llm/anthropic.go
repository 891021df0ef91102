package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crafter-station/cadence-sub000/internal/adapters/retry"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

var _ ports.LLMProvider = (*AnthropicProvider)(nil)

// AnthropicProvider is used as the judge when judge.provider is anthropic
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}

	// retries are owned by the guarded wrapper
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
	}
}

func (p *AnthropicProvider) Model() string {
	return p.model
}

func (p *AnthropicProvider) GenerateText(ctx context.Context, systemPrompt string, history []ports.ChatMessage) (*ports.Completion, error) {
	messages := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case "system":
			systemPrompt = strings.TrimSpace(systemPrompt + "\n\n" + m.Content)
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(messages) == 0 || messages[0].Role != anthropic.MessageParamRoleUser {
		// the API requires the conversation to open with a user turn
		messages = append([]anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("(call connected)"))}, messages...)
	}

	text, usage, err := p.send(ctx, "llm.generate_text", systemPrompt, messages)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyCompletion
	}
	return &ports.Completion{Text: text, Usage: usage}, nil
}

func (p *AnthropicProvider) GenerateStructured(ctx context.Context, req ports.StructuredRequest, out any) (*ports.Usage, error) {
	system := strings.TrimSpace(req.System + "\n\nRespond with a single JSON object that matches this JSON schema and nothing else:\n" + string(req.Schema))
	messages := []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))}

	text, usage, err := p.send(ctx, "llm.generate_structured", system, messages)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(text, out); err != nil {
		return &usage, err
	}
	return &usage, nil
}

func (p *AnthropicProvider) send(ctx context.Context, spanName, system string, messages []anthropic.MessageParam) (string, ports.Usage, error) {
	ctx, span := otel.Tracer("cadence/llm").Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			otel.LLMProvider("anthropic"),
			otel.LLMModel(p.model),
		),
	)
	defer span.End()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		err = classifyAnthropicError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", ports.Usage{}, err
	}

	usage := ports.Usage{
		PromptTokens:     int(message.Usage.InputTokens),
		CompletionTokens: int(message.Usage.OutputTokens),
	}
	span.SetAttributes(
		otel.LLMPromptTokens(usage.PromptTokens),
		otel.LLMCompletionTokens(usage.CompletionTokens),
		otel.LLMTotalTokens(usage.Total()),
	)

	for _, block := range message.Content {
		if block.Type == "text" {
			span.SetStatus(codes.Ok, "")
			return block.Text, usage, nil
		}
	}
	span.SetStatus(codes.Error, "no text content")
	return "", usage, domain.ErrEmptyCompletion
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return fmt.Errorf("anthropic: %w", &retry.StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Error()})
	}
	return fmt.Errorf("anthropic: %w", err)
}
