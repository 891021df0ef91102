package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/XiaoConstantine/dspy-go/pkg/core"

	"github.com/crafter-station/cadence-sub000/internal/ports"
)

var errUnsupported = errors.New("not supported by the prompt revision adapter")

// LLMAdapter adapts a ports.LLMProvider to dspy-go's LLM interface and
// accumulates the token usage of every call made through it.
type LLMAdapter struct {
	provider ports.LLMProvider

	mu    sync.Mutex
	usage ports.Usage
}

// NewLLMAdapter creates a new LLM adapter
func NewLLMAdapter(provider ports.LLMProvider) *LLMAdapter {
	return &LLMAdapter{provider: provider}
}

// Generate implements the dspy-go LLM interface
func (a *LLMAdapter) Generate(ctx context.Context, prompt string, opts ...core.GenerateOption) (*core.LLMResponse, error) {
	completion, err := a.provider.GenerateText(ctx, "", []ports.ChatMessage{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("llm generate failed: %w", err)
	}
	a.record(completion.Usage)

	return &core.LLMResponse{
		Content: completion.Text,
	}, nil
}

// GenerateWithJSON asks for a JSON object and decodes it
func (a *LLMAdapter) GenerateWithJSON(ctx context.Context, prompt string, opts ...core.GenerateOption) (map[string]interface{}, error) {
	resp, err := a.Generate(ctx, prompt+"\n\nRespond with a single JSON object.", opts...)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &out); err != nil {
		return nil, fmt.Errorf("llm returned invalid JSON: %w", err)
	}
	return out, nil
}

// GenerateWithFunctions is not used by prompt revision
func (a *LLMAdapter) GenerateWithFunctions(ctx context.Context, prompt string, functions []map[string]interface{}, opts ...core.GenerateOption) (map[string]interface{}, error) {
	return nil, fmt.Errorf("GenerateWithFunctions: %w", errUnsupported)
}

// CreateEmbedding is not used by prompt revision
func (a *LLMAdapter) CreateEmbedding(ctx context.Context, input string, opts ...core.EmbeddingOption) (*core.EmbeddingResult, error) {
	return nil, fmt.Errorf("CreateEmbedding: %w", errUnsupported)
}

// CreateEmbeddings is not used by prompt revision
func (a *LLMAdapter) CreateEmbeddings(ctx context.Context, inputs []string, opts ...core.EmbeddingOption) (*core.BatchEmbeddingResult, error) {
	return nil, fmt.Errorf("CreateEmbeddings: %w", errUnsupported)
}

// StreamGenerate is not used by prompt revision
func (a *LLMAdapter) StreamGenerate(ctx context.Context, prompt string, opts ...core.GenerateOption) (*core.StreamResponse, error) {
	return nil, fmt.Errorf("StreamGenerate: %w", errUnsupported)
}

// GenerateWithContent is not used by prompt revision
func (a *LLMAdapter) GenerateWithContent(ctx context.Context, content []core.ContentBlock, opts ...core.GenerateOption) (*core.LLMResponse, error) {
	return nil, fmt.Errorf("GenerateWithContent: %w", errUnsupported)
}

// StreamGenerateWithContent is not used by prompt revision
func (a *LLMAdapter) StreamGenerateWithContent(ctx context.Context, content []core.ContentBlock, opts ...core.GenerateOption) (*core.StreamResponse, error) {
	return nil, fmt.Errorf("StreamGenerateWithContent: %w", errUnsupported)
}

// ProviderName returns the provider name
func (a *LLMAdapter) ProviderName() string {
	return "cadence"
}

// ModelID returns the model identifier of the wrapped provider
func (a *LLMAdapter) ModelID() string {
	return a.provider.Model()
}

// Capabilities returns the capabilities of this LLM
func (a *LLMAdapter) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityChat, core.CapabilityCompletion}
}

// Usage returns the usage accumulated since the adapter was created
func (a *LLMAdapter) Usage() ports.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

func (a *LLMAdapter) record(u ports.Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.PromptTokens += u.PromptTokens
	a.usage.CompletionTokens += u.CompletionTokens
	a.usage.Cost += u.Cost
}
