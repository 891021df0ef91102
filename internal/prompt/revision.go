package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

// RevisionInput is the rendered feedback for one prompt revision
type RevisionInput struct {
	CurrentPrompt string
	TargetMetric  string
	Goals         string
	Metrics       string
	Suggestions   string
	Transcripts   string
}

// Revision is the parsed output of the revision module
type Revision struct {
	RevisedPrompt        string
	Changes              []models.PromptChange
	Rationale            string
	PredictedImpact      string
	AppliedSuggestionIDs []string
	Usage                ports.Usage
}

// Reviser runs the PromptRevision signature through dspy-go
type Reviser struct {
	provider ports.LLMProvider
	sig      Signature
}

// NewReviser creates a reviser backed by provider
func NewReviser(provider ports.LLMProvider) *Reviser {
	return &Reviser{provider: provider, sig: PromptRevision}
}

// Revise produces a revised prompt. Each call uses a fresh adapter so usage
// is reported per revision.
func (r *Reviser) Revise(ctx context.Context, in RevisionInput) (*Revision, error) {
	adapter := NewLLMAdapter(r.provider)
	predict := NewPredict(r.sig, adapter)

	outputs, err := predict.Process(ctx, map[string]any{
		"current_prompt": in.CurrentPrompt,
		"target_metric":  in.TargetMetric,
		"goals":          in.Goals,
		"metrics":        in.Metrics,
		"suggestions":    in.Suggestions,
		"transcripts":    in.Transcripts,
	})
	if err != nil {
		return nil, err
	}

	rev, err := ParseRevision(outputs)
	if err != nil {
		return nil, err
	}
	rev.Usage = adapter.Usage()
	return rev, nil
}

// ParseRevision converts raw module outputs into a Revision. Malformed
// changes are dropped rather than failing the revision.
func ParseRevision(outputs map[string]any) (*Revision, error) {
	rev := &Revision{
		RevisedPrompt:   strings.TrimSpace(stringField(outputs, "revised_prompt")),
		Rationale:       strings.TrimSpace(stringField(outputs, "rationale")),
		PredictedImpact: strings.TrimSpace(stringField(outputs, "predicted_impact")),
	}
	if rev.RevisedPrompt == "" {
		return nil, fmt.Errorf("revision has no revised_prompt")
	}

	switch v := outputs["changes"].(type) {
	case string:
		var changes []models.PromptChange
		if err := json.Unmarshal([]byte(stripFences(v)), &changes); err == nil {
			rev.Changes = changes
		}
	case []any:
		raw, err := json.Marshal(v)
		if err == nil {
			_ = json.Unmarshal(raw, &rev.Changes)
		}
	}

	for _, id := range strings.FieldsFunc(stringField(outputs, "applied_suggestion_ids"), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '[' || r == ']' || r == '"'
	}) {
		rev.AppliedSuggestionIDs = append(rev.AppliedSuggestionIDs, id)
	}
	return rev, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// stripFences removes a surrounding markdown code fence
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
