package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/internal/prompt"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

// OptimizerEngine selects how the revised prompt is produced
type OptimizerEngine string

const (
	// OptimizerEngineStructured asks the LLM for a JSON-schema constrained answer
	OptimizerEngineStructured OptimizerEngine = "structured"
	// OptimizerEngineDSPy runs the PromptRevision signature through dspy-go
	OptimizerEngineDSPy OptimizerEngine = "dspy"
)

var revisionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "revised_prompt": {"type": "string", "description": "the complete new system prompt"},
    "changes": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "section": {"type": "string"},
          "before": {"type": "string"},
          "after": {"type": "string"},
          "change_type": {"type": "string", "enum": ["added", "removed", "modified"]}
        },
        "required": ["section", "before", "after", "change_type"],
        "additionalProperties": false
      }
    },
    "rationale": {"type": "string"},
    "predicted_impact": {"type": "string"},
    "applied_suggestion_ids": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["revised_prompt", "changes", "rationale", "predicted_impact", "applied_suggestion_ids"],
  "additionalProperties": false
}`)

const optimizerSystemPrompt = `You are an expert prompt engineer for voice AI agents. ` +
	`You rewrite an agent's system prompt so it performs better on the target metric, ` +
	`keeping what works and fixing what the evidence shows is broken. Return the complete revised prompt.`

type revisionResponse struct {
	RevisedPrompt        string                `json:"revised_prompt"`
	Changes              []models.PromptChange `json:"changes"`
	Rationale            string                `json:"rationale"`
	PredictedImpact      string                `json:"predicted_impact"`
	AppliedSuggestionIDs []string              `json:"applied_suggestion_ids"`
}

// Optimizer rewrites a prompt from epoch feedback. It never decides acceptance.
type Optimizer struct {
	llm     ports.LLMProvider
	engine  OptimizerEngine
	reviser *prompt.Reviser
}

var _ ports.PromptOptimizer = (*Optimizer)(nil)

// NewOptimizer creates a prompt optimizer. An unknown engine falls back to structured.
func NewOptimizer(llm ports.LLMProvider, engine OptimizerEngine) *Optimizer {
	o := &Optimizer{llm: llm, engine: engine}
	switch engine {
	case OptimizerEngineDSPy:
		o.reviser = prompt.NewReviser(llm)
	default:
		o.engine = OptimizerEngineStructured
	}
	return o
}

// Optimize produces a revised prompt plus the structured record of what changed
func (o *Optimizer) Optimize(ctx context.Context, input ports.OptimizationInput) (*ports.OptimizationOutput, error) {
	ctx, span := otel.Tracer("cadence.optimizer").Start(ctx, "optimizer.optimize")
	defer span.End()
	span.SetAttributes(
		attribute.String("optimizer.engine", string(o.engine)),
		attribute.Int("optimizer.suggestions", len(input.Suggestions)),
		otel.LLMModel(o.llm.Model()),
	)

	if strings.TrimSpace(input.CurrentPrompt) == "" {
		return nil, domain.NewValidationError("current_prompt", "is required")
	}

	var (
		out *ports.OptimizationOutput
		err error
	)
	switch o.engine {
	case OptimizerEngineDSPy:
		out, err = o.reviseDSPy(ctx, input)
	default:
		out, err = o.reviseStructured(ctx, input)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if strings.TrimSpace(out.RevisedPrompt) == "" {
		err := domain.NewProviderError(o.llm.Model(), "optimize", domain.ErrEmptyCompletion)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out.RevisedPrompt = strings.TrimSpace(out.RevisedPrompt)
	out.Changes = normalizeChanges(out.Changes)
	out.AppliedSuggestionIDs = knownSuggestionIDs(out.AppliedSuggestionIDs, input.Suggestions)

	slog.Info("optimizer: prompt revised",
		"engine", o.engine,
		"changes", len(out.Changes),
		"applied_suggestions", len(out.AppliedSuggestionIDs),
		"tokens", out.Usage.Total(),
	)
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (o *Optimizer) reviseStructured(ctx context.Context, input ports.OptimizationInput) (*ports.OptimizationOutput, error) {
	r := renderOptimizationInput(input)
	var b strings.Builder
	fmt.Fprintf(&b, "Target metric: %s\n\n", r.TargetMetric)
	fmt.Fprintf(&b, "Conversion goals:\n%s\n\n", r.Goals)
	fmt.Fprintf(&b, "Current prompt:\n<<<\n%s\n>>>\n\n", r.CurrentPrompt)
	fmt.Fprintf(&b, "Per-persona metrics:\n%s\n\n", r.Metrics)
	fmt.Fprintf(&b, "Healing suggestions (cite ids you apply):\n%s\n\n", r.Suggestions)
	fmt.Fprintf(&b, "Transcript samples:\n%s", r.Transcripts)

	var resp revisionResponse
	usage, err := o.llm.GenerateStructured(ctx, ports.StructuredRequest{
		Name:   "prompt_revision",
		Schema: revisionSchema,
		System: optimizerSystemPrompt,
		Prompt: b.String(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := &ports.OptimizationOutput{
		RevisedPrompt:        resp.RevisedPrompt,
		Changes:              resp.Changes,
		Rationale:            resp.Rationale,
		PredictedImpact:      resp.PredictedImpact,
		AppliedSuggestionIDs: resp.AppliedSuggestionIDs,
	}
	if usage != nil {
		out.Usage = *usage
	}
	return out, nil
}

func (o *Optimizer) reviseDSPy(ctx context.Context, input ports.OptimizationInput) (*ports.OptimizationOutput, error) {
	rev, err := o.reviser.Revise(ctx, renderOptimizationInput(input))
	if err != nil {
		return nil, domain.NewProviderError(o.llm.Model(), "optimize", err)
	}
	return &ports.OptimizationOutput{
		RevisedPrompt:        rev.RevisedPrompt,
		Changes:              rev.Changes,
		Rationale:            rev.Rationale,
		PredictedImpact:      rev.PredictedImpact,
		AppliedSuggestionIDs: rev.AppliedSuggestionIDs,
		Usage:                rev.Usage,
	}, nil
}

// renderOptimizationInput flattens the optimizer input into text fields
func renderOptimizationInput(input ports.OptimizationInput) prompt.RevisionInput {
	var metrics strings.Builder
	for _, m := range input.Metrics {
		fmt.Fprintf(&metrics, "- persona %s: %d sessions, conversion %.1f%%", m.PersonaID, m.SessionsCount, m.ConversionRate)
		if m.Accuracy != nil {
			fmt.Fprintf(&metrics, ", answer rate %.1f%%", *m.Accuracy)
		}
		if m.AvgLatencyMs != nil {
			fmt.Fprintf(&metrics, ", latency %.0fms", *m.AvgLatencyMs)
		}
		metrics.WriteString("\n")
		for _, issue := range m.Issues {
			fmt.Fprintf(&metrics, "    missed (%dx): %s\n", issue.Count, issue.Issue)
		}
	}

	var suggestions strings.Builder
	for _, s := range input.Suggestions {
		fmt.Fprintf(&suggestions, "- [%s] (%s, confidence %.2f) %s -> %s\n", s.ID, s.Severity, s.Confidence, s.Issue, s.Suggestion)
	}

	var transcripts strings.Builder
	for _, t := range input.Transcripts {
		outcome := "not converted"
		if t.Converted {
			outcome = "converted"
		}
		fmt.Fprintf(&transcripts, "--- session %s, persona %s, %s ---\n%s\n", t.SessionID, t.PersonaID, outcome, t.Transcript)
	}

	goals := "- " + defaultGoal
	if len(input.Goals) > 0 {
		goals = "- " + strings.Join(input.Goals, "\n- ")
	}

	return prompt.RevisionInput{
		CurrentPrompt: input.CurrentPrompt,
		TargetMetric:  string(input.TargetMetric),
		Goals:         goals,
		Metrics:       orNone(metrics.String()),
		Suggestions:   orNone(suggestions.String()),
		Transcripts:   orNone(transcripts.String()),
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

// normalizeChanges drops empty entries and maps unknown change types to modified
func normalizeChanges(changes []models.PromptChange) []models.PromptChange {
	out := make([]models.PromptChange, 0, len(changes))
	for _, c := range changes {
		if c.Section == "" && c.Before == "" && c.After == "" {
			continue
		}
		switch models.ChangeType(strings.ToLower(string(c.ChangeType))) {
		case models.ChangeTypeAdded:
			c.ChangeType = models.ChangeTypeAdded
		case models.ChangeTypeRemoved:
			c.ChangeType = models.ChangeTypeRemoved
		default:
			c.ChangeType = models.ChangeTypeModified
		}
		out = append(out, c)
	}
	return out
}

// knownSuggestionIDs keeps only ids that were offered, without duplicates
func knownSuggestionIDs(ids []string, offered []*models.HealingSuggestion) []string {
	known := make(map[string]bool, len(offered))
	for _, s := range offered {
		known[s.ID] = true
	}
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if known[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
