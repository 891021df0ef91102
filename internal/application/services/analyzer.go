package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

// AnalyzerConfig configures the results analyzer
type AnalyzerConfig struct {
	// QualityFloor is the persona accuracy below which suggestions are requested
	QualityFloor float64
	// ConversionFloor is the persona conversion rate below which suggestions are requested
	ConversionFloor float64
	// TranscriptSampleSize bounds how many transcripts the judge sees per persona
	TranscriptSampleSize int
	// MaxTranscriptChars truncates each transcript sent to the judge
	MaxTranscriptChars int
	// JudgeConcurrency bounds parallel conversion-scoring calls
	JudgeConcurrency int
}

// DefaultAnalyzerConfig returns sensible defaults
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		QualityFloor:         85,
		ConversionFloor:      50,
		TranscriptSampleSize: 5,
		MaxTranscriptChars:   6000,
		JudgeConcurrency:     4,
	}
}

// defaultGoal is scored when an evaluation names no conversion goals
const defaultGoal = "resolve the caller's request"

var conversionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "score": {"type": "number", "description": "0-100, how well the agent pursued the goals"},
    "achieved": {"type": "boolean", "description": "true when at least one goal outcome was reached"},
    "missed_opportunities": {"type": "array", "items": {"type": "string"}, "description": "short, reusable descriptions of moments the agent could have converted"}
  },
  "required": ["score", "achieved", "missed_opportunities"],
  "additionalProperties": false
}`)

var healingSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "suggestions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "issue": {"type": "string"},
          "suggestion": {"type": "string", "description": "a concrete edit to the agent's system prompt"},
          "confidence": {"type": "number", "description": "0-1"},
          "severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
          "evidence": {"type": "array", "items": {"type": "string"}},
          "examples": {"type": "array", "items": {"type": "string"}, "description": "verbatim transcript excerpts"}
        },
        "required": ["issue", "suggestion", "confidence", "severity", "evidence", "examples"],
        "additionalProperties": false
      }
    }
  },
  "required": ["suggestions"],
  "additionalProperties": false
}`)

const judgeSystemPrompt = `You are a strict quality reviewer for a voice AI agent. ` +
	`You read transcripts of phone calls between the agent and a simulated customer and score them objectively. ` +
	`Only use evidence present in the transcript.`

type healingResponse struct {
	Suggestions []struct {
		Issue      string   `json:"issue"`
		Suggestion string   `json:"suggestion"`
		Confidence float64  `json:"confidence"`
		Severity   string   `json:"severity"`
		Evidence   []string `json:"evidence"`
		Examples   []string `json:"examples"`
	} `json:"suggestions"`
}

// Analyzer scores completed sessions with an LLM judge, aggregates per-persona
// metrics and requests healing suggestions for weak personas. It does not
// persist anything; the epoch executor commits its result.
type Analyzer struct {
	judge  ports.LLMProvider
	ids    ports.IDGenerator
	config AnalyzerConfig
}

var _ ports.ResultsAnalyzer = (*Analyzer)(nil)

// NewAnalyzer creates a new results analyzer
func NewAnalyzer(judge ports.LLMProvider, ids ports.IDGenerator, config AnalyzerConfig) *Analyzer {
	d := DefaultAnalyzerConfig()
	if config.TranscriptSampleSize <= 0 {
		config.TranscriptSampleSize = d.TranscriptSampleSize
	}
	if config.MaxTranscriptChars <= 0 {
		config.MaxTranscriptChars = d.MaxTranscriptChars
	}
	if config.JudgeConcurrency <= 0 {
		config.JudgeConcurrency = d.JudgeConcurrency
	}
	return &Analyzer{judge: judge, ids: ids, config: config}
}

type personaGroup struct {
	personaID string
	sessions  []*models.TestSession
}

// Analyze scores the completed sessions of one epoch. Any judge failure
// fails the whole analysis.
func (a *Analyzer) Analyze(ctx context.Context, input ports.AnalysisInput) (*ports.AnalysisResult, error) {
	ctx, span := otel.Tracer("cadence.analyzer").Start(ctx, "analyzer.analyze")
	defer span.End()
	span.SetAttributes(otel.EvaluationID(input.Evaluation.ID), otel.EpochNumber(input.Epoch.EpochNumber))

	goals := input.Evaluation.Config.Goals
	if len(goals) == 0 {
		goals = []string{defaultGoal}
	}

	groups := groupByPersona(input.Sessions, input.Personas)
	var analyzed []*models.TestSession
	for _, g := range groups {
		analyzed = append(analyzed, g.sessions...)
	}

	result := &ports.AnalysisResult{Conversions: make(map[string]*models.ConversionResult, len(analyzed))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.JudgeConcurrency)
	for _, s := range analyzed {
		g.Go(func() error {
			conv, usage, err := a.scoreConversion(gctx, s, goals)
			if err != nil {
				return fmt.Errorf("failed to score session %s: %w", s.ID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			result.Conversions[s.ID] = conv
			addUsage(&result.Usage, usage)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := time.Now().UTC()
	personas := personaIndex(input.Personas)
	var total, converted int
	for _, grp := range groups {
		record := a.personaMetrics(input, grp, result.Conversions, now)
		result.Metrics = append(result.Metrics, record)
		total += record.SessionsCount
		converted += record.Conversions

		if !a.needsHealing(record) {
			continue
		}
		suggestions, usage, err := a.requestSuggestions(ctx, input, grp, personas[grp.personaID], record, result.Conversions, goals, now)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to request healing suggestions for persona %s: %w", grp.personaID, err)
		}
		addUsage(&result.Usage, usage)
		result.Suggestions = append(result.Suggestions, suggestions...)
	}
	if total > 0 {
		result.ConversionRate = models.Float(float64(converted) / float64(total) * 100)
	}

	slog.Info("analyzer: epoch analyzed",
		"evaluation_id", input.Evaluation.ID,
		"epoch", input.Epoch.EpochNumber,
		"sessions", total,
		"conversions", converted,
		"suggestions", len(result.Suggestions),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// BuildSnapshots returns one replay record per analyzed session
func BuildSnapshots(ids ports.IDGenerator, input ports.AnalysisInput, result *ports.AnalysisResult, judgeModel string) []*models.Snapshot {
	now := time.Now().UTC()
	var out []*models.Snapshot
	for _, s := range input.Sessions {
		conv, ok := result.Conversions[s.ID]
		if !ok {
			continue
		}
		out = append(out, &models.Snapshot{
			ID:           ids.GenerateSnapshotID(),
			EvaluationID: input.Evaluation.ID,
			EpochID:      input.Epoch.ID,
			SessionID:    s.ID,
			Transcript:   s.Transcript,
			Metrics: models.SnapshotMetrics{
				Accuracy:        s.Accuracy,
				AvgLatencyMs:    s.AvgLatencyMs,
				Turns:           s.Turns,
				DurationSeconds: s.DurationSeconds,
			},
			Conversion: *conv,
			Environment: map[string]string{
				"prompt_id":    input.Epoch.PromptID,
				"persona_id":   s.PersonaID,
				"epoch_number": strconv.Itoa(input.Epoch.EpochNumber),
				"judge_model":  judgeModel,
				"recording":    s.RecordingURL,
			},
			CreatedAt: now,
		})
	}
	return out
}

func (a *Analyzer) scoreConversion(ctx context.Context, s *models.TestSession, goals []string) (*models.ConversionResult, *ports.Usage, error) {
	var b strings.Builder
	b.WriteString("Conversion goals:\n")
	for _, goal := range goals {
		fmt.Fprintf(&b, "- %s\n", goal)
	}
	b.WriteString("\nTranscript (agent = the voice AI under review, persona = the customer):\n")
	b.WriteString(truncate(s.TranscriptText(), a.config.MaxTranscriptChars))
	b.WriteString("\n\nScore how well the agent pursued the goals and list any missed opportunities.")

	var conv models.ConversionResult
	usage, err := a.judge.GenerateStructured(ctx, ports.StructuredRequest{
		Name:   "conversion_score",
		Schema: conversionSchema,
		System: judgeSystemPrompt,
		Prompt: b.String(),
	}, &conv)
	if err != nil {
		return nil, nil, err
	}
	conv.Score = clamp(conv.Score, 0, 100)
	if conv.MissedOpportunities == nil {
		conv.MissedOpportunities = []string{}
	}
	return &conv, usage, nil
}

func (a *Analyzer) personaMetrics(input ports.AnalysisInput, grp personaGroup, conversions map[string]*models.ConversionResult, now time.Time) *models.MetricsRecord {
	record := &models.MetricsRecord{
		ID:            a.ids.GenerateMetricsRecordID(),
		EvaluationID:  input.Evaluation.ID,
		EpochID:       input.Epoch.ID,
		PersonaID:     grp.personaID,
		SessionsCount: len(grp.sessions),
		CreatedAt:     now,
	}

	var accSum, latSum float64
	var accN, latN int
	var missed []string
	for _, s := range grp.sessions {
		if s.Accuracy != nil {
			accSum += *s.Accuracy
			accN++
		}
		if s.AvgLatencyMs != nil {
			latSum += *s.AvgLatencyMs
			latN++
		}
		if conv := conversions[s.ID]; conv != nil {
			if conv.Achieved {
				record.Conversions++
			}
			missed = append(missed, conv.MissedOpportunities...)
		}
	}
	if accN > 0 {
		record.Accuracy = models.Float(accSum / float64(accN))
	}
	if latN > 0 {
		record.AvgLatencyMs = models.Float(latSum / float64(latN))
	}
	if record.SessionsCount > 0 {
		record.ConversionRate = float64(record.Conversions) / float64(record.SessionsCount) * 100
	}
	record.Issues = countIssues(missed)
	return record
}

func (a *Analyzer) needsHealing(r *models.MetricsRecord) bool {
	if r.SessionsCount == 0 {
		return false
	}
	if r.Accuracy != nil && *r.Accuracy < a.config.QualityFloor {
		return true
	}
	return r.ConversionRate < a.config.ConversionFloor
}

func (a *Analyzer) requestSuggestions(
	ctx context.Context,
	input ports.AnalysisInput,
	grp personaGroup,
	persona *models.Persona,
	record *models.MetricsRecord,
	conversions map[string]*models.ConversionResult,
	goals []string,
	now time.Time,
) ([]*models.HealingSuggestion, *ports.Usage, error) {
	var b strings.Builder
	name := grp.personaID
	if persona != nil {
		name = persona.Name
		fmt.Fprintf(&b, "Customer persona: %s. %s\n", persona.Name, persona.Description)
	}
	fmt.Fprintf(&b, "Sessions: %d, conversion rate: %.1f%%", record.SessionsCount, record.ConversionRate)
	if record.Accuracy != nil {
		fmt.Fprintf(&b, ", answer rate: %.1f%%", *record.Accuracy)
	}
	b.WriteString("\nConversion goals: ")
	b.WriteString(strings.Join(goals, "; "))
	if len(record.Issues) > 0 {
		b.WriteString("\nMost frequent missed opportunities:\n")
		for _, issue := range record.Issues {
			fmt.Fprintf(&b, "- (%dx) %s\n", issue.Count, issue.Issue)
		}
	}
	b.WriteString("\nTranscripts:\n")
	for _, s := range sampleSessions(grp.sessions, conversions, a.config.TranscriptSampleSize) {
		fmt.Fprintf(&b, "\n--- session %s ---\n%s\n", s.ID, truncate(s.TranscriptText(), a.config.MaxTranscriptChars))
	}
	b.WriteString("\nPropose concrete, evidence-backed edits to the agent's system prompt that would fix the observed problems.")

	var resp healingResponse
	usage, err := a.judge.GenerateStructured(ctx, ports.StructuredRequest{
		Name:   "healing_suggestions",
		Schema: healingSchema,
		System: judgeSystemPrompt,
		Prompt: b.String(),
	}, &resp)
	if err != nil {
		return nil, nil, err
	}

	out := make([]*models.HealingSuggestion, 0, len(resp.Suggestions))
	for _, s := range resp.Suggestions {
		if strings.TrimSpace(s.Issue) == "" || strings.TrimSpace(s.Suggestion) == "" {
			continue
		}
		evidence := s.Evidence
		if evidence == nil {
			evidence = []string{}
		}
		out = append(out, &models.HealingSuggestion{
			ID:           a.ids.GenerateSuggestionID(),
			EvaluationID: input.Evaluation.ID,
			EpochID:      input.Epoch.ID,
			PersonaID:    grp.personaID,
			Issue:        s.Issue,
			Suggestion:   s.Suggestion,
			Confidence:   clamp(s.Confidence, 0, 1),
			Severity:     models.NormalizeSeverity(strings.ToLower(s.Severity)),
			Evidence:     evidence,
			Examples:     s.Examples,
			CreatedAt:    now,
		})
	}
	slog.Debug("analyzer: healing suggestions", "persona", name, "count", len(out))
	return out, usage, nil
}

// groupByPersona keeps completed sessions only, ordered by the persona list
// and then by first appearance.
func groupByPersona(sessions []*models.TestSession, personas []*models.Persona) []personaGroup {
	index := make(map[string]int)
	var groups []personaGroup
	for _, p := range personas {
		index[p.ID] = len(groups)
		groups = append(groups, personaGroup{personaID: p.ID})
	}
	for _, s := range sessions {
		if s.Status != models.TestSessionStatusCompleted {
			continue
		}
		i, ok := index[s.PersonaID]
		if !ok {
			i = len(groups)
			index[s.PersonaID] = i
			groups = append(groups, personaGroup{personaID: s.PersonaID})
		}
		groups[i].sessions = append(groups[i].sessions, s)
	}
	out := groups[:0]
	for _, g := range groups {
		if len(g.sessions) > 0 {
			out = append(out, g)
		}
	}
	return out
}

func personaIndex(personas []*models.Persona) map[string]*models.Persona {
	out := make(map[string]*models.Persona, len(personas))
	for _, p := range personas {
		out[p.ID] = p
	}
	return out
}

// countIssues counts strings case-insensitively, most frequent first, then alphabetically
func countIssues(issues []string) []models.IssueFrequency {
	counts := make(map[string]int)
	display := make(map[string]string)
	for _, issue := range issues {
		text := strings.TrimSpace(issue)
		if text == "" {
			continue
		}
		key := strings.ToLower(text)
		if _, ok := display[key]; !ok {
			display[key] = text
		}
		counts[key]++
	}
	out := make([]models.IssueFrequency, 0, len(counts))
	for key, n := range counts {
		out = append(out, models.IssueFrequency{Issue: display[key], Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return strings.ToLower(out[i].Issue) < strings.ToLower(out[j].Issue)
	})
	return out
}

// sampleSessions prefers non-converted sessions, then fills with the rest
func sampleSessions(sessions []*models.TestSession, conversions map[string]*models.ConversionResult, n int) []*models.TestSession {
	var first, rest []*models.TestSession
	for _, s := range sessions {
		if conv := conversions[s.ID]; conv != nil && conv.Achieved {
			rest = append(rest, s)
			continue
		}
		first = append(first, s)
	}
	out := append(first, rest...)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// truncate keeps at most max bytes of s without splitting a UTF-8 sequence
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

func addUsage(dst *ports.Usage, u *ports.Usage) {
	if u == nil {
		return
	}
	dst.PromptTokens += u.PromptTokens
	dst.CompletionTokens += u.CompletionTokens
	dst.Cost += u.Cost
}
