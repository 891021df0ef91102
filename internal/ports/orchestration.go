package ports

import (
	"context"

	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

// VoiceSessionTask is the scheduler task name for one synthetic call
const VoiceSessionTask = "voice-session"

// CampaignTask is the scheduler task name for a campaign loop
const CampaignTask = "evaluation-campaign"

// VoiceSessionPayload identifies the pre-created session a task should drive
type VoiceSessionPayload struct {
	SessionID    string   `json:"session_id"`
	PersonaID    string   `json:"persona_id"`
	PromptID     string   `json:"prompt_id"`
	EvaluationID string   `json:"evaluation_id"`
	EpochNumber  int      `json:"epoch_number"`
	Goals        []string `json:"goals,omitempty"`
}

// CampaignPayload identifies the evaluation a campaign task should advance
type CampaignPayload struct {
	EvaluationID string `json:"evaluation_id"`
}

// SessionRunner drives one synthetic voice call to completion or failure.
// The returned session is always the final persisted state, also on error.
type SessionRunner interface {
	Run(ctx context.Context, payload VoiceSessionPayload) (*models.TestSession, error)
}

// DispatchResult is the finalized run plus its sessions
type DispatchResult struct {
	Run      *models.TestRun
	Sessions []*models.TestSession
}

// RunDispatcher fans a run's sessions out and back in
type RunDispatcher interface {
	Dispatch(ctx context.Context, run *models.TestRun, sessions []*models.TestSession, req DispatchRequest) (*DispatchResult, error)
}

// DispatchRequest carries the per-epoch context sessions need
type DispatchRequest struct {
	PromptID    string
	EpochNumber int
	Concurrency int
	Goals       []string
}

// AnalysisInput is everything the analyzer needs for one epoch
type AnalysisInput struct {
	Evaluation *models.Evaluation
	Epoch      *models.Epoch
	Run        *models.TestRun
	Sessions   []*models.TestSession
	Personas   []*models.Persona
}

// AnalysisResult is the analyzer's output for one epoch
type AnalysisResult struct {
	Metrics     []*models.MetricsRecord
	Suggestions []*models.HealingSuggestion
	// Conversions is keyed by session id
	Conversions map[string]*models.ConversionResult
	// ConversionRate is the epoch-wide rate over analyzed sessions, nil when none were analyzed
	ConversionRate *float64
	Usage          Usage
}

// ResultsAnalyzer scores sessions and proposes fixes
type ResultsAnalyzer interface {
	Analyze(ctx context.Context, input AnalysisInput) (*AnalysisResult, error)
}

// TranscriptSample is one bounded transcript excerpt given to the optimizer
type TranscriptSample struct {
	SessionID  string `json:"session_id"`
	PersonaID  string `json:"persona_id"`
	Converted  bool   `json:"converted"`
	Transcript string `json:"transcript"`
}

// OptimizationInput is the optimizer request
type OptimizationInput struct {
	CurrentPrompt string
	Metrics       []*models.MetricsRecord
	Suggestions   []*models.HealingSuggestion
	Transcripts   []TranscriptSample
	TargetMetric  models.TargetMetric
	Goals         []string
}

// OptimizationOutput is the optimizer response
type OptimizationOutput struct {
	RevisedPrompt        string
	Changes              []models.PromptChange
	Rationale            string
	PredictedImpact      string
	AppliedSuggestionIDs []string
	Usage                Usage
}

// PromptOptimizer rewrites a prompt. It never decides acceptance.
type PromptOptimizer interface {
	Optimize(ctx context.Context, input OptimizationInput) (*OptimizationOutput, error)
}

// EpochRequest is one generation to execute
type EpochRequest struct {
	Evaluation *models.Evaluation
	Epoch      *models.Epoch
	// Previous is the immediately preceding epoch, nil for epoch 1
	Previous *models.Epoch
}

// EpochExecutor runs one generation end to end. On error no part of the
// epoch is marked completed.
type EpochExecutor interface {
	Execute(ctx context.Context, req EpochRequest) (*models.Epoch, error)
}
