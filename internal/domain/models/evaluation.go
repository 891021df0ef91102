package models

import (
	"time"

	"github.com/crafter-station/cadence-sub000/internal/domain"
)

// TargetMetric selects which epoch metric drives acceptance.
type TargetMetric string

const (
	TargetMetricAccuracy       TargetMetric = "accuracy"
	TargetMetricConversionRate TargetMetric = "conversion_rate"
)

func (m TargetMetric) IsValid() bool {
	return m == TargetMetricAccuracy || m == TargetMetricConversionRate
}

// EvaluationConfig is the immutable campaign configuration.
type EvaluationConfig struct {
	MaxEpochs            int          `json:"max_epochs" yaml:"max_epochs" toml:"max_epochs"`
	TestsPerEpoch        int          `json:"tests_per_epoch" yaml:"tests_per_epoch" toml:"tests_per_epoch"`
	PersonaIDs           []string     `json:"persona_ids" yaml:"persona_ids" toml:"persona_ids"`
	Concurrency          int          `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
	ImprovementThreshold float64      `json:"improvement_threshold" yaml:"improvement_threshold" toml:"improvement_threshold"`
	TargetMetric         TargetMetric `json:"target_metric" yaml:"target_metric" toml:"target_metric"`
	Goals                []string     `json:"goals,omitempty" yaml:"goals" toml:"goals"`
}

// Validate returns a *domain.ValidationError for the first invalid field.
func (c EvaluationConfig) Validate() error {
	switch {
	case c.MaxEpochs < 1:
		return domain.NewValidationError("max_epochs", "must be at least 1")
	case c.TestsPerEpoch < 1:
		return domain.NewValidationError("tests_per_epoch", "must be at least 1")
	case len(c.PersonaIDs) == 0:
		return domain.NewValidationError("persona_ids", "must name at least one persona")
	case c.Concurrency < 1:
		return domain.NewValidationError("concurrency", "must be at least 1")
	case c.ImprovementThreshold < 0:
		return domain.NewValidationError("improvement_threshold", "must not be negative")
	case !c.TargetMetric.IsValid():
		return domain.NewValidationError("target_metric", "must be accuracy or conversion_rate")
	}
	seen := make(map[string]bool, len(c.PersonaIDs))
	for _, id := range c.PersonaIDs {
		if id == "" {
			return domain.NewValidationError("persona_ids", "must not contain empty ids")
		}
		if seen[id] {
			return domain.NewValidationError("persona_ids", "must not contain duplicates")
		}
		seen[id] = true
	}
	return nil
}

// Evaluation is one optimization campaign.
type Evaluation struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Status             EvaluationStatus `json:"status"`
	// PauseRequested is set while running; the controller pauses at the next epoch boundary.
	PauseRequested     bool             `json:"pause_requested"`
	SourcePromptID     string           `json:"source_prompt_id"`
	CurrentEpochNumber int              `json:"current_epoch_number"`
	BestPromptID       string           `json:"best_prompt_id,omitempty"`
	BestAccuracy       *float64         `json:"best_accuracy,omitempty"`
	BestConversionRate *float64         `json:"best_conversion_rate,omitempty"`
	WinnerPromptID     string           `json:"winner_prompt_id,omitempty"`
	Config             EvaluationConfig `json:"config"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	FailedEpochNumber  *int             `json:"failed_epoch_number,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

func NewEvaluation(id, name, sourcePromptID string, cfg EvaluationConfig) *Evaluation {
	now := time.Now().UTC()
	return &Evaluation{
		ID:             id,
		Name:           name,
		Status:         EvaluationStatusPending,
		SourcePromptID: sourcePromptID,
		Config:         cfg,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TransitionTo moves the evaluation to next, or returns an InvalidTransitionError.
func (e *Evaluation) TransitionTo(next EvaluationStatus) error {
	if !e.Status.CanTransitionTo(next) {
		return newInvalidTransition("evaluation", e.Status, next)
	}
	now := time.Now().UTC()
	if next == EvaluationStatusRunning && e.StartedAt == nil {
		e.StartedAt = &now
	}
	if next.IsTerminal() {
		e.CompletedAt = &now
	}
	if next != EvaluationStatusRunning {
		e.PauseRequested = false
	}
	e.Status = next
	e.UpdatedAt = now
	return nil
}

// RequestPause marks a running evaluation to pause once its current epoch ends.
func (e *Evaluation) RequestPause() error {
	if e.Status != EvaluationStatusRunning {
		return newInvalidTransition("evaluation", e.Status, EvaluationStatusPaused)
	}
	if e.PauseRequested {
		return domain.NewDomainError(domain.ErrInvalidState, "pause already requested")
	}
	e.PauseRequested = true
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// AcceptedPromptID is the prompt the next epoch is bound to.
func (e *Evaluation) AcceptedPromptID() string {
	if e.BestPromptID != "" {
		return e.BestPromptID
	}
	return e.SourcePromptID
}

// BestMetric returns the best-so-far value of the configured target metric.
func (e *Evaluation) BestMetric() *float64 {
	if e.Config.TargetMetric == TargetMetricConversionRate {
		return e.BestConversionRate
	}
	return e.BestAccuracy
}

// Accept records an accepted epoch as the new best-so-far.
func (e *Evaluation) Accept(ep *Epoch) {
	e.BestPromptID = ep.ResultingPromptID
	e.BestAccuracy = copyFloat(ep.Accuracy)
	e.BestConversionRate = copyFloat(ep.ConversionRate)
	e.UpdatedAt = time.Now().UTC()
}

// Fail records the failing epoch and cause, then moves to failed.
func (e *Evaluation) Fail(epochNumber int, cause error) error {
	if err := e.TransitionTo(EvaluationStatusFailed); err != nil {
		return err
	}
	if epochNumber > 0 {
		n := epochNumber
		e.FailedEpochNumber = &n
	}
	if cause != nil {
		e.ErrorMessage = cause.Error()
	}
	return nil
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
