package models

import "time"

// ChangeType classifies one structured prompt edit.
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeRemoved  ChangeType = "removed"
	ChangeTypeModified ChangeType = "modified"
)

// PromptChange is one structured edit produced by the optimizer.
type PromptChange struct {
	Section    string     `json:"section"`
	Before     string     `json:"before,omitempty"`
	After      string     `json:"after,omitempty"`
	ChangeType ChangeType `json:"change_type"`
}

// ImprovementRecord is the "improvement applied" record persisted on an epoch.
type ImprovementRecord struct {
	Changes              []PromptChange `json:"changes"`
	Rationale            string         `json:"rationale"`
	PredictedImpact      string         `json:"predicted_impact,omitempty"`
	AppliedSuggestionIDs []string       `json:"applied_suggestion_ids,omitempty"`
}

// Epoch is one generation within an evaluation.
type Epoch struct {
	ID                string             `json:"id"`
	EvaluationID      string             `json:"evaluation_id"`
	EpochNumber       int                `json:"epoch_number"`
	PromptID          string             `json:"prompt_id"`
	PreviousEpochID   string             `json:"previous_epoch_id,omitempty"`
	Status            EpochStatus        `json:"status"`
	TestRunID         string             `json:"test_run_id,omitempty"`
	Accuracy          *float64           `json:"accuracy,omitempty"`
	ConversionRate    *float64           `json:"conversion_rate,omitempty"`
	AvgLatencyMs      *float64           `json:"avg_latency_ms,omitempty"`
	AccuracyDelta     *float64           `json:"accuracy_delta,omitempty"`
	ConversionDelta   *float64           `json:"conversion_delta,omitempty"`
	LatencyDelta      *float64           `json:"latency_delta,omitempty"`
	IsAccepted        bool               `json:"is_accepted"`
	ResultingPromptID string             `json:"resulting_prompt_id,omitempty"`
	Improvement       *ImprovementRecord `json:"improvement,omitempty"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

func NewEpoch(id, evaluationID string, number int, promptID, previousEpochID string) *Epoch {
	return &Epoch{
		ID:              id,
		EvaluationID:    evaluationID,
		EpochNumber:     number,
		PromptID:        promptID,
		PreviousEpochID: previousEpochID,
		Status:          EpochStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}

func (e *Epoch) TransitionTo(next EpochStatus) error {
	if !e.Status.CanTransitionTo(next) {
		return newInvalidTransition("epoch", e.Status, next)
	}
	now := time.Now().UTC()
	switch next {
	case EpochStatusRunning:
		e.StartedAt = &now
	case EpochStatusCompleted, EpochStatusFailed:
		e.CompletedAt = &now
	}
	e.Status = next
	return nil
}

// MetricValue returns the epoch's value for the given target metric.
func (e *Epoch) MetricValue(m TargetMetric) *float64 {
	if m == TargetMetricConversionRate {
		return e.ConversionRate
	}
	return e.Accuracy
}

// ApplyDeltas records the change of each metric against prev.
// Deltas stay nil when either side is unknown.
func (e *Epoch) ApplyDeltas(prev *Epoch) {
	if prev == nil {
		e.AccuracyDelta, e.ConversionDelta, e.LatencyDelta = nil, nil, nil
		return
	}
	e.AccuracyDelta = delta(e.Accuracy, prev.Accuracy)
	e.ConversionDelta = delta(e.ConversionRate, prev.ConversionRate)
	e.LatencyDelta = delta(e.AvgLatencyMs, prev.AvgLatencyMs)
}

func delta(cur, prev *float64) *float64 {
	if cur == nil || prev == nil {
		return nil
	}
	d := *cur - *prev
	return &d
}
