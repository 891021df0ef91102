package models

import "time"

// IssueFrequency counts how often one missed opportunity was observed.
type IssueFrequency struct {
	Issue string `json:"issue"`
	Count int    `json:"count"`
}

// MetricsRecord is the per-persona aggregate for an epoch.
type MetricsRecord struct {
	ID             string           `json:"id"`
	EvaluationID   string           `json:"evaluation_id"`
	EpochID        string           `json:"epoch_id"`
	PersonaID      string           `json:"persona_id"`
	Accuracy       *float64         `json:"accuracy,omitempty"`
	ConversionRate float64          `json:"conversion_rate"`
	AvgLatencyMs   *float64         `json:"avg_latency_ms,omitempty"`
	SessionsCount  int              `json:"sessions_count"`
	Conversions    int              `json:"conversions"`
	Issues         []IssueFrequency `json:"issues"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Severity grades a healing suggestion.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// NormalizeSeverity maps free text onto the closed set, defaulting to medium.
func NormalizeSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	}
	return SeverityMedium
}

// HealingSuggestion is a proposed, evidence-backed prompt fix.
type HealingSuggestion struct {
	ID                string     `json:"id"`
	EvaluationID      string     `json:"evaluation_id"`
	EpochID           string     `json:"epoch_id"`
	PersonaID         string     `json:"persona_id"`
	Issue             string     `json:"issue"`
	Suggestion        string     `json:"suggestion"`
	Confidence        float64    `json:"confidence"`
	Severity          Severity   `json:"severity"`
	Evidence          []string   `json:"evidence"`
	Examples          []string   `json:"examples,omitempty"`
	AppliedInPromptID string     `json:"applied_in_prompt_id,omitempty"`
	AppliedAt         *time.Time `json:"applied_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ConversionResult is the judge's verdict on one session.
type ConversionResult struct {
	Score               float64  `json:"score"`
	Achieved            bool     `json:"achieved"`
	MissedOpportunities []string `json:"missed_opportunities"`
}

// SnapshotMetrics are the per-session numbers kept for replay.
type SnapshotMetrics struct {
	Accuracy        *float64 `json:"accuracy,omitempty"`
	AvgLatencyMs    *float64 `json:"avg_latency_ms,omitempty"`
	Turns           int      `json:"turns"`
	DurationSeconds float64  `json:"duration_seconds"`
}

// Snapshot is an append-only replay record of one session.
type Snapshot struct {
	ID           string            `json:"id"`
	EvaluationID string            `json:"evaluation_id"`
	EpochID      string            `json:"epoch_id"`
	SessionID    string            `json:"session_id"`
	Transcript   []TranscriptTurn  `json:"transcript"`
	Metrics      SnapshotMetrics   `json:"metrics"`
	Conversion   ConversionResult  `json:"conversion"`
	Environment  map[string]string `json:"environment"`
	CreatedAt    time.Time         `json:"created_at"`
}
