package models

import "time"

// TestRun is one batch of sessions for an epoch.
type TestRun struct {
	ID                string        `json:"id"`
	EpochID           string        `json:"epoch_id"`
	EvaluationID      string        `json:"evaluation_id"`
	PromptID          string        `json:"prompt_id"`
	Status            TestRunStatus `json:"status"`
	TotalSessions     int           `json:"total_sessions"`
	CompletedSessions int           `json:"completed_sessions"`
	FailedSessions    int           `json:"failed_sessions"`
	Accuracy          *float64      `json:"accuracy,omitempty"`
	AvgLatencyMs      *float64      `json:"avg_latency_ms,omitempty"`
	TotalTokens       int           `json:"total_tokens"`
	TotalCost         float64       `json:"total_cost"`
	CreatedAt         time.Time     `json:"created_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

func NewTestRun(id, epochID, evaluationID, promptID string, totalSessions int) *TestRun {
	return &TestRun{
		ID:            id,
		EpochID:       epochID,
		EvaluationID:  evaluationID,
		PromptID:      promptID,
		Status:        TestRunStatusPending,
		TotalSessions: totalSessions,
		CreatedAt:     time.Now().UTC(),
	}
}

func (r *TestRun) TransitionTo(next TestRunStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return newInvalidTransition("test run", r.Status, next)
	}
	now := time.Now().UTC()
	switch next {
	case TestRunStatusRunning:
		r.StartedAt = &now
	case TestRunStatusCompleted, TestRunStatusFailed:
		r.CompletedAt = &now
	}
	r.Status = next
	return nil
}

// Aggregate folds finished sessions into the run counters and means.
// Means cover only sessions with a non-null value; token and cost counters
// sum across every session regardless of outcome.
func (r *TestRun) Aggregate(sessions []*TestSession) {
	r.CompletedSessions, r.FailedSessions = 0, 0
	r.TotalTokens, r.TotalCost = 0, 0

	var accSum, latSum float64
	var accN, latN int
	for _, s := range sessions {
		r.TotalTokens += s.Tokens
		r.TotalCost += s.Cost
		switch s.Status {
		case TestSessionStatusCompleted:
			r.CompletedSessions++
		case TestSessionStatusFailed:
			r.FailedSessions++
			continue
		default:
			continue
		}
		if s.Accuracy != nil {
			accSum += *s.Accuracy
			accN++
		}
		if s.AvgLatencyMs != nil {
			latSum += *s.AvgLatencyMs
			latN++
		}
	}

	r.Accuracy, r.AvgLatencyMs = nil, nil
	if accN > 0 {
		r.Accuracy = Float(accSum / float64(accN))
	}
	if latN > 0 {
		r.AvgLatencyMs = Float(latSum / float64(latN))
	}
}

// FinalStatus is failed only when no session completed.
func (r *TestRun) FinalStatus() TestRunStatus {
	if r.CompletedSessions == 0 {
		return TestRunStatusFailed
	}
	return TestRunStatusCompleted
}
