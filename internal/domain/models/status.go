package models

import (
	"fmt"

	"github.com/crafter-station/cadence-sub000/internal/domain"
)

// EvaluationStatus is the lifecycle state of a campaign.
type EvaluationStatus string

const (
	EvaluationStatusPending   EvaluationStatus = "pending"
	EvaluationStatusRunning   EvaluationStatus = "running"
	EvaluationStatusPaused    EvaluationStatus = "paused"
	EvaluationStatusCompleted EvaluationStatus = "completed"
	EvaluationStatusFailed    EvaluationStatus = "failed"
	EvaluationStatusCancelled EvaluationStatus = "cancelled"
)

var evaluationTransitions = map[EvaluationStatus][]EvaluationStatus{
	EvaluationStatusPending: {EvaluationStatusRunning, EvaluationStatusCancelled},
	EvaluationStatusRunning: {EvaluationStatusPaused, EvaluationStatusCompleted, EvaluationStatusFailed, EvaluationStatusCancelled},
	EvaluationStatusPaused:  {EvaluationStatusRunning, EvaluationStatusCompleted, EvaluationStatusCancelled},
	// completed, failed and cancelled are terminal
	EvaluationStatusCompleted: nil,
	EvaluationStatusFailed:    nil,
	EvaluationStatusCancelled: nil,
}

func (s EvaluationStatus) IsValid() bool {
	_, ok := evaluationTransitions[s]
	return ok
}

func (s EvaluationStatus) IsTerminal() bool {
	return s.IsValid() && len(evaluationTransitions[s]) == 0
}

func (s EvaluationStatus) CanTransitionTo(next EvaluationStatus) bool {
	return canTransition(evaluationTransitions, s, next)
}

// EpochStatus is the lifecycle state of one generation.
type EpochStatus string

const (
	EpochStatusPending   EpochStatus = "pending"
	EpochStatusRunning   EpochStatus = "running"
	EpochStatusCompleted EpochStatus = "completed"
	EpochStatusFailed    EpochStatus = "failed"
)

var epochTransitions = map[EpochStatus][]EpochStatus{
	EpochStatusPending:   {EpochStatusRunning, EpochStatusFailed},
	EpochStatusRunning:   {EpochStatusCompleted, EpochStatusFailed},
	EpochStatusCompleted: nil,
	EpochStatusFailed:    nil,
}

func (s EpochStatus) IsValid() bool {
	_, ok := epochTransitions[s]
	return ok
}

func (s EpochStatus) IsTerminal() bool {
	return s.IsValid() && len(epochTransitions[s]) == 0
}

func (s EpochStatus) CanTransitionTo(next EpochStatus) bool {
	return canTransition(epochTransitions, s, next)
}

// TestRunStatus is the lifecycle state of one batch of sessions.
type TestRunStatus string

const (
	TestRunStatusPending   TestRunStatus = "pending"
	TestRunStatusRunning   TestRunStatus = "running"
	TestRunStatusCompleted TestRunStatus = "completed"
	TestRunStatusFailed    TestRunStatus = "failed"
)

var testRunTransitions = map[TestRunStatus][]TestRunStatus{
	TestRunStatusPending:   {TestRunStatusRunning, TestRunStatusFailed},
	TestRunStatusRunning:   {TestRunStatusCompleted, TestRunStatusFailed},
	TestRunStatusCompleted: nil,
	TestRunStatusFailed:    nil,
}

func (s TestRunStatus) IsValid() bool {
	_, ok := testRunTransitions[s]
	return ok
}

func (s TestRunStatus) IsTerminal() bool {
	return s.IsValid() && len(testRunTransitions[s]) == 0
}

func (s TestRunStatus) CanTransitionTo(next TestRunStatus) bool {
	return canTransition(testRunTransitions, s, next)
}

// TestSessionStatus is the lifecycle state of one synthetic call.
type TestSessionStatus string

const (
	TestSessionStatusPending   TestSessionStatus = "pending"
	TestSessionStatusRunning   TestSessionStatus = "running"
	TestSessionStatusCompleted TestSessionStatus = "completed"
	TestSessionStatusFailed    TestSessionStatus = "failed"
)

var testSessionTransitions = map[TestSessionStatus][]TestSessionStatus{
	TestSessionStatusPending:   {TestSessionStatusRunning, TestSessionStatusFailed},
	TestSessionStatusRunning:   {TestSessionStatusCompleted, TestSessionStatusFailed},
	TestSessionStatusCompleted: nil,
	TestSessionStatusFailed:    nil,
}

func (s TestSessionStatus) IsValid() bool {
	_, ok := testSessionTransitions[s]
	return ok
}

func (s TestSessionStatus) IsTerminal() bool {
	return s.IsValid() && len(testSessionTransitions[s]) == 0
}

func (s TestSessionStatus) CanTransitionTo(next TestSessionStatus) bool {
	return canTransition(testSessionTransitions, s, next)
}

func canTransition[S ~string](table map[S][]S, from, to S) bool {
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an error for invalid state transitions
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition from '%s' to '%s'", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return domain.ErrInvalidState }

func newInvalidTransition[S ~string](entity string, from, to S) *InvalidTransitionError {
	return &InvalidTransitionError{Entity: entity, From: string(from), To: string(to)}
}
