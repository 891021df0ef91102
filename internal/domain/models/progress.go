package models

import "time"

// ProgressKind enumerates live progress notifications.
type ProgressKind string

const (
	ProgressEvaluationStarted   ProgressKind = "evaluation.started"
	ProgressEvaluationPaused    ProgressKind = "evaluation.paused"
	ProgressEvaluationCompleted ProgressKind = "evaluation.completed"
	ProgressEvaluationFailed    ProgressKind = "evaluation.failed"
	ProgressEpochStarted        ProgressKind = "epoch.started"
	ProgressEpochCompleted      ProgressKind = "epoch.completed"
	ProgressEpochFailed         ProgressKind = "epoch.failed"
	ProgressRunCompleted        ProgressKind = "run.completed"
	ProgressSessionStarted      ProgressKind = "session.started"
	ProgressSessionTurn         ProgressKind = "session.turn"
	ProgressSessionCompleted    ProgressKind = "session.completed"
	ProgressSessionFailed       ProgressKind = "session.failed"
)

// ProgressEvent is one live-update notification for an evaluation.
type ProgressEvent struct {
	Kind         ProgressKind `json:"kind" msgpack:"kind"`
	EvaluationID string       `json:"evaluation_id" msgpack:"evaluation_id"`
	EpochID      string       `json:"epoch_id,omitempty" msgpack:"epoch_id,omitempty"`
	EpochNumber  int          `json:"epoch_number,omitempty" msgpack:"epoch_number,omitempty"`
	TestRunID    string       `json:"test_run_id,omitempty" msgpack:"test_run_id,omitempty"`
	SessionID    string       `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Message      string       `json:"message,omitempty" msgpack:"message,omitempty"`
	// Progress is a 0..1 completion fraction when known.
	Progress float64   `json:"progress,omitempty" msgpack:"progress,omitempty"`
	At       time.Time `json:"at" msgpack:"at"`
}
