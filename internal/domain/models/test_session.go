package models

import "time"

// TurnRole identifies who spoke a transcript turn.
type TurnRole string

const (
	TurnRoleAgent   TurnRole = "agent"
	TurnRolePersona TurnRole = "persona"
)

// TranscriptTurn is one utterance in a session transcript.
type TranscriptTurn struct {
	Role      TurnRole  `json:"role"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
	LatencyMs *float64  `json:"latency_ms,omitempty"`
}

// EndReason records why a session stopped.
type EndReason string

const (
	EndReasonGoodbye     EndReason = "goodbye"
	EndReasonMaxTurns    EndReason = "max_turns"
	EndReasonMaxDuration EndReason = "max_duration"
	EndReasonTimeout     EndReason = "timeout"
	EndReasonDisconnect  EndReason = "disconnect"
	EndReasonError       EndReason = "error"
)

// TestSession is one synthetic voice call.
type TestSession struct {
	ID              string            `json:"id"`
	TestRunID       string            `json:"test_run_id"`
	EpochID         string            `json:"epoch_id"`
	EvaluationID    string            `json:"evaluation_id"`
	PersonaID       string            `json:"persona_id"`
	InstanceNumber  int               `json:"instance_number"`
	Status          TestSessionStatus `json:"status"`
	RoomName        string            `json:"room_name,omitempty"`
	Transcript      []TranscriptTurn  `json:"transcript"`
	Turns           int               `json:"turns"`
	DurationSeconds float64           `json:"duration_seconds"`
	Accuracy        *float64          `json:"accuracy,omitempty"`
	AvgLatencyMs    *float64          `json:"avg_latency_ms,omitempty"`
	Tokens          int               `json:"tokens"`
	Cost            float64           `json:"cost"`
	RecordingURL    string            `json:"recording_url,omitempty"`
	EndReason       EndReason         `json:"end_reason,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

func NewTestSession(id string, run *TestRun, personaID string, instance int) *TestSession {
	return &TestSession{
		ID:             id,
		TestRunID:      run.ID,
		EpochID:        run.EpochID,
		EvaluationID:   run.EvaluationID,
		PersonaID:      personaID,
		InstanceNumber: instance,
		Status:         TestSessionStatusPending,
		Transcript:     []TranscriptTurn{},
		CreatedAt:      time.Now().UTC(),
	}
}

func (s *TestSession) TransitionTo(next TestSessionStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return newInvalidTransition("test session", s.Status, next)
	}
	now := time.Now().UTC()
	switch next {
	case TestSessionStatusRunning:
		s.StartedAt = &now
	case TestSessionStatusCompleted, TestSessionStatusFailed:
		s.CompletedAt = &now
	}
	s.Status = next
	return nil
}

// TranscriptText renders the transcript as "role: text" lines.
func (s *TestSession) TranscriptText() string {
	return FormatTranscript(s.Transcript)
}

// FormatTranscript renders turns as "role: text" lines.
func FormatTranscript(turns []TranscriptTurn) string {
	var out []byte
	for i, t := range turns {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, t.Role...)
		out = append(out, ": "...)
		out = append(out, t.Text...)
	}
	return string(out)
}
