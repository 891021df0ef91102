package ports

import (
	"context"
	"time"

	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

// EvaluationRepository defines operations for campaign persistence.
// Progress columns are written only by the campaign controller.
type EvaluationRepository interface {
	Create(ctx context.Context, evaluation *models.Evaluation) error
	GetByID(ctx context.Context, id string) (*models.Evaluation, error)
	List(ctx context.Context, limit, offset int) ([]*models.Evaluation, error)
	// UpdateStatus persists status, winner, error, the pause flag and lifecycle
	// timestamps, but only while the stored status is still from. Otherwise it
	// returns domain.ErrStatusConflict and writes nothing.
	UpdateStatus(ctx context.Context, evaluation *models.Evaluation, from models.EvaluationStatus) error
	// RequestPause sets the pause flag of a running evaluation. It returns
	// domain.ErrStatusConflict when the evaluation is not running or a pause
	// is already pending.
	RequestPause(ctx context.Context, id string) error
	// UpdateProgress persists currentEpochNumber and the best-so-far fields.
	UpdateProgress(ctx context.Context, evaluation *models.Evaluation) error
}

// EpochRepository defines operations for epoch persistence
type EpochRepository interface {
	Create(ctx context.Context, epoch *models.Epoch) error
	GetByID(ctx context.Context, id string) (*models.Epoch, error)
	Update(ctx context.Context, epoch *models.Epoch) error
	// GetLatest returns the highest-numbered epoch of an evaluation.
	GetLatest(ctx context.Context, evaluationID string) (*models.Epoch, error)
	ListByEvaluation(ctx context.Context, evaluationID string) ([]*models.Epoch, error)
}

// TestRunRepository defines operations for test run persistence
type TestRunRepository interface {
	Create(ctx context.Context, run *models.TestRun) error
	GetByID(ctx context.Context, id string) (*models.TestRun, error)
	GetByEpoch(ctx context.Context, epochID string) (*models.TestRun, error)
	Update(ctx context.Context, run *models.TestRun) error
}

// TestSessionRepository defines operations for test session persistence
type TestSessionRepository interface {
	CreateBatch(ctx context.Context, sessions []*models.TestSession) error
	GetByID(ctx context.Context, id string) (*models.TestSession, error)
	Update(ctx context.Context, session *models.TestSession) error
	// SaveTranscript writes the transcript and turn count only.
	SaveTranscript(ctx context.Context, sessionID string, transcript []models.TranscriptTurn, turns int) error
	ListByRun(ctx context.Context, runID string) ([]*models.TestSession, error)
}

// PromptVersionRepository defines operations for prompt version persistence.
// Versions are immutable once created.
type PromptVersionRepository interface {
	Create(ctx context.Context, version *models.PromptVersion) error
	GetByID(ctx context.Context, id string) (*models.PromptVersion, error)
	// NextVersionNumber returns max(version)+1 among an evaluation's versions.
	NextVersionNumber(ctx context.Context, evaluationID string) (int, error)
	ListByEvaluation(ctx context.Context, evaluationID string) ([]*models.PromptVersion, error)
}

// PersonaRepository provides read-only access to personas
type PersonaRepository interface {
	GetByID(ctx context.Context, id string) (*models.Persona, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.Persona, error)
	List(ctx context.Context) ([]*models.Persona, error)
}

// MetricsRecordRepository defines operations for per-persona epoch metrics
type MetricsRecordRepository interface {
	Create(ctx context.Context, record *models.MetricsRecord) error
	ListByEpoch(ctx context.Context, epochID string) ([]*models.MetricsRecord, error)
}

// HealingSuggestionRepository defines operations for healing suggestions
type HealingSuggestionRepository interface {
	Create(ctx context.Context, suggestion *models.HealingSuggestion) error
	ListByEpoch(ctx context.Context, epochID string) ([]*models.HealingSuggestion, error)
	MarkApplied(ctx context.Context, ids []string, promptVersionID string, at time.Time) error
}

// SnapshotRepository defines append-only snapshot persistence
type SnapshotRepository interface {
	Create(ctx context.Context, snapshot *models.Snapshot) error
	ListByEpoch(ctx context.Context, epochID string) ([]*models.Snapshot, error)
}

// TransactionManager handles database transactions
type TransactionManager interface {
	// WithTransaction executes a function within a database transaction
	// If the function returns an error, the transaction is rolled back
	// Otherwise, the transaction is committed
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// IDGenerator generates unique IDs for entities
type IDGenerator interface {
	// GenerateEvaluationID generates a new evaluation ID (eval_xxx)
	GenerateEvaluationID() string

	// GenerateEpochID generates a new epoch ID (ep_xxx)
	GenerateEpochID() string

	// GenerateTestRunID generates a new test run ID (run_xxx)
	GenerateTestRunID() string

	// GenerateTestSessionID generates a new test session ID (ts_xxx)
	GenerateTestSessionID() string

	// GeneratePromptVersionID generates a new prompt version ID (pv_xxx)
	GeneratePromptVersionID() string

	// GenerateMetricsRecordID generates a new metrics record ID (mr_xxx)
	GenerateMetricsRecordID() string

	// GenerateSuggestionID generates a new healing suggestion ID (hs_xxx)
	GenerateSuggestionID() string

	// GenerateSnapshotID generates a new snapshot ID (snap_xxx)
	GenerateSnapshotID() string
}
