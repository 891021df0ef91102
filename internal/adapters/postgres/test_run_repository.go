package postgres

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

var _ ports.TestRunRepository = (*TestRunRepository)(nil)

type TestRunRepository struct {
	BaseRepository
}

func NewTestRunRepository(pool *pgxpool.Pool) *TestRunRepository {
	return &TestRunRepository{BaseRepository: NewBaseRepository(pool)}
}

const testRunColumns = `id, epoch_id, evaluation_id, prompt_id, status, total_sessions, completed_sessions,
	failed_sessions, accuracy, avg_latency_ms, total_tokens, total_cost, created_at, started_at, completed_at`

func (r *TestRunRepository) Create(ctx context.Context, run *models.TestRun) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO test_runs (
			id, epoch_id, evaluation_id, prompt_id, status, total_sessions, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.conn(ctx).Exec(ctx, query,
		run.ID,
		run.EpochID,
		run.EvaluationID,
		run.PromptID,
		run.Status,
		run.TotalSessions,
		run.CreatedAt,
	)
	return err
}

func (r *TestRunRepository) GetByID(ctx context.Context, id string) (*models.TestRun, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + testRunColumns + ` FROM test_runs WHERE id = $1`

	run, err := r.scanRun(r.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.NewNotFoundError("test run", id, domain.ErrTestRunNotFound)
		}
		return nil, err
	}
	return run, nil
}

func (r *TestRunRepository) GetByEpoch(ctx context.Context, epochID string) (*models.TestRun, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + testRunColumns + ` FROM test_runs WHERE epoch_id = $1`

	run, err := r.scanRun(r.conn(ctx).QueryRow(ctx, query, epochID))
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.NewNotFoundError("test run", epochID, domain.ErrTestRunNotFound)
		}
		return nil, err
	}
	return run, nil
}

func (r *TestRunRepository) Update(ctx context.Context, run *models.TestRun) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE test_runs SET
			status = $2,
			completed_sessions = $3,
			failed_sessions = $4,
			accuracy = $5,
			avg_latency_ms = $6,
			total_tokens = $7,
			total_cost = $8,
			started_at = $9,
			completed_at = $10
		WHERE id = $1`

	result, err := r.conn(ctx).Exec(ctx, query,
		run.ID,
		run.Status,
		run.CompletedSessions,
		run.FailedSessions,
		nullFloat(run.Accuracy),
		nullFloat(run.AvgLatencyMs),
		run.TotalTokens,
		run.TotalCost,
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("test run", run.ID, domain.ErrTestRunNotFound)
	}
	return nil
}

func (r *TestRunRepository) scanRun(row pgx.Row) (*models.TestRun, error) {
	var run models.TestRun
	var accuracy, latency sql.NullFloat64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.EpochID,
		&run.EvaluationID,
		&run.PromptID,
		&run.Status,
		&run.TotalSessions,
		&run.CompletedSessions,
		&run.FailedSessions,
		&accuracy,
		&latency,
		&run.TotalTokens,
		&run.TotalCost,
		&run.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Accuracy = getFloatPtr(accuracy)
	run.AvgLatencyMs = getFloatPtr(latency)
	run.StartedAt = getTimePtr(startedAt)
	run.CompletedAt = getTimePtr(completedAt)
	return &run, nil
}
