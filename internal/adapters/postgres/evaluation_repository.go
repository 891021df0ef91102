package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

var _ ports.EvaluationRepository = (*EvaluationRepository)(nil)

type EvaluationRepository struct {
	BaseRepository
}

func NewEvaluationRepository(pool *pgxpool.Pool) *EvaluationRepository {
	return &EvaluationRepository{BaseRepository: NewBaseRepository(pool)}
}

const evaluationColumns = `id, name, status, pause_requested, source_prompt_id, current_epoch_number, best_prompt_id,
	best_accuracy, best_conversion_rate, winner_prompt_id, config, error_message,
	failed_epoch_number, created_at, updated_at, started_at, completed_at`

func (r *EvaluationRepository) Create(ctx context.Context, e *models.Evaluation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	config, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("marshal evaluation config: %w", err)
	}

	query := `
		INSERT INTO evaluations (
			id, name, status, source_prompt_id, current_epoch_number, config, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.conn(ctx).Exec(ctx, query,
		e.ID,
		e.Name,
		e.Status,
		e.SourcePromptID,
		e.CurrentEpochNumber,
		config,
		e.CreatedAt,
		e.UpdatedAt,
	)
	return err
}

func (r *EvaluationRepository) GetByID(ctx context.Context, id string) (*models.Evaluation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + evaluationColumns + ` FROM evaluations WHERE id = $1`

	e, err := r.scanEvaluation(r.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.NewNotFoundError("evaluation", id, domain.ErrEvaluationNotFound)
		}
		return nil, err
	}
	return e, nil
}

func (r *EvaluationRepository) List(ctx context.Context, limit, offset int) ([]*models.Evaluation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + evaluationColumns + `
		FROM evaluations
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.conn(ctx).Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evaluations []*models.Evaluation
	for rows.Next() {
		e, err := r.scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evaluations = append(evaluations, e)
	}
	return evaluations, rows.Err()
}

func (r *EvaluationRepository) UpdateStatus(ctx context.Context, e *models.Evaluation, from models.EvaluationStatus) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	e.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE evaluations SET
			status = $2,
			winner_prompt_id = $3,
			error_message = $4,
			failed_epoch_number = $5,
			pause_requested = $6,
			started_at = $7,
			completed_at = $8,
			updated_at = $9
		WHERE id = $1 AND status = $10`

	result, err := r.conn(ctx).Exec(ctx, query,
		e.ID,
		e.Status,
		nullString(e.WinnerPromptID),
		nullString(e.ErrorMessage),
		nullIntPtr(e.FailedEpochNumber),
		e.PauseRequested,
		nullTime(e.StartedAt),
		nullTime(e.CompletedAt),
		e.UpdatedAt,
		from,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return r.statusConflict(ctx, e.ID)
	}
	return nil
}

func (r *EvaluationRepository) RequestPause(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE evaluations SET
			pause_requested = TRUE,
			updated_at = $2
		WHERE id = $1 AND status = $3 AND NOT pause_requested`

	result, err := r.conn(ctx).Exec(ctx, query, id, time.Now().UTC(), models.EvaluationStatusRunning)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return r.statusConflict(ctx, id)
	}
	return nil
}

// statusConflict explains a conditional update that matched no row
func (r *EvaluationRepository) statusConflict(ctx context.Context, id string) error {
	var status models.EvaluationStatus
	var pauseRequested bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT status, pause_requested FROM evaluations WHERE id = $1`, id,
	).Scan(&status, &pauseRequested)
	if err != nil {
		if checkNoRows(err) {
			return domain.NewNotFoundError("evaluation", id, domain.ErrEvaluationNotFound)
		}
		return err
	}
	msg := fmt.Sprintf("evaluation %s is %s", id, status)
	if pauseRequested {
		msg += " with a pause pending"
	}
	return domain.NewDomainError(domain.ErrStatusConflict, msg)
}

func (r *EvaluationRepository) UpdateProgress(ctx context.Context, e *models.Evaluation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	e.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE evaluations SET
			current_epoch_number = $2,
			best_prompt_id = $3,
			best_accuracy = $4,
			best_conversion_rate = $5,
			updated_at = $6
		WHERE id = $1`

	result, err := r.conn(ctx).Exec(ctx, query,
		e.ID,
		e.CurrentEpochNumber,
		nullString(e.BestPromptID),
		nullFloat(e.BestAccuracy),
		nullFloat(e.BestConversionRate),
		e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("evaluation", e.ID, domain.ErrEvaluationNotFound)
	}
	return nil
}

func (r *EvaluationRepository) scanEvaluation(row pgx.Row) (*models.Evaluation, error) {
	var e models.Evaluation
	var bestPromptID, winnerPromptID, errorMessage sql.NullString
	var bestAccuracy, bestConversion sql.NullFloat64
	var failedEpoch sql.NullInt32
	var startedAt, completedAt sql.NullTime
	var config []byte

	err := row.Scan(
		&e.ID,
		&e.Name,
		&e.Status,
		&e.PauseRequested,
		&e.SourcePromptID,
		&e.CurrentEpochNumber,
		&bestPromptID,
		&bestAccuracy,
		&bestConversion,
		&winnerPromptID,
		&config,
		&errorMessage,
		&failedEpoch,
		&e.CreatedAt,
		&e.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	e.BestPromptID = getString(bestPromptID)
	e.BestAccuracy = getFloatPtr(bestAccuracy)
	e.BestConversionRate = getFloatPtr(bestConversion)
	e.WinnerPromptID = getString(winnerPromptID)
	e.ErrorMessage = getString(errorMessage)
	e.FailedEpochNumber = getIntPtr(failedEpoch)
	e.StartedAt = getTimePtr(startedAt)
	e.CompletedAt = getTimePtr(completedAt)

	if err := unmarshalJSONField(config, &e.Config); err != nil {
		return nil, fmt.Errorf("unmarshal evaluation config: %w", err)
	}

	return &e, nil
}
