package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

var _ ports.EpochRepository = (*EpochRepository)(nil)

type EpochRepository struct {
	BaseRepository
}

func NewEpochRepository(pool *pgxpool.Pool) *EpochRepository {
	return &EpochRepository{BaseRepository: NewBaseRepository(pool)}
}

const epochColumns = `id, evaluation_id, epoch_number, prompt_id, previous_epoch_id, status, test_run_id,
	accuracy, conversion_rate, avg_latency_ms, accuracy_delta, conversion_delta, latency_delta,
	is_accepted, resulting_prompt_id, improvement, error_message, created_at, started_at, completed_at`

func (r *EpochRepository) Create(ctx context.Context, ep *models.Epoch) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO epochs (
			id, evaluation_id, epoch_number, prompt_id, previous_epoch_id, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.conn(ctx).Exec(ctx, query,
		ep.ID,
		ep.EvaluationID,
		ep.EpochNumber,
		ep.PromptID,
		nullString(ep.PreviousEpochID),
		ep.Status,
		ep.CreatedAt,
	)
	return err
}

func (r *EpochRepository) GetByID(ctx context.Context, id string) (*models.Epoch, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + epochColumns + ` FROM epochs WHERE id = $1`

	ep, err := r.scanEpoch(r.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.NewNotFoundError("epoch", id, domain.ErrEpochNotFound)
		}
		return nil, err
	}
	return ep, nil
}

func (r *EpochRepository) GetLatest(ctx context.Context, evaluationID string) (*models.Epoch, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + epochColumns + `
		FROM epochs
		WHERE evaluation_id = $1
		ORDER BY epoch_number DESC
		LIMIT 1`

	ep, err := r.scanEpoch(r.conn(ctx).QueryRow(ctx, query, evaluationID))
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.NewNotFoundError("epoch", evaluationID, domain.ErrEpochNotFound)
		}
		return nil, err
	}
	return ep, nil
}

func (r *EpochRepository) ListByEvaluation(ctx context.Context, evaluationID string) ([]*models.Epoch, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + epochColumns + `
		FROM epochs
		WHERE evaluation_id = $1
		ORDER BY epoch_number ASC`

	rows, err := r.conn(ctx).Query(ctx, query, evaluationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var epochs []*models.Epoch
	for rows.Next() {
		ep, err := r.scanEpoch(rows)
		if err != nil {
			return nil, err
		}
		epochs = append(epochs, ep)
	}
	return epochs, rows.Err()
}

func (r *EpochRepository) Update(ctx context.Context, ep *models.Epoch) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var improvement []byte
	if ep.Improvement != nil {
		var err error
		if improvement, err = json.Marshal(ep.Improvement); err != nil {
			return fmt.Errorf("marshal improvement: %w", err)
		}
	}

	query := `
		UPDATE epochs SET
			status = $2,
			test_run_id = $3,
			accuracy = $4,
			conversion_rate = $5,
			avg_latency_ms = $6,
			accuracy_delta = $7,
			conversion_delta = $8,
			latency_delta = $9,
			is_accepted = $10,
			resulting_prompt_id = $11,
			improvement = $12,
			error_message = $13,
			started_at = $14,
			completed_at = $15
		WHERE id = $1`

	result, err := r.conn(ctx).Exec(ctx, query,
		ep.ID,
		ep.Status,
		nullString(ep.TestRunID),
		nullFloat(ep.Accuracy),
		nullFloat(ep.ConversionRate),
		nullFloat(ep.AvgLatencyMs),
		nullFloat(ep.AccuracyDelta),
		nullFloat(ep.ConversionDelta),
		nullFloat(ep.LatencyDelta),
		ep.IsAccepted,
		nullString(ep.ResultingPromptID),
		improvement,
		nullString(ep.ErrorMessage),
		nullTime(ep.StartedAt),
		nullTime(ep.CompletedAt),
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("epoch", ep.ID, domain.ErrEpochNotFound)
	}
	return nil
}

func (r *EpochRepository) scanEpoch(row pgx.Row) (*models.Epoch, error) {
	var ep models.Epoch
	var previousEpochID, testRunID, resultingPromptID, errorMessage sql.NullString
	var accuracy, conversion, latency, accDelta, convDelta, latDelta sql.NullFloat64
	var startedAt, completedAt sql.NullTime
	var improvement []byte

	err := row.Scan(
		&ep.ID,
		&ep.EvaluationID,
		&ep.EpochNumber,
		&ep.PromptID,
		&previousEpochID,
		&ep.Status,
		&testRunID,
		&accuracy,
		&conversion,
		&latency,
		&accDelta,
		&convDelta,
		&latDelta,
		&ep.IsAccepted,
		&resultingPromptID,
		&improvement,
		&errorMessage,
		&ep.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	ep.PreviousEpochID = getString(previousEpochID)
	ep.TestRunID = getString(testRunID)
	ep.Accuracy = getFloatPtr(accuracy)
	ep.ConversionRate = getFloatPtr(conversion)
	ep.AvgLatencyMs = getFloatPtr(latency)
	ep.AccuracyDelta = getFloatPtr(accDelta)
	ep.ConversionDelta = getFloatPtr(convDelta)
	ep.LatencyDelta = getFloatPtr(latDelta)
	ep.ResultingPromptID = getString(resultingPromptID)
	ep.ErrorMessage = getString(errorMessage)
	ep.StartedAt = getTimePtr(startedAt)
	ep.CompletedAt = getTimePtr(completedAt)

	if ep.Improvement, err = unmarshalJSONPointer[models.ImprovementRecord](improvement); err != nil {
		return nil, fmt.Errorf("unmarshal improvement: %w", err)
	}

	return &ep, nil
}
