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

var _ ports.PromptVersionRepository = (*PromptVersionRepository)(nil)

// PromptVersionRepository stores immutable prompt versions. There is no update path.
type PromptVersionRepository struct {
	BaseRepository
}

func NewPromptVersionRepository(pool *pgxpool.Pool) *PromptVersionRepository {
	return &PromptVersionRepository{BaseRepository: NewBaseRepository(pool)}
}

func (r *PromptVersionRepository) Create(ctx context.Context, v *models.PromptVersion) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO prompt_versions (
			id, evaluation_id, content, version, parent_id, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.conn(ctx).Exec(ctx, query,
		v.ID,
		nullString(v.EvaluationID),
		v.Content,
		v.Version,
		nullString(v.ParentID),
		nullString(v.Description),
		v.CreatedAt,
	)
	return err
}

func (r *PromptVersionRepository) GetByID(ctx context.Context, id string) (*models.PromptVersion, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, evaluation_id, content, version, parent_id, description, created_at
		FROM prompt_versions
		WHERE id = $1`

	v, err := r.scanVersion(r.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.NewNotFoundError("prompt version", id, domain.ErrPromptNotFound)
		}
		return nil, err
	}
	return v, nil
}

func (r *PromptVersionRepository) NextVersionNumber(ctx context.Context, evaluationID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var next int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM prompt_versions WHERE evaluation_id = $1`,
		evaluationID,
	).Scan(&next)
	return next, err
}

func (r *PromptVersionRepository) ListByEvaluation(ctx context.Context, evaluationID string) ([]*models.PromptVersion, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, evaluation_id, content, version, parent_id, description, created_at
		FROM prompt_versions
		WHERE evaluation_id = $1
		ORDER BY version ASC`

	rows, err := r.conn(ctx).Query(ctx, query, evaluationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*models.PromptVersion
	for rows.Next() {
		v, err := r.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (r *PromptVersionRepository) scanVersion(row pgx.Row) (*models.PromptVersion, error) {
	var v models.PromptVersion
	var evaluationID, parentID, description sql.NullString

	if err := row.Scan(&v.ID, &evaluationID, &v.Content, &v.Version, &parentID, &description, &v.CreatedAt); err != nil {
		return nil, err
	}

	v.EvaluationID = getString(evaluationID)
	v.ParentID = getString(parentID)
	v.Description = getString(description)
	return &v, nil
}
