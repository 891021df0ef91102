package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

var _ ports.PersonaRepository = (*PersonaRepository)(nil)

// PersonaRepository is read-only; personas are managed elsewhere
type PersonaRepository struct {
	BaseRepository
}

func NewPersonaRepository(pool *pgxpool.Pool) *PersonaRepository {
	return &PersonaRepository{BaseRepository: NewBaseRepository(pool)}
}

const personaColumns = `id, name, description, traits, behavior_prompt, voice`

func (r *PersonaRepository) GetByID(ctx context.Context, id string) (*models.Persona, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + personaColumns + ` FROM personas WHERE id = $1`

	p, err := r.scanPersona(r.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.NewNotFoundError("persona", id, domain.ErrPersonaNotFound)
		}
		return nil, err
	}
	return p, nil
}

// GetByIDs returns personas in the order of ids. A missing id is a NotFoundError.
func (r *PersonaRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.Persona, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + personaColumns + ` FROM personas WHERE id = ANY($1)`

	rows, err := r.conn(ctx).Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*models.Persona, len(ids))
	for rows.Next() {
		p, err := r.scanPersona(rows)
		if err != nil {
			return nil, err
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	personas := make([]*models.Persona, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, domain.NewNotFoundError("persona", id, domain.ErrPersonaNotFound)
		}
		personas = append(personas, p)
	}
	return personas, nil
}

func (r *PersonaRepository) List(ctx context.Context) ([]*models.Persona, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+personaColumns+` FROM personas ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var personas []*models.Persona
	for rows.Next() {
		p, err := r.scanPersona(rows)
		if err != nil {
			return nil, err
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

func (r *PersonaRepository) scanPersona(row pgx.Row) (*models.Persona, error) {
	var p models.Persona
	var voice sql.NullString
	var traits []byte

	if err := row.Scan(&p.ID, &p.Name, &p.Description, &traits, &p.BehaviorPrompt, &voice); err != nil {
		return nil, err
	}
	p.Voice = getString(voice)
	if err := unmarshalJSONField(traits, &p.Traits); err != nil {
		return nil, fmt.Errorf("unmarshal persona traits: %w", err)
	}
	return &p, nil
}
