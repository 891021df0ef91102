package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

var (
	_ ports.MetricsRecordRepository     = (*MetricsRecordRepository)(nil)
	_ ports.HealingSuggestionRepository = (*HealingSuggestionRepository)(nil)
	_ ports.SnapshotRepository          = (*SnapshotRepository)(nil)
)

type MetricsRecordRepository struct {
	BaseRepository
}

func NewMetricsRecordRepository(pool *pgxpool.Pool) *MetricsRecordRepository {
	return &MetricsRecordRepository{BaseRepository: NewBaseRepository(pool)}
}

func (r *MetricsRecordRepository) Create(ctx context.Context, m *models.MetricsRecord) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	issues, err := marshalJSON(m.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}

	query := `
		INSERT INTO metrics_records (
			id, evaluation_id, epoch_id, persona_id, accuracy, conversion_rate,
			avg_latency_ms, sessions_count, conversions, issues, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.conn(ctx).Exec(ctx, query,
		m.ID,
		m.EvaluationID,
		m.EpochID,
		m.PersonaID,
		nullFloat(m.Accuracy),
		m.ConversionRate,
		nullFloat(m.AvgLatencyMs),
		m.SessionsCount,
		m.Conversions,
		issues,
		m.CreatedAt,
	)
	return err
}

func (r *MetricsRecordRepository) ListByEpoch(ctx context.Context, epochID string) ([]*models.MetricsRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, evaluation_id, epoch_id, persona_id, accuracy, conversion_rate,
			avg_latency_ms, sessions_count, conversions, issues, created_at
		FROM metrics_records
		WHERE epoch_id = $1
		ORDER BY persona_id`

	rows, err := r.conn(ctx).Query(ctx, query, epochID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.MetricsRecord
	for rows.Next() {
		var m models.MetricsRecord
		var accuracy, latency sql.NullFloat64
		var issues []byte
		if err := rows.Scan(&m.ID, &m.EvaluationID, &m.EpochID, &m.PersonaID, &accuracy, &m.ConversionRate,
			&latency, &m.SessionsCount, &m.Conversions, &issues, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Accuracy = getFloatPtr(accuracy)
		m.AvgLatencyMs = getFloatPtr(latency)
		if err := unmarshalJSONField(issues, &m.Issues); err != nil {
			return nil, fmt.Errorf("unmarshal issues: %w", err)
		}
		records = append(records, &m)
	}
	return records, rows.Err()
}

type HealingSuggestionRepository struct {
	BaseRepository
}

func NewHealingSuggestionRepository(pool *pgxpool.Pool) *HealingSuggestionRepository {
	return &HealingSuggestionRepository{BaseRepository: NewBaseRepository(pool)}
}

func (r *HealingSuggestionRepository) Create(ctx context.Context, s *models.HealingSuggestion) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	evidence, err := marshalJSON(s.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	examples, err := marshalJSON(s.Examples)
	if err != nil {
		return fmt.Errorf("marshal examples: %w", err)
	}

	query := `
		INSERT INTO healing_suggestions (
			id, evaluation_id, epoch_id, persona_id, issue, suggestion, confidence,
			severity, evidence, examples, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.conn(ctx).Exec(ctx, query,
		s.ID,
		s.EvaluationID,
		s.EpochID,
		nullString(s.PersonaID),
		s.Issue,
		s.Suggestion,
		s.Confidence,
		s.Severity,
		evidence,
		examples,
		s.CreatedAt,
	)
	return err
}

func (r *HealingSuggestionRepository) ListByEpoch(ctx context.Context, epochID string) ([]*models.HealingSuggestion, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, evaluation_id, epoch_id, persona_id, issue, suggestion, confidence, severity,
			evidence, examples, applied_in_prompt_id, applied_at, created_at
		FROM healing_suggestions
		WHERE epoch_id = $1
		ORDER BY created_at`

	rows, err := r.conn(ctx).Query(ctx, query, epochID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var suggestions []*models.HealingSuggestion
	for rows.Next() {
		var s models.HealingSuggestion
		var personaID, appliedIn sql.NullString
		var appliedAt sql.NullTime
		var evidence, examples []byte
		if err := rows.Scan(&s.ID, &s.EvaluationID, &s.EpochID, &personaID, &s.Issue, &s.Suggestion,
			&s.Confidence, &s.Severity, &evidence, &examples, &appliedIn, &appliedAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.PersonaID = getString(personaID)
		s.AppliedInPromptID = getString(appliedIn)
		s.AppliedAt = getTimePtr(appliedAt)
		if err := unmarshalJSONField(evidence, &s.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
		if err := unmarshalJSONField(examples, &s.Examples); err != nil {
			return nil, fmt.Errorf("unmarshal examples: %w", err)
		}
		suggestions = append(suggestions, &s)
	}
	return suggestions, rows.Err()
}

// MarkApplied points the given suggestions at the prompt version that consumed them
func (r *HealingSuggestionRepository) MarkApplied(ctx context.Context, ids []string, promptVersionID string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE healing_suggestions
		SET applied_in_prompt_id = $2, applied_at = $3
		WHERE id = ANY($1) AND applied_in_prompt_id IS NULL`,
		ids, promptVersionID, at,
	)
	return err
}

type SnapshotRepository struct {
	BaseRepository
}

func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{BaseRepository: NewBaseRepository(pool)}
}

func (r *SnapshotRepository) Create(ctx context.Context, s *models.Snapshot) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	transcript, err := marshalJSON(s.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	metrics, err := json.Marshal(s.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	conversion, err := json.Marshal(s.Conversion)
	if err != nil {
		return fmt.Errorf("marshal conversion: %w", err)
	}
	environment, err := json.Marshal(s.Environment)
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}

	query := `
		INSERT INTO snapshots (
			id, evaluation_id, epoch_id, session_id, transcript, metrics, conversion, environment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.conn(ctx).Exec(ctx, query,
		s.ID,
		s.EvaluationID,
		s.EpochID,
		s.SessionID,
		transcript,
		metrics,
		conversion,
		environment,
		s.CreatedAt,
	)
	return err
}

func (r *SnapshotRepository) ListByEpoch(ctx context.Context, epochID string) ([]*models.Snapshot, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, evaluation_id, epoch_id, session_id, transcript, metrics, conversion, environment, created_at
		FROM snapshots
		WHERE epoch_id = $1
		ORDER BY created_at`

	rows, err := r.conn(ctx).Query(ctx, query, epochID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []*models.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	var s models.Snapshot
	var transcript, metrics, conversion, environment []byte

	if err := row.Scan(&s.ID, &s.EvaluationID, &s.EpochID, &s.SessionID,
		&transcript, &metrics, &conversion, &environment, &s.CreatedAt); err != nil {
		return nil, err
	}

	for _, f := range []struct {
		name string
		data []byte
		into any
	}{
		{"transcript", transcript, &s.Transcript},
		{"metrics", metrics, &s.Metrics},
		{"conversion", conversion, &s.Conversion},
		{"environment", environment, &s.Environment},
	} {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.into); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot %s: %w", f.name, err)
		}
	}
	return &s, nil
}
