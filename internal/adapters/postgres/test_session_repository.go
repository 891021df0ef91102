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

var _ ports.TestSessionRepository = (*TestSessionRepository)(nil)

type TestSessionRepository struct {
	BaseRepository
}

func NewTestSessionRepository(pool *pgxpool.Pool) *TestSessionRepository {
	return &TestSessionRepository{BaseRepository: NewBaseRepository(pool)}
}

const testSessionColumns = `id, test_run_id, epoch_id, evaluation_id, persona_id, instance_number, status,
	room_name, transcript, turns, duration_seconds, accuracy, avg_latency_ms, tokens, cost,
	recording_url, end_reason, error_message, created_at, started_at, completed_at`

// CreateBatch inserts pre-allocated pending sessions. Callers wrap it in a
// transaction so the test matrix appears atomically.
func (r *TestSessionRepository) CreateBatch(ctx context.Context, sessions []*models.TestSession) error {
	if len(sessions) == 0 {
		return nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO test_sessions (
			id, test_run_id, epoch_id, evaluation_id, persona_id, instance_number, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	conn := r.conn(ctx)
	for _, s := range sessions {
		if _, err := conn.Exec(ctx, query, s.ID, s.TestRunID, s.EpochID, s.EvaluationID, s.PersonaID, s.InstanceNumber, s.Status, s.CreatedAt); err != nil {
			return fmt.Errorf("insert session %s: %w", s.ID, err)
		}
	}
	return nil
}

func (r *TestSessionRepository) GetByID(ctx context.Context, id string) (*models.TestSession, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + testSessionColumns + ` FROM test_sessions WHERE id = $1`

	s, err := r.scanSession(r.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.NewNotFoundError("test session", id, domain.ErrSessionNotFound)
		}
		return nil, err
	}
	return s, nil
}

func (r *TestSessionRepository) Update(ctx context.Context, s *models.TestSession) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	transcript, err := marshalJSON(s.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	query := `
		UPDATE test_sessions SET
			status = $2,
			room_name = $3,
			transcript = $4,
			turns = $5,
			duration_seconds = $6,
			accuracy = $7,
			avg_latency_ms = $8,
			tokens = $9,
			cost = $10,
			recording_url = $11,
			end_reason = $12,
			error_message = $13,
			started_at = $14,
			completed_at = $15
		WHERE id = $1`

	result, err := r.conn(ctx).Exec(ctx, query,
		s.ID,
		s.Status,
		nullString(s.RoomName),
		transcript,
		s.Turns,
		s.DurationSeconds,
		nullFloat(s.Accuracy),
		nullFloat(s.AvgLatencyMs),
		s.Tokens,
		s.Cost,
		nullString(s.RecordingURL),
		nullString(string(s.EndReason)),
		nullString(s.ErrorMessage),
		nullTime(s.StartedAt),
		nullTime(s.CompletedAt),
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("test session", s.ID, domain.ErrSessionNotFound)
	}
	return nil
}

func (r *TestSessionRepository) SaveTranscript(ctx context.Context, sessionID string, transcript []models.TranscriptTurn, turns int) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	data, err := marshalJSON(transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	result, err := r.conn(ctx).Exec(ctx,
		`UPDATE test_sessions SET transcript = $2, turns = $3 WHERE id = $1`,
		sessionID, data, turns,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("test session", sessionID, domain.ErrSessionNotFound)
	}
	return nil
}

func (r *TestSessionRepository) ListByRun(ctx context.Context, runID string) ([]*models.TestSession, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + testSessionColumns + `
		FROM test_sessions
		WHERE test_run_id = $1
		ORDER BY persona_id, instance_number`

	rows, err := r.conn(ctx).Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.TestSession
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *TestSessionRepository) scanSession(row pgx.Row) (*models.TestSession, error) {
	var s models.TestSession
	var roomName, recordingURL, endReason, errorMessage sql.NullString
	var accuracy, latency sql.NullFloat64
	var startedAt, completedAt sql.NullTime
	var transcript []byte

	err := row.Scan(
		&s.ID,
		&s.TestRunID,
		&s.EpochID,
		&s.EvaluationID,
		&s.PersonaID,
		&s.InstanceNumber,
		&s.Status,
		&roomName,
		&transcript,
		&s.Turns,
		&s.DurationSeconds,
		&accuracy,
		&latency,
		&s.Tokens,
		&s.Cost,
		&recordingURL,
		&endReason,
		&errorMessage,
		&s.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	s.RoomName = getString(roomName)
	s.RecordingURL = getString(recordingURL)
	s.EndReason = models.EndReason(getString(endReason))
	s.ErrorMessage = getString(errorMessage)
	s.Accuracy = getFloatPtr(accuracy)
	s.AvgLatencyMs = getFloatPtr(latency)
	s.StartedAt = getTimePtr(startedAt)
	s.CompletedAt = getTimePtr(completedAt)

	s.Transcript = []models.TranscriptTurn{}
	if err := unmarshalJSONField(transcript, &s.Transcript); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}

	return &s, nil
}
