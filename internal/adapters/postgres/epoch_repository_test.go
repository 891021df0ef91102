package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

var epochRowColumns = []string{
	"id", "evaluation_id", "epoch_number", "prompt_id", "previous_epoch_id", "status", "test_run_id",
	"accuracy", "conversion_rate", "avg_latency_ms", "accuracy_delta", "conversion_delta", "latency_delta",
	"is_accepted", "resulting_prompt_id", "improvement", "error_message", "created_at", "started_at", "completed_at",
}

func TestEpochRepository_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &EpochRepository{BaseRepository: BaseRepository{pool: nil}}
	ep := models.NewEpoch("ep_2", "eval_1", 2, "pv_1", "ep_1")

	mock.ExpectExec("INSERT INTO epochs").
		WithArgs("ep_2", "eval_1", 2, "pv_1", sql.NullString{String: "ep_1", Valid: true}, models.EpochStatusPending, ep.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := repo.Create(setupMockContext(mock), ep); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestEpochRepository_GetLatest(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &EpochRepository{BaseRepository: BaseRepository{pool: nil}}
	now := time.Now().UTC()
	improvement, _ := json.Marshal(models.ImprovementRecord{
		Changes:   []models.PromptChange{{Section: "greeting", After: "Hi!", ChangeType: models.ChangeTypeModified}},
		Rationale: "shorter greeting",
	})

	rows := pgxmock.NewRows(epochRowColumns).AddRow(
		"ep_3", "eval_1", 3, "pv_2", sql.NullString{String: "ep_2", Valid: true}, models.EpochStatusCompleted,
		sql.NullString{String: "run_3", Valid: true},
		sql.NullFloat64{Float64: 75, Valid: true}, sql.NullFloat64{Float64: 40, Valid: true}, sql.NullFloat64{},
		sql.NullFloat64{Float64: 4, Valid: true}, sql.NullFloat64{Float64: -2, Valid: true}, sql.NullFloat64{},
		true, sql.NullString{String: "pv_4", Valid: true}, improvement, sql.NullString{},
		now, sql.NullTime{Time: now, Valid: true}, sql.NullTime{Time: now, Valid: true},
	)

	mock.ExpectQuery("SELECT (.+) FROM epochs\\s+WHERE evaluation_id = \\$1\\s+ORDER BY epoch_number DESC").
		WithArgs("eval_1").
		WillReturnRows(rows)

	ep, err := repo.GetLatest(setupMockContext(mock), "eval_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.EpochNumber != 3 || !ep.IsAccepted || ep.ResultingPromptID != "pv_4" {
		t.Errorf("unexpected epoch: %+v", ep)
	}
	if ep.AvgLatencyMs != nil || ep.LatencyDelta != nil {
		t.Error("expected nil latency fields")
	}
	if ep.Improvement == nil || len(ep.Improvement.Changes) != 1 || ep.Improvement.Rationale != "shorter greeting" {
		t.Errorf("improvement not decoded: %+v", ep.Improvement)
	}
}

func TestEpochRepository_GetLatest_None(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &EpochRepository{BaseRepository: BaseRepository{pool: nil}}
	mock.ExpectQuery("SELECT (.+) FROM epochs").
		WithArgs("eval_new").
		WillReturnRows(pgxmock.NewRows(epochRowColumns))

	_, err = repo.GetLatest(setupMockContext(mock), "eval_new")
	if !errors.Is(err, domain.ErrEpochNotFound) {
		t.Errorf("expected ErrEpochNotFound, got %v", err)
	}
}

func TestEpochRepository_Update(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &EpochRepository{BaseRepository: BaseRepository{pool: nil}}
	ep := models.NewEpoch("ep_1", "eval_1", 1, "pv_1", "")
	ep.Status = models.EpochStatusFailed
	ep.ErrorMessage = "all sessions in the test run failed"

	mock.ExpectExec("UPDATE epochs SET").
		WithArgs(
			"ep_1", models.EpochStatusFailed,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			false, pgxmock.AnyArg(), pgxmock.AnyArg(),
			sql.NullString{String: "all sessions in the test run failed", Valid: true},
			pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := repo.Update(setupMockContext(mock), ep); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
