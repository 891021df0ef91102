package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crafter-station/cadence-sub000/internal/application/services"
	"github.com/crafter-station/cadence-sub000/internal/config"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

// stubCampaigns answers reads for a single evaluation
type stubCampaigns struct {
	evaluation *models.Evaluation
}

func (s *stubCampaigns) get(id string) (*models.Evaluation, error) {
	if s.evaluation == nil || s.evaluation.ID != id {
		return nil, domain.NewNotFoundError("evaluation", id, domain.ErrEvaluationNotFound)
	}
	return s.evaluation, nil
}

func (s *stubCampaigns) Create(context.Context, services.CreateEvaluationInput) (*models.Evaluation, error) {
	return nil, domain.NewValidationError("name", "is required")
}

func (s *stubCampaigns) Get(_ context.Context, id string) (*models.Evaluation, error) {
	return s.get(id)
}

func (s *stubCampaigns) List(context.Context, int, int) ([]*models.Evaluation, error) {
	if s.evaluation == nil {
		return nil, nil
	}
	return []*models.Evaluation{s.evaluation}, nil
}

func (s *stubCampaigns) ListEpochs(_ context.Context, id string) ([]*models.Epoch, error) {
	_, err := s.get(id)
	return nil, err
}

func (s *stubCampaigns) Start(_ context.Context, id string) (*models.Evaluation, error) {
	return s.get(id)
}

func (s *stubCampaigns) Pause(_ context.Context, id string) (*models.Evaluation, error) {
	return s.get(id)
}

func (s *stubCampaigns) Resume(_ context.Context, id string) (*models.Evaluation, error) {
	return s.get(id)
}

func (s *stubCampaigns) Cancel(_ context.Context, id string) (*models.Evaluation, error) {
	return s.get(id)
}

func (s *stubCampaigns) DeclareWinner(_ context.Context, id, _ string) (*models.Evaluation, error) {
	return s.get(id)
}

func newTestServer() *Server {
	cfg := config.DefaultConfig()
	campaigns := &stubCampaigns{evaluation: &models.Evaluation{
		ID:        "eval_1",
		Name:      "refund flow",
		Status:    models.EvaluationStatusRunning,
		CreatedAt: time.Now(),
	}}
	return NewServer(cfg, campaigns, services.NewProgressBroker(8), nil)
}

func TestServer_Routes(t *testing.T) {
	router := newTestServer().Router()

	tests := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/health/detailed", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/v1/evaluations", "", http.StatusOK},
		{http.MethodPost, "/api/v1/evaluations", `{"name":""}`, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/evaluations/eval_1", "", http.StatusOK},
		{http.MethodGet, "/api/v1/evaluations/eval_2", "", http.StatusNotFound},
		{http.MethodGet, "/api/v1/evaluations/eval_1/epochs", "", http.StatusOK},
		{http.MethodPost, "/api/v1/evaluations/eval_1/start", "", http.StatusOK},
		{http.MethodPost, "/api/v1/evaluations/eval_1/pause", "", http.StatusOK},
		{http.MethodPost, "/api/v1/evaluations/eval_1/resume", "", http.StatusOK},
		{http.MethodPost, "/api/v1/evaluations/eval_1/cancel", "", http.StatusOK},
		{http.MethodPost, "/api/v1/evaluations/eval_1/declare-winner", `{"prompt_id":"pv_1"}`, http.StatusOK},
		{http.MethodDelete, "/api/v1/evaluations/eval_1", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
}

func TestServer_GetEvaluationBody(t *testing.T) {
	router := newTestServer().Router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/evaluations/eval_1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var got models.Evaluation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "refund flow", got.Name)
	assert.Equal(t, models.EvaluationStatusRunning, got.Status)
}

func TestServer_StopWithoutStart(t *testing.T) {
	assert.NoError(t, newTestServer().Stop(context.Background()))
}
