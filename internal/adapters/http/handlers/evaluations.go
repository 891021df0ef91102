package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/crafter-station/cadence-sub000/internal/adapters/http/dto"
	"github.com/crafter-station/cadence-sub000/internal/application/services"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

// Campaigns is the campaign surface exposed over HTTP
type Campaigns interface {
	Create(ctx context.Context, input services.CreateEvaluationInput) (*models.Evaluation, error)
	Get(ctx context.Context, id string) (*models.Evaluation, error)
	List(ctx context.Context, limit, offset int) ([]*models.Evaluation, error)
	ListEpochs(ctx context.Context, id string) ([]*models.Epoch, error)
	Start(ctx context.Context, id string) (*models.Evaluation, error)
	Pause(ctx context.Context, id string) (*models.Evaluation, error)
	Resume(ctx context.Context, id string) (*models.Evaluation, error)
	Cancel(ctx context.Context, id string) (*models.Evaluation, error)
	DeclareWinner(ctx context.Context, id, promptID string) (*models.Evaluation, error)
}

var _ Campaigns = (*services.CampaignService)(nil)

type EvaluationsHandler struct {
	campaigns Campaigns
}

func NewEvaluationsHandler(campaigns Campaigns) *EvaluationsHandler {
	return &EvaluationsHandler{campaigns: campaigns}
}

func (h *EvaluationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[dto.CreateEvaluationRequest](r, w)
	if !ok {
		return
	}

	evaluation, err := h.campaigns.Create(r.Context(), req.ToInput())
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	if req.Start {
		evaluation, err = h.campaigns.Start(r.Context(), evaluation.ID)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
	}

	slog.InfoContext(r.Context(), "http: evaluation created", "evaluation_id", evaluation.ID, "started", req.Start)
	respondJSON(w, evaluation, http.StatusCreated)
}

func (h *EvaluationsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50)
	offset := parseIntQuery(r, "offset", 0)
	if limit > 200 {
		limit = 200
	}

	evaluations, err := h.campaigns.List(r.Context(), limit, offset)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if evaluations == nil {
		evaluations = []*models.Evaluation{}
	}

	respondJSON(w, &dto.EvaluationListResponse{
		Evaluations: evaluations,
		Limit:       limit,
		Offset:      offset,
	}, http.StatusOK)
}

func (h *EvaluationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Evaluation ID")
	if !ok {
		return
	}

	evaluation, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, evaluation, http.StatusOK)
}

func (h *EvaluationsHandler) Epochs(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Evaluation ID")
	if !ok {
		return
	}

	epochs, err := h.campaigns.ListEpochs(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if epochs == nil {
		epochs = []*models.Epoch{}
	}
	respondJSON(w, &dto.EpochListResponse{EvaluationID: id, Epochs: epochs}, http.StatusOK)
}

func (h *EvaluationsHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Start)
}

func (h *EvaluationsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Pause)
}

func (h *EvaluationsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Resume)
}

func (h *EvaluationsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Cancel)
}

func (h *EvaluationsHandler) DeclareWinner(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Evaluation ID")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.DeclareWinnerRequest](r, w)
	if !ok {
		return
	}
	if req.PromptID == "" {
		respondError(w, "validation_error", "prompt_id is required", http.StatusBadRequest)
		return
	}

	evaluation, err := h.campaigns.DeclareWinner(r.Context(), id, req.PromptID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, evaluation, http.StatusOK)
}

func (h *EvaluationsHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*models.Evaluation, error)) {
	id, ok := validateURLParam(r, w, "id", "Evaluation ID")
	if !ok {
		return
	}

	evaluation, err := op(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, evaluation, http.StatusOK)
}
