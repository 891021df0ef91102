package dto

import (
	"github.com/crafter-station/cadence-sub000/internal/application/services"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

// CreateEvaluationRequest is the body of POST /api/v1/evaluations
type CreateEvaluationRequest struct {
	Name           string                  `json:"name"`
	SourcePromptID string                  `json:"source_prompt_id,omitempty"`
	SourcePrompt   string                  `json:"source_prompt,omitempty"`
	Config         models.EvaluationConfig `json:"config"`
	// Start launches the campaign right after creation
	Start bool `json:"start,omitempty"`
}

func (r *CreateEvaluationRequest) ToInput() services.CreateEvaluationInput {
	return services.CreateEvaluationInput{
		Name:           r.Name,
		SourcePromptID: r.SourcePromptID,
		SourcePrompt:   r.SourcePrompt,
		Config:         r.Config,
	}
}

type DeclareWinnerRequest struct {
	PromptID string `json:"prompt_id"`
}

type EvaluationListResponse struct {
	Evaluations []*models.Evaluation `json:"evaluations"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

type EpochListResponse struct {
	EvaluationID string          `json:"evaluation_id"`
	Epochs       []*models.Epoch `json:"epochs"`
}
