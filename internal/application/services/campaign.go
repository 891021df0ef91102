package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crafter-station/cadence-sub000/internal/adapters/metrics"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

// CreateEvaluationInput describes a new campaign. Exactly one of
// SourcePromptID and SourcePrompt must be set; an inline prompt is stored as
// version 1 of the evaluation.
type CreateEvaluationInput struct {
	Name           string                  `json:"name"`
	SourcePromptID string                  `json:"source_prompt_id,omitempty"`
	SourcePrompt   string                  `json:"source_prompt,omitempty"`
	Config         models.EvaluationConfig `json:"config"`
}

// CampaignService implements the entry points of the campaign: create,
// start, pause, resume, declare-winner and the read side.
type CampaignService struct {
	evaluations ports.EvaluationRepository
	epochs      ports.EpochRepository
	prompts     ports.PromptVersionRepository
	personas    ports.PersonaRepository
	scheduler   ports.TaskScheduler
	ids         ports.IDGenerator
	progress    ports.ProgressPublisher
}

// NewCampaignService creates a new campaign service
func NewCampaignService(
	evaluations ports.EvaluationRepository,
	epochs ports.EpochRepository,
	prompts ports.PromptVersionRepository,
	personas ports.PersonaRepository,
	scheduler ports.TaskScheduler,
	ids ports.IDGenerator,
	progress ports.ProgressPublisher,
) *CampaignService {
	return &CampaignService{
		evaluations: evaluations,
		epochs:      epochs,
		prompts:     prompts,
		personas:    personas,
		scheduler:   scheduler,
		ids:         ids,
		progress:    progress,
	}
}

// Create validates and stores a pending evaluation
func (s *CampaignService) Create(ctx context.Context, input CreateEvaluationInput) (*models.Evaluation, error) {
	if err := ValidateRequired(input.Name, "name"); err != nil {
		return nil, err
	}
	if err := ValidateStringLength(input.Name, "name", 1, 200); err != nil {
		return nil, err
	}
	if (input.SourcePromptID == "") == (input.SourcePrompt == "") {
		return nil, domain.NewValidationError("source_prompt", "exactly one of source_prompt_id and source_prompt is required")
	}
	if err := input.Config.Validate(); err != nil {
		return nil, err
	}

	found, err := s.personas.GetByIDs(ctx, input.Config.PersonaIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load personas: %w", err)
	}
	known := personaIndex(found)
	for _, id := range input.Config.PersonaIDs {
		if _, ok := known[id]; !ok {
			return nil, domain.NewNotFoundError("persona", id, domain.ErrPersonaNotFound)
		}
	}

	evaluation := models.NewEvaluation(s.ids.GenerateEvaluationID(), input.Name, input.SourcePromptID, input.Config)

	if input.SourcePromptID != "" {
		if err := ValidateIDPrefix(input.SourcePromptID, "pv_", "prompt"); err != nil {
			return nil, err
		}
		if _, err := s.prompts.GetByID(ctx, input.SourcePromptID); err != nil {
			return nil, err
		}
	} else {
		source := &models.PromptVersion{
			ID:           s.ids.GeneratePromptVersionID(),
			EvaluationID: evaluation.ID,
			Content:      input.SourcePrompt,
			Version:      1,
			Description:  "source prompt",
			CreatedAt:    evaluation.CreatedAt,
		}
		if err := s.prompts.Create(ctx, source); err != nil {
			return nil, domain.NewDomainError(err, "failed to store source prompt")
		}
		evaluation.SourcePromptID = source.ID
	}

	if err := s.evaluations.Create(ctx, evaluation); err != nil {
		return nil, domain.NewDomainError(err, "failed to create evaluation")
	}
	metrics.EvaluationsTotal.WithLabelValues(string(evaluation.Status)).Inc()
	slog.Info("campaign: evaluation created",
		"evaluation_id", evaluation.ID,
		"name", evaluation.Name,
		"max_epochs", evaluation.Config.MaxEpochs,
		"personas", len(evaluation.Config.PersonaIDs),
	)
	return evaluation, nil
}

// Start moves a pending or paused evaluation to running and triggers the campaign task
func (s *CampaignService) Start(ctx context.Context, id string) (*models.Evaluation, error) {
	return s.launch(ctx, id, models.EvaluationStatusPending, models.EvaluationStatusPaused)
}

// Resume moves a paused evaluation back to running and triggers the campaign task
func (s *CampaignService) Resume(ctx context.Context, id string) (*models.Evaluation, error) {
	return s.launch(ctx, id, models.EvaluationStatusPaused)
}

func (s *CampaignService) launch(ctx context.Context, id string, from ...models.EvaluationStatus) (*models.Evaluation, error) {
	evaluation, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if evaluation.Status == models.EvaluationStatusRunning && evaluation.PauseRequested {
		return nil, domain.NewDomainError(domain.ErrInvalidState,
			"pause pending; resume after the current epoch finishes")
	}
	allowed := false
	for _, st := range from {
		if evaluation.Status == st {
			allowed = true
		}
	}
	if !allowed {
		return nil, domain.NewDomainError(domain.ErrInvalidState,
			fmt.Sprintf("cannot run evaluation in status %s", evaluation.Status))
	}
	if err := s.transition(ctx, evaluation, models.EvaluationStatusRunning); err != nil {
		return nil, err
	}

	handle, err := s.scheduler.Trigger(ctx, ports.CampaignTask, ports.CampaignPayload{EvaluationID: evaluation.ID})
	if err != nil {
		return nil, domain.NewDomainError(err, "failed to trigger campaign task")
	}
	slog.Info("campaign: evaluation launched", "evaluation_id", evaluation.ID, "task_id", handle.ID)
	return evaluation, nil
}

// Recover re-triggers evaluations left running by a previous process.
// The controller abandons their interrupted epoch and continues.
func (s *CampaignService) Recover(ctx context.Context) (int, error) {
	const page = 100
	recovered := 0
	for offset := 0; ; offset += page {
		batch, err := s.evaluations.List(ctx, page, offset)
		if err != nil {
			return recovered, fmt.Errorf("failed to list evaluations: %w", err)
		}
		for _, evaluation := range batch {
			if evaluation.Status != models.EvaluationStatusRunning {
				continue
			}
			if _, err := s.scheduler.Trigger(ctx, ports.CampaignTask, ports.CampaignPayload{EvaluationID: evaluation.ID}); err != nil {
				return recovered, domain.NewDomainError(err, "failed to trigger campaign task")
			}
			slog.Info("campaign: evaluation recovered", "evaluation_id", evaluation.ID, "epoch", evaluation.CurrentEpochNumber)
			recovered++
		}
		if len(batch) < page {
			return recovered, nil
		}
	}
}

// Pause requests a stop. The evaluation stays running until the controller
// reaches the end of the current epoch and moves it to paused.
func (s *CampaignService) Pause(ctx context.Context, id string) (*models.Evaluation, error) {
	evaluation, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := evaluation.RequestPause(); err != nil {
		return nil, err
	}
	if err := s.evaluations.RequestPause(ctx, evaluation.ID); err != nil {
		return nil, domain.NewDomainError(err, "failed to request pause")
	}
	slog.Info("campaign: pause requested", "evaluation_id", evaluation.ID, "epoch", evaluation.CurrentEpochNumber)
	return evaluation, nil
}

// Cancel stops an evaluation permanently
func (s *CampaignService) Cancel(ctx context.Context, id string) (*models.Evaluation, error) {
	evaluation, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, evaluation, models.EvaluationStatusCancelled); err != nil {
		return nil, err
	}
	return evaluation, nil
}

// DeclareWinner records the prompt the operator picked and completes the evaluation
func (s *CampaignService) DeclareWinner(ctx context.Context, id, promptID string) (*models.Evaluation, error) {
	if err := ValidateIDPrefix(promptID, "pv_", "prompt"); err != nil {
		return nil, err
	}
	evaluation, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	prompt, err := s.prompts.GetByID(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if prompt.ID != evaluation.SourcePromptID && prompt.EvaluationID != evaluation.ID {
		return nil, domain.NewValidationError("prompt_id", "prompt does not belong to this evaluation")
	}

	evaluation.WinnerPromptID = prompt.ID
	if evaluation.Status == models.EvaluationStatusCompleted {
		if err := s.evaluations.UpdateStatus(ctx, evaluation, models.EvaluationStatusCompleted); err != nil {
			return nil, domain.NewDomainError(err, "failed to record winner")
		}
	} else if err := s.transition(ctx, evaluation, models.EvaluationStatusCompleted); err != nil {
		return nil, err
	}
	slog.Info("campaign: winner declared", "evaluation_id", evaluation.ID, "prompt_id", prompt.ID)
	return evaluation, nil
}

// Get returns one evaluation
func (s *CampaignService) Get(ctx context.Context, id string) (*models.Evaluation, error) {
	return s.get(ctx, id)
}

// List returns evaluations newest first
func (s *CampaignService) List(ctx context.Context, limit, offset int) ([]*models.Evaluation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.evaluations.List(ctx, limit, offset)
}

// ListEpochs returns an evaluation's epochs in order
func (s *CampaignService) ListEpochs(ctx context.Context, id string) ([]*models.Epoch, error) {
	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}
	return s.epochs.ListByEvaluation(ctx, id)
}

func (s *CampaignService) get(ctx context.Context, id string) (*models.Evaluation, error) {
	if err := ValidateIDPrefix(id, "eval_", "evaluation"); err != nil {
		return nil, err
	}
	return s.evaluations.GetByID(ctx, id)
}

func (s *CampaignService) transition(ctx context.Context, evaluation *models.Evaluation, next models.EvaluationStatus) error {
	from := evaluation.Status
	if err := evaluation.TransitionTo(next); err != nil {
		return domain.NewDomainError(domain.ErrInvalidState, err.Error())
	}
	if err := s.evaluations.UpdateStatus(ctx, evaluation, from); err != nil {
		return domain.NewDomainError(err, "failed to update evaluation status")
	}
	metrics.EvaluationsTotal.WithLabelValues(string(next)).Inc()

	var kind models.ProgressKind
	switch next {
	case models.EvaluationStatusRunning:
		kind = models.ProgressEvaluationStarted
	case models.EvaluationStatusCompleted:
		kind = models.ProgressEvaluationCompleted
	default:
		return nil
	}
	publishTo(s.progress, models.ProgressEvent{
		Kind:         kind,
		EvaluationID: evaluation.ID,
		EpochNumber:  evaluation.CurrentEpochNumber,
		Message:      string(next),
	})
	return nil
}
