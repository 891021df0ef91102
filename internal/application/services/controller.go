package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/crafter-station/cadence-sub000/internal/adapters/metrics"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

// Controller owns the multi-epoch loop of one evaluation. It is the only
// writer of the evaluation's progress fields.
type Controller struct {
	evaluations ports.EvaluationRepository
	epochs      ports.EpochRepository
	executor    ports.EpochExecutor
	ids         ports.IDGenerator
	notifier    ports.Notifier
	progress    ports.ProgressPublisher
}

// NewController creates a new campaign controller. notifier and progress may be nil.
func NewController(
	evaluations ports.EvaluationRepository,
	epochs ports.EpochRepository,
	executor ports.EpochExecutor,
	ids ports.IDGenerator,
	notifier ports.Notifier,
	progress ports.ProgressPublisher,
) *Controller {
	return &Controller{
		evaluations: evaluations,
		epochs:      epochs,
		executor:    executor,
		ids:         ids,
		notifier:    notifier,
		progress:    progress,
	}
}

// Task adapts Run to the scheduler's task signature
func (c *Controller) Task() ports.TaskFunc {
	return func(ctx context.Context, payload any) (any, error) {
		var id string
		switch p := payload.(type) {
		case ports.CampaignPayload:
			id = p.EvaluationID
		case *ports.CampaignPayload:
			id = p.EvaluationID
		case string:
			id = p
		default:
			return nil, domain.NewValidationError("payload", fmt.Sprintf("unexpected campaign payload %T", payload))
		}
		return c.Run(ctx, id)
	}
}

// Run advances a running evaluation from its resume point until it is
// paused, completed or failed. A pause request is honored only between
// epochs, and only the controller moves the evaluation to paused.
func (c *Controller) Run(ctx context.Context, evaluationID string) (*models.Evaluation, error) {
	ctx = otel.WithEvaluationID(ctx, evaluationID)
	ctx, span := otel.Tracer("cadence.controller").Start(ctx, "controller.run")
	defer span.End()
	span.SetAttributes(otel.EvaluationID(evaluationID))

	evaluation, err := c.evaluations.GetByID(ctx, evaluationID)
	if err != nil {
		return nil, err
	}
	if evaluation.Status != models.EvaluationStatusRunning {
		return evaluation, domain.NewDomainError(domain.ErrInvalidState,
			fmt.Sprintf("evaluation %s is %s, not running", evaluation.ID, evaluation.Status))
	}

	next, previous, err := c.resumePoint(ctx, evaluation)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return evaluation, err
	}
	span.SetAttributes(attribute.Int("controller.resume_epoch", next))
	slog.Info("controller: campaign running",
		"evaluation_id", evaluation.ID,
		"from_epoch", next,
		"max_epochs", evaluation.Config.MaxEpochs,
	)
	c.emit(evaluation, models.ProgressEvaluationStarted, "", fmt.Sprintf("running from epoch %d", next))

	for n := next; n <= evaluation.Config.MaxEpochs; n++ {
		current, err := c.evaluations.GetByID(ctx, evaluation.ID)
		if err != nil {
			return evaluation, err
		}
		if current.Status == models.EvaluationStatusRunning && current.PauseRequested {
			return c.pause(ctx, current, n-1), nil
		}
		if current.Status != models.EvaluationStatusRunning {
			slog.Info("controller: campaign stopped between epochs",
				"evaluation_id", evaluation.ID,
				"status", current.Status,
				"completed_epochs", n-1,
			)
			return current, nil
		}

		done, err := c.runEpoch(ctx, evaluation, n, previous)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return evaluation, err
		}
		previous = done
	}

	if err := evaluation.TransitionTo(models.EvaluationStatusCompleted); err != nil {
		return evaluation, err
	}
	if err := c.evaluations.UpdateStatus(ctx, evaluation, models.EvaluationStatusRunning); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return c.settled(ctx, evaluation, "completed"), nil
		}
		return evaluation, domain.NewDomainError(err, "failed to complete evaluation")
	}
	metrics.EvaluationsTotal.WithLabelValues(string(evaluation.Status)).Inc()
	c.emit(evaluation, models.ProgressEvaluationCompleted, "", "all epochs completed")
	c.notify(ctx, evaluation)
	slog.Info("controller: campaign completed",
		"evaluation_id", evaluation.ID,
		"best_prompt_id", evaluation.BestPromptID,
		"best_accuracy", ptrValue(evaluation.BestAccuracy),
		"best_conversion_rate", ptrValue(evaluation.BestConversionRate),
	)
	span.SetStatus(codes.Ok, "")
	return evaluation, nil
}

// pause honors a pending pause request. completed is the last finished epoch.
func (c *Controller) pause(ctx context.Context, evaluation *models.Evaluation, completed int) *models.Evaluation {
	if err := evaluation.TransitionTo(models.EvaluationStatusPaused); err != nil {
		slog.Error("controller: cannot pause evaluation", "evaluation_id", evaluation.ID, "error", err)
		return evaluation
	}
	if err := c.evaluations.UpdateStatus(ctx, evaluation, models.EvaluationStatusRunning); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return c.settled(ctx, evaluation, "paused")
		}
		slog.Error("controller: failed to persist pause", "evaluation_id", evaluation.ID, "error", err)
		return evaluation
	}
	metrics.EvaluationsTotal.WithLabelValues(string(evaluation.Status)).Inc()
	c.emit(evaluation, models.ProgressEvaluationPaused, "", fmt.Sprintf("paused after epoch %d", completed))
	slog.Info("controller: campaign paused", "evaluation_id", evaluation.ID, "completed_epochs", completed)
	return evaluation
}

// settled returns the stored evaluation after another writer moved it out of
// running first. Its status and winner are kept as they are.
func (c *Controller) settled(ctx context.Context, evaluation *models.Evaluation, wanted string) *models.Evaluation {
	stored, err := c.evaluations.GetByID(context.WithoutCancel(ctx), evaluation.ID)
	if err != nil {
		slog.Error("controller: failed to reload evaluation", "evaluation_id", evaluation.ID, "error", err)
		return evaluation
	}
	slog.Info("controller: evaluation settled externally",
		"evaluation_id", evaluation.ID,
		"status", stored.Status,
		"skipped", wanted,
	)
	return stored
}

// interrupted settles an epoch cut short by cancellation of the task context.
// The evaluation stays running unless a pause was requested; a later run
// continues with the next epoch number.
func (c *Controller) interrupted(ctx context.Context, evaluation *models.Evaluation, ep *models.Epoch) error {
	cause := ctx.Err()
	ctx = context.WithoutCancel(ctx)

	if !ep.Status.IsTerminal() && ep.Status.CanTransitionTo(models.EpochStatusFailed) {
		_ = ep.TransitionTo(models.EpochStatusFailed)
		ep.ErrorMessage = "interrupted before completion"
		if err := c.epochs.Update(ctx, ep); err != nil {
			slog.Error("controller: failed to mark epoch interrupted", "epoch_id", ep.ID, "error", err)
		}
	}

	current, err := c.evaluations.GetByID(ctx, evaluation.ID)
	if err != nil {
		return cause
	}
	if current.Status == models.EvaluationStatusRunning && current.PauseRequested {
		*evaluation = *c.pause(ctx, current, ep.EpochNumber-1)
	}
	slog.Warn("controller: epoch interrupted",
		"evaluation_id", evaluation.ID,
		"epoch", ep.EpochNumber,
		"status", evaluation.Status,
	)
	return cause
}

// resumePoint returns the next epoch number and the epoch deltas compare against
func (c *Controller) resumePoint(ctx context.Context, evaluation *models.Evaluation) (int, *models.Epoch, error) {
	latest, err := c.epochs.GetLatest(ctx, evaluation.ID)
	if err != nil {
		if domain.IsNotFound(err) {
			return 1, nil, nil
		}
		return 0, nil, fmt.Errorf("failed to read latest epoch: %w", err)
	}

	switch latest.Status {
	case models.EpochStatusCompleted:
		return latest.EpochNumber + 1, latest, nil
	case models.EpochStatusFailed:
		return latest.EpochNumber + 1, nil, nil
	}

	// Interrupted mid-epoch: the half-built epoch is abandoned, numbering continues.
	slog.Warn("controller: abandoning interrupted epoch",
		"evaluation_id", evaluation.ID,
		"epoch", latest.EpochNumber,
		"status", latest.Status,
	)
	if latest.Status.CanTransitionTo(models.EpochStatusFailed) {
		_ = latest.TransitionTo(models.EpochStatusFailed)
		latest.ErrorMessage = "interrupted before completion"
		if err := c.epochs.Update(ctx, latest); err != nil {
			return 0, nil, fmt.Errorf("failed to abandon epoch %d: %w", latest.EpochNumber, err)
		}
	}
	return latest.EpochNumber + 1, nil, nil
}

func (c *Controller) runEpoch(ctx context.Context, evaluation *models.Evaluation, n int, previous *models.Epoch) (*models.Epoch, error) {
	previousID := ""
	if previous != nil {
		previousID = previous.ID
	}
	ep := models.NewEpoch(c.ids.GenerateEpochID(), evaluation.ID, n, evaluation.AcceptedPromptID(), previousID)
	if err := c.epochs.Create(ctx, ep); err != nil {
		return nil, c.fail(ctx, evaluation, ep, domain.NewDomainError(err, "failed to create epoch"))
	}
	evaluation.CurrentEpochNumber = n
	if err := c.evaluations.UpdateProgress(ctx, evaluation); err != nil {
		return nil, c.fail(ctx, evaluation, ep, domain.NewDomainError(err, "failed to record epoch start"))
	}

	done, err := c.executor.Execute(ctx, ports.EpochRequest{
		Evaluation: evaluation,
		Epoch:      ep,
		Previous:   previous,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, c.interrupted(ctx, evaluation, ep)
		}
		return nil, c.fail(ctx, evaluation, ep, err)
	}

	improvement, accepted := c.decide(evaluation, done)
	if accepted {
		done.IsAccepted = true
		if err := c.epochs.Update(ctx, done); err != nil {
			return nil, c.fail(ctx, evaluation, done, domain.NewDomainError(err, "failed to accept epoch"))
		}
		evaluation.Accept(done)
	}
	if err := c.evaluations.UpdateProgress(ctx, evaluation); err != nil {
		return nil, c.fail(ctx, evaluation, done, domain.NewDomainError(err, "failed to record epoch result"))
	}

	slog.Info("controller: epoch decided",
		"evaluation_id", evaluation.ID,
		"epoch", n,
		"metric", evaluation.Config.TargetMetric,
		"value", ptrValue(done.MetricValue(evaluation.Config.TargetMetric)),
		"improvement", ptrValue(improvement),
		"accepted", accepted,
		"best_prompt_id", evaluation.AcceptedPromptID(),
	)
	return done, nil
}

// decide applies the threshold rule. The first epoch is the baseline and is
// always accepted; an epoch without a target metric value never is.
func (c *Controller) decide(evaluation *models.Evaluation, ep *models.Epoch) (*float64, bool) {
	if ep.EpochNumber == 1 {
		return nil, true
	}
	value := ep.MetricValue(evaluation.Config.TargetMetric)
	if value == nil {
		return nil, false
	}
	best := evaluation.BestMetric()
	if best == nil {
		return nil, true
	}
	improvement := *value - *best
	return &improvement, improvement >= evaluation.Config.ImprovementThreshold
}

// fail marks the epoch and the evaluation failed and returns the error the
// caller should surface.
func (c *Controller) fail(ctx context.Context, evaluation *models.Evaluation, ep *models.Epoch, cause error) error {
	ctx = context.WithoutCancel(ctx)
	failure := &domain.EpochFailedError{EpochNumber: ep.EpochNumber, Err: cause}

	if !ep.Status.IsTerminal() && ep.Status.CanTransitionTo(models.EpochStatusFailed) {
		_ = ep.TransitionTo(models.EpochStatusFailed)
		ep.ErrorMessage = cause.Error()
		if err := c.epochs.Update(ctx, ep); err != nil {
			slog.Error("controller: failed to mark epoch failed", "epoch_id", ep.ID, "error", err)
		}
	}

	if err := evaluation.Fail(ep.EpochNumber, failure); err != nil {
		slog.Error("controller: cannot fail evaluation", "evaluation_id", evaluation.ID, "error", err)
		return failure
	}
	if err := c.evaluations.UpdateStatus(ctx, evaluation, models.EvaluationStatusRunning); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			*evaluation = *c.settled(ctx, evaluation, "failed")
			return failure
		}
		slog.Error("controller: failed to persist evaluation failure", "evaluation_id", evaluation.ID, "error", err)
	}
	metrics.EvaluationsTotal.WithLabelValues(string(evaluation.Status)).Inc()
	c.emit(evaluation, models.ProgressEvaluationFailed, ep.ID, failure.Error())
	c.notify(ctx, evaluation)
	slog.Error("controller: campaign failed", "evaluation_id", evaluation.ID, "epoch", ep.EpochNumber, "error", cause)
	return failure
}

func (c *Controller) notify(ctx context.Context, evaluation *models.Evaluation) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyEvaluation(context.WithoutCancel(ctx), evaluation); err != nil {
		slog.Warn("controller: notification failed", "evaluation_id", evaluation.ID, "error", err)
	}
}

func (c *Controller) emit(evaluation *models.Evaluation, kind models.ProgressKind, epochID, msg string) {
	progress := 0.0
	if evaluation.Config.MaxEpochs > 0 {
		progress = float64(evaluation.CurrentEpochNumber) / float64(evaluation.Config.MaxEpochs)
	}
	if kind == models.ProgressEvaluationCompleted {
		progress = 1
	}
	publishTo(c.progress, models.ProgressEvent{
		Kind:         kind,
		EvaluationID: evaluation.ID,
		EpochID:      epochID,
		EpochNumber:  evaluation.CurrentEpochNumber,
		Message:      msg,
		Progress:     progress,
	})
}
