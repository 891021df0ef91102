package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"

	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

// Dispatcher fans a run's pre-created sessions out to the voice-session task
// and folds the results back into the run.
type Dispatcher struct {
	scheduler ports.TaskScheduler
	runs      ports.TestRunRepository
	sessions  ports.TestSessionRepository
	progress  ports.ProgressPublisher
}

var _ ports.RunDispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a new test run dispatcher
func NewDispatcher(
	scheduler ports.TaskScheduler,
	runs ports.TestRunRepository,
	sessions ports.TestSessionRepository,
	progress ports.ProgressPublisher,
) *Dispatcher {
	return &Dispatcher{
		scheduler: scheduler,
		runs:      runs,
		sessions:  sessions,
		progress:  progress,
	}
}

// Dispatch runs every session of run and blocks until all of them finished.
//
// Individual session failures never fail the dispatch: when some sessions
// failed, the finalized run is returned together with a *PartialBatchFailure.
// When every session failed the run is marked failed and the error wraps
// ErrAllSessionsFailed.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	run *models.TestRun,
	sessions []*models.TestSession,
	req ports.DispatchRequest,
) (*ports.DispatchResult, error) {
	ctx, span := otel.Tracer("cadence.dispatcher").Start(ctx, "dispatcher.dispatch")
	defer span.End()
	span.SetAttributes(otel.TestRunID(run.ID), otel.EvaluationID(run.EvaluationID), otel.EpochNumber(req.EpochNumber))

	if len(sessions) == 0 {
		err := domain.NewValidationError("sessions", "a test run needs at least one session")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := run.TransitionTo(models.TestRunStatusRunning); err != nil {
		return nil, err
	}
	if err := d.runs.Update(ctx, run); err != nil {
		return nil, domain.NewDomainError(err, "failed to mark test run running")
	}

	items := make([]ports.BatchItem, len(sessions))
	for i, s := range sessions {
		items[i] = ports.BatchItem{
			Task: ports.VoiceSessionTask,
			Payload: ports.VoiceSessionPayload{
				SessionID:    s.ID,
				PersonaID:    s.PersonaID,
				PromptID:     req.PromptID,
				EvaluationID: run.EvaluationID,
				EpochNumber:  req.EpochNumber,
				Goals:        req.Goals,
			},
		}
	}

	slog.Info("dispatcher: dispatching sessions", "run_id", run.ID, "sessions", len(items), "concurrency", req.Concurrency)
	results, err := d.scheduler.BatchTriggerAndWait(ports.WithBatchConcurrency(ctx, req.Concurrency), items)
	if err != nil {
		d.failRun(ctx, run)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to dispatch test run %s: %w", run.ID, err)
	}

	final := make([]*models.TestSession, len(sessions))
	failures := make(map[string]error)
	for i, res := range results {
		final[i] = d.resolve(ctx, sessions[i], res)
		if res.Err != nil || !res.OK {
			failures[sessions[i].ID] = resultError(res)
		} else if final[i].Status == models.TestSessionStatusFailed {
			failures[sessions[i].ID] = errors.New(final[i].ErrorMessage)
		}
	}

	run.Aggregate(final)
	if err := run.TransitionTo(run.FinalStatus()); err != nil {
		return nil, err
	}
	if err := d.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		return nil, domain.NewDomainError(err, "failed to finalize test run")
	}

	publishTo(d.progress, models.ProgressEvent{
		Kind:         models.ProgressRunCompleted,
		EvaluationID: run.EvaluationID,
		EpochID:      run.EpochID,
		EpochNumber:  req.EpochNumber,
		TestRunID:    run.ID,
		Message:      fmt.Sprintf("%d/%d sessions completed", run.CompletedSessions, run.TotalSessions),
		Progress:     1,
	})
	slog.Info("dispatcher: test run finished",
		"run_id", run.ID,
		"status", run.Status,
		"completed", run.CompletedSessions,
		"failed", run.FailedSessions,
	)

	result := &ports.DispatchResult{Run: run, Sessions: final}
	if run.Status == models.TestRunStatusFailed {
		err := fmt.Errorf("test run %s: %w", run.ID, domain.ErrAllSessionsFailed)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	if len(failures) > 0 {
		span.SetStatus(codes.Ok, "partial failure")
		return result, &domain.PartialBatchFailure{Total: len(sessions), Failed: len(failures), Errors: failures}
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// resolve returns the final state of one session. Tasks that never produced a
// session (unknown task, panic) are recorded as failed here.
func (d *Dispatcher) resolve(ctx context.Context, pending *models.TestSession, res ports.TaskResult) *models.TestSession {
	if s, ok := res.Output.(*models.TestSession); ok && s != nil {
		if s.Status.IsTerminal() {
			return s
		}
	}

	// The task may have persisted its final state before failing to return it.
	if s, err := d.sessions.GetByID(context.WithoutCancel(ctx), pending.ID); err == nil && s.Status.IsTerminal() {
		return s
	}

	s := pending
	if s.Status.CanTransitionTo(models.TestSessionStatusFailed) {
		_ = s.TransitionTo(models.TestSessionStatusFailed)
	}
	s.EndReason = models.EndReasonError
	s.ErrorMessage = resultError(res).Error()
	if err := d.sessions.Update(context.WithoutCancel(ctx), s); err != nil {
		slog.Warn("dispatcher: failed to record session failure", "session_id", s.ID, "error", err)
	}
	return s
}

func resultError(res ports.TaskResult) error {
	if res.Err != nil {
		return res.Err
	}
	if !res.OK {
		return errors.New("session task reported failure")
	}
	return nil
}

func (d *Dispatcher) failRun(ctx context.Context, run *models.TestRun) {
	if err := run.TransitionTo(models.TestRunStatusFailed); err != nil {
		return
	}
	if err := d.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		slog.Warn("dispatcher: failed to mark test run failed", "run_id", run.ID, "error", err)
	}
}
