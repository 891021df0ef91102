package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/crafter-station/cadence-sub000/internal/adapters/metrics"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

// ExecutorDeps are the collaborators of the epoch executor.
// Tx and Progress are optional.
type ExecutorDeps struct {
	Epochs      ports.EpochRepository
	Runs        ports.TestRunRepository
	Sessions    ports.TestSessionRepository
	Prompts     ports.PromptVersionRepository
	Personas    ports.PersonaRepository
	Metrics     ports.MetricsRecordRepository
	Suggestions ports.HealingSuggestionRepository
	Snapshots   ports.SnapshotRepository
	Tx          ports.TransactionManager
	IDs         ports.IDGenerator
	Dispatcher  ports.RunDispatcher
	Analyzer    ports.ResultsAnalyzer
	Optimizer   ports.PromptOptimizer
	Progress    ports.ProgressPublisher
}

// ExecutorConfig bounds what the optimizer is shown
type ExecutorConfig struct {
	TranscriptSampleSize int
	MaxTranscriptChars   int
	// JudgeModel is recorded in snapshot environments
	JudgeModel string
}

// Executor runs one epoch: build the test matrix, dispatch it, analyze the
// results, revise the prompt and commit everything at once.
type Executor struct {
	deps   ExecutorDeps
	config ExecutorConfig
}

var _ ports.EpochExecutor = (*Executor)(nil)

// NewExecutor creates a new epoch executor
func NewExecutor(deps ExecutorDeps, config ExecutorConfig) *Executor {
	if config.TranscriptSampleSize <= 0 {
		config.TranscriptSampleSize = 5
	}
	if config.MaxTranscriptChars <= 0 {
		config.MaxTranscriptChars = 4000
	}
	return &Executor{deps: deps, config: config}
}

// Execute runs req.Epoch, which must be pending. On error the epoch is
// marked failed and returned together with the cause.
func (x *Executor) Execute(ctx context.Context, req ports.EpochRequest) (*models.Epoch, error) {
	ep := req.Epoch
	ctx, span := otel.Tracer("cadence.executor").Start(ctx, "executor.execute")
	defer span.End()
	span.SetAttributes(
		otel.EvaluationID(req.Evaluation.ID),
		otel.EpochNumber(ep.EpochNumber),
		otel.PromptID(ep.PromptID),
	)

	if err := ep.TransitionTo(models.EpochStatusRunning); err != nil {
		return ep, domain.NewDomainError(domain.ErrInvalidState, err.Error())
	}
	if err := x.deps.Epochs.Update(ctx, ep); err != nil {
		return ep, domain.NewDomainError(err, "failed to mark epoch running")
	}
	x.emit(ep, models.ProgressEpochStarted, fmt.Sprintf("epoch %d started", ep.EpochNumber), 0)
	started := time.Now()

	if err := x.execute(ctx, req); err != nil {
		x.fail(ctx, ep, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ep, err
	}

	metrics.EpochsTotal.WithLabelValues(string(models.EpochStatusCompleted)).Inc()
	metrics.EpochDuration.Observe(time.Since(started).Seconds())
	x.emit(ep, models.ProgressEpochCompleted, fmt.Sprintf("epoch %d completed", ep.EpochNumber), 1)
	slog.Info("executor: epoch completed",
		"evaluation_id", ep.EvaluationID,
		"epoch", ep.EpochNumber,
		"accuracy", ptrValue(ep.Accuracy),
		"conversion_rate", ptrValue(ep.ConversionRate),
		"resulting_prompt_id", ep.ResultingPromptID,
	)
	span.SetStatus(codes.Ok, "")
	return ep, nil
}

func (x *Executor) execute(ctx context.Context, req ports.EpochRequest) error {
	evaluation, ep := req.Evaluation, req.Epoch
	cfg := evaluation.Config

	personas, err := x.loadPersonas(ctx, cfg.PersonaIDs)
	if err != nil {
		return err
	}
	current, err := x.deps.Prompts.GetByID(ctx, ep.PromptID)
	if err != nil {
		return fmt.Errorf("failed to load prompt under test: %w", err)
	}

	run, sessions, err := x.buildMatrix(ctx, evaluation, ep, personas)
	if err != nil {
		return err
	}

	dispatched, err := x.deps.Dispatcher.Dispatch(ctx, run, sessions, ports.DispatchRequest{
		PromptID:    ep.PromptID,
		EpochNumber: ep.EpochNumber,
		Concurrency: cfg.Concurrency,
		Goals:       cfg.Goals,
	})
	var partial *domain.PartialBatchFailure
	switch {
	case errors.As(err, &partial):
		slog.Warn("executor: some sessions failed",
			"epoch", ep.EpochNumber,
			"failed", partial.Failed,
			"total", partial.Total,
		)
	case err != nil:
		return err
	}

	analysis, err := x.deps.Analyzer.Analyze(ctx, ports.AnalysisInput{
		Evaluation: evaluation,
		Epoch:      ep,
		Run:        dispatched.Run,
		Sessions:   dispatched.Sessions,
		Personas:   personas,
	})
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	optimized, err := x.deps.Optimizer.Optimize(ctx, ports.OptimizationInput{
		CurrentPrompt: current.Content,
		Metrics:       analysis.Metrics,
		Suggestions:   analysis.Suggestions,
		Transcripts:   x.sampleTranscripts(dispatched.Sessions, analysis.Conversions),
		TargetMetric:  cfg.TargetMetric,
		Goals:         cfg.Goals,
	})
	if err != nil {
		return fmt.Errorf("optimization failed: %w", err)
	}

	return x.commit(ctx, req, current, dispatched, analysis, optimized)
}

func (x *Executor) loadPersonas(ctx context.Context, ids []string) ([]*models.Persona, error) {
	found, err := x.deps.Personas.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load personas: %w", err)
	}
	byID := personaIndex(found)
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

// buildMatrix creates the run and every session row in pending state
func (x *Executor) buildMatrix(ctx context.Context, evaluation *models.Evaluation, ep *models.Epoch, personas []*models.Persona) (*models.TestRun, []*models.TestSession, error) {
	perPersona := SessionsPerPersona(evaluation.Config.TestsPerEpoch, len(personas))
	run := models.NewTestRun(x.deps.IDs.GenerateTestRunID(), ep.ID, evaluation.ID, ep.PromptID, perPersona*len(personas))
	if err := x.deps.Runs.Create(ctx, run); err != nil {
		return nil, nil, domain.NewDomainError(err, "failed to create test run")
	}

	sessions := make([]*models.TestSession, 0, run.TotalSessions)
	for _, p := range personas {
		for i := 1; i <= perPersona; i++ {
			sessions = append(sessions, models.NewTestSession(x.deps.IDs.GenerateTestSessionID(), run, p.ID, i))
		}
	}
	if err := x.deps.Sessions.CreateBatch(ctx, sessions); err != nil {
		return nil, nil, domain.NewDomainError(err, "failed to create test sessions")
	}

	ep.TestRunID = run.ID
	if err := x.deps.Epochs.Update(ctx, ep); err != nil {
		return nil, nil, domain.NewDomainError(err, "failed to link test run to epoch")
	}
	slog.Info("executor: test matrix created",
		"epoch", ep.EpochNumber,
		"run_id", run.ID,
		"personas", len(personas),
		"per_persona", perPersona,
		"sessions", len(sessions),
	)
	return run, sessions, nil
}

// SessionsPerPersona splits tests across personas with ceiling division
func SessionsPerPersona(tests, personas int) int {
	if personas <= 0 || tests <= 0 {
		return 0
	}
	return (tests + personas - 1) / personas
}

// sampleTranscripts picks non-converted sessions first, then the rest
func (x *Executor) sampleTranscripts(sessions []*models.TestSession, conversions map[string]*models.ConversionResult) []ports.TranscriptSample {
	var first, rest []ports.TranscriptSample
	for _, s := range sessions {
		if len(s.Transcript) == 0 {
			continue
		}
		conv := conversions[s.ID]
		sample := ports.TranscriptSample{
			SessionID:  s.ID,
			PersonaID:  s.PersonaID,
			Converted:  conv != nil && conv.Achieved,
			Transcript: truncate(s.TranscriptText(), x.config.MaxTranscriptChars),
		}
		if sample.Converted {
			rest = append(rest, sample)
		} else {
			first = append(first, sample)
		}
	}
	out := append(first, rest...)
	if len(out) > x.config.TranscriptSampleSize {
		out = out[:x.config.TranscriptSampleSize]
	}
	return out
}

// commit persists the analysis, the new prompt version and the completed
// epoch in one transaction. ep is only updated in memory once it succeeds.
func (x *Executor) commit(
	ctx context.Context,
	req ports.EpochRequest,
	parent *models.PromptVersion,
	dispatched *ports.DispatchResult,
	analysis *ports.AnalysisResult,
	optimized *ports.OptimizationOutput,
) error {
	evaluation, ep := req.Evaluation, req.Epoch
	run := dispatched.Run

	version, err := x.deps.Prompts.NextVersionNumber(ctx, evaluation.ID)
	if err != nil {
		return domain.NewDomainError(err, "failed to allocate prompt version")
	}
	version = max(version, parent.Version+1)
	child := models.NewChildVersion(
		x.deps.IDs.GeneratePromptVersionID(),
		parent,
		version,
		optimized.RevisedPrompt,
		fmt.Sprintf("epoch %d revision", ep.EpochNumber),
	)
	child.EvaluationID = evaluation.ID

	done := *ep
	done.Accuracy = run.Accuracy
	done.AvgLatencyMs = run.AvgLatencyMs
	done.ConversionRate = analysis.ConversionRate
	done.ApplyDeltas(req.Previous)
	done.ResultingPromptID = child.ID
	done.Improvement = &models.ImprovementRecord{
		Changes:              optimized.Changes,
		Rationale:            optimized.Rationale,
		PredictedImpact:      optimized.PredictedImpact,
		AppliedSuggestionIDs: optimized.AppliedSuggestionIDs,
	}
	if err := done.TransitionTo(models.EpochStatusCompleted); err != nil {
		return err
	}

	snapshots := BuildSnapshots(x.deps.IDs, ports.AnalysisInput{
		Evaluation: evaluation,
		Epoch:      ep,
		Run:        run,
		Sessions:   dispatched.Sessions,
	}, analysis, x.config.JudgeModel)

	err = x.withTx(ctx, func(ctx context.Context) error {
		for _, m := range analysis.Metrics {
			if err := x.deps.Metrics.Create(ctx, m); err != nil {
				return fmt.Errorf("failed to store metrics record: %w", err)
			}
		}
		for _, s := range analysis.Suggestions {
			if err := x.deps.Suggestions.Create(ctx, s); err != nil {
				return fmt.Errorf("failed to store healing suggestion: %w", err)
			}
		}
		for _, s := range snapshots {
			if err := x.deps.Snapshots.Create(ctx, s); err != nil {
				return fmt.Errorf("failed to store snapshot: %w", err)
			}
		}
		if err := x.deps.Prompts.Create(ctx, child); err != nil {
			return fmt.Errorf("failed to store prompt version: %w", err)
		}
		if len(optimized.AppliedSuggestionIDs) > 0 {
			if err := x.deps.Suggestions.MarkApplied(ctx, optimized.AppliedSuggestionIDs, child.ID, child.CreatedAt); err != nil {
				return fmt.Errorf("failed to mark suggestions applied: %w", err)
			}
		}
		if err := x.deps.Epochs.Update(ctx, &done); err != nil {
			return fmt.Errorf("failed to complete epoch: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	*ep = done
	return nil
}

func (x *Executor) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if x.deps.Tx == nil {
		return fn(ctx)
	}
	return x.deps.Tx.WithTransaction(ctx, fn)
}

func (x *Executor) fail(ctx context.Context, ep *models.Epoch, cause error) {
	ctx = context.WithoutCancel(ctx)
	if ep.Status.CanTransitionTo(models.EpochStatusFailed) {
		_ = ep.TransitionTo(models.EpochStatusFailed)
	}
	ep.ErrorMessage = cause.Error()
	if err := x.deps.Epochs.Update(ctx, ep); err != nil {
		slog.Error("executor: failed to mark epoch failed", "epoch_id", ep.ID, "error", err)
	}
	metrics.EpochsTotal.WithLabelValues(string(models.EpochStatusFailed)).Inc()
	x.emit(ep, models.ProgressEpochFailed, cause.Error(), 1)
	slog.Error("executor: epoch failed", "evaluation_id", ep.EvaluationID, "epoch", ep.EpochNumber, "error", cause)
}

func (x *Executor) emit(ep *models.Epoch, kind models.ProgressKind, msg string, progress float64) {
	publishTo(x.deps.Progress, models.ProgressEvent{
		Kind:         kind,
		EvaluationID: ep.EvaluationID,
		EpochID:      ep.ID,
		EpochNumber:  ep.EpochNumber,
		TestRunID:    ep.TestRunID,
		Message:      msg,
		Progress:     progress,
	})
}

func ptrValue(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
