package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

// scriptedExecutor completes epochs with preset accuracies and records what
// it was asked to run.
type scriptedExecutor struct {
	epochs   *memEpochs
	accuracy map[int]float64
	fail     map[int]error
	onStart  func(ctx context.Context, n int)
	onDone   func(n int)
	requests []ports.EpochRequest
}

func (x *scriptedExecutor) Execute(ctx context.Context, req ports.EpochRequest) (*models.Epoch, error) {
	x.requests = append(x.requests, req)
	ep := req.Epoch
	if err := ep.TransitionTo(models.EpochStatusRunning); err != nil {
		return ep, err
	}
	if x.onStart != nil {
		x.onStart(ctx, ep.EpochNumber)
	}
	if err := ctx.Err(); err != nil {
		return ep, err
	}
	if err := x.fail[ep.EpochNumber]; err != nil {
		_ = ep.TransitionTo(models.EpochStatusFailed)
		ep.ErrorMessage = err.Error()
		_ = x.epochs.Update(ctx, ep)
		return ep, err
	}
	ep.Accuracy = models.Float(x.accuracy[ep.EpochNumber])
	ep.ConversionRate = models.Float(x.accuracy[ep.EpochNumber] / 2)
	ep.ApplyDeltas(req.Previous)
	ep.ResultingPromptID = fmt.Sprintf("pv_out%d", ep.EpochNumber)
	_ = ep.TransitionTo(models.EpochStatusCompleted)
	_ = x.epochs.Update(ctx, ep)
	if x.onDone != nil {
		x.onDone(ep.EpochNumber)
	}
	return ep, nil
}

type controllerFixture struct {
	evaluations *memEvaluations
	epochs      *memEpochs
	executor    *scriptedExecutor
	notifier    *recordingNotifier
	events      *eventLog
	controller  *Controller
}

func newControllerFixture(t *testing.T, accuracy map[int]float64) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		evaluations: newMemEvaluations(),
		epochs:      newMemEpochs(),
		notifier:    &recordingNotifier{},
		events:      &eventLog{},
	}
	f.executor = &scriptedExecutor{epochs: f.epochs, accuracy: accuracy, fail: map[int]error{}}
	f.controller = NewController(f.evaluations, f.epochs, f.executor, &mockIDGenerator{}, f.notifier, f.events)

	evaluation := models.NewEvaluation("eval_1", "refunds", "pv_src", testConfig())
	require.NoError(t, evaluation.TransitionTo(models.EvaluationStatusRunning))
	require.NoError(t, f.evaluations.Create(context.Background(), evaluation))
	return f
}

func (f *controllerFixture) stored(t *testing.T) *models.Evaluation {
	t.Helper()
	e, err := f.evaluations.GetByID(context.Background(), "eval_1")
	require.NoError(t, err)
	return e
}

func TestController_ThresholdAcceptance(t *testing.T) {
	f := newControllerFixture(t, map[int]float64{1: 70, 2: 71, 3: 75})

	result, err := f.controller.Run(context.Background(), "eval_1")
	require.NoError(t, err)
	assert.Equal(t, models.EvaluationStatusCompleted, result.Status)

	epochs, _ := f.epochs.ListByEvaluation(context.Background(), "eval_1")
	require.Len(t, epochs, 3)
	for i, ep := range epochs {
		assert.Equal(t, i+1, ep.EpochNumber)
	}

	// baseline accepted by convention
	assert.True(t, epochs[0].IsAccepted)
	assert.Equal(t, "pv_src", epochs[0].PromptID)

	// +1 is below the threshold of 2
	assert.False(t, epochs[1].IsAccepted)
	assert.Equal(t, "pv_out1", epochs[1].PromptID)

	// the rejected output is discarded; epoch 3 re-tests the best prompt
	assert.True(t, epochs[2].IsAccepted)
	assert.Equal(t, "pv_out1", epochs[2].PromptID)
	assert.Equal(t, epochs[1].ID, epochs[2].PreviousEpochID)

	// deltas compare against the immediately previous epoch
	require.NotNil(t, epochs[2].AccuracyDelta)
	assert.InDelta(t, 4, *epochs[2].AccuracyDelta, 0.001)
	assert.Nil(t, epochs[0].AccuracyDelta)

	stored := f.stored(t)
	assert.Equal(t, models.EvaluationStatusCompleted, stored.Status)
	assert.Equal(t, "pv_out3", stored.BestPromptID)
	require.NotNil(t, stored.BestAccuracy)
	assert.InDelta(t, 75, *stored.BestAccuracy, 0.001)
	require.NotNil(t, stored.BestConversionRate)
	assert.InDelta(t, 37.5, *stored.BestConversionRate, 0.001)
	assert.Equal(t, 3, stored.CurrentEpochNumber)
	assert.NotNil(t, stored.CompletedAt)

	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, models.EvaluationStatusCompleted, f.notifier.calls[0].Status)
	kinds := f.events.kinds()
	assert.Equal(t, models.ProgressEvaluationStarted, kinds[0])
	assert.Equal(t, models.ProgressEvaluationCompleted, kinds[len(kinds)-1])
}

func TestController_AcceptanceImpliesThreshold(t *testing.T) {
	f := newControllerFixture(t, map[int]float64{1: 50, 2: 52, 3: 53})

	_, err := f.controller.Run(context.Background(), "eval_1")
	require.NoError(t, err)

	epochs, _ := f.epochs.ListByEvaluation(context.Background(), "eval_1")
	require.Len(t, epochs, 3)
	assert.True(t, epochs[1].IsAccepted, "exactly the threshold is accepted")
	assert.False(t, epochs[2].IsAccepted, "+1 over the new best is not")
	assert.Equal(t, "pv_out2", f.stored(t).BestPromptID)
	assert.Equal(t, "pv_out2", epochs[2].PromptID)
}

func TestController_ConversionTargetMetric(t *testing.T) {
	f := newControllerFixture(t, map[int]float64{1: 60, 2: 66, 3: 60})
	stored := f.evaluations.items["eval_1"]
	stored.Config.TargetMetric = models.TargetMetricConversionRate
	stored.Config.ImprovementThreshold = 3

	_, err := f.controller.Run(context.Background(), "eval_1")
	require.NoError(t, err)

	epochs, _ := f.epochs.ListByEvaluation(context.Background(), "eval_1")
	// conversion is half the accuracy: 30 -> 33 is exactly +3
	assert.True(t, epochs[1].IsAccepted)
	assert.False(t, epochs[2].IsAccepted)
	stored = f.stored(t)
	require.NotNil(t, stored.BestConversionRate)
	assert.InDelta(t, 33, *stored.BestConversionRate, 0.001)
}

func TestController_PauseTakesEffectBetweenEpochs(t *testing.T) {
	f := newControllerFixture(t, map[int]float64{1: 70, 2: 75, 3: 80})
	f.executor.onDone = func(n int) {
		if n == 1 {
			// pause requested while epoch 1 was in flight
			f.evaluations.requestPause("eval_1")
			assert.Equal(t, models.EvaluationStatusRunning, f.stored(t).Status)
		}
	}

	result, err := f.controller.Run(context.Background(), "eval_1")
	require.NoError(t, err)
	assert.Equal(t, models.EvaluationStatusPaused, result.Status)
	assert.False(t, f.stored(t).PauseRequested, "the request is consumed by the pause")

	epochs, _ := f.epochs.ListByEvaluation(context.Background(), "eval_1")
	require.Len(t, epochs, 1, "the in-flight epoch completes, no new one starts")
	assert.Equal(t, models.EpochStatusCompleted, epochs[0].Status)
	assert.Equal(t, models.EvaluationStatusPaused, f.stored(t).Status)
	assert.Contains(t, f.events.kinds(), models.ProgressEvaluationPaused)
	assert.Empty(t, f.notifier.calls)

	// resume continues numbering from the last completed epoch
	f.executor.onDone = nil
	f.evaluations.setStatus("eval_1", models.EvaluationStatusRunning)
	result, err = f.controller.Run(context.Background(), "eval_1")
	require.NoError(t, err)
	assert.Equal(t, models.EvaluationStatusCompleted, result.Status)

	epochs, _ = f.epochs.ListByEvaluation(context.Background(), "eval_1")
	require.Len(t, epochs, 3)
	assert.Equal(t, 2, epochs[1].EpochNumber)
	assert.Equal(t, "pv_out1", epochs[1].PromptID)
	assert.Equal(t, epochs[0].ID, epochs[1].PreviousEpochID)
	assert.Equal(t, "pv_out3", f.stored(t).BestPromptID)
}

func TestController_CancelDuringFinalEpochIsKept(t *testing.T) {
	f := newControllerFixture(t, map[int]float64{1: 70, 2: 75, 3: 80})
	f.executor.onDone = func(n int) {
		if n == 3 {
			f.evaluations.setStatus("eval_1", models.EvaluationStatusCancelled)
		}
	}

	result, err := f.controller.Run(context.Background(), "eval_1")
	require.NoError(t, err)
	assert.Equal(t, models.EvaluationStatusCancelled, result.Status)

	stored := f.stored(t)
	assert.Equal(t, models.EvaluationStatusCancelled, stored.Status)
	assert.Nil(t, stored.CompletedAt)
	assert.Empty(t, f.notifier.calls)
	assert.NotContains(t, f.events.kinds(), models.ProgressEvaluationCompleted)
}

func TestController_WinnerDeclaredDuringFinalEpochIsKept(t *testing.T) {
	f := newControllerFixture(t, map[int]float64{1: 70, 2: 75, 3: 80})
	f.executor.onDone = func(n int) {
		if n == 3 {
			f.evaluations.settle("eval_1", models.EvaluationStatusCompleted, "pv_out1")
		}
	}

	result, err := f.controller.Run(context.Background(), "eval_1")
	require.NoError(t, err)
	assert.Equal(t, models.EvaluationStatusCompleted, result.Status)
	assert.Equal(t, "pv_out1", result.WinnerPromptID)

	stored := f.stored(t)
	assert.Equal(t, models.EvaluationStatusCompleted, stored.Status)
	assert.Equal(t, "pv_out1", stored.WinnerPromptID, "the declared winner is not nulled")
	assert.Equal(t, "pv_out3", stored.BestPromptID)
}

func TestController_FailureAfterCancelKeepsCancelled(t *testing.T) {
	f := newControllerFixture(t, map[int]float64{1: 70, 2: 75, 3: 80})
	f.executor.fail[2] = fmt.Errorf("test run run_x: %w", domain.ErrAllSessionsFailed)
	f.executor.onStart = func(_ context.Context, n int) {
		if n == 2 {
			f.evaluations.setStatus("eval_1", models.EvaluationStatusCancelled)
		}
	}

	result, err := f.controller.Run(context.Background(), "eval_1")
	require.Error(t, err)
	assert.Equal(t, models.EvaluationStatusCancelled, result.Status)

	stored := f.stored(t)
	assert.Equal(t, models.EvaluationStatusCancelled, stored.Status)
	assert.Nil(t, stored.FailedEpochNumber)
	assert.Empty(t, stored.ErrorMessage)
	assert.Empty(t, f.notifier.calls)
	assert.NotContains(t, f.events.kinds(), models.ProgressEvaluationFailed)
}

func TestController_InterruptedEpochHonorsPauseRequest(t *testing.T) {
	f := newControllerFixture(t, map[int]float64{1: 70, 2: 75, 3: 80})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.executor.onStart = func(_ context.Context, n int) {
		if n == 2 {
			f.evaluations.requestPause("eval_1")
			cancel()
		}
	}

	_, err := f.controller.Run(ctx, "eval_1")
	assert.ErrorIs(t, err, context.Canceled)

	stored := f.stored(t)
	assert.Equal(t, models.EvaluationStatusPaused, stored.Status, "interruption is not a failure")
	assert.Nil(t, stored.FailedEpochNumber)
	assert.Contains(t, f.events.kinds(), models.ProgressEvaluationPaused)

	epochs, _ := f.epochs.ListByEvaluation(context.Background(), "eval_1")
	require.Len(t, epochs, 2)
	assert.Equal(t, models.EpochStatusFailed, epochs[1].Status)
	assert.Equal(t, "interrupted before completion", epochs[1].ErrorMessage)
}

func TestController_ResumeAbandonsInterruptedEpoch(t *testing.T) {
	f := newControllerFixture(t, map[int]float64{1: 70, 2: 75, 3: 80})
	stale := models.NewEpoch("ep_stale", "eval_1", 1, "pv_src", "")
	require.NoError(t, stale.TransitionTo(models.EpochStatusRunning))
	require.NoError(t, f.epochs.Create(context.Background(), stale))

	_, err := f.controller.Run(context.Background(), "eval_1")
	require.NoError(t, err)

	old, _ := f.epochs.GetByID(context.Background(), "ep_stale")
	assert.Equal(t, models.EpochStatusFailed, old.Status)

	epochs, _ := f.epochs.ListByEvaluation(context.Background(), "eval_1")
	require.Len(t, epochs, 3)
	assert.Equal(t, 2, epochs[1].EpochNumber)
	assert.Equal(t, 3, epochs[2].EpochNumber)
	assert.Len(t, f.executor.requests, 2)
}

func TestController_EpochFailureIsFatal(t *testing.T) {
	f := newControllerFixture(t, map[int]float64{1: 70, 2: 75, 3: 80})
	f.executor.fail[2] = fmt.Errorf("test run run_x: %w", domain.ErrAllSessionsFailed)

	_, err := f.controller.Run(context.Background(), "eval_1")
	require.Error(t, err)

	var epochErr *domain.EpochFailedError
	require.ErrorAs(t, err, &epochErr)
	assert.Equal(t, 2, epochErr.EpochNumber)
	assert.ErrorIs(t, err, domain.ErrAllSessionsFailed)

	stored := f.stored(t)
	assert.Equal(t, models.EvaluationStatusFailed, stored.Status)
	require.NotNil(t, stored.FailedEpochNumber)
	assert.Equal(t, 2, *stored.FailedEpochNumber)
	assert.Contains(t, stored.ErrorMessage, "epoch 2 failed")
	assert.Equal(t, "pv_out1", stored.BestPromptID, "best-so-far survives the failure")

	assert.Len(t, f.executor.requests, 2, "no retry and no further epochs")
	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, models.EvaluationStatusFailed, f.notifier.calls[0].Status)
	assert.Contains(t, f.events.kinds(), models.ProgressEvaluationFailed)
}

func TestController_RequiresRunningEvaluation(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.evaluations.setStatus("eval_1", models.EvaluationStatusPaused)

	_, err := f.controller.Run(context.Background(), "eval_1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Empty(t, f.executor.requests)
}

func TestController_UnknownEvaluation(t *testing.T) {
	f := newControllerFixture(t, nil)
	_, err := f.controller.Run(context.Background(), "eval_missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestController_Task(t *testing.T) {
	f := newControllerFixture(t, map[int]float64{1: 70, 2: 71, 3: 72})
	task := f.controller.Task()

	out, err := task(context.Background(), ports.CampaignPayload{EvaluationID: "eval_1"})
	require.NoError(t, err)
	assert.Equal(t, models.EvaluationStatusCompleted, out.(*models.Evaluation).Status)

	_, err = task(context.Background(), 42)
	assert.True(t, domain.IsValidation(err))
}

func TestController_DecideWithoutMetric(t *testing.T) {
	c := &Controller{}
	e := models.NewEvaluation("eval_1", "x", "pv_1", testConfig())
	e.BestAccuracy = models.Float(70)

	_, accepted := c.decide(e, &models.Epoch{EpochNumber: 2})
	assert.False(t, accepted)

	improvement, accepted := c.decide(e, &models.Epoch{EpochNumber: 2, Accuracy: models.Float(73)})
	assert.True(t, accepted)
	assert.InDelta(t, 3, *improvement, 0.001)
}
