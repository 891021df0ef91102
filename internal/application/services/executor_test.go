package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

type executorFixture struct {
	deps       ExecutorDeps
	epochs     *memEpochs
	runs       *memRuns
	sessions   *memSessions
	prompts    *memPrompts
	metrics    *memMetrics
	hs         *memSuggestions
	snapshots  *memSnapshots
	scheduler  *fakeScheduler
	judge      *fakeJudge
	events     *eventLog
	evaluation *models.Evaluation
}

func newExecutorFixture(t *testing.T, fail map[string]bool) *executorFixture {
	t.Helper()
	f := &executorFixture{
		epochs:    newMemEpochs(),
		runs:      newMemRuns(),
		sessions:  newMemSessions(),
		prompts:   newMemPrompts(&models.PromptVersion{ID: "pv_src", EvaluationID: "eval_1", Content: "You are a support agent for Acme.", Version: 1}),
		metrics:   &memMetrics{},
		hs:        &memSuggestions{},
		snapshots: &memSnapshots{},
		scheduler: newFakeScheduler(),
		judge:     newFakeJudge(),
		events:    &eventLog{},
	}
	f.scheduler.tasks[ports.VoiceSessionTask] = scriptedSessionTask(f.sessions, 80, fail)
	f.judge.responses["conversion_score"] = `{"score": 30, "achieved": false, "missed_opportunities": ["No upsell"]}`
	f.judge.responses["healing_suggestions"] = `{"suggestions": [{"issue": "No upsell", "suggestion": "Offer the annual plan", "confidence": 0.8, "severity": "high", "evidence": ["never offered"], "examples": []}]}`
	f.judge.responses["prompt_revision"] = `{
		"revised_prompt": "You are a support agent for Acme. Offer the annual plan.",
		"changes": [{"section": "offers", "before": "", "after": "Offer the annual plan.", "change_type": "added"}],
		"rationale": "No session mentioned the annual plan.",
		"predicted_impact": "+20 conversion",
		"applied_suggestion_ids": ["hs_test1"]
	}`

	ids := &mockIDGenerator{}
	f.deps = ExecutorDeps{
		Epochs:      f.epochs,
		Runs:        f.runs,
		Sessions:    f.sessions,
		Prompts:     f.prompts,
		Personas:    &memPersonas{items: testPersonas()},
		Metrics:     f.metrics,
		Suggestions: f.hs,
		Snapshots:   f.snapshots,
		IDs:         ids,
		Dispatcher:  NewDispatcher(f.scheduler, f.runs, f.sessions, f.events),
		Analyzer:    NewAnalyzer(f.judge, ids, DefaultAnalyzerConfig()),
		Optimizer:   NewOptimizer(f.judge, OptimizerEngineStructured),
		Progress:    f.events,
	}
	f.evaluation = models.NewEvaluation("eval_1", "refunds", "pv_src", testConfig())
	return f
}

func (f *executorFixture) newEpoch(t *testing.T, number int, prev *models.Epoch) *models.Epoch {
	t.Helper()
	prevID := ""
	if prev != nil {
		prevID = prev.ID
	}
	ep := models.NewEpoch("ep_current", "eval_1", number, "pv_src", prevID)
	require.NoError(t, f.epochs.Create(context.Background(), ep))
	return ep
}

func TestExecutor_RunsFullEpoch(t *testing.T) {
	f := newExecutorFixture(t, map[string]bool{"ts_test2": true, "ts_test7": true})
	x := NewExecutor(f.deps, ExecutorConfig{JudgeModel: "judge-test"})
	prev := &models.Epoch{ID: "ep_prev", EpochNumber: 1, Accuracy: models.Float(70), ConversionRate: models.Float(10)}
	ep := f.newEpoch(t, 2, prev)

	done, err := x.Execute(context.Background(), ports.EpochRequest{Evaluation: f.evaluation, Epoch: ep, Previous: prev})
	require.NoError(t, err)

	assert.Equal(t, models.EpochStatusCompleted, done.Status)
	assert.Same(t, ep, done)

	// 10 tests over 3 personas rounds up to 4 each
	run, err := f.runs.GetByEpoch(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, run.TotalSessions)
	assert.Equal(t, 10, run.CompletedSessions)
	assert.Equal(t, 2, run.FailedSessions)
	assert.Equal(t, run.ID, done.TestRunID)

	sessions, _ := f.sessions.ListByRun(context.Background(), run.ID)
	require.Len(t, sessions, 12)
	assert.Equal(t, "p_angry", sessions[0].PersonaID)
	assert.Equal(t, 4, sessions[3].InstanceNumber)
	assert.Equal(t, "p_quiet", sessions[11].PersonaID)

	require.NotNil(t, done.Accuracy)
	assert.InDelta(t, 80, *done.Accuracy, 0.001)
	require.NotNil(t, done.ConversionRate)
	assert.Zero(t, *done.ConversionRate)
	require.NotNil(t, done.AccuracyDelta)
	assert.InDelta(t, 10, *done.AccuracyDelta, 0.001)
	require.NotNil(t, done.ConversionDelta)
	assert.InDelta(t, -10, *done.ConversionDelta, 0.001)
	assert.Nil(t, done.LatencyDelta)

	child, err := f.prompts.GetByID(context.Background(), done.ResultingPromptID)
	require.NoError(t, err)
	assert.Equal(t, "pv_src", child.ParentID)
	assert.Equal(t, 2, child.Version)
	assert.Equal(t, "eval_1", child.EvaluationID)
	assert.Equal(t, "You are a support agent for Acme. Offer the annual plan.", child.Content)

	require.NotNil(t, done.Improvement)
	assert.Equal(t, "No session mentioned the annual plan.", done.Improvement.Rationale)
	assert.Equal(t, []string{"hs_test1"}, done.Improvement.AppliedSuggestionIDs)
	require.Len(t, done.Improvement.Changes, 1)

	assert.Len(t, f.metrics.items, 3)
	assert.Len(t, f.snapshots.items, 10)
	require.Len(t, f.hs.items, 3)
	assert.Equal(t, child.ID, f.hs.items[0].AppliedInPromptID)
	assert.NotNil(t, f.hs.items[0].AppliedAt)
	assert.Empty(t, f.hs.items[1].AppliedInPromptID)

	stored, err := f.epochs.GetByID(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EpochStatusCompleted, stored.Status)
	assert.Equal(t, done.ResultingPromptID, stored.ResultingPromptID)
	assert.False(t, stored.IsAccepted, "acceptance belongs to the controller")

	kinds := f.events.kinds()
	assert.Equal(t, models.ProgressEpochStarted, kinds[0])
	assert.Equal(t, models.ProgressEpochCompleted, kinds[len(kinds)-1])
	assert.Equal(t, 4, f.scheduler.concurrency)
}

func TestExecutor_TranscriptSamplePrefersNonConverted(t *testing.T) {
	x := NewExecutor(ExecutorDeps{}, ExecutorConfig{TranscriptSampleSize: 2})
	sessions := []*models.TestSession{
		analysisSession("ts_1", "p_angry", models.TestSessionStatusCompleted, nil),
		analysisSession("ts_2", "p_angry", models.TestSessionStatusCompleted, nil),
		analysisSession("ts_3", "p_angry", models.TestSessionStatusFailed, nil),
		{ID: "ts_4", Status: models.TestSessionStatusFailed},
	}
	conversions := map[string]*models.ConversionResult{
		"ts_1": {Achieved: true},
		"ts_2": {Achieved: false},
	}

	got := x.sampleTranscripts(sessions, conversions)
	require.Len(t, got, 2)
	assert.Equal(t, "ts_2", got[0].SessionID)
	assert.Equal(t, "ts_3", got[1].SessionID)
}

func TestExecutor_MissingPersonaAbortsBeforeDispatch(t *testing.T) {
	f := newExecutorFixture(t, nil)
	f.evaluation.Config.PersonaIDs = []string{"p_angry", "p_ghost"}
	x := NewExecutor(f.deps, ExecutorConfig{})
	ep := f.newEpoch(t, 1, nil)

	_, err := x.Execute(context.Background(), ports.EpochRequest{Evaluation: f.evaluation, Epoch: ep})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersonaNotFound)
	assert.Empty(t, f.runs.items)
	assert.Empty(t, f.sessions.items)

	stored, _ := f.epochs.GetByID(context.Background(), ep.ID)
	assert.Equal(t, models.EpochStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "p_ghost")
}

func TestExecutor_AllSessionsFailedAbortsEpoch(t *testing.T) {
	fail := make(map[string]bool)
	for i := 1; i <= 12; i++ {
		fail[fmt.Sprintf("ts_test%d", i)] = true
	}
	f := newExecutorFixture(t, fail)
	x := NewExecutor(f.deps, ExecutorConfig{})
	ep := f.newEpoch(t, 1, nil)

	done, err := x.Execute(context.Background(), ports.EpochRequest{Evaluation: f.evaluation, Epoch: ep})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAllSessionsFailed)
	assert.Equal(t, models.EpochStatusFailed, done.Status)
	assert.Zero(t, f.judge.callCount("conversion_score"))
	assert.Zero(t, f.judge.callCount("prompt_revision"))

	versions, _ := f.prompts.ListByEvaluation(context.Background(), "eval_1")
	assert.Len(t, versions, 1)
}

func TestExecutor_OptimizerFailureCommitsNothing(t *testing.T) {
	f := newExecutorFixture(t, nil)
	f.judge.errs["prompt_revision"] = errors.New("model overloaded")
	x := NewExecutor(f.deps, ExecutorConfig{})
	ep := f.newEpoch(t, 1, nil)

	done, err := x.Execute(context.Background(), ports.EpochRequest{Evaluation: f.evaluation, Epoch: ep})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "optimization failed")
	assert.Equal(t, models.EpochStatusFailed, done.Status)
	assert.Empty(t, done.ResultingPromptID)
	assert.Empty(t, f.metrics.items)
	assert.Empty(t, f.hs.items)
	assert.Empty(t, f.snapshots.items)
	assert.Contains(t, f.events.kinds(), models.ProgressEpochFailed)
}

func TestExecutor_TransactionFailureLeavesEpochFailed(t *testing.T) {
	f := newExecutorFixture(t, nil)
	f.deps.Tx = failingTx{err: errors.New("commit failed")}
	x := NewExecutor(f.deps, ExecutorConfig{})
	ep := f.newEpoch(t, 1, nil)

	done, err := x.Execute(context.Background(), ports.EpochRequest{Evaluation: f.evaluation, Epoch: ep})
	require.Error(t, err)
	assert.Equal(t, models.EpochStatusFailed, done.Status)
	assert.Empty(t, done.ResultingPromptID)
	assert.Nil(t, done.Improvement)
}

func TestExecutor_RejectsNonPendingEpoch(t *testing.T) {
	f := newExecutorFixture(t, nil)
	x := NewExecutor(f.deps, ExecutorConfig{})
	ep := f.newEpoch(t, 1, nil)
	ep.Status = models.EpochStatusCompleted

	_, err := x.Execute(context.Background(), ports.EpochRequest{Evaluation: f.evaluation, Epoch: ep})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSessionsPerPersona(t *testing.T) {
	tests := []struct {
		tests, personas, want int
	}{
		{10, 3, 4},
		{9, 3, 3},
		{1, 3, 1},
		{5, 1, 5},
		{5, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SessionsPerPersona(tt.tests, tt.personas))
	}
}
