package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

// Shared in-memory implementations for testing. Every repository stores
// copies so tests observe exactly what was persisted.

type mockIDGenerator struct {
	mu       sync.Mutex
	counters map[string]int
}

func (m *mockIDGenerator) next(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int)
	}
	m.counters[prefix]++
	return fmt.Sprintf("%s_test%d", prefix, m.counters[prefix])
}

func (m *mockIDGenerator) GenerateEvaluationID() string    { return m.next("eval") }
func (m *mockIDGenerator) GenerateEpochID() string         { return m.next("ep") }
func (m *mockIDGenerator) GenerateTestRunID() string       { return m.next("run") }
func (m *mockIDGenerator) GenerateTestSessionID() string   { return m.next("ts") }
func (m *mockIDGenerator) GeneratePromptVersionID() string { return m.next("pv") }
func (m *mockIDGenerator) GenerateMetricsRecordID() string { return m.next("mr") }
func (m *mockIDGenerator) GenerateSuggestionID() string    { return m.next("hs") }
func (m *mockIDGenerator) GenerateSnapshotID() string      { return m.next("snap") }

type memEvaluations struct {
	mu    sync.Mutex
	items map[string]*models.Evaluation
	order []string
}

func newMemEvaluations() *memEvaluations {
	return &memEvaluations{items: make(map[string]*models.Evaluation)}
}

func (r *memEvaluations) Create(_ context.Context, e *models.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *e
	r.items[e.ID] = &c
	r.order = append(r.order, e.ID)
	return nil
}

func (r *memEvaluations) GetByID(_ context.Context, id string) (*models.Evaluation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok {
		return nil, domain.NewNotFoundError("evaluation", id, domain.ErrEvaluationNotFound)
	}
	c := *e
	return &c, nil
}

func (r *memEvaluations) List(_ context.Context, limit, offset int) ([]*models.Evaluation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Evaluation
	for i := len(r.order) - 1; i >= 0; i-- {
		c := *r.items[r.order[i]]
		out = append(out, &c)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memEvaluations) UpdateStatus(_ context.Context, e *models.Evaluation, from models.EvaluationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[e.ID]
	if !ok {
		return domain.NewNotFoundError("evaluation", e.ID, domain.ErrEvaluationNotFound)
	}
	if cur.Status != from {
		return domain.NewDomainError(domain.ErrStatusConflict, fmt.Sprintf("evaluation %s is %s", e.ID, cur.Status))
	}
	cur.Status = e.Status
	cur.PauseRequested = e.PauseRequested
	cur.WinnerPromptID = e.WinnerPromptID
	cur.ErrorMessage = e.ErrorMessage
	cur.FailedEpochNumber = e.FailedEpochNumber
	cur.StartedAt = e.StartedAt
	cur.CompletedAt = e.CompletedAt
	cur.UpdatedAt = e.UpdatedAt
	return nil
}

func (r *memEvaluations) UpdateProgress(_ context.Context, e *models.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[e.ID]
	if !ok {
		return domain.NewNotFoundError("evaluation", e.ID, domain.ErrEvaluationNotFound)
	}
	cur.CurrentEpochNumber = e.CurrentEpochNumber
	cur.BestPromptID = e.BestPromptID
	cur.BestAccuracy = e.BestAccuracy
	cur.BestConversionRate = e.BestConversionRate
	return nil
}

func (r *memEvaluations) RequestPause(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[id]
	if !ok {
		return domain.NewNotFoundError("evaluation", id, domain.ErrEvaluationNotFound)
	}
	if cur.Status != models.EvaluationStatusRunning || cur.PauseRequested {
		return domain.NewDomainError(domain.ErrStatusConflict, fmt.Sprintf("evaluation %s is %s", id, cur.Status))
	}
	cur.PauseRequested = true
	return nil
}

// setStatus simulates a concurrent status write such as a cancel
func (r *memEvaluations) setStatus(id string, status models.EvaluationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id].Status = status
	if status != models.EvaluationStatusRunning {
		r.items[id].PauseRequested = false
	}
}

// requestPause simulates a pause request arriving from another caller
func (r *memEvaluations) requestPause(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id].PauseRequested = true
}

// settle simulates an external terminal write such as a declared winner
func (r *memEvaluations) settle(id string, status models.EvaluationStatus, winner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id].Status = status
	r.items[id].WinnerPromptID = winner
	r.items[id].PauseRequested = false
}

type memEpochs struct {
	mu    sync.Mutex
	items map[string]*models.Epoch
}

func newMemEpochs() *memEpochs {
	return &memEpochs{items: make(map[string]*models.Epoch)}
}

func (r *memEpochs) Create(_ context.Context, ep *models.Epoch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *ep
	r.items[ep.ID] = &c
	return nil
}

func (r *memEpochs) GetByID(_ context.Context, id string) (*models.Epoch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.items[id]
	if !ok {
		return nil, domain.NewNotFoundError("epoch", id, domain.ErrEpochNotFound)
	}
	c := *ep
	return &c, nil
}

func (r *memEpochs) Update(_ context.Context, ep *models.Epoch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[ep.ID]; !ok {
		return domain.NewNotFoundError("epoch", ep.ID, domain.ErrEpochNotFound)
	}
	c := *ep
	r.items[ep.ID] = &c
	return nil
}

func (r *memEpochs) GetLatest(ctx context.Context, evaluationID string) (*models.Epoch, error) {
	all, _ := r.ListByEvaluation(ctx, evaluationID)
	if len(all) == 0 {
		return nil, domain.NewNotFoundError("epoch", evaluationID, domain.ErrEpochNotFound)
	}
	return all[len(all)-1], nil
}

func (r *memEpochs) ListByEvaluation(_ context.Context, evaluationID string) ([]*models.Epoch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Epoch
	for _, ep := range r.items {
		if ep.EvaluationID == evaluationID {
			c := *ep
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EpochNumber < out[j].EpochNumber })
	return out, nil
}

type memRuns struct {
	mu    sync.Mutex
	items map[string]*models.TestRun
}

func newMemRuns() *memRuns {
	return &memRuns{items: make(map[string]*models.TestRun)}
}

func (r *memRuns) Create(_ context.Context, run *models.TestRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *run
	r.items[run.ID] = &c
	return nil
}

func (r *memRuns) GetByID(_ context.Context, id string) (*models.TestRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.items[id]
	if !ok {
		return nil, domain.NewNotFoundError("test run", id, domain.ErrTestRunNotFound)
	}
	c := *run
	return &c, nil
}

func (r *memRuns) GetByEpoch(_ context.Context, epochID string) (*models.TestRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.items {
		if run.EpochID == epochID {
			c := *run
			return &c, nil
		}
	}
	return nil, domain.NewNotFoundError("test run", epochID, domain.ErrTestRunNotFound)
}

func (r *memRuns) Update(_ context.Context, run *models.TestRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *run
	r.items[run.ID] = &c
	return nil
}

type memSessions struct {
	mu    sync.Mutex
	items map[string]*models.TestSession
	order []string
}

func newMemSessions() *memSessions {
	return &memSessions{items: make(map[string]*models.TestSession)}
}

func (r *memSessions) CreateBatch(_ context.Context, sessions []*models.TestSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sessions {
		c := *s
		r.items[s.ID] = &c
		r.order = append(r.order, s.ID)
	}
	return nil
}

func (r *memSessions) GetByID(_ context.Context, id string) (*models.TestSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok {
		return nil, domain.NewNotFoundError("test session", id, domain.ErrSessionNotFound)
	}
	c := *s
	return &c, nil
}

func (r *memSessions) Update(_ context.Context, s *models.TestSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *s
	r.items[s.ID] = &c
	return nil
}

func (r *memSessions) SaveTranscript(_ context.Context, id string, transcript []models.TranscriptTurn, turns int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok {
		return domain.NewNotFoundError("test session", id, domain.ErrSessionNotFound)
	}
	s.Transcript = append([]models.TranscriptTurn(nil), transcript...)
	s.Turns = turns
	return nil
}

func (r *memSessions) ListByRun(_ context.Context, runID string) ([]*models.TestSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.TestSession
	for _, id := range r.order {
		if s := r.items[id]; s.TestRunID == runID {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

type memPrompts struct {
	mu    sync.Mutex
	items map[string]*models.PromptVersion
}

func newMemPrompts(seed ...*models.PromptVersion) *memPrompts {
	r := &memPrompts{items: make(map[string]*models.PromptVersion)}
	for _, pv := range seed {
		r.items[pv.ID] = pv
	}
	return r
}

func (r *memPrompts) Create(_ context.Context, pv *models.PromptVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[pv.ID]; ok {
		return fmt.Errorf("prompt version %s already exists", pv.ID)
	}
	c := *pv
	r.items[pv.ID] = &c
	return nil
}

func (r *memPrompts) GetByID(_ context.Context, id string) (*models.PromptVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pv, ok := r.items[id]
	if !ok {
		return nil, domain.NewNotFoundError("prompt version", id, domain.ErrPromptNotFound)
	}
	c := *pv
	return &c, nil
}

func (r *memPrompts) NextVersionNumber(_ context.Context, evaluationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	highest := 0
	for _, pv := range r.items {
		if pv.EvaluationID == evaluationID && pv.Version > highest {
			highest = pv.Version
		}
	}
	return highest + 1, nil
}

func (r *memPrompts) ListByEvaluation(_ context.Context, evaluationID string) ([]*models.PromptVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.PromptVersion
	for _, pv := range r.items {
		if pv.EvaluationID == evaluationID {
			c := *pv
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

type memPersonas struct {
	items []*models.Persona
}

func (r *memPersonas) GetByID(_ context.Context, id string) (*models.Persona, error) {
	for _, p := range r.items {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, domain.NewNotFoundError("persona", id, domain.ErrPersonaNotFound)
}

func (r *memPersonas) GetByIDs(_ context.Context, ids []string) ([]*models.Persona, error) {
	var out []*models.Persona
	for _, id := range ids {
		for _, p := range r.items {
			if p.ID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (r *memPersonas) List(_ context.Context) ([]*models.Persona, error) {
	return r.items, nil
}

type memMetrics struct {
	mu    sync.Mutex
	items []*models.MetricsRecord
}

func (r *memMetrics) Create(_ context.Context, m *models.MetricsRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, m)
	return nil
}

func (r *memMetrics) ListByEpoch(_ context.Context, epochID string) ([]*models.MetricsRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.MetricsRecord
	for _, m := range r.items {
		if m.EpochID == epochID {
			out = append(out, m)
		}
	}
	return out, nil
}

type memSuggestions struct {
	mu    sync.Mutex
	items []*models.HealingSuggestion
}

func (r *memSuggestions) Create(_ context.Context, s *models.HealingSuggestion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *s
	r.items = append(r.items, &c)
	return nil
}

func (r *memSuggestions) ListByEpoch(_ context.Context, epochID string) ([]*models.HealingSuggestion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.HealingSuggestion
	for _, s := range r.items {
		if s.EpochID == epochID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memSuggestions) MarkApplied(_ context.Context, ids []string, promptVersionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.items {
		for _, id := range ids {
			if s.ID == id {
				s.AppliedInPromptID = promptVersionID
				t := at
				s.AppliedAt = &t
			}
		}
	}
	return nil
}

type memSnapshots struct {
	mu    sync.Mutex
	items []*models.Snapshot
}

func (r *memSnapshots) Create(_ context.Context, s *models.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, s)
	return nil
}

func (r *memSnapshots) ListByEpoch(_ context.Context, epochID string) ([]*models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Snapshot
	for _, s := range r.items {
		if s.EpochID == epochID {
			out = append(out, s)
		}
	}
	return out, nil
}

// failingTx runs fn and then reports err, as a rollback would
type failingTx struct{ err error }

func (t failingTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	return t.err
}

// fakeScheduler runs batch items inline, in order, and records triggers
type fakeScheduler struct {
	mu          sync.Mutex
	tasks       map[string]ports.TaskFunc
	triggered   []ports.BatchItem
	concurrency int
	batchErr    error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{tasks: make(map[string]ports.TaskFunc)}
}

func (s *fakeScheduler) Trigger(_ context.Context, task string, payload any) (ports.TaskHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered = append(s.triggered, ports.BatchItem{Task: task, Payload: payload})
	return ports.TaskHandle{ID: fmt.Sprintf("task_%d", len(s.triggered)), Task: task}, nil
}

func (s *fakeScheduler) TriggerAndWait(ctx context.Context, task string, payload any) ports.TaskResult {
	fn, ok := s.tasks[task]
	if !ok {
		return ports.TaskResult{Handle: ports.TaskHandle{Task: task}, Err: fmt.Errorf("unknown task %q", task)}
	}
	out, err := fn(ctx, payload)
	return ports.TaskResult{Handle: ports.TaskHandle{Task: task}, OK: err == nil, Output: out, Err: err}
}

func (s *fakeScheduler) BatchTriggerAndWait(ctx context.Context, items []ports.BatchItem) ([]ports.TaskResult, error) {
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	s.mu.Lock()
	s.concurrency = ports.BatchConcurrency(ctx)
	s.mu.Unlock()
	results := make([]ports.TaskResult, len(items))
	for i, item := range items {
		results[i] = s.TriggerAndWait(ctx, item.Task, item.Payload)
	}
	return results, nil
}

// scriptedSessionTask completes sessions inline. Sessions whose id is in
// fail end failed; every session gets the given accuracy and a transcript.
func scriptedSessionTask(repo *memSessions, accuracy float64, fail map[string]bool) ports.TaskFunc {
	return func(ctx context.Context, payload any) (any, error) {
		p := payload.(ports.VoiceSessionPayload)
		s, err := repo.GetByID(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		if err := s.TransitionTo(models.TestSessionStatusRunning); err != nil {
			return nil, err
		}
		s.Tokens = 100
		s.Cost = 0.01
		s.Transcript = []models.TranscriptTurn{
			{Role: models.TurnRoleAgent, Text: "Hello, how can I help?"},
			{Role: models.TurnRolePersona, Text: "I want to cancel."},
		}
		s.Turns = len(s.Transcript)
		if fail[s.ID] {
			_ = s.TransitionTo(models.TestSessionStatusFailed)
			s.EndReason = models.EndReasonDisconnect
			s.ErrorMessage = "transport disconnected"
			_ = repo.Update(ctx, s)
			return s, domain.ErrTransportDisconnect
		}
		s.Accuracy = models.Float(accuracy)
		s.AvgLatencyMs = models.Float(400)
		s.EndReason = models.EndReasonGoodbye
		_ = s.TransitionTo(models.TestSessionStatusCompleted)
		_ = repo.Update(ctx, s)
		return s, nil
	}
}

// fakeJudge answers structured requests by schema name
type fakeJudge struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     map[string]int
	prompts   map[string][]string
	text      string
}

func newFakeJudge() *fakeJudge {
	return &fakeJudge{
		responses: make(map[string]string),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
		prompts:   make(map[string][]string),
	}
}

func (j *fakeJudge) GenerateText(_ context.Context, _ string, _ []ports.ChatMessage) (*ports.Completion, error) {
	return &ports.Completion{Text: j.text, Usage: ports.Usage{PromptTokens: 10, CompletionTokens: 10}}, nil
}

func (j *fakeJudge) GenerateStructured(_ context.Context, req ports.StructuredRequest, out any) (*ports.Usage, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls[req.Name]++
	j.prompts[req.Name] = append(j.prompts[req.Name], req.Prompt)
	if err := j.errs[req.Name]; err != nil {
		return nil, err
	}
	body, ok := j.responses[req.Name]
	if !ok {
		return nil, fmt.Errorf("no canned response for %s", req.Name)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return nil, err
	}
	return &ports.Usage{PromptTokens: 100, CompletionTokens: 20, Cost: 0.001}, nil
}

func (j *fakeJudge) Model() string { return "judge-test" }

func (j *fakeJudge) callCount(name string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls[name]
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []models.Evaluation
}

func (n *recordingNotifier) NotifyEvaluation(_ context.Context, e *models.Evaluation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, *e)
	return nil
}

// eventLog collects progress events
type eventLog struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (l *eventLog) Publish(e models.ProgressEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []models.ProgressKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ProgressKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func testPersonas() []*models.Persona {
	return []*models.Persona{
		{ID: "p_angry", Name: "Angry Andy", Description: "Wants a refund now", Voice: "onyx"},
		{ID: "p_chatty", Name: "Chatty Cathy", Description: "Talks about everything", Voice: "nova"},
		{ID: "p_quiet", Name: "Quiet Quinn", Description: "Answers in single words", Voice: "echo"},
	}
}

func testConfig() models.EvaluationConfig {
	return models.EvaluationConfig{
		MaxEpochs:            3,
		TestsPerEpoch:        10,
		PersonaIDs:           []string{"p_angry", "p_chatty", "p_quiet"},
		Concurrency:          4,
		ImprovementThreshold: 2,
		TargetMetric:         models.TargetMetricAccuracy,
		Goals:                []string{"upsell the annual plan"},
	}
}
