package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crafter-station/cadence-sub000/internal/adapters/clock"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

type fakeTransport struct {
	frames chan ports.AudioFrame
	events chan ports.SpeakingEvent
	disc   chan struct{}

	mu          sync.Mutex
	published   []ports.AudioFrame
	connectedTo string
	closed      bool
	connectErr  error
	// dropOnPublish simulates the agent hanging up while the persona speaks
	dropOnPublish bool
	discOnce      sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan ports.AudioFrame),
		events: make(chan ports.SpeakingEvent),
		disc:   make(chan struct{}),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, url, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connectedTo = url + "|" + token
	return nil
}

func (f *fakeTransport) Frames() <-chan ports.AudioFrame          { return f.frames }
func (f *fakeTransport) SpeakingEvents() <-chan ports.SpeakingEvent { return f.events }
func (f *fakeTransport) Disconnected() <-chan struct{}             { return f.disc }

func (f *fakeTransport) Publish(_ context.Context, frame ports.AudioFrame) error {
	f.mu.Lock()
	drop := f.dropOnPublish
	f.mu.Unlock()
	if drop {
		f.disconnect()
		return errors.New("transport closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) disconnect() {
	f.discOnce.Do(func() { close(f.disc) })
}

func (f *fakeTransport) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeTransportFactory struct{ t *fakeTransport }

func (f fakeTransportFactory) NewTransport() ports.AudioTransport { return f.t }

type fakeRooms struct {
	mu       sync.Mutex
	metadata string
	released []string
	err      error
}

func (f *fakeRooms) Provision(_ context.Context, roomName, identity, metadata string) (*ports.RoomCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.metadata = metadata
	return &ports.RoomCredentials{URL: "ws://rooms.test", Token: "tok-" + identity, RoomName: roomName}, nil
}

func (f *fakeRooms) Release(_ context.Context, roomName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, roomName)
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*models.TestSession
	statuses []models.TestSessionStatus
	saves    []int
}

func (f *fakeSessions) CreateBatch(_ context.Context, sessions []*models.TestSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range sessions {
		f.sessions[s.ID] = s
	}
	return nil
}

func (f *fakeSessions) GetByID(_ context.Context, id string) (*models.TestSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.NewNotFoundError("test session", id, domain.ErrSessionNotFound)
	}
	return s, nil
}

func (f *fakeSessions) Update(_ context.Context, s *models.TestSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s.Status)
	return nil
}

func (f *fakeSessions) SaveTranscript(_ context.Context, _ string, transcript []models.TranscriptTurn, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, len(transcript))
	return nil
}

func (f *fakeSessions) ListByRun(context.Context, string) ([]*models.TestSession, error) {
	return nil, nil
}

type fakePersonas struct{ persona *models.Persona }

func (f fakePersonas) GetByID(_ context.Context, id string) (*models.Persona, error) {
	if f.persona == nil || f.persona.ID != id {
		return nil, domain.NewNotFoundError("persona", id, domain.ErrPersonaNotFound)
	}
	return f.persona, nil
}

func (f fakePersonas) GetByIDs(ctx context.Context, ids []string) ([]*models.Persona, error) {
	var out []*models.Persona
	for _, id := range ids {
		p, err := f.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (f fakePersonas) List(context.Context) ([]*models.Persona, error) {
	return []*models.Persona{f.persona}, nil
}

type fakePrompts struct{ prompt *models.PromptVersion }

func (f fakePrompts) Create(context.Context, *models.PromptVersion) error { return nil }

func (f fakePrompts) GetByID(_ context.Context, id string) (*models.PromptVersion, error) {
	if f.prompt == nil || f.prompt.ID != id {
		return nil, domain.NewNotFoundError("prompt version", id, domain.ErrPromptNotFound)
	}
	return f.prompt, nil
}

func (f fakePrompts) NextVersionNumber(context.Context, string) (int, error) { return 2, nil }

func (f fakePrompts) ListByEvaluation(context.Context, string) ([]*models.PromptVersion, error) {
	return nil, nil
}

type fakeSTT struct {
	mu      sync.Mutex
	replies []string
	calls   int
	rates   []int
	sizes   []int
}

func (f *fakeSTT) push(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
}

func (f *fakeSTT) Transcribe(_ context.Context, pcm []byte, sampleRate int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.rates = append(f.rates, sampleRate)
	f.sizes = append(f.sizes, len(pcm))
	if len(f.replies) == 0 {
		return "", nil
	}
	text := f.replies[0]
	f.replies = f.replies[1:]
	return text, nil
}

func (f *fakeSTT) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTTS struct {
	mu     sync.Mutex
	voices []string
}

// Synthesize returns 100ms of 16kHz mono audio
func (f *fakeTTS) Synthesize(_ context.Context, _ string, voice string) (*ports.SynthesizedSpeech, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voices = append(f.voices, voice)
	return &ports.SynthesizedSpeech{PCM: make([]byte, 1600*2), SampleRate: 16000, Channels: 1}, nil
}

type fakeLLM struct {
	mu        sync.Mutex
	systems   []string
	histories [][]ports.ChatMessage
	err       error
}

func (f *fakeLLM) GenerateText(_ context.Context, system string, history []ports.ChatMessage) (*ports.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.systems = append(f.systems, system)
	f.histories = append(f.histories, append([]ports.ChatMessage(nil), history...))
	return &ports.Completion{
		Text:  "I want to cancel my order.",
		Usage: ports.Usage{PromptTokens: 10, CompletionTokens: 5, Cost: 0.01},
	}, nil
}

func (f *fakeLLM) GenerateStructured(context.Context, ports.StructuredRequest, any) (*ports.Usage, error) {
	return nil, errors.New("not used")
}

func (f *fakeLLM) Model() string { return "fake" }

type fakeBlobs struct {
	mu    sync.Mutex
	paths []string
	sizes []int
}

func (f *fakeBlobs) Put(_ context.Context, path string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	f.sizes = append(f.sizes, len(data))
	return "http://blobs.test/" + path, nil
}

type harness struct {
	engine    *Engine
	clock     *clock.Manual
	transport *fakeTransport
	rooms     *fakeRooms
	sessions  *fakeSessions
	stt       *fakeSTT
	tts       *fakeTTS
	llm       *fakeLLM
	blobs     *fakeBlobs
	events    chan models.ProgressEvent
	payload   ports.VoiceSessionPayload
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	run := &models.TestRun{ID: "run_1", EpochID: "ep_1", EvaluationID: "eval_1"}
	s := models.NewTestSession("ts_1", run, "p_1", 1)

	h := &harness{
		clock:     clock.NewManual(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)),
		transport: newFakeTransport(),
		rooms:     &fakeRooms{},
		sessions:  &fakeSessions{sessions: map[string]*models.TestSession{s.ID: s}},
		stt:       &fakeSTT{},
		tts:       &fakeTTS{},
		llm:       &fakeLLM{},
		blobs:     &fakeBlobs{},
		events:    make(chan models.ProgressEvent, 256),
		payload: ports.VoiceSessionPayload{
			SessionID:    "ts_1",
			PersonaID:    "p_1",
			PromptID:     "pv_1",
			EvaluationID: "eval_1",
			EpochNumber:  1,
			Goals:        []string{"upsell the annual plan"},
		},
	}

	engine, err := NewEngine(cfg, Deps{
		Sessions: h.sessions,
		Personas: fakePersonas{persona: &models.Persona{
			ID:             "p_1",
			Name:           "Impatient Ian",
			Description:    "A busy commuter",
			Traits:         []string{"impatient", "direct"},
			BehaviorPrompt: "Interrupt long explanations.",
			Voice:          "onyx",
		}},
		Prompts:    fakePrompts{prompt: &models.PromptVersion{ID: "pv_1", EvaluationID: "eval_1", Content: "You are a support agent.", Version: 1}},
		Rooms:      h.rooms,
		Transports: fakeTransportFactory{t: h.transport},
		STT:        h.stt,
		TTS:        h.tts,
		LLM:        h.llm,
		Blobs:      h.blobs,
		Progress:   ports.ProgressFunc(func(ev models.ProgressEvent) { h.events <- ev }),
		Clock:      h.clock,
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

type runResult struct {
	session *models.TestSession
	err     error
}

func (h *harness) start() <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		s, err := h.engine.Run(context.Background(), h.payload)
		done <- runResult{session: s, err: err}
	}()
	return done
}

func speechFrame() ports.AudioFrame {
	return ports.AudioFrame{Samples: make([]int16, 320), SampleRate: 16000, Channels: 1}
}

// agentSays plays one agent utterance of n 20ms frames, then lets the silence
// grace period elapse.
func (h *harness) agentSays(t *testing.T, text string, n int) {
	t.Helper()
	h.stt.push(text)
	h.transport.events <- ports.SpeakingEvent{Speaking: true, At: h.clock.Now()}
	for range n {
		h.transport.frames <- speechFrame()
	}
	h.transport.events <- ports.SpeakingEvent{Speaking: false, At: h.clock.Now()}
	require.Eventually(t, func() bool { return h.clock.Pending() == 2 }, 2*time.Second, time.Millisecond)
	h.clock.Advance(DefaultConfig().SilenceGrace)
}

func (h *harness) waitFor(t *testing.T, kind models.ProgressKind) models.ProgressEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return models.ProgressEvent{}
		}
	}
}

func waitDone(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return runResult{}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
