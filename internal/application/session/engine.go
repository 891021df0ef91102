// Package session drives one synthetic voice call against the agent under test.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/crafter-station/cadence-sub000/internal/adapters/metrics"
	"github.com/crafter-station/cadence-sub000/internal/audio"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

// Config controls turn taking and stop conditions
type Config struct {
	// SilenceGrace is how long the agent must stay quiet before its turn is over
	SilenceGrace time.Duration
	// MinAudio is the shortest buffered speech that is transcribed
	MinAudio time.Duration
	// PreRoll is how much audio before a speaking event joins the agent turn
	PreRoll      time.Duration
	MaxTurns     int
	MaxDuration  time.Duration
	TimeoutGrace time.Duration
	// PersistEvery saves the transcript after this many new messages
	PersistEvery   int
	FrameDuration  time.Duration
	ASRSampleRate  int
	RecordingRate  int
	GoodbyePhrases []string
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		SilenceGrace:   4500 * time.Millisecond,
		MinAudio:       500 * time.Millisecond,
		PreRoll:        300 * time.Millisecond,
		MaxTurns:       20,
		MaxDuration:    5 * time.Minute,
		TimeoutGrace:   60 * time.Second,
		PersistEvery:   4,
		FrameDuration:  20 * time.Millisecond,
		ASRSampleRate:  16000,
		RecordingRate:  16000,
		GoodbyePhrases: DefaultGoodbyePhrases,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SilenceGrace <= 0 {
		c.SilenceGrace = d.SilenceGrace
	}
	if c.MinAudio <= 0 {
		c.MinAudio = d.MinAudio
	}
	if c.PreRoll <= 0 {
		c.PreRoll = d.PreRoll
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.TimeoutGrace < 0 {
		c.TimeoutGrace = d.TimeoutGrace
	}
	if c.PersistEvery <= 0 {
		c.PersistEvery = d.PersistEvery
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = d.FrameDuration
	}
	if c.ASRSampleRate <= 0 {
		c.ASRSampleRate = d.ASRSampleRate
	}
	if c.RecordingRate <= 0 {
		c.RecordingRate = d.RecordingRate
	}
	if len(c.GoodbyePhrases) == 0 {
		c.GoodbyePhrases = d.GoodbyePhrases
	}
	return c
}

// Deps are the collaborators of the engine. Blobs and Progress are optional.
type Deps struct {
	Sessions   ports.TestSessionRepository
	Personas   ports.PersonaRepository
	Prompts    ports.PromptVersionRepository
	Rooms      ports.RoomProvisioner
	Transports ports.AudioTransportFactory
	STT        ports.SpeechToText
	TTS        ports.TextToSpeech
	LLM        ports.LLMProvider
	Blobs      ports.BlobStore
	Progress   ports.ProgressPublisher
	Clock      ports.Clock
}

// Engine runs voice sessions. It is safe for concurrent use; each Run owns
// its own call state.
type Engine struct {
	config Config
	deps   Deps
}

var _ ports.SessionRunner = (*Engine)(nil)

// NewEngine creates a session engine
func NewEngine(config Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Sessions == nil:
		return nil, fmt.Errorf("session repository is required")
	case deps.Personas == nil:
		return nil, fmt.Errorf("persona repository is required")
	case deps.Prompts == nil:
		return nil, fmt.Errorf("prompt repository is required")
	case deps.Rooms == nil:
		return nil, fmt.Errorf("room provisioner is required")
	case deps.Transports == nil:
		return nil, fmt.Errorf("audio transport factory is required")
	case deps.STT == nil:
		return nil, fmt.Errorf("speech-to-text provider is required")
	case deps.TTS == nil:
		return nil, fmt.Errorf("text-to-speech provider is required")
	case deps.LLM == nil:
		return nil, fmt.Errorf("LLM provider is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	return &Engine{config: config.withDefaults(), deps: deps}, nil
}

// Task adapts the engine to a scheduler task taking a VoiceSessionPayload
func (e *Engine) Task() ports.TaskFunc {
	return func(ctx context.Context, payload any) (any, error) {
		var p ports.VoiceSessionPayload
		switch v := payload.(type) {
		case ports.VoiceSessionPayload:
			p = v
		case *ports.VoiceSessionPayload:
			p = *v
		default:
			return nil, fmt.Errorf("unexpected payload type %T", payload)
		}
		return e.Run(ctx, p)
	}
}

// Run drives the call for the pre-created session in payload. The final
// session state is persisted and returned also when the call failed.
func (e *Engine) Run(ctx context.Context, payload ports.VoiceSessionPayload) (*models.TestSession, error) {
	ctx, span := otel.Tracer("cadence.session").Start(ctx, "session.run")
	defer span.End()
	span.SetAttributes(
		otel.SessionID(payload.SessionID),
		otel.PersonaID(payload.PersonaID),
		otel.PromptID(payload.PromptID),
		otel.EvaluationID(payload.EvaluationID),
		otel.EpochNumber(payload.EpochNumber),
	)
	ctx = otel.WithSessionID(ctx, payload.SessionID)

	s, err := e.deps.Sessions.GetByID(ctx, payload.SessionID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if s.Status != models.TestSessionStatusPending {
		err := domain.NewDomainError(domain.ErrInvalidState, fmt.Sprintf("session %s is %s", s.ID, s.Status))
		span.SetStatus(codes.Error, err.Error())
		return s, err
	}

	c := &call{
		engine:  e,
		session: s,
		payload: payload,
		silence: newSilenceTimer(e.deps.Clock),
		preRoll: preRoll{window: e.config.PreRoll},
		logger:  slog.With("session_id", s.ID, "persona_id", s.PersonaID),
	}
	reason, runErr := c.run(ctx)
	final, err := c.finish(ctx, reason, runErr)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return final, err
	}
	span.SetStatus(codes.Ok, "")
	return final, nil
}

// call is the state of one running session. It is owned by a single goroutine.
type call struct {
	engine  *Engine
	session *models.TestSession
	payload ports.VoiceSessionPayload
	persona *models.Persona
	prompt  *models.PromptVersion
	logger  *slog.Logger

	transport ports.AudioTransport
	recorder  *audio.Recorder
	startedAt time.Time
	state     State

	turns        []models.TranscriptTurn
	personaTurns int
	unsaved      int
	usage        ports.Usage

	buffer         audioBuffer
	preRoll        preRoll
	silence        *silenceTimer
	remoteSpeaking bool

	awaitingReply  bool
	publishEnd     time.Time
	pendingLatency *float64
}

func (c *call) setState(next State) {
	c.logger.Debug("session: state", "from", c.state.String(), "to", next.String())
	c.state = next
}

// run connects and loops until a stop condition, disconnect, timeout or error
func (c *call) run(ctx context.Context) (models.EndReason, error) {
	e := c.engine
	if err := c.session.TransitionTo(models.TestSessionStatusRunning); err != nil {
		return models.EndReasonError, err
	}
	c.session.RoomName = c.session.ID
	if err := e.deps.Sessions.Update(ctx, c.session); err != nil {
		return models.EndReasonError, fmt.Errorf("failed to mark session running: %w", err)
	}
	c.startedAt = e.deps.Clock.Now()
	c.emit(models.ProgressSessionStarted, "session started")

	limit := e.config.MaxDuration + e.config.TimeoutGrace
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hard := e.deps.Clock.NewTimer(limit)
	defer hard.Stop()
	var timedOut atomic.Bool
	go func() {
		select {
		case <-hard.C():
			timedOut.Store(true)
			cancel()
		case <-runCtx.Done():
		}
	}()

	reason, err := c.converse(runCtx)
	return c.outcome(ctx, reason, err, timedOut.Load(), limit)
}

// outcome settles how converse ended. A natural stop stands even when the
// hard timer fired right after it; the timeout only explains a failure.
func (c *call) outcome(ctx context.Context, reason models.EndReason, err error, timedOut bool, limit time.Duration) (models.EndReason, error) {
	if err == nil {
		return reason, nil
	}
	if timedOut {
		return models.EndReasonTimeout, &domain.TimeoutError{SessionID: c.session.ID, Limit: limit}
	}
	if ctx.Err() != nil {
		return models.EndReasonError, ctx.Err()
	}
	return reason, err
}

func (c *call) converse(ctx context.Context) (models.EndReason, error) {
	e := c.engine
	persona, err := e.deps.Personas.GetByID(ctx, c.payload.PersonaID)
	if err != nil {
		return models.EndReasonError, fmt.Errorf("failed to load persona: %w", err)
	}
	c.persona = persona
	prompt, err := e.deps.Prompts.GetByID(ctx, c.payload.PromptID)
	if err != nil {
		return models.EndReasonError, fmt.Errorf("failed to load prompt: %w", err)
	}
	c.prompt = prompt

	c.setState(StateConnecting)
	metadata, err := json.Marshal(ports.RoomMetadata{
		SessionID:    c.session.ID,
		EvaluationID: c.session.EvaluationID,
		PromptID:     prompt.ID,
		Prompt:       prompt.Content,
		PersonaID:    persona.ID,
	})
	if err != nil {
		return models.EndReasonError, fmt.Errorf("failed to encode room metadata: %w", err)
	}
	creds, err := e.deps.Rooms.Provision(ctx, c.session.RoomName, "persona-"+c.session.ID, string(metadata))
	if err != nil {
		return models.EndReasonError, domain.NewProviderError("rooms", "provision", err)
	}
	defer func() {
		if err := e.deps.Rooms.Release(context.WithoutCancel(ctx), creds.RoomName); err != nil {
			c.logger.Warn("session: failed to release room", "room", creds.RoomName, "error", err)
		}
	}()

	c.transport = e.deps.Transports.NewTransport()
	defer c.transport.Close()
	if err := c.transport.Connect(ctx, creds.URL, creds.Token); err != nil {
		return models.EndReasonError, domain.NewProviderError("transport", "connect", err)
	}
	c.recorder = audio.NewRecorder(e.config.RecordingRate, c.startedAt, e.config.MaxDuration+e.config.TimeoutGrace)

	c.setState(StateListening)
	c.logger.Info("session: connected", "room", creds.RoomName)
	return c.loop(ctx)
}

func (c *call) loop(ctx context.Context) (models.EndReason, error) {
	defer c.silence.Cancel()
	frames := c.transport.Frames()
	events := c.transport.SpeakingEvents()
	for {
		select {
		case <-ctx.Done():
			return models.EndReasonError, ctx.Err()
		case <-c.transport.Disconnected():
			return c.onDisconnect()
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			c.onFrame(f)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.onSpeaking(ev)
		case <-c.silence.C():
			c.silence.Fired()
			reason, done, err := c.onSilence(ctx)
			if err != nil {
				if c.disconnected() {
					return c.onDisconnect()
				}
				return models.EndReasonError, err
			}
			if done {
				return reason, nil
			}
		}
	}
}

func (c *call) disconnected() bool {
	select {
	case <-c.transport.Disconnected():
		return true
	default:
		return false
	}
}

func (c *call) onFrame(f ports.AudioFrame) {
	c.recorder.Add(c.engine.deps.Clock.Now(), f.Samples, f.SampleRate, f.Channels)
	switch {
	case c.state != StateListening:
	case c.remoteSpeaking:
		c.buffer.Append(f)
	default:
		c.preRoll.Push(f)
	}
}

func (c *call) onSpeaking(ev ports.SpeakingEvent) {
	if ev.Speaking == c.remoteSpeaking {
		return
	}
	c.remoteSpeaking = ev.Speaking
	if ev.Speaking {
		c.silence.Cancel()
		if c.state == StateListening {
			c.preRoll.DrainTo(&c.buffer)
		}
		if c.awaitingReply {
			at := ev.At
			now := c.engine.deps.Clock.Now()
			if at.IsZero() || at.Before(c.publishEnd) {
				at = now
			}
			c.pendingLatency = models.Float(float64(at.Sub(c.publishEnd)) / float64(time.Millisecond))
			c.awaitingReply = false
		}
		return
	}
	if c.state == StateListening {
		c.silence.Start(c.engine.config.SilenceGrace)
	}
}

// onSilence completes one exchange. done reports a natural stop.
func (c *call) onSilence(ctx context.Context) (models.EndReason, bool, error) {
	e := c.engine
	c.setState(StateSilenceDetected)
	c.preRoll.Reset()
	if c.buffer.Duration() < e.config.MinAudio {
		c.logger.Debug("session: discarded short audio", "audio_ms", c.buffer.Duration().Milliseconds())
		c.buffer.Reset()
		c.setState(StateListening)
		return "", false, nil
	}

	c.setState(StateTranscribing)
	pcm := c.buffer.PCM(e.config.ASRSampleRate)
	c.buffer.Reset()
	text, err := e.deps.STT.Transcribe(ctx, pcm, e.config.ASRSampleRate)
	if err != nil {
		return "", false, fmt.Errorf("failed to transcribe agent turn: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		c.setState(StateListening)
		return "", false, nil
	}
	c.append(ctx, models.TranscriptTurn{Role: models.TurnRoleAgent, Text: text, At: e.deps.Clock.Now(), LatencyMs: c.pendingLatency})
	c.pendingLatency = nil
	c.awaitingReply = false

	c.setState(StateGenerating)
	completion, err := e.deps.LLM.GenerateText(ctx, personaSystemPrompt(c.persona, c.payload.Goals), personaHistory(c.turns))
	if err != nil {
		return "", false, fmt.Errorf("failed to generate persona reply: %w", err)
	}
	c.usage.PromptTokens += completion.Usage.PromptTokens
	c.usage.CompletionTokens += completion.Usage.CompletionTokens
	c.usage.Cost += completion.Usage.Cost
	reply := strings.TrimSpace(completion.Text)
	if reply == "" {
		return "", false, domain.NewProviderError("llm", "generate_text", domain.ErrEmptyCompletion)
	}

	c.setState(StateSynthesizing)
	speech, err := e.deps.TTS.Synthesize(ctx, reply, c.persona.Voice)
	if err != nil {
		return "", false, fmt.Errorf("failed to synthesize persona reply: %w", err)
	}

	c.setState(StatePublishing)
	if err := c.publish(ctx, speech); err != nil {
		return "", false, err
	}
	c.append(ctx, models.TranscriptTurn{Role: models.TurnRolePersona, Text: reply, At: e.deps.Clock.Now()})
	c.personaTurns++
	c.emit(models.ProgressSessionTurn, reply)
	c.logger.Info("session: turn completed", "persona_turns", c.personaTurns)

	c.setState(StateListening)
	if reason, stop := c.stopReason(text); stop {
		return reason, true, nil
	}
	return "", false, nil
}

// stopReason checks the natural stop conditions in priority order
func (c *call) stopReason(agentText string) (models.EndReason, bool) {
	e := c.engine
	switch {
	case matchesGoodbye(agentText, e.config.GoodbyePhrases):
		return models.EndReasonGoodbye, true
	case c.personaTurns >= e.config.MaxTurns:
		return models.EndReasonMaxTurns, true
	case e.deps.Clock.Now().Sub(c.startedAt) >= e.config.MaxDuration:
		return models.EndReasonMaxDuration, true
	}
	return "", false
}

func (c *call) publish(ctx context.Context, speech *ports.SynthesizedSpeech) error {
	e := c.engine
	channels := speech.Channels
	if channels <= 0 {
		channels = 1
	}
	samples := audio.BytesToSamples(speech.PCM)
	start := e.deps.Clock.Now()
	for i, chunk := range audio.Chunk(samples, speech.SampleRate, channels, e.config.FrameDuration) {
		frame := ports.AudioFrame{Samples: chunk, SampleRate: speech.SampleRate, Channels: channels}
		if err := c.transport.Publish(ctx, frame); err != nil {
			return domain.NewProviderError("transport", "publish", err)
		}
		c.recorder.Add(start.Add(time.Duration(i)*e.config.FrameDuration), chunk, speech.SampleRate, channels)
	}
	c.publishEnd = e.deps.Clock.Now()
	c.awaitingReply = true
	return nil
}

func (c *call) append(ctx context.Context, turn models.TranscriptTurn) {
	c.turns = append(c.turns, turn)
	c.unsaved++
	if c.unsaved < c.engine.config.PersistEvery {
		return
	}
	c.unsaved = 0
	if err := c.engine.deps.Sessions.SaveTranscript(context.WithoutCancel(ctx), c.session.ID, c.turns, len(c.turns)); err != nil {
		c.logger.Warn("session: failed to save transcript", "error", err)
	}
}

func (c *call) onDisconnect() (models.EndReason, error) {
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role != models.TurnRoleAgent {
			continue
		}
		if matchesGoodbye(c.turns[i].Text, c.engine.config.GoodbyePhrases) {
			return models.EndReasonGoodbye, nil
		}
		break
	}
	return models.EndReasonDisconnect, domain.ErrTransportDisconnect
}

// finish computes session metrics and persists the final state
func (c *call) finish(ctx context.Context, reason models.EndReason, runErr error) (*models.TestSession, error) {
	e := c.engine
	c.setState(StateEnding)
	ctx = context.WithoutCancel(ctx)
	s := c.session

	natural := runErr == nil && reason != models.EndReasonDisconnect
	s.Transcript = c.turns
	if s.Transcript == nil {
		s.Transcript = []models.TranscriptTurn{}
	}
	s.Turns = len(c.turns)
	if !c.startedAt.IsZero() {
		s.DurationSeconds = e.deps.Clock.Now().Sub(c.startedAt).Seconds()
	}
	s.Accuracy = scoreAccuracy(c.turns, natural)
	s.AvgLatencyMs = meanLatency(c.turns)
	s.Tokens = c.usage.Total()
	s.Cost = c.usage.Cost
	s.EndReason = reason

	if e.deps.Blobs != nil && c.recorder != nil && c.recorder.Len() > 0 {
		path := fmt.Sprintf("recordings/%s/%s.wav", s.EvaluationID, s.ID)
		url, err := e.deps.Blobs.Put(ctx, path, c.recorder.WAV(), "audio/wav")
		if err != nil {
			c.logger.Warn("session: failed to store recording", "path", path, "error", err)
		} else {
			s.RecordingURL = url
		}
	}

	next := models.TestSessionStatusCompleted
	if runErr != nil {
		next = models.TestSessionStatusFailed
		s.ErrorMessage = runErr.Error()
	}
	if err := s.TransitionTo(next); err != nil {
		return s, errors.Join(runErr, err)
	}
	if err := e.deps.Sessions.Update(ctx, s); err != nil {
		return s, errors.Join(runErr, fmt.Errorf("failed to persist session: %w", err))
	}
	if runErr == nil {
		c.setState(StateCompleted)
	} else {
		c.setState(StateFailed)
	}

	metrics.SessionsTotal.WithLabelValues(string(s.Status), string(reason)).Inc()
	metrics.SessionDuration.Observe(s.DurationSeconds)
	metrics.SessionTurns.Observe(float64(c.personaTurns))

	if runErr != nil {
		c.logger.Warn("session: failed", "end_reason", reason, "error", runErr)
		c.emit(models.ProgressSessionFailed, runErr.Error())
		return s, runErr
	}
	c.logger.Info("session: completed", "end_reason", reason, "turns", s.Turns, "duration_s", s.DurationSeconds)
	c.emit(models.ProgressSessionCompleted, string(reason))
	return s, nil
}

func (c *call) emit(kind models.ProgressKind, message string) {
	if c.engine.deps.Progress == nil {
		return
	}
	c.engine.deps.Progress.Publish(models.ProgressEvent{
		Kind:         kind,
		EvaluationID: c.session.EvaluationID,
		EpochID:      c.session.EpochID,
		EpochNumber:  c.payload.EpochNumber,
		TestRunID:    c.session.TestRunID,
		SessionID:    c.session.ID,
		Message:      message,
		At:           c.engine.deps.Clock.Now(),
	})
}
