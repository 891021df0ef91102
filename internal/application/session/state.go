package session

import (
	"time"

	"github.com/crafter-station/cadence-sub000/internal/audio"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

// State is the turn-taking state of one call
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateSilenceDetected
	StateTranscribing
	StateGenerating
	StateSynthesizing
	StatePublishing
	StateEnding
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSilenceDetected:
		return "silence_detected"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StatePublishing:
		return "publishing"
	case StateEnding:
		return "ending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// silenceTimer is the end-of-turn grace period. It is owned by the call loop
// goroutine: once cancelled or restarted, the old timer's channel is never
// selected again, so a stale fire cannot end a turn.
type silenceTimer struct {
	clock ports.Clock
	timer ports.Timer
}

func newSilenceTimer(clock ports.Clock) *silenceTimer {
	return &silenceTimer{clock: clock}
}

// Start arms the timer, replacing any armed one
func (s *silenceTimer) Start(d time.Duration) {
	s.Cancel()
	s.timer = s.clock.NewTimer(d)
}

// Cancel disarms the timer and reports whether one was armed
func (s *silenceTimer) Cancel() bool {
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	return true
}

// C is nil while disarmed, which blocks forever in a select
func (s *silenceTimer) C() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C()
}

// Fired must be called after receiving from C
func (s *silenceTimer) Fired() {
	s.timer = nil
}

func (s *silenceTimer) Armed() bool {
	return s.timer != nil
}

// audioBuffer accumulates remote audio for the current agent turn
type audioBuffer struct {
	frames   []ports.AudioFrame
	duration time.Duration
}

func (b *audioBuffer) Append(f ports.AudioFrame) {
	b.frames = append(b.frames, f)
	b.duration += f.Duration()
}

func (b *audioBuffer) Duration() time.Duration {
	return b.duration
}

func (b *audioBuffer) Reset() {
	b.frames = nil
	b.duration = 0
}

// PCM returns the buffered audio as mono 16-bit PCM at rate
func (b *audioBuffer) PCM(rate int) []byte {
	var out []int16
	for _, f := range b.frames {
		mono := audio.Downmix(f.Samples, f.Channels)
		out = append(out, audio.Resample(mono, f.SampleRate, rate)...)
	}
	return audio.SamplesToBytes(out)
}

// preRoll keeps the most recent remote audio heard while the agent was not
// flagged as speaking. Speaking events lag the audio, so the onset of an
// utterance arrives before its event.
type preRoll struct {
	window   time.Duration
	frames   []ports.AudioFrame
	duration time.Duration
}

func (p *preRoll) Push(f ports.AudioFrame) {
	if p.window <= 0 {
		return
	}
	p.frames = append(p.frames, f)
	p.duration += f.Duration()
	for len(p.frames) > 0 && p.duration > p.window {
		p.duration -= p.frames[0].Duration()
		p.frames = p.frames[1:]
	}
}

// DrainTo moves the held frames into b, oldest first
func (p *preRoll) DrainTo(b *audioBuffer) {
	for _, f := range p.frames {
		b.Append(f)
	}
	p.Reset()
}

func (p *preRoll) Reset() {
	p.frames = nil
	p.duration = 0
}
