package livekit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/crafter-station/cadence-sub000/internal/ports"
)

const (
	// opus RTP always runs on a 48kHz clock
	opusClockRate = 48000
	// max opus frame is 120ms at 48kHz
	maxOpusFrameSamples = 5760
	maxOpusPacketSize   = 4000
)

type TransportConfig struct {
	// DecodeSampleRate is the rate remote audio is delivered at
	DecodeSampleRate int
	Channels         int
	// FrameBuffer bounds queued remote frames before new ones are dropped
	FrameBuffer int
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DecodeSampleRate: 48000,
		Channels:         1,
		FrameBuffer:      500,
	}
}

// TransportFactory builds one Transport per session
type TransportFactory struct {
	cfg TransportConfig
}

func NewTransportFactory(cfg TransportConfig) *TransportFactory {
	return &TransportFactory{cfg: cfg}
}

func (f *TransportFactory) NewTransport() ports.AudioTransport {
	return NewTransport(f.cfg)
}

// Transport joins a LiveKit room as the synthetic caller. Remote audio is
// decoded from opus and delivered as PCM frames; local PCM frames are opus
// encoded and published in real time.
type Transport struct {
	cfg TransportConfig

	room     *lksdk.Room
	track    *lksdk.LocalSampleTrack
	identity string

	frames       chan ports.AudioFrame
	speaking     chan ports.SpeakingEvent
	disconnected chan struct{}
	discOnce     sync.Once

	encMu     sync.Mutex
	encoder   *opus.Encoder
	encRate   int
	encChans  int
	nextWrite time.Time

	speakMu        sync.Mutex
	remoteSpeaking bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	connected bool
	closed    bool
}

func NewTransport(cfg TransportConfig) *Transport {
	if cfg.DecodeSampleRate == 0 {
		cfg.DecodeSampleRate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.FrameBuffer == 0 {
		cfg.FrameBuffer = 500
	}
	return &Transport{
		cfg:          cfg,
		frames:       make(chan ports.AudioFrame, cfg.FrameBuffer),
		speaking:     make(chan ports.SpeakingEvent, 64),
		disconnected: make(chan struct{}),
	}
}

func (t *Transport) Frames() <-chan ports.AudioFrame            { return t.frames }
func (t *Transport) SpeakingEvents() <-chan ports.SpeakingEvent { return t.speaking }
func (t *Transport) Disconnected() <-chan struct{}              { return t.disconnected }

func (t *Transport) Connect(ctx context.Context, url, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if t.closed {
		return fmt.Errorf("transport is closed")
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())

	room, err := lksdk.ConnectToRoomWithToken(url, token, &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: t.onTrackSubscribed,
		},
		OnParticipantDisconnected: t.onParticipantDisconnected,
		OnActiveSpeakersChanged:   t.onActiveSpeakersChanged,
		OnDisconnected:            t.onDisconnected,
	}, lksdk.WithAutoSubscribe(true))
	if err != nil {
		t.cancel()
		return fmt.Errorf("join room: %w", err)
	}
	t.room = room
	t.identity = room.LocalParticipant.Identity()

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusClockRate,
		Channels:  uint16(t.cfg.Channels),
	})
	if err != nil {
		room.Disconnect()
		t.cancel()
		return fmt.Errorf("create audio track: %w", err)
	}
	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "persona",
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		room.Disconnect()
		t.cancel()
		return fmt.Errorf("publish audio track: %w", err)
	}
	t.track = track
	t.connected = true

	slog.Info("livekit: transport connected", "room", room.Name(), "identity", t.identity)

	// context cancellation of the caller tears the connection down
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Close()
		case <-t.ctx.Done():
		}
	}()
	return nil
}

// Publish encodes one PCM frame and writes it to the published track.
// Writes are paced to real time so the remote jitter buffer sees a live stream.
func (t *Transport) Publish(ctx context.Context, frame ports.AudioFrame) error {
	t.mu.RLock()
	track := t.track
	connected := t.connected
	t.mu.RUnlock()

	if !connected || track == nil {
		return fmt.Errorf("transport is not connected")
	}
	if len(frame.Samples) == 0 {
		return nil
	}

	t.encMu.Lock()
	defer t.encMu.Unlock()

	enc, err := t.encoderFor(frame.SampleRate, frame.Channels)
	if err != nil {
		return err
	}

	buf := make([]byte, maxOpusPacketSize)
	n, err := enc.Encode(frame.Samples, buf)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}

	dur := frame.Duration()
	now := time.Now()
	if wait := t.nextWrite.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		now = t.nextWrite
	}
	t.nextWrite = now.Add(dur)

	return track.WriteSample(media.Sample{Data: buf[:n], Duration: dur}, nil)
}

func (t *Transport) encoderFor(rate, channels int) (*opus.Encoder, error) {
	if channels <= 0 {
		channels = 1
	}
	if t.encoder != nil && t.encRate == rate && t.encChans == channels {
		return t.encoder, nil
	}
	enc, err := opus.NewEncoder(rate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	t.encoder, t.encRate, t.encChans = enc, rate, channels
	return enc, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	if t.cancel != nil {
		t.cancel()
	}
	room := t.room
	t.room = nil
	t.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
	t.wg.Wait()
	t.signalDisconnect()
	return nil
}

func (t *Transport) signalDisconnect() {
	t.discOnce.Do(func() { close(t.disconnected) })
}

func (t *Transport) onTrackSubscribed(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, participant *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	identity := participant.Identity()
	slog.Debug("livekit: remote audio subscribed", "participant", identity, "codec", track.Codec().MimeType)

	if !t.goReader(func() { t.readTrack(track, identity) }) {
		slog.Debug("livekit: track ignored after close", "participant", identity)
	}
}

// goReader runs read on a tracked goroutine unless the transport is closed.
// The closed check and wg.Add happen under t.mu so Close never waits while
// a reader is being added.
func (t *Transport) goReader(read func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		read()
	}()
	return true
}

func (t *Transport) readTrack(track *webrtc.TrackRemote, identity string) {

	decoder, err := opus.NewDecoder(t.cfg.DecodeSampleRate, t.cfg.Channels)
	if err != nil {
		slog.Error("livekit: failed to create opus decoder", "error", err)
		return
	}
	pcm := make([]int16, maxOpusFrameSamples*t.cfg.Channels)

	var packets, dropped int64
	for {
		select {
		case <-t.ctx.Done():
			slog.Debug("livekit: audio reader stopped", "participant", identity, "packets", packets, "dropped", dropped)
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			slog.Debug("livekit: audio read ended", "participant", identity, "error", err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := decoder.Decode(pkt.Payload, pcm)
		if err != nil {
			slog.Warn("livekit: opus decode error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		packets++

		samples := make([]int16, n*t.cfg.Channels)
		copy(samples, pcm[:n*t.cfg.Channels])

		select {
		case t.frames <- ports.AudioFrame{Samples: samples, SampleRate: t.cfg.DecodeSampleRate, Channels: t.cfg.Channels}:
		default:
			dropped++
		}
	}
}

func (t *Transport) onActiveSpeakersChanged(speakers []lksdk.Participant) {
	identities := make([]string, 0, len(speakers))
	for _, p := range speakers {
		identities = append(identities, p.Identity())
	}

	t.speakMu.Lock()
	now, changed := remoteSpeakingChanged(t.remoteSpeaking, identities, t.identity)
	t.remoteSpeaking = now
	t.speakMu.Unlock()

	if !changed {
		return
	}
	select {
	case t.speaking <- ports.SpeakingEvent{Speaking: now, At: time.Now()}:
	default:
		slog.Warn("livekit: speaking event dropped", "speaking", now)
	}
}

// remoteSpeakingChanged reports whether anyone other than self is speaking
// and whether that differs from the previous state.
func remoteSpeakingChanged(prev bool, speakers []string, self string) (bool, bool) {
	now := false
	for _, id := range speakers {
		if id != self {
			now = true
			break
		}
	}
	return now, now != prev
}

func (t *Transport) onParticipantDisconnected(participant *lksdk.RemoteParticipant) {
	slog.Info("livekit: agent left the room", "identity", participant.Identity())

	t.mu.RLock()
	room := t.room
	t.mu.RUnlock()
	if room == nil || len(room.GetRemoteParticipants()) == 0 {
		t.signalDisconnect()
	}
}

func (t *Transport) onDisconnected() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	slog.Warn("livekit: room disconnected")
	t.signalDisconnect()
}
