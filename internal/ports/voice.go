package ports

import (
	"context"
	"time"
)

// AudioFrame is a chunk of 16-bit PCM audio
type AudioFrame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the frame
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	return time.Duration(len(f.Samples)/channels) * time.Second / time.Duration(f.SampleRate)
}

// SpeakingEvent is an out-of-band start/stop speaking notification for the remote party
type SpeakingEvent struct {
	Speaking bool
	At       time.Time
}

// AudioTransport is a live, bidirectional audio connection to the agent under test.
// One transport serves exactly one session.
type AudioTransport interface {
	Connect(ctx context.Context, url, token string) error
	// Frames delivers remote audio until the transport closes
	Frames() <-chan AudioFrame
	// SpeakingEvents delivers remote start/stop speaking notifications
	SpeakingEvents() <-chan SpeakingEvent
	// Disconnected is closed when the remote side or the network drops the connection
	Disconnected() <-chan struct{}
	// Publish sends local audio. Frames are written in order.
	Publish(ctx context.Context, frame AudioFrame) error
	Close() error
}

// AudioTransportFactory builds a fresh transport per session
type AudioTransportFactory interface {
	NewTransport() AudioTransport
}

// RoomCredentials are the connection details for one session room
type RoomCredentials struct {
	URL      string `json:"url"`
	Token    string `json:"token"`
	RoomName string `json:"room_name"`
}

// RoomProvisioner prepares a room the agent under test will join
type RoomProvisioner interface {
	Provision(ctx context.Context, roomName, identity string, metadata string) (*RoomCredentials, error)
	Release(ctx context.Context, roomName string) error
}

// RoomMetadata is attached to each session room. The agent under test reads
// the prompt it should run from it.
type RoomMetadata struct {
	SessionID    string `json:"session_id"`
	EvaluationID string `json:"evaluation_id"`
	PromptID     string `json:"prompt_id"`
	Prompt       string `json:"prompt"`
	PersonaID    string `json:"persona_id"`
}
