package livekit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livekit/protocol/auth"
	lkproto "github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/crafter-station/cadence-sub000/internal/ports"
)

var _ ports.RoomProvisioner = (*Service)(nil)

type ServiceConfig struct {
	URL                   string
	APIKey                string
	APISecret             string
	TokenValidityDuration time.Duration
	// EmptyTimeout closes a room this long after the last participant leaves
	EmptyTimeout time.Duration
}

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		URL:                   "ws://localhost:7880",
		TokenValidityDuration: 30 * time.Minute,
		EmptyTimeout:          2 * time.Minute,
	}
}

// roomClient is the subset of the LiveKit room service used here
type roomClient interface {
	CreateRoom(ctx context.Context, req *lkproto.CreateRoomRequest) (*lkproto.Room, error)
	DeleteRoom(ctx context.Context, req *lkproto.DeleteRoomRequest) (*lkproto.DeleteRoomResponse, error)
}

// Service provisions one room per test session and mints the persona's join token.
type Service struct {
	config     *ServiceConfig
	roomClient roomClient
}

func NewService(config *ServiceConfig) (*Service, error) {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if config.URL == "" {
		return nil, fmt.Errorf("LiveKit URL is required")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("LiveKit API key is required")
	}
	if config.APISecret == "" {
		return nil, fmt.Errorf("LiveKit API secret is required")
	}
	if config.TokenValidityDuration == 0 {
		config.TokenValidityDuration = 30 * time.Minute
	}

	return &Service{
		config:     config,
		roomClient: lksdk.NewRoomServiceClient(config.URL, config.APIKey, config.APISecret),
	}, nil
}

func (s *Service) Provision(ctx context.Context, roomName, identity, metadata string) (*ports.RoomCredentials, error) {
	if roomName == "" {
		return nil, fmt.Errorf("room name is required")
	}

	req := &lkproto.CreateRoomRequest{
		Name:            roomName,
		EmptyTimeout:    uint32(s.config.EmptyTimeout / time.Second),
		MaxParticipants: 2,
		Metadata:        metadata,
	}
	room, err := s.roomClient.CreateRoom(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	token, err := s.GenerateToken(room.Name, identity)
	if err != nil {
		return nil, err
	}

	slog.Debug("livekit: room provisioned", "room", room.Name, "sid", room.Sid, "identity", identity)

	return &ports.RoomCredentials{
		URL:      s.config.URL,
		Token:    token,
		RoomName: room.Name,
	}, nil
}

func (s *Service) Release(ctx context.Context, roomName string) error {
	if roomName == "" {
		return fmt.Errorf("room name is required")
	}
	if _, err := s.roomClient.DeleteRoom(ctx, &lkproto.DeleteRoomRequest{Room: roomName}); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}

// GenerateToken mints a join token for a participant that publishes and subscribes audio.
func (s *Service) GenerateToken(roomName, identity string) (string, error) {
	if roomName == "" {
		return "", fmt.Errorf("room name is required")
	}
	if identity == "" {
		return "", fmt.Errorf("participant identity is required")
	}

	at := auth.NewAccessToken(s.config.APIKey, s.config.APISecret)
	canPublish := true
	canSubscribe := true
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         roomName,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}

	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(identity).
		SetValidFor(s.config.TokenValidityDuration)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return token, nil
}
