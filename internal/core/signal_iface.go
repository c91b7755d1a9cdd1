package core

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/dkeye/meshroom/internal/domain"
)

// Signaling event names shared with the room coordination server.
const (
	EventJoinRoom         = "joinRoom"
	EventUserConnected    = "user-connected"
	EventUserDisconnected = "user-disconnected"
	EventRoomUsers        = "roomUsers"
	EventRoomNotValid     = "roomNotValid"
	EventNotInClass       = "doNotBelongToClass"
	EventSameName         = "sameName"
	EventChatMessage      = "chat-message"
	EventRaiseHand        = "raise-hand"
	EventLowerHand        = "lower-hand"
	EventUserRaisedHand   = "user-raised-hand"
	EventUserLoweredHand  = "user-lowered-hand"
	EventStartScreenShare = "start-screen-share"
	EventStopScreenShare  = "stop-screen-share"
	EventUserStartedShare = "user-started-screen-share"
	EventUserStoppedShare = "user-stopped-screen-share"
	EventTyping           = "typing"
	EventStopTyping       = "stop typing"
)

// Informational channel events produced by the client itself.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// SignalEvent is one inbound event. Data is the raw JSON payload, nil when
// the event carries none.
type SignalEvent struct {
	Name string
	Data json.RawMessage
}

// SignalClient abstracts the room coordination channel.
// Owned by the adapter; the adapter must Close() it.
type SignalClient interface {
	// Connect starts the channel supervisor. Reconnects are handled internally
	// and surfaced as connect/disconnect/connect_error events.
	Connect(ctx context.Context) error
	// Emit queues an outgoing event. payload may be nil.
	Emit(event string, payload any) error
	OnEvent(func(SignalEvent))
	Close() error
}

type JoinRoomPayload struct {
	LocalEndpointID domain.EndpointID `json:"localEndpointId"`
	UserID          domain.UserID     `json:"userId"`
	Room            domain.RoomID     `json:"room"`
	DisplayName     string            `json:"displayName"`
	AvatarRef       string            `json:"avatarRef,omitempty"`
}

type UserConnectedPayload struct {
	RemoteEndpointID domain.EndpointID `json:"remoteEndpointId"`
	DisplayName      string            `json:"displayName,omitempty"`
	AvatarRef        string            `json:"avatarRef,omitempty"`
}

type RoomUsersPayload struct {
	Room  domain.RoomID          `json:"room"`
	Users []UserConnectedPayload `json:"users"`
}

type ChatPayload struct {
	ID          string        `json:"id,omitempty"`
	UserID      domain.UserID `json:"userId,omitempty"`
	DisplayName string        `json:"displayName"`
	AvatarRef   string        `json:"avatarRef,omitempty"`
	Text        string        `json:"text"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

type TypingPayload struct {
	DisplayName string `json:"displayName"`
}

// DecodeEndpointID accepts both a bare JSON string and an object carrying
// remoteEndpointId.
func DecodeEndpointID(data json.RawMessage) (domain.EndpointID, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return domain.EndpointID(id), nil
	}
	var p UserConnectedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", err
	}
	return p.RemoteEndpointID, nil
}
