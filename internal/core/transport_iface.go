package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meshroom/internal/domain"
)

type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// RemoteStream groups the remote tracks of one media stream.
type RemoteStream struct {
	ID     string
	Tracks []*webrtc.TrackRemote
}

// Call is one peer-to-peer media session with a remote endpoint.
type Call interface {
	RemoteID() domain.EndpointID
	Direction() Direction
	// Caller is the endpoint id that placed the call.
	Caller() domain.EndpointID
	// Answer accepts an inbound call. A nil stream answers receive-only.
	Answer(local LocalStream) error
	// ReplaceVideoTrack fails with ErrNoVideoSender until the local tracks
	// are attached. Attaching reads LocalStream.VideoTrack at that moment.
	ReplaceVideoTrack(track webrtc.TrackLocal) error
	OnStream(func(RemoteStream))
	OnClose(func())
	OnError(func(error))
	Close() error
}

// Endpoint is the locally addressable transport endpoint.
type Endpoint interface {
	// Open blocks until the broker assigned the local endpoint id.
	Open(ctx context.Context) (domain.EndpointID, error)
	// Call places an outgoing call. It does not wait for the remote side.
	Call(remote domain.EndpointID, local LocalStream) (Call, error)
	OnIncomingCall(func(Call))
	Close() error
}
