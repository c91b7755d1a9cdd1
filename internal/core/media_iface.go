package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// LocalStream is the local capture handed to every call.
type LocalStream interface {
	ID() string
	AudioTrack() webrtc.TrackLocal
	// VideoTrack is the track currently feeding outbound video: the camera,
	// or the screen while sharing.
	VideoTrack() webrtc.TrackLocal
}

// ScreenShare is an active screen capture. Ended fires once when the source
// stops on its own.
type ScreenShare interface {
	Track() webrtc.TrackLocal
	Ended() <-chan struct{}
}

type MediaManager interface {
	// Acquire opens the camera and microphone. Fails with ErrPermissionDenied
	// or ErrDeviceUnavailable.
	Acquire(ctx context.Context) (LocalStream, error)
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	AudioEnabled() bool
	VideoEnabled() bool
	// StartScreenShare fails with ErrScreenShareCancelled. A second call while
	// sharing returns the active share.
	StartScreenShare(ctx context.Context) (ScreenShare, error)
	// StopScreenShare releases the screen source and returns the camera track.
	StopScreenShare() webrtc.TrackLocal
	Sharing() bool
	Stop()
}
