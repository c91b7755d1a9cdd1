package capture

import (
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/atomic"
)

type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateMuted
	TrackStateSuspended
	TrackStateStopped
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateMuted:
		return "muted"
	case TrackStateSuspended:
		return "suspended"
	default:
		return "stopped"
	}
}

// Track is one local capture track. Enablement and suspension only gate
// writes; the underlying sender is never touched.
type Track struct {
	Local *webrtc.TrackLocalStaticSample

	enabled   atomic.Bool
	suspended atomic.Bool
	stopped   atomic.Bool
}

func NewTrack(mime, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{Local: local}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) State() TrackState {
	switch {
	case t.stopped.Load():
		return TrackStateStopped
	case t.suspended.Load():
		return TrackStateSuspended
	case !t.enabled.Load():
		return TrackStateMuted
	}
	return TrackStateLive
}

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }

func (t *Track) Suspend() { t.suspended.Store(true) }

func (t *Track) Resume() { t.suspended.Store(false) }

func (t *Track) Stop() { t.stopped.Store(true) }

// WriteSample drops the sample unless the track is live.
func (t *Track) WriteSample(s media.Sample) (bool, error) {
	if t.State() != TrackStateLive {
		return false, nil
	}
	return true, t.Local.WriteSample(s)
}
