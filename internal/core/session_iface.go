package core

import (
	"time"

	"github.com/dkeye/meshroom/internal/domain"
)

type State int

const (
	StateInitializing State = iota
	StateAwaitingMedia
	StateJoining
	StateActive
	StateLeaving
	StateTerminated
	StateRejected
)

var stateNames = [...]string{"initializing", "awaiting-media", "joining", "active", "leaving", "terminated", "rejected"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s State) Terminal() bool { return s == StateTerminated || s == StateRejected }

type SignalStatus int

const (
	SignalConnecting SignalStatus = iota
	SignalConnected
	SignalDisconnected
	SignalError
)

func (s SignalStatus) String() string {
	switch s {
	case SignalConnected:
		return "connected"
	case SignalDisconnected:
		return "disconnected"
	case SignalError:
		return "error"
	default:
		return "connecting"
	}
}

// TileHandle is the rendering handle for one participant.
type TileHandle interface {
	// Replace swaps the rendered stream in place.
	Replace(stream RemoteStream) error
	Detach()
}

// PresentationSink renders participant tiles. Attach may return a usable
// handle together with ErrPlaybackBlocked.
//
//go:generate mockgen -destination=mocks/sink_mock.go -package=mocks . PresentationSink,TileHandle
type PresentationSink interface {
	Attach(p domain.Participant, stream RemoteStream) (TileHandle, error)
}

// Observer receives session updates. Calls come from the session goroutine
// and must not block.
type Observer interface {
	OnState(State, error)
	OnParticipants([]domain.Participant)
	OnChat(domain.ChatMessage)
	OnTyping(name string, typing bool)
	OnSignalStatus(SignalStatus)
	OnNotice(string)
	OnTick(elapsed time.Duration)
}

type NopObserver struct{}

func (NopObserver) OnState(State, error) {}
func (NopObserver) OnParticipants([]domain.Participant) {}
func (NopObserver) OnChat(domain.ChatMessage) {}
func (NopObserver) OnTyping(string, bool) {}
func (NopObserver) OnSignalStatus(SignalStatus) {}
func (NopObserver) OnNotice(string) {}
func (NopObserver) OnTick(time.Duration) {}
