package app

import (
	"fmt"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

type MediaFailureAction int

const (
	// RejectSession ends the session in Rejected.
	RejectSession MediaFailureAction = iota
	// DegradeSession keeps observing the room without local media.
	DegradeSession
)

func ParseMediaFailureAction(s string) (MediaFailureAction, error) {
	switch s {
	case "", "reject":
		return RejectSession, nil
	case "degrade":
		return DegradeSession, nil
	}
	return RejectSession, fmt.Errorf("unknown media failure policy %q", s)
}

type DialMode int

const (
	// DialAfterSettle dials every newly connected user after a fixed delay.
	DialAfterSettle DialMode = iota
	// LowerIDDials lets only the side with the lower endpoint id dial.
	LowerIDDials
)

func ParseDialMode(s string) (DialMode, error) {
	switch s {
	case "", "settle":
		return DialAfterSettle, nil
	case "lower-id":
		return LowerIDDials, nil
	}
	return DialAfterSettle, fmt.Errorf("unknown dial policy %q", s)
}

type Policy interface {
	OnMediaFailure(err error) MediaFailureAction
	// Dial reports whether the local side should call remote and after what delay.
	Dial(local, remote domain.EndpointID) (bool, time.Duration)
	// Resolve picks the call to keep when two calls exist for one remote id.
	Resolve(local domain.EndpointID, existing, incoming core.Call) core.Call
}

type SimplePolicy struct {
	Media       MediaFailureAction
	DialMode    DialMode
	SettleDelay time.Duration
}

func (p SimplePolicy) OnMediaFailure(error) MediaFailureAction {
	return p.Media
}

func (p SimplePolicy) Dial(local, remote domain.EndpointID) (bool, time.Duration) {
	if p.DialMode == LowerIDDials {
		return local < remote, 0
	}
	return true, p.SettleDelay
}

// Resolve keeps the call placed by the lexicographically lower endpoint id, so
// both sides converge on the same call. Calls from the same caller resolve to
// the newer one.
func (SimplePolicy) Resolve(local domain.EndpointID, existing, incoming core.Call) core.Call {
	if existing == nil || existing == incoming {
		return incoming
	}
	a, b := existing.Caller(), incoming.Caller()
	if a == b {
		return incoming
	}
	winner := min(local, existing.RemoteID())
	if a == winner {
		return existing
	}
	return incoming
}
