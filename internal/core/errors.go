package core

import (
	"errors"
	"fmt"
)

var (
	ErrRoomRejected         = errors.New("room rejected")
	ErrMediaAcquisition     = errors.New("media acquisition failed")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrDeviceUnavailable    = errors.New("device unavailable")
	ErrCallFailed           = errors.New("call failed")
	ErrScreenShareCancelled = errors.New("screen share cancelled")
	ErrPlaybackBlocked      = errors.New("playback blocked")
	ErrNotActive            = errors.New("session not active")
	ErrSessionClosed        = errors.New("session closed")
	ErrEndpointClosed       = errors.New("endpoint closed")
	ErrNoVideoSender        = errors.New("call has no video sender yet")
	ErrRateLimited          = errors.New("rate limited")
	ErrEmptyMessage         = errors.New("empty message")
)

type RejectReason string

const (
	ReasonInvalidRoom      RejectReason = "invalid"
	ReasonUnauthorized     RejectReason = "unauthorized"
	ReasonDuplicateSession RejectReason = "duplicateSession"
	ReasonPermissionDenied RejectReason = "permissionDenied"
	ReasonDeviceError      RejectReason = "deviceError"
)

// Message is the single human readable reason shown to the user.
func (r RejectReason) Message() string {
	switch r {
	case ReasonInvalidRoom:
		return "This room does not exist or the link is invalid."
	case ReasonUnauthorized:
		return "You are not a member of this class."
	case ReasonDuplicateSession:
		return "You are already connected to this room from another window."
	case ReasonPermissionDenied:
		return "Camera or microphone access was denied."
	case ReasonDeviceError:
		return "Camera or microphone is not available."
	default:
		return "The session ended unexpectedly."
	}
}

// SessionError is a session-fatal error.
type SessionError struct {
	Op     string
	Reason RejectReason
	Err    error
}

func (e *SessionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%v)", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// RejectReasonFor maps a rejection event name to its reason.
func RejectReasonFor(event string) (RejectReason, bool) {
	switch event {
	case EventRoomNotValid:
		return ReasonInvalidRoom, true
	case EventNotInClass:
		return ReasonUnauthorized, true
	case EventSameName:
		return ReasonDuplicateSession, true
	}
	return "", false
}

// MediaReason classifies a media acquisition error.
func MediaReason(err error) RejectReason {
	if errors.Is(err, ErrPermissionDenied) {
		return ReasonPermissionDenied
	}
	return ReasonDeviceError
}
