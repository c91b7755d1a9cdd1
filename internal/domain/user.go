// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MaxRoomIDLen      = 64
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 36
)

var (
	ErrRoomEmpty     = errors.New("room id empty")
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrIdentityValue = errors.New("invalid room identity")
)

type (
	RoomID string
	UserID string
)

// RoomIdentity is parsed once from the join link and never changes.
type RoomIdentity struct {
	RoomID      RoomID `json:"room" validate:"required,max=64"`
	UserID      UserID `json:"userId" validate:"required,max=64"`
	DisplayName string `json:"displayName" validate:"max=36"`
	AvatarRef   string `json:"avatarRef" validate:"omitempty,max=512"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewRoomIdentity trims the inputs, defaults the display name to the user id
// and validates the result.
func NewRoomIdentity(room, user, name, avatar string) (RoomIdentity, error) {
	id := RoomIdentity{
		RoomID:      RoomID(strings.TrimSpace(room)),
		UserID:      UserID(strings.TrimSpace(user)),
		DisplayName: strings.TrimSpace(name),
		AvatarRef:   strings.TrimSpace(avatar),
	}
	if id.RoomID == "" {
		return RoomIdentity{}, ErrRoomEmpty
	}
	if id.UserID == "" {
		return RoomIdentity{}, ErrUserIDEmpty
	}
	if id.DisplayName == "" {
		id.DisplayName = string(id.UserID)
	}
	if err := validate.Struct(id); err != nil {
		return RoomIdentity{}, fmt.Errorf("%w: %v", ErrIdentityValue, err)
	}
	return id, nil
}

// ParseJoinLink reads room, userId (or username), name and avatar from the
// query string of a join link. A bare query string is accepted too.
func ParseJoinLink(link string) (RoomIdentity, error) {
	raw := strings.TrimSpace(link)
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[i+1:]
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return RoomIdentity{}, fmt.Errorf("parse join link: %w", err)
	}
	user := q.Get("userId")
	if user == "" {
		user = q.Get("username")
	}
	return NewRoomIdentity(q.Get("room"), user, q.Get("name"), q.Get("avatar"))
}
