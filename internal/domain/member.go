package domain

// EndpointID is the transport-assigned id of a peer endpoint.
type EndpointID string

// Participant is a remote member of the room as seen by the local session.
// No transport or lifecycle logic here.
type Participant struct {
	ID            EndpointID `json:"id"`
	DisplayName   string     `json:"displayName"`
	AvatarRef     string     `json:"avatarRef,omitempty"`
	HandRaised    bool       `json:"handRaised"`
	ScreenSharing bool       `json:"screenSharing"`
	// InRoster is set once signaling listed the participant.
	InRoster bool   `json:"inRoster"`
	Seq      uint64 `json:"-"`
}

// NewParticipant avoids raw literals in the orchestrator. An empty name falls
// back to the endpoint id.
func NewParticipant(id EndpointID, name, avatar string) *Participant {
	if name == "" {
		name = string(id)
	}
	return &Participant{ID: id, DisplayName: name, AvatarRef: avatar}
}

// UpdateProfile keeps the previous values for empty fields.
func (p *Participant) UpdateProfile(name, avatar string) {
	if name != "" {
		p.DisplayName = name
	}
	if avatar != "" {
		p.AvatarRef = avatar
	}
}
