package orch

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

func (o *Orchestrator) onSignal(ev core.SignalEvent) {
	if o.State().Terminal() {
		return
	}
	if reason, ok := core.RejectReasonFor(ev.Name); ok {
		o.logger.Warn().Str("event", ev.Name).Msg("room rejected the session")
		o.reject(core.SessionError{Op: "join room", Reason: reason, Err: core.ErrRoomRejected})
		return
	}

	switch ev.Name {
	case core.EventConnect:
		o.onSignalConnect()
		return
	case core.EventDisconnect:
		o.observer.OnSignalStatus(core.SignalDisconnected)
		return
	case core.EventConnectError:
		o.observer.OnSignalStatus(core.SignalError)
		return
	}

	// membership events only make sense once the local endpoint exists
	if s := o.State(); (s != core.StateJoining && s != core.StateActive) || o.LocalID() == "" {
		o.logger.Debug().Str("event", ev.Name).Str("state", s.String()).Msg("dropped early event")
		return
	}

	switch ev.Name {
	case core.EventUserConnected:
		var p core.UserConnectedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil || p.RemoteEndpointID == "" {
			o.logger.Warn().Err(err).Msg("bad user-connected payload")
			return
		}
		o.onRemoteJoin(p)
	case core.EventUserDisconnected:
		id, err := core.DecodeEndpointID(ev.Data)
		if err != nil {
			o.logger.Warn().Err(err).Msg("bad user-disconnected payload")
			return
		}
		o.onRemoteLeave(id)
	case core.EventRoomUsers:
		var p core.RoomUsersPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			o.logger.Warn().Err(err).Msg("bad roomUsers payload")
			return
		}
		o.onRoomUsers(p.Users)
	case core.EventUserRaisedHand, core.EventUserLoweredHand:
		if id, err := core.DecodeEndpointID(ev.Data); err == nil {
			if o.Registry.SetHandRaised(id, ev.Name == core.EventUserRaisedHand) {
				o.publishParticipants()
			}
		}
	case core.EventUserStartedShare, core.EventUserStoppedShare:
		if id, err := core.DecodeEndpointID(ev.Data); err == nil {
			if o.Registry.SetScreenSharing(id, ev.Name == core.EventUserStartedShare) {
				o.publishParticipants()
			}
		}
	case core.EventChatMessage:
		var p core.ChatPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			o.logger.Warn().Err(err).Msg("bad chat payload")
			return
		}
		o.onRemoteChat(p)
	case core.EventTyping, core.EventStopTyping:
		var p core.TypingPayload
		if err := json.Unmarshal(ev.Data, &p); err == nil && p.DisplayName != "" && p.DisplayName != o.identity.DisplayName {
			o.observer.OnTyping(p.DisplayName, ev.Name == core.EventTyping)
		}
	default:
		o.logger.Debug().Str("event", ev.Name).Msg("unhandled signal event")
	}
}

func (o *Orchestrator) onSignalConnect() {
	o.observer.OnSignalStatus(core.SignalConnected)
	reconnect := o.connectedOnce
	o.connectedOnce = true
	switch o.State() {
	case core.StateJoining:
		// a failed joinRoom emit is retried here
		if o.LocalID() != "" && !o.joined {
			o.emitJoin()
		}
	case core.StateActive:
		if reconnect && o.opts.RejoinOnReconnect {
			o.emitJoin()
		}
	}
}

func (o *Orchestrator) onRemoteJoin(p core.UserConnectedPayload) {
	id := p.RemoteEndpointID
	if id == o.LocalID() {
		return
	}
	if _, created := o.Registry.UpsertParticipant(id, p.DisplayName, p.AvatarRef, true); created {
		o.logger.Info().Str("remote", string(id)).Str("name", p.DisplayName).Msg("user connected")
	}
	o.publishParticipants()
	o.scheduleDial(id)
}

// onRemoteLeave forgets everything about id. Unknown ids are ignored.
func (o *Orchestrator) onRemoteLeave(id domain.EndpointID) {
	o.cancelDial(id)
	delete(o.dialing, id)
	delete(o.redials, id)

	if call, ok := o.Registry.DropCall(id, 0); ok {
		go closeCall(call)
	}
	if tile, ok := o.Registry.DropTile(id); ok {
		tile.Detach()
	}
	if o.Registry.RemoveParticipant(id) {
		o.logger.Info().Str("remote", string(id)).Msg("user disconnected")
		o.publishParticipants()
	}
}

// onRoomUsers syncs the roster. Listed users are not dialed; they call the
// newcomer themselves.
func (o *Orchestrator) onRoomUsers(users []core.UserConnectedPayload) {
	listed := make(map[domain.EndpointID]bool, len(users))
	for _, u := range users {
		if u.RemoteEndpointID == "" || u.RemoteEndpointID == o.LocalID() {
			continue
		}
		listed[u.RemoteEndpointID] = true
		o.Registry.UpsertParticipant(u.RemoteEndpointID, u.DisplayName, u.AvatarRef, true)
	}
	for _, p := range o.Registry.Participants() {
		if listed[p.ID] {
			continue
		}
		if _, live := o.Registry.CallOf(p.ID); live || o.dialing[p.ID] {
			o.Registry.SetRoster(p.ID, false)
			continue
		}
		o.cancelDial(p.ID)
		if tile, ok := o.Registry.DropTile(p.ID); ok {
			tile.Detach()
		}
		o.Registry.RemoveParticipant(p.ID)
	}
	o.publishParticipants()
}

func (o *Orchestrator) onRemoteChat(p core.ChatPayload) {
	if p.Text == "" {
		return
	}
	m := domain.ChatMessage{
		ID:          p.ID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarRef:   p.AvatarRef,
		Text:        p.Text,
		Timestamp:   time.Now(),
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if p.Timestamp > 0 {
		m.Timestamp = time.UnixMilli(p.Timestamp)
	}
	o.appendChat(m)
}

func (o *Orchestrator) appendChat(m domain.ChatMessage) {
	o.mu.Lock()
	added := o.transcript.Append(m)
	o.mu.Unlock()
	if added {
		o.observer.OnChat(m)
	}
}

func (o *Orchestrator) publishParticipants() {
	o.observer.OnParticipants(o.Registry.Participants())
}
