package app

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

// CallEntry is the single live call for one remote endpoint.
type CallEntry struct {
	Call    core.Call
	Gen     uint64
	Streams int
}

// Registry holds participants, calls and tiles of one session. It is written
// only by the session goroutine; readers get copies.
type Registry struct {
	mu           sync.RWMutex
	participants map[domain.EndpointID]*domain.Participant
	calls        map[domain.EndpointID]*CallEntry
	tiles        map[domain.EndpointID]core.TileHandle
	seq          uint64
	gen          uint64
}

func NewRegistry() *Registry {
	return &Registry{
		participants: make(map[domain.EndpointID]*domain.Participant),
		calls:        make(map[domain.EndpointID]*CallEntry),
		tiles:        make(map[domain.EndpointID]core.TileHandle),
	}
}

// UpsertParticipant creates the participant if absent and merges the profile
// otherwise. created reports whether a new entry was made.
func (r *Registry) UpsertParticipant(id domain.EndpointID, name, avatar string, inRoster bool) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		p.UpdateProfile(name, avatar)
		p.InRoster = p.InRoster || inRoster
		return *p, false
	}
	r.seq++
	p := domain.NewParticipant(id, name, avatar)
	p.InRoster = inRoster
	p.Seq = r.seq
	r.participants[id] = p
	log.Info().Str("module", "app.registry").Str("remote", string(id)).Bool("roster", inRoster).Msg("participant added")
	return *p, true
}

func (r *Registry) Participant(id domain.EndpointID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

func (r *Registry) RemoveParticipant(id domain.EndpointID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[id]; !ok {
		return false
	}
	delete(r.participants, id)
	log.Info().Str("module", "app.registry").Str("remote", string(id)).Msg("participant removed")
	return true
}

// SetRoster marks whether signaling still lists the participant.
func (r *Registry) SetRoster(id domain.EndpointID, inRoster bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		p.InRoster = inRoster
	}
}

func (r *Registry) SetHandRaised(id domain.EndpointID, raised bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok || p.HandRaised == raised {
		return false
	}
	p.HandRaised = raised
	return true
}

func (r *Registry) SetScreenSharing(id domain.EndpointID, sharing bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok || p.ScreenSharing == sharing {
		return false
	}
	p.ScreenSharing = sharing
	return true
}

// Participants returns a copy ordered by first appearance.
func (r *Registry) Participants() []domain.Participant {
	r.mu.RLock()
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Participant) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}

// BindCall registers call as the live call for id and returns its generation.
// Any previous entry is replaced; closing it is up to the caller.
func (r *Registry) BindCall(id domain.EndpointID, call core.Call) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.calls[id] = &CallEntry{Call: call, Gen: r.gen}
	log.Info().Str("module", "app.registry").Str("remote", string(id)).Str("direction", call.Direction().String()).Msg("bound call")
	return r.gen
}

func (r *Registry) CallOf(id domain.EndpointID) (CallEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.calls[id]
	if !ok {
		return CallEntry{}, false
	}
	return *e, true
}

// IsCurrent reports whether gen is still the registered call for id.
func (r *Registry) IsCurrent(id domain.EndpointID, gen uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.calls[id]
	return ok && e.Gen == gen
}

// MarkStream counts a stream event on the current call and returns the count.
func (r *Registry) MarkStream(id domain.EndpointID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[id]
	if !ok {
		return 0
	}
	e.Streams++
	return e.Streams
}

// DropCall removes the entry for id. A non-zero gen only drops a matching entry.
func (r *Registry) DropCall(id domain.EndpointID, gen uint64) (core.Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[id]
	if !ok || (gen != 0 && e.Gen != gen) {
		return nil, false
	}
	delete(r.calls, id)
	log.Info().Str("module", "app.registry").Str("remote", string(id)).Msg("unbind call")
	return e.Call, true
}

func (r *Registry) Calls() map[domain.EndpointID]core.Call {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.EndpointID]core.Call, len(r.calls))
	for id, e := range r.calls {
		out[id] = e.Call
	}
	return out
}

func (r *Registry) BindTile(id domain.EndpointID, tile core.TileHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiles[id] = tile
}

func (r *Registry) Tile(id domain.EndpointID) (core.TileHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tiles[id]
	return t, ok
}

func (r *Registry) DropTile(id domain.EndpointID) (core.TileHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tiles[id]
	if ok {
		delete(r.tiles, id)
	}
	return t, ok
}

func (r *Registry) Tiles() map[domain.EndpointID]core.TileHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.EndpointID]core.TileHandle, len(r.tiles))
	for id, t := range r.tiles {
		out[id] = t
	}
	return out
}

// Counts returns participant, call and tile counts.
func (r *Registry) Counts() (participants, calls, tiles int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants), len(r.calls), len(r.tiles)
}
