package orch

import (
	"errors"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

// scheduleDial arms an outgoing call to id per the dial policy. Nothing is
// scheduled while a call is live or pending, or without local media.
func (o *Orchestrator) scheduleDial(id domain.EndpointID) {
	if o.local == nil {
		return
	}
	if _, live := o.Registry.CallOf(id); live || o.dialing[id] || o.dialTimers[id] != nil {
		return
	}
	ok, delay := o.Policy.Dial(o.LocalID(), id)
	if !ok {
		o.logger.Debug().Str("remote", string(id)).Msg("waiting for remote to call")
		return
	}
	if delay <= 0 {
		o.dial(id)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		o.post("dial-timer", func() {
			if o.dialTimers[id] != t {
				return
			}
			delete(o.dialTimers, id)
			o.dial(id)
		})
	})
	o.dialTimers[id] = t
}

func (o *Orchestrator) cancelDial(id domain.EndpointID) {
	if t := o.dialTimers[id]; t != nil {
		t.Stop()
		delete(o.dialTimers, id)
	}
}

// dial places the call off the session goroutine.
func (o *Orchestrator) dial(id domain.EndpointID) {
	if o.State() != core.StateActive {
		return
	}
	if _, live := o.Registry.CallOf(id); live || o.dialing[id] {
		return
	}
	if _, ok := o.Registry.Participant(id); !ok {
		return
	}
	o.dialing[id] = true
	local, epoch := o.local, o.shareEpoch
	o.logger.Info().Str("remote", string(id)).Msg("calling")
	go func() {
		call, err := o.endpoint.Call(id, local)
		o.postOr("call-placed", func() { o.onCallPlaced(id, call, epoch, err) }, func() {
			if err == nil {
				closeCall(call)
			}
		})
	}()
}

// onCallPlaced adopts a placed call. A share started or stopped while the call
// was being placed leaves it on the wrong video track, so it is resynced.
func (o *Orchestrator) onCallPlaced(id domain.EndpointID, call core.Call, epoch int, err error) {
	pending := o.dialing[id]
	delete(o.dialing, id)
	if err != nil {
		o.logger.Warn().Err(err).Str("remote", string(id)).Msg("call failed")
		o.maybeRedial(id)
		return
	}
	if !pending || o.State() != core.StateActive {
		go closeCall(call)
		return
	}
	if !o.adopt(id, call) {
		return
	}
	o.bindCall(id, call)
	if epoch != o.shareEpoch && o.local != nil {
		if err := call.ReplaceVideoTrack(o.local.VideoTrack()); err != nil && !errors.Is(err, core.ErrNoVideoSender) {
			o.logger.Warn().Err(err).Str("remote", string(id)).Msg("video resync failed")
		}
	}
}

// adopt applies the conflict rule against a live call for id. It reports
// whether call should become the live call; the loser is closed.
func (o *Orchestrator) adopt(id domain.EndpointID, call core.Call) bool {
	existing, ok := o.Registry.CallOf(id)
	if !ok {
		return true
	}
	if existing.Call == call {
		return false
	}
	keep := o.Policy.Resolve(o.LocalID(), existing.Call, call)
	if keep != call {
		o.logger.Info().Str("remote", string(id)).Str("dropped", call.Direction().String()).Msg("call conflict resolved")
		go closeCall(call)
		return false
	}
	o.logger.Info().Str("remote", string(id)).Str("dropped", existing.Call.Direction().String()).Msg("call conflict resolved")
	o.Registry.DropCall(id, existing.Gen)
	go closeCall(existing.Call)
	return true
}

func (o *Orchestrator) onIncomingCall(call core.Call) {
	id := call.RemoteID()
	if s := o.State(); s != core.StateActive && s != core.StateJoining {
		go closeCall(call)
		return
	}
	o.cancelDial(id)
	if !o.adopt(id, call) {
		return
	}
	if _, created := o.Registry.UpsertParticipant(id, "", "", false); created {
		o.publishParticipants()
	}
	gen := o.bindCall(id, call)

	local := o.local
	go func() {
		err := call.Answer(local)
		if err != nil {
			o.post("answer-failed", func() { o.onCallEnded(id, gen, err) })
		}
	}()
}

// bindCall registers call and routes its events back to the session goroutine,
// tagged with the registry generation so events of replaced calls are ignored.
func (o *Orchestrator) bindCall(id domain.EndpointID, call core.Call) uint64 {
	gen := o.Registry.BindCall(id, call)
	call.OnStream(func(s core.RemoteStream) {
		o.post("call-stream", func() { o.onCallStream(id, gen, s) })
	})
	call.OnClose(func() {
		o.post("call-close", func() { o.onCallEnded(id, gen, nil) })
	})
	call.OnError(func(err error) {
		o.post("call-error", func() { o.onCallEnded(id, gen, err) })
	})
	return gen
}

// onCallStream attaches a tile or swaps the stream of the existing one.
func (o *Orchestrator) onCallStream(id domain.EndpointID, gen uint64, s core.RemoteStream) {
	if !o.Registry.IsCurrent(id, gen) {
		return
	}
	p, created := o.Registry.UpsertParticipant(id, "", "", false)
	if created {
		o.publishParticipants()
	}
	n := o.Registry.MarkStream(id)
	delete(o.redials, id)

	if tile, ok := o.Registry.Tile(id); ok {
		if err := tile.Replace(s); err != nil {
			o.logger.Warn().Err(err).Str("remote", string(id)).Msg("tile replace failed")
		}
		o.logger.Debug().Str("remote", string(id)).Int("streams", n).Msg("stream replaced")
		return
	}
	tile, err := o.sink.Attach(p, s)
	if tile != nil {
		o.Registry.BindTile(id, tile)
	}
	switch {
	case errors.Is(err, core.ErrPlaybackBlocked):
		if !o.playbackNotice {
			o.playbackNotice = true
			o.observer.OnNotice("Audio playback is blocked. Enable audio to hear the others.")
		}
	case err != nil:
		o.logger.Warn().Err(err).Str("remote", string(id)).Msg("attach failed")
	}
}

// onCallEnded clears the slot of a closed or failed call. The participant
// survives only while the roster lists it.
func (o *Orchestrator) onCallEnded(id domain.EndpointID, gen uint64, err error) {
	call, ok := o.Registry.DropCall(id, gen)
	if !ok {
		return
	}
	if err != nil {
		o.logger.Warn().Err(err).Str("remote", string(id)).Str("direction", call.Direction().String()).Msg("call failed")
		go closeCall(call)
	} else {
		o.logger.Info().Str("remote", string(id)).Msg("call closed")
	}
	if tile, ok := o.Registry.DropTile(id); ok {
		tile.Detach()
	}
	p, ok := o.Registry.Participant(id)
	if ok && !p.InRoster {
		o.Registry.RemoveParticipant(id)
		ok = false
	}
	o.publishParticipants()

	if err != nil && ok && call.Direction() == core.Outbound {
		o.maybeRedial(id)
	}
}

func (o *Orchestrator) maybeRedial(id domain.EndpointID) {
	if o.State() != core.StateActive {
		return
	}
	p, ok := o.Registry.Participant(id)
	if !ok || !p.InRoster {
		return
	}
	if o.redials[id] >= o.opts.RedialLimit {
		o.logger.Warn().Str("remote", string(id)).Int("attempts", o.redials[id]).Msg("giving up on remote")
		return
	}
	o.redials[id]++
	o.scheduleDial(id)
}

// closeAllCalls closes every call in parallel and waits.
func (o *Orchestrator) closeAllCalls() {
	var wg conc.WaitGroup
	for id, call := range o.Registry.Calls() {
		o.Registry.DropCall(id, 0)
		wg.Go(func() { closeCall(call) })
	}
	wg.Wait()
}

func closeCall(call core.Call) {
	_ = call.Close()
}
