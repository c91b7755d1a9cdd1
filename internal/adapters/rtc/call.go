package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

const (
	// streamGrace is how long a stream waits for its second track.
	streamGrace = 500 * time.Millisecond
	// restartGrace is how long the answering side waits for the caller's ICE
	// restart before giving up.
	restartGrace = 8 * time.Second
)

// Call is one pion peer connection negotiated through the broker.
type Call struct {
	ep        *Endpoint
	pc        *webrtc.PeerConnection
	remote    domain.EndpointID
	connID    string
	direction core.Direction
	logger    zerolog.Logger

	mu           sync.Mutex
	offerSDP     *webrtc.SessionDescription
	answered     bool
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	videoSender  *webrtc.RTPSender
	restarted    bool
	restartTimer *time.Timer
	streams      map[string][]*webrtc.TrackRemote
	streamTimers map[string]*time.Timer

	hmu      sync.RWMutex
	onStream func(core.RemoteStream)
	onClose  func()
	onError  func(error)

	once sync.Once
}

var _ core.Call = (*Call)(nil)

func newCall(ep *Endpoint, pc *webrtc.PeerConnection, remote domain.EndpointID, connID string, dir core.Direction) *Call {
	c := &Call{
		ep:        ep,
		pc:        pc,
		remote:    remote,
		connID:    connID,
		direction: dir,
		logger: ep.logger.With().
			Str("remote", string(remote)).
			Str("connection", connID).
			Str("direction", dir.String()).
			Logger(),
		streams:      make(map[string][]*webrtc.TrackRemote),
		streamTimers: make(map[string]*time.Timer),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		err := ep.send(msgCandidate, remote, candidatePayload{
			Candidate:    cand.ToJSON(),
			Type:         connectionMedia,
			ConnectionID: connID,
		})
		if err != nil {
			c.logger.Debug().Err(err).Msg("failed to send candidate")
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateFailed:
			c.iceFailed()
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			c.mu.Lock()
			if c.restartTimer != nil {
				c.restartTimer.Stop()
				c.restartTimer = nil
			}
			c.mu.Unlock()
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateClosed:
			c.terminate(nil)
		case webrtc.PeerConnectionStateFailed:
			// ICE failures go through the restart path
			if pc.ICEConnectionState() != webrtc.ICEConnectionStateFailed {
				c.terminate(errors.New("peer connection failed"))
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.addTrack(track)
	})

	return c
}

func (c *Call) RemoteID() domain.EndpointID { return c.remote }

func (c *Call) Direction() core.Direction { return c.direction }

func (c *Call) Caller() domain.EndpointID {
	if c.direction == core.Inbound {
		return c.remote
	}
	return c.ep.ID()
}

func (c *Call) OnStream(fn func(core.RemoteStream)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onStream = fn
}

func (c *Call) OnClose(fn func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onClose = fn
}

func (c *Call) OnError(fn func(error)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onError = fn
}

// attachLocal adds the local tracks as senders. A nil stream or track adds a
// receive-only transceiver for outbound calls only; inbound calls already
// have the offered transceivers.
func (c *Call) attachLocal(local core.LocalStream) error {
	var audio, video webrtc.TrackLocal
	if local != nil {
		audio, video = local.AudioTrack(), local.VideoTrack()
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		track := audio
		if kind == webrtc.RTPCodecTypeVideo {
			track = video
		}
		if track == nil {
			if c.direction == core.Outbound {
				if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
					Direction: webrtc.RTPTransceiverDirectionRecvonly,
				}); err != nil {
					return fmt.Errorf("add %s transceiver: %w", kind, err)
				}
			}
			continue
		}
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		go drainRTCP(sender)
		if kind == webrtc.RTPCodecTypeVideo {
			c.videoSender = sender
		}
	}
	return nil
}

// drainRTCP reads sender feedback so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Call) offer(local core.LocalStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.attachLocal(local); err != nil {
		return err
	}
	return c.sendOffer(nil)
}

func (c *Call) sendOffer(opts *webrtc.OfferOptions) error {
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return c.ep.send(msgOffer, c.remote, sdpPayload{SDP: offer, Type: connectionMedia, ConnectionID: c.connID})
}

func (c *Call) setOffer(sdp webrtc.SessionDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offerSDP = &sdp
}

// Answer accepts the pending offer with the local tracks. Calling it again is
// a no-op.
func (c *Call) Answer(local core.LocalStream) error {
	if c.direction != core.Inbound {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answered {
		return nil
	}
	if c.offerSDP == nil {
		return errors.New("no offer to answer")
	}
	if err := c.pc.SetRemoteDescription(*c.offerSDP); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.remoteSet = true
	c.flushCandidates()
	if err := c.attachLocal(local); err != nil {
		return err
	}
	if err := c.sendAnswer(); err != nil {
		return err
	}
	c.answered = true
	return nil
}

func (c *Call) sendAnswer() error {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return c.ep.send(msgAnswer, c.remote, sdpPayload{SDP: answer, Type: connectionMedia, ConnectionID: c.connID})
}

// renegotiate answers an offer on an established connection.
func (c *Call) renegotiate(sdp webrtc.SessionDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.direction == core.Inbound && !c.answered {
		c.offerSDP = &sdp
		return
	}
	if err := c.pc.SetRemoteDescription(sdp); err != nil {
		c.logger.Warn().Err(err).Msg("renegotiation offer rejected")
		return
	}
	c.remoteSet = true
	c.flushCandidates()
	if err := c.sendAnswer(); err != nil {
		c.logger.Warn().Err(err).Msg("renegotiation answer failed")
	}
}

func (c *Call) setAnswer(sdp webrtc.SessionDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.pc.SetRemoteDescription(sdp); err != nil {
		c.logger.Warn().Err(err).Msg("failed to apply answer")
		return
	}
	c.remoteSet = true
	c.flushCandidates()
}

func (c *Call) addCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		return
	}
	if err := c.pc.AddICECandidate(cand); err != nil {
		c.logger.Debug().Err(err).Msg("failed to add candidate")
	}
}

// flushCandidates must be called with mu held.
func (c *Call) flushCandidates() {
	for _, cand := range c.pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.logger.Debug().Err(err).Msg("failed to add buffered candidate")
		}
	}
	c.pending = nil
}

// iceFailed restarts ICE once from the calling side. The answering side waits
// for that restart.
func (c *Call) iceFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restarted {
		go c.terminate(errors.New("ice failed after restart"))
		return
	}
	c.restarted = true
	if c.direction == core.Outbound {
		go c.restartICE()
		return
	}
	c.restartTimer = time.AfterFunc(restartGrace, func() {
		if c.pc.ICEConnectionState() == webrtc.ICEConnectionStateFailed {
			c.terminate(errors.New("ice failed"))
		}
	})
}

func (c *Call) restartICE() {
	c.logger.Warn().Msg("ICE failed, restarting")
	c.mu.Lock()
	err := c.sendOffer(&webrtc.OfferOptions{ICERestart: true})
	c.mu.Unlock()
	if err != nil {
		c.terminate(fmt.Errorf("ice restart: %w", err))
	}
}

func (c *Call) addTrack(track *webrtc.TrackRemote) {
	id := track.StreamID()
	c.mu.Lock()
	c.streams[id] = append(c.streams[id], track)
	if t := c.streamTimers[id]; t != nil {
		t.Stop()
		delete(c.streamTimers, id)
	}
	tracks := append([]*webrtc.TrackRemote(nil), c.streams[id]...)
	if !complete(tracks) {
		c.streamTimers[id] = time.AfterFunc(streamGrace, func() {
			c.mu.Lock()
			delete(c.streamTimers, id)
			tracks := append([]*webrtc.TrackRemote(nil), c.streams[id]...)
			c.mu.Unlock()
			c.emitStream(id, tracks)
		})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.emitStream(id, tracks)
}

func complete(tracks []*webrtc.TrackRemote) bool {
	var audio, video bool
	for _, t := range tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			audio = true
		case webrtc.RTPCodecTypeVideo:
			video = true
		}
	}
	return audio && video
}

func (c *Call) emitStream(id string, tracks []*webrtc.TrackRemote) {
	c.hmu.RLock()
	fn := c.onStream
	c.hmu.RUnlock()
	if fn != nil {
		fn(core.RemoteStream{ID: id, Tracks: tracks})
	}
}

// ReplaceVideoTrack swaps the outbound video without renegotiation.
func (c *Call) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	sender := c.videoSender
	c.mu.Unlock()
	if sender == nil {
		return core.ErrNoVideoSender
	}
	return sender.ReplaceTrack(track)
}

// terminate ends the call once. A nil err reports a close, anything else an
// error wrapped in core.ErrCallFailed.
func (c *Call) terminate(err error) {
	c.once.Do(func() {
		// may run on a pion callback goroutine
		go c.closePC()
		c.shutdown()
		c.hmu.RLock()
		onClose, onError := c.onClose, c.onError
		c.hmu.RUnlock()
		if err == nil {
			c.logger.Info().Msg("call closed")
			if onClose != nil {
				onClose()
			}
			return
		}
		c.logger.Warn().Err(err).Msg("call failed")
		if onError != nil {
			onError(fmt.Errorf("%w: %v", core.ErrCallFailed, err))
		}
	})
}

func (c *Call) shutdown() {
	c.ep.removeCall(c.connID)
	c.mu.Lock()
	for id, t := range c.streamTimers {
		t.Stop()
		delete(c.streamTimers, id)
	}
	if c.restartTimer != nil {
		c.restartTimer.Stop()
	}
	c.mu.Unlock()
}

func (c *Call) closePC() {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
	}
}

// Close ends the call without firing OnClose. It returns once the peer
// connection is closed.
func (c *Call) Close() error {
	c.once.Do(func() {
		c.shutdown()
		c.closePC()
		c.logger.Info().Msg("closed")
	})
	return nil
}
