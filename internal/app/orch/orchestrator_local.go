package orch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

const chatLimiterKey = "local"

func (o *Orchestrator) SetAudioEnabled(ctx context.Context, enabled bool) error {
	return o.request(ctx, "set-audio", func(reply func(error)) {
		if err := o.mediaReady(); err != nil {
			reply(err)
			return
		}
		o.media.SetAudioEnabled(enabled)
		o.logger.Info().Bool("enabled", enabled).Msg("microphone toggled")
		reply(nil)
	})
}

// SetVideoEnabled toggles the camera, also while a screen share is live.
func (o *Orchestrator) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return o.request(ctx, "set-video", func(reply func(error)) {
		if err := o.mediaReady(); err != nil {
			reply(err)
			return
		}
		o.media.SetVideoEnabled(enabled)
		o.logger.Info().Bool("enabled", enabled).Msg("camera toggled")
		reply(nil)
	})
}

func (o *Orchestrator) SetHandRaised(ctx context.Context, raised bool) error {
	return o.request(ctx, "set-hand", func(reply func(error)) {
		if err := o.active(); err != nil {
			reply(err)
			return
		}
		o.mu.Lock()
		changed := o.handRaised != raised
		o.handRaised = raised
		o.mu.Unlock()
		if changed {
			if raised {
				o.emit(core.EventRaiseHand, nil)
			} else {
				o.emit(core.EventLowerHand, nil)
			}
		}
		reply(nil)
	})
}

// StartScreenShare swaps the outbound video of every call to the screen. If
// any swap fails the calls go back to the camera. Starting twice is a no-op.
func (o *Orchestrator) StartScreenShare(ctx context.Context) error {
	return o.request(ctx, "start-share", func(reply func(error)) {
		if err := o.mediaReady(); err != nil {
			reply(err)
			return
		}
		if o.share != nil || o.shareStarting {
			reply(nil)
			return
		}
		o.shareStarting = true
		go func() {
			share, err := o.media.StartScreenShare(ctx)
			o.post("share-started", func() { reply(o.onShareStarted(share, err)) })
		}()
	})
}

func (o *Orchestrator) onShareStarted(share core.ScreenShare, err error) error {
	o.shareStarting = false
	if err != nil {
		o.logger.Info().Err(err).Msg("screen share not started")
		return err
	}
	if err := o.active(); err != nil {
		o.media.StopScreenShare()
		return err
	}

	var swapped []core.Call
	for id, call := range o.Registry.Calls() {
		err := call.ReplaceVideoTrack(share.Track())
		if errors.Is(err, core.ErrNoVideoSender) {
			// attaches the screen once negotiated
			continue
		}
		if err != nil {
			o.logger.Warn().Err(err).Str("remote", string(id)).Msg("screen swap failed, reverting")
			camera := o.media.StopScreenShare()
			for _, c := range swapped {
				if rerr := c.ReplaceVideoTrack(camera); rerr != nil {
					o.logger.Warn().Err(rerr).Str("remote", string(c.RemoteID())).Msg("camera restore failed")
				}
			}
			return err
		}
		swapped = append(swapped, call)
	}

	o.share = share
	o.shareEpoch++
	o.setSharing(true)
	o.emit(core.EventStartScreenShare, nil)
	o.watchShare(share)
	return nil
}

// StopScreenShare puts the camera back on every call.
func (o *Orchestrator) StopScreenShare(ctx context.Context) error {
	return o.request(ctx, "stop-share", func(reply func(error)) {
		if err := o.active(); err != nil {
			reply(err)
			return
		}
		o.stopShare()
		reply(nil)
	})
}

func (o *Orchestrator) stopShare() {
	if o.share == nil {
		return
	}
	o.stopShareWatch()
	o.share = nil
	o.shareEpoch++
	camera := o.media.StopScreenShare()
	o.replaceVideo(camera)
	o.setSharing(false)
	o.emit(core.EventStopScreenShare, nil)
}

func (o *Orchestrator) replaceVideo(track webrtc.TrackLocal) {
	if track == nil {
		return
	}
	for id, call := range o.Registry.Calls() {
		if err := call.ReplaceVideoTrack(track); err != nil && !errors.Is(err, core.ErrNoVideoSender) {
			o.logger.Warn().Err(err).Str("remote", string(id)).Msg("video swap failed")
		}
	}
}

// watchShare turns the end of the screen source into a stop.
func (o *Orchestrator) watchShare(share core.ScreenShare) {
	stop := make(chan struct{})
	o.shareWatch = stop
	go func() {
		select {
		case <-share.Ended():
			o.post("share-ended", func() {
				if o.share != share {
					return
				}
				o.logger.Info().Msg("screen source ended")
				o.stopShare()
			})
		case <-stop:
		}
	}()
}

func (o *Orchestrator) stopShareWatch() {
	if o.shareWatch != nil {
		close(o.shareWatch)
		o.shareWatch = nil
	}
}

func (o *Orchestrator) setSharing(v bool) {
	o.mu.Lock()
	o.sharing = v
	o.mu.Unlock()
}

// SendChat publishes text to the room. The message lands in the local
// transcript right away.
func (o *Orchestrator) SendChat(ctx context.Context, text string) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	err := o.request(ctx, "send-chat", func(reply func(error)) {
		if err := o.active(); err != nil {
			reply(err)
			return
		}
		text := strings.TrimSpace(text)
		if text == "" {
			reply(core.ErrEmptyMessage)
			return
		}
		if !o.chatLimiter.Allow(chatLimiterKey) {
			reply(core.ErrRateLimited)
			return
		}
		msg = domain.ChatMessage{
			ID:          uuid.NewString(),
			UserID:      o.identity.UserID,
			DisplayName: o.identity.DisplayName,
			AvatarRef:   o.identity.AvatarRef,
			Text:        text,
			Timestamp:   time.Now(),
			Local:       true,
		}
		o.appendChat(msg)
		o.emit(core.EventChatMessage, core.ChatPayload{
			ID:          msg.ID,
			UserID:      msg.UserID,
			DisplayName: msg.DisplayName,
			AvatarRef:   msg.AvatarRef,
			Text:        msg.Text,
			Timestamp:   msg.Timestamp.UnixMilli(),
		})
		o.stopTyping()
		reply(nil)
	})
	return msg, err
}

// Typing is called per keystroke. The room sees typing once and stop typing
// after a quiet period.
func (o *Orchestrator) Typing(ctx context.Context) error {
	return o.request(ctx, "typing", func(reply func(error)) {
		if err := o.active(); err != nil {
			reply(err)
			return
		}
		if !o.typingActive {
			o.typingActive = true
			o.emit(core.EventTyping, core.TypingPayload{DisplayName: o.identity.DisplayName})
		}
		o.typingStop(func() { o.post("typing-idle", o.stopTyping) })
		reply(nil)
	})
}

func (o *Orchestrator) stopTyping() {
	if !o.typingActive {
		return
	}
	o.typingActive = false
	if o.State() == core.StateActive {
		o.emit(core.EventStopTyping, core.TypingPayload{DisplayName: o.identity.DisplayName})
	}
}

// mediaReady is active() plus the requirement of local media.
func (o *Orchestrator) mediaReady() error {
	if err := o.active(); err != nil {
		return err
	}
	if o.local == nil {
		return core.ErrMediaAcquisition
	}
	return nil
}

func (o *Orchestrator) emit(event string, payload any) {
	if err := o.signal.Emit(event, payload); err != nil {
		if errors.Is(err, core.ErrSessionClosed) {
			return
		}
		o.logger.Warn().Err(err).Str("event", event).Msg("emit failed")
	}
}
