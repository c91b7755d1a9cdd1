package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshroom/internal/core"
)

const (
	trackAudio  = "audio"
	trackCamera = "camera"
	trackScreen = "screen"
)

// ErrStopped is returned by Acquire once the manager was stopped.
var ErrStopped = fmt.Errorf("%w: media stopped", core.ErrDeviceUnavailable)

type Options struct {
	Camera     string
	Microphone string
	Screen     string
}

// Manager is the local media manager backed by file capture sources.
type Manager struct {
	opts  Options
	pumps *PumpManager

	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	streamID string
	audio    *Track
	camera   *Track
	screen   *screenShare
	stopped  bool
}

var _ core.MediaManager = (*Manager)(nil)

func NewManager(opts Options) *Manager {
	return &Manager{opts: opts, pumps: NewPumpManager()}
}

// Acquire opens the microphone and camera and starts pumping them. A second
// call returns the same stream. After Stop it fails.
func (m *Manager) Acquire(ctx context.Context) (core.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrStopped
	}
	if m.audio != nil {
		return &localStream{m: m}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDeviceUnavailable, err)
	}

	mic, err := OpenSource(m.opts.Microphone)
	if err != nil {
		return nil, fmt.Errorf("microphone: %w", err)
	}
	cam, err := OpenSource(m.opts.Camera)
	if err != nil {
		_ = mic.Close()
		return nil, fmt.Errorf("camera: %w", err)
	}

	streamID := "local-" + uuid.NewString()
	audio, err := NewTrack(mic.Mime(), trackAudio, streamID)
	if err == nil {
		m.camera, err = NewTrack(cam.Mime(), trackCamera, streamID)
	}
	if err != nil {
		_ = mic.Close()
		_ = cam.Close()
		return nil, fmt.Errorf("%w: %v", core.ErrDeviceUnavailable, err)
	}
	m.audio = audio
	m.streamID = streamID

	// Pumps outlive the acquire ctx; Stop ends them.
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.pumps.Start(m.ctx, trackAudio, NewPump(mic, m.audio, true))
	m.pumps.Start(m.ctx, trackCamera, NewPump(cam, m.camera, true))

	log.Info().Str("module", "app.capture").Str("stream", streamID).Msg("local media acquired")
	return &localStream{m: m}, nil
}

func (m *Manager) SetAudioEnabled(enabled bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.audio != nil {
		m.audio.SetEnabled(enabled)
	}
}

// SetVideoEnabled always targets the camera, also while it is suspended by a
// screen share.
func (m *Manager) SetVideoEnabled(enabled bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.camera != nil {
		m.camera.SetEnabled(enabled)
	}
}

func (m *Manager) AudioEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.audio != nil && m.audio.Enabled()
}

func (m *Manager) VideoEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.camera != nil && m.camera.Enabled()
}

func (m *Manager) Sharing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.screen != nil
}

// StartScreenShare opens the screen source and suspends the camera. Every
// failure is reported as a cancelled share.
func (m *Manager) StartScreenShare(ctx context.Context) (core.ScreenShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen != nil {
		return m.screen, nil
	}
	if m.camera == nil || m.ctx.Err() != nil {
		return nil, fmt.Errorf("%w: no local media", core.ErrScreenShareCancelled)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrScreenShareCancelled, err)
	}
	if m.opts.Screen == "" {
		return nil, core.ErrScreenShareCancelled
	}

	src, err := OpenSource(m.opts.Screen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrScreenShareCancelled, err)
	}
	track, err := NewTrack(src.Mime(), trackScreen, m.streamID)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %v", core.ErrScreenShareCancelled, err)
	}

	pump := NewPump(src, track, false)
	m.screen = &screenShare{track: track, pump: pump}
	m.camera.Suspend()
	m.pumps.Start(m.ctx, trackScreen, pump)

	log.Info().Str("module", "app.capture").Msg("screen share started")
	return m.screen, nil
}

// StopScreenShare releases the screen source and resumes the camera. The
// camera keeps whatever enablement it had.
func (m *Manager) StopScreenShare() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.camera == nil {
		return nil
	}
	if m.screen != nil {
		m.pumps.Stop(trackScreen)
		m.screen = nil
		log.Info().Str("module", "app.capture").Msg("screen share stopped")
	}
	m.camera.Resume()
	return m.camera.Local
}

// Stop ends every pump and releases every source. The manager cannot be
// acquired again.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.pumps.StopAll()
	if m.cancel != nil {
		m.cancel()
	}
	for _, t := range []*Track{m.audio, m.camera} {
		if t != nil {
			t.Stop()
		}
	}
	m.screen = nil
	log.Info().Str("module", "app.capture").Msg("local media stopped")
}

// Running reports whether any pump is still registered.
func (m *Manager) Running() bool {
	return m.pumps.Has(trackAudio) || m.pumps.Has(trackCamera) || m.pumps.Has(trackScreen)
}

type localStream struct {
	m *Manager
}

func (s *localStream) ID() string {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	return s.m.streamID
}

func (s *localStream) AudioTrack() webrtc.TrackLocal {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if s.m.audio == nil {
		return nil
	}
	return s.m.audio.Local
}

func (s *localStream) VideoTrack() webrtc.TrackLocal {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if s.m.screen != nil {
		return s.m.screen.track.Local
	}
	if s.m.camera == nil {
		return nil
	}
	return s.m.camera.Local
}

type screenShare struct {
	track *Track
	pump  *Pump
}

func (s *screenShare) Track() webrtc.TrackLocal { return s.track.Local }

func (s *screenShare) Ended() <-chan struct{} { return s.pump.Ended() }
