package console

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

// TileStats is a snapshot of what a tile received.
type TileStats struct {
	ID          domain.EndpointID
	DisplayName string
	StreamID    string
	Tracks      int
	Packets     int64
	Bytes       int64
	LastPacket  time.Time
	Swaps       int
}

// Sink renders remote participants as terminal tiles. A tile consumes the
// RTP of every track of its stream.
type Sink struct {
	logger zerolog.Logger

	mu    sync.Mutex
	tiles map[domain.EndpointID]*tile

	audioBlocked atomic.Bool
}

var _ core.PresentationSink = (*Sink)(nil)

type SinkOptions struct {
	// AudioBlocked starts with playback disabled until EnableAudio.
	AudioBlocked bool
}

func NewSink(opts SinkOptions) *Sink {
	s := &Sink{
		logger: log.With().Str("module", "adapters.console").Logger(),
		tiles:  make(map[domain.EndpointID]*tile),
	}
	s.audioBlocked.Store(opts.AudioBlocked)
	return s
}

// EnableAudio lifts the playback block.
func (s *Sink) EnableAudio() { s.audioBlocked.Store(false) }

// Attach creates the tile. While playback is blocked the tile is still
// returned, together with core.ErrPlaybackBlocked.
func (s *Sink) Attach(p domain.Participant, stream core.RemoteStream) (core.TileHandle, error) {
	t := &tile{sink: s, id: p.ID, name: p.DisplayName, readers: make(map[rtpSource]chan struct{})}
	s.mu.Lock()
	if old := s.tiles[p.ID]; old != nil {
		s.mu.Unlock()
		old.stop()
		s.mu.Lock()
	}
	s.tiles[p.ID] = t
	s.mu.Unlock()

	t.start(stream)
	s.logger.Info().Str("remote", string(p.ID)).Str("stream", stream.ID).Int("tracks", len(stream.Tracks)).Msg("tile attached")
	if s.audioBlocked.Load() {
		return t, core.ErrPlaybackBlocked
	}
	return t, nil
}

// Stats lists every tile ordered by id.
func (s *Sink) Stats() []TileStats {
	s.mu.Lock()
	tiles := make([]*tile, 0, len(s.tiles))
	for _, t := range s.tiles {
		tiles = append(tiles, t)
	}
	s.mu.Unlock()

	out := make([]TileStats, 0, len(tiles))
	for _, t := range tiles {
		out = append(out, t.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tiles)
}

func (s *Sink) remove(t *tile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tiles[t.id] == t {
		delete(s.tiles, t.id)
	}
}

// rtpSource is the part of a remote track a tile reads.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	Kind() webrtc.RTPCodecType
}

type tile struct {
	sink *Sink
	id   domain.EndpointID
	name string

	mu       sync.Mutex
	streamID string
	tracks   int
	swaps    int
	readers  map[rtpSource]chan struct{}
	detached bool

	packets atomic.Int64
	bytes   atomic.Int64
	last    atomic.Time
}

func (t *tile) start(stream core.RemoteStream) {
	srcs := make([]rtpSource, 0, len(stream.Tracks))
	for _, track := range stream.Tracks {
		if track != nil {
			srcs = append(srcs, track)
		}
	}
	t.follow(stream.ID, len(stream.Tracks), srcs)
}

// follow keeps exactly one reader per source of the current stream. Sources
// already read keep their reader; readers of sources that left are stopped.
func (t *tile) follow(streamID string, tracks int, srcs []rtpSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return
	}
	t.streamID = streamID
	t.tracks = tracks
	keep := make(map[rtpSource]bool, len(srcs))
	for _, src := range srcs {
		keep[src] = true
		if _, ok := t.readers[src]; ok {
			continue
		}
		stop := make(chan struct{})
		t.readers[src] = stop
		go t.drain(src, stop)
	}
	for src, stop := range t.readers {
		if !keep[src] {
			close(stop)
			delete(t.readers, src)
		}
	}
}

// drain reads RTP until the source ends or the tile stops following it.
func (t *tile) drain(src rtpSource, stop chan struct{}) {
	defer t.release(src, stop)
	for {
		pkt, _, err := src.ReadRTP()
		select {
		case <-stop:
			return
		default:
		}
		if err != nil {
			t.sink.logger.Debug().Err(err).Str("remote", string(t.id)).Str("kind", src.Kind().String()).Msg("track ended")
			return
		}
		t.count(pkt)
	}
}

// release forgets the reader of src if it is still the registered one.
func (t *tile) release(src rtpSource, stop chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.readers[src]; ok && cur == stop {
		delete(t.readers, src)
	}
}

func (t *tile) count(pkt *rtp.Packet) {
	t.packets.Inc()
	t.bytes.Add(int64(len(pkt.Payload)))
	t.last.Store(time.Now())
}

func (t *tile) stop() {
	t.mu.Lock()
	for src, stop := range t.readers {
		close(stop)
		delete(t.readers, src)
	}
	t.mu.Unlock()
}

// Replace swaps the stream in place. Tracks delivered again keep their
// reader.
func (t *tile) Replace(stream core.RemoteStream) error {
	t.mu.Lock()
	if t.detached {
		t.mu.Unlock()
		return core.ErrSessionClosed
	}
	t.swaps++
	t.mu.Unlock()

	t.start(stream)
	t.sink.logger.Info().Str("remote", string(t.id)).Str("stream", stream.ID).Msg("tile stream replaced")
	return nil
}

func (t *tile) Detach() {
	t.mu.Lock()
	if t.detached {
		t.mu.Unlock()
		return
	}
	t.detached = true
	t.mu.Unlock()

	t.stop()
	t.sink.remove(t)
	t.sink.logger.Info().Str("remote", string(t.id)).Msg("tile detached")
}

func (t *tile) stats() TileStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TileStats{
		ID:          t.id,
		DisplayName: t.name,
		StreamID:    t.streamID,
		Tracks:      t.tracks,
		Packets:     t.packets.Load(),
		Bytes:       t.bytes.Load(),
		LastPacket:  t.last.Load(),
		Swaps:       t.swaps,
	}
}
