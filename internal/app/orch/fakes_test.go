package orch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

const waitFor = 2 * time.Second

type emitted struct {
	name    string
	payload any
}

type fakeSignal struct {
	mu      sync.Mutex
	handler func(core.SignalEvent)
	emits   []emitted
	closed  bool
}

func (s *fakeSignal) Connect(context.Context) error { return nil }

func (s *fakeSignal) Emit(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emits = append(s.emits, emitted{name: event, payload: payload})
	return nil
}

func (s *fakeSignal) OnEvent(fn func(core.SignalEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

func (s *fakeSignal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSignal) deliver(t *testing.T, name string, payload any) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		data = b
	}
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	require.NotNil(t, h)
	h(core.SignalEvent{Name: name, Data: data})
}

func (s *fakeSignal) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.emits {
		if e.name == name {
			n++
		}
	}
	return n
}

func (s *fakeSignal) last(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.emits) - 1; i >= 0; i-- {
		if s.emits[i].name == name {
			return s.emits[i].payload, true
		}
	}
	return nil, false
}

func (s *fakeSignal) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeEndpoint struct {
	id      domain.EndpointID
	openErr error
	// release, when set, holds Open until closed. With stubborn set Open
	// ignores its context while held.
	release  chan struct{}
	stubborn bool
	placed   chan *fakeCall
	// callGate, when set, holds Call after the call was handed to placed.
	callGate chan struct{}

	mu       sync.Mutex
	incoming func(core.Call)
	openCtx  context.Context
	closed   bool
	closes   int
}

func newFakeEndpoint(id domain.EndpointID) *fakeEndpoint {
	return &fakeEndpoint{id: id, placed: make(chan *fakeCall, 16)}
}

func (e *fakeEndpoint) Open(ctx context.Context) (domain.EndpointID, error) {
	e.mu.Lock()
	e.openCtx = ctx
	e.mu.Unlock()
	if e.release != nil && e.stubborn {
		<-e.release
	} else if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if e.openErr != nil {
		return "", e.openErr
	}
	return e.id, nil
}

func (e *fakeEndpoint) Call(remote domain.EndpointID, local core.LocalStream) (core.Call, error) {
	c := newFakeCall(remote, e.id, core.Outbound)
	c.local = local
	e.placed <- c
	if e.callGate != nil {
		<-e.callGate
	}
	return c, nil
}

func (e *fakeEndpoint) OnIncomingCall(fn func(core.Call)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incoming = fn
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.closes++
	return nil
}

func (e *fakeEndpoint) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

func (e *fakeEndpoint) openContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openCtx
}

func (e *fakeEndpoint) ring(c *fakeCall) {
	e.mu.Lock()
	fn := e.incoming
	e.mu.Unlock()
	fn(c)
}

func (e *fakeEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEndpoint) nextCall(t *testing.T) *fakeCall {
	t.Helper()
	select {
	case c := <-e.placed:
		return c
	case <-time.After(waitFor):
		t.Fatal("no outgoing call")
		return nil
	}
}

func (e *fakeEndpoint) noCall(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case c := <-e.placed:
		t.Fatalf("unexpected call to %s", c.remote)
	case <-time.After(within):
	}
}

type fakeCall struct {
	remote domain.EndpointID
	caller domain.EndpointID
	dir    core.Direction

	bound    chan struct{}
	answered chan core.LocalStream
	closed   chan struct{}

	mu         sync.Mutex
	local      core.LocalStream
	onStream   func(core.RemoteStream)
	onClose    func()
	onError    func(error)
	video      []webrtc.TrackLocal
	replaceErr error
	boundOnce  sync.Once
	closeOnce  sync.Once
}

func newFakeCall(remote, caller domain.EndpointID, dir core.Direction) *fakeCall {
	return &fakeCall{
		remote:   remote,
		caller:   caller,
		dir:      dir,
		bound:    make(chan struct{}),
		answered: make(chan core.LocalStream, 4),
		closed:   make(chan struct{}),
	}
}

func incomingCall(remote domain.EndpointID) *fakeCall {
	return newFakeCall(remote, remote, core.Inbound)
}

func (c *fakeCall) RemoteID() domain.EndpointID { return c.remote }
func (c *fakeCall) Direction() core.Direction { return c.dir }
func (c *fakeCall) Caller() domain.EndpointID { return c.caller }

func (c *fakeCall) Answer(local core.LocalStream) error {
	c.answered <- local
	return nil
}

func (c *fakeCall) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replaceErr != nil {
		return c.replaceErr
	}
	c.video = append(c.video, track)
	return nil
}

func (c *fakeCall) OnStream(fn func(core.RemoteStream)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStream = fn
}

func (c *fakeCall) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// OnError is the last handler the session binds.
func (c *fakeCall) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
	c.boundOnce.Do(func() { close(c.bound) })
}

func (c *fakeCall) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeCall) waitBound(t *testing.T) {
	t.Helper()
	select {
	case <-c.bound:
	case <-time.After(waitFor):
		t.Fatalf("call from %s never bound", c.caller)
	}
}

func (c *fakeCall) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitFor):
		t.Fatalf("call %s->%s not closed", c.caller, c.remote)
	}
}

func (c *fakeCall) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeCall) stream(s core.RemoteStream) {
	c.mu.Lock()
	fn := c.onStream
	c.mu.Unlock()
	fn(s)
}

func (c *fakeCall) hangUp() {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	fn()
}

func (c *fakeCall) fail(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	fn(err)
}

func (c *fakeCall) lastVideo() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.video) == 0 {
		return nil
	}
	return c.video[len(c.video)-1]
}

type fakeShare struct {
	track webrtc.TrackLocal
	ended chan struct{}
}

func (s *fakeShare) Track() webrtc.TrackLocal { return s.track }
func (s *fakeShare) Ended() <-chan struct{} { return s.ended }

type fakeMedia struct {
	acquireErr error
	shareErr   error
	audioTrack webrtc.TrackLocal
	camera     webrtc.TrackLocal
	screen     webrtc.TrackLocal

	mu      sync.Mutex
	audio   bool
	video   bool
	share   *fakeShare
	starts  int
	stopped bool
	stops   int
	// gate, when set, holds Acquire until closed regardless of its context.
	gate     chan struct{}
	acquired bool
}

func newFakeMedia(t *testing.T) *fakeMedia {
	t.Helper()
	mk := func(mime, id string) webrtc.TrackLocal {
		tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "local")
		require.NoError(t, err)
		return tr
	}
	return &fakeMedia{
		audioTrack: mk(webrtc.MimeTypeOpus, "audio"),
		camera:     mk(webrtc.MimeTypeVP8, "camera"),
		screen:     mk(webrtc.MimeTypeVP8, "screen"),
		audio:      true,
		video:      true,
	}
}

func (m *fakeMedia) Acquire(context.Context) (core.LocalStream, error) {
	if m.gate != nil {
		<-m.gate
	}
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.mu.Lock()
	m.acquired = true
	m.mu.Unlock()
	return fakeStream{m: m}, nil
}

func (m *fakeMedia) SetAudioEnabled(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = v
}

func (m *fakeMedia) SetVideoEnabled(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.video = v
}

func (m *fakeMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

func (m *fakeMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

func (m *fakeMedia) StartScreenShare(context.Context) (core.ScreenShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.shareErr != nil {
		return nil, m.shareErr
	}
	if m.share == nil {
		m.share = &fakeShare{track: m.screen, ended: make(chan struct{})}
	}
	return m.share, nil
}

func (m *fakeMedia) StopScreenShare() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.share = nil
	return m.camera
}

func (m *fakeMedia) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.share != nil
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.stops++
	m.share = nil
}

func (m *fakeMedia) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func (m *fakeMedia) wasAcquired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

func (m *fakeMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *fakeMedia) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

type fakeStream struct{ m *fakeMedia }

func (s fakeStream) ID() string { return "local" }
func (s fakeStream) AudioTrack() webrtc.TrackLocal { return s.m.audioTrack }

func (s fakeStream) VideoTrack() webrtc.TrackLocal {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.share != nil {
		return s.m.share.track
	}
	return s.m.camera
}

type fakeTile struct {
	mu       sync.Mutex
	streams  []core.RemoteStream
	detached bool
}

func (t *fakeTile) Replace(s core.RemoteStream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams = append(t.streams, s)
	return nil
}

func (t *fakeTile) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached = true
}

type fakeSink struct {
	mu      sync.Mutex
	blocked bool
	tiles   map[domain.EndpointID][]*fakeTile
}

func newFakeSink() *fakeSink {
	return &fakeSink{tiles: make(map[domain.EndpointID][]*fakeTile)}
}

func (s *fakeSink) Attach(p domain.Participant, stream core.RemoteStream) (core.TileHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTile{streams: []core.RemoteStream{stream}}
	s.tiles[p.ID] = append(s.tiles[p.ID], t)
	if s.blocked {
		return t, core.ErrPlaybackBlocked
	}
	return t, nil
}

func (s *fakeSink) attached(id domain.EndpointID) []*fakeTile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeTile(nil), s.tiles[id]...)
}

type fakeObserver struct {
	core.NopObserver

	mu      sync.Mutex
	states  []core.State
	errs    []error
	notices []string
	chats   []domain.ChatMessage
	typing  map[string]bool
	status  []core.SignalStatus
}

func (o *fakeObserver) OnState(s core.State, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
	if err != nil {
		o.errs = append(o.errs, err)
	}
}

func (o *fakeObserver) OnNotice(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, msg)
}

func (o *fakeObserver) OnChat(m domain.ChatMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chats = append(o.chats, m)
}

func (o *fakeObserver) OnTyping(name string, typing bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.typing == nil {
		o.typing = map[string]bool{}
	}
	o.typing[name] = typing
}

func (o *fakeObserver) OnSignalStatus(s core.SignalStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = append(o.status, s)
}

func (o *fakeObserver) stateCount(s core.State) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, st := range o.states {
		if st == s {
			n++
		}
	}
	return n
}

func (o *fakeObserver) snapshot() ([]core.State, []string, []domain.ChatMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]core.State(nil), o.states...), append([]string(nil), o.notices...), append([]domain.ChatMessage(nil), o.chats...)
}

type harness struct {
	t      *testing.T
	o      *Orchestrator
	sig    *fakeSignal
	ep     *fakeEndpoint
	media  *fakeMedia
	sink   *fakeSink
	obs    *fakeObserver
	runErr chan error
}

func newHarness(t *testing.T, local domain.EndpointID, tweak ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		sig:    &fakeSignal{},
		ep:     newFakeEndpoint(local),
		media:  newFakeMedia(t),
		sink:   newFakeSink(),
		obs:    &fakeObserver{},
		runErr: make(chan error, 1),
	}
	d := Deps{
		Identity: domain.RoomIdentity{RoomID: "101", UserID: "u-" + domain.UserID(local), DisplayName: "Local " + string(local)},
		Signal:   h.sig,
		Endpoint: h.ep,
		Media:    h.media,
		Sink:     h.sink,
		Observer: h.obs,
		Policy:   app.SimplePolicy{SettleDelay: 10 * time.Millisecond},
		Options:  Options{TickInterval: time.Hour},
	}
	for _, fn := range tweak {
		fn(&d)
	}
	h.o = New(d)
	return h
}

// run starts the session and waits for it to reach want.
func (h *harness) run(want core.State) {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.t.Cleanup(func() {
		cancel()
		<-h.o.Done()
	})
	go func() { h.runErr <- h.o.Run(ctx) }()
	h.waitState(want)
}

func (h *harness) waitState(want core.State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.o.State() == want && h.obs.stateCount(want) > 0
	}, waitFor, 5*time.Millisecond, "state %s", want)
}

// sync returns once everything posted before it was handled.
func (h *harness) sync() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := h.o.request(ctx, "sync", func(reply func(error)) { reply(nil) })
	require.NoError(h.t, err)
}

func (h *harness) join(id domain.EndpointID, name string) {
	h.t.Helper()
	h.sig.deliver(h.t, core.EventUserConnected, core.UserConnectedPayload{RemoteEndpointID: id, DisplayName: name})
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(waitFor):
		h.t.Fatal("Run did not return")
		return nil
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return c
}
