package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bep/debounce"
	fcore "github.com/frostbyte73/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

type Options struct {
	RedialLimit       int
	TickInterval      time.Duration
	TypingTimeout     time.Duration
	TranscriptLimit   int
	ChatBurst         int
	ChatWindow        time.Duration
	RejoinOnReconnect bool
}

func (o *Options) setDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = 400 * time.Millisecond
	}
	if o.TranscriptLimit <= 0 {
		o.TranscriptLimit = domain.DefaultTranscriptLimit
	}
	if o.ChatBurst <= 0 {
		o.ChatBurst = 5
	}
	if o.ChatWindow <= 0 {
		o.ChatWindow = 3 * time.Second
	}
}

type Deps struct {
	Identity domain.RoomIdentity
	Signal   core.SignalClient
	Endpoint core.Endpoint
	Media    core.MediaManager
	Sink     core.PresentationSink
	// Observer may be nil.
	Observer core.Observer
	// Policy defaults to app.SimplePolicy with a one second settle delay.
	Policy  app.Policy
	Options Options
}

// SessionInfo is a read-only view of the session.
type SessionInfo struct {
	State        core.State        `json:"state"`
	Room         domain.RoomID     `json:"room"`
	UserID       domain.UserID     `json:"userId"`
	DisplayName  string            `json:"displayName"`
	LocalID      domain.EndpointID `json:"localEndpointId,omitempty"`
	AudioEnabled bool              `json:"audioEnabled"`
	VideoEnabled bool              `json:"videoEnabled"`
	Sharing      bool              `json:"screenSharing"`
	HandRaised   bool              `json:"handRaised"`
	Degraded     bool              `json:"mediaDegraded"`
	Elapsed      time.Duration     `json:"elapsed"`
	Error        string            `json:"error,omitempty"`
}

// Orchestrator runs one conference session. Every input is queued on a
// mailbox and handled by the goroutine inside Run.
type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy

	identity domain.RoomIdentity
	signal   core.SignalClient
	endpoint core.Endpoint
	media    core.MediaManager
	sink     core.PresentationSink
	observer core.Observer
	opts     Options
	logger   zerolog.Logger

	mb      *mailbox
	life    context.Context
	endLife context.CancelFunc
	started fcore.Fuse
	done    fcore.Fuse
	runErr  error

	// guarded by mu, read by snapshot methods
	mu         sync.RWMutex
	state      core.State
	fatal      error
	localID    domain.EndpointID
	transcript *domain.Transcript
	handRaised bool
	sharing    bool
	degraded   bool
	activeAt   time.Time

	// owned by the session goroutine
	local          core.LocalStream
	joined         bool
	connectedOnce  bool
	dialTimers     map[domain.EndpointID]*time.Timer
	dialing        map[domain.EndpointID]bool
	redials        map[domain.EndpointID]int
	share          core.ScreenShare
	shareStarting  bool
	shareWatch     chan struct{}
	shareEpoch     int
	playbackNotice bool
	typingActive   bool
	typingStop     func(func())
	chatLimiter    *app.RateLimiter
	cancelTicker   context.CancelFunc
	leaveReplies   []chan struct{}
}

func New(d Deps) *Orchestrator {
	d.Options.setDefaults()
	if d.Observer == nil {
		d.Observer = core.NopObserver{}
	}
	if d.Policy == nil {
		d.Policy = app.SimplePolicy{SettleDelay: time.Second}
	}
	return &Orchestrator{
		Registry:    app.NewRegistry(),
		Policy:      d.Policy,
		identity:    d.Identity,
		signal:      d.Signal,
		endpoint:    d.Endpoint,
		media:       d.Media,
		sink:        d.Sink,
		observer:    d.Observer,
		opts:        d.Options,
		logger:      log.With().Str("module", "app.orch").Str("room", string(d.Identity.RoomID)).Logger(),
		mb:          newMailbox(),
		transcript:  domain.NewTranscript(d.Options.TranscriptLimit),
		dialTimers:  make(map[domain.EndpointID]*time.Timer),
		dialing:     make(map[domain.EndpointID]bool),
		redials:     make(map[domain.EndpointID]int),
		typingStop:  debounce.New(d.Options.TypingTimeout),
		chatLimiter: app.NewRateLimiter(d.Options.ChatBurst, d.Options.ChatWindow),
	}
}

// Run drives the session until it ends. It returns nil after Leave and the
// *core.SessionError that ended the session otherwise.
func (o *Orchestrator) Run(ctx context.Context) error {
	select {
	case <-o.started.Watch():
		return errors.New("session already running")
	default:
	}
	o.started.Break()
	o.life, o.endLife = context.WithCancel(ctx)
	defer o.endLife()

	o.signal.OnEvent(func(ev core.SignalEvent) {
		o.post(ev.Name, func() { o.onSignal(ev) })
	})
	o.endpoint.OnIncomingCall(func(call core.Call) {
		o.post("incoming-call", func() { o.onIncomingCall(call) })
	})
	o.post("start", func() { o.start(ctx) })

	for {
		select {
		case <-o.mb.wake:
			for {
				ev, ok := o.mb.pop()
				if !ok {
					break
				}
				ev.fn()
				if o.State().Terminal() {
					o.finish()
					return o.runErr
				}
			}
		case <-ctx.Done():
			o.teardown(core.StateTerminated, nil)
			o.finish()
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) finish() {
	for _, ev := range o.mb.close() {
		if ev.drop != nil {
			ev.drop()
		}
	}
	for _, r := range o.leaveReplies {
		close(r)
	}
	o.leaveReplies = nil
	o.done.Break()
}

// Done is closed once the session reached a terminal state.
func (o *Orchestrator) Done() <-chan struct{} { return o.done.Watch() }

func (o *Orchestrator) post(name string, fn func()) bool {
	return o.mb.push(event{name: name, fn: fn})
}

// postOr posts fn, or runs drop if the session ends before fn gets to run.
// Completions that hand over a resource release it in drop.
func (o *Orchestrator) postOr(name string, fn, drop func()) {
	if !o.mb.push(event{name: name, fn: fn, drop: drop}) {
		drop()
	}
}

// request runs fn on the session goroutine and waits for its reply. fn may
// reply later from a completion event.
func (o *Orchestrator) request(ctx context.Context, name string, fn func(reply func(error))) error {
	ch := make(chan error, 1)
	ok := o.post(name, func() {
		fn(func(err error) { ch <- err })
	})
	if !ok {
		return core.ErrSessionClosed
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done.Watch():
		select {
		case err := <-ch:
			return err
		default:
			return core.ErrSessionClosed
		}
	}
}

// active must be called on the session goroutine.
func (o *Orchestrator) active() error {
	switch s := o.State(); {
	case s == core.StateActive:
		return nil
	case s.Terminal(), s == core.StateLeaving:
		return core.ErrSessionClosed
	default:
		return core.ErrNotActive
	}
}

func (o *Orchestrator) setState(s core.State, err error) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	if err != nil {
		o.fatal = err
	}
	if s == core.StateActive && o.activeAt.IsZero() {
		o.activeAt = time.Now()
	}
	o.mu.Unlock()
	if prev == s {
		return
	}
	o.logger.Info().Str("from", prev.String()).Str("to", s.String()).Err(err).Msg("session state")
	o.observer.OnState(s, err)
}

func (o *Orchestrator) State() core.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) LocalID() domain.EndpointID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.localID
}

func (o *Orchestrator) Info() SessionInfo {
	o.mu.RLock()
	info := SessionInfo{
		State:       o.state,
		Room:        o.identity.RoomID,
		UserID:      o.identity.UserID,
		DisplayName: o.identity.DisplayName,
		LocalID:     o.localID,
		Sharing:     o.sharing,
		HandRaised:  o.handRaised,
		Degraded:    o.degraded,
	}
	if !o.activeAt.IsZero() {
		info.Elapsed = time.Since(o.activeAt).Round(time.Second)
	}
	if o.fatal != nil {
		info.Error = o.fatal.Error()
	}
	o.mu.RUnlock()
	if !info.Degraded && o.media != nil {
		info.AudioEnabled = o.media.AudioEnabled()
		info.VideoEnabled = o.media.VideoEnabled()
	}
	return info
}

func (o *Orchestrator) Participants() []domain.Participant {
	return o.Registry.Participants()
}

func (o *Orchestrator) Transcript() []domain.ChatMessage {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.transcript.Messages()
}

// start opens signaling and begins media acquisition.
func (o *Orchestrator) start(ctx context.Context) {
	o.observer.OnSignalStatus(core.SignalConnecting)
	if err := o.signal.Connect(ctx); err != nil {
		o.fail("connect signaling", err)
		return
	}
	o.setState(core.StateAwaitingMedia, nil)
	life := o.life
	go func() {
		stream, err := o.media.Acquire(life)
		o.postOr("media-acquired", func() { o.onMediaAcquired(stream, err) }, func() {
			if err == nil {
				o.logger.Debug().Msg("releasing media acquired after teardown")
				o.media.Stop()
			}
		})
	}()
}

func (o *Orchestrator) onMediaAcquired(stream core.LocalStream, err error) {
	if o.State() != core.StateAwaitingMedia {
		if err == nil {
			o.media.Stop()
		}
		return
	}
	if err != nil {
		reason := core.MediaReason(err)
		switch o.Policy.OnMediaFailure(err) {
		case app.DegradeSession:
			o.logger.Warn().Err(err).Msg("continuing without local media")
			o.mu.Lock()
			o.degraded = true
			o.mu.Unlock()
			o.observer.OnNotice(reason.Message() + " Joining without camera and microphone.")
		default:
			o.reject(core.SessionError{Op: "acquire media", Reason: reason, Err: errors.Join(core.ErrMediaAcquisition, err)})
			return
		}
	} else {
		o.local = stream
	}

	o.setState(core.StateJoining, nil)
	life := o.life
	go func() {
		id, err := o.endpoint.Open(life)
		o.postOr("endpoint-open", func() { o.onEndpointOpen(id, err) }, func() {
			if err == nil {
				_ = o.endpoint.Close()
			}
		})
	}()
}

func (o *Orchestrator) onEndpointOpen(id domain.EndpointID, err error) {
	if o.State() != core.StateJoining {
		return
	}
	if err != nil {
		o.fail("open endpoint", err)
		return
	}
	o.mu.Lock()
	o.localID = id
	o.mu.Unlock()
	o.logger = o.logger.With().Str("local", string(id)).Logger()
	o.emitJoin()
}

// emitJoin sends joinRoom. The first successful emit makes the session active.
func (o *Orchestrator) emitJoin() {
	err := o.signal.Emit(core.EventJoinRoom, core.JoinRoomPayload{
		LocalEndpointID: o.LocalID(),
		UserID:          o.identity.UserID,
		Room:            o.identity.RoomID,
		DisplayName:     o.identity.DisplayName,
		AvatarRef:       o.identity.AvatarRef,
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("joinRoom emit failed, retrying on reconnect")
		return
	}
	if o.joined {
		o.logger.Info().Msg("re-sent joinRoom")
		return
	}
	o.joined = true
	o.setState(core.StateActive, nil)
	o.startTicker()
}

func (o *Orchestrator) startTicker() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancelTicker = cancel
	go func() {
		t := time.NewTicker(o.opts.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				o.post("tick", o.onTick)
			}
		}
	}()
}

func (o *Orchestrator) onTick() {
	if o.State() != core.StateActive {
		return
	}
	o.observer.OnTick(o.Info().Elapsed)
}

// Leave tears the session down and returns once teardown completed.
func (o *Orchestrator) Leave(ctx context.Context) error {
	ch := make(chan struct{})
	ok := o.post("leave", func() {
		o.leaveReplies = append(o.leaveReplies, ch)
		if o.State().Terminal() || o.State() == core.StateLeaving {
			return
		}
		o.teardown(core.StateTerminated, nil)
	})
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-o.done.Watch():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail ends the session on an unrecoverable error.
func (o *Orchestrator) fail(op string, err error) {
	o.teardown(core.StateTerminated, &core.SessionError{Op: op, Err: err})
}

// reject moves a live session to Rejected once.
func (o *Orchestrator) reject(se core.SessionError) {
	s := o.State()
	if s.Terminal() || s == core.StateLeaving {
		return
	}
	o.teardown(core.StateRejected, &se)
}

// teardown stops media, closes every call, the endpoint and signaling, then
// enters the final state.
func (o *Orchestrator) teardown(final core.State, sessErr *core.SessionError) {
	if final == core.StateTerminated && sessErr == nil {
		o.setState(core.StateLeaving, nil)
	}

	if o.endLife != nil {
		o.endLife()
	}
	if o.cancelTicker != nil {
		o.cancelTicker()
	}
	for id, t := range o.dialTimers {
		t.Stop()
		delete(o.dialTimers, id)
	}
	o.stopShareWatch()
	if o.media != nil {
		o.media.Stop()
	}
	o.closeAllCalls()
	for id, tile := range o.Registry.Tiles() {
		o.Registry.DropTile(id)
		tile.Detach()
	}
	if err := o.endpoint.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("endpoint close")
	}
	if err := o.signal.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("signal close")
	}

	var err error
	if sessErr != nil {
		err = sessErr
		o.runErr = sessErr
	}
	o.setState(final, err)
}
