package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	fcore "github.com/frostbyte73/core"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

var (
	ErrIDTaken    = errors.New("endpoint id taken")
	ErrInvalidKey = errors.New("invalid broker key")
)

const (
	writeWait         = 5 * time.Second
	openWait          = 10 * time.Second
	heartbeatInterval = 5 * time.Second
	maxMessageSize    = 1 << 20
)

type PeerOptions struct {
	Host   string
	Port   int
	Path   string
	Secure bool
	Key    string
	// ID requests a fixed id instead of asking the broker for one.
	ID         string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

func (o PeerOptions) base(scheme string) string {
	if o.Secure {
		scheme += "s"
	}
	path := o.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return fmt.Sprintf("%s://%s%s", scheme, hostPort(o.Host, o.Port), path)
}

func hostPort(host string, port int) string {
	if port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(port)
}

// Endpoint is a PeerJS compatible broker client. Calls are pion peer
// connections negotiated over the broker websocket.
type Endpoint struct {
	opts   PeerOptions
	api    *webrtc.API
	ice    *ICEProvider
	logger zerolog.Logger

	id   domain.EndpointID
	conn *websocket.Conn
	wmu  sync.Mutex

	mu         sync.Mutex
	calls      map[string]*Call
	onIncoming func(core.Call)

	// lmu orders Open's hand-over of the conn against Close.
	lmu    sync.Mutex
	opened atomic.Bool
	closed atomic.Bool
	life   context.Context
	stop   context.CancelFunc
	cancel context.CancelFunc
	done   fcore.Fuse
}

var _ core.Endpoint = (*Endpoint)(nil)

func NewEndpoint(api *webrtc.API, ice *ICEProvider, opts PeerOptions) *Endpoint {
	if opts.Key == "" {
		opts.Key = "peerjs"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: openWait}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: openWait}
	}
	e := &Endpoint{
		opts:   opts,
		api:    api,
		ice:    ice,
		logger: log.With().Str("module", "adapters.rtc").Logger(),
		calls:  make(map[string]*Call),
	}
	e.life, e.stop = context.WithCancel(context.Background())
	ice.OnChange(e.updateICE)
	return e
}

func (e *Endpoint) ID() domain.EndpointID { return e.id }

func (e *Endpoint) OnIncomingCall(fn func(core.Call)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onIncoming = fn
}

// Open obtains an id, connects to the broker and waits for OPEN.
func (e *Endpoint) Open(ctx context.Context) (domain.EndpointID, error) {
	if e.closed.Load() {
		return "", core.ErrEndpointClosed
	}
	if e.opened.Load() {
		return e.id, nil
	}
	ctx, cancel := context.WithTimeout(ctx, openWait)
	defer cancel()
	unlink := context.AfterFunc(e.life, cancel)
	defer unlink()

	id := e.opts.ID
	if id == "" {
		var err error
		if id, err = e.requestID(ctx); err != nil {
			return "", fmt.Errorf("request id: %w", err)
		}
	}

	q := url.Values{}
	q.Set("key", e.opts.Key)
	q.Set("id", id)
	q.Set("token", uuid.NewString())
	wsURL := e.opts.base("ws") + "peerjs?" + q.Encode()

	conn, _, err := e.opts.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if e.closed.Load() {
			return "", core.ErrEndpointClosed
		}
		return "", fmt.Errorf("dial broker: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	if err := awaitOpen(ctx, conn); err != nil {
		_ = conn.Close()
		if e.closed.Load() {
			return "", core.ErrEndpointClosed
		}
		return "", err
	}

	e.lmu.Lock()
	defer e.lmu.Unlock()
	if e.closed.Load() {
		_ = conn.Close()
		return "", core.ErrEndpointClosed
	}
	e.id = domain.EndpointID(id)
	e.conn = conn
	e.logger = e.logger.With().Str("local", id).Logger()
	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	e.cancel = pumpCancel
	e.opened.Store(true)
	e.logger.Info().Msg("endpoint open")

	go e.heartbeat(pumpCtx)
	go e.readPump(pumpCtx)
	return e.id, nil
}

func (e *Endpoint) requestID(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s%s/id?ts=%d", e.opts.base("http"), e.opts.Key, time.Now().UnixMilli())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broker returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(body))
	if id == "" {
		return "", errors.New("broker returned an empty id")
	}
	return id, nil
}

// awaitOpen reads until OPEN or a broker refusal. Cancelling ctx unblocks the
// read.
func awaitOpen(ctx context.Context, conn *websocket.Conn) error {
	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("await open: %w", ctx.Err())
			}
			return fmt.Errorf("await open: %w", err)
		}
		m, err := decodeMessage(data)
		if err != nil {
			continue
		}
		switch m.Type {
		case msgOpen:
			return conn.SetReadDeadline(time.Time{})
		case msgIDTaken:
			return ErrIDTaken
		case msgInvalidKey:
			return ErrInvalidKey
		case msgError:
			return fmt.Errorf("broker error: %s", errorMessage(m))
		}
	}
}

// Call places an outgoing call. Negotiation continues in the background.
func (e *Endpoint) Call(remote domain.EndpointID, local core.LocalStream) (core.Call, error) {
	if !e.opened.Load() || e.closed.Load() {
		return nil, core.ErrEndpointClosed
	}
	c, err := e.newCall(remote, "mc_"+gonanoid.Must(), core.Outbound)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := c.offer(local); err != nil {
			c.terminate(fmt.Errorf("offer: %w", err))
		}
	}()
	return c, nil
}

func (e *Endpoint) newCall(remote domain.EndpointID, connID string, dir core.Direction) (*Call, error) {
	pc, err := e.api.NewPeerConnection(e.ice.Configuration())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := newCall(e, pc, remote, connID, dir)
	e.mu.Lock()
	e.calls[connID] = c
	e.mu.Unlock()
	return c, nil
}

func (e *Endpoint) removeCall(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.calls, connID)
}

func (e *Endpoint) lookup(connID string) *Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[connID]
}

func (e *Endpoint) callsOf(remote domain.EndpointID) []*Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Call
	for _, c := range e.calls {
		if remote == "" || c.remote == remote {
			out = append(out, c)
		}
	}
	return out
}

func (e *Endpoint) send(typ string, dst domain.EndpointID, payload any) error {
	if !e.opened.Load() || e.closed.Load() {
		return core.ErrEndpointClosed
	}
	data, err := encodeMessage(typ, string(dst), payload)
	if err != nil {
		return err
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if err := e.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

func (e *Endpoint) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.send(msgHeartbeat, "", nil); err != nil {
				e.logger.Debug().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

func (e *Endpoint) readPump(ctx context.Context) {
	defer e.done.Break()
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !e.closed.Load() {
				e.logger.Error().Err(err).Msg("broker connection lost")
				for _, c := range e.callsOf("") {
					c.terminate(fmt.Errorf("broker lost: %w", err))
				}
			}
			return
		}
		m, err := decodeMessage(data)
		if err != nil {
			e.logger.Warn().Err(err).Msg("bad broker message")
			continue
		}
		e.handle(m)
	}
}

func (e *Endpoint) handle(m message) {
	remote := domain.EndpointID(m.Src)
	switch m.Type {
	case msgOffer:
		var p sdpPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil || p.ConnectionID == "" {
			e.logger.Warn().Str("remote", m.Src).Msg("bad offer")
			return
		}
		if c := e.lookup(p.ConnectionID); c != nil {
			c.renegotiate(p.SDP)
			return
		}
		c, err := e.newCall(remote, p.ConnectionID, core.Inbound)
		if err != nil {
			e.logger.Error().Err(err).Str("remote", m.Src).Msg("incoming call failed")
			return
		}
		c.setOffer(p.SDP)
		e.mu.Lock()
		fn := e.onIncoming
		e.mu.Unlock()
		if fn == nil {
			_ = c.Close()
			return
		}
		fn(c)

	case msgAnswer:
		var p sdpPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			e.logger.Warn().Str("remote", m.Src).Msg("bad answer")
			return
		}
		if c := e.lookup(p.ConnectionID); c != nil {
			c.setAnswer(p.SDP)
		}

	case msgCandidate:
		var p candidatePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			e.logger.Warn().Str("remote", m.Src).Msg("bad candidate")
			return
		}
		if c := e.lookup(p.ConnectionID); c != nil {
			c.addCandidate(p.Candidate)
		} else {
			e.logger.Debug().Str("remote", m.Src).Str("connection", p.ConnectionID).Msg("candidate for unknown connection")
		}

	case msgLeave, msgExpire:
		for _, c := range e.callsOf(remote) {
			c.terminate(nil)
		}

	case msgError:
		e.logger.Warn().Str("msg", errorMessage(m)).Msg("broker error")

	case msgOpen, msgHeartbeat:
	default:
		e.logger.Debug().Str("type", m.Type).Msg("unhandled broker message")
	}
}

// updateICE pushes rotated ICE servers to every live call.
func (e *Endpoint) updateICE(cfg webrtc.Configuration) {
	for _, c := range e.callsOf("") {
		if err := c.pc.SetConfiguration(cfg); err != nil {
			c.logger.Warn().Err(err).Msg("failed to apply ice servers")
		}
	}
}

// Close closes every call and the broker connection.
func (e *Endpoint) Close() error {
	e.lmu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.lmu.Unlock()
		return nil
	}
	opened := e.opened.Load()
	e.lmu.Unlock()
	e.stop()

	for _, c := range e.callsOf("") {
		_ = c.Close()
	}
	if !opened {
		return nil
	}
	e.cancel()
	e.wmu.Lock()
	_ = e.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	e.wmu.Unlock()
	err := e.conn.Close()
	<-e.done.Watch()
	e.logger.Info().Msg("endpoint closed")
	return err
}
