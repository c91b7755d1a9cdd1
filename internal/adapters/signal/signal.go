package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	fcore "github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/dkeye/meshroom/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("signal client closed")
)

const (
	writeWait                = 5 * time.Second
	handshakeWait            = 10 * time.Second
	maxMessageSize           = 1 << 20
	initialReconnectInterval = 300 * time.Millisecond
	defaultMaxBackoff        = 30 * time.Second
	defaultQueueSize         = 64
)

type Options struct {
	// Path defaults to /socket.io/.
	Path       string
	MaxBackoff time.Duration
	QueueSize  int
	Header     http.Header
	Dialer     *websocket.Dialer
}

// Client is a socket.io v4 client over a websocket transport. It keeps
// reconnecting until closed; outgoing events are queued meanwhile.
type Client struct {
	endpoint string
	opts     Options
	logger   zerolog.Logger

	hmu     sync.RWMutex
	onEvent func(core.SignalEvent)

	send      chan []byte
	pending   []byte
	connected atomic.Bool
	closed    atomic.Bool
	started   atomic.Bool
	cancel    context.CancelFunc
	done      fcore.Fuse
}

var _ core.SignalClient = (*Client)(nil)

func NewClient(rawURL string, opts Options) (*Client, error) {
	if opts.Path == "" {
		opts.Path = "/socket.io/"
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeWait}
	}
	endpoint, err := buildURL(rawURL, opts.Path)
	if err != nil {
		return nil, err
	}
	return &Client{
		endpoint: endpoint,
		opts:     opts,
		logger:   log.With().Str("module", "adapters.signal").Logger(),
		send:     make(chan []byte, opts.QueueSize),
	}, nil
}

func buildURL(raw, path string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid signal url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid signal url scheme %q", u.Scheme)
	}
	u.Path = path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) OnEvent(fn func(core.SignalEvent)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onEvent = fn
}

// Connect starts the supervisor and returns immediately.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.supervise(ctx)
	return nil
}

func (c *Client) Emit(event string, payload any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	frame, err := encodeEvent(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

// Close stops reconnecting and closes the current connection. It waits for
// the supervisor to exit.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.started.Load() {
		<-c.done.Watch()
	}
	c.logger.Info().Msg("closed")
	return nil
}

func (c *Client) dispatch(name string, data []byte) {
	c.hmu.RLock()
	fn := c.onEvent
	c.hmu.RUnlock()
	if fn != nil {
		fn(core.SignalEvent{Name: name, Data: data})
	}
}

func (c *Client) supervise(ctx context.Context) {
	defer c.done.Break()
	var reconnectCount int
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			reconnectCount = 0
		}
		reconnectCount++
		delay := time.Duration(reconnectCount*reconnectCount) * initialReconnectInterval
		if delay > c.opts.MaxBackoff {
			delay = c.opts.MaxBackoff
		}
		c.logger.Warn().Err(err).Int("reconnectCount", reconnectCount).Dur("delay", delay).Msg("signal connection lost, reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
