package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

// broker is a minimal PeerJS server: it hands out ids and relays messages
// by destination.
type broker struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	next  int
	conns map[string]*brokerConn
	taken map[string]bool

	// openDelay holds OPEN back; ended receives the id of every socket the
	// broker sees go away.
	openDelay time.Duration
	ended     chan string
}

type brokerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (b *brokerConn) write(v any) {
	data, _ := json.Marshal(v)
	b.wmu.Lock()
	defer b.wmu.Unlock()
	_ = b.conn.WriteMessage(websocket.TextMessage, data)
}

func newBroker(t *testing.T) (*broker, *httptest.Server) {
	b := &broker{t: t, conns: map[string]*brokerConn{}, taken: map[string]bool{}, ended: make(chan string, 8)}
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *broker) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/peerjs/id":
		b.mu.Lock()
		b.next++
		id := "peer-" + strconv.Itoa(b.next)
		b.mu.Unlock()
		_, _ = w.Write([]byte(id))
	case "/peerjs":
		id := r.URL.Query().Get("id")
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		bc := &brokerConn{conn: conn}
		b.mu.Lock()
		if b.taken[id] {
			b.mu.Unlock()
			bc.write(message{Type: msgIDTaken})
			_ = conn.Close()
			return
		}
		b.conns[id] = bc
		b.mu.Unlock()
		defer func() {
			_ = conn.Close()
			select {
			case b.ended <- id:
			default:
			}
		}()
		if b.openDelay > 0 {
			time.Sleep(b.openDelay)
		}
		bc.write(message{Type: msgOpen})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m, err := decodeMessage(data)
			if err != nil || m.Type == msgHeartbeat {
				continue
			}
			m.Src = id
			b.mu.Lock()
			dst := b.conns[m.Dst]
			b.mu.Unlock()
			if dst != nil {
				dst.write(m)
			}
		}
	default:
		http.NotFound(w, r)
	}
}

func (b *broker) push(id string, m message) {
	b.mu.Lock()
	c := b.conns[id]
	b.mu.Unlock()
	require.NotNil(b.t, c)
	c.write(m)
}

func peerOptions(t *testing.T, srv *httptest.Server) PeerOptions {
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return PeerOptions{Host: u.Hostname(), Port: port, Path: "/", Key: "peerjs"}
}

func newTestEndpoint(t *testing.T, opts PeerOptions) *Endpoint {
	api, err := NewAPI(zerolog.Disabled)
	require.NoError(t, err)
	ep := NewEndpoint(api, NewICEProvider(ICEOptions{}), opts)
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

type testStream struct {
	audio, video *webrtc.TrackLocalStaticSample
}

func newTestStream(t *testing.T) *testStream {
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	require.NoError(t, err)
	return &testStream{audio: audio, video: video}
}

func (s *testStream) ID() string { return "local" }
func (s *testStream) AudioTrack() webrtc.TrackLocal { return s.audio }
func (s *testStream) VideoTrack() webrtc.TrackLocal { return s.video }

func TestMessageCodec(t *testing.T) {
	data, err := encodeMessage(msgOffer, "B2", sdpPayload{
		SDP:          webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
		Type:         connectionMedia,
		ConnectionID: "mc_1",
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"OFFER","dst":"B2","payload":{"sdp":{"type":"offer","sdp":"v=0"},"type":"media","connectionId":"mc_1"}}`, string(data))

	m, err := decodeMessage([]byte(`{"type":"ERROR","payload":{"msg":"boom"}}`))
	require.NoError(t, err)
	require.Equal(t, "boom", errorMessage(m))
	require.Equal(t, msgLeave, errorMessage(message{Type: msgLeave}))
}

func TestICEProvider(t *testing.T) {
	t.Run("static", func(t *testing.T) {
		p := NewICEProvider(ICEOptions{
			STUN:           []string{"stun:stun.example.org:19302"},
			TURNURLs:       []string{"turn:turn.example.org:3478?transport=udp"},
			TURNUsername:   "u",
			TURNCredential: "p",
			ForceRelay:     true,
		})
		cfg := p.Configuration()
		require.Len(t, cfg.ICEServers, 2)
		require.Equal(t, "u", cfg.ICEServers[1].Username)
		require.Equal(t, webrtc.ICETransportPolicyRelay, cfg.ICETransportPolicy)
		require.NoError(t, p.Refresh(context.Background()))
	})

	t.Run("credentials endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"iceServers":[{"urls":"stun:h:3478"},{"urls":["turn:h:3478"],"username":"x","credential":"y"}]}`))
		}))
		defer srv.Close()

		p := NewICEProvider(ICEOptions{STUN: []string{"stun:static:19302"}, CredentialsURL: srv.URL})
		changed := make(chan webrtc.Configuration, 1)
		p.OnChange(func(cfg webrtc.Configuration) { changed <- cfg })

		require.NoError(t, p.Refresh(context.Background()))
		cfg := <-changed
		require.Len(t, cfg.ICEServers, 2)
		require.Equal(t, []string{"stun:h:3478"}, cfg.ICEServers[0].URLs)
		require.Equal(t, "x", cfg.ICEServers[1].Username)
	})

	t.Run("endpoint failure keeps static", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		p := NewICEProvider(ICEOptions{STUN: []string{"stun:static:19302"}, CredentialsURL: srv.URL})
		require.Error(t, p.Refresh(context.Background()))
		require.Equal(t, []string{"stun:static:19302"}, p.Configuration().ICEServers[0].URLs)
	})

	t.Run("failed probe keeps current", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"iceServers":[{"urls":"turn:h:3478","username":"x","credential":"y"}]}`))
		}))
		defer srv.Close()

		p := NewICEProvider(ICEOptions{STUN: []string{"stun:static:19302"}, CredentialsURL: srv.URL, ProbeTURN: true})
		p.probe = func(context.Context, []webrtc.ICEServer) error { return errors.New("401") }
		require.Error(t, p.Refresh(context.Background()))
		require.Equal(t, []string{"stun:static:19302"}, p.Configuration().ICEServers[0].URLs)

		p.probe = func(context.Context, []webrtc.ICEServer) error { return nil }
		require.NoError(t, p.Refresh(context.Background()))
		require.Equal(t, []string{"turn:h:3478"}, p.Configuration().ICEServers[0].URLs)
	})

	t.Run("run without endpoint returns", func(t *testing.T) {
		require.NoError(t, NewICEProvider(ICEOptions{}).Run(context.Background()))
	})
}

func TestUDPTURNAddr(t *testing.T) {
	addr, ok := udpTURNAddr("turn:h.example:3478?transport=udp")
	require.True(t, ok)
	require.Equal(t, "h.example:3478", addr)

	addr, ok = udpTURNAddr("turn:h.example")
	require.True(t, ok)
	require.Equal(t, "h.example:3478", addr)

	_, ok = udpTURNAddr("turn:h.example:3478?transport=tcp")
	require.False(t, ok)
	_, ok = udpTURNAddr("turns:h.example:5349?transport=tcp")
	require.False(t, ok)
	require.ErrorIs(t, probeTURN(context.Background(), []webrtc.ICEServer{{URLs: []string{"stun:h:1"}}}), ErrNoTURN)
}

func TestEndpointOpen(t *testing.T) {
	t.Run("broker assigned id", func(t *testing.T) {
		_, srv := newBroker(t)
		ep := newTestEndpoint(t, peerOptions(t, srv))
		id, err := ep.Open(context.Background())
		require.NoError(t, err)
		require.Equal(t, domain.EndpointID("peer-1"), id)
		require.Equal(t, id, ep.ID())

		again, err := ep.Open(context.Background())
		require.NoError(t, err)
		require.Equal(t, id, again)
	})

	t.Run("fixed id", func(t *testing.T) {
		_, srv := newBroker(t)
		opts := peerOptions(t, srv)
		opts.ID = "A1"
		id, err := newTestEndpoint(t, opts).Open(context.Background())
		require.NoError(t, err)
		require.Equal(t, domain.EndpointID("A1"), id)
	})

	t.Run("id taken", func(t *testing.T) {
		b, srv := newBroker(t)
		b.taken["A1"] = true
		opts := peerOptions(t, srv)
		opts.ID = "A1"
		_, err := newTestEndpoint(t, opts).Open(context.Background())
		require.ErrorIs(t, err, ErrIDTaken)
	})

	t.Run("closed", func(t *testing.T) {
		_, srv := newBroker(t)
		ep := newTestEndpoint(t, peerOptions(t, srv))
		require.NoError(t, ep.Close())
		_, err := ep.Open(context.Background())
		require.ErrorIs(t, err, core.ErrEndpointClosed)
		_, err = ep.Call("B2", nil)
		require.ErrorIs(t, err, core.ErrEndpointClosed)
	})
}

func TestEndpointCloseDuringOpen(t *testing.T) {
	b, srv := newBroker(t)
	b.openDelay = 300 * time.Millisecond
	opts := peerOptions(t, srv)
	opts.ID = "A1"
	ep := newTestEndpoint(t, opts)

	result := make(chan error, 1)
	go func() {
		_, err := ep.Open(context.Background())
		result <- err
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, ep.Close())

	select {
	case err := <-result:
		require.ErrorIs(t, err, core.ErrEndpointClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return after Close")
	}
	require.False(t, ep.opened.Load())

	select {
	case id := <-b.ended:
		require.Equal(t, "A1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("broker socket left open")
	}
}

func TestEndpointCallNegotiation(t *testing.T) {
	b, srv := newBroker(t)
	optsA := peerOptions(t, srv)
	optsA.ID = "A1"
	optsB := peerOptions(t, srv)
	optsB.ID = "B2"

	a := newTestEndpoint(t, optsA)
	bEp := newTestEndpoint(t, optsB)
	_, err := a.Open(context.Background())
	require.NoError(t, err)
	_, err = bEp.Open(context.Background())
	require.NoError(t, err)

	incoming := make(chan core.Call, 1)
	bEp.OnIncomingCall(func(c core.Call) { incoming <- c })

	out, err := a.Call("B2", newTestStream(t))
	require.NoError(t, err)
	require.Equal(t, core.Outbound, out.Direction())
	require.Equal(t, domain.EndpointID("A1"), out.Caller())

	var in core.Call
	select {
	case in = <-incoming:
	case <-time.After(5 * time.Second):
		t.Fatal("no incoming call")
	}
	require.Equal(t, domain.EndpointID("A1"), in.RemoteID())
	require.Equal(t, domain.EndpointID("A1"), in.Caller())
	require.Equal(t, core.Inbound, in.Direction())

	require.NoError(t, in.Answer(newTestStream(t)))
	require.NoError(t, in.Answer(newTestStream(t)))

	outCall := out.(*Call)
	require.Eventually(t, func() bool {
		return outCall.pc.RemoteDescription() != nil
	}, 5*time.Second, 20*time.Millisecond)

	replacement, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "local")
	require.NoError(t, err)
	require.NoError(t, out.ReplaceVideoTrack(replacement))

	t.Run("leave closes calls of the remote", func(t *testing.T) {
		closed := make(chan struct{})
		in.OnClose(func() { close(closed) })
		b.push("B2", message{Type: msgLeave, Src: "A1"})
		select {
		case <-closed:
		case <-time.After(5 * time.Second):
			t.Fatal("call not closed on LEAVE")
		}
		require.Empty(t, bEp.callsOf("A1"))
	})

	t.Run("close does not fire OnClose", func(t *testing.T) {
		fired := make(chan struct{}, 1)
		out.OnClose(func() { fired <- struct{}{} })
		require.NoError(t, out.Close())
		select {
		case <-fired:
			t.Fatal("OnClose fired after Close")
		case <-time.After(200 * time.Millisecond):
		}
		require.Empty(t, a.callsOf("B2"))
	})
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	_, srv := newBroker(t)
	opts := peerOptions(t, srv)
	opts.ID = "A1"
	ep := newTestEndpoint(t, opts)
	_, err := ep.Open(context.Background())
	require.NoError(t, err)

	c, err := ep.newCall("B2", "mc_test", core.Inbound)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.addCandidate(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 9 typ host", i, i+1)})
	}
	c.mu.Lock()
	require.Len(t, c.pending, 3)
	c.mu.Unlock()

	err = c.Answer(nil)
	require.Error(t, err, "no offer yet")
}
