package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meshroom/internal/core"
)

type serverConn struct {
	ws   *websocket.Conn
	recv chan string
}

func (c *serverConn) send(t *testing.T, msg string) {
	t.Helper()
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// expect waits for the next client frame that is not a pong.
func (c *serverConn) expect(t *testing.T) string {
	t.Helper()
	select {
	case m := <-c.recv:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no frame from client")
		return ""
	}
}

type fakeServer struct {
	srv    *httptest.Server
	conns  chan *serverConn
	reject string
}

func newFakeServer(t *testing.T, reject string) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *serverConn, 4), reject: reject}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("EIO") != "4" || r.URL.Path != "/socket.io/" {
			http.Error(w, "bad handshake", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"e1","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))
		_, data, err := ws.ReadMessage()
		if err != nil || string(data) != "40" {
			_ = ws.Close()
			return
		}
		if fs.reject != "" {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`44{"message":"`+fs.reject+`"}`))
			_ = ws.Close()
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"s1"}`))
		sc := &serverConn{ws: ws, recv: make(chan string, 32)}
		go func() {
			defer close(sc.recv)
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				sc.recv <- string(data)
			}
		}()
		fs.conns <- sc
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func collect(c *Client) chan core.SignalEvent {
	events := make(chan core.SignalEvent, 64)
	c.OnEvent(func(ev core.SignalEvent) { events <- ev })
	return events
}

func waitEvent(t *testing.T, events chan core.SignalEvent, name string) core.SignalEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", name)
			return core.SignalEvent{}
		}
	}
}

func TestClientRoundTrip(t *testing.T) {
	fs := newFakeServer(t, "")
	c, err := NewClient(fs.srv.URL, Options{})
	require.NoError(t, err)
	events := collect(c)

	// queued before the channel exists
	require.NoError(t, c.Emit(core.EventJoinRoom, core.JoinRoomPayload{LocalEndpointID: "A1", UserID: "u1", Room: "101"}))

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	sc := fs.accept(t)
	waitEvent(t, events, core.EventConnect)
	require.True(t, c.IsConnected())

	p, err := decodePacket([]byte(sc.expect(t)))
	require.NoError(t, err)
	require.Equal(t, core.EventJoinRoom, p.Event)
	require.JSONEq(t, `{"localEndpointId":"A1","userId":"u1","room":"101","displayName":""}`, string(p.Data))

	sc.send(t, `42["user-connected",{"remoteEndpointId":"B2","displayName":"Bob"}]`)
	ev := waitEvent(t, events, core.EventUserConnected)
	require.JSONEq(t, `{"remoteEndpointId":"B2","displayName":"Bob"}`, string(ev.Data))

	sc.send(t, "2")
	require.Equal(t, "3", sc.expect(t))

	require.NoError(t, c.Close())
	require.Equal(t, "41", sc.expect(t))
	require.ErrorIs(t, c.Emit(core.EventRaiseHand, nil), ErrClosed)
}

func TestClientReconnects(t *testing.T) {
	fs := newFakeServer(t, "")
	c, err := NewClient(fs.srv.URL, Options{MaxBackoff: time.Second})
	require.NoError(t, err)
	events := collect(c)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	first := fs.accept(t)
	waitEvent(t, events, core.EventConnect)

	// server drops the transport
	_ = first.ws.Close()
	waitEvent(t, events, core.EventDisconnect)

	second := fs.accept(t)
	waitEvent(t, events, core.EventConnect)

	require.NoError(t, c.Emit(core.EventChatMessage, core.ChatPayload{Text: "hi"}))
	p, err := decodePacket([]byte(second.expect(t)))
	require.NoError(t, err)
	require.Equal(t, core.EventChatMessage, p.Event)
}

func TestClientNamespaceRejected(t *testing.T) {
	fs := newFakeServer(t, "not allowed")
	c, err := NewClient(fs.srv.URL, Options{MaxBackoff: time.Second})
	require.NoError(t, err)
	events := collect(c)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ev := waitEvent(t, events, core.EventConnectError)
	require.Contains(t, string(ev.Data), "not allowed")
	require.False(t, c.IsConnected())
}

func TestClientBackpressure(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", Options{QueueSize: 1})
	require.NoError(t, err)
	require.NoError(t, c.Emit(core.EventRaiseHand, nil))
	require.ErrorIs(t, c.Emit(core.EventLowerHand, nil), ErrBackpressure)
}

func TestBuildURL(t *testing.T) {
	u, err := buildURL("https://signal.example.com", "/socket.io/")
	require.NoError(t, err)
	require.Equal(t, "wss://signal.example.com/socket.io/?EIO=4&transport=websocket", u)

	_, err = buildURL("ftp://signal.example.com", "/socket.io/")
	require.Error(t, err)
}
