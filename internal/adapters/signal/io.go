package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/dkeye/meshroom/internal/core"
)

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (s *wsConn) write(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// session runs one connection until it fails. connected reports whether the
// namespace handshake completed.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.endpoint, c.opts.Header)
	if err != nil {
		c.dispatch(core.EventConnectError, errorData(err))
		return false, fmt.Errorf("dial: %w", err)
	}
	s := &wsConn{conn: conn}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	open, err := c.handshake(s)
	if err != nil {
		c.dispatch(core.EventConnectError, errorData(err))
		return false, err
	}

	c.connected.Store(true)
	c.logger.Info().Str("sid", open.SID).Msg("connected")
	c.dispatch(core.EventConnect, nil)

	sessCtx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := c.writePump(sessCtx, s); err != nil {
			c.logger.Error().Err(err).Msg("writePump write error")
		}
		// unblock the reader
		_ = conn.Close()
	}()

	err = c.readPump(sessCtx, s, open)
	cancel()
	<-writerDone

	c.connected.Store(false)
	c.dispatch(core.EventDisconnect, nil)
	return true, err
}

func (c *Client) handshake(s *wsConn) (openPayload, error) {
	var open openPayload
	if err := s.conn.SetReadDeadline(time.Now().Add(handshakeWait)); err != nil {
		return open, err
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return open, fmt.Errorf("read open: %w", err)
	}
	p, err := decodePacket(data)
	if err != nil || p.Engine != engineOpen {
		return open, fmt.Errorf("expected open packet, got %q", data)
	}
	if err := json.Unmarshal(p.Data, &open); err != nil {
		return open, fmt.Errorf("bad open payload: %w", err)
	}
	if err := s.write(frameConnect); err != nil {
		return open, fmt.Errorf("write connect: %w", err)
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return open, fmt.Errorf("read connect: %w", err)
		}
		p, err := decodePacket(data)
		if err != nil {
			continue
		}
		switch {
		case p.Engine == enginePing:
			if err := s.write(framePong); err != nil {
				return open, err
			}
		case p.Engine == engineMessage && p.Socket == socketConnect:
			return open, nil
		case p.Engine == engineMessage && p.Socket == socketConnectError:
			var ce connectErrorPayload
			_ = json.Unmarshal(p.Data, &ce)
			return open, fmt.Errorf("namespace rejected: %s", ce.Message)
		case p.Engine == engineClose:
			return open, errors.New("closed during handshake")
		}
	}
}

func (c *Client) readPump(ctx context.Context, s *wsConn, open openPayload) error {
	idle := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	if idle <= 0 {
		idle = 45 * time.Second
	}
	go func() {
		<-ctx.Done()
		if c.closed.Load() {
			_ = s.write(frameDisconnect)
		}
		_ = s.conn.Close()
	}()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return err
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := c.handlePacket(s, data); err != nil {
			return err
		}
	}
}

func (c *Client) writePump(ctx context.Context, s *wsConn) error {
	if c.pending != nil {
		if err := s.write(c.pending); err != nil {
			return err
		}
		c.pending = nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-c.send:
			if err := s.write(data); err != nil {
				c.pending = data
				return err
			}
		}
	}
}

func errorData(err error) []byte {
	b, _ := json.Marshal(connectErrorPayload{Message: err.Error()})
	return b
}
