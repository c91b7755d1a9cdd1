package signal

import (
	"errors"

	"github.com/dkeye/meshroom/internal/core"
)

var errServerDisconnect = errors.New("server closed the namespace")

func (c *Client) handlePacket(s *wsConn, data []byte) error {
	p, err := decodePacket(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("bad packet")
		return nil
	}

	switch p.Engine {
	case enginePing:
		return s.write(framePong)
	case engineClose:
		return errServerDisconnect
	case engineNoop, enginePong, engineUpgrade:
		return nil
	case engineMessage:
	default:
		c.logger.Warn().Str("type", string(p.Engine)).Msg("unknown engine packet")
		return nil
	}

	switch p.Socket {
	case socketEvent:
		c.logger.Debug().Str("event", p.Event).Msg("event")
		c.dispatch(p.Event, p.Data)
	case socketDisconnect:
		return errServerDisconnect
	case socketConnectError:
		c.dispatch(core.EventConnectError, p.Data)
		return errServerDisconnect
	case socketConnect, socketAck:
	default:
		c.logger.Warn().Str("type", string(p.Socket)).Msg("unknown socket packet")
	}
	return nil
}
