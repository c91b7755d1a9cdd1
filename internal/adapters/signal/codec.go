package signal

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// engine.io v4 packet types
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// socket.io v5 packet types, carried inside engine messages
const (
	socketConnect      byte = '0'
	socketDisconnect   byte = '1'
	socketEvent        byte = '2'
	socketAck          byte = '3'
	socketConnectError byte = '4'
)

var errEmptyPacket = errors.New("empty packet")

type packet struct {
	Engine byte
	Socket byte
	Event  string
	Data   json.RawMessage
}

func decodePacket(b []byte) (packet, error) {
	if len(b) == 0 {
		return packet{}, errEmptyPacket
	}
	p := packet{Engine: b[0]}
	rest := b[1:]
	if p.Engine != engineMessage {
		if len(rest) > 0 {
			p.Data = json.RawMessage(rest)
		}
		return p, nil
	}
	if len(rest) == 0 {
		return p, fmt.Errorf("message without socket type")
	}
	p.Socket = rest[0]
	rest = rest[1:]
	// namespaces other than "/" are prefixed as "/chat,"
	if len(rest) > 0 && rest[0] == '/' {
		if i := bytes.IndexByte(rest, ','); i >= 0 {
			rest = rest[i+1:]
		} else {
			rest = nil
		}
	}

	switch p.Socket {
	case socketEvent, socketAck:
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		var args []json.RawMessage
		if err := json.Unmarshal(rest[i:], &args); err != nil {
			return p, fmt.Errorf("bad event args: %w", err)
		}
		if p.Socket == socketAck {
			if len(args) > 0 {
				p.Data = args[0]
			}
			return p, nil
		}
		if len(args) == 0 {
			return p, fmt.Errorf("event without name")
		}
		if err := json.Unmarshal(args[0], &p.Event); err != nil {
			return p, fmt.Errorf("bad event name: %w", err)
		}
		if len(args) > 1 {
			p.Data = args[1]
		}
	default:
		if len(rest) > 0 {
			p.Data = json.RawMessage(rest)
		}
	}
	return p, nil
}

// encodeEvent frames an event as 42["name",payload].
func encodeEvent(name string, payload any) ([]byte, error) {
	args := []any{name}
	if payload != nil {
		args = append(args, payload)
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return append([]byte{engineMessage, socketEvent}, b...), nil
}

var (
	frameConnect    = []byte{engineMessage, socketConnect}
	frameDisconnect = []byte{engineMessage, socketDisconnect}
	framePong       = []byte{enginePong}
)

type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

type connectErrorPayload struct {
	Message string `json:"message"`
}
