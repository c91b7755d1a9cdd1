package rtc

import (
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
)

// Broker message types.
const (
	msgOpen       = "OPEN"
	msgError      = "ERROR"
	msgIDTaken    = "ID-TAKEN"
	msgInvalidKey = "INVALID-KEY"
	msgLeave      = "LEAVE"
	msgExpire     = "EXPIRE"
	msgOffer      = "OFFER"
	msgAnswer     = "ANSWER"
	msgCandidate  = "CANDIDATE"
	msgHeartbeat  = "HEARTBEAT"
)

const connectionMedia = "media"

type message struct {
	Type    string          `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type sdpPayload struct {
	SDP          webrtc.SessionDescription `json:"sdp"`
	Type         string                    `json:"type"`
	ConnectionID string                    `json:"connectionId"`
}

type candidatePayload struct {
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
	Type         string                  `json:"type"`
	ConnectionID string                  `json:"connectionId"`
}

type errorPayload struct {
	Msg string `json:"msg"`
}

func encodeMessage(typ, dst string, payload any) ([]byte, error) {
	m := message{Type: typ, Dst: dst}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Payload = raw
	}
	return json.Marshal(m)
}

func decodeMessage(data []byte) (message, error) {
	var m message
	err := json.Unmarshal(data, &m)
	return m, err
}

// errorMessage extracts the broker's error text, falling back to the type.
func errorMessage(m message) string {
	var p errorPayload
	if len(m.Payload) > 0 && json.Unmarshal(m.Payload, &p) == nil && p.Msg != "" {
		return p.Msg
	}
	return m.Type
}
