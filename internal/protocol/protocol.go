package protocol

import "encoding/json"

const Version = "1.0"

// Envelope types.
const (
	EnvSend           = "send"
	EnvReceive        = "receive"
	EnvAck            = "ack"
	EnvPresence       = "presence"
	EnvPresenceUpdate = "presence_update"
	EnvPing           = "ping"
	EnvPong           = "pong"
	EnvAuth           = "auth"
	EnvError          = "error"
)

// Envelope is the wire frame for everything crossing the socket.
// Payload stays raw so unknown JSON can be routed by type first.
type Envelope struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	TimestampMs     int64           `json:"timestamp"`
	SenderID        string          `json:"sender_id,omitempty"`
	Token           string          `json:"token,omitempty"`
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

// NewEnvelope marshals payload into a frame. A nil payload is allowed
// (ping/pong carry none).
func NewEnvelope(typ string, payload any, nowMs int64) (Envelope, error) {
	e := Envelope{Type: typ, ProtocolVersion: Version, TimestampMs: nowMs}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return e, err
		}
		e.Payload = raw
	}
	return e, nil
}

// Event is a loosely-typed notification emitted by the engine to
// presentation-layer subscribers.
type Event map[string]interface{}
