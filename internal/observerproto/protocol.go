package observerproto

import "undercity.gg/internal/protocol"

// Version is the observer protocol version (separate from the player WS protocol).
const Version = "0.1"

// Client -> Server. First message on the observer WS connection; one
// followed player per connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id"`

	Known  bool  `json:"known"`
	Online bool  `json:"online"`
	Cash   int64 `json:"cash"`
	Heat   int64 `json:"heat"`
	Level  int64 `json:"level"`
	Energy int64 `json:"energy"`
	Unread int   `json:"unread"`

	ActiveOpportunities int `json:"active_opportunities"`
	ActiveChains        int `json:"active_chains"`
}

// Server -> Client. One engine event for the followed player.
type EventMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	PlayerID        string         `json:"player_id"`
	Event           protocol.Event `json:"event"`
}
