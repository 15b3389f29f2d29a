package protocol

// Presence states.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceBusy    = "busy"
	PresenceOffline = "offline"
)

// auth (client -> server)
type AuthPayload struct {
	PlayerID    string `json:"player_id"`
	Token       string `json:"token,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
	ClientName  string `json:"client_name,omitempty"`
}

// auth reply (server -> client, payload of an ack to auth)
type AuthOKPayload struct {
	SessionID   string `json:"session_id"`
	PlayerID    string `json:"player_id"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// presence / presence_update
type PresencePayload struct {
	EntityID string `json:"entity_id"`
	Status   string `json:"status"`
}

// ack (either direction)
type AckPayload struct {
	MessageID string `json:"message_id"`
	Accepted  bool   `json:"accepted"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// error (server -> client)
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// receive (client -> server): degraded-mode poll for queued inbound.
type PollReqPayload struct {
	ReqID       string `json:"req_id"`
	SinceCursor uint64 `json:"since_cursor"`
	Limit       int    `json:"limit,omitempty"`
}

type PollItem struct {
	Cursor  uint64  `json:"cursor"`
	Message Message `json:"message"`
}

// receive reply (server -> client)
type PollBatchPayload struct {
	ReqID      string     `json:"req_id"`
	Items      []PollItem `json:"items"`
	NextCursor uint64     `json:"next_cursor"`
}
