package protocol

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Message types.
const (
	MsgOpportunity  = "opportunity"
	MsgChat         = "chat"
	MsgSystem       = "system"
	MsgNPC          = "npc"
	MsgPlayer       = "player"
	MsgNarrator     = "narrator"
	MsgNotification = "notification"
	MsgTrade        = "trade"
	MsgAlliance     = "alliance"
)

var knownMsgTypes = map[string]struct{}{
	MsgOpportunity: {}, MsgChat: {}, MsgSystem: {}, MsgNPC: {}, MsgPlayer: {},
	MsgNarrator: {}, MsgNotification: {}, MsgTrade: {}, MsgAlliance: {},
}

// Entity kinds.
const (
	KindSelf     = "self"
	KindNPC      = "npc"
	KindSystem   = "system"
	KindNarrator = "narrator"
	KindPlayer   = "external-player"
	KindServer   = "server"
)

// Priority orders delivery tie-breaks only; lower value = more urgent.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// Read status, monotonic.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// EntityRef identifies a counterparty. Identification only, never ownership.
type EntityRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
}

type Content struct {
	Text     string         `json:"text,omitempty"`
	Template string         `json:"template,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func (c Content) Empty() bool {
	return c.Text == "" && c.Template == "" && len(c.Data) == 0
}

// MessageAction is a response the recipient may take (accept, decline, ...).
type MessageAction struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
}

type Message struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	From        EntityRef         `json:"from"`
	To          EntityRef         `json:"to"`
	Content     Content           `json:"content"`
	Meta        map[string]string `json:"meta,omitempty"`
	Actions     []MessageAction   `json:"actions,omitempty"`
	Priority    Priority          `json:"priority"`
	CreatedAtMs int64             `json:"created_at_ms"`
	ExpiresAtMs int64             `json:"expires_at_ms,omitempty"`
	ThreadID    string            `json:"thread_id,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Status      string            `json:"status"`
}

type Config struct {
	ID       string
	Type     string
	From     EntityRef
	To       EntityRef
	Content  Content
	Meta     map[string]string
	Actions  []MessageAction
	Priority Priority
	NowMs    int64
	ExpiryMs int64 // absolute, 0 = never
	ThreadID string
	ReplyTo  string
}

var nextMsgNum atomic.Uint64

// NewMessageID allocates a process-local id. Engines that need stable
// per-player sequences pass their own ids through Config instead.
func NewMessageID() string {
	return fmt.Sprintf("MSG%06d", nextMsgNum.Add(1))
}

// New builds an immutable Message. Sender and content are mandatory.
func New(cfg Config) (Message, Result) {
	if cfg.From.ID == "" {
		return Message{}, Fail(ErrValidation, "sender required")
	}
	if cfg.Content.Empty() {
		return Message{}, Fail(ErrValidation, "content required")
	}
	typ := cfg.Type
	if typ == "" {
		typ = MsgSystem
	}
	if _, ok := knownMsgTypes[typ]; !ok {
		return Message{}, Fail(ErrValidation, "unknown message type: "+typ)
	}
	id := cfg.ID
	if id == "" {
		id = NewMessageID()
	}
	m := Message{
		ID:          id,
		Type:        typ,
		From:        cfg.From,
		To:          cfg.To,
		Content:     copyContent(cfg.Content),
		Meta:        copyMeta(cfg.Meta),
		Actions:     append([]MessageAction(nil), cfg.Actions...),
		Priority:    cfg.Priority,
		CreatedAtMs: cfg.NowMs,
		ExpiresAtMs: cfg.ExpiryMs,
		ThreadID:    cfg.ThreadID,
		ReplyTo:     cfg.ReplyTo,
		Status:      StatusPending,
	}
	return m, Ok()
}

// MarkDelivered returns an updated copy. Status never regresses: a READ
// message stays READ.
func MarkDelivered(m Message) Message {
	if m.Status == StatusPending {
		m.Status = StatusDelivered
	}
	return m
}

// MarkRead returns an updated copy; idempotent.
func MarkRead(m Message) Message {
	m.Status = StatusRead
	return m
}

func IsExpired(m Message, nowMs int64) bool {
	return m.ExpiresAtMs > 0 && nowMs >= m.ExpiresAtMs
}

func RequiresAction(m Message) bool { return len(m.Actions) > 0 }

// Validate checks structural invariants on a decoded message.
func Validate(m Message) Result {
	if m.ID == "" {
		return Fail(ErrValidation, "missing id")
	}
	if m.From.ID == "" {
		return Fail(ErrValidation, "missing sender")
	}
	if m.Content.Empty() {
		return Fail(ErrValidation, "missing content")
	}
	if _, ok := knownMsgTypes[m.Type]; !ok {
		return Fail(ErrValidation, "unknown message type: "+m.Type)
	}
	if m.Priority < PriorityUrgent || m.Priority > PriorityBackground {
		return Fail(ErrValidation, "priority out of range")
	}
	switch m.Status {
	case StatusPending, StatusDelivered, StatusRead:
	default:
		return Fail(ErrValidation, "unknown status: "+m.Status)
	}
	return Ok()
}

func Encode(m Message) ([]byte, error) { return json.Marshal(m) }

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, err
	}
	if res := Validate(m); !res.OK {
		return Message{}, fmt.Errorf("decode message: %s", res.Message)
	}
	return m, nil
}

func copyContent(c Content) Content {
	if c.Data == nil {
		return c
	}
	d := make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		d[k] = v
	}
	c.Data = d
	return c
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
