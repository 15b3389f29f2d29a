// Package negotiation implements the multi-party protocols: alliances and
// trades. Both follow Propose -> {Accept, Decline} -> [Confirm] ->
// {Complete, Cancel, Betray}, every step a correlated protocol message.
package negotiation

import (
	"undercity.gg/internal/protocol"
)

// Shared lifecycle states.
const (
	StateProposed  = "proposed"
	StateAccepted  = "accepted"
	StateActive    = "active" // confirmed
	StateStrained  = "strained"
	StateCompleted = "completed"
	StateDeclined  = "declined"
	StateCancelled = "cancelled"
	StateExpired   = "expired"
	StateBetrayed  = "betrayed"
	StateEnded     = "ended" // amicable end, distinct from betrayal
)

func isTerminal(state string) bool {
	switch state {
	case StateCompleted, StateDeclined, StateCancelled, StateExpired, StateBetrayed, StateEnded:
		return true
	}
	return false
}

// Contribution ledgers are append-only.
type Contribution struct {
	By    string `json:"by"`
	Kind  string `json:"kind,omitempty"`
	Value int64  `json:"value"`
	AtMs  int64  `json:"at_ms"`
}

// Hooks route correlated messages and events back through the engine.
type Hooks struct {
	Deliver func(protocol.Message)
	Emit    func(protocol.Event)
}

func (h Hooks) deliver(m protocol.Message) {
	if h.Deliver != nil {
		h.Deliver(m)
	}
}

func (h Hooks) emit(ev protocol.Event) {
	if h.Emit != nil {
		h.Emit(ev)
	}
}

// protocolMessage builds the step message threaded under the negotiation id.
func protocolMessage(msgType string, from, to protocol.EntityRef, text, threadID string, meta map[string]string, nowMs int64) protocol.Message {
	m, _ := protocol.New(protocol.Config{
		Type:     msgType,
		From:     from,
		To:       to,
		Content:  protocol.Content{Text: text},
		Meta:     meta,
		NowMs:    nowMs,
		ThreadID: threadID,
	})
	return m
}
