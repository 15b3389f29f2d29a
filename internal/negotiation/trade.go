package negotiation

import (
	"fmt"

	"undercity.gg/internal/gamestate"
	"undercity.gg/internal/protocol"
	"undercity.gg/internal/relationship"
	"undercity.gg/internal/tuning"
)

type Trade struct {
	ID   string             `json:"id"`
	From protocol.EntityRef `json:"from"`
	To   protocol.EntityRef `json:"to"`

	// Offer is what the proposer gives up, Request what they want back.
	Offer   map[string]int64 `json:"offer,omitempty"`
	Request map[string]int64 `json:"request,omitempty"`

	State string `json:"state"`

	// EscrowReady tracks per-party readiness; completion needs both.
	EscrowReady map[string]bool `json:"escrow_ready,omitempty"`

	// CounterOf references the trade this one replaced.
	CounterOf    string `json:"counter_of,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`

	CreatedAtMs int64 `json:"created_at_ms"`
	ExpiresAtMs int64 `json:"expires_at_ms,omitempty"`
}

// TradeBook owns every trade negotiation the player is party to.
type TradeBook struct {
	cfg   tuning.Negotiation
	rels  *relationship.Tracker
	res   gamestate.Provider
	hooks Hooks

	active  map[string]*Trade
	history []*Trade

	nextNum uint64
}

func NewTradeBook(cfg tuning.Negotiation, rels *relationship.Tracker, res gamestate.Provider, hooks Hooks) *TradeBook {
	return &TradeBook{cfg: cfg, rels: rels, res: res, hooks: hooks, active: map[string]*Trade{}}
}

func (b *TradeBook) Get(id string) (*Trade, bool) {
	t, ok := b.active[id]
	return t, ok
}

func (b *TradeBook) History() []*Trade { return b.history }

func (b *TradeBook) Propose(from, to protocol.EntityRef, offer, request map[string]int64, nowMs int64) (*Trade, protocol.Result) {
	if to.ID == "" {
		return nil, protocol.Fail(protocol.ErrValidation, "counterparty required")
	}
	if len(offer) == 0 && len(request) == 0 {
		return nil, protocol.Fail(protocol.ErrValidation, "empty trade")
	}
	b.nextNum++
	t := &Trade{
		ID:          fmt.Sprintf("TR%06d", b.nextNum),
		From:        from,
		To:          to,
		Offer:       copyDeltas(offer),
		Request:     copyDeltas(request),
		State:       StateProposed,
		EscrowReady: map[string]bool{},
		CreatedAtMs: nowMs,
	}
	if b.cfg.TradeExpiryMs > 0 {
		t.ExpiresAtMs = nowMs + b.cfg.TradeExpiryMs
	}
	b.active[t.ID] = t
	b.rels.Ensure(to, "")
	b.hooks.deliver(protocolMessage(protocol.MsgTrade, from, to,
		"Trade proposed: "+t.ID, t.ID,
		map[string]string{"trade_id": t.ID, "step": "propose"}, nowMs))
	b.hooks.emit(protocol.Event{"type": "trade_proposed", "trade_id": t.ID, "with": to.ID})
	return t, protocol.Ok()
}

func (b *TradeBook) Accept(id string, nowMs int64) protocol.Result {
	t, res := b.require(id, StateProposed, nowMs)
	if !res.OK {
		return res
	}
	t.State = StateAccepted
	b.step(t, "accept", nowMs)
	return protocol.Ok()
}

func (b *TradeBook) Decline(id string, nowMs int64) protocol.Result {
	t, res := b.require(id, StateProposed, nowMs)
	if !res.OK {
		return res
	}
	b.finish(t, StateDeclined)
	b.rels.RecordInteraction(t.To, "trade_cancelled", nowMs)
	b.step(t, "decline", nowMs)
	return protocol.Ok()
}

// Counter cancels the original and opens a replacement referencing it; both
// stay visible in history.
func (b *TradeBook) Counter(id string, offer, request map[string]int64, nowMs int64) (*Trade, protocol.Result) {
	orig, ok := b.active[id]
	if !ok {
		return nil, protocol.Fail(protocol.ErrNotFound, "no such trade: "+id)
	}
	if orig.State != StateProposed && orig.State != StateAccepted {
		return nil, protocol.Fail(protocol.ErrState, "trade is "+orig.State)
	}
	orig.CancelReason = "Counter-offer made"
	b.finish(orig, StateCancelled)
	b.step(orig, "cancel", nowMs)

	next, res := b.Propose(orig.From, orig.To, offer, request, nowMs)
	if !res.OK {
		return nil, res
	}
	next.CounterOf = orig.ID
	b.hooks.emit(protocol.Event{"type": "trade_countered", "trade_id": next.ID, "counter_of": orig.ID})
	return next, protocol.Ok()
}

// MarkEscrowReady flags one party as ready to exchange.
func (b *TradeBook) MarkEscrowReady(id, partyID string, nowMs int64) protocol.Result {
	t, ok := b.active[id]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such trade: "+id)
	}
	if t.State != StateAccepted {
		return protocol.Fail(protocol.ErrState, "trade is "+t.State)
	}
	if partyID != t.From.ID && partyID != t.To.ID {
		return protocol.Fail(protocol.ErrValidation, "not a party: "+partyID)
	}
	t.EscrowReady[partyID] = true
	return protocol.Ok()
}

// Complete exchanges the goods. Both parties must be escrow-ready; the
// proposer's side settles against the resource provider, refused whole if
// any offer line cannot be covered.
func (b *TradeBook) Complete(id string, nowMs int64) protocol.Result {
	t, res := b.require(id, StateAccepted, nowMs)
	if !res.OK {
		return res
	}
	if !t.EscrowReady[t.From.ID] || !t.EscrowReady[t.To.ID] {
		return protocol.Fail(protocol.ErrState, "both parties must be escrow-ready")
	}
	for field, amount := range t.Offer {
		if have, ok := b.res.Get(field); !ok || have < amount {
			return protocol.Fail(protocol.ErrNoResource, "cannot cover offer: "+field)
		}
	}
	for field, amount := range t.Offer {
		if r := b.res.ApplyDelta(field, -amount); !r.OK {
			return r
		}
	}
	for field, amount := range t.Request {
		b.res.ApplyDelta(field, amount)
	}
	b.rels.RecordInteraction(t.To, "trade_completed", nowMs)
	b.finish(t, StateCompleted)
	b.step(t, "complete", nowMs)
	b.hooks.emit(protocol.Event{"type": "trade_completed", "trade_id": t.ID})
	return protocol.Ok()
}

func (b *TradeBook) Cancel(id, reason string, nowMs int64) protocol.Result {
	t, ok := b.active[id]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such trade: "+id)
	}
	if isTerminal(t.State) {
		return protocol.Fail(protocol.ErrState, "trade is "+t.State)
	}
	t.CancelReason = reason
	b.rels.RecordInteraction(t.To, "trade_cancelled", nowMs)
	b.finish(t, StateCancelled)
	b.step(t, "cancel", nowMs)
	return protocol.Ok()
}

// Betray takes the goods and runs: the relationship pays for it.
func (b *TradeBook) Betray(id, byID string, nowMs int64) protocol.Result {
	t, ok := b.active[id]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such trade: "+id)
	}
	if isTerminal(t.State) {
		return protocol.Fail(protocol.ErrState, "trade is "+t.State)
	}
	if byID == t.To.ID {
		b.rels.MarkBetrayed(t.To.ID)
		b.rels.RecordInteraction(t.To, "betrayed", nowMs)
	}
	b.finish(t, StateBetrayed)
	b.step(t, "betray", nowMs)
	b.hooks.emit(protocol.Event{
		"type": "trade_betrayed", "trade_id": t.ID, "by": byID,
		"reputation_penalty": b.cfg.BetrayReputation,
	})
	return protocol.Ok()
}

func (b *TradeBook) Sweep(nowMs int64) int {
	var overdue []*Trade
	for _, t := range b.active {
		if t.ExpiresAtMs > 0 && nowMs >= t.ExpiresAtMs && !isTerminal(t.State) {
			overdue = append(overdue, t)
		}
	}
	for _, t := range overdue {
		b.finish(t, StateExpired)
		b.hooks.emit(protocol.Event{"type": "trade_expired", "trade_id": t.ID})
	}
	return len(overdue)
}

func (b *TradeBook) require(id, wantState string, nowMs int64) (*Trade, protocol.Result) {
	t, ok := b.active[id]
	if !ok {
		return nil, protocol.Fail(protocol.ErrNotFound, "no such trade: "+id)
	}
	if t.ExpiresAtMs > 0 && nowMs >= t.ExpiresAtMs {
		b.finish(t, StateExpired)
		return nil, protocol.Fail(protocol.ErrExpired, "trade expired")
	}
	if t.State != wantState {
		return nil, protocol.Fail(protocol.ErrState, "trade is "+t.State)
	}
	return t, protocol.Ok()
}

func (b *TradeBook) finish(t *Trade, state string) {
	t.State = state
	if isTerminal(state) {
		delete(b.active, t.ID)
		b.history = append(b.history, t)
	}
}

func (b *TradeBook) step(t *Trade, step string, nowMs int64) {
	b.hooks.deliver(protocolMessage(protocol.MsgTrade, t.From, t.To,
		"Trade "+step+": "+t.ID, t.ID,
		map[string]string{"trade_id": t.ID, "step": step}, nowMs))
}

func copyDeltas(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type TradeState struct {
	Active  []Trade `json:"active,omitempty"`
	History []Trade `json:"history,omitempty"`
	NextNum uint64  `json:"next_num"`
}

func (b *TradeBook) Export() TradeState {
	st := TradeState{NextNum: b.nextNum}
	for _, t := range b.active {
		st.Active = append(st.Active, *t)
	}
	for _, t := range b.history {
		st.History = append(st.History, *t)
	}
	return st
}

func (b *TradeBook) Restore(st TradeState) {
	b.nextNum = st.NextNum
	b.active = map[string]*Trade{}
	b.history = nil
	for i := range st.Active {
		t := st.Active[i]
		if t.EscrowReady == nil {
			t.EscrowReady = map[string]bool{}
		}
		b.active[t.ID] = &t
	}
	for i := range st.History {
		t := st.History[i]
		b.history = append(b.history, &t)
	}
}
