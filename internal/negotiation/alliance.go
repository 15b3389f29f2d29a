package negotiation

import (
	"fmt"

	"undercity.gg/internal/protocol"
	"undercity.gg/internal/relationship"
	"undercity.gg/internal/tuning"
)

type Alliance struct {
	ID           string             `json:"id"`
	Owner        protocol.EntityRef `json:"owner"`
	Counterparty protocol.EntityRef `json:"counterparty"`
	Type         string             `json:"type"` // e.g. protection, profit_share
	Terms        map[string]string  `json:"terms,omitempty"`
	State        string             `json:"state"`

	Ledger     []Contribution `json:"ledger,omitempty"`
	TrustScore float64        `json:"trust_score"`

	CreatedAtMs int64 `json:"created_at_ms"`
	ExpiresAtMs int64 `json:"expires_at_ms,omitempty"` // 0 = open-ended

	LastCheckMs int64 `json:"last_check_ms,omitempty"`
}

// AllianceBook owns every alliance the player is party to.
type AllianceBook struct {
	cfg   tuning.Negotiation
	rels  *relationship.Tracker
	hooks Hooks

	active  map[string]*Alliance
	history []*Alliance

	nextNum uint64
}

func NewAllianceBook(cfg tuning.Negotiation, rels *relationship.Tracker, hooks Hooks) *AllianceBook {
	return &AllianceBook{cfg: cfg, rels: rels, hooks: hooks, active: map[string]*Alliance{}}
}

func (b *AllianceBook) Get(id string) (*Alliance, bool) {
	a, ok := b.active[id]
	return a, ok
}

func (b *AllianceBook) History() []*Alliance { return b.history }

// Propose opens the protocol with a correlated alliance message.
func (b *AllianceBook) Propose(owner, counterparty protocol.EntityRef, allianceType string, terms map[string]string, nowMs int64) (*Alliance, protocol.Result) {
	if counterparty.ID == "" {
		return nil, protocol.Fail(protocol.ErrValidation, "counterparty required")
	}
	b.nextNum++
	a := &Alliance{
		ID:           fmt.Sprintf("AL%06d", b.nextNum),
		Owner:        owner,
		Counterparty: counterparty,
		Type:         allianceType,
		Terms:        terms,
		State:        StateProposed,
		TrustScore:   50,
		CreatedAtMs:  nowMs,
	}
	if b.cfg.AllianceExpiryMs > 0 {
		a.ExpiresAtMs = nowMs + b.cfg.AllianceExpiryMs
	}
	b.active[a.ID] = a
	b.rels.Ensure(counterparty, "")
	b.hooks.deliver(protocolMessage(protocol.MsgAlliance, owner, counterparty,
		"Alliance proposed: "+allianceType, a.ID,
		map[string]string{"alliance_id": a.ID, "step": "propose"}, nowMs))
	b.hooks.emit(protocol.Event{"type": "alliance_proposed", "alliance_id": a.ID, "with": counterparty.ID})
	return a, protocol.Ok()
}

func (b *AllianceBook) Accept(id string, nowMs int64) protocol.Result {
	a, res := b.require(id, StateProposed, nowMs)
	if !res.OK {
		return res
	}
	a.State = StateAccepted
	b.step(a, "accept", nowMs)
	return protocol.Ok()
}

func (b *AllianceBook) Decline(id string, nowMs int64) protocol.Result {
	a, res := b.require(id, StateProposed, nowMs)
	if !res.OK {
		return res
	}
	b.finish(a, StateDeclined)
	b.step(a, "decline", nowMs)
	return protocol.Ok()
}

// Confirm activates an accepted alliance and registers the ally.
func (b *AllianceBook) Confirm(id string, nowMs int64) protocol.Result {
	a, res := b.require(id, StateAccepted, nowMs)
	if !res.OK {
		return res
	}
	a.State = StateActive
	b.rels.SetAlly(a.Counterparty.ID, true)
	b.rels.RecordInteraction(a.Counterparty, "alliance_formed", nowMs)
	b.step(a, "confirm", nowMs)
	b.hooks.emit(protocol.Event{"type": "alliance_formed", "alliance_id": a.ID, "with": a.Counterparty.ID})
	return protocol.Ok()
}

// Contribute appends to the ledger; the ledger itself is never rewritten.
func (b *AllianceBook) Contribute(id, byID, kind string, value int64, nowMs int64) protocol.Result {
	a, ok := b.active[id]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such alliance: "+id)
	}
	if a.State != StateActive && a.State != StateStrained {
		return protocol.Fail(protocol.ErrState, "alliance is "+a.State)
	}
	if byID != a.Owner.ID && byID != a.Counterparty.ID {
		return protocol.Fail(protocol.ErrValidation, "not a participant: "+byID)
	}
	if value <= 0 {
		return protocol.Fail(protocol.ErrValidation, "contribution must be positive")
	}
	a.Ledger = append(a.Ledger, Contribution{By: byID, Kind: kind, Value: value, AtMs: nowMs})
	return protocol.Ok()
}

// Imbalance is the one-sidedness of the ledger in [0,1].
func (a *Alliance) Imbalance() float64 {
	var owner, counter int64
	for _, c := range a.Ledger {
		if c.By == a.Owner.ID {
			owner += c.Value
		} else {
			counter += c.Value
		}
	}
	total := owner + counter
	if total == 0 {
		return 0
	}
	diff := owner - counter
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(total)
}

// HealthCheck decays an imbalanced alliance toward STRAINED, exactly once
// per threshold breach. A strained alliance recovers to active when the
// ledger rebalances, re-arming the check.
func (b *AllianceBook) HealthCheck(nowMs int64) {
	for _, a := range b.active {
		if a.State != StateActive && a.State != StateStrained {
			continue
		}
		a.LastCheckMs = nowMs
		imbalanced := a.Imbalance() > b.cfg.ImbalanceThreshold && len(a.Ledger) > 0
		switch {
		case imbalanced && a.State == StateActive:
			a.State = StateStrained
			a.TrustScore -= 15
			b.rels.RecordInteraction(a.Counterparty, "alliance_strained", nowMs)
			b.hooks.emit(protocol.Event{"type": "alliance_strained", "alliance_id": a.ID})
		case !imbalanced && a.State == StateStrained:
			a.State = StateActive
		}
	}
}

// End closes the alliance amicably.
func (b *AllianceBook) End(id string, nowMs int64) protocol.Result {
	a, ok := b.active[id]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such alliance: "+id)
	}
	if a.State != StateActive && a.State != StateStrained {
		return protocol.Fail(protocol.ErrState, "alliance is "+a.State)
	}
	b.rels.SetAlly(a.Counterparty.ID, false)
	b.rels.RecordInteraction(a.Counterparty, "alliance_ended", nowMs)
	b.finish(a, StateEnded)
	b.step(a, "end", nowMs)
	return protocol.Ok()
}

// Betray is one-way and terminal, with a severe public reputation cost.
func (b *AllianceBook) Betray(id, byID string, nowMs int64) protocol.Result {
	a, ok := b.active[id]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such alliance: "+id)
	}
	if isTerminal(a.State) {
		return protocol.Fail(protocol.ErrState, "alliance is "+a.State)
	}
	if byID == a.Counterparty.ID {
		b.rels.MarkBetrayed(a.Counterparty.ID)
		b.rels.RecordInteraction(a.Counterparty, "betrayed", nowMs)
	} else {
		b.rels.SetAlly(a.Counterparty.ID, false)
	}
	b.finish(a, StateBetrayed)
	b.step(a, "betray", nowMs)
	b.hooks.emit(protocol.Event{
		"type": "alliance_betrayed", "alliance_id": a.ID, "by": byID,
		"reputation_penalty": b.cfg.BetrayReputation,
	})
	return protocol.Ok()
}

// Cancel withdraws a proposal before it is accepted.
func (b *AllianceBook) Cancel(id string, nowMs int64) protocol.Result {
	a, ok := b.active[id]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such alliance: "+id)
	}
	if a.State != StateProposed && a.State != StateAccepted {
		return protocol.Fail(protocol.ErrState, "alliance is "+a.State)
	}
	b.finish(a, StateCancelled)
	b.step(a, "cancel", nowMs)
	return protocol.Ok()
}

// Sweep expires overdue proposals; best-effort per item.
func (b *AllianceBook) Sweep(nowMs int64) int {
	var overdue []*Alliance
	for _, a := range b.active {
		if a.ExpiresAtMs > 0 && nowMs >= a.ExpiresAtMs && !isTerminal(a.State) {
			overdue = append(overdue, a)
		}
	}
	for _, a := range overdue {
		b.finish(a, StateExpired)
		b.hooks.emit(protocol.Event{"type": "alliance_expired", "alliance_id": a.ID})
	}
	return len(overdue)
}

func (b *AllianceBook) require(id, wantState string, nowMs int64) (*Alliance, protocol.Result) {
	a, ok := b.active[id]
	if !ok {
		return nil, protocol.Fail(protocol.ErrNotFound, "no such alliance: "+id)
	}
	if a.ExpiresAtMs > 0 && nowMs >= a.ExpiresAtMs {
		b.finish(a, StateExpired)
		return nil, protocol.Fail(protocol.ErrExpired, "alliance proposal expired")
	}
	if a.State != wantState {
		return nil, protocol.Fail(protocol.ErrState, "alliance is "+a.State)
	}
	return a, protocol.Ok()
}

func (b *AllianceBook) finish(a *Alliance, state string) {
	a.State = state
	if isTerminal(state) {
		delete(b.active, a.ID)
		b.history = append(b.history, a)
	}
}

func (b *AllianceBook) step(a *Alliance, step string, nowMs int64) {
	b.hooks.deliver(protocolMessage(protocol.MsgAlliance, a.Owner, a.Counterparty,
		"Alliance "+step+": "+a.ID, a.ID,
		map[string]string{"alliance_id": a.ID, "step": step}, nowMs))
}

// Export/Restore for engine persistence.

type AllianceState struct {
	Active  []Alliance `json:"active,omitempty"`
	History []Alliance `json:"history,omitempty"`
	NextNum uint64     `json:"next_num"`
}

func (b *AllianceBook) Export() AllianceState {
	st := AllianceState{NextNum: b.nextNum}
	for _, a := range b.active {
		st.Active = append(st.Active, *a)
	}
	for _, a := range b.history {
		st.History = append(st.History, *a)
	}
	return st
}

func (b *AllianceBook) Restore(st AllianceState) {
	b.nextNum = st.NextNum
	b.active = map[string]*Alliance{}
	b.history = nil
	for i := range st.Active {
		a := st.Active[i]
		b.active[a.ID] = &a
	}
	for i := range st.History {
		a := st.History[i]
		b.history = append(b.history, &a)
	}
}
