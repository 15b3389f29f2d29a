package opportunity

import (
	"fmt"

	"undercity.gg/internal/gamestate"
	"undercity.gg/internal/mailbox"
	"undercity.gg/internal/protocol"
	"undercity.gg/internal/relationship"
	"undercity.gg/internal/tuning"
)

// Opportunity types.
const (
	TypeJob      = "job"
	TypeTrade    = "trade"
	TypeAlliance = "alliance"
)

// States. Everything except pending and accepted is terminal; accepted is
// terminal-adjacent only for in-progress jobs awaiting Complete/Fail.
const (
	StatePending   = "pending"
	StateAccepted  = "accepted"
	StateDeclined  = "declined"
	StateExpired   = "expired"
	StateCancelled = "cancelled"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// IsTerminal reports whether a state admits no further transitions.
func IsTerminal(state string) bool {
	switch state {
	case StateDeclined, StateExpired, StateCancelled, StateCompleted, StateFailed:
		return true
	}
	return false
}

type Opportunity struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Counterparty protocol.EntityRef `json:"counterparty"`
	State        string            `json:"state"`

	Reward      map[string]int64 `json:"reward,omitempty"`
	Risk        map[string]int64 `json:"risk,omitempty"`
	Requirement map[string]int64 `json:"requirement,omitempty"`

	CreatedAtMs int64 `json:"created_at_ms"`
	ExpiresAtMs int64 `json:"expires_at_ms"`

	Responses []string `json:"responses,omitempty"`

	ChainTemplate string `json:"chain_template,omitempty"`
	InProgress    bool   `json:"in_progress,omitempty"`

	MessageID string `json:"message_id,omitempty"`
}

type CreateConfig struct {
	Type          string
	Counterparty  protocol.EntityRef
	Text          string
	Reward        map[string]int64
	Risk          map[string]int64
	Requirement   map[string]int64
	ExpiryMs      int64 // duration override; 0 = per-type default
	ChainTemplate string
	InProgress    bool
	Priority      protocol.Priority
}

// Hooks route side effects back through the owning engine.
type Hooks struct {
	Deliver      func(protocol.Message)
	Emit         func(protocol.Event)
	TriggerChain func(template string, ctx map[string]string)
}

type Manager struct {
	cfg   tuning.Opportunity
	sched *Scheduler
	rels  *relationship.Tracker
	box   *mailbox.Box
	state gamestate.Provider
	hooks Hooks

	active  map[string]*Opportunity
	history []*Opportunity

	nextNum uint64
}

func NewManager(cfg tuning.Opportunity, sched *Scheduler, rels *relationship.Tracker, box *mailbox.Box, state gamestate.Provider, hooks Hooks) *Manager {
	return &Manager{
		cfg:    cfg,
		sched:  sched,
		rels:   rels,
		box:    box,
		state:  state,
		hooks:  hooks,
		active: map[string]*Opportunity{},
	}
}

func (m *Manager) Get(id string) (*Opportunity, bool) {
	o, ok := m.active[id]
	return o, ok
}

func (m *Manager) History() []*Opportunity { return m.history }
func (m *Manager) ActiveCount() int        { return len(m.active) }

// Create builds the opportunity, registers the fire with the scheduler and
// delivers the offer message into the owner's mailbox.
func (m *Manager) Create(cfg CreateConfig, nowMs int64) (*Opportunity, protocol.Result) {
	if cfg.Type == "" || cfg.Counterparty.ID == "" {
		return nil, protocol.Fail(protocol.ErrValidation, "type and counterparty required")
	}
	expiry := cfg.ExpiryMs
	if expiry <= 0 {
		expiry = m.cfg.DefaultExpiryMs[cfg.Type]
	}
	if expiry <= 0 {
		expiry = m.cfg.DefaultExpiryMs[TypeJob]
	}

	m.nextNum++
	o := &Opportunity{
		ID:            fmt.Sprintf("OP%06d", m.nextNum),
		Type:          cfg.Type,
		Counterparty:  cfg.Counterparty,
		State:         StatePending,
		Reward:        cfg.Reward,
		Risk:          cfg.Risk,
		Requirement:   cfg.Requirement,
		CreatedAtMs:   nowMs,
		ExpiresAtMs:   nowMs + expiry,
		Responses:     []string{ResponseAccept, ResponseDecline},
		ChainTemplate: cfg.ChainTemplate,
		InProgress:    cfg.InProgress,
	}

	msg, res := protocol.New(protocol.Config{
		Type:     protocol.MsgOpportunity,
		From:     cfg.Counterparty,
		To:       protocol.EntityRef{ID: m.box.Owner(), Kind: protocol.KindSelf},
		Content:  protocol.Content{Text: cfg.Text, Data: map[string]any{"opportunity_id": o.ID}},
		Meta:     map[string]string{"opportunity_id": o.ID, "opportunity_type": o.Type},
		Actions:  []protocol.MessageAction{{Key: ResponseAccept, Label: "Accept"}, {Key: ResponseDecline, Label: "Decline"}},
		Priority: cfg.Priority,
		NowMs:    nowMs,
		ExpiryMs: o.ExpiresAtMs,
	})
	if !res.OK {
		return nil, res
	}
	o.MessageID = msg.ID

	m.active[o.ID] = o
	m.rels.Ensure(cfg.Counterparty, "")
	m.sched.RecordFire(o.Type, nowMs)
	if r := m.box.Add(msg); !r.OK {
		// Message store refused (duplicate id); the opportunity still stands.
		o.MessageID = ""
	}
	if m.hooks.Deliver != nil {
		m.hooks.Deliver(msg)
	}
	m.emit(protocol.Event{"type": "opportunity_received", "opportunity_id": o.ID, "opportunity_type": o.Type, "from": cfg.Counterparty.ID})
	return o, protocol.Ok()
}

// Respond normalizes free text and drives the pending state machine.
func (m *Manager) Respond(id, rawInput string, nowMs int64) (string, protocol.Result) {
	o, ok := m.active[id]
	if !ok {
		for _, h := range m.history {
			if h.ID == id {
				return "", protocol.Fail(protocol.ErrState, "opportunity already "+h.State)
			}
		}
		return "", protocol.Fail(protocol.ErrNotFound, "no such opportunity: "+id)
	}
	if o.State != StatePending {
		return "", protocol.Fail(protocol.ErrState, "opportunity already "+o.State)
	}
	if nowMs >= o.ExpiresAtMs {
		m.expire(o, nowMs)
		return "", protocol.Fail(protocol.ErrExpired, "opportunity expired")
	}

	resp := NormalizeResponse(rawInput)
	switch resp {
	case ResponseAccept:
		return resp, m.accept(o, nowMs)
	case ResponseDecline:
		return resp, m.decline(o, nowMs)
	default:
		return ResponseUnparseable, protocol.Fail(protocol.ErrUnparseable, "could not parse response: "+rawInput)
	}
}

// Cancel aborts a still-pending opportunity without a relationship penalty.
func (m *Manager) Cancel(id string, nowMs int64) protocol.Result {
	o, ok := m.active[id]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such opportunity: "+id)
	}
	if o.State != StatePending {
		return protocol.Fail(protocol.ErrState, "opportunity already "+o.State)
	}
	m.finish(o, StateCancelled)
	m.emit(protocol.Event{"type": "opportunity_cancelled", "opportunity_id": o.ID})
	return protocol.Ok()
}

// Complete resolves an in-progress job.
func (m *Manager) Complete(id string, nowMs int64) protocol.Result {
	return m.resolveInProgress(id, true, nowMs)
}

// Fail resolves an in-progress job badly: risks land, no rewards.
func (m *Manager) Fail(id string, nowMs int64) protocol.Result {
	return m.resolveInProgress(id, false, nowMs)
}

// Sweep expires overdue pending opportunities. The ignored penalty lands
// exactly once per opportunity: the pending->expired transition guards it.
// Failures on one item never abort the pass.
func (m *Manager) Sweep(nowMs int64) int {
	var overdue []*Opportunity
	for _, o := range m.active {
		if o.State == StatePending && nowMs >= o.ExpiresAtMs {
			overdue = append(overdue, o)
		}
	}
	for _, o := range overdue {
		m.expire(o, nowMs)
	}
	return len(overdue)
}

func (m *Manager) accept(o *Opportunity, nowMs int64) protocol.Result {
	switch o.Type {
	case TypeTrade:
		// Affordability first, nothing moves on a refusal.
		for field, amount := range o.Requirement {
			cur, ok := m.state.Get(field)
			if !ok || cur < amount {
				return protocol.Fail(protocol.ErrNoResource, "cannot afford "+field)
			}
		}
	}

	o.State = StateAccepted
	m.rels.RecordInteraction(o.Counterparty, "opportunity_accepted", nowMs)
	m.markHandled(o)

	switch o.Type {
	case TypeJob:
		m.applyDeltas(o.Reward)
		m.applyDeltas(o.Risk)
		if !o.InProgress {
			m.finish(o, StateCompleted)
			m.rels.RecordInteraction(o.Counterparty, "job_completed", nowMs)
			m.sched.NoteOutcome(true, nowMs)
			m.triggerChain(o)
		}
	case TypeTrade:
		for field, amount := range o.Requirement {
			m.state.ApplyDelta(field, -amount)
		}
		m.applyDeltas(o.Reward)
		m.finish(o, StateCompleted)
		m.rels.RecordInteraction(o.Counterparty, "trade_completed", nowMs)
		m.triggerChain(o)
	case TypeAlliance:
		m.rels.SetAlly(o.Counterparty.ID, true)
		m.rels.RecordInteraction(o.Counterparty, "alliance_formed", nowMs)
		m.finish(o, StateCompleted)
		m.emit(protocol.Event{"type": "alliance_formed", "with": o.Counterparty.ID})
		m.triggerChain(o)
	default:
		m.finish(o, StateCompleted)
	}

	m.emit(protocol.Event{"type": "opportunity_accepted", "opportunity_id": o.ID, "state": o.State})
	return protocol.Ok()
}

func (m *Manager) decline(o *Opportunity, nowMs int64) protocol.Result {
	m.rels.RecordInteraction(o.Counterparty, "opportunity_declined", nowMs)
	m.markHandled(o)
	m.finish(o, StateDeclined)
	m.emit(protocol.Event{"type": "opportunity_declined", "opportunity_id": o.ID})
	return protocol.Ok()
}

func (m *Manager) expire(o *Opportunity, nowMs int64) {
	if o.State != StatePending {
		return
	}
	m.rels.RecordInteraction(o.Counterparty, "opportunity_ignored", nowMs)
	m.markHandled(o)
	m.finish(o, StateExpired)
	m.emit(protocol.Event{"type": "opportunity_expired", "opportunity_id": o.ID})
}

func (m *Manager) resolveInProgress(id string, success bool, nowMs int64) protocol.Result {
	o, ok := m.active[id]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such opportunity: "+id)
	}
	if o.State != StateAccepted || !o.InProgress {
		return protocol.Fail(protocol.ErrState, "opportunity is "+o.State+", not an in-progress job")
	}
	if success {
		m.finish(o, StateCompleted)
		m.rels.RecordInteraction(o.Counterparty, "job_completed", nowMs)
		m.sched.NoteOutcome(true, nowMs)
		m.triggerChain(o)
	} else {
		m.finish(o, StateFailed)
		m.rels.RecordInteraction(o.Counterparty, "job_failed", nowMs)
		m.sched.NoteOutcome(false, nowMs)
	}
	m.emit(protocol.Event{"type": "opportunity_resolved", "opportunity_id": o.ID, "state": o.State})
	return protocol.Ok()
}

func (m *Manager) finish(o *Opportunity, state string) {
	o.State = state
	if IsTerminal(state) {
		delete(m.active, o.ID)
		m.history = append(m.history, o)
	}
}

// markHandled archives the offer message once the player has dealt with it.
func (m *Manager) markHandled(o *Opportunity) {
	if o.MessageID == "" {
		return
	}
	m.box.MarkRead(o.MessageID)
	m.box.Archive(o.MessageID)
}

func (m *Manager) applyDeltas(deltas map[string]int64) {
	for field, amount := range deltas {
		m.state.ApplyDelta(field, amount)
	}
}

func (m *Manager) triggerChain(o *Opportunity) {
	if o.ChainTemplate == "" || m.hooks.TriggerChain == nil {
		return
	}
	m.hooks.TriggerChain(o.ChainTemplate, map[string]string{
		"counterparty":      o.Counterparty.ID,
		"counterparty_name": o.Counterparty.Name,
		"opportunity_id":    o.ID,
	})
}

func (m *Manager) emit(ev protocol.Event) {
	if m.hooks.Emit != nil {
		m.hooks.Emit(ev)
	}
}

// Export/Restore for engine persistence.

type ManagerState struct {
	Active  []Opportunity `json:"active,omitempty"`
	History []Opportunity `json:"history,omitempty"`
	NextNum uint64        `json:"next_num"`
}

func (m *Manager) Export() ManagerState {
	st := ManagerState{NextNum: m.nextNum}
	for _, o := range m.active {
		st.Active = append(st.Active, *o)
	}
	for _, o := range m.history {
		st.History = append(st.History, *o)
	}
	return st
}

func (m *Manager) Restore(st ManagerState) {
	m.nextNum = st.NextNum
	m.active = map[string]*Opportunity{}
	m.history = nil
	for i := range st.Active {
		o := st.Active[i]
		m.active[o.ID] = &o
	}
	for i := range st.History {
		o := st.History[i]
		m.history = append(m.history, &o)
	}
}
