package engine

import (
	"encoding/json"

	"undercity.gg/internal/clock"
	"undercity.gg/internal/consequence"
	"undercity.gg/internal/gamestate"
	"undercity.gg/internal/mailbox"
	"undercity.gg/internal/negotiation"
	"undercity.gg/internal/opportunity"
	"undercity.gg/internal/persistence/snapshot"
	"undercity.gg/internal/protocol"
	"undercity.gg/internal/relationship"
)

type session struct {
	id  string
	out chan []byte
}

// playerState bundles everything the engine owns for one player. Confined
// to the loop goroutine.
type playerState struct {
	id   string
	name string
	ref  protocol.EntityRef

	box       *mailbox.Box
	rels      *relationship.Tracker
	state     *gamestate.State
	sched     *opportunity.Scheduler
	opps      *opportunity.Manager
	chains    *consequence.Engine
	alliances *negotiation.AllianceBook
	trades    *negotiation.TradeBook

	traits map[string]struct{}
	arcs   map[string]string

	session     *session
	resumeToken string

	// Messages that arrived while no session was attached, in delivery
	// order with poll cursors.
	queued     []protocol.PollItem
	nextCursor uint64

	muts         int
	lastHealthMs int64

	subs []chan protocol.Event
}

// ensurePlayer creates or rehydrates a player on first contact.
func (e *Engine) ensurePlayer(playerID, name string) *playerState {
	if ps, ok := e.players[playerID]; ok {
		return ps
	}
	ps := &playerState{
		id:     playerID,
		name:   name,
		ref:    protocol.EntityRef{ID: playerID, Name: name, Kind: protocol.KindSelf},
		box:    mailbox.New(playerID),
		rels:   relationship.NewTracker(e.cfg.Relationship),
		state:  gamestate.New(),
		sched:  opportunity.NewScheduler(e.cfg.Scheduler),
		traits: map[string]struct{}{},
		arcs:   map[string]string{},
	}
	ps.rels.SetRand(e.rnd)
	ps.rels.SetOnRecord(func(counterpartyID, interactionType string, delta float64, atMs int64) {
		if e.outcomeSink != nil {
			e.outcomeSink.RecordInteraction(ps.id, counterpartyID, interactionType, delta, atMs)
		}
	})
	ps.chains = consequence.NewEngine(&playerEnv{e: e, ps: ps}, e.templates)
	ps.chains.SetRand(e.rnd)
	ps.opps = opportunity.NewManager(e.cfg.Opportunity, ps.sched, ps.rels, ps.box, ps.state, opportunity.Hooks{
		Deliver: func(m protocol.Message) { e.push(ps, m) },
		Emit: func(ev protocol.Event) {
			e.emit(ps, ev)
			e.recordOpportunityOutcome(ps, ev)
		},
		TriggerChain: func(tpl string, ctx map[string]string) {
			if _, res := ps.chains.Trigger(tpl, ctx, clock.NowMs(e.clk)); !res.OK {
				e.log.Printf("player=%s chain trigger %s: %s", ps.id, tpl, res.Message)
			}
		},
	})
	hooks := negotiation.Hooks{
		Deliver: func(m protocol.Message) { e.deliver(ps, m) },
		Emit: func(ev protocol.Event) {
			e.emit(ps, ev)
			e.recordNegotiationOutcome(ps, ev)
		},
	}
	ps.alliances = negotiation.NewAllianceBook(e.cfg.Negotiation, ps.rels, hooks)
	ps.trades = negotiation.NewTradeBook(e.cfg.Negotiation, ps.rels, ps.state, hooks)

	if snap, err := snapshot.Read(snapshot.Path(e.dataDir, playerID)); err == nil {
		ps.rehydrate(snap)
		e.log.Printf("player=%s rehydrated from snapshot saved_ms=%d", playerID, snap.Header.SavedMs)
	}

	e.players[playerID] = ps
	return ps
}

// deliver stores a message and pushes or queues it for the session.
func (e *Engine) deliver(ps *playerState, m protocol.Message) {
	if res := ps.box.Add(m); !res.OK {
		return // duplicate redelivery
	}
	e.push(ps, m)
}

// push sends an already-stored message to the live session, or queues it
// with a poll cursor when offline.
func (e *Engine) push(ps *playerState, m protocol.Message) {
	for _, sink := range e.trafficSinks {
		_ = sink.WriteMessage(ps.id, m)
	}
	ps.muts++
	nowMs := clock.NowMs(e.clk)
	if ps.session != nil {
		e.pushToSession(ps, protocol.EnvReceive, m, nowMs)
		ps.box.MarkDelivered(m.ID)
		return
	}
	ps.nextCursor++
	ps.queued = append(ps.queued, protocol.PollItem{Cursor: ps.nextCursor, Message: m})
}

func (e *Engine) pushToSession(ps *playerState, envType string, payload any, nowMs int64) {
	if ps.session == nil {
		return
	}
	env, err := protocol.NewEnvelope(envType, payload, nowMs)
	if err != nil {
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case ps.session.out <- b:
	default:
		// Write queue full: the socket is stalled, drop the session and
		// let the client reconnect and poll.
		close(ps.session.out)
		ps.session = nil
		ps.nextCursor++
		if m, ok := payload.(protocol.Message); ok {
			ps.queued = append(ps.queued, protocol.PollItem{Cursor: ps.nextCursor, Message: m})
		}
	}
}

func (e *Engine) recordOpportunityOutcome(ps *playerState, ev protocol.Event) {
	if e.outcomeSink == nil {
		return
	}
	id, _ := ev["opportunity_id"].(string)
	if id == "" {
		return
	}
	o, ok := ps.opps.Get(id)
	if !ok {
		for _, h := range ps.opps.History() {
			if h.ID == id {
				o = h
				break
			}
		}
	}
	if o == nil || !opportunity.IsTerminal(o.State) {
		return
	}
	e.outcomeSink.RecordOpportunity(ps.id, o.ID, o.Type, o.Counterparty.ID, o.State, clock.NowMs(e.clk))
}

func (e *Engine) recordNegotiationOutcome(ps *playerState, ev protocol.Event) {
	if e.outcomeSink == nil {
		return
	}
	nowMs := clock.NowMs(e.clk)
	if id, _ := ev["alliance_id"].(string); id != "" {
		for _, a := range ps.alliances.History() {
			if a.ID == id {
				e.outcomeSink.RecordNegotiation(ps.id, a.ID, "alliance", a.Counterparty.ID, a.State, nowMs)
				return
			}
		}
	}
	if id, _ := ev["trade_id"].(string); id != "" {
		for _, t := range ps.trades.History() {
			if t.ID == id {
				e.outcomeSink.RecordNegotiation(ps.id, t.ID, "trade", t.To.ID, t.State, nowMs)
				return
			}
		}
	}
}

// playerEnv adapts a playerState to the consequence effect surface.
type playerEnv struct {
	e  *Engine
	ps *playerState
}

func (p *playerEnv) ApplyResourceDelta(field string, amount int64) protocol.Result {
	res := p.ps.state.ApplyDelta(field, amount)
	if res.OK {
		p.ps.muts++
	}
	return res
}

func (p *playerEnv) AddTrait(trait string) {
	if trait == "" {
		return
	}
	p.ps.traits[trait] = struct{}{}
	p.e.emit(p.ps, protocol.Event{"type": "trait_added", "player_id": p.ps.id, "trait": trait})
}

func (p *playerEnv) RemoveTrait(trait string) {
	delete(p.ps.traits, trait)
	p.e.emit(p.ps, protocol.Event{"type": "trait_removed", "player_id": p.ps.id, "trait": trait})
}

func (p *playerEnv) TransitionArc(arc, stage string) {
	if arc == "" {
		return
	}
	p.ps.arcs[arc] = stage
	p.e.emit(p.ps, protocol.Event{"type": "arc_transition", "player_id": p.ps.id, "arc": arc, "stage": stage})
}

func (p *playerEnv) RecordInteraction(counterpartyID, interactionType string) {
	if counterpartyID == "" {
		return
	}
	ref := protocol.EntityRef{ID: counterpartyID, Kind: protocol.KindNPC}
	if _, res := p.ps.rels.RecordInteraction(ref, interactionType, clock.NowMs(p.e.clk)); !res.OK {
		p.e.log.Printf("player=%s interaction %s: %s", p.ps.id, interactionType, res.Message)
	}
}

func (p *playerEnv) Narrate(text string, meta map[string]string) {
	m, res := protocol.New(protocol.Config{
		Type:    protocol.MsgNarrator,
		From:    protocol.EntityRef{ID: "narrator", Kind: protocol.KindNarrator},
		To:      p.ps.ref,
		Content: protocol.Content{Text: text},
		Meta:    meta,
		NowMs:   clock.NowMs(p.e.clk),
	})
	if !res.OK {
		return
	}
	p.e.deliver(p.ps, m)
}

func (p *playerEnv) EmitGeneric(data map[string]string) {
	ev := protocol.Event{"type": "chain_effect", "player_id": p.ps.id}
	for k, v := range data {
		ev[k] = v
	}
	p.e.emit(p.ps, ev)
}

// assembleSnapshot captures the full resumable state.
func (ps *playerState) assembleSnapshot(nowMs int64) snapshot.StateV1 {
	snap := snapshot.StateV1{
		Header: snapshot.Header{Version: 1, PlayerID: ps.id, SavedMs: nowMs},
		Player: snapshot.PlayerV1{
			ID:         ps.id,
			Name:       ps.name,
			Cash:       ps.state.Cash,
			Heat:       ps.state.Heat,
			Experience: ps.state.Experience,
			Energy:     ps.state.Energy,
			Arcs:       map[string]string{},
		},
		Mailbox:       ps.box.Export(),
		Scheduler:     ps.sched.Export(),
		Opportunities: ps.opps.Export(),
		Chains:        ps.chains.Export(),
		Alliances:     ps.alliances.Export(),
		Trades:        ps.trades.Export(),
		NextCursor:    ps.nextCursor,
	}
	for t := range ps.traits {
		snap.Player.Traits = append(snap.Player.Traits, t)
	}
	for arc, stage := range ps.arcs {
		snap.Player.Arcs[arc] = stage
	}
	for _, r := range ps.rels.All() {
		snap.Relationships = append(snap.Relationships, *r)
	}
	return snap
}

func (ps *playerState) rehydrate(snap snapshot.StateV1) {
	if snap.Player.Name != "" {
		ps.name = snap.Player.Name
		ps.ref.Name = snap.Player.Name
	}
	ps.state.Cash = snap.Player.Cash
	ps.state.Heat = snap.Player.Heat
	ps.state.Experience = snap.Player.Experience
	ps.state.Energy = snap.Player.Energy
	for _, t := range snap.Player.Traits {
		ps.traits[t] = struct{}{}
	}
	for arc, stage := range snap.Player.Arcs {
		ps.arcs[arc] = stage
	}
	ps.box.Restore(snap.Mailbox)
	for _, r := range snap.Relationships {
		ps.rels.Restore(r)
	}
	ps.sched.Restore(snap.Scheduler)
	ps.opps.Restore(snap.Opportunities)
	ps.chains.Restore(snap.Chains)
	ps.alliances.Restore(snap.Alliances)
	ps.trades.Restore(snap.Trades)
	ps.nextCursor = snap.NextCursor
}
