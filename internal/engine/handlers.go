package engine

import (
	"encoding/json"

	"undercity.gg/internal/clock"
	"undercity.gg/internal/mailbox"
	"undercity.gg/internal/opportunity"
	"undercity.gg/internal/protocol"
	"undercity.gg/internal/relationship"
)

// handleCommand routes one wire frame from a session.
func (e *Engine) handleCommand(cmd CommandEnvelope) {
	ps, ok := e.players[cmd.PlayerID]
	if !ok {
		return
	}
	nowMs := clock.NowMs(e.clk)

	switch cmd.Env.Type {
	case protocol.EnvPing:
		e.reply(cmd.Out, protocol.EnvPong, nil, nowMs)

	case protocol.EnvAck:
		// Client acks mark the message read.
		var ack protocol.AckPayload
		if err := json.Unmarshal(cmd.Env.Payload, &ack); err != nil {
			return
		}
		ps.box.MarkRead(ack.MessageID)
		ps.muts++

	case protocol.EnvSend:
		var m protocol.Message
		if err := json.Unmarshal(cmd.Env.Payload, &m); err != nil {
			e.reply(cmd.Out, protocol.EnvError, protocol.ErrorPayload{Code: protocol.ErrValidation, Message: "bad send payload"}, nowMs)
			return
		}
		res := e.routeSend(ps, m, nowMs)
		e.reply(cmd.Out, protocol.EnvAck, protocol.AckPayload{
			MessageID: m.ID,
			Accepted:  res.OK,
			Code:      res.Code,
			Message:   res.Message,
		}, nowMs)

	case protocol.EnvReceive:
		var req protocol.PollReqPayload
		if err := json.Unmarshal(cmd.Env.Payload, &req); err != nil {
			return
		}
		e.reply(cmd.Out, protocol.EnvReceive, e.pollBatch(ps, req), nowMs)

	case protocol.EnvPresence:
		var p protocol.PresencePayload
		if err := json.Unmarshal(cmd.Env.Payload, &p); err != nil {
			return
		}
		// A session may only announce its own presence.
		e.setPresence(ps.id, p.Status, nowMs)
	}
}

// routeSend interprets an outbound player message: an opportunity reply, a
// negotiation step, a chain choice, or plain chat.
func (e *Engine) routeSend(ps *playerState, m protocol.Message, nowMs int64) protocol.Result {
	if res := protocol.Validate(m); !res.OK {
		return res
	}
	ps.muts++

	if id := m.Meta["opportunity_id"]; id != "" {
		resp, res := ps.opps.Respond(id, m.Content.Text, nowMs)
		if res.OK {
			e.emit(ps, protocol.Event{"type": "opportunity_response", "opportunity_id": id, "response": resp})
		}
		return res
	}
	if id := m.Meta["alliance_id"]; id != "" {
		return e.allianceStep(ps, id, m.Meta["step"], nowMs)
	}
	if id := m.Meta["trade_id"]; id != "" {
		return e.tradeStep(ps, id, m, nowMs)
	}
	if chainID := m.Meta["chain_id"]; chainID != "" {
		return ps.chains.Choose(chainID, m.Meta["branch"], nowMs)
	}

	// Plain chat with a counterparty nudges trust.
	if m.To.ID != "" && m.To.ID != ps.id {
		ps.rels.Ensure(m.To, "")
		ps.rels.RecordInteraction(m.To, "chat", nowMs)
		e.emit(ps, protocol.Event{"type": "chat_sent", "player_id": ps.id, "to": m.To.ID})
		return protocol.Ok()
	}
	return protocol.Fail(protocol.ErrValidation, "message has no routable target")
}

func (e *Engine) allianceStep(ps *playerState, id, step string, nowMs int64) protocol.Result {
	switch step {
	case "accept":
		return ps.alliances.Accept(id, nowMs)
	case "decline":
		return ps.alliances.Decline(id, nowMs)
	case "confirm":
		return ps.alliances.Confirm(id, nowMs)
	case "cancel":
		return ps.alliances.Cancel(id, nowMs)
	case "end":
		return ps.alliances.End(id, nowMs)
	case "betray":
		return ps.alliances.Betray(id, ps.id, nowMs)
	default:
		return protocol.Fail(protocol.ErrValidation, "unknown alliance step: "+step)
	}
}

func (e *Engine) tradeStep(ps *playerState, id string, m protocol.Message, nowMs int64) protocol.Result {
	switch m.Meta["step"] {
	case "accept":
		return ps.trades.Accept(id, nowMs)
	case "decline":
		return ps.trades.Decline(id, nowMs)
	case "escrow_ready":
		return ps.trades.MarkEscrowReady(id, ps.id, nowMs)
	case "complete":
		return ps.trades.Complete(id, nowMs)
	case "cancel":
		return ps.trades.Cancel(id, m.Content.Text, nowMs)
	case "betray":
		return ps.trades.Betray(id, ps.id, nowMs)
	case "counter":
		offer, request := deltasFromData(m.Content.Data)
		_, res := ps.trades.Counter(id, offer, request, nowMs)
		return res
	default:
		return protocol.Fail(protocol.ErrValidation, "unknown trade step: "+m.Meta["step"])
	}
}

// deltasFromData pulls offer/request maps out of loosely-typed content data.
func deltasFromData(data map[string]any) (offer, request map[string]int64) {
	conv := func(v any) map[string]int64 {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		out := map[string]int64{}
		for k, raw := range m {
			switch n := raw.(type) {
			case float64:
				out[k] = int64(n)
			case int64:
				out[k] = n
			case int:
				out[k] = int64(n)
			}
		}
		return out
	}
	if data == nil {
		return nil, nil
	}
	return conv(data["offer"]), conv(data["request"])
}

func (e *Engine) pollBatch(ps *playerState, req protocol.PollReqPayload) protocol.PollBatchPayload {
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	batch := protocol.PollBatchPayload{ReqID: req.ReqID, NextCursor: req.SinceCursor}
	for _, item := range ps.queued {
		if item.Cursor <= req.SinceCursor {
			continue
		}
		batch.Items = append(batch.Items, item)
		batch.NextCursor = item.Cursor
		if len(batch.Items) >= limit {
			break
		}
	}
	return batch
}

func (e *Engine) setPresence(entityID, status string, nowMs int64) {
	if e.presence[entityID] == status {
		return
	}
	e.presence[entityID] = status
	payload := protocol.PresencePayload{EntityID: entityID, Status: status}
	for _, ps := range e.players {
		e.pushToSession(ps, protocol.EnvPresenceUpdate, payload, nowMs)
	}
	e.emit(nil, protocol.Event{"type": "presence_changed", "entity_id": entityID, "status": status})
}

func (e *Engine) reply(out chan []byte, envType string, payload any, nowMs int64) {
	if out == nil {
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
	case out <- b:
	default:
	}
}

// --- typed API surface, executed on the loop goroutine ---

// APIRequest is the sealed set of typed requests the loop serves.
type APIRequest interface{ isAPI() }

type CreateOpportunityReq struct {
	PlayerID string
	Cfg      opportunity.CreateConfig
	Resp     chan CreateOpportunityResp
}

type CreateOpportunityResp struct {
	ID     string
	Result protocol.Result
}

type ProposeAllianceReq struct {
	PlayerID     string
	Counterparty protocol.EntityRef
	Type         string
	Terms        map[string]string
	Resp         chan ProposeResp
}

type ProposeTradeReq struct {
	PlayerID     string
	Counterparty protocol.EntityRef
	Offer        map[string]int64
	Request      map[string]int64
	Resp         chan ProposeResp
}

type ProposeResp struct {
	ID     string
	Result protocol.Result
}

type ResolveJobReq struct {
	PlayerID      string
	OpportunityID string
	Success       bool
	Resp          chan protocol.Result
}

type ContributeReq struct {
	PlayerID   string
	AllianceID string
	ByID       string
	Kind       string
	Value      int64
	Resp       chan protocol.Result
}

type SetPresenceReq struct {
	EntityID string
	Status   string
}

type SatisfyConditionReq struct {
	PlayerID string
	Tag      string
	Payload  map[string]string
	Resp     chan int
}

type InboxQuery struct {
	PlayerID string
	Filter   mailbox.Filter
	Resp     chan []protocol.Message
}

type StatusQuery struct {
	PlayerID string
	Resp     chan PlayerStatus
}

type PlayerStatus struct {
	Known         bool                          `json:"known"`
	Online        bool                          `json:"online"`
	Cash          int64                         `json:"cash"`
	Heat          int64                         `json:"heat"`
	Level         int64                         `json:"level"`
	Energy        int64                         `json:"energy"`
	Unread        int                           `json:"unread"`
	Traits        []string                      `json:"traits,omitempty"`
	Arcs          map[string]string             `json:"arcs,omitempty"`
	Relationships map[string]RelationshipStatus `json:"relationships,omitempty"`
	ActiveOpps    int                           `json:"active_opportunities"`
	ActiveChains  int                           `json:"active_chains"`
}

type RelationshipStatus struct {
	Trust  float64 `json:"trust"`
	Status string  `json:"status"`
	Risk   float64 `json:"betrayal_risk"`
	Ally   bool    `json:"ally,omitempty"`
}

// PollQuery serves the degraded-mode HTTP poll when no socket is up.
type PollQuery struct {
	PlayerID string
	Req      protocol.PollReqPayload
	Resp     chan protocol.PollBatchPayload
}

type SubscribeReq struct {
	PlayerID string
	Resp     chan chan protocol.Event
}

// UnsubscribeReq detaches and closes a subscriber channel.
type UnsubscribeReq struct {
	PlayerID string
	Ch       chan protocol.Event
}

func (CreateOpportunityReq) isAPI() {}
func (ProposeAllianceReq) isAPI()   {}
func (ProposeTradeReq) isAPI()      {}
func (ResolveJobReq) isAPI()        {}
func (ContributeReq) isAPI()        {}
func (SetPresenceReq) isAPI()       {}
func (SatisfyConditionReq) isAPI()  {}
func (InboxQuery) isAPI()           {}
func (StatusQuery) isAPI()          {}
func (PollQuery) isAPI()            {}
func (SubscribeReq) isAPI()         {}
func (UnsubscribeReq) isAPI()       {}

// API returns the request channel for admin and director callers.
func (e *Engine) API() chan<- APIRequest { return e.api }

func (e *Engine) handleAPI(req APIRequest) {
	nowMs := clock.NowMs(e.clk)
	switch r := req.(type) {
	case CreateOpportunityReq:
		ps := e.ensurePlayer(r.PlayerID, "")
		if !ps.sched.CanGenerate(r.Cfg.Type, ps.state.Heat, ps.state.Level(), nowMs) {
			r.Resp <- CreateOpportunityResp{Result: protocol.Fail(protocol.ErrRateLimit, "scheduler cooldown or cap")}
			return
		}
		o, res := ps.opps.Create(r.Cfg, nowMs)
		resp := CreateOpportunityResp{Result: res}
		if res.OK {
			resp.ID = o.ID
			ps.muts++
		}
		r.Resp <- resp

	case ProposeAllianceReq:
		ps := e.ensurePlayer(r.PlayerID, "")
		a, res := ps.alliances.Propose(ps.ref, r.Counterparty, r.Type, r.Terms, nowMs)
		resp := ProposeResp{Result: res}
		if res.OK {
			resp.ID = a.ID
			ps.muts++
		}
		r.Resp <- resp

	case ProposeTradeReq:
		ps := e.ensurePlayer(r.PlayerID, "")
		t, res := ps.trades.Propose(ps.ref, r.Counterparty, r.Offer, r.Request, nowMs)
		resp := ProposeResp{Result: res}
		if res.OK {
			resp.ID = t.ID
			ps.muts++
		}
		r.Resp <- resp

	case ResolveJobReq:
		ps, ok := e.players[r.PlayerID]
		if !ok {
			r.Resp <- protocol.Fail(protocol.ErrNotFound, "no such player: "+r.PlayerID)
			return
		}
		if r.Success {
			ps.sched.NoteOutcome(true, nowMs)
			r.Resp <- ps.opps.Complete(r.OpportunityID, nowMs)
		} else {
			ps.sched.NoteOutcome(false, nowMs)
			r.Resp <- ps.opps.Fail(r.OpportunityID, nowMs)
		}
		ps.muts++

	case ContributeReq:
		ps, ok := e.players[r.PlayerID]
		if !ok {
			r.Resp <- protocol.Fail(protocol.ErrNotFound, "no such player: "+r.PlayerID)
			return
		}
		res := ps.alliances.Contribute(r.AllianceID, r.ByID, r.Kind, r.Value, nowMs)
		if res.OK {
			ps.muts++
		}
		r.Resp <- res

	case SetPresenceReq:
		e.setPresence(r.EntityID, r.Status, nowMs)

	case SatisfyConditionReq:
		ps, ok := e.players[r.PlayerID]
		if !ok {
			r.Resp <- 0
			return
		}
		n := ps.chains.SatisfyCondition(r.Tag, r.Payload, nowMs)
		if n > 0 {
			ps.muts += n
		}
		r.Resp <- n

	case InboxQuery:
		ps, ok := e.players[r.PlayerID]
		if !ok {
			r.Resp <- nil
			return
		}
		r.Resp <- ps.box.List(r.Filter)

	case StatusQuery:
		ps, ok := e.players[r.PlayerID]
		if !ok {
			r.Resp <- PlayerStatus{}
			return
		}
		r.Resp <- e.status(ps)

	case PollQuery:
		ps, ok := e.players[r.PlayerID]
		if !ok {
			r.Resp <- protocol.PollBatchPayload{ReqID: r.Req.ReqID, NextCursor: r.Req.SinceCursor}
			return
		}
		r.Resp <- e.pollBatch(ps, r.Req)

	case SubscribeReq:
		ps := e.ensurePlayer(r.PlayerID, "")
		ch := make(chan protocol.Event, e.cfg.Engine.EventBufferPerSub)
		ps.subs = append(ps.subs, ch)
		r.Resp <- ch

	case UnsubscribeReq:
		ps, ok := e.players[r.PlayerID]
		if !ok {
			return
		}
		for i, sub := range ps.subs {
			if sub == r.Ch {
				ps.subs = append(ps.subs[:i], ps.subs[i+1:]...)
				close(r.Ch)
				break
			}
		}
	}
}

func (e *Engine) status(ps *playerState) PlayerStatus {
	st := PlayerStatus{
		Known:         true,
		Online:        ps.session != nil,
		Cash:          ps.state.Cash,
		Heat:          ps.state.Heat,
		Level:         ps.state.Level(),
		Energy:        ps.state.Energy,
		Unread:        ps.box.UnreadCount(),
		Arcs:          map[string]string{},
		Relationships: map[string]RelationshipStatus{},
		ActiveOpps:    ps.opps.ActiveCount(),
		ActiveChains:  ps.chains.ActiveChains(),
	}
	for t := range ps.traits {
		st.Traits = append(st.Traits, t)
	}
	for arc, stage := range ps.arcs {
		st.Arcs[arc] = stage
	}
	for id, r := range ps.rels.All() {
		st.Relationships[id] = RelationshipStatus{
			Trust:  r.Trust,
			Status: relationship.Status(r.Trust),
			Risk:   relationship.BetrayalRisk(r),
			Ally:   r.Ally,
		}
	}
	return st
}
