package main

import (
	"encoding/json"
	"net/http"
	"time"

	"undercity.gg/internal/engine"
	"undercity.gg/internal/mailbox"
	"undercity.gg/internal/opportunity"
	"undercity.gg/internal/persistence/indexdb"
	"undercity.gg/internal/protocol"
)

// Local-only director/ops endpoints. Everything funnels through the engine
// api channel so handlers never touch loop state directly.
func registerAdminHandlers(mux *http.ServeMux, eng *engine.Engine, idx *indexdb.SQLiteIndex) {
	mux.HandleFunc("/admin/v1/status", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		player := r.URL.Query().Get("player")
		if player == "" {
			http.Error(rw, "player required", http.StatusBadRequest)
			return
		}
		resp := make(chan engine.PlayerStatus, 1)
		if !submit(eng, engine.StatusQuery{PlayerID: player, Resp: resp}) {
			http.Error(rw, "engine busy", http.StatusServiceUnavailable)
			return
		}
		writeJSONResp(rw, <-resp)
	}))

	mux.HandleFunc("/admin/v1/inbox", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		player := r.URL.Query().Get("player")
		if player == "" {
			http.Error(rw, "player required", http.StatusBadRequest)
			return
		}
		filter := mailbox.Filter{
			Type:       r.URL.Query().Get("type"),
			UnreadOnly: r.URL.Query().Get("unread") == "1",
			Archived:   r.URL.Query().Get("archived") == "1",
		}
		resp := make(chan []protocol.Message, 1)
		if !submit(eng, engine.InboxQuery{PlayerID: player, Filter: filter, Resp: resp}) {
			http.Error(rw, "engine busy", http.StatusServiceUnavailable)
			return
		}
		writeJSONResp(rw, <-resp)
	}))

	mux.HandleFunc("/admin/v1/opportunity", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			PlayerID      string             `json:"player_id"`
			Type          string             `json:"type"`
			Counterparty  protocol.EntityRef `json:"counterparty"`
			Text          string             `json:"text"`
			Reward        map[string]int64   `json:"reward,omitempty"`
			Risk          map[string]int64   `json:"risk,omitempty"`
			Requirement   map[string]int64   `json:"requirement,omitempty"`
			ExpiryMs      int64              `json:"expiry_ms,omitempty"`
			ChainTemplate string             `json:"chain_template,omitempty"`
			InProgress    bool               `json:"in_progress,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PlayerID == "" {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		resp := make(chan engine.CreateOpportunityResp, 1)
		req := engine.CreateOpportunityReq{
			PlayerID: body.PlayerID,
			Cfg: opportunity.CreateConfig{
				Type:          body.Type,
				Counterparty:  body.Counterparty,
				Text:          body.Text,
				Reward:        body.Reward,
				Risk:          body.Risk,
				Requirement:   body.Requirement,
				ExpiryMs:      body.ExpiryMs,
				ChainTemplate: body.ChainTemplate,
				InProgress:    body.InProgress,
			},
			Resp: resp,
		}
		if !submit(eng, req) {
			http.Error(rw, "engine busy", http.StatusServiceUnavailable)
			return
		}
		writeJSONResp(rw, <-resp)
	}))

	mux.HandleFunc("/admin/v1/alliance", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			PlayerID     string             `json:"player_id"`
			Counterparty protocol.EntityRef `json:"counterparty"`
			Type         string             `json:"type"`
			Terms        map[string]string  `json:"terms,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PlayerID == "" {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		resp := make(chan engine.ProposeResp, 1)
		if !submit(eng, engine.ProposeAllianceReq{
			PlayerID: body.PlayerID, Counterparty: body.Counterparty,
			Type: body.Type, Terms: body.Terms, Resp: resp,
		}) {
			http.Error(rw, "engine busy", http.StatusServiceUnavailable)
			return
		}
		writeJSONResp(rw, <-resp)
	}))

	mux.HandleFunc("/admin/v1/trade", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			PlayerID     string             `json:"player_id"`
			Counterparty protocol.EntityRef `json:"counterparty"`
			Offer        map[string]int64   `json:"offer"`
			Request      map[string]int64   `json:"request"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PlayerID == "" {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		resp := make(chan engine.ProposeResp, 1)
		if !submit(eng, engine.ProposeTradeReq{
			PlayerID: body.PlayerID, Counterparty: body.Counterparty,
			Offer: body.Offer, Request: body.Request, Resp: resp,
		}) {
			http.Error(rw, "engine busy", http.StatusServiceUnavailable)
			return
		}
		writeJSONResp(rw, <-resp)
	}))

	mux.HandleFunc("/admin/v1/resolve", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			PlayerID      string `json:"player_id"`
			OpportunityID string `json:"opportunity_id"`
			Success       bool   `json:"success"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PlayerID == "" {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		resp := make(chan protocol.Result, 1)
		if !submit(eng, engine.ResolveJobReq{
			PlayerID: body.PlayerID, OpportunityID: body.OpportunityID,
			Success: body.Success, Resp: resp,
		}) {
			http.Error(rw, "engine busy", http.StatusServiceUnavailable)
			return
		}
		writeJSONResp(rw, <-resp)
	}))

	mux.HandleFunc("/admin/v1/presence", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			EntityID string `json:"entity_id"`
			Status   string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.EntityID == "" {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		if !submit(eng, engine.SetPresenceReq{EntityID: body.EntityID, Status: body.Status}) {
			http.Error(rw, "engine busy", http.StatusServiceUnavailable)
			return
		}
		writeJSONResp(rw, map[string]bool{"ok": true})
	}))

	mux.HandleFunc("/admin/v1/condition", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			PlayerID string            `json:"player_id"`
			Tag      string            `json:"tag"`
			Payload  map[string]string `json:"payload,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PlayerID == "" {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		resp := make(chan int, 1)
		if !submit(eng, engine.SatisfyConditionReq{
			PlayerID: body.PlayerID, Tag: body.Tag, Payload: body.Payload, Resp: resp,
		}) {
			http.Error(rw, "engine busy", http.StatusServiceUnavailable)
			return
		}
		writeJSONResp(rw, map[string]int{"advanced": <-resp})
	}))

	// Read models backed by the sqlite index.
	mux.HandleFunc("/admin/v1/messages", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if idx == nil {
			http.Error(rw, "history index disabled", http.StatusGone)
			return
		}
		player := r.URL.Query().Get("player")
		if player == "" {
			http.Error(rw, "player required", http.StatusBadRequest)
			return
		}
		idx.Sync()
		msgs, err := idx.RecentMessages(player, 100)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSONResp(rw, msgs)
	}))

	mux.HandleFunc("/admin/v1/outcomes", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if idx == nil {
			http.Error(rw, "history index disabled", http.StatusGone)
			return
		}
		player := r.URL.Query().Get("player")
		if player == "" {
			http.Error(rw, "player required", http.StatusBadRequest)
			return
		}
		idx.Sync()
		rows, err := idx.NegotiationOutcomes(player, 100)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSONResp(rw, rows)
	}))

	mux.HandleFunc("/admin/v1/interactions", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if idx == nil {
			http.Error(rw, "history index disabled", http.StatusGone)
			return
		}
		player := r.URL.Query().Get("player")
		if player == "" {
			http.Error(rw, "player required", http.StatusBadRequest)
			return
		}
		idx.Sync()
		stats, err := idx.InteractionStats(player)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSONResp(rw, stats)
	}))
}

// submit hands a request to the engine loop without blocking forever.
func submit(eng *engine.Engine, req engine.APIRequest) bool {
	select {
	case eng.API() <- req:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

func adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSONResp(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}
