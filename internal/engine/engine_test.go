package engine

import (
	"encoding/json"
	"testing"
	"time"

	"undercity.gg/internal/gamestate"
	"undercity.gg/internal/opportunity"
	"undercity.gg/internal/persistence/snapshot"
	"undercity.gg/internal/protocol"
	"undercity.gg/internal/tuning"
)

type testClock struct{ ms int64 }

func (c *testClock) Now() time.Time { return time.UnixMilli(c.ms) }

func newTestEngine(t *testing.T) (*Engine, *testClock) {
	t.Helper()
	clk := &testClock{ms: 1000}
	e := New(Config{
		Tuning:  tuning.Default(),
		DataDir: t.TempDir(),
		Clock:   clk,
		Rand:    func() float64 { return 0 },
	})
	return e, clk
}

func join(t *testing.T, e *Engine, playerID string) chan []byte {
	t.Helper()
	out := make(chan []byte, 64)
	resp := make(chan JoinResponse, 1)
	e.handleJoin(JoinRequest{PlayerID: playerID, Name: "Tester", Out: out, Resp: resp})
	r := <-resp
	if !r.Result.OK {
		t.Fatalf("join: %+v", r.Result)
	}
	return out
}

func createOpp(t *testing.T, e *Engine, playerID string, cfg opportunity.CreateConfig) string {
	t.Helper()
	resp := make(chan CreateOpportunityResp, 1)
	e.handleAPI(CreateOpportunityReq{PlayerID: playerID, Cfg: cfg, Resp: resp})
	r := <-resp
	if !r.Result.OK {
		t.Fatalf("create opportunity: %+v", r.Result)
	}
	return r.ID
}

func drainEnvelopes(t *testing.T, out chan []byte) []protocol.Envelope {
	t.Helper()
	var envs []protocol.Envelope
	for {
		select {
		case b := <-out:
			env, err := protocol.DecodeEnvelope(b)
			if err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			envs = append(envs, env)
		default:
			return envs
		}
	}
}

func vince() protocol.EntityRef {
	return protocol.EntityRef{ID: "NPC_vince", Name: "Vince", Kind: protocol.KindNPC}
}

func TestOfflineDeliveryQueuesAndRedeliversOnJoin(t *testing.T) {
	e, _ := newTestEngine(t)

	createOpp(t, e, "P1", opportunity.CreateConfig{Type: opportunity.TypeJob, Counterparty: vince(), Text: "warehouse job"})
	ps := e.players["P1"]
	if len(ps.queued) != 1 {
		t.Fatalf("offline delivery should queue, got %d", len(ps.queued))
	}

	out := join(t, e, "P1")
	envs := drainEnvelopes(t, out)
	var received int
	for _, env := range envs {
		if env.Type == protocol.EnvReceive {
			received++
		}
	}
	if received != 1 {
		t.Fatalf("join should redeliver the queued message, got %d receives", received)
	}
	if len(ps.queued) != 0 {
		t.Fatalf("queue should clear after redelivery")
	}
}

func TestSendRoutesOpportunityResponse(t *testing.T) {
	e, clk := newTestEngine(t)
	out := join(t, e, "P1")
	id := createOpp(t, e, "P1", opportunity.CreateConfig{
		Type: opportunity.TypeJob, Counterparty: vince(), Text: "job",
		Reward: map[string]int64{gamestate.FieldCash: 300},
	})
	drainEnvelopes(t, out)

	clk.ms += 1000
	m, _ := protocol.New(protocol.Config{
		Type:    protocol.MsgPlayer,
		From:    protocol.EntityRef{ID: "P1", Kind: protocol.KindSelf},
		To:      vince(),
		Content: protocol.Content{Text: "yes"},
		Meta:    map[string]string{"opportunity_id": id},
		NowMs:   clk.ms,
	})
	payload, _ := json.Marshal(m)
	e.handleCommand(CommandEnvelope{
		PlayerID: "P1",
		Env:      protocol.Envelope{Type: protocol.EnvSend, Payload: payload},
		Out:      out,
	})

	envs := drainEnvelopes(t, out)
	var ack *protocol.AckPayload
	for _, env := range envs {
		if env.Type == protocol.EnvAck {
			var a protocol.AckPayload
			if err := json.Unmarshal(env.Payload, &a); err != nil {
				t.Fatalf("ack decode: %v", err)
			}
			ack = &a
		}
	}
	if ack == nil || !ack.Accepted || ack.MessageID != m.ID {
		t.Fatalf("accepting send should ack positively: %+v", ack)
	}
	ps := e.players["P1"]
	if ps.state.Cash != 800 {
		t.Fatalf("job reward should land, cash=%d", ps.state.Cash)
	}
}

func TestPingPong(t *testing.T) {
	e, _ := newTestEngine(t)
	out := join(t, e, "P1")
	drainEnvelopes(t, out)

	e.handleCommand(CommandEnvelope{
		PlayerID: "P1",
		Env:      protocol.Envelope{Type: protocol.EnvPing},
		Out:      out,
	})
	envs := drainEnvelopes(t, out)
	if len(envs) != 1 || envs[0].Type != protocol.EnvPong {
		t.Fatalf("ping should pong, got %+v", envs)
	}
}

func TestPollBatchPagination(t *testing.T) {
	e, _ := newTestEngine(t)
	for i := 0; i < 3; i++ {
		createOpp(t, e, "P1", opportunity.CreateConfig{
			Type: "job", Counterparty: vince(), Text: "job",
		})
		// Space fires out so the scheduler does not block generation.
		e.clk.(*testClock).ms += tuning.Default().Scheduler.TypeCooldownMs["job"] + 1
	}
	ps := e.players["P1"]
	if len(ps.queued) != 3 {
		t.Fatalf("expected 3 queued, got %d", len(ps.queued))
	}

	batch := e.pollBatch(ps, protocol.PollReqPayload{ReqID: "r1", SinceCursor: 0, Limit: 2})
	if len(batch.Items) != 2 || batch.NextCursor != 2 {
		t.Fatalf("first page wrong: %+v", batch)
	}
	batch = e.pollBatch(ps, protocol.PollReqPayload{ReqID: "r2", SinceCursor: batch.NextCursor, Limit: 2})
	if len(batch.Items) != 1 || batch.NextCursor != 3 {
		t.Fatalf("second page wrong: %+v", batch)
	}
}

func TestPresenceBroadcastAndSnapshotOnJoin(t *testing.T) {
	e, _ := newTestEngine(t)
	out := join(t, e, "P1")
	drainEnvelopes(t, out)

	e.handleAPI(SetPresenceReq{EntityID: "NPC_vince", Status: protocol.PresenceOnline})
	envs := drainEnvelopes(t, out)
	if len(envs) != 1 || envs[0].Type != protocol.EnvPresenceUpdate {
		t.Fatalf("presence change should broadcast, got %+v", envs)
	}

	// A later join sees the directory snapshot.
	out2 := join(t, e, "P2")
	envs = drainEnvelopes(t, out2)
	found := false
	for _, env := range envs {
		if env.Type == protocol.EnvPresence {
			var p protocol.PresencePayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.EntityID == "NPC_vince" && p.Status == protocol.PresenceOnline {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("join should receive the presence snapshot")
	}
}

func TestSnapshotRoundtripRehydratesPlayer(t *testing.T) {
	e, clk := newTestEngine(t)
	dataDir := e.dataDir

	id := createOpp(t, e, "P1", opportunity.CreateConfig{
		Type: opportunity.TypeJob, Counterparty: vince(), Text: "job",
		Reward: map[string]int64{gamestate.FieldCash: 100},
	})
	ps := e.players["P1"]
	ps.opps.Respond(id, "yes", clk.ms+1)
	ps.traits["wanted"] = struct{}{}

	snap := ps.assembleSnapshot(clk.ms + 2)
	if err := snapshot.Write(snapshot.Path(dataDir, "P1"), snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	e2 := New(Config{Tuning: tuning.Default(), DataDir: dataDir, Clock: clk, Rand: func() float64 { return 0 }})
	ps2 := e2.ensurePlayer("P1", "")
	if ps2.state.Cash != ps.state.Cash {
		t.Fatalf("cash not rehydrated: %d vs %d", ps2.state.Cash, ps.state.Cash)
	}
	if _, ok := ps2.traits["wanted"]; !ok {
		t.Fatalf("traits not rehydrated")
	}
	if len(ps2.opps.History()) != 1 {
		t.Fatalf("opportunity history not rehydrated")
	}
	r, ok := ps2.rels.Get("NPC_vince")
	if !ok || r.Trust == 0 {
		t.Fatalf("relationship not rehydrated: %+v", r)
	}
	// Counters continue, no id reuse. Clear the restored cooldowns first.
	clk.ms += 200000
	next := createOpp(t, e2, "P1", opportunity.CreateConfig{Type: "trade", Counterparty: vince(), Text: "deal"})
	if next == id {
		t.Fatalf("restored counter reused an id")
	}
}

func TestChatNudgesTrust(t *testing.T) {
	e, clk := newTestEngine(t)
	join(t, e, "P1")
	ps := e.players["P1"]

	m, _ := protocol.New(protocol.Config{
		Type:    protocol.MsgChat,
		From:    protocol.EntityRef{ID: "P1", Kind: protocol.KindSelf},
		To:      vince(),
		Content: protocol.Content{Text: "how's business"},
		NowMs:   clk.ms,
	})
	if res := e.routeSend(ps, m, clk.ms); !res.OK {
		t.Fatalf("chat route: %+v", res)
	}
	r, ok := ps.rels.Get("NPC_vince")
	if !ok || r.Trust <= 0 {
		t.Fatalf("chat should build a little trust, got %+v", r)
	}
}

func TestResumeTokenGatesReattach(t *testing.T) {
	e, _ := newTestEngine(t)
	out := make(chan []byte, 8)
	resp := make(chan JoinResponse, 1)
	e.handleJoin(JoinRequest{PlayerID: "P1", Out: out, Resp: resp})
	first := <-resp
	if first.ResumeToken == "" {
		t.Fatalf("join should issue a resume token")
	}

	resp2 := make(chan JoinResponse, 1)
	e.handleJoin(JoinRequest{PlayerID: "P1", ResumeToken: "RT_bogus", Out: make(chan []byte, 8), Resp: resp2})
	if r := <-resp2; r.Result.OK {
		t.Fatalf("bad resume token must be refused")
	}

	resp3 := make(chan JoinResponse, 1)
	e.handleJoin(JoinRequest{PlayerID: "P1", ResumeToken: first.ResumeToken, Out: make(chan []byte, 8), Resp: resp3})
	if r := <-resp3; !r.Result.OK {
		t.Fatalf("valid resume token should reattach: %+v", r.Result)
	}
}
