package opportunity

import (
	"testing"

	"undercity.gg/internal/gamestate"
	"undercity.gg/internal/mailbox"
	"undercity.gg/internal/protocol"
	"undercity.gg/internal/relationship"
	"undercity.gg/internal/tuning"
)

type managerFixture struct {
	m      *Manager
	sched  *Scheduler
	rels   *relationship.Tracker
	box    *mailbox.Box
	state  *gamestate.State
	events []protocol.Event
	chains []string
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	cfg := tuning.Default()
	f := &managerFixture{
		sched: NewScheduler(cfg.Scheduler),
		rels:  relationship.NewTracker(cfg.Relationship),
		box:   mailbox.New("P1"),
		state: gamestate.New(),
	}
	f.m = NewManager(cfg.Opportunity, f.sched, f.rels, f.box, f.state, Hooks{
		Emit:         func(ev protocol.Event) { f.events = append(f.events, ev) },
		TriggerChain: func(tpl string, ctx map[string]string) { f.chains = append(f.chains, tpl) },
	})
	return f
}

func vince() protocol.EntityRef {
	return protocol.EntityRef{ID: "NPC_vince", Name: "Vince", Kind: protocol.KindNPC}
}

func (f *managerFixture) trustWith(t *testing.T, id string) float64 {
	t.Helper()
	r, ok := f.rels.Get(id)
	if !ok {
		t.Fatalf("no relationship with %s", id)
	}
	return r.Trust
}

func TestCreate_DefaultExpiryAndDelivery(t *testing.T) {
	f := newFixture(t)
	o, res := f.m.Create(CreateConfig{Type: TypeJob, Counterparty: vince(), Text: "warehouse job"}, 1000)
	if !res.OK {
		t.Fatalf("create: %+v", res)
	}
	if o.ExpiresAtMs != 1000+600000 {
		t.Fatalf("job default expiry wrong: %d", o.ExpiresAtMs)
	}
	if f.box.UnreadCount() != 1 {
		t.Fatalf("offer message should land in the mailbox")
	}
	if len(f.events) != 1 || f.events[0]["type"] != "opportunity_received" {
		t.Fatalf("expected opportunity_received event, got %+v", f.events)
	}
	if f.sched.CanGenerate(TypeJob, 0, 1, 1001) {
		t.Fatalf("create must register the fire with the scheduler")
	}
}

func TestRespond_JobAcceptAppliesRewardsOnce(t *testing.T) {
	f := newFixture(t)
	o, _ := f.m.Create(CreateConfig{
		Type: TypeJob, Counterparty: vince(), Text: "job",
		Reward:   map[string]int64{gamestate.FieldCash: 1000, gamestate.FieldExperience: 100},
		Risk:     map[string]int64{gamestate.FieldHeat: 5},
		ExpiryMs: 600000,
	}, 0)

	resp, res := f.m.Respond(o.ID, "yes", 1000)
	if !res.OK || resp != ResponseAccept {
		t.Fatalf("respond: %s %+v", resp, res)
	}
	if o.State != StateCompleted {
		t.Fatalf("non-in-progress job should terminate immediately, got %s", o.State)
	}
	if f.state.Cash != 1500 || f.state.Experience != 100 || f.state.Heat != 5 {
		t.Fatalf("reward/risk deltas wrong: %+v", f.state)
	}

	// Terminal id: further actions are state errors, deltas never repeat.
	if _, res := f.m.Respond(o.ID, "yes", 2000); res.OK || res.Code != protocol.ErrState {
		t.Fatalf("terminal respond should fail with state error, got %+v", res)
	}
	if f.state.Cash != 1500 {
		t.Fatalf("rewards applied more than once")
	}
}

func TestRespond_SynonymsAndUnparseable(t *testing.T) {
	f := newFixture(t)
	for raw, want := range map[string]string{
		"yes": ResponseAccept, "Sure!": ResponseAccept, "count me in": ResponseAccept,
		"nah": ResponseDecline, "No thanks.": ResponseDecline,
	} {
		if got := NormalizeResponse(raw); got != want {
			t.Fatalf("NormalizeResponse(%q) = %s, want %s", raw, got, want)
		}
	}
	o, _ := f.m.Create(CreateConfig{Type: TypeJob, Counterparty: vince(), Text: "job"}, 0)
	resp, res := f.m.Respond(o.ID, "maybe tuesday?", 1)
	if resp != ResponseUnparseable || res.OK || res.Code != protocol.ErrUnparseable {
		t.Fatalf("unparseable input must be distinct, got %s %+v", resp, res)
	}
	if o.State != StatePending {
		t.Fatalf("unparseable input must not consume the opportunity")
	}
}

func TestRespond_DeclinePenalty(t *testing.T) {
	f := newFixture(t)
	o, _ := f.m.Create(CreateConfig{Type: TypeJob, Counterparty: vince(), Text: "job"}, 0)
	if _, res := f.m.Respond(o.ID, "pass", 1); !res.OK {
		t.Fatalf("decline: %+v", res)
	}
	if o.State != StateDeclined {
		t.Fatalf("state should be declined, got %s", o.State)
	}
	if trust := f.trustWith(t, "NPC_vince"); trust >= 0 {
		t.Fatalf("decline should cost a little trust, got %f", trust)
	}
	if got := f.box.List(mailbox.Filter{Archived: true}); len(got) != 1 {
		t.Fatalf("handled offer should be archived")
	}
}

func TestSweep_IgnoredPenaltyExactlyOnce(t *testing.T) {
	f := newFixture(t)
	o, _ := f.m.Create(CreateConfig{Type: TypeJob, Counterparty: vince(), Text: "job", ExpiryMs: 600000}, 0)

	if n := f.m.Sweep(599999); n != 0 {
		t.Fatalf("nothing should expire early, got %d", n)
	}
	if n := f.m.Sweep(600000); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	if o.State != StateExpired {
		t.Fatalf("state should be expired, got %s", o.State)
	}
	after := f.trustWith(t, "NPC_vince")

	// Repeated sweeps must not re-apply the penalty.
	f.m.Sweep(700000)
	f.m.Sweep(800000)
	if got := f.trustWith(t, "NPC_vince"); got != after {
		t.Fatalf("ignored penalty applied more than once: %f vs %f", got, after)
	}
	if len(f.m.History()) != 1 {
		t.Fatalf("expired opportunity should be in history")
	}
}

func TestRespond_PastExpiryIsExpiredError(t *testing.T) {
	f := newFixture(t)
	o, _ := f.m.Create(CreateConfig{Type: TypeJob, Counterparty: vince(), Text: "job", ExpiryMs: 1000}, 0)
	if _, res := f.m.Respond(o.ID, "yes", 1000); res.OK || res.Code != protocol.ErrExpired {
		t.Fatalf("late respond should be expired error, got %+v", res)
	}
	if o.State != StateExpired {
		t.Fatalf("late respond should expire the opportunity")
	}
}

func TestTradeAffordability(t *testing.T) {
	f := newFixture(t)
	f.state.Cash = 100
	o, _ := f.m.Create(CreateConfig{
		Type: TypeTrade, Counterparty: vince(), Text: "buy low",
		Requirement: map[string]int64{gamestate.FieldCash: 500},
		Reward:      map[string]int64{gamestate.FieldEnergy: 0},
	}, 0)
	if _, res := f.m.Respond(o.ID, "deal", 1); res.OK || res.Code != protocol.ErrNoResource {
		t.Fatalf("unaffordable trade should fail, got %+v", res)
	}
	if o.State != StatePending {
		t.Fatalf("failed trade should stay pending for retry")
	}
	f.state.Cash = 600
	if _, res := f.m.Respond(o.ID, "deal", 2); !res.OK {
		t.Fatalf("affordable trade: %+v", res)
	}
	if f.state.Cash != 100 {
		t.Fatalf("trade cost not transferred: %d", f.state.Cash)
	}
	if o.State != StateCompleted {
		t.Fatalf("trade should complete, got %s", o.State)
	}
}

func TestAllianceAcceptRegistersAlly(t *testing.T) {
	f := newFixture(t)
	o, _ := f.m.Create(CreateConfig{Type: TypeAlliance, Counterparty: vince(), Text: "run together"}, 0)
	f.m.Respond(o.ID, "i'm in", 1)
	r, ok := f.rels.Get("NPC_vince")
	if !ok || !r.Ally {
		t.Fatalf("alliance accept should set the ally flag")
	}
}

func TestInProgressJobLifecycle(t *testing.T) {
	f := newFixture(t)
	o, _ := f.m.Create(CreateConfig{
		Type: TypeJob, Counterparty: vince(), Text: "long con",
		Reward:     map[string]int64{gamestate.FieldCash: 200},
		InProgress: true,
	}, 0)
	f.m.Respond(o.ID, "yes", 1)
	if o.State != StateAccepted {
		t.Fatalf("in-progress job should hold at accepted, got %s", o.State)
	}
	if res := f.m.Complete(o.ID, 5000); !res.OK {
		t.Fatalf("complete: %+v", res)
	}
	if o.State != StateCompleted {
		t.Fatalf("complete should finish the job, got %s", o.State)
	}
	if res := f.m.Complete(o.ID, 6000); res.OK || res.Code != protocol.ErrNotFound {
		t.Fatalf("double complete should fail, got %+v", res)
	}
}

func TestAcceptTriggersChain(t *testing.T) {
	f := newFixture(t)
	o, _ := f.m.Create(CreateConfig{
		Type: TypeJob, Counterparty: vince(), Text: "job",
		ChainTemplate: "heat_wave",
	}, 0)
	f.m.Respond(o.ID, "yes", 1)
	if len(f.chains) != 1 || f.chains[0] != "heat_wave" {
		t.Fatalf("completed job should trigger its chain, got %v", f.chains)
	}
}
