package consequence

import (
	"math/rand"
	"testing"

	"undercity.gg/internal/protocol"
)

type fakeEnv struct {
	resources     map[string]int64
	traits        map[string]bool
	arcs          map[string]string
	interactions  []string
	narrations    []string
	genericEvents []map[string]string
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		resources: map[string]int64{},
		traits:    map[string]bool{},
		arcs:      map[string]string{},
	}
}

func (f *fakeEnv) ApplyResourceDelta(field string, amount int64) protocol.Result {
	f.resources[field] += amount
	return protocol.Ok()
}
func (f *fakeEnv) AddTrait(trait string)    { f.traits[trait] = true }
func (f *fakeEnv) RemoveTrait(trait string) { delete(f.traits, trait) }
func (f *fakeEnv) TransitionArc(arc, stage string) {
	f.arcs[arc] = stage
}
func (f *fakeEnv) RecordInteraction(counterpartyID, interactionType string) {
	f.interactions = append(f.interactions, counterpartyID+":"+interactionType)
}
func (f *fakeEnv) Narrate(text string, meta map[string]string) {
	f.narrations = append(f.narrations, text)
}
func (f *fakeEnv) EmitGeneric(data map[string]string) {
	f.genericEvents = append(f.genericEvents, data)
}

func singleDelayed(chance float64) []Template {
	return []Template{{
		ID:    "t",
		Entry: []string{"s1"},
		Steps: map[string]Step{
			"s1": {
				ID: "s1", Kind: StepDelayed, DelayMs: 1000, Chance: chance,
				Effects: []Effect{{Kind: EffectResourceDelta, Field: "cash", Amount: 100}},
				Next:    []string{"s2"},
			},
			"s2": {
				ID: "s2", Kind: StepImmediate,
				Effects: []Effect{{Kind: EffectResourceDelta, Field: "experience", Amount: 1}},
			},
		},
	}}
}

func TestImmediateChainRunsAndCompletes(t *testing.T) {
	env := newFakeEnv()
	e := NewEngine(env, DefaultTemplates())
	id, res := e.Trigger("heat_wave", nil, 0)
	if !res.OK {
		t.Fatalf("trigger: %+v", res)
	}
	if env.resources["heat"] != 15 {
		t.Fatalf("immediate effect not applied: %+v", env.resources)
	}
	if e.PendingDelayedCount() != 1 {
		t.Fatalf("cooldown should be pending")
	}
	e.Tick(7200000)
	if env.resources["heat"] != -5 {
		t.Fatalf("delayed effect not applied: %+v", env.resources)
	}
	if _, ok := e.Chain(id); ok {
		t.Fatalf("finished chain should be reclaimed")
	}
}

func TestDelayedChanceSkipAdvancesChain(t *testing.T) {
	env := newFakeEnv()
	e := NewEngine(env, singleDelayed(0.4))
	e.SetRand(func() float64 { return 0.9 }) // always fail the roll
	id, _ := e.Trigger("t", nil, 0)
	e.Tick(1000)
	if env.resources["cash"] != 0 {
		t.Fatalf("skipped step must not run effects")
	}
	if env.resources["experience"] != 1 {
		t.Fatalf("skip must still advance to next steps")
	}
	if _, ok := e.Chain(id); ok {
		t.Fatalf("chain should complete through the skip")
	}
}

func TestDelayedChanceDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(1337))
	skips := 0
	for i := 0; i < 1000; i++ {
		env := newFakeEnv()
		e := NewEngine(env, singleDelayed(0.4))
		e.SetRand(rng.Float64)
		e.Trigger("t", nil, 0)
		e.Tick(1000)
		if env.resources["cash"] == 0 {
			skips++
		}
	}
	if skips < 550 || skips > 650 {
		t.Fatalf("chance=0.4 should skip ~60%% of 1000 runs, got %d", skips)
	}
}

func TestStepFiresAtMostOnce(t *testing.T) {
	env := newFakeEnv()
	// Two entry steps converge on the same next step.
	e := NewEngine(env, []Template{{
		ID:    "t",
		Entry: []string{"a", "b"},
		Steps: map[string]Step{
			"a": {ID: "a", Kind: StepImmediate, Next: []string{"c"}},
			"b": {ID: "b", Kind: StepImmediate, Next: []string{"c"}},
			"c": {ID: "c", Kind: StepImmediate,
				Effects: []Effect{{Kind: EffectResourceDelta, Field: "cash", Amount: 1}}},
		},
	}})
	e.Trigger("t", nil, 0)
	if env.resources["cash"] != 1 {
		t.Fatalf("converging step ran %d times, want exactly once", env.resources["cash"])
	}
}

func TestConditionalResolvesWithPayload(t *testing.T) {
	env := newFakeEnv()
	e := NewEngine(env, DefaultTemplates())
	id, _ := e.Trigger("debt_collection", map[string]string{
		"counterparty":      "NPC_sal",
		"counterparty_name": "Sal",
		"amount":            "2000",
	}, 0)
	if len(env.narrations) != 1 || env.narrations[0] != "Sal wants the 2000 you owe. Soon." {
		t.Fatalf("interpolated narration wrong: %v", env.narrations)
	}
	if n := e.SatisfyCondition("debt_paid", map[string]string{"paid": "2000"}, 5000); n != 1 {
		t.Fatalf("expected one matcher resolved, got %d", n)
	}
	if len(env.interactions) != 1 || env.interactions[0] != "NPC_sal:gift_received" {
		t.Fatalf("conditional effects wrong: %v", env.interactions)
	}
	if _, ok := e.Chain(id); ok {
		t.Fatalf("chain should be reclaimed after terminal step")
	}
	if n := e.SatisfyCondition("debt_paid", nil, 6000); n != 0 {
		t.Fatalf("matcher must not fire twice, got %d", n)
	}
}

func TestBranchingHaltsForChoice(t *testing.T) {
	env := newFakeEnv()
	e := NewEngine(env, DefaultTemplates())
	e.SetRand(func() float64 { return 0.0 }) // word_spreads always fires
	ctx := map[string]string{"counterparty": "NPC_sal", "counterparty_name": "Sal"}
	id, _ := e.Trigger("betrayal_fallout", ctx, 0)
	e.Tick(3600000)

	c, ok := e.Chain(id)
	if !ok || c.AwaitingChoice != "crossroads" {
		t.Fatalf("chain should halt awaiting the crossroads choice")
	}
	if res := e.Choose(id, "disappear", 3600001); res.OK || res.Code != protocol.ErrValidation {
		t.Fatalf("undeclared branch must be rejected, got %+v", res)
	}
	heatBefore := env.resources["heat"]
	if res := e.Choose(id, "retaliate", 3600001); !res.OK {
		t.Fatalf("choose: %+v", res)
	}
	if env.resources["heat"] != heatBefore+25 {
		t.Fatalf("branch effects not applied")
	}
	if env.arcs["vendetta"] != "open" {
		t.Fatalf("arc transition missing: %+v", env.arcs)
	}
	if res := e.Choose(id, "retaliate", 3600002); res.OK || res.Code != protocol.ErrNotFound {
		t.Fatalf("completed chain should be gone, got %+v", res)
	}
}

func TestCancelDelayedBeforeFire(t *testing.T) {
	env := newFakeEnv()
	e := NewEngine(env, singleDelayed(0))
	id, _ := e.Trigger("t", nil, 0)
	if res := e.CancelDelayed(id, "s1"); !res.OK {
		t.Fatalf("cancel: %+v", res)
	}
	e.Tick(10000)
	if env.resources["cash"] != 0 {
		t.Fatalf("cancelled step must never fire")
	}
	if res := e.CancelDelayed(id, "s1"); res.OK {
		t.Fatalf("double cancel should report not found")
	}
}

func TestCancelChainDropsPending(t *testing.T) {
	env := newFakeEnv()
	e := NewEngine(env, singleDelayed(0))
	id, _ := e.Trigger("t", nil, 0)
	if res := e.CancelChain(id); !res.OK {
		t.Fatalf("cancel chain: %+v", res)
	}
	if e.PendingDelayedCount() != 0 {
		t.Fatalf("pending entries must be dropped with the chain")
	}
	if res := e.CancelChain(id); res.OK {
		t.Fatalf("cancelling a gone chain should fail")
	}
}

func TestUnknownEffectKindPassesThrough(t *testing.T) {
	env := newFakeEnv()
	e := NewEngine(env, []Template{{
		ID:    "t",
		Entry: []string{"s"},
		Steps: map[string]Step{
			"s": {ID: "s", Kind: StepImmediate,
				Effects: []Effect{{Kind: "ripple_v2", Data: map[string]string{"what": "{thing}"}}}},
		},
	}})
	e.Trigger("t", map[string]string{"thing": "earthquake"}, 0)
	if len(env.genericEvents) != 1 || env.genericEvents[0]["what"] != "earthquake" {
		t.Fatalf("unknown kinds should pass through generically: %v", env.genericEvents)
	}
}
