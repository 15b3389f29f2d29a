// Package consequence executes branching effect graphs: steps firing
// immediately, after a delay, on an external condition, or along a chosen
// branch. Every step fires at most once.
package consequence

import (
	"fmt"
	"math/rand"
	"strings"

	"undercity.gg/internal/protocol"
)

// Step kinds.
const (
	StepImmediate   = "immediate"
	StepDelayed     = "delayed"
	StepConditional = "conditional"
	StepBranching   = "branching"
)

// Effect kinds, a closed union with one pass-through variant.
const (
	EffectResourceDelta     = "resource_delta"
	EffectTraitAdd          = "trait_add"
	EffectTraitRemove       = "trait_remove"
	EffectArcTransition     = "arc_transition"
	EffectRelationshipDelta = "relationship_delta"
	EffectGeneric           = "generic"
)

// Step completion states.
const (
	stepFired   = "fired"
	stepSkipped = "skipped"
)

// Chain status.
const (
	ChainActive    = "active"
	ChainCompleted = "completed"
	ChainCancelled = "cancelled"
)

type Effect struct {
	Kind string `yaml:"kind" json:"kind"`

	// resource_delta
	Field  string `yaml:"field,omitempty" json:"field,omitempty"`
	Amount int64  `yaml:"amount,omitempty" json:"amount,omitempty"`

	// trait_add / trait_remove
	Trait string `yaml:"trait,omitempty" json:"trait,omitempty"`

	// arc_transition
	Arc   string `yaml:"arc,omitempty" json:"arc,omitempty"`
	Stage string `yaml:"stage,omitempty" json:"stage,omitempty"`

	// relationship_delta: impact-table interaction against a counterparty.
	// Both fields interpolate {placeholders} from the chain context.
	Counterparty string `yaml:"counterparty,omitempty" json:"counterparty,omitempty"`
	Interaction  string `yaml:"interaction,omitempty" json:"interaction,omitempty"`

	// generic pass-through
	Data map[string]string `yaml:"data,omitempty" json:"data,omitempty"`
}

type Branch struct {
	Effects []Effect `yaml:"effects,omitempty"`
	Next    []string `yaml:"next,omitempty"`
}

type Step struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`

	DelayMs int64   `yaml:"delay_ms,omitempty"` // delayed
	Chance  float64 `yaml:"chance,omitempty"`   // delayed, 0 = always fires

	ConditionTag string `yaml:"condition_tag,omitempty"` // conditional

	Branches map[string]Branch `yaml:"branches,omitempty"` // branching

	Effects   []Effect `yaml:"effects,omitempty"`
	Narration string   `yaml:"narration,omitempty"`
	Next      []string `yaml:"next,omitempty"`
}

type Template struct {
	ID    string          `yaml:"id"`
	Entry []string        `yaml:"entry"`
	Steps map[string]Step `yaml:"steps"`
}

// Env is what effects act on. The engine owns the wiring to game state,
// the relationship tracker, and outbound narration.
type Env interface {
	ApplyResourceDelta(field string, amount int64) protocol.Result
	AddTrait(trait string)
	RemoveTrait(trait string)
	TransitionArc(arc, stage string)
	RecordInteraction(counterpartyID, interactionType string)
	Narrate(text string, meta map[string]string)
	EmitGeneric(data map[string]string)
}

type pendingDelayed struct {
	ChainID  string `json:"chain_id"`
	StepID   string `json:"step_id"`
	FireAtMs int64  `json:"fire_at_ms"`
}

type pendingCondition struct {
	ChainID string `json:"chain_id"`
	StepID  string `json:"step_id"`
	Tag     string `json:"tag"`
}

type Chain struct {
	ID         string            `json:"id"`
	TemplateID string            `json:"template_id"`
	Context    map[string]string `json:"context,omitempty"`
	Status     string            `json:"status"`

	Completed map[string]string `json:"completed,omitempty"` // step id -> fired|skipped

	AwaitingChoice string `json:"awaiting_choice,omitempty"` // branching step id
}

type Engine struct {
	templates map[string]Template
	chains    map[string]*Chain

	delayed    []pendingDelayed
	conditions []pendingCondition

	env  Env
	rand func() float64

	nextChain uint64
}

func NewEngine(env Env, templates []Template) *Engine {
	e := &Engine{
		templates: map[string]Template{},
		chains:    map[string]*Chain{},
		env:       env,
		rand:      rand.Float64,
	}
	for _, t := range templates {
		e.templates[t.ID] = t
	}
	return e
}

func (e *Engine) SetRand(f func() float64) { e.rand = f }

func (e *Engine) Chain(id string) (*Chain, bool) {
	c, ok := e.chains[id]
	return c, ok
}

func (e *Engine) ActiveChains() int { return len(e.chains) }

// Trigger instantiates a template and runs its entry steps.
func (e *Engine) Trigger(templateID string, ctx map[string]string, nowMs int64) (string, protocol.Result) {
	tpl, ok := e.templates[templateID]
	if !ok {
		return "", protocol.Fail(protocol.ErrNotFound, "no such chain template: "+templateID)
	}
	e.nextChain++
	c := &Chain{
		ID:         fmt.Sprintf("CH%06d", e.nextChain),
		TemplateID: tpl.ID,
		Context:    copyCtx(ctx),
		Status:     ChainActive,
		Completed:  map[string]string{},
	}
	e.chains[c.ID] = c
	for _, stepID := range tpl.Entry {
		e.enterStep(c, stepID, nowMs)
	}
	e.reapIfDone(c)
	return c.ID, protocol.Ok()
}

// Tick fires delayed steps that are due. Failing a chance roll still
// advances the chain with the step marked skipped; this is intended, the
// graph must never block on a missed roll.
func (e *Engine) Tick(nowMs int64) {
	due := e.delayed[:0]
	var fire []pendingDelayed
	for _, p := range e.delayed {
		if p.FireAtMs <= nowMs {
			fire = append(fire, p)
		} else {
			due = append(due, p)
		}
	}
	e.delayed = due
	for _, p := range fire {
		c, ok := e.chains[p.ChainID]
		if !ok || c.Status != ChainActive {
			continue
		}
		step, ok := e.stepOf(c, p.StepID)
		if !ok {
			continue
		}
		if step.Chance > 0 && e.rand() >= step.Chance {
			e.finishStep(c, step, stepSkipped, nowMs)
			continue
		}
		e.runEffects(c, step.Effects, step.Narration, nil)
		e.finishStep(c, step, stepFired, nowMs)
	}
}

// SatisfyCondition resolves pending conditional matchers with this tag.
// The payload merges into chain context before effects run.
func (e *Engine) SatisfyCondition(tag string, payload map[string]string, nowMs int64) int {
	kept := e.conditions[:0]
	var hit []pendingCondition
	for _, p := range e.conditions {
		if p.Tag == tag {
			hit = append(hit, p)
		} else {
			kept = append(kept, p)
		}
	}
	e.conditions = kept
	for _, p := range hit {
		c, ok := e.chains[p.ChainID]
		if !ok || c.Status != ChainActive {
			continue
		}
		step, ok := e.stepOf(c, p.StepID)
		if !ok {
			continue
		}
		for k, v := range payload {
			c.Context[k] = v
		}
		e.runEffects(c, step.Effects, step.Narration, nil)
		e.finishStep(c, step, stepFired, nowMs)
	}
	return len(hit)
}

// Choose resolves a halted branching step with one of its declared keys.
func (e *Engine) Choose(chainID, branchKey string, nowMs int64) protocol.Result {
	c, ok := e.chains[chainID]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such chain: "+chainID)
	}
	if c.Status != ChainActive || c.AwaitingChoice == "" {
		return protocol.Fail(protocol.ErrState, "chain not awaiting a choice")
	}
	step, ok := e.stepOf(c, c.AwaitingChoice)
	if !ok {
		return protocol.Fail(protocol.ErrInternal, "awaiting step missing from template")
	}
	branch, ok := step.Branches[branchKey]
	if !ok {
		return protocol.Fail(protocol.ErrValidation, "unknown branch: "+branchKey)
	}
	c.AwaitingChoice = ""
	c.Completed[step.ID] = stepFired
	e.runEffects(c, branch.Effects, "", nil)
	e.advance(c, branch.Next, nowMs)
	e.reapIfDone(c)
	return protocol.Ok()
}

// CancelDelayed removes one pending delayed entry before its fire time.
// Fired steps cannot be cancelled.
func (e *Engine) CancelDelayed(chainID, stepID string) protocol.Result {
	for i, p := range e.delayed {
		if p.ChainID == chainID && p.StepID == stepID {
			e.delayed = append(e.delayed[:i], e.delayed[i+1:]...)
			return protocol.Ok()
		}
	}
	return protocol.Fail(protocol.ErrNotFound, "no pending delayed step")
}

// CancelChain aborts an active chain and drops all of its pending entries.
func (e *Engine) CancelChain(chainID string) protocol.Result {
	c, ok := e.chains[chainID]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "no such chain: "+chainID)
	}
	if c.Status != ChainActive {
		return protocol.Fail(protocol.ErrState, "chain already "+c.Status)
	}
	c.Status = ChainCancelled
	e.dropPending(chainID)
	delete(e.chains, chainID)
	return protocol.Ok()
}

// PendingDelayedCount is used by sweeps and tests.
func (e *Engine) PendingDelayedCount() int { return len(e.delayed) }

func (e *Engine) enterStep(c *Chain, stepID string, nowMs int64) {
	if c.Status != ChainActive {
		return
	}
	if _, done := c.Completed[stepID]; done {
		return // at most once
	}
	step, ok := e.stepOf(c, stepID)
	if !ok {
		return
	}
	switch step.Kind {
	case StepImmediate:
		e.runEffects(c, step.Effects, step.Narration, nil)
		e.finishStep(c, step, stepFired, nowMs)
	case StepDelayed:
		e.delayed = append(e.delayed, pendingDelayed{ChainID: c.ID, StepID: step.ID, FireAtMs: nowMs + step.DelayMs})
	case StepConditional:
		e.conditions = append(e.conditions, pendingCondition{ChainID: c.ID, StepID: step.ID, Tag: step.ConditionTag})
	case StepBranching:
		e.runEffects(c, step.Effects, step.Narration, nil)
		c.AwaitingChoice = step.ID
	default:
		// Unknown kinds pass through as generic so forward-compat templates
		// degrade instead of wedging the chain.
		e.env.EmitGeneric(map[string]string{"chain": c.ID, "step": step.ID, "kind": step.Kind})
		e.finishStep(c, step, stepFired, nowMs)
	}
}

func (e *Engine) finishStep(c *Chain, step Step, status string, nowMs int64) {
	c.Completed[step.ID] = status
	e.advance(c, step.Next, nowMs)
	e.reapIfDone(c)
}

func (e *Engine) advance(c *Chain, next []string, nowMs int64) {
	for _, id := range next {
		e.enterStep(c, id, nowMs)
	}
}

// reapIfDone completes and reclaims a chain once nothing remains in flight.
func (e *Engine) reapIfDone(c *Chain) {
	if c.Status != ChainActive || c.AwaitingChoice != "" {
		return
	}
	for _, p := range e.delayed {
		if p.ChainID == c.ID {
			return
		}
	}
	for _, p := range e.conditions {
		if p.ChainID == c.ID {
			return
		}
	}
	c.Status = ChainCompleted
	delete(e.chains, c.ID)
}

func (e *Engine) dropPending(chainID string) {
	kept := e.delayed[:0]
	for _, p := range e.delayed {
		if p.ChainID != chainID {
			kept = append(kept, p)
		}
	}
	e.delayed = kept
	keptC := e.conditions[:0]
	for _, p := range e.conditions {
		if p.ChainID != chainID {
			keptC = append(keptC, p)
		}
	}
	e.conditions = keptC
}

func (e *Engine) stepOf(c *Chain, stepID string) (Step, bool) {
	tpl, ok := e.templates[c.TemplateID]
	if !ok {
		return Step{}, false
	}
	s, ok := tpl.Steps[stepID]
	return s, ok
}

func (e *Engine) runEffects(c *Chain, effects []Effect, narration string, extra map[string]string) {
	for _, ef := range effects {
		e.dispatch(c, ef)
	}
	if narration != "" {
		e.env.Narrate(Interpolate(narration, c.Context), map[string]string{"chain_id": c.ID})
	}
	_ = extra
}

// dispatch is the single effect router. Every effect kind lands here.
func (e *Engine) dispatch(c *Chain, ef Effect) {
	switch ef.Kind {
	case EffectResourceDelta:
		_ = e.env.ApplyResourceDelta(ef.Field, ef.Amount)
	case EffectTraitAdd:
		e.env.AddTrait(Interpolate(ef.Trait, c.Context))
	case EffectTraitRemove:
		e.env.RemoveTrait(Interpolate(ef.Trait, c.Context))
	case EffectArcTransition:
		e.env.TransitionArc(ef.Arc, ef.Stage)
	case EffectRelationshipDelta:
		e.env.RecordInteraction(Interpolate(ef.Counterparty, c.Context), ef.Interaction)
	case EffectGeneric:
		data := map[string]string{"chain_id": c.ID}
		for k, v := range ef.Data {
			data[k] = Interpolate(v, c.Context)
		}
		e.env.EmitGeneric(data)
	default:
		data := map[string]string{"chain_id": c.ID, "effect_kind": ef.Kind}
		for k, v := range ef.Data {
			data[k] = Interpolate(v, c.Context)
		}
		e.env.EmitGeneric(data)
	}
}

// Interpolate substitutes {key} placeholders from the chain context.
func Interpolate(s string, ctx map[string]string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	out := s
	for k, v := range ctx {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func copyCtx(ctx map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
