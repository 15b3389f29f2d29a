// Package relationship models trust between the player and autonomous
// counterparties: a bounded scalar moved by interactions, archetype traits,
// and a derived betrayal risk.
package relationship

import (
	"math/rand"

	"undercity.gg/internal/protocol"
	"undercity.gg/internal/tuning"
)

// Trust status bands, ordered by trust ascending.
const (
	StatusHostile    = "hostile"
	StatusDistrusted = "distrusted"
	StatusWary       = "wary"
	StatusNeutral    = "neutral"
	StatusFriendly   = "friendly"
	StatusTrusted    = "trusted"
	StatusLoyal      = "loyal"
)

// Situational multipliers for betrayal checks.
const (
	SituationNormal     = "normal"
	SituationHighStakes = "high_stakes"
	SituationDesperate  = "desperate"
	SituationSafe       = "safe"
)

// A favor balance at or beyond this magnitude counts as "strongly" one-sided.
const favorStrong = 3

type Interaction struct {
	Type  string  `json:"type"`
	Delta float64 `json:"delta"`
	AtMs  int64   `json:"at_ms"`
}

type Relationship struct {
	CounterpartyID string `json:"counterparty_id"`
	Name           string `json:"name,omitempty"`

	Trust        float64 `json:"trust"` // clamped [-100,100]
	FavorBalance int     `json:"favor_balance"`

	ArchetypeName string           `json:"archetype"`
	Archetype     tuning.Archetype `json:"traits"`

	History []Interaction `json:"history,omitempty"`

	Ally     bool `json:"ally,omitempty"`
	Enemy    bool `json:"enemy,omitempty"`
	Betrayed bool `json:"betrayed,omitempty"` // has betrayed the player before
}

type Tracker struct {
	cfg      tuning.Relationship
	rels     map[string]*Relationship
	rand     func() float64
	onRecord func(counterpartyID, interactionType string, delta float64, atMs int64)
}

func NewTracker(cfg tuning.Relationship) *Tracker {
	return &Tracker{cfg: cfg, rels: map[string]*Relationship{}, rand: rand.Float64}
}

// SetRand swaps the uniform source, for deterministic tests.
func (t *Tracker) SetRand(f func() float64) { t.rand = f }

// SetOnRecord installs an observer for applied interactions (history index).
func (t *Tracker) SetOnRecord(f func(counterpartyID, interactionType string, delta float64, atMs int64)) {
	t.onRecord = f
}

// Ensure creates the relationship lazily on first interaction.
func (t *Tracker) Ensure(ref protocol.EntityRef, archetype string) *Relationship {
	if r, ok := t.rels[ref.ID]; ok {
		return r
	}
	name := archetype
	if name == "" {
		name = t.cfg.DefaultArchetype
	}
	traits, ok := t.cfg.Archetypes[name]
	if !ok {
		name = t.cfg.DefaultArchetype
		traits = t.cfg.Archetypes[name]
	}
	r := &Relationship{
		CounterpartyID: ref.ID,
		Name:           ref.Name,
		ArchetypeName:  name,
		Archetype:      traits,
	}
	t.rels[ref.ID] = r
	return r
}

func (t *Tracker) Get(id string) (*Relationship, bool) {
	r, ok := t.rels[id]
	return r, ok
}

func (t *Tracker) All() map[string]*Relationship { return t.rels }

// Restore reinstalls a rehydrated relationship, keeping archetype traits in
// sync with the current tuning table.
func (t *Tracker) Restore(r Relationship) {
	if traits, ok := t.cfg.Archetypes[r.ArchetypeName]; ok {
		r.Archetype = traits
	}
	cp := r
	t.rels[r.CounterpartyID] = &cp
}

// RecordInteraction applies the impact-table delta: negatives dampened by
// forgiveness, positives amplified by loyalty, trust clamped to [-100,100].
func (t *Tracker) RecordInteraction(ref protocol.EntityRef, interactionType string, nowMs int64) (float64, protocol.Result) {
	base, ok := t.cfg.ImpactTable[interactionType]
	if !ok {
		return 0, protocol.Fail(protocol.ErrValidation, "unknown interaction type: "+interactionType)
	}
	r := t.Ensure(ref, "")

	delta := base
	if delta < 0 {
		delta *= 1 - r.Archetype.Forgiveness*0.3
	} else if delta > 0 {
		delta *= 1 + r.Archetype.Loyalty*0.2
	}
	r.Trust = clampTrust(r.Trust + delta)

	r.History = append(r.History, Interaction{Type: interactionType, Delta: delta, AtMs: nowMs})
	if max := t.cfg.HistoryMax; max > 0 && len(r.History) > max {
		r.History = r.History[len(r.History)-max:]
	}
	if t.onRecord != nil {
		t.onRecord(ref.ID, interactionType, delta, nowMs)
	}
	return r.Trust, protocol.Ok()
}

func (t *Tracker) AdjustFavor(id string, delta int) {
	if r, ok := t.rels[id]; ok {
		r.FavorBalance += delta
	}
}

func (t *Tracker) SetAlly(id string, ally bool) {
	if r, ok := t.rels[id]; ok {
		r.Ally = ally
		if ally {
			r.Enemy = false
		}
	}
}

func (t *Tracker) MarkBetrayed(id string) {
	if r, ok := t.rels[id]; ok {
		r.Betrayed = true
		r.Ally = false
		r.Enemy = true
	}
}

// Status is a pure function of trust.
func Status(trust float64) string {
	switch {
	case trust <= -50:
		return StatusHostile
	case trust <= -20:
		return StatusDistrusted
	case trust <= 0:
		return StatusWary
	case trust <= 20:
		return StatusNeutral
	case trust <= 50:
		return StatusFriendly
	case trust <= 80:
		return StatusTrusted
	default:
		return StatusLoyal
	}
}

// BetrayalRisk derives the probability a counterparty turns on the player.
func BetrayalRisk(r *Relationship) float64 {
	risk := r.Archetype.BetrayalRisk * (1 - (r.Trust+100)/400)
	switch {
	case r.FavorBalance >= favorStrong:
		risk *= 0.7
	case r.FavorBalance <= -favorStrong:
		risk *= 1.3
	}
	if r.Ally {
		risk *= 0.5
	}
	if r.Betrayed {
		risk *= 1.5
	}
	if risk < 0 {
		risk = 0
	}
	if risk > 1 {
		risk = 1
	}
	return risk
}

func situationMultiplier(situation string) float64 {
	switch situation {
	case SituationHighStakes:
		return 1.5
	case SituationDesperate:
		return 2.0
	case SituationSafe:
		return 0.5
	default:
		return 1.0
	}
}

// CheckBetrayal draws against risk scaled by the situation.
func (t *Tracker) CheckBetrayal(id string, situation string) bool {
	r, ok := t.rels[id]
	if !ok {
		return false
	}
	return t.rand() < BetrayalRisk(r)*situationMultiplier(situation)
}

func clampTrust(v float64) float64 {
	if v < -100 {
		return -100
	}
	if v > 100 {
		return 100
	}
	return v
}
