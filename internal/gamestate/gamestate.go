// Package gamestate is the engine's boundary to the surrounding game: a
// handful of mutable numeric fields and a deterministic delta mutator. The
// engine never touches persistent storage for these directly.
package gamestate

import (
	"undercity.gg/internal/protocol"
)

// Field names accepted by ApplyDelta.
const (
	FieldCash       = "cash"
	FieldHeat       = "heat"
	FieldExperience = "experience"
	FieldLevel      = "level"
	FieldEnergy     = "energy"
)

type Provider interface {
	Get(field string) (int64, bool)
	ApplyDelta(field string, delta int64) protocol.Result
}

// State is the in-process implementation used by the engine and tests.
// Level derives from experience; heat and energy are floored at zero.
type State struct {
	Cash       int64
	Heat       int64
	Experience int64
	Energy     int64

	// Experience required per level step. Level = 1 + xp/PerLevel.
	PerLevel  int64
	EnergyMax int64
}

func New() *State {
	return &State{Cash: 500, Energy: 100, PerLevel: 1000, EnergyMax: 100}
}

func (s *State) Level() int64 {
	if s.PerLevel <= 0 {
		return 1
	}
	return 1 + s.Experience/s.PerLevel
}

func (s *State) Get(field string) (int64, bool) {
	switch field {
	case FieldCash:
		return s.Cash, true
	case FieldHeat:
		return s.Heat, true
	case FieldExperience:
		return s.Experience, true
	case FieldLevel:
		return s.Level(), true
	case FieldEnergy:
		return s.Energy, true
	}
	return 0, false
}

// ApplyDelta mutates one field. Spends that would push cash or energy
// negative are refused whole, never partially applied.
func (s *State) ApplyDelta(field string, delta int64) protocol.Result {
	switch field {
	case FieldCash:
		if s.Cash+delta < 0 {
			return protocol.Fail(protocol.ErrNoResource, "insufficient cash")
		}
		s.Cash += delta
	case FieldHeat:
		s.Heat += delta
		if s.Heat < 0 {
			s.Heat = 0
		}
	case FieldExperience:
		s.Experience += delta
		if s.Experience < 0 {
			s.Experience = 0
		}
	case FieldEnergy:
		if s.Energy+delta < 0 {
			return protocol.Fail(protocol.ErrNoResource, "insufficient energy")
		}
		s.Energy += delta
		if s.EnergyMax > 0 && s.Energy > s.EnergyMax {
			s.Energy = s.EnergyMax
		}
	case FieldLevel:
		return protocol.Fail(protocol.ErrValidation, "level is derived, adjust experience")
	default:
		return protocol.Fail(protocol.ErrValidation, "unknown field: "+field)
	}
	return protocol.Ok()
}

// CanAfford reports whether a cost map is payable right now.
func (s *State) CanAfford(cost map[string]int64) bool {
	for field, amount := range cost {
		cur, ok := s.Get(field)
		if !ok {
			return false
		}
		if field == FieldCash || field == FieldEnergy {
			if cur < amount {
				return false
			}
		}
	}
	return true
}
