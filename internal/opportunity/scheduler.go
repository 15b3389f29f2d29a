// Package opportunity drives time-boxed offers: a cooldown/rate-limit
// scheduler and the lifecycle state machine around player responses.
package opportunity

import "undercity.gg/internal/tuning"

const hourMs = 3600000

// Scheduler gates generation with global and per-type cooldowns, an hourly
// cap and a session cap. Context (heat, level, recent outcomes) stretches
// or shrinks the cooldowns.
type Scheduler struct {
	cfg tuning.Scheduler

	// -1 means never fired; 0 is a legitimate fire timestamp. Per-type
	// firing is tracked by map presence.
	lastGlobalMs int64
	lastByType   map[string]int64

	hourStartMs int64 // -1 until the first rollover call
	hourlyCount int

	sessionCount int

	outcomeFactor  float64
	outcomeUntilMs int64
}

func NewScheduler(cfg tuning.Scheduler) *Scheduler {
	return &Scheduler{cfg: cfg, lastGlobalMs: -1, lastByType: map[string]int64{}, hourStartMs: -1}
}

// StartSession resets the session counter.
func (s *Scheduler) StartSession() { s.sessionCount = 0 }

// NoteOutcome sets a temporary cooldown modifier: success shortens,
// failure lengthens, for the configured window.
func (s *Scheduler) NoteOutcome(success bool, nowMs int64) {
	if success {
		s.outcomeFactor = s.cfg.SuccessFactor
	} else {
		s.outcomeFactor = s.cfg.FailureFactor
	}
	s.outcomeUntilMs = nowMs + s.cfg.OutcomeWindowMs
}

// ContextModifier multiplies the heat-tier factor by the level-tier factor
// and, while the post-outcome window is open, the outcome factor.
func (s *Scheduler) ContextModifier(heat, level int64, nowMs int64) float64 {
	mod := tierFactor(s.cfg.HeatTiers, float64(heat)) * tierFactor(s.cfg.LevelTiers, float64(level))
	if s.outcomeUntilMs > 0 && nowMs < s.outcomeUntilMs && s.outcomeFactor > 0 {
		mod *= s.outcomeFactor
	}
	return mod
}

// CanGenerate reports whether a new opportunity of this type may fire now.
func (s *Scheduler) CanGenerate(typ string, heat, level int64, nowMs int64) bool {
	s.rollover(nowMs)
	if s.cfg.HourlyMax > 0 && s.hourlyCount >= s.cfg.HourlyMax {
		return false
	}
	if s.cfg.SessionMax > 0 && s.sessionCount >= s.cfg.SessionMax {
		return false
	}
	mod := s.ContextModifier(heat, level, nowMs)
	if s.lastGlobalMs >= 0 {
		if float64(nowMs-s.lastGlobalMs) < float64(s.cfg.GlobalCooldownMs)*mod {
			return false
		}
	}
	if cd, ok := s.cfg.TypeCooldownMs[typ]; ok {
		if last, fired := s.lastByType[typ]; fired {
			if float64(nowMs-last) < float64(cd)*mod {
				return false
			}
		}
	}
	return true
}

// RecordFire marks a generation and bumps both counters.
func (s *Scheduler) RecordFire(typ string, nowMs int64) {
	s.rollover(nowMs)
	s.lastGlobalMs = nowMs
	s.lastByType[typ] = nowMs
	s.hourlyCount++
	s.sessionCount++
}

func (s *Scheduler) rollover(nowMs int64) {
	if s.hourStartMs < 0 {
		s.hourStartMs = nowMs
		return
	}
	if nowMs-s.hourStartMs >= hourMs {
		s.hourStartMs = nowMs
		s.hourlyCount = 0
	}
}

func tierFactor(tiers []tuning.Tier, v float64) float64 {
	factor := 1.0
	for _, t := range tiers {
		if v >= t.Min {
			factor = t.Factor
		}
	}
	return factor
}

// Snapshot/restore support for engine persistence.

type SchedulerState struct {
	LastGlobalMs   int64            `json:"last_global_ms"`
	LastByType     map[string]int64 `json:"last_by_type,omitempty"`
	HourStartMs    int64            `json:"hour_start_ms"`
	HourlyCount    int              `json:"hourly_count"`
	OutcomeFactor  float64          `json:"outcome_factor,omitempty"`
	OutcomeUntilMs int64            `json:"outcome_until_ms,omitempty"`
}

func (s *Scheduler) Export() SchedulerState {
	byType := make(map[string]int64, len(s.lastByType))
	for k, v := range s.lastByType {
		byType[k] = v
	}
	return SchedulerState{
		LastGlobalMs:   s.lastGlobalMs,
		LastByType:     byType,
		HourStartMs:    s.hourStartMs,
		HourlyCount:    s.hourlyCount,
		OutcomeFactor:  s.outcomeFactor,
		OutcomeUntilMs: s.outcomeUntilMs,
	}
}

// Restore rehydrates cooldown bookkeeping. The session counter starts
// fresh: a restart is a new session.
func (s *Scheduler) Restore(st SchedulerState) {
	s.lastGlobalMs = st.LastGlobalMs
	s.lastByType = map[string]int64{}
	for k, v := range st.LastByType {
		s.lastByType[k] = v
	}
	s.hourStartMs = st.HourStartMs
	s.hourlyCount = st.HourlyCount
	s.outcomeFactor = st.OutcomeFactor
	s.outcomeUntilMs = st.OutcomeUntilMs
	s.sessionCount = 0
}
