// Package tuning holds every numeric knob the engine consumes, loaded from
// yaml with sane built-in defaults. Balance of the values themselves is an
// external concern.
package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	Transport    Transport    `yaml:"transport"`
	Scheduler    Scheduler    `yaml:"scheduler"`
	Opportunity  Opportunity  `yaml:"opportunity"`
	Relationship Relationship `yaml:"relationship"`
	Negotiation  Negotiation  `yaml:"negotiation"`
	Engine       Engine       `yaml:"engine"`
}

type Transport struct {
	HeartbeatMs          int64 `yaml:"heartbeat_ms"`
	PongTimeoutMs        int64 `yaml:"pong_timeout_ms"`
	BackoffBaseMs        int64 `yaml:"backoff_base_ms"`
	BackoffMaxMs         int64 `yaml:"backoff_max_ms"`
	BackoffJitterMs      int64 `yaml:"backoff_jitter_ms"`
	MaxReconnectAttempts int   `yaml:"max_reconnect_attempts"`
	PollIntervalMs       int64 `yaml:"poll_interval_ms"`
	OutboundQueueMax     int   `yaml:"outbound_queue_max"`
}

// Tier maps a lower bound (inclusive) to a cooldown factor. Tiers are
// evaluated in order; the last tier whose Min is <= the value wins.
type Tier struct {
	Min    float64 `yaml:"min"`
	Factor float64 `yaml:"factor"`
}

type Scheduler struct {
	GlobalCooldownMs int64            `yaml:"global_cooldown_ms"`
	TypeCooldownMs   map[string]int64 `yaml:"type_cooldown_ms"`
	HourlyMax        int              `yaml:"hourly_max"`
	SessionMax       int              `yaml:"session_max"`

	HeatTiers  []Tier `yaml:"heat_tiers"`
	LevelTiers []Tier `yaml:"level_tiers"`

	OutcomeWindowMs int64   `yaml:"outcome_window_ms"`
	SuccessFactor   float64 `yaml:"success_factor"`
	FailureFactor   float64 `yaml:"failure_factor"`
}

type Opportunity struct {
	DefaultExpiryMs map[string]int64 `yaml:"default_expiry_ms"`
	SweepIntervalMs int64            `yaml:"sweep_interval_ms"`
}

type Archetype struct {
	Loyalty      float64 `yaml:"loyalty"`
	Forgiveness  float64 `yaml:"forgiveness"`
	BetrayalRisk float64 `yaml:"betrayal_risk"`
}

type Relationship struct {
	// Signed trust delta per interaction type.
	ImpactTable map[string]float64 `yaml:"impact_table"`
	HistoryMax  int                `yaml:"history_max"`

	Archetypes       map[string]Archetype `yaml:"archetypes"`
	DefaultArchetype string               `yaml:"default_archetype"`
}

type Negotiation struct {
	ImbalanceThreshold    float64 `yaml:"imbalance_threshold"`
	HealthCheckIntervalMs int64   `yaml:"health_check_interval_ms"`
	AllianceExpiryMs      int64   `yaml:"alliance_expiry_ms"`
	TradeExpiryMs         int64   `yaml:"trade_expiry_ms"`
	BetrayReputation      int     `yaml:"betray_reputation"`
}

type Engine struct {
	SweepIntervalMs    int64 `yaml:"sweep_interval_ms"`
	SnapshotEveryMuts  int   `yaml:"snapshot_every_mutations"`
	EventBufferPerSub  int   `yaml:"event_buffer_per_sub"`
	InboxBuffer        int   `yaml:"inbox_buffer"`
	HistoryIndexBuffer int   `yaml:"history_index_buffer"`
}

// Default is the tuning the engine runs with when no yaml override exists.
func Default() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		Transport: Transport{
			HeartbeatMs:          15000,
			PongTimeoutMs:        10000,
			BackoffBaseMs:        1000,
			BackoffMaxMs:         30000,
			BackoffJitterMs:      250,
			MaxReconnectAttempts: 10,
			PollIntervalMs:       20000,
			OutboundQueueMax:     256,
		},
		Scheduler: Scheduler{
			GlobalCooldownMs: 60000,
			TypeCooldownMs: map[string]int64{
				"job":      120000,
				"trade":    90000,
				"alliance": 300000,
			},
			HourlyMax:  6,
			SessionMax: 20,
			HeatTiers: []Tier{
				{Min: 0, Factor: 1.0},
				{Min: 25, Factor: 1.25},
				{Min: 50, Factor: 1.5},
				{Min: 75, Factor: 2.0},
			},
			LevelTiers: []Tier{
				{Min: 0, Factor: 1.0},
				{Min: 6, Factor: 0.9},
				{Min: 16, Factor: 0.8},
				{Min: 31, Factor: 0.7},
			},
			OutcomeWindowMs: 300000,
			SuccessFactor:   0.75,
			FailureFactor:   1.5,
		},
		Opportunity: Opportunity{
			DefaultExpiryMs: map[string]int64{
				"job":      600000,
				"trade":    300000,
				"alliance": 900000,
			},
			SweepIntervalMs: 30000,
		},
		Relationship: Relationship{
			ImpactTable: map[string]float64{
				"opportunity_accepted": 5,
				"opportunity_declined": -2,
				"opportunity_ignored":  -4,
				"job_completed":        8,
				"job_failed":           -6,
				"trade_completed":      6,
				"trade_cancelled":      -3,
				"alliance_formed":      10,
				"alliance_ended":       -5,
				"alliance_strained":    -8,
				"betrayed":             -40,
				"gift_received":        4,
				"chat":                 1,
				"insult":               -5,
			},
			HistoryMax: 50,
			Archetypes: map[string]Archetype{
				"professional": {Loyalty: 0.6, Forgiveness: 0.5, BetrayalRisk: 0.2},
				"volatile":     {Loyalty: 0.3, Forgiveness: 0.2, BetrayalRisk: 0.6},
				"loyalist":     {Loyalty: 0.9, Forgiveness: 0.7, BetrayalRisk: 0.1},
				"opportunist":  {Loyalty: 0.2, Forgiveness: 0.4, BetrayalRisk: 0.5},
			},
			DefaultArchetype: "professional",
		},
		Negotiation: Negotiation{
			ImbalanceThreshold:    0.6,
			HealthCheckIntervalMs: 120000,
			AllianceExpiryMs:      0, // alliances do not expire by default
			TradeExpiryMs:         600000,
			BetrayReputation:      -25,
		},
		Engine: Engine{
			SweepIntervalMs:    10000,
			SnapshotEveryMuts:  32,
			EventBufferPerSub:  64,
			InboxBuffer:        256,
			HistoryIndexBuffer: 4096,
		},
	}
}

// Load reads a yaml override on top of the defaults. A missing file is not
// an error: callers get the defaults back.
func Load(path string) (Tuning, error) {
	t := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
