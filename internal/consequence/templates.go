package consequence

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads a yaml template pack. A missing file yields the
// built-in defaults.
func LoadTemplates(path string) ([]Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTemplates(), nil
		}
		return nil, err
	}
	var f templateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("chain templates: %w", err)
	}
	return f.Templates, nil
}

// DefaultTemplates ships the stock consequence arcs.
func DefaultTemplates() []Template {
	return []Template{
		{
			ID:    "betrayal_fallout",
			Entry: []string{"shock"},
			Steps: map[string]Step{
				"shock": {
					ID: "shock", Kind: StepImmediate,
					Effects: []Effect{
						{Kind: EffectRelationshipDelta, Counterparty: "{counterparty}", Interaction: "betrayed"},
						{Kind: EffectTraitAdd, Trait: "marked"},
					},
					Narration: "Word gets around fast: {counterparty_name} sold you out.",
					Next:      []string{"word_spreads"},
				},
				"word_spreads": {
					ID: "word_spreads", Kind: StepDelayed, DelayMs: 3600000, Chance: 0.6,
					Effects: []Effect{
						{Kind: EffectResourceDelta, Field: "heat", Amount: 10},
					},
					Narration: "The street knows. People are watching you differently.",
					Next:      []string{"crossroads"},
				},
				"crossroads": {
					ID: "crossroads", Kind: StepBranching,
					Narration: "You know where {counterparty_name} drinks. What now?",
					Branches: map[string]Branch{
						"retaliate": {
							Effects: []Effect{
								{Kind: EffectResourceDelta, Field: "heat", Amount: 25},
								{Kind: EffectArcTransition, Arc: "vendetta", Stage: "open"},
							},
						},
						"let_it_go": {
							Effects: []Effect{
								{Kind: EffectTraitRemove, Trait: "marked"},
								{Kind: EffectResourceDelta, Field: "experience", Amount: 50},
							},
						},
					},
				},
			},
		},
		{
			ID:    "heat_wave",
			Entry: []string{"crackdown"},
			Steps: map[string]Step{
				"crackdown": {
					ID: "crackdown", Kind: StepImmediate,
					Effects:   []Effect{{Kind: EffectResourceDelta, Field: "heat", Amount: 15}},
					Narration: "Sirens all night. The district is crawling.",
					Next:      []string{"cooldown"},
				},
				"cooldown": {
					ID: "cooldown", Kind: StepDelayed, DelayMs: 7200000,
					Effects:   []Effect{{Kind: EffectResourceDelta, Field: "heat", Amount: -20}},
					Narration: "Things quiet down. For now.",
				},
			},
		},
		{
			ID:    "debt_collection",
			Entry: []string{"reminder"},
			Steps: map[string]Step{
				"reminder": {
					ID: "reminder", Kind: StepImmediate,
					Narration: "{counterparty_name} wants the {amount} you owe. Soon.",
					Next:      []string{"payment_check"},
				},
				"payment_check": {
					ID: "payment_check", Kind: StepConditional, ConditionTag: "debt_paid",
					Effects: []Effect{
						{Kind: EffectRelationshipDelta, Counterparty: "{counterparty}", Interaction: "gift_received"},
					},
					Narration: "Debt settled. {counterparty_name} remembers that.",
				},
			},
		},
	}
}
