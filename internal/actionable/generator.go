package actionable

import (
	"fmt"

	"qci-scorer-go/internal/types"
)

type dimension struct {
	name   string
	max    float64
	score  func(types.AgentSummary) float64
	action string
	impact string
}

var dimensions = []dimension{
	{
		name:   "dynamics",
		max:    30,
		score:  func(s types.AgentSummary) float64 { return s.MeanDynamics },
		action: "Coach on pacing: state the value proposition within 20 seconds and ask for the meeting before the two-minute mark",
		impact: "Earlier CTAs and shorter dead air lift booked meetings",
	},
	{
		name:   "objections",
		max:    20,
		score:  func(s types.AgentSummary) float64 { return s.MeanObjections },
		action: "Drill objection handling: acknowledge resistance, comply quickly and always offer an email or callback",
		impact: "Fewer hang-ups and more recoverable leads",
	},
	{
		name:   "brand",
		max:    20,
		score:  func(s types.AgentSummary) float64 { return s.MeanBrand },
		action: "Standardise the opening line with the canonical company name in the first 10 seconds",
		impact: "Consistent brand recall and higher trust",
	},
	{
		name:   "outcome",
		max:    30,
		score:  func(s types.AgentSummary) float64 { return s.MeanOutcome },
		action: "Review closing scripts so every call ends with a booked meeting, callback or agreed follow-up",
		impact: "Higher conversion per dial",
	},
}

// healthyRatio is the share of a dimension's maximum above which no coaching
// is suggested.
const healthyRatio = 0.8

// Generate picks the agent's weakest QCI dimension relative to its maximum
// and turns it into a coaching card.
func Generate(s types.AgentSummary) types.ActionCard {
	worst := dimensions[0]
	lowest := 2.0
	for _, d := range dimensions {
		if r := d.score(s) / d.max; r < lowest {
			lowest = r
			worst = d
		}
	}
	if lowest < healthyRatio {
		return types.ActionCard{
			Key:     s.Key,
			Insight: fmt.Sprintf("Weakest area is %s at %.1f/%.0f (%.0f%%) over %d calls, pass rate %.0f%%", worst.name, worst.score(s), worst.max, lowest*100, s.Count, s.PassRate*100),
			Action:  worst.action,
			Impact:  worst.impact,
		}
	}
	return types.ActionCard{
		Key:     s.Key,
		Insight: fmt.Sprintf("All QCI areas above %.0f%% over %d calls", healthyRatio*100, s.Count),
		Action:  "Use these calls as examples in team coaching",
		Impact:  "Spread proven patterns across the team",
	}
}

// GenerateAll returns one card per summary, in the same order.
func GenerateAll(summaries []types.AgentSummary) []types.ActionCard {
	cards := make([]types.ActionCard, 0, len(summaries))
	for _, s := range summaries {
		cards = append(cards, Generate(s))
	}
	return cards
}
