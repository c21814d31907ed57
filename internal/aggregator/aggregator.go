// Package aggregator rolls scored calls up into per-agent summaries and a
// run-level summary.
package aggregator

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"qci-scorer-go/internal/types"
)

// UnassignedKey groups calls that carry no agent identifier.
const UnassignedKey = "unassigned"

// KeyFunc picks the group a scored call belongs to.
type KeyFunc func(types.ScoredCall) string

// ByAssistant groups by the voice-platform assistant id.
func ByAssistant(c types.ScoredCall) string {
	if c.AssistantID == "" {
		return UnassignedKey
	}
	return c.AssistantID
}

var personaPattern = regexp.MustCompile(`(?i)this is (\w+[\s\w]*?)(?:\s+from|\.|$)`)

// Persona extracts the name an agent introduced themselves with, e.g.
// "Hi, this is Maria from Young Caesar" -> "Maria".
func Persona(mention string) (string, bool) {
	m := personaPattern.FindStringSubmatch(mention)
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	return name, name != ""
}

type group struct {
	key                                     string
	count, pass                             int
	total, dynamics, objections, brand, out float64
	personas                                []string
	seen                                    map[string]struct{}
}

// Aggregate groups calls by key and computes per-group means (one decimal),
// pass rate against threshold and the personas the agents used. Results are
// sorted by mean total, highest first; ties sort by key.
func Aggregate(calls []types.ScoredCall, key KeyFunc, threshold float64) []types.AgentSummary {
	if key == nil {
		key = ByAssistant
	}
	groups := map[string]*group{}
	var order []string
	for _, c := range calls {
		k := key(c)
		g, ok := groups[k]
		if !ok {
			g = &group{key: k, seen: map[string]struct{}{}}
			groups[k] = g
			order = append(order, k)
		}
		g.count++
		g.total += c.Score.Total
		g.dynamics += c.Score.Dynamics
		g.objections += c.Score.Objections
		g.brand += c.Score.Brand
		g.out += c.Score.Outcome
		if c.Score.Total >= threshold {
			g.pass++
		}
		for _, mention := range c.Score.Evidence.BrandMentions {
			name, ok := Persona(mention)
			if !ok {
				continue
			}
			lk := strings.ToLower(name)
			if _, dup := g.seen[lk]; !dup {
				g.seen[lk] = struct{}{}
				g.personas = append(g.personas, name)
			}
			break
		}
	}

	out := make([]types.AgentSummary, 0, len(order))
	for _, k := range order {
		g := groups[k]
		n := float64(g.count)
		personas := g.personas
		if personas == nil {
			personas = []string{}
		}
		out = append(out, types.AgentSummary{
			Key:            g.key,
			Count:          g.count,
			MeanTotal:      round1(g.total / n),
			MeanDynamics:   round1(g.dynamics / n),
			MeanObjections: round1(g.objections / n),
			MeanBrand:      round1(g.brand / n),
			MeanOutcome:    round1(g.out / n),
			PassCount:      g.pass,
			PassRate:       float64(g.pass) / n,
			Personas:       personas,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MeanTotal != out[j].MeanTotal {
			return out[i].MeanTotal > out[j].MeanTotal
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
