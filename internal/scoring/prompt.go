package scoring

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Instructions is the fixed system prompt sent with every scoring request.
const Instructions = `You are an expert call quality analyst. Provide precise, actionable analysis with specific evidence and measurements. Return only JSON that matches the requested schema.`

// BuildPrompt renders the per-call prompt from the transcript, the
// timestamped turns and any lexicon hints found ahead of time.
func BuildPrompt(transcript string, sc Context) string {
	brand := sc.Brand
	if brand == "" {
		brand = "Young Caesar"
	}
	language := sc.Language
	if language == "" {
		language = "unknown"
	}

	var flow strings.Builder
	for _, t := range sc.Turns {
		if t.Role == "system" || strings.TrimSpace(t.Text) == "" {
			continue
		}
		fmt.Fprintf(&flow, "[%.0fs] %s: %s\n", t.OffsetSeconds, t.Role, t.Text)
	}
	if flow.Len() == 0 {
		flow.WriteString("(no timestamped turns)\n")
	}

	hints := "[]"
	if len(sc.LexiconHints) > 0 {
		b, _ := json.MarshalIndent(sc.LexiconHints, "", "  ")
		hints = string(b)
	}

	prompt := `You are a world-class call quality expert analyzing sales calls for %s.

## Call Data:
Duration: %.0f seconds
Detected language: %s
Brand: %s

Transcript:
%s

Conversation flow with timestamps:
%s
Lexicon hints (phrases already detected, may be incomplete):
%s

## QCI Scoring Framework (Total: 100 points)

### A) Dynamics (30 points):
- Agent Talk Ratio (8 pts): ideal 35-55%% agent talk time
- Time-To-Value (8 pts): first value proposition within 20 seconds
- First CTA (8 pts): first call-to-action within 120 seconds
- Dead Air Penalty (6 pts): deduct for pauses over 3 seconds

### B) Objections & Compliance (20 points):
- Resistance Recognition (6 pts): quick acknowledgment of objections
- Time-To-Comply (8 pts): respectful response within 10 seconds
- Alternative Offered (6 pts): email or callback alternatives

### C) Brand & Language (20 points):
- Brand Mention (8 pts): clear introduction within 10 seconds
- Brand Consistency (8 pts): consistent company name usage
- Language Match (4 pts): appropriate communication style

### D) Outcome & Hygiene (30 points):
- Final Outcome (15 pts): Meeting=15, Lead=10, Callback=6, Info=4, None=0
- Professionalism (10 pts): overall call quality and courtesy
- Wrap-up (5 pts): proper call conclusion

## Task:
Score this call. qci_total_score must equal the sum of the four totals.
classification is "pass" (>=80), "review" (>=60) or "fail".
Quote the agent verbatim in evidence.brand_mentions whenever the agent introduces themselves or the company.
Give specific, actionable coaching_tips.

DO NOT include commentary.
DO NOT wrap JSON in backticks.
`

	return fmt.Sprintf(prompt, brand, sc.DurationSeconds, language, brand, transcript, flow.String(), hints)
}
