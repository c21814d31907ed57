package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"qci-scorer-go/internal/cost"
	"qci-scorer-go/internal/lexicon"
	"qci-scorer-go/internal/types"
)

// MockClient is a deterministic offline scorer driven by lexicon hits. It
// exists for USE_MOCK_LLM runs and tests; its scores are heuristics, not
// judgments.
type MockClient struct {
	lex *lexicon.Engine
}

// NewMockClient returns a mock scorer over the given lexicon.
func NewMockClient(lex *lexicon.Engine) *MockClient {
	return &MockClient{lex: lex}
}

// Score implements Client.
func (m *MockClient) Score(ctx context.Context, transcript string, sc Context) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, NewError(KindTimeout, err)
	}

	var agentText, customerText strings.Builder
	var agentChars, totalChars int
	for _, t := range sc.Turns {
		switch t.Role {
		case types.RoleAgent:
			agentText.WriteString(t.Text + "\n")
			agentChars += len(t.Text)
		case types.RoleCustomer:
			customerText.WriteString(t.Text + "\n")
		default:
			continue
		}
		totalChars += len(t.Text)
	}
	agent := agentText.String()
	if len(sc.Turns) == 0 {
		agent = transcript
	}
	customer := customerText.String()

	has := func(text, category string) bool {
		_, ok := m.lex.Match(text, category)
		return ok
	}

	var tips, strong, improve []string

	dynamics := 6.0
	if totalChars > 0 {
		ratio := float64(agentChars) / float64(totalChars)
		if ratio >= 0.35 && ratio <= 0.55 {
			dynamics += 8
		} else {
			tips = append(tips, fmt.Sprintf("Balance talk time: agent spoke %.0f%% of the call.", ratio*100))
		}
	}
	if has(agent, "value") {
		dynamics += 8
		strong = append(strong, "Clear value proposition")
	} else {
		improve = append(improve, "No value proposition")
		tips = append(tips, "Lead with the customer-acquisition value in the first 20 seconds.")
	}
	if has(agent, "cta") {
		dynamics += 8
	} else {
		tips = append(tips, "Ask for a concrete next step.")
	}

	objections := 20.0
	if has(customer, "stop") {
		objections = 8
		if has(agent, "apology") {
			objections += 6
		}
		if has(agent, "info_sent") || has(agent, "callback_set") {
			objections += 6
		} else {
			improve = append(improve, "No alternative offered after resistance")
			tips = append(tips, "Offer an email or callback when the prospect pushes back.")
		}
	}

	brand := 4.0
	var mentions []string
	if hit, ok := m.lex.Match(agent, lexicon.BrandCategory); ok {
		brand += 8
		mentions = append(mentions, hit.MatchedPhrase)
		if !m.lex.NormalizeBrand(hit.MatchedPhrase, "").IsVariant {
			brand += 8
		} else {
			tips = append(tips, fmt.Sprintf("Say the company name as %q.", m.lex.Brand()))
		}
	} else {
		improve = append(improve, "Brand never introduced")
		tips = append(tips, "Introduce yourself and the company in the opening line.")
	}

	outcome := 12.0
	switch {
	case has(transcript, "meeting_booked"):
		outcome += 15
		strong = append(strong, "Meeting booked")
	case has(transcript, "warm_lead"):
		outcome += 10
	case has(transcript, "callback_set"):
		outcome += 6
	case has(transcript, "info_sent"):
		outcome += 4
	default:
		improve = append(improve, "No outcome secured")
	}

	total := dynamics + objections + brand + outcome
	payload := map[string]any{
		"qci_total_score":  total,
		"dynamics_total":   math.Min(dynamics, 30),
		"objections_total": math.Min(objections, 20),
		"brand_total":      math.Min(brand, 20),
		"outcome_total":    math.Min(outcome, 30),
		"classification":   Classify(total),
		"evidence": map[string]any{
			"brand_mentions":    nonNil(mentions),
			"key_quotes":        []string{},
			"strongest_moments": nonNil(strong),
			"improvement_areas": nonNil(improve),
		},
		"coaching_tips": nonNil(tips),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Response{}, NewError(KindMalformed, err)
	}
	result, err := ParseResult(string(raw))
	if err != nil {
		return Response{}, err
	}

	usage := cost.Usage{
		InputTokens:  int64(math.Ceil(float64(len(transcript))/4)) + 1500,
		OutputTokens: int64(len(raw) / 4),
	}
	return Response{Result: result, Usage: usage}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
