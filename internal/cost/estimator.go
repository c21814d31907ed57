// Package cost projects token usage and spend for a batch of calls before
// it is scheduled, and prices actual usage after scoring.
package cost

import (
	"fmt"
	"math"
	"strings"

	"qci-scorer-go/internal/types"
)

// Pricing is USD per one million tokens.
type Pricing struct {
	Model            string  `json:"model"`
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// Known model prices.
var Models = map[string]Pricing{
	"gpt-4o-mini":   {Model: "gpt-4o-mini", InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4o":        {Model: "gpt-4o", InputPerMillion: 5, OutputPerMillion: 15},
	"gpt-3.5-turbo": {Model: "gpt-3.5-turbo", InputPerMillion: 0.5, OutputPerMillion: 1.5},
}

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// PricingFor looks a model up, case-insensitively.
func PricingFor(model string) (Pricing, error) {
	if model == "" {
		model = DefaultModel
	}
	p, ok := Models[strings.ToLower(model)]
	if !ok {
		return Pricing{}, fmt.Errorf("no pricing for model %q", model)
	}
	return p, nil
}

// Usage is the token count of one real scoring call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Cost prices actual usage. This figure is authoritative for a scored call.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.InputTokens)/1e6*p.InputPerMillion + float64(u.OutputTokens)/1e6*p.OutputPerMillion
}

// TokenModel is the per-call overhead model used for projections.
type TokenModel struct {
	PromptTokens   int64
	LexiconTokens  int64
	TokensPerTurn  int64
	CharsPerToken  float64
	ResponseTokens int64
	EvidenceTokens int64
}

// DefaultTokenModel matches the scoring prompt currently in use.
func DefaultTokenModel() TokenModel {
	return TokenModel{
		PromptTokens:   1500,
		LexiconTokens:  200,
		TokensPerTurn:  50,
		CharsPerToken:  4,
		ResponseTokens: 800,
		EvidenceTokens: 400,
	}
}

// Estimator projects batch cost. It is advisory only.
type Estimator struct {
	Pricing Pricing
	Tokens  TokenModel
}

// NewEstimator returns an estimator using the default token model.
func NewEstimator(p Pricing) Estimator {
	return Estimator{Pricing: p, Tokens: DefaultTokenModel()}
}

// CallTokens projects input and output tokens for one call.
func (e Estimator) CallTokens(c types.NormalizedCall) (input, output int64) {
	cpt := e.Tokens.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	transcript := int64(math.Ceil(float64(len(c.Transcript)) / cpt))
	input = e.Tokens.PromptTokens + e.Tokens.LexiconTokens + transcript + e.Tokens.TokensPerTurn*int64(len(c.Turns))
	output = e.Tokens.ResponseTokens + e.Tokens.EvidenceTokens
	return input, output
}

// Estimate projects total and average cost for calls.
func (e Estimator) Estimate(calls []types.NormalizedCall) types.CostEstimate {
	est := types.CostEstimate{Model: e.Pricing.Model, Calls: len(calls)}
	for _, c := range calls {
		in, out := e.CallTokens(c)
		est.Tokens.Input += in
		est.Tokens.Output += out
	}
	est.Tokens.Total = est.Tokens.Input + est.Tokens.Output
	est.InputCostUSD = float64(est.Tokens.Input) / 1e6 * e.Pricing.InputPerMillion
	est.OutputCostUSD = float64(est.Tokens.Output) / 1e6 * e.Pricing.OutputPerMillion
	est.TotalCostUSD = est.InputCostUSD + est.OutputCostUSD
	if len(calls) > 0 {
		est.PerCallAverageUSD = est.TotalCostUSD / float64(len(calls))
	}
	return est
}

// ErrBudgetExceeded is returned by CheckBudget.
type ErrBudgetExceeded struct {
	Projected float64
	Budget    float64
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("projected cost $%.4f exceeds budget $%.4f", e.Projected, e.Budget)
}

// CheckBudget gates a run on its projection. A budget <= 0 disables the gate.
func CheckBudget(est types.CostEstimate, budget float64) error {
	if budget > 0 && est.TotalCostUSD > budget {
		return &ErrBudgetExceeded{Projected: est.TotalCostUSD, Budget: budget}
	}
	return nil
}
