// Package processor scores one normalized call: it builds the scoring
// context from the lexicon, calls the scoring client and prices the usage.
package processor

import (
	"context"
	"strings"
	"time"

	"qci-scorer-go/internal/cost"
	"qci-scorer-go/internal/lexicon"
	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/scheduler"
	"qci-scorer-go/internal/scoring"
	"qci-scorer-go/internal/types"
)

// Processor is safe for concurrent use; everything it holds is read-only.
type Processor struct {
	client  scoring.Client
	lex     *lexicon.Engine
	pricing cost.Pricing
	log     *logger.Logger
}

// New returns a processor. A nil log falls back to logger.New.
func New(client scoring.Client, lex *lexicon.Engine, pricing cost.Pricing, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.New()
	}
	return &Processor{client: client, lex: lex, pricing: pricing, log: log.With("component", "processor")}
}

// Context builds the scoring context for a call.
func (p *Processor) Context(call types.NormalizedCall) scoring.Context {
	return scoring.Context{
		CallID:          call.ID,
		AssistantID:     call.AssistantID,
		DurationSeconds: call.DurationSeconds,
		Language:        p.lex.DetectLanguage(call.Transcript).Language,
		Brand:           p.lex.Brand(),
		LexiconHints:    p.lex.MatchAll(call.Transcript),
		Turns:           call.Turns,
	}
}

// Score is a scheduler.ScoreFunc. The returned outcome carries the priced
// usage even when the attempt failed after being billed.
func (p *Processor) Score(ctx context.Context, call types.NormalizedCall) (scheduler.Outcome, error) {
	start := time.Now()
	sc := p.Context(call)

	resp, err := p.client.Score(ctx, call.Transcript, sc)
	out := scheduler.Outcome{CostUSD: p.pricing.Cost(resp.Usage)}
	log := p.log.With("call_id", call.ID).With("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		log.WithError(err).WithField("kind", scoring.KindOf(err)).Debug("scoring attempt failed")
		return out, err
	}

	result := resp.Result
	if len(result.Evidence.BrandMentions) == 0 {
		result.Evidence.BrandMentions = p.BrandMentions(call)
	}
	out.Result = result
	log.WithField("qci_total", result.Total).Debug("call scored")
	return out, nil
}

// BrandMentions returns the agent turns that mention the brand in any
// known spelling.
func (p *Processor) BrandMentions(call types.NormalizedCall) []string {
	mentions := []string{}
	for _, t := range call.Turns {
		if t.Role != types.RoleAgent {
			continue
		}
		if _, ok := p.lex.Match(t.Text, lexicon.BrandCategory); ok {
			mentions = append(mentions, strings.TrimSpace(t.Text))
		}
	}
	return mentions
}
