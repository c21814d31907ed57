package pipeline

import (
	"fmt"

	"qci-scorer-go/internal/config"
	"qci-scorer-go/internal/cost"
	"qci-scorer-go/internal/lexicon"
	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/metrics"
	"qci-scorer-go/internal/processor"
	"qci-scorer-go/internal/scheduler"
	"qci-scorer-go/internal/scoring"
)

// Components are the long-lived pieces built from configuration.
type Components struct {
	Lexicon   *lexicon.Engine
	Client    scoring.Client
	Pricing   cost.Pricing
	Processor *processor.Processor
	Scheduler *scheduler.Scheduler
	Estimator cost.Estimator
}

// Build assembles the scoring stack from cfg. rec may be nil.
func Build(cfg config.Config, rec *metrics.Recorder, log *logger.Logger) (*Components, error) {
	table, err := lexicon.LoadTable(cfg.LexiconPath)
	if err != nil {
		return nil, fmt.Errorf("load lexicon: %w", err)
	}
	lex, err := lexicon.NewEngine(table)
	if err != nil {
		return nil, fmt.Errorf("build lexicon: %w", err)
	}
	pricing, err := cost.PricingFor(cfg.Model)
	if err != nil {
		return nil, err
	}

	var client scoring.Client
	if cfg.UseMock {
		log.Info("mock LLM mode ON - scoring with lexicon heuristics")
		client = scoring.NewMockClient(lex)
	} else {
		client = scoring.NewOpenAIClient(cfg.APIKey, cfg.LLMBaseURL, cfg.Model)
	}

	var opts []scheduler.Option
	if rec != nil {
		opts = append(opts, scheduler.WithInFlightObserver(rec.SetInFlight))
	}
	sched, err := scheduler.New(cfg.Scheduler, opts...)
	if err != nil {
		return nil, err
	}

	return &Components{
		Lexicon:   lex,
		Client:    client,
		Pricing:   pricing,
		Processor: processor.New(client, lex, pricing, log),
		Scheduler: sched,
		Estimator: cost.NewEstimator(pricing),
	}, nil
}

// Pipeline returns a pipeline over the components.
func (c *Components) Pipeline(cfg config.Config, opts ...Option) *Pipeline {
	base := []Option{WithThreshold(cfg.PassThreshold), WithBudget(cfg.BudgetUSD)}
	return New(c.Scheduler, c.Processor.Score, c.Estimator, append(base, opts...)...)
}
