// Package pipeline runs a batch of raw call records end to end: normalize,
// estimate, score, aggregate and hand the report to sinks.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"qci-scorer-go/internal/actionable"
	"qci-scorer-go/internal/aggregator"
	"qci-scorer-go/internal/cost"
	"qci-scorer-go/internal/dataset"
	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/metrics"
	"qci-scorer-go/internal/normalizer"
	"qci-scorer-go/internal/scheduler"
	"qci-scorer-go/internal/types"
)

// Sink receives every finished report.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rep *types.Report) error
}

// Pipeline is safe to reuse; concurrent runs share the scheduler config but
// not state.
type Pipeline struct {
	sched     *scheduler.Scheduler
	score     scheduler.ScoreFunc
	estimator cost.Estimator
	threshold float64
	budget    float64
	key       aggregator.KeyFunc
	sinks     []Sink
	metrics   *metrics.Recorder
	log       *logger.Logger
	now       func() time.Time
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithThreshold sets the pass threshold used in agent summaries.
func WithThreshold(t float64) Option { return func(p *Pipeline) { p.threshold = t } }

// WithBudget refuses runs whose projected cost exceeds usd. Zero disables.
func WithBudget(usd float64) Option { return func(p *Pipeline) { p.budget = usd } }

// WithKeyFunc changes how scored calls are grouped.
func WithKeyFunc(fn aggregator.KeyFunc) Option { return func(p *Pipeline) { p.key = fn } }

// WithSinks appends report sinks.
func WithSinks(s ...Sink) Option { return func(p *Pipeline) { p.sinks = append(p.sinks, s...) } }

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Recorder) Option { return func(p *Pipeline) { p.metrics = m } }

// WithLogger replaces the default logger.
func WithLogger(l *logger.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option { return func(p *Pipeline) { p.now = fn } }

// New builds a pipeline around a scheduler and a score function.
func New(sched *scheduler.Scheduler, score scheduler.ScoreFunc, est cost.Estimator, opts ...Option) *Pipeline {
	p := &Pipeline{
		sched:     sched,
		score:     score,
		estimator: est,
		threshold: 80,
		key:       aggregator.ByAssistant,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logger.New()
	}
	return p
}

// Prepare normalizes raws and projects the cost of scoring the valid ones.
func (p *Pipeline) Prepare(raws []types.RawCallRecord) (valid, invalid []types.NormalizedCall, est types.CostEstimate) {
	valid, invalid = normalizer.Partition(normalizer.NormalizeAll(raws))
	return valid, invalid, p.estimator.Estimate(valid)
}

// Run scores raws. Only a budget refusal or a scheduler setup error is
// returned; per-call failures are part of the report.
func (p *Pipeline) Run(ctx context.Context, raws []types.RawCallRecord) (*types.Report, error) {
	rep := &types.Report{RunID: uuid.New().String(), StartedAt: p.now().UTC()}
	log := p.log.WithRun(rep.RunID)

	valid, invalid, est := p.Prepare(raws)
	rep.Invalid = invalid
	rep.Estimate = est

	stats := dataset.Summarize(append(append([]types.NormalizedCall{}, valid...), invalid...))
	log.WithFields(logrus.Fields{
		"records":         stats.Total,
		"valid":           stats.Valid,
		"invalid":         stats.Invalid,
		"validation_rate": fmt.Sprintf("%.0f%%", stats.ValidationRate*100),
		"invalid_reasons": stats.InvalidReasons,
	}).Info("calls normalized")
	log.WithFields(logrus.Fields{
		"model":         est.Model,
		"projected_usd": fmt.Sprintf("%.4f", est.TotalCostUSD),
		"per_call_usd":  fmt.Sprintf("%.5f", est.PerCallAverageUSD),
		"tokens":        est.Tokens.Total,
	}).Info("cost estimated")

	if err := cost.CheckBudget(est, p.budget); err != nil {
		log.WithError(err).Warn("run refused by budget gate")
		return nil, err
	}

	cfg := p.sched.Config()
	onProgress := func(pr scheduler.Progress) {
		if p.metrics != nil {
			p.metrics.ObserveProgress(pr)
		}
		entry := log.WithFields(logrus.Fields{
			"processed":  fmt.Sprintf("%d/%d", pr.Processed, pr.Total),
			"batch":      fmt.Sprintf("%d/%d", pr.Batch+1, pr.BatchCount),
			"throughput": fmt.Sprintf("%.2f/s", pr.Throughput),
			"eta":        pr.ETA.Round(time.Second).String(),
		})
		if pr.BatchDone {
			entry.Info("batch complete")
			return
		}
		entry.WithField("call_id", pr.CallID).Debug("call complete")
	}
	onError := func(f types.FailedCall, err error) {
		if p.metrics != nil {
			p.metrics.ObserveFailed(f)
		}
		log.WithError(err).WithFields(logrus.Fields{
			"call_id":  f.ID,
			"kind":     f.ErrorKind,
			"attempts": f.AttemptCount,
		}).Warn("call failed")
	}

	log.WithFields(logrus.Fields{
		"calls":          len(valid),
		"batch_size":     cfg.BatchSize,
		"max_concurrent": cfg.MaxConcurrent,
		"retry_attempts": cfg.RetryAttempts,
	}).Info("scoring started")
	start := p.now()
	res, err := p.sched.Run(ctx, valid, p.score, onProgress, onError)
	if err != nil {
		return nil, fmt.Errorf("run scheduler: %w", err)
	}
	elapsed := p.now().Sub(start)

	rep.Scored, rep.Failed, rep.NotAttempted = res.Scored, res.Failed, res.NotAttempted
	if p.metrics != nil {
		for _, c := range res.Scored {
			p.metrics.ObserveScored(c)
		}
	}
	rep.Agents = aggregator.Aggregate(res.Scored, p.key, p.threshold)
	rep.Actions = actionable.GenerateAll(rep.Agents)
	rep.Summary = aggregator.Summarize(res.Scored, res.Failed, res.NotAttempted, invalid, elapsed)
	rep.FinishedAt = p.now().UTC()
	if p.metrics != nil {
		p.metrics.ObserveRun(rep)
	}

	log.WithFields(logrus.Fields{
		"scored":        rep.Summary.Scored,
		"failed":        rep.Summary.Failed,
		"not_attempted": rep.Summary.NotAttempted,
		"attempts":      rep.Summary.Attempts,
		"mean_qci":      rep.Summary.MeanTotal,
		"cost_usd":      fmt.Sprintf("%.4f", rep.Summary.TotalCostUSD),
		"duration":      elapsed.Round(time.Millisecond).String(),
	}).Info("scoring finished")

	// partial results of a cancelled run are still delivered
	sinkCtx := context.WithoutCancel(ctx)
	for _, s := range p.sinks {
		if err := s.Publish(sinkCtx, rep); err != nil {
			log.WithError(err).WithField("sink", s.Name()).Error("sink publish failed")
			rep.SinkErrors = append(rep.SinkErrors, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	return rep, nil
}
