// Package metrics exposes scoring run metrics to Prometheus from a private
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qci-scorer-go/internal/scheduler"
	"qci-scorer-go/internal/types"
)

// Recorder owns every QCI metric.
type Recorder struct {
	registry *prometheus.Registry

	InFlight     prometheus.Gauge
	Attempts     prometheus.Counter
	Outcomes     *prometheus.CounterVec
	FailureKinds *prometheus.CounterVec
	CostUSD      prometheus.Counter
	Scores       prometheus.Histogram
	Runs         prometheus.Counter
	RunDuration  prometheus.Histogram
	Throughput   prometheus.Gauge
}

// NewRecorder builds and registers the metrics. Go runtime and process
// collectors are included when withRuntime is set.
func NewRecorder(withRuntime bool) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qci_scoring_in_flight",
			Help: "Scoring calls currently in flight",
		}),
		Attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qci_scoring_attempts_total",
			Help: "Scoring attempts across all calls, retries included",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qci_calls_total",
			Help: "Calls by terminal outcome",
		}, []string{"outcome"}),
		FailureKinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qci_scoring_failures_total",
			Help: "Terminal scoring failures by error kind",
		}, []string{"kind"}),
		CostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qci_scoring_cost_usd_total",
			Help: "Actual scoring spend in USD",
		}),
		Scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qci_total_score",
			Help:    "Distribution of QCI total scores",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qci_runs_total",
			Help: "Completed scoring runs",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qci_run_duration_seconds",
			Help:    "Wall time of scoring runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		Throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qci_run_throughput_calls_per_second",
			Help: "Throughput of the most recent progress event",
		}),
	}
	r.registry.MustRegister(r.InFlight, r.Attempts, r.Outcomes, r.FailureKinds, r.CostUSD, r.Scores, r.Runs, r.RunDuration, r.Throughput)
	if withRuntime {
		r.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return r
}

// Handler serves the private registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// SetInFlight is a scheduler in-flight observer.
func (r *Recorder) SetInFlight(n int64) { r.InFlight.Set(float64(n)) }

// ObserveProgress is fed from the scheduler progress stream.
func (r *Recorder) ObserveProgress(p scheduler.Progress) {
	r.Attempts.Add(float64(p.Attempts))
	r.Throughput.Set(p.Throughput)
}

// ObserveScored records a scored call.
func (r *Recorder) ObserveScored(c types.ScoredCall) {
	r.Outcomes.WithLabelValues("scored").Inc()
	r.CostUSD.Add(c.CostUSD)
	r.Scores.Observe(c.Score.Total)
}

// ObserveFailed records a terminal failure.
func (r *Recorder) ObserveFailed(c types.FailedCall) {
	r.Outcomes.WithLabelValues("failed").Inc()
	r.FailureKinds.WithLabelValues(c.ErrorKind).Inc()
	r.CostUSD.Add(c.CostUSD)
}

// ObserveRun records the run-level outcome.
func (r *Recorder) ObserveRun(rep *types.Report) {
	r.Runs.Inc()
	r.RunDuration.Observe(rep.Summary.DurationSeconds)
	r.Outcomes.WithLabelValues("invalid").Add(float64(len(rep.Invalid)))
	r.Outcomes.WithLabelValues("not_attempted").Add(float64(len(rep.NotAttempted)))
}
