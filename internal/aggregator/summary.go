package aggregator

import (
	"time"

	"qci-scorer-go/internal/types"
)

// Summarize builds the run-level counts, histograms and totals.
func Summarize(scored []types.ScoredCall, failed []types.FailedCall, notAttempted []types.NotAttempted, invalid []types.NormalizedCall, elapsed time.Duration) types.RunSummary {
	s := types.RunSummary{
		Total:          len(scored) + len(failed) + len(notAttempted) + len(invalid),
		Invalid:        len(invalid),
		Scored:         len(scored),
		Failed:         len(failed),
		NotAttempted:   len(notAttempted),
		StatusCounts:   map[string]int{},
		FailureReasons: map[string]int{},
		InvalidReasons: map[string]int{},
	}

	var sum float64
	for _, c := range scored {
		s.Attempts += c.AttemptCount
		s.TotalCostUSD += c.CostUSD
		sum += c.Score.Total
		s.StatusCounts[c.Score.Classification]++
	}
	if len(scored) > 0 {
		s.MeanTotal = round1(sum / float64(len(scored)))
	}
	for _, f := range failed {
		s.Attempts += f.AttemptCount
		s.TotalCostUSD += f.CostUSD
		kind := f.ErrorKind
		if kind == "" {
			kind = "unknown"
		}
		s.FailureReasons[kind]++
	}
	for _, c := range invalid {
		for _, r := range c.InvalidReasons {
			s.InvalidReasons[r]++
		}
	}

	s.DurationSeconds = elapsed.Seconds()
	if secs := elapsed.Seconds(); secs > 0 {
		s.ThroughputPerSecond = float64(s.Scored+s.Failed) / secs
	}
	return s
}
