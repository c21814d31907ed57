package types

import "time"

// TokenBreakdown splits projected token usage.
type TokenBreakdown struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// CostEstimate is the advisory pre-flight projection for a batch.
type CostEstimate struct {
	Model             string         `json:"model"`
	Calls             int            `json:"calls"`
	TotalCostUSD      float64        `json:"total_cost_usd"`
	PerCallAverageUSD float64        `json:"per_call_average_usd"`
	InputCostUSD      float64        `json:"input_cost_usd"`
	OutputCostUSD     float64        `json:"output_cost_usd"`
	Tokens            TokenBreakdown `json:"token_breakdown"`
}

// ActionCard is a coaching recommendation derived from an agent summary.
type ActionCard struct {
	Key     string `json:"key"`
	Insight string `json:"insight"`
	Action  string `json:"action"`
	Impact  string `json:"impact"`
}

// RunSummary holds run-level counts suitable for direct display.
type RunSummary struct {
	Total               int            `json:"total"`
	Invalid             int            `json:"invalid"`
	Scored              int            `json:"scored"`
	Failed              int            `json:"failed"`
	NotAttempted        int            `json:"not_attempted"`
	Attempts            int            `json:"attempts"`
	MeanTotal           float64        `json:"mean_total"`
	TotalCostUSD        float64        `json:"total_cost_usd"`
	StatusCounts        map[string]int `json:"status_counts"`
	FailureReasons      map[string]int `json:"failure_reasons"`
	InvalidReasons      map[string]int `json:"invalid_reasons"`
	DurationSeconds     float64        `json:"duration_seconds"`
	ThroughputPerSecond float64        `json:"throughput_per_second"`
}

// Report is the full output of one pipeline run, handed to persistence and
// dashboard collaborators.
type Report struct {
	RunID        string           `json:"run_id"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Estimate     CostEstimate     `json:"estimate"`
	Scored       []ScoredCall     `json:"scored"`
	Failed       []FailedCall     `json:"failed"`
	NotAttempted []NotAttempted   `json:"not_attempted"`
	Invalid      []NormalizedCall `json:"invalid"`
	Agents       []AgentSummary   `json:"agents"`
	Actions      []ActionCard     `json:"actions"`
	Summary      RunSummary       `json:"summary"`
	SinkErrors   []string         `json:"sink_errors,omitempty"`
}
