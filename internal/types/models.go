package types

import "time"

// RawCallRecord is one call exactly as the voice platform returned it.
// Every attribute is optional and read defensively.
type RawCallRecord map[string]any

// Canonical speaker roles.
const (
	RoleAgent    = "agent"
	RoleCustomer = "customer"
	RoleSystem   = "system"
)

// Turn is one utterance within a call. Turns are ordered; order is the only
// reliable sequencing signal.
type Turn struct {
	Role            string  `json:"role"`
	Text            string  `json:"text"`
	OffsetSeconds   float64 `json:"offset_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	// OffsetEstimated marks the index*2 placeholder used when the source had
	// no timing at all for the turn.
	OffsetEstimated bool `json:"offset_estimated,omitempty"`
}

// NormalizedCall is the canonical call shape. It is built once per raw
// record and never mutated afterwards.
type NormalizedCall struct {
	ID              string   `json:"id"`
	AssistantID     string   `json:"assistant_id,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
	Transcript      string   `json:"transcript"`
	Turns           []Turn   `json:"turns"`
	Cost            float64  `json:"cost"`
	Status          string   `json:"status"`
	StartedAt       string   `json:"started_at,omitempty"`
	EndedAt         string   `json:"ended_at,omitempty"`
	IsValid         bool     `json:"is_valid"`
	InvalidReasons  []string `json:"invalid_reasons,omitempty"`
	ParseError      string   `json:"parse_error,omitempty"`
}

// MatchResult is a single lexicon hit.
type MatchResult struct {
	Category      string `json:"category"`
	MatchedPhrase string `json:"matched_phrase"`
	MatchedText   string `json:"matched_text"`
	IsFuzzy       bool   `json:"is_fuzzy"`
}

// Evidence is the quote bundle returned with a score.
type Evidence struct {
	BrandMentions    []string `json:"brand_mentions"`
	KeyQuotes        []string `json:"key_quotes"`
	StrongestMoments []string `json:"strongest_moments"`
	ImprovementAreas []string `json:"improvement_areas"`
}

// ScoreResult is the structured QCI payload produced by the scoring model.
type ScoreResult struct {
	Total          float64  `json:"qci_total_score"`
	Dynamics       float64  `json:"dynamics_total"`
	Objections     float64  `json:"objections_total"`
	Brand          float64  `json:"brand_total"`
	Outcome        float64  `json:"outcome_total"`
	Classification string   `json:"classification"`
	Evidence       Evidence `json:"evidence"`
	CoachingTips   []string `json:"coaching_tips"`
}

// ScoredCall is a call that was scored successfully. It is never retried.
type ScoredCall struct {
	NormalizedCall
	Score        ScoreResult `json:"score"`
	AttemptCount int         `json:"attempt_count"`
	CostUSD      float64     `json:"cost_usd"`
	ScoredAt     time.Time   `json:"scored_at"`
}

// FailedCall is a call whose scoring ended in a terminal failure.
type FailedCall struct {
	NormalizedCall
	Reason       string  `json:"reason"`
	ErrorKind    string  `json:"error_kind"`
	AttemptCount int     `json:"attempt_count"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// NotAttempted is a call that was never dispatched because the run was
// cancelled first.
type NotAttempted struct {
	NormalizedCall
	Reason string `json:"reason"`
}

// AgentSummary is the per-agent rollup of scored calls.
type AgentSummary struct {
	Key            string   `json:"key"`
	Count          int      `json:"count"`
	MeanTotal      float64  `json:"mean_total"`
	MeanDynamics   float64  `json:"mean_dynamics"`
	MeanObjections float64  `json:"mean_objections"`
	MeanBrand      float64  `json:"mean_brand"`
	MeanOutcome    float64  `json:"mean_outcome"`
	PassCount      int      `json:"pass_count"`
	PassRate       float64  `json:"pass_rate"`
	Personas       []string `json:"personas"`
}
