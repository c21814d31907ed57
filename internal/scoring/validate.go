package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"qci-scorer-go/internal/types"
)

// Classification labels.
const (
	ClassPass   = "pass"
	ClassReview = "review"
	ClassFail   = "fail"
)

// Classify maps a total score to its label.
func Classify(total float64) string {
	switch {
	case total >= 80:
		return ClassPass
	case total >= 60:
		return ClassReview
	default:
		return ClassFail
	}
}

type scoreRange struct {
	key string
	max float64
}

var requiredScores = []scoreRange{
	{"qci_total_score", 100},
	{"dynamics_total", 30},
	{"objections_total", 20},
	{"brand_total", 20},
	{"outcome_total", 30},
}

// ParseResult validates raw model output and decodes it. Anything that is not
// a well-formed object with every sub-score in range is a malformed response.
func ParseResult(raw string) (types.ScoreResult, error) {
	body := extractJSON(raw)
	if body == "" {
		return types.ScoreResult{}, NewError(KindMalformed, errors.New("no JSON object in model output"))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return types.ScoreResult{}, NewError(KindMalformed, fmt.Errorf("decode score: %w", err))
	}

	scores := make(map[string]float64, len(requiredScores))
	for _, r := range requiredScores {
		v, ok := fields[r.key]
		if !ok {
			return types.ScoreResult{}, NewError(KindMalformed, fmt.Errorf("missing %s", r.key))
		}
		var n float64
		if err := json.Unmarshal(v, &n); err != nil {
			return types.ScoreResult{}, NewError(KindMalformed, fmt.Errorf("%s is not a number", r.key))
		}
		if n < 0 || n > r.max {
			return types.ScoreResult{}, NewError(KindMalformed, fmt.Errorf("%s=%v outside [0,%v]", r.key, n, r.max))
		}
		scores[r.key] = n
	}

	var out types.ScoreResult
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return types.ScoreResult{}, NewError(KindMalformed, fmt.Errorf("decode score: %w", err))
	}
	out.Total = scores["qci_total_score"]
	out.Dynamics = scores["dynamics_total"]
	out.Objections = scores["objections_total"]
	out.Brand = scores["brand_total"]
	out.Outcome = scores["outcome_total"]

	switch strings.ToLower(strings.TrimSpace(out.Classification)) {
	case ClassPass, ClassReview, ClassFail:
		out.Classification = strings.ToLower(strings.TrimSpace(out.Classification))
	default:
		out.Classification = Classify(out.Total)
	}
	out.Evidence = fillEvidence(out.Evidence)
	if out.CoachingTips == nil {
		out.CoachingTips = []string{}
	}
	return out, nil
}

func fillEvidence(e types.Evidence) types.Evidence {
	if e.BrandMentions == nil {
		e.BrandMentions = []string{}
	}
	if e.KeyQuotes == nil {
		e.KeyQuotes = []string{}
	}
	if e.StrongestMoments == nil {
		e.StrongestMoments = []string{}
	}
	if e.ImprovementAreas == nil {
		e.ImprovementAreas = []string{}
	}
	return e
}

// extractJSON finds the first balanced JSON object in a string and returns it.
// Markdown fences around the object are skipped by the scan; string values
// are returned untouched.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}
