// Package normalizer turns raw voice-platform call records into the
// canonical NormalizedCall shape.
package normalizer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"qci-scorer-go/internal/types"
)

// Invalid reasons, reported by name so batch reports can histogram them.
const (
	ReasonMissingID          = "missing_id"
	ReasonZeroDuration       = "zero_duration"
	ReasonTranscriptTooShort = "transcript_too_short"
	ReasonNoTurns            = "no_turns"
	ReasonParseError         = "parse_error"
)

// UnknownID is the sentinel id a record carries when no identifier exists.
const UnknownID = "unknown"

const minTranscriptLen = 10

// placeholderStep is the spacing, in seconds, given to turns that have no
// timing information at all. It is an approximation, not a measurement, and
// turns carrying it are flagged with OffsetEstimated.
const placeholderStep = 2

// roleSynonyms maps source role strings to canonical roles. Roles missing
// from the table pass through unchanged.
var roleSynonyms = map[string]string{
	"bot":       types.RoleAgent,
	"assistant": types.RoleAgent,
	"ai":        types.RoleAgent,
	"agent":     types.RoleAgent,
	"user":      types.RoleCustomer,
	"customer":  types.RoleCustomer,
	"client":    types.RoleCustomer,
	"human":     types.RoleCustomer,
	"system":    types.RoleSystem,
}

// NormalizeRole maps a source role to agent, customer or system. Unknown
// roles are returned as given.
func NormalizeRole(role string) string {
	if canonical, ok := roleSynonyms[strings.ToLower(strings.TrimSpace(role))]; ok {
		return canonical
	}
	return role
}

// Normalize converts one raw record. It never panics and never returns an
// error: any failure is expressed through IsValid and InvalidReasons.
func Normalize(raw types.RawCallRecord) (call types.NormalizedCall) {
	defer func() {
		if r := recover(); r != nil {
			call = types.NormalizedCall{
				ID:             extractID(raw),
				Status:         UnknownID,
				IsValid:        false,
				InvalidReasons: []string{ReasonParseError},
				ParseError:     fmt.Sprint(r),
			}
		}
	}()

	turns := extractTurns(raw)
	call = types.NormalizedCall{
		ID:              extractID(raw),
		AssistantID:     extractAssistantID(raw),
		DurationSeconds: duration(raw, turns),
		Turns:           turns,
		Cost:            extractCost(raw),
		Status:          extractStatus(raw),
		StartedAt:       firstString(raw, "startedAt", "createdAt"),
		EndedAt:         firstString(raw, "endedAt", "updatedAt"),
	}
	call.Transcript = transcript(raw, turns)
	call.InvalidReasons = validate(call)
	call.IsValid = len(call.InvalidReasons) == 0
	return call
}

// NormalizeAll normalizes every record in order.
func NormalizeAll(raws []types.RawCallRecord) []types.NormalizedCall {
	out := make([]types.NormalizedCall, 0, len(raws))
	for _, r := range raws {
		out = append(out, Normalize(r))
	}
	return out
}

// Partition splits normalized calls into valid and invalid sets.
func Partition(calls []types.NormalizedCall) (valid, invalid []types.NormalizedCall) {
	for _, c := range calls {
		if c.IsValid {
			valid = append(valid, c)
		} else {
			invalid = append(invalid, c)
		}
	}
	return valid, invalid
}

func validate(c types.NormalizedCall) []string {
	var reasons []string
	if c.ID == "" || c.ID == UnknownID {
		reasons = append(reasons, ReasonMissingID)
	}
	if !(c.DurationSeconds > 0) {
		reasons = append(reasons, ReasonZeroDuration)
	}
	if utf8.RuneCountInString(c.Transcript) <= minTranscriptLen {
		reasons = append(reasons, ReasonTranscriptTooShort)
	}
	if len(c.Turns) == 0 {
		reasons = append(reasons, ReasonNoTurns)
	}
	return reasons
}

func extractID(raw types.RawCallRecord) string {
	if id := firstString(raw, "id", "callId"); id != "" {
		return id
	}
	return UnknownID
}

func extractAssistantID(raw types.RawCallRecord) string {
	if id := firstString(raw, "assistantId"); id != "" {
		return id
	}
	if a, ok := raw["assistant"].(map[string]any); ok {
		return stringValue(a["id"])
	}
	return ""
}

func extractStatus(raw types.RawCallRecord) string {
	if s := firstString(raw, "status", "endedReason"); s != "" {
		return s
	}
	return UnknownID
}

func extractCost(raw types.RawCallRecord) float64 {
	if v, ok := toFloat(raw["cost"]); ok && v != 0 {
		return v
	}
	if cb, ok := raw["costBreakdown"].(map[string]any); ok {
		if v, ok := toFloat(cb["total"]); ok {
			return v
		}
	}
	return 0
}

// duration prefers an explicit field, then end minus start, then the last
// measured turn offset. Placeholder offsets are not a duration signal.
func duration(raw types.RawCallRecord, turns []types.Turn) float64 {
	if v, ok := toFloat(raw["duration"]); ok && v != 0 {
		return math.Max(0, v)
	}
	start, okStart := toTime(raw["startedAt"])
	end, okEnd := toTime(raw["endedAt"])
	if okStart && okEnd {
		return math.Max(0, math.Round(end.Sub(start).Seconds()))
	}
	if n := len(turns); n > 0 && !turns[n-1].OffsetEstimated {
		return math.Max(0, turns[n-1].OffsetSeconds)
	}
	return 0
}

func transcript(raw types.RawCallRecord, turns []types.Turn) string {
	if s := stringValue(raw["transcript"]); s != "" {
		return s
	}
	if art, ok := raw["artifact"].(map[string]any); ok {
		if s := stringValue(art["transcript"]); s != "" {
			return s
		}
	}
	var lines []string
	for _, t := range turns {
		if t.Text == "" || t.Role == types.RoleSystem {
			continue
		}
		lines = append(lines, t.Role+": "+t.Text)
	}
	return strings.Join(lines, "\n")
}

// extractTurns reads the first turn source holding at least one usable
// entry: messages, then artifact.messages, then conversation.
func extractTurns(raw types.RawCallRecord) []types.Turn {
	sources := [][]any{listValue(raw["messages"])}
	if art, ok := raw["artifact"].(map[string]any); ok {
		sources = append(sources, listValue(art["messages"]))
	}
	sources = append(sources, listValue(raw["conversation"]))

	for _, src := range sources {
		if turns := buildTurns(src); len(turns) > 0 {
			return turns
		}
	}
	return nil
}

func buildTurns(entries []any) []types.Turn {
	if len(entries) == 0 {
		return nil
	}
	var firstTime float64
	var hasFirstTime bool
	if m, ok := entries[0].(map[string]any); ok {
		firstTime, hasFirstTime = toFloat(m["time"])
	}

	var turns []types.Turn
	for i, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		role := stringValue(m["role"])
		text := strings.TrimSpace(firstString(m, "message", "text", "content"))
		if role == "" && text == "" {
			continue
		}
		t := types.Turn{Role: NormalizeRole(role), Text: text}
		switch {
		case hasNumber(m, "secondsFromStart"):
			t.OffsetSeconds, _ = toFloat(m["secondsFromStart"])
		case hasFirstTime && hasNumber(m, "time"):
			ts, _ := toFloat(m["time"])
			t.OffsetSeconds = math.Round((ts - firstTime) / 1000)
		default:
			t.OffsetSeconds = float64(i * placeholderStep)
			t.OffsetEstimated = true
		}
		t.DurationSeconds = turnDuration(m)
		turns = append(turns, t)
	}
	return turns
}

// turnDuration uses endTime-time when both exist, else the platform's
// millisecond duration field.
func turnDuration(m map[string]any) float64 {
	start, okStart := toFloat(m["time"])
	end, okEnd := toFloat(m["endTime"])
	if okStart && okEnd && end >= start {
		return (end - start) / 1000
	}
	if d, ok := toFloat(m["duration"]); ok && d > 0 {
		return d / 1000
	}
	return 0
}

func hasNumber(m map[string]any, key string) bool {
	_, ok := toFloat(m[key])
	return ok
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringValue(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return ""
}

func listValue(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []map[string]any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x)
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case interface{ Float64() (float64, error) }:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
				return t, true
			}
		}
	case float64:
		return time.UnixMilli(int64(x)), true
	case int64:
		return time.UnixMilli(x), true
	}
	return time.Time{}, false
}
