package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qci-scorer-go/internal/lexicon"
	"qci-scorer-go/internal/types"
)

const validScore = `{
  "qci_total_score": 72,
  "dynamics_total": 20,
  "objections_total": 15,
  "brand_total": 12,
  "outcome_total": 25,
  "evidence": {"brand_mentions": ["this is Alex from Young Caesar"], "key_quotes": [], "strongest_moments": [], "improvement_areas": []},
  "coaching_tips": ["Ask for the meeting earlier."]
}`

func TestParseResult_Valid(t *testing.T) {
	res, err := ParseResult(validScore)
	require.NoError(t, err)
	assert.Equal(t, 72.0, res.Total)
	assert.Equal(t, 20.0, res.Dynamics)
	assert.Equal(t, ClassReview, res.Classification)
	assert.Equal(t, []string{"this is Alex from Young Caesar"}, res.Evidence.BrandMentions)
	assert.NotNil(t, res.Evidence.KeyQuotes)
}

func TestParseResult_FencedWithProse(t *testing.T) {
	raw := "Here you go:\n```json\n" + validScore + "\n```\nThanks"
	res, err := ParseResult(raw)
	require.NoError(t, err)
	assert.Equal(t, 72.0, res.Total)
}

func TestParseResult_BackticksInsideValuesSurvive(t *testing.T) {
	raw := "```json\n" + `{"qci_total_score": 72, "dynamics_total": 20, "objections_total": 15, "brand_total": 15, "outcome_total": 22,
  "evidence": {"brand_mentions": [], "key_quotes": ["type ` + "`yes`" + ` to confirm"], "strongest_moments": [], "improvement_areas": []}}` + "\n```"
	res, err := ParseResult(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"type `yes` to confirm"}, res.Evidence.KeyQuotes)
}

func TestParseResult_KeepsValidClassification(t *testing.T) {
	res, err := ParseResult(`{"qci_total_score": 85, "dynamics_total": 25, "objections_total": 20, "brand_total": 15, "outcome_total": 25, "classification": "PASS"}`)
	require.NoError(t, err)
	assert.Equal(t, ClassPass, res.Classification)
	assert.Empty(t, res.CoachingTips)
}

func TestParseResult_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"no object":    "I cannot score this call.",
		"missing key":  `{"qci_total_score": 50, "dynamics_total": 10, "objections_total": 10, "brand_total": 10}`,
		"not a number": `{"qci_total_score": "high", "dynamics_total": 10, "objections_total": 10, "brand_total": 10, "outcome_total": 10}`,
		"out of range": `{"qci_total_score": 50, "dynamics_total": 31, "objections_total": 10, "brand_total": 0, "outcome_total": 9}`,
		"negative":     `{"qci_total_score": -1, "dynamics_total": 0, "objections_total": 0, "brand_total": 0, "outcome_total": 0}`,
		"truncated":    `{"qci_total_score": 50, "dynamics_total": 10`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResult(raw)
			require.Error(t, err)
			assert.Equal(t, KindMalformed, KindOf(err))
			assert.False(t, IsPermanent(err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassPass, Classify(80))
	assert.Equal(t, ClassReview, Classify(79.9))
	assert.Equal(t, ClassReview, Classify(60))
	assert.Equal(t, ClassFail, Classify(59))
}

func TestExtractJSON_BracesInStrings(t *testing.T) {
	got := extractJSON(`noise {"a": "}{", "b": {"c": 1}} trailing }`)
	assert.Equal(t, `{"a": "}{", "b": {"c": 1}}`, got)
}

func TestErrorKinds(t *testing.T) {
	perm := NewError(KindPermanent, errors.New("bad key"))
	var pe *backoff.PermanentError
	assert.True(t, errors.As(perm, &pe))
	assert.Equal(t, KindPermanent, KindOf(perm))
	assert.True(t, IsPermanent(perm))

	rl := NewError(KindRateLimited, errors.New("slow down"))
	var se *Error
	require.True(t, errors.As(rl, &se))
	assert.True(t, se.Retryable())
	assert.Contains(t, rl.Error(), "rate_limited")

	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestKindForStatus(t *testing.T) {
	assert.Equal(t, KindRateLimited, kindForStatus(429))
	assert.Equal(t, KindTimeout, kindForStatus(408))
	assert.Equal(t, KindTransient, kindForStatus(503))
	assert.Equal(t, KindPermanent, kindForStatus(401))
	assert.Equal(t, KindPermanent, kindForStatus(400))
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("agent: Hi\ncustomer: Hello", Context{
		DurationSeconds: 42,
		Language:        "english",
		Turns: []types.Turn{
			{Role: types.RoleAgent, Text: "Hi", OffsetSeconds: 0},
			{Role: types.RoleSystem, Text: "ignored"},
			{Role: types.RoleCustomer, Text: "Hello", OffsetSeconds: 3},
		},
		LexiconHints: []types.MatchResult{{Category: "cta", MatchedPhrase: "meeting", MatchedText: "meeting"}},
	})
	assert.Contains(t, p, "Duration: 42 seconds")
	assert.Contains(t, p, "[3s] customer: Hello")
	assert.NotContains(t, p, "ignored")
	assert.Contains(t, p, `"matched_phrase": "meeting"`)
	assert.Contains(t, p, "35-55% agent talk time")
	assert.Contains(t, p, "Young Caesar")
}

func TestScoreSchema_Strict(t *testing.T) {
	assert.Equal(t, false, scoreSchema["additionalProperties"])
	required, ok := scoreSchema["required"].([]string)
	require.True(t, ok)
	assert.Contains(t, required, "qci_total_score")
	assert.Contains(t, required, "evidence")

	props := scoreSchema["properties"].(map[string]any)
	evidence := props["evidence"].(map[string]any)
	assert.Equal(t, false, evidence["additionalProperties"])
}

func newEngine(t *testing.T) *lexicon.Engine {
	t.Helper()
	table, err := lexicon.DefaultTable()
	require.NoError(t, err)
	e, err := lexicon.NewEngine(table)
	require.NoError(t, err)
	return e
}

func TestMockClient_Deterministic(t *testing.T) {
	m := NewMockClient(newEngine(t))
	turns := []types.Turn{
		{Role: types.RoleAgent, Text: "Hi, this is Alex from Young Caesar. We help manufacturers find new customers without trade shows."},
		{Role: types.RoleCustomer, Text: "Sounds interesting, tell me more about it please, I have some time today."},
		{Role: types.RoleAgent, Text: "Great, can we schedule a meeting for Tuesday?"},
		{Role: types.RoleCustomer, Text: "Yes, Tuesday works, send me the invite for the meeting."},
	}
	sc := Context{CallID: "c1", Turns: turns}
	transcript := "agent: Hi\ncustomer: Yes, Tuesday works"

	first, err := m.Score(context.Background(), transcript, sc)
	require.NoError(t, err)
	second, err := m.Score(context.Background(), transcript, sc)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	r := first.Result
	assert.Equal(t, r.Dynamics+r.Objections+r.Brand+r.Outcome, r.Total)
	assert.LessOrEqual(t, r.Total, 100.0)
	assert.Equal(t, []string{"young caesar"}, r.Evidence.BrandMentions)
	assert.Equal(t, 20.0, r.Objections)
	assert.Positive(t, first.Usage.InputTokens)
}

func TestMockClient_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMockClient(newEngine(t)).Score(ctx, "agent: Hi", Context{})
	assert.Equal(t, KindTimeout, KindOf(err))
}

func responsesBody(text string) map[string]any {
	return map[string]any{
		"id":         "resp_1",
		"object":     "response",
		"created_at": 0,
		"status":     "completed",
		"model":      "gpt-4o-mini",
		"output": []any{map[string]any{
			"type":   "message",
			"id":     "msg_1",
			"status": "completed",
			"role":   "assistant",
			"content": []any{map[string]any{
				"type":        "output_text",
				"text":        text,
				"annotations": []any{},
			}},
		}},
		"usage": map[string]any{
			"input_tokens":          1200,
			"output_tokens":         300,
			"total_tokens":          1500,
			"input_tokens_details":  map[string]any{"cached_tokens": 0},
			"output_tokens_details": map[string]any{"reasoning_tokens": 0},
		},
	}
}

func TestOpenAIClient_Score(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/responses"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responsesBody(validScore))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL+"/", "gpt-4o-mini")
	resp, err := c.Score(context.Background(), "agent: Hi", Context{CallID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 72.0, resp.Result.Total)
	assert.Equal(t, int64(1200), resp.Usage.InputTokens)
	assert.Equal(t, int64(300), resp.Usage.OutputTokens)
}

func TestOpenAIClient_Malformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responsesBody(`{"qci_total_score": 500}`))
	}))
	defer srv.Close()

	resp, err := NewOpenAIClient("k", srv.URL+"/", "").Score(context.Background(), "agent: Hi", Context{})
	require.Error(t, err)
	assert.Equal(t, KindMalformed, KindOf(err))
	assert.Equal(t, int64(1200), resp.Usage.InputTokens)
}

func TestOpenAIClient_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindPermanent},
		{http.StatusBadGateway, KindTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error": {"message": "nope", "type": "error", "code": "x"}}`))
		}))
		_, err := NewOpenAIClient("k", srv.URL+"/", "").Score(context.Background(), "agent: Hi", Context{})
		srv.Close()
		require.Error(t, err)
		assert.Equal(t, tc.want, KindOf(err), "status %d", tc.status)
	}
}
