package processor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qci-scorer-go/internal/cost"
	"qci-scorer-go/internal/lexicon"
	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/scoring"
	"qci-scorer-go/internal/types"
)

type stubClient struct {
	mu   sync.Mutex
	seen []scoring.Context
	resp scoring.Response
	err  error
}

func (s *stubClient) Score(ctx context.Context, transcript string, sc scoring.Context) (scoring.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, sc)
	return s.resp, s.err
}

func newEngine(t *testing.T) *lexicon.Engine {
	t.Helper()
	table, err := lexicon.DefaultTable()
	require.NoError(t, err)
	e, err := lexicon.NewEngine(table)
	require.NoError(t, err)
	return e
}

func quietLogger() *logger.Logger {
	return logger.NewWithOutput(&bytes.Buffer{})
}

var call = types.NormalizedCall{
	ID:          "c1",
	AssistantID: "asst-1",
	Transcript:  "agent: Hi, this is Maria from Young Caesar, can we book a demo?\ncustomer: Sure, what is the price",
	Turns: []types.Turn{
		{Role: types.RoleAgent, Text: "Hi, this is Maria from Young Caesar, can we book a demo?"},
		{Role: types.RoleCustomer, Text: "Sure, what is the price"},
		{Role: types.RoleAgent, Text: "Great, talk soon."},
	},
	DurationSeconds: 60,
	IsValid:         true,
}

func TestScore_BuildsContextAndPricesUsage(t *testing.T) {
	client := &stubClient{resp: scoring.Response{
		Result: types.ScoreResult{Total: 75, Evidence: types.Evidence{BrandMentions: []string{"from the model"}}},
		Usage:  cost.Usage{InputTokens: 1_000_000, OutputTokens: 500_000},
	}}
	p := New(client, newEngine(t), cost.Models["gpt-4o-mini"], quietLogger())

	out, err := p.Score(context.Background(), call)
	require.NoError(t, err)
	assert.InDelta(t, 0.15+0.30, out.CostUSD, 1e-12)
	assert.Equal(t, []string{"from the model"}, out.Result.Evidence.BrandMentions)

	require.Len(t, client.seen, 1)
	sc := client.seen[0]
	assert.Equal(t, "c1", sc.CallID)
	assert.Equal(t, "asst-1", sc.AssistantID)
	assert.Equal(t, "english", sc.Language)
	assert.Equal(t, "Young Caesar", sc.Brand)

	categories := map[string]string{}
	for _, h := range sc.LexiconHints {
		categories[h.Category] = h.MatchedPhrase
	}
	assert.Equal(t, "young caesar", categories["brand_variants"])
	assert.Equal(t, "book", categories["cta"])
}

func TestScore_FillsBrandMentionsFromAgentTurns(t *testing.T) {
	client := &stubClient{resp: scoring.Response{Result: types.ScoreResult{Total: 50}}}
	p := New(client, newEngine(t), cost.Models["gpt-4o-mini"], quietLogger())

	out, err := p.Score(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi, this is Maria from Young Caesar, can we book a demo?"}, out.Result.Evidence.BrandMentions)
}

func TestScore_FailureStillCarriesCost(t *testing.T) {
	client := &stubClient{
		resp: scoring.Response{Usage: cost.Usage{InputTokens: 2_000_000}},
		err:  scoring.NewError(scoring.KindMalformed, errors.New("bad json")),
	}
	p := New(client, newEngine(t), cost.Models["gpt-4o-mini"], quietLogger())

	out, err := p.Score(context.Background(), call)
	require.Error(t, err)
	assert.Equal(t, scoring.KindMalformed, scoring.KindOf(err))
	assert.InDelta(t, 0.30, out.CostUSD, 1e-12)
}

func TestScore_WithMockClient(t *testing.T) {
	lex := newEngine(t)
	p := New(scoring.NewMockClient(lex), lex, cost.Models["gpt-4o-mini"], nil)

	out, err := p.Score(context.Background(), call)
	require.NoError(t, err)
	assert.Positive(t, out.CostUSD)
	assert.NotEmpty(t, out.Result.Classification)
}

func TestBrandMentions_IgnoresCustomerTurns(t *testing.T) {
	p := New(&stubClient{}, newEngine(t), cost.Models["gpt-4o-mini"], quietLogger())
	c := types.NormalizedCall{Turns: []types.Turn{
		{Role: types.RoleCustomer, Text: "Is this Young Caesar?"},
	}}
	assert.Empty(t, p.BrandMentions(c))
}
