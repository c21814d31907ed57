package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qci-scorer-go/internal/config"
	"qci-scorer-go/internal/cost"
	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/metrics"
	"qci-scorer-go/internal/report"
	"qci-scorer-go/internal/scheduler"
	"qci-scorer-go/internal/scoring"
	"qci-scorer-go/internal/types"
)

func record(id, assistant string) types.RawCallRecord {
	return types.RawCallRecord{
		"id":          id,
		"assistantId": assistant,
		"startedAt":   "2025-09-17T10:00:00Z",
		"endedAt":     "2025-09-17T10:03:00Z",
		"messages": []any{
			map[string]any{"role": "bot", "message": "Hello, this is Sam from Young Caesar", "secondsFromStart": 1.0},
			map[string]any{"role": "user", "message": "Hi, I might be interested in a franchise", "secondsFromStart": 5.0},
		},
	}
}

func invalidRecord() types.RawCallRecord {
	return types.RawCallRecord{
		"id": "c1",
		"messages": []any{
			map[string]any{"role": "bot", "message": "Hi"},
			map[string]any{"role": "user", "message": "Not interested"},
		},
	}
}

func testLogger() *logger.Logger {
	return logger.NewWithOutput(&bytes.Buffer{})
}

func testScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	cfg := scheduler.DefaultConfig()
	cfg.BatchSize = 2
	cfg.MaxConcurrent = 2
	cfg.BaseRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = time.Millisecond
	s, err := scheduler.New(cfg, scheduler.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)
	return s
}

// scoreByID scores "a*" calls at 40 and 60 alternately and fails "bad*" calls.
func scoreByID(_ context.Context, call types.NormalizedCall) (scheduler.Outcome, error) {
	if call.ID[0] == 'b' {
		return scheduler.Outcome{CostUSD: 0.001}, scoring.NewError(scoring.KindPermanent, errors.New("rejected"))
	}
	total := 40.0
	if call.ID[len(call.ID)-1] == '2' {
		total = 60
	}
	return scheduler.Outcome{
		Result: types.ScoreResult{
			Total:          total,
			Dynamics:       total * 0.3,
			Objections:     total * 0.2,
			Brand:          total * 0.2,
			Outcome:        total * 0.3,
			Classification: scoring.Classify(total),
		},
		CostUSD: 0.002,
	}, nil
}

type failingSink struct{}

func (failingSink) Name() string { return "broken" }

func (failingSink) Publish(context.Context, *types.Report) error {
	return errors.New("disk full")
}

type captureSink struct{ got *types.Report }

func (*captureSink) Name() string { return "capture" }

func (c *captureSink) Publish(ctx context.Context, rep *types.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.got = rep
	return nil
}

func testEstimator(t *testing.T) cost.Estimator {
	t.Helper()
	p, err := cost.PricingFor(cost.DefaultModel)
	require.NoError(t, err)
	return cost.NewEstimator(p)
}

func TestRun_EndToEnd(t *testing.T) {
	capture := &captureSink{}
	p := New(testScheduler(t), scoreByID, testEstimator(t),
		WithLogger(testLogger()),
		WithSinks(capture),
		WithThreshold(50),
	)

	raws := []types.RawCallRecord{record("a1", "A"), record("a2", "A"), record("bad1", "B"), invalidRecord()}
	rep, err := p.Run(context.Background(), raws)
	require.NoError(t, err)

	assert.NotEmpty(t, rep.RunID)
	require.Len(t, rep.Invalid, 1)
	assert.Equal(t, "c1", rep.Invalid[0].ID)
	assert.Len(t, rep.Scored, 2)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "bad1", rep.Failed[0].ID)
	assert.Equal(t, string(scoring.KindPermanent), rep.Failed[0].ErrorKind)
	assert.Empty(t, rep.NotAttempted)
	assert.Equal(t, 3, rep.Estimate.Calls)

	require.Len(t, rep.Agents, 1)
	assert.Equal(t, "A", rep.Agents[0].Key)
	assert.Equal(t, 2, rep.Agents[0].Count)
	assert.Equal(t, 50.0, rep.Agents[0].MeanTotal)
	assert.Equal(t, 0.5, rep.Agents[0].PassRate)
	assert.Len(t, rep.Actions, 1)

	assert.Equal(t, 4, rep.Summary.Total)
	assert.Equal(t, 1, rep.Summary.Invalid)
	assert.Equal(t, 2, rep.Summary.Scored)
	assert.Equal(t, 1, rep.Summary.Failed)
	assert.InDelta(t, 0.005, rep.Summary.TotalCostUSD, 1e-9)

	assert.Same(t, rep, capture.got)
	assert.Empty(t, rep.SinkErrors)
}

func TestRun_BudgetRefusal(t *testing.T) {
	called := false
	score := func(ctx context.Context, c types.NormalizedCall) (scheduler.Outcome, error) {
		called = true
		return scoreByID(ctx, c)
	}
	p := New(testScheduler(t), score, testEstimator(t), WithLogger(testLogger()), WithBudget(1e-9))

	rep, err := p.Run(context.Background(), []types.RawCallRecord{record("a1", "A")})

	require.Error(t, err)
	assert.Nil(t, rep)
	var budgetErr *cost.ErrBudgetExceeded
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, 1e-9, budgetErr.Budget)
	assert.False(t, called)
}

func TestRun_SinkErrorIsRecorded(t *testing.T) {
	capture := &captureSink{}
	p := New(testScheduler(t), scoreByID, testEstimator(t),
		WithLogger(testLogger()),
		WithSinks(failingSink{}, capture),
	)

	rep, err := p.Run(context.Background(), []types.RawCallRecord{record("a1", "A")})
	require.NoError(t, err)

	assert.Equal(t, []string{"broken: disk full"}, rep.SinkErrors)
	assert.NotNil(t, capture.got, "later sinks still run")
}

func TestRun_CancelledRunStillReachesSinks(t *testing.T) {
	capture := &captureSink{}
	p := New(testScheduler(t), scoreByID, testEstimator(t),
		WithLogger(testLogger()),
		WithSinks(capture),
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := p.Run(ctx, []types.RawCallRecord{record("a1", "A"), record("a2", "A")})
	require.NoError(t, err)

	assert.Len(t, rep.NotAttempted, 2)
	assert.Empty(t, rep.Scored)
	assert.Same(t, rep, capture.got)
}

func TestRun_MetricsAndFileSink(t *testing.T) {
	dir := t.TempDir()
	rec := metrics.NewRecorder(false)
	sink := report.FileSink{
		JSONPath: filepath.Join(dir, "report.json"),
		XLSXPath: filepath.Join(dir, "report.xlsx"),
	}
	p := New(testScheduler(t), scoreByID, testEstimator(t),
		WithLogger(testLogger()),
		WithMetrics(rec),
		WithSinks(sink),
	)

	rep, err := p.Run(context.Background(), []types.RawCallRecord{record("a1", "A"), record("bad1", "B")})
	require.NoError(t, err)
	assert.Empty(t, rep.SinkErrors)

	for _, path := range []string{sink.JSONPath, sink.XLSXPath} {
		info, err := os.Stat(path)
		require.NoError(t, err, path)
		assert.Positive(t, info.Size())
	}
}

func TestBuild_MockPipeline(t *testing.T) {
	cfg := config.Default()
	cfg.UseMock = true
	cfg.Scheduler.BaseRetryDelay = time.Millisecond
	cfg.Scheduler.MaxRetryDelay = time.Millisecond

	c, err := Build(cfg, metrics.NewRecorder(false), testLogger())
	require.NoError(t, err)
	assert.IsType(t, &scoring.MockClient{}, c.Client)
	assert.Equal(t, cost.DefaultModel, c.Pricing.Model)

	raws := make([]types.RawCallRecord, 0, 6)
	for i := 1; i <= 5; i++ {
		raws = append(raws, record(fmt.Sprintf("m%d", i), "asst-1"))
	}
	raws = append(raws, invalidRecord())

	rep, err := c.Pipeline(cfg, WithLogger(testLogger())).Run(context.Background(), raws)
	require.NoError(t, err)

	assert.Len(t, rep.Scored, 5)
	assert.Len(t, rep.Invalid, 1)
	for _, s := range rep.Scored {
		assert.GreaterOrEqual(t, s.Score.Total, 0.0)
		assert.LessOrEqual(t, s.Score.Total, 100.0)
		assert.Positive(t, s.CostUSD)
	}
	require.Len(t, rep.Agents, 1)
	assert.Equal(t, "asst-1", rep.Agents[0].Key)
}

func TestBuild_BadModel(t *testing.T) {
	cfg := config.Default()
	cfg.UseMock = true
	cfg.Model = "no-such-model"

	_, err := Build(cfg, nil, testLogger())
	assert.Error(t, err)
}
