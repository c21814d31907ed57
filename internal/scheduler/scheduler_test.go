package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qci-scorer-go/internal/scoring"
	"qci-scorer-go/internal/types"
)

func testConfig() Config {
	return Config{
		BatchSize:      10,
		MaxConcurrent:  5,
		RetryAttempts:  3,
		BaseRetryDelay: 100 * time.Millisecond,
		MaxRetryDelay:  time.Second,
		CallTimeout:    time.Second,
	}
}

// delayRecorder is a Sleeper that never waits.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) sleep(ctx context.Context, dur time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delays = append(d.delays, dur)
	return ctx.Err()
}

func makeCalls(n int) []types.NormalizedCall {
	calls := make([]types.NormalizedCall, n)
	for i := range calls {
		calls[i] = types.NormalizedCall{ID: fmt.Sprintf("c%d", i), IsValid: true}
	}
	return calls
}

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) (*Scheduler, *delayRecorder) {
	t.Helper()
	rec := &delayRecorder{}
	opts = append([]Option{WithSleeper(rec.sleep), WithRand(func() float64 { return 0.5 })}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	return s, rec
}

func TestRun_EvenIDsSucceedOddIDsExhaustRetries(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	calls := makeCalls(100)

	var onErrors atomic.Int32
	fn := func(ctx context.Context, c types.NormalizedCall) (Outcome, error) {
		last := c.ID[len(c.ID)-1]
		if (last-'0')%2 == 0 {
			return Outcome{Result: types.ScoreResult{Total: 70}}, nil
		}
		return Outcome{}, scoring.NewError(scoring.KindTransient, errors.New("upstream busy"))
	}
	res, err := s.Run(context.Background(), calls, fn, nil, func(types.FailedCall, error) { onErrors.Add(1) })
	require.NoError(t, err)

	assert.Len(t, res.Scored, 50)
	assert.Len(t, res.Failed, 50)
	assert.Empty(t, res.NotAttempted)
	assert.Equal(t, 200, res.Attempts)
	assert.Equal(t, int32(50), onErrors.Load())
	for _, sc := range res.Scored {
		assert.Equal(t, 1, sc.AttemptCount)
	}
	for _, f := range res.Failed {
		assert.Equal(t, 3, f.AttemptCount)
		assert.Equal(t, string(scoring.KindTransient), f.ErrorKind)
		assert.Contains(t, f.Reason, "upstream busy")
	}
}

func TestRun_InFlightNeverExceedsLimit(t *testing.T) {
	for _, k := range []int{1, 3, 7} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxConcurrent = k
			var peak atomic.Int64
			observe := func(n int64) {
				for {
					cur := peak.Load()
					if n <= cur || peak.CompareAndSwap(cur, n) {
						return
					}
				}
			}
			s, _ := newTestScheduler(t, cfg, WithInFlightObserver(observe))

			var calls atomic.Int32
			fn := func(ctx context.Context, c types.NormalizedCall) (Outcome, error) {
				// every third call fails once so retries compete for slots too
				if calls.Add(1)%3 == 0 {
					return Outcome{}, scoring.NewError(scoring.KindRateLimited, errors.New("429"))
				}
				time.Sleep(time.Millisecond)
				return Outcome{}, nil
			}
			res, err := s.Run(context.Background(), makeCalls(60), fn, nil, nil)
			require.NoError(t, err)

			assert.LessOrEqual(t, peak.Load(), int64(k))
			assert.GreaterOrEqual(t, peak.Load(), int64(1))
			assert.Equal(t, 60, len(res.Scored)+len(res.Failed))
		})
	}
}

func TestRun_EveryItemEndsInExactlyOneSet(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	calls := makeCalls(37)
	fn := func(ctx context.Context, c types.NormalizedCall) (Outcome, error) {
		if len(c.ID)%2 == 0 {
			return Outcome{}, errors.New("nope")
		}
		return Outcome{}, nil
	}
	res, err := s.Run(context.Background(), calls, fn, nil, nil)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, c := range res.Scored {
		seen[c.ID]++
	}
	for _, c := range res.Failed {
		seen[c.ID]++
	}
	require.Len(t, seen, len(calls))
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestRun_PermanentErrorIsNotRetried(t *testing.T) {
	s, rec := newTestScheduler(t, testConfig())
	fn := func(ctx context.Context, c types.NormalizedCall) (Outcome, error) {
		return Outcome{}, scoring.NewError(scoring.KindPermanent, errors.New("invalid api key"))
	}
	res, err := s.Run(context.Background(), makeCalls(1), fn, nil, nil)
	require.NoError(t, err)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].AttemptCount)
	assert.Equal(t, string(scoring.KindPermanent), res.Failed[0].ErrorKind)
	assert.Empty(t, rec.delays)
}

func TestRun_MalformedRetriedThenTerminal(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	fn := func(ctx context.Context, c types.NormalizedCall) (Outcome, error) {
		_, err := scoring.ParseResult("not json")
		return Outcome{CostUSD: 0.01}, err
	}
	res, err := s.Run(context.Background(), makeCalls(1), fn, nil, nil)
	require.NoError(t, err)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, 3, res.Failed[0].AttemptCount)
	assert.Equal(t, string(scoring.KindMalformed), res.Failed[0].ErrorKind)
	assert.InDelta(t, 0.03, res.Failed[0].CostUSD, 1e-9)
}

func TestRun_RecoversOnRetryWithBackoff(t *testing.T) {
	var transitions []State
	var mu sync.Mutex
	s, rec := newTestScheduler(t, testConfig(), WithStateObserver(func(id string, st State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, st)
	}))

	var attempts atomic.Int32
	fn := func(ctx context.Context, c types.NormalizedCall) (Outcome, error) {
		if attempts.Add(1) < 3 {
			return Outcome{CostUSD: 0.001}, errors.New("connection reset")
		}
		return Outcome{Result: types.ScoreResult{Total: 88}, CostUSD: 0.002}, nil
	}
	res, err := s.Run(context.Background(), makeCalls(1), fn, nil, nil)
	require.NoError(t, err)

	require.Len(t, res.Scored, 1)
	assert.Equal(t, 3, res.Scored[0].AttemptCount)
	assert.Equal(t, 88.0, res.Scored[0].Score.Total)
	assert.InDelta(t, 0.004, res.Scored[0].CostUSD, 1e-9)
	assert.Equal(t, []time.Duration{115 * time.Millisecond, 230 * time.Millisecond}, rec.delays)
	assert.Equal(t, []State{
		StatePending, StateAttempting,
		StateAwaitingRetry, StateAttempting,
		StateAwaitingRetry, StateAttempting,
		StateSucceeded,
	}, transitions)
}

func TestRetryDelay(t *testing.T) {
	base, maxDelay := 100*time.Millisecond, time.Second
	assert.Equal(t, 100*time.Millisecond, retryDelay(base, maxDelay, 1, 0))
	assert.Equal(t, 130*time.Millisecond, retryDelay(base, maxDelay, 1, 1))
	assert.Equal(t, 400*time.Millisecond, retryDelay(base, maxDelay, 3, 0))
	assert.Equal(t, maxDelay, retryDelay(base, maxDelay, 4, 0.9))
	assert.Equal(t, maxDelay, retryDelay(base, maxDelay, 10, 0))

	b := &jitteredExponential{base: base, max: maxDelay, rand: func() float64 { return 0 }}
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestRun_CancelledBeforeDispatchIsNotAttempted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s, _ := newTestScheduler(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fn := func(actx context.Context, c types.NormalizedCall) (Outcome, error) {
		cancel()
		// the in-flight attempt is not aborted by the parent's cancellation
		assert.NoError(t, actx.Err())
		return Outcome{}, nil
	}
	res, err := s.Run(ctx, makeCalls(5), fn, nil, nil)
	require.NoError(t, err)

	assert.Len(t, res.Scored, 1)
	assert.Empty(t, res.Failed)
	require.Len(t, res.NotAttempted, 4)
	assert.Equal(t, "c1", res.NotAttempted[0].ID)
	assert.Contains(t, res.NotAttempted[0].Reason, "cancelled")
}

func TestRun_CancelledDuringBackoffFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := New(testConfig(), WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	require.NoError(t, err)

	fn := func(context.Context, types.NormalizedCall) (Outcome, error) {
		return Outcome{}, errors.New("timeout talking to model")
	}
	res, err := s.Run(ctx, makeCalls(1), fn, nil, nil)
	require.NoError(t, err)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].AttemptCount)
	assert.Contains(t, res.Failed[0].Reason, "retry abandoned")
	assert.Contains(t, res.Failed[0].Reason, "timeout talking to model")
}

func TestRun_AttemptTimeoutIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 5 * time.Millisecond
	cfg.RetryAttempts = 2
	s, _ := newTestScheduler(t, cfg)

	fn := func(ctx context.Context, c types.NormalizedCall) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}
	res, err := s.Run(context.Background(), makeCalls(1), fn, nil, nil)
	require.NoError(t, err)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, 2, res.Failed[0].AttemptCount)
	assert.Equal(t, string(scoring.KindTimeout), res.Failed[0].ErrorKind)
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 1
	s, _ := newTestScheduler(t, cfg)
	fn := func(context.Context, types.NormalizedCall) (Outcome, error) {
		panic("boom")
	}
	res, err := s.Run(context.Background(), makeCalls(2), fn, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Failed, 2)
	assert.Contains(t, res.Failed[0].Reason, "boom")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(500 * time.Millisecond)
	return c.now
}

func TestRun_Progress(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 4
	clock := &fakeClock{now: time.Unix(0, 0)}
	s, _ := newTestScheduler(t, cfg, WithClock(clock.Now))

	var events []Progress
	fn := func(context.Context, types.NormalizedCall) (Outcome, error) { return Outcome{}, nil }
	_, err := s.Run(context.Background(), makeCalls(10), fn, func(p Progress) { events = append(events, p) }, nil)
	require.NoError(t, err)

	require.Len(t, events, 10)
	done := 0
	for i, p := range events {
		assert.Equal(t, i+1, p.Processed)
		assert.Equal(t, 10, p.Total)
		assert.Equal(t, 3, p.BatchCount)
		assert.Positive(t, p.Throughput)
		if p.BatchDone {
			done++
		}
	}
	assert.Equal(t, 3, done)
	assert.Equal(t, time.Duration(0), events[9].ETA)
}

func TestRun_Empty(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	res, err := s.Run(context.Background(), nil, func(context.Context, types.NormalizedCall) (Outcome, error) {
		return Outcome{}, nil
	}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Scored)
	assert.Zero(t, res.Attempts)

	_, err = s.Run(context.Background(), nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := Config{BatchSize: 0, MaxConcurrent: 0, RetryAttempts: 0, BaseRetryDelay: time.Second, MaxRetryDelay: time.Millisecond}
	err := bad.Validate()
	require.Error(t, err)
	for _, want := range []string{"batch_size", "max_concurrent", "retry_attempts", "max_retry_delay"} {
		assert.Contains(t, err.Error(), want)
	}

	_, err = New(bad)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_retry", StateAwaitingRetry.String())
	assert.Equal(t, "state(42)", State(42).String())
}
