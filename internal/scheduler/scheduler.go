// Package scheduler drives a scoring function over many calls with a hard
// cap on in-flight calls, per-item retry with jittered exponential backoff,
// and a progress stream. It does no I/O of its own.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"qci-scorer-go/internal/scoring"
	"qci-scorer-go/internal/types"
)

// Outcome is what a successful attempt produced. CostUSD may also be set
// alongside an error when the failed attempt was billed.
type Outcome struct {
	Result  types.ScoreResult
	CostUSD float64
}

// ScoreFunc scores a single call. It must be safe for concurrent use.
type ScoreFunc func(ctx context.Context, call types.NormalizedCall) (Outcome, error)

// Progress is emitted after every item reaches a terminal state.
type Progress struct {
	Processed  int           `json:"processed"`
	Total      int           `json:"total"`
	Elapsed    time.Duration `json:"elapsed"`
	Throughput float64       `json:"throughput"`
	ETA        time.Duration `json:"eta"`
	Batch      int           `json:"batch"`
	BatchCount int           `json:"batch_count"`
	BatchDone  bool          `json:"batch_done"`
	CallID     string        `json:"call_id"`
	Succeeded  bool          `json:"succeeded"`
	Attempts   int           `json:"attempts"`
}

// ProgressFunc and ErrorFunc are invoked one at a time, never concurrently.
type (
	ProgressFunc func(Progress)
	ErrorFunc    func(failed types.FailedCall, err error)
)

// Result partitions every submitted call into exactly one terminal set.
type Result struct {
	Scored       []types.ScoredCall   `json:"scored"`
	Failed       []types.FailedCall   `json:"failed"`
	NotAttempted []types.NotAttempted `json:"not_attempted"`
	Attempts     int                  `json:"attempts"`
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// State is a position in the per-item retry state machine.
type State int

const (
	StatePending State = iota
	StateAttempting
	StateAwaitingRetry
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateAwaitingRetry:
		return "awaiting_retry"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Scheduler runs scoring batches. A Scheduler may be reused across runs.
type Scheduler struct {
	cfg      Config
	sleep    Sleeper
	now      func() time.Time
	rand     func() float64
	inFlight func(n int64)
	states   func(callID string, s State)
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithSleeper replaces the backoff wait.
func WithSleeper(fn Sleeper) Option { return func(s *Scheduler) { s.sleep = fn } }

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option { return func(s *Scheduler) { s.now = fn } }

// WithRand replaces the jitter source. fn must be safe for concurrent use
// and return values in [0,1).
func WithRand(fn func() float64) Option { return func(s *Scheduler) { s.rand = fn } }

// WithInFlightObserver is called with the in-flight count after every change.
func WithInFlightObserver(fn func(n int64)) Option { return func(s *Scheduler) { s.inFlight = fn } }

// WithStateObserver is called on every state transition.
func WithStateObserver(fn func(callID string, st State)) Option {
	return func(s *Scheduler) { s.states = fn }
}

// New validates cfg and returns a scheduler.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	s := &Scheduler{
		cfg:      cfg,
		sleep:    sleepContext,
		now:      time.Now,
		rand:     rand.Float64,
		inFlight: func(int64) {},
		states:   func(string, State) {},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Config returns the validated configuration.
func (s *Scheduler) Config() Config { return s.cfg }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type task struct {
	index    int
	call     types.NormalizedCall
	state    State
	attempts int
	costUSD  float64
	outcome  Outcome
	scoredAt time.Time
	err      error
}

// run holds the shared state of one Run call.
type run struct {
	s        *Scheduler
	fn       ScoreFunc
	sem      *semaphore.Weighted
	inFlight atomic.Int64

	mu         sync.Mutex
	start      time.Time
	processed  int
	total      int
	batchLeft  []int
	onProgress ProgressFunc
	onError    ErrorFunc
}

// Run scores calls and blocks until every dispatched item is terminal. When
// ctx is cancelled no new item is dispatched, in-flight attempts finish under
// their own timeout and undispatched items come back as NotAttempted. The
// returned error is only non-nil for unusable arguments.
func (s *Scheduler) Run(ctx context.Context, calls []types.NormalizedCall, fn ScoreFunc, onProgress ProgressFunc, onError ErrorFunc) (Result, error) {
	if fn == nil {
		return Result{}, errors.New("scheduler: nil score function")
	}
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	if onError == nil {
		onError = func(types.FailedCall, error) {}
	}

	batches := (len(calls) + s.cfg.BatchSize - 1) / s.cfg.BatchSize
	r := &run{
		s:          s,
		fn:         fn,
		sem:        semaphore.NewWeighted(int64(s.cfg.MaxConcurrent)),
		start:      s.now(),
		total:      len(calls),
		batchLeft:  make([]int, batches),
		onProgress: onProgress,
		onError:    onError,
	}
	for b := range r.batchLeft {
		r.batchLeft[b] = min(s.cfg.BatchSize, len(calls)-b*s.cfg.BatchSize)
	}

	tasks := make([]*task, len(calls))
	for i, c := range calls {
		tasks[i] = &task{index: i, call: c, state: StatePending}
		s.states(c.ID, StatePending)
	}

	var wg sync.WaitGroup
	dispatched := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			r.sem.Release(1)
			break
		}
		dispatched++
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			r.process(ctx, t)
		}(t)
	}
	wg.Wait()

	var res Result
	for i, t := range tasks {
		if i >= dispatched {
			reason := "cancelled before dispatch"
			if err := ctx.Err(); err != nil {
				reason = fmt.Sprintf("%s: %v", reason, err)
			}
			res.NotAttempted = append(res.NotAttempted, types.NotAttempted{NormalizedCall: t.call, Reason: reason})
			continue
		}
		res.Attempts += t.attempts
		switch t.state {
		case StateSucceeded:
			res.Scored = append(res.Scored, types.ScoredCall{
				NormalizedCall: t.call,
				Score:          t.outcome.Result,
				AttemptCount:   t.attempts,
				CostUSD:        t.costUSD,
				ScoredAt:       t.scoredAt,
			})
		default:
			res.Failed = append(res.Failed, failedCall(t))
		}
	}
	return res, nil
}

func failedCall(t *task) types.FailedCall {
	reason := "unknown failure"
	if t.err != nil {
		reason = t.err.Error()
	}
	return types.FailedCall{
		NormalizedCall: t.call,
		Reason:         reason,
		ErrorKind:      string(scoring.KindOf(t.err)),
		AttemptCount:   t.attempts,
		CostUSD:        t.costUSD,
	}
}

func (r *run) transition(t *task, st State) {
	t.state = st
	r.s.states(t.call.ID, st)
}

// process walks one item through the retry state machine. The caller has
// already acquired a slot; process releases it on exit and gives it up
// while waiting out a backoff delay.
func (r *run) process(ctx context.Context, t *task) {
	held := true
	defer func() {
		if held {
			r.sem.Release(1)
		}
		r.finish(t)
	}()

	policy := &jitteredExponential{base: r.s.cfg.BaseRetryDelay, max: r.s.cfg.MaxRetryDelay, rand: r.s.rand}
	r.transition(t, StateAttempting)
	for {
		switch t.state {
		case StateAttempting:
			t.attempts++
			out, err := r.attempt(ctx, t.call)
			t.costUSD += out.CostUSD
			if err == nil {
				t.outcome, t.err = out, nil
				t.scoredAt = r.s.now()
				r.transition(t, StateSucceeded)
				continue
			}
			t.err = err
			if isPermanent(err) || t.attempts >= r.s.cfg.RetryAttempts {
				r.transition(t, StateFailed)
				continue
			}
			r.transition(t, StateAwaitingRetry)

		case StateAwaitingRetry:
			r.sem.Release(1)
			held = false
			if err := r.s.sleep(ctx, policy.NextBackOff()); err != nil {
				t.err = fmt.Errorf("retry abandoned after %d attempts: %w (last error: %v)", t.attempts, err, t.err)
				r.transition(t, StateFailed)
				continue
			}
			if err := r.sem.Acquire(ctx, 1); err != nil {
				t.err = fmt.Errorf("retry abandoned after %d attempts: %w (last error: %v)", t.attempts, err, t.err)
				r.transition(t, StateFailed)
				continue
			}
			held = true
			r.transition(t, StateAttempting)

		case StateSucceeded, StateFailed:
			return

		default:
			r.transition(t, StateAttempting)
		}
	}
}

// attempt makes one bounded call. A cancelled parent does not abort an
// attempt already in flight; only the per-call timeout does.
func (r *run) attempt(ctx context.Context, call types.NormalizedCall) (out Outcome, err error) {
	actx := context.WithoutCancel(ctx)
	if r.s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, r.s.cfg.CallTimeout)
		defer cancel()
	}

	r.s.inFlight(r.inFlight.Add(1))
	defer func() { r.s.inFlight(r.inFlight.Add(-1)) }()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("score function panicked: %v", p)
		}
	}()
	return r.fn(actx, call)
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

func (r *run) finish(t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.processed++
	elapsed := r.s.now().Sub(r.start)
	p := Progress{
		Processed:  r.processed,
		Total:      r.total,
		Elapsed:    elapsed,
		Batch:      t.index / r.s.cfg.BatchSize,
		BatchCount: len(r.batchLeft),
		CallID:     t.call.ID,
		Succeeded:  t.state == StateSucceeded,
		Attempts:   t.attempts,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		p.Throughput = float64(r.processed) / secs
		p.ETA = time.Duration(float64(r.total-r.processed) / p.Throughput * float64(time.Second))
	}
	r.batchLeft[p.Batch]--
	p.BatchDone = r.batchLeft[p.Batch] == 0

	if t.state != StateSucceeded {
		r.onError(failedCall(t), t.err)
	}
	r.onProgress(p)
}
