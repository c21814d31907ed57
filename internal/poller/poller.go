// Package poller periodically pulls new calls from the voice platform and
// scores them.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/types"
	"qci-scorer-go/internal/voiceapi"
)

// ErrBusy is returned by Tick while a previous sync is still running.
var ErrBusy = errors.New("sync already in progress")

// Fetcher lists calls from the voice platform.
type Fetcher interface {
	ListCalls(ctx context.Context, opts voiceapi.ListOptions) ([]types.RawCallRecord, error)
}

// Runner scores a batch of raw records.
type Runner interface {
	Run(ctx context.Context, raws []types.RawCallRecord) (*types.Report, error)
}

// Poller syncs calls created since the last successful tick.
type Poller struct {
	fetch     Fetcher
	runner    Runner
	limit     int
	assistant string
	timeout   time.Duration
	log       *logger.Logger
	now       func() time.Time

	busy atomic.Bool
	mu   sync.Mutex
	last time.Time
	cron *cron.Cron
}

// Option customises a Poller.
type Option func(*Poller)

// WithLimit caps how many calls one tick fetches.
func WithLimit(n int) Option { return func(p *Poller) { p.limit = n } }

// WithAssistant only syncs calls handled by one assistant.
func WithAssistant(id string) Option { return func(p *Poller) { p.assistant = id } }

// WithSince sets the initial watermark.
func WithSince(t time.Time) Option { return func(p *Poller) { p.last = t } }

// WithTimeout bounds a scheduled tick.
func WithTimeout(d time.Duration) Option { return func(p *Poller) { p.timeout = d } }

// WithLogger replaces the default logger.
func WithLogger(l *logger.Logger) Option { return func(p *Poller) { p.log = l } }

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option { return func(p *Poller) { p.now = fn } }

// New returns a poller that has not been scheduled yet.
func New(fetch Fetcher, runner Runner, opts ...Option) *Poller {
	p := &Poller{
		fetch:   fetch,
		runner:  runner,
		limit:   100,
		timeout: 30 * time.Minute,
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logger.New()
	}
	p.log = p.log.With("component", "poller")
	return p
}

// Since reports the current watermark.
func (p *Poller) Since() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Tick runs one sync. It returns a nil report when nothing new was found.
//
// The watermark only moves after the run completes, and only up to the
// newest createdAt that was actually processed. Calls left NotAttempted by a
// cancelled run stay above the watermark so the next tick picks them up.
func (p *Poller) Tick(ctx context.Context) (*types.Report, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer p.busy.Store(false)

	since := p.Since()
	started := p.now()
	raws, complete, err := p.fetchAll(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("fetch calls: %w", err)
	}
	if len(raws) == 0 {
		p.advance(started)
		p.log.WithField("since", since.Format(time.RFC3339)).Debug("no new calls")
		return nil, nil
	}

	rep, err := p.runner.Run(ctx, raws)
	if err != nil {
		return nil, err
	}
	entry := p.log.WithFields(logrus.Fields{
		"run_id":        rep.RunID,
		"calls":         len(raws),
		"scored":        rep.Summary.Scored,
		"failed":        rep.Summary.Failed,
		"not_attempted": len(rep.NotAttempted),
	})
	if !complete {
		entry.Warn("call listing could not be paged to the end, watermark kept")
		return rep, nil
	}
	if mark, ok := watermark(raws, rep, started); ok {
		p.advance(mark)
	}
	entry.WithField("since", p.Since().Format(time.RFC3339Nano)).Info("sync complete")
	return rep, nil
}

// fetchAll pages backwards through createdAt until a short page. complete is
// false when a full page had no usable createdAt to page from.
func (p *Poller) fetchAll(ctx context.Context, since time.Time) (raws []types.RawCallRecord, complete bool, err error) {
	opts := voiceapi.ListOptions{Limit: p.limit, CreatedAfter: since, AssistantID: p.assistant}
	seen := make(map[string]bool)
	for {
		page, err := p.fetch.ListCalls(ctx, opts)
		if err != nil {
			return nil, false, err
		}
		var oldest time.Time
		added := 0
		for _, r := range page {
			id := recordID(r)
			if id != "" && seen[id] {
				continue
			}
			seen[id] = true
			raws = append(raws, r)
			added++
			if t, ok := createdAt(r); ok && (oldest.IsZero() || t.Before(oldest)) {
				oldest = t
			}
		}
		if p.limit <= 0 || len(page) < p.limit || added == 0 {
			return raws, true, nil
		}
		if oldest.IsZero() {
			return raws, false, nil
		}
		// Lt is exclusive; calls sharing the oldest timestamp are re-listed
		// and dropped as duplicates.
		opts.CreatedBefore = oldest.Add(time.Nanosecond)
	}
}

// watermark picks the next watermark: the newest createdAt among processed
// calls, capped just below the oldest NotAttempted call. Records without a
// createdAt fall back to the tick start.
func watermark(raws []types.RawCallRecord, rep *types.Report, started time.Time) (time.Time, bool) {
	created := make(map[string]time.Time, len(raws))
	for _, r := range raws {
		if t, ok := createdAt(r); ok {
			created[recordID(r)] = t
		}
	}

	var processed []string
	for _, c := range rep.Scored {
		processed = append(processed, c.ID)
	}
	for _, c := range rep.Failed {
		processed = append(processed, c.ID)
	}
	for _, c := range rep.Invalid {
		processed = append(processed, c.ID)
	}

	var mark time.Time
	for _, id := range processed {
		if t, ok := created[id]; ok && t.After(mark) {
			mark = t
		}
	}
	if mark.IsZero() {
		mark = started
	}

	for _, c := range rep.NotAttempted {
		t, ok := created[c.ID]
		if !ok {
			return time.Time{}, false
		}
		if cutoff := t.Add(-time.Nanosecond); cutoff.Before(mark) {
			mark = cutoff
		}
	}
	return mark, true
}

func recordID(r types.RawCallRecord) string {
	for _, k := range []string{"id", "callId"} {
		if s, ok := r[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func createdAt(r types.RawCallRecord) (time.Time, bool) {
	s, ok := r["createdAt"].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (p *Poller) advance(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.After(p.last) {
		p.last = t
	}
}

// Start schedules Tick on a standard five-field cron expression.
func (p *Poller) Start(schedule string) error {
	c := cron.New(cron.WithLogger(cron.PrintfLogger(p.log)))
	if _, err := c.AddFunc(schedule, p.scheduled); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}
	p.cron = c
	c.Start()
	p.log.WithField("schedule", schedule).Info("poller started")
	return nil
}

func (p *Poller) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.Tick(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			p.log.Warn("previous sync still running, skipping")
			return
		}
		p.log.WithError(err).Error("sync failed")
	}
}

// Stop halts scheduling. The returned context is done once a running tick
// has finished.
func (p *Poller) Stop() context.Context {
	if p.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return p.cron.Stop()
}
