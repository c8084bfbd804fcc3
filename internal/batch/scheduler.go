// Package batch runs a set of units through an Invoker under a fixed
// concurrency budget, retrying each unit according to a retry.Policy.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rust4c/c2rust-agent-sub001/internal/model"
	"github.com/rust4c/c2rust-agent-sub001/internal/retry"
)

// Reporter consumes status events. Handle is called from a single goroutine,
// in emission order for each unit.
type Reporter interface {
	Handle(ev model.Event)
}

type Options struct {
	Concurrency    int
	Retry          retry.Policy
	AttemptTimeout time.Duration
	Reporter       Reporter
	Logger         *slog.Logger
	// Pool overrides the permit pool built from Concurrency.
	Pool *PermitPool
}

// Report is the outcome of one batch.
type Report struct {
	Total      int              `json:"total"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Jobs       []model.JobState `json:"jobs"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailedJobs returns the jobs that ended in the failed status.
func (r Report) FailedJobs() []model.JobState {
	out := make([]model.JobState, 0, r.Failed)
	for _, j := range r.Jobs {
		if j.Status == model.StatusFailed {
			out = append(out, j)
		}
	}
	return out
}

type Scheduler struct {
	invoker Invoker
	opts    Options
	logger  *slog.Logger
	current atomic.Pointer[aggregator]
}

func New(invoker Invoker, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{invoker: invoker, opts: opts, logger: logger}
}

// Concurrency is the normalized permit count.
func (s *Scheduler) Concurrency() int {
	if s.opts.Pool != nil {
		return s.opts.Pool.Size()
	}
	return s.opts.Concurrency
}

// Snapshot returns the live tally of the batch in progress, or of the last
// finished batch.
func (s *Scheduler) Snapshot() Snapshot {
	agg := s.current.Load()
	if agg == nil {
		return Snapshot{}
	}
	return agg.snapshot()
}

// Run processes every unit and returns after all of them reached a terminal
// status. The returned error is nil when every unit succeeded, a
// *FailedUnitsError when some failed, and wraps ErrAdmissionFault or the
// context error when the batch was aborted. The report is always filled.
func (s *Scheduler) Run(ctx context.Context, units []model.Unit) (Report, error) {
	report := Report{Total: len(units), StartedAt: time.Now().UTC()}

	pool := s.opts.Pool
	if pool == nil {
		pool = NewPermitPool(s.opts.Concurrency)
	}

	events := make(chan model.Event, 64)
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		for ev := range events {
			if s.opts.Reporter != nil {
				s.opts.Reporter.Handle(ev)
			}
		}
	}()

	agg := newAggregator(len(units), s.logger)
	s.current.Store(agg)

	s.logger.Info("batch started", "units", len(units), "concurrency", pool.Size(), "max_attempts", s.opts.Retry.Attempts())

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range units {
		r := &runner{
			index:   i,
			unit:    u,
			invoker: s.invoker,
			policy:  s.opts.Retry,
			timeout: s.opts.AttemptTimeout,
			pool:    pool,
			agg:     agg,
			events:  events,
			logger:  s.logger,
		}
		g.Go(func() error {
			return r.run(gctx)
		})
	}
	runErr := g.Wait()

	close(events)
	<-reported
	tally, jobs := agg.close()

	report.Succeeded = tally.Succeeded
	report.Failed = tally.Failed
	report.Jobs = jobs
	report.FinishedAt = time.Now().UTC()

	s.logger.Info("batch finished", "succeeded", report.Succeeded, "failed", report.Failed, "elapsed", report.Duration().Round(time.Millisecond))

	if runErr != nil {
		return report, runErr
	}
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("batch interrupted: %w", err)
	}
	if report.Failed > 0 {
		return report, &FailedUnitsError{Count: report.Failed, Total: report.Total}
	}
	return report, nil
}
