package batch

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

	"github.com/rust4c/c2rust-agent-sub001/internal/logging"
	"github.com/rust4c/c2rust-agent-sub001/internal/model"
	"github.com/rust4c/c2rust-agent-sub001/internal/retry"
)

func makeUnits(n int) []model.Unit {
	units := make([]model.Unit, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("individual_files/unit%02d", i)
		units = append(units, model.Unit{ID: id, Path: "/work/" + id, Category: "individual_files"})
	}
	return units
}

func policy(maxAttempts int) retry.Policy {
	return retry.Policy{MaxAttempts: maxAttempts, Backoff: time.Millisecond}
}

func newTestScheduler(inv Invoker, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return New(inv, opts)
}

// concurrencyProbe records the highest number of overlapping invocations.
type concurrencyProbe struct {
	active atomic.Int64
	peak   atomic.Int64
	calls  atomic.Int64
	hold   time.Duration
}

func (p *concurrencyProbe) Run(ctx context.Context, unit model.Unit, stage StageFunc) error {
	p.calls.Add(1)
	now := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if now <= peak || p.peak.CompareAndSwap(peak, now) {
			break
		}
	}
	select {
	case <-time.After(p.hold):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// eventLog collects events; Handle is only called from the reporter loop but
// the mutex keeps the race detector honest when tests read it.
type eventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (l *eventLog) Handle(ev model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) forUnit(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]string, 0)
	for _, ev := range l.events {
		if ev.UnitID == id {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

func (l *eventLog) terminalCount(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.UnitID == id && ev.Terminal() {
			n++
		}
	}
	return n
}

func TestRun_FourUnitsLimitTwoAllSucceed(t *testing.T) {
	probe := &concurrencyProbe{hold: 20 * time.Millisecond}
	s := newTestScheduler(probe, Options{Concurrency: 2, Retry: policy(3)})

	report, err := s.Run(context.Background(), makeUnits(4))
	require.NoError(t, err)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 4, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.LessOrEqual(t, probe.peak.Load(), int64(2))
	assert.Equal(t, int64(4), probe.calls.Load())
	for _, j := range report.Jobs {
		assert.Equal(t, model.StatusSucceeded, j.Status)
		require.Len(t, j.Attempts, 1)
		assert.Equal(t, model.OutcomeSuccess, j.Attempts[0].Outcome)
	}
}

func TestRun_ConcurrencyBoundHoldsForAnyBatchSize(t *testing.T) {
	for _, limit := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			probe := &concurrencyProbe{hold: 5 * time.Millisecond}
			pool := NewPermitPool(limit)
			s := newTestScheduler(probe, Options{Pool: pool, Retry: policy(1)})

			report, err := s.Run(context.Background(), makeUnits(12))
			require.NoError(t, err)
			assert.Equal(t, 12, report.Succeeded)
			assert.LessOrEqual(t, probe.peak.Load(), int64(limit))
			assert.Equal(t, 0, pool.InUse())
		})
	}
}

func TestRun_NonPositiveConcurrencyMeansOne(t *testing.T) {
	probe := &concurrencyProbe{hold: 2 * time.Millisecond}
	s := newTestScheduler(probe, Options{Concurrency: 0, Retry: policy(1)})
	assert.Equal(t, 1, s.Concurrency())

	_, err := s.Run(context.Background(), makeUnits(5))
	require.NoError(t, err)
	assert.Equal(t, int64(1), probe.peak.Load())
}

func TestRun_FailFailSucceedTakesThreeAttempts(t *testing.T) {
	var calls atomic.Int64
	inv := InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		if calls.Add(1) < 3 {
			return errors.New("cargo check: error[E0308]: mismatched types")
		}
		return nil
	})
	events := &eventLog{}
	s := newTestScheduler(inv, Options{Concurrency: 1, Retry: policy(3), Reporter: events})

	units := makeUnits(1)
	report, err := s.Run(context.Background(), units)
	require.NoError(t, err)
	require.Len(t, report.Jobs, 1)

	job := report.Jobs[0]
	assert.Equal(t, model.StatusSucceeded, job.Status)
	require.Len(t, job.Attempts, 3)
	assert.Equal(t, model.OutcomeRetryableFailure, job.Attempts[0].Outcome)
	assert.Equal(t, model.OutcomeRetryableFailure, job.Attempts[1].Outcome)
	assert.Equal(t, model.OutcomeSuccess, job.Attempts[2].Outcome)
	assert.Empty(t, job.LastError)
	for i, a := range job.Attempts {
		assert.Equal(t, i+1, a.Number)
	}

	assert.Equal(t, []string{
		model.EventQueued,
		model.EventStarted, model.EventRetrying,
		model.EventStarted, model.EventRetrying,
		model.EventStarted, model.EventSucceeded,
	}, events.forUnit(units[0].ID))
}

func TestRun_AlwaysFailingUnitStopsAtMaxAttempts(t *testing.T) {
	var calls atomic.Int64
	inv := InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		calls.Add(1)
		return errors.New("verify failed")
	})
	s := newTestScheduler(inv, Options{Concurrency: 1, Retry: policy(3)})

	report, err := s.Run(context.Background(), makeUnits(1))
	require.Error(t, err)
	assert.Equal(t, int64(3), calls.Load())

	job := report.Jobs[0]
	assert.Equal(t, model.StatusFailed, job.Status)
	require.Len(t, job.Attempts, 3)
	assert.Equal(t, model.OutcomeTerminalFailure, job.Attempts[2].Outcome)
	assert.Equal(t, "verify failed", job.LastError)
}

func TestRun_OneFailingUnitAmongThree(t *testing.T) {
	units := makeUnits(3)
	bad := units[1].ID
	inv := InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		if unit.ID == bad {
			return errors.New("transform failed")
		}
		return nil
	})
	events := &eventLog{}
	s := newTestScheduler(inv, Options{Concurrency: 2, Retry: policy(3), Reporter: events})

	report, err := s.Run(context.Background(), units)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1")

	var failed *FailedUnitsError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Count)
	assert.Equal(t, 3, failed.Total)

	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.FailedJobs(), 1)
	assert.Equal(t, bad, report.FailedJobs()[0].Unit.ID)
	assert.Len(t, report.FailedJobs()[0].Attempts, 3)

	for _, u := range units {
		assert.Equal(t, 1, events.terminalCount(u.ID), "unit %s", u.ID)
	}
}

func TestRun_ExactlyOneTerminalStatePerUnit(t *testing.T) {
	units := makeUnits(20)
	bad := make(map[string]bool)
	for i := 0; i < len(units); i += 3 {
		bad[units[i].ID] = true
	}
	inv := InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		if bad[unit.ID] {
			return errors.New("flaky")
		}
		return nil
	})
	events := &eventLog{}
	s := newTestScheduler(inv, Options{Concurrency: 4, Retry: policy(2), Reporter: events})

	report, err := s.Run(context.Background(), units)
	var failed *FailedUnitsError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, len(bad), failed.Count)
	assert.Equal(t, len(units), report.Succeeded+report.Failed)
	require.Len(t, report.Jobs, len(units))
	for i, j := range report.Jobs {
		assert.Equal(t, units[i].ID, j.Unit.ID)
		assert.True(t, j.Terminal())
		assert.LessOrEqual(t, len(j.Attempts), 2)
		assert.Equal(t, 1, events.terminalCount(j.Unit.ID))
	}
}

func TestRun_PermanentFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	inv := InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		calls.Add(1)
		return retry.Permanent(errors.New("c2rust: executable not found"))
	})
	s := newTestScheduler(inv, Options{Retry: policy(5)})

	report, err := s.Run(context.Background(), makeUnits(1))
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, model.OutcomeTerminalFailure, report.Jobs[0].Attempts[0].Outcome)
}

func TestRun_PanicFailsUnitAndReleasesPermit(t *testing.T) {
	units := makeUnits(3)
	inv := InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		if unit.ID == units[0].ID {
			panic("index out of range")
		}
		return nil
	})
	pool := NewPermitPool(1)
	s := newTestScheduler(inv, Options{Pool: pool, Retry: policy(3)})

	report, err := s.Run(context.Background(), units)
	var failed *FailedUnitsError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Count)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 0, pool.InUse())

	job := report.Jobs[0]
	assert.Equal(t, model.StatusFailed, job.Status)
	require.Len(t, job.Attempts, 1)
	assert.Contains(t, job.LastError, "index out of range")
}

func TestRun_StageEventsFollowAttemptStart(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		stage("transform")
		stage("verify")
		return nil
	})
	events := &eventLog{}
	s := newTestScheduler(inv, Options{Retry: policy(1), Reporter: events})

	units := makeUnits(1)
	_, err := s.Run(context.Background(), units)
	require.NoError(t, err)
	assert.Equal(t, []string{
		model.EventQueued, model.EventStarted, model.EventStage, model.EventStage, model.EventSucceeded,
	}, events.forUnit(units[0].ID))
}

func TestRun_AttemptTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int64
	inv := InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return errors.New("signal: killed")
		}
		return nil
	})
	s := newTestScheduler(inv, Options{Retry: policy(2), AttemptTimeout: 20 * time.Millisecond})

	report, err := s.Run(context.Background(), makeUnits(1))
	require.NoError(t, err)
	job := report.Jobs[0]
	require.Len(t, job.Attempts, 2)
	assert.Contains(t, job.Attempts[0].Reason, "timed out")
	assert.Equal(t, model.OutcomeRetryableFailure, job.Attempts[0].Outcome)
}

func TestRun_ClosedPoolAbortsBatch(t *testing.T) {
	pool := NewPermitPool(2)
	pool.Close()
	var calls atomic.Int64
	inv := InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		calls.Add(1)
		return nil
	})
	s := newTestScheduler(inv, Options{Pool: pool, Retry: policy(3)})

	report, err := s.Run(context.Background(), makeUnits(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAdmissionFault)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, 3, report.Failed)
	for _, j := range report.Jobs {
		assert.Empty(t, j.Attempts)
		assert.Equal(t, model.StatusFailed, j.Status)
	}
}

func TestRun_CanceledContextStopsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	inv := InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})
	s := newTestScheduler(inv, Options{Concurrency: 1, Retry: policy(3)})

	go func() {
		<-started
		cancel()
	}()
	report, err := s.Run(ctx, makeUnits(4))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, report.Failed)
	attempted := 0
	for _, j := range report.Jobs {
		assert.LessOrEqual(t, len(j.Attempts), 1)
		attempted += len(j.Attempts)
	}
	assert.GreaterOrEqual(t, attempted, 1)
}

func TestScheduler_SnapshotAfterRun(t *testing.T) {
	s := newTestScheduler(InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		return nil
	}), Options{Retry: policy(1)})
	assert.Equal(t, Snapshot{}, s.Snapshot())

	_, err := s.Run(context.Background(), makeUnits(3))
	require.NoError(t, err)
	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 3, snap.Succeeded)
	assert.Equal(t, 0, snap.InFlight)
	assert.Equal(t, 0, snap.Pending)
	assert.Equal(t, 3, snap.Done())
}

func TestScheduler_SnapshotDuringRun(t *testing.T) {
	release := make(chan struct{})
	inside := make(chan struct{}, 4)
	inv := InvokerFunc(func(ctx context.Context, unit model.Unit, stage StageFunc) error {
		inside <- struct{}{}
		<-release
		return nil
	})
	s := newTestScheduler(inv, Options{Concurrency: 2, Retry: policy(1)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Run(context.Background(), makeUnits(4))
	}()
	<-inside
	<-inside

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.InFlight == 2 && snap.Pending == 2
	}, time.Second, 5*time.Millisecond)

	close(release)
	<-done
	assert.Equal(t, 4, s.Snapshot().Succeeded)
}
