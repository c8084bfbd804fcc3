package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rust4c/c2rust-agent-sub001/internal/model"
	"github.com/rust4c/c2rust-agent-sub001/internal/retry"
)

const (
	// MaxLastErrorLen bounds JobState.LastError.
	MaxLastErrorLen = 1200
	// MaxEventReasonLen bounds the reason carried by status events.
	MaxEventReasonLen = 240
)

// StageFunc receives human-readable stage names while an attempt runs.
type StageFunc func(stage string)

// Invoker runs the translation pipeline once for a unit. A nil error is a
// successful attempt; stage may be nil.
type Invoker interface {
	Run(ctx context.Context, unit model.Unit, stage StageFunc) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, unit model.Unit, stage StageFunc) error

func (f InvokerFunc) Run(ctx context.Context, unit model.Unit, stage StageFunc) error {
	return f(ctx, unit, stage)
}

// runner drives one unit from pending to a terminal status:
//
//	pending -> running: Attempting(1)
//	Attempting(n) ok                 -> succeeded
//	Attempting(n) fail, Retry(delay) -> sleep(delay) -> Attempting(n+1)
//	Attempting(n) fail, GiveUp       -> failed
type runner struct {
	index   int
	unit    model.Unit
	invoker Invoker
	policy  retry.Policy
	timeout time.Duration
	pool    *PermitPool
	agg     *aggregator
	events  chan<- model.Event
	logger  *slog.Logger
}

// run returns a non-nil error only for faults that abort the batch.
func (r *runner) run(ctx context.Context) error {
	job := model.NewJobState(r.unit)
	maxAttempts := r.policy.Attempts()
	r.emit(model.Event{Kind: model.EventQueued, MaxAttempts: maxAttempts})

	permit, err := r.pool.Acquire(ctx)
	if err != nil {
		reason := "not admitted: " + err.Error()
		r.finishFailed(&job, reason, 0)
		if errors.Is(err, ErrPoolClosed) {
			return fmt.Errorf("%w: unit %s: %w", ErrAdmissionFault, r.unit.ID, err)
		}
		return nil
	}
	defer permit.Release()

	r.agg.admit(r.index, r.unit)
	if err := model.TransitionJobStatus(&job, model.StatusRunning); err != nil {
		return fmt.Errorf("%w: %w", ErrAdmissionFault, err)
	}

	for n := 1; ; n++ {
		r.emit(model.Event{Kind: model.EventStarted, Attempt: n, MaxAttempts: maxAttempts})
		started := time.Now()
		attemptErr := r.attempt(ctx, n)
		finished := time.Now()
		elapsed := finished.Sub(started)

		if attemptErr == nil {
			job.Attempts = append(job.Attempts, model.Attempt{
				Number:     n,
				StartedAt:  started.UTC(),
				FinishedAt: finished.UTC(),
				Outcome:    model.OutcomeSuccess,
			})
			r.finishSucceeded(&job, n, elapsed)
			return nil
		}

		reason := attemptErr.Error()
		decision := r.policy.Decide(n, attemptErr)
		if ctx.Err() != nil {
			decision = retry.GiveUp()
		}
		outcome := model.OutcomeTerminalFailure
		if decision.Retry {
			outcome = model.OutcomeRetryableFailure
		}
		job.Attempts = append(job.Attempts, model.Attempt{
			Number:     n,
			StartedAt:  started.UTC(),
			FinishedAt: finished.UTC(),
			Outcome:    outcome,
			Reason:     model.Truncate(reason, MaxLastErrorLen),
		})

		if !decision.Retry {
			r.finishFailed(&job, reason, elapsed)
			return nil
		}

		r.logger.Debug("attempt failed, retrying", "unit", r.unit.ID, "attempt", n, "max_attempts", maxAttempts, "delay", decision.Delay, "error", reason)
		r.emit(model.Event{
			Kind:        model.EventRetrying,
			Attempt:     n,
			MaxAttempts: maxAttempts,
			Reason:      model.Truncate(reason, MaxEventReasonLen),
			Elapsed:     elapsed,
		})
		// The permit stays held while waiting.
		if err := retry.Sleep(ctx, decision.Delay); err != nil {
			last := job.Attempts[len(job.Attempts)-1]
			job.Attempts[len(job.Attempts)-1].Outcome = model.OutcomeTerminalFailure
			r.finishFailed(&job, last.Reason+" (batch canceled during backoff)", 0)
			return nil
		}
	}
}

// attempt runs the invoker once. Panics become permanent failures so that the
// deferred permit release in run still happens on a normal return path.
func (r *runner) attempt(ctx context.Context, n int) (err error) {
	attemptCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("pipeline panicked", "unit", r.unit.ID, "attempt", n, "panic", v, "stack", string(debug.Stack()))
			err = retry.Permanent(&PanicError{Value: v})
		}
	}()

	stage := func(name string) {
		r.emit(model.Event{Kind: model.EventStage, Attempt: n, MaxAttempts: r.policy.Attempts(), Stage: name})
	}
	err = r.invoker.Run(attemptCtx, r.unit, stage)
	if err == nil {
		return nil
	}
	switch {
	case ctx.Err() != nil:
		if !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("attempt timed out after %s: %w", r.timeout, err)
		if !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
	}
	return err
}

func (r *runner) finishSucceeded(job *model.JobState, attempts int, elapsed time.Duration) {
	if err := model.TransitionJobStatus(job, model.StatusSucceeded); err != nil {
		r.logger.Error("unexpected job transition", "unit", r.unit.ID, "error", err)
		job.Status = model.StatusSucceeded
	}
	job.LastError = ""
	r.agg.finish(r.index, *job)
	r.emit(model.Event{Kind: model.EventSucceeded, Attempt: attempts, MaxAttempts: r.policy.Attempts(), Elapsed: elapsed})
}

func (r *runner) finishFailed(job *model.JobState, reason string, elapsed time.Duration) {
	if err := model.TransitionJobStatus(job, model.StatusFailed); err != nil {
		r.logger.Error("unexpected job transition", "unit", r.unit.ID, "error", err)
		job.Status = model.StatusFailed
	}
	job.LastError = model.Truncate(reason, MaxLastErrorLen)
	r.agg.finish(r.index, *job)
	r.emit(model.Event{
		Kind:        model.EventFailed,
		Attempt:     len(job.Attempts),
		MaxAttempts: r.policy.Attempts(),
		Reason:      model.Truncate(reason, MaxEventReasonLen),
		Elapsed:     elapsed,
	})
}

func (r *runner) emit(ev model.Event) {
	ev.UnitID = r.unit.ID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	r.events <- ev
}
