// Package retry decides whether a failed pipeline attempt is tried again and
// how long the runner waits before the next attempt.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
)

// Classifier reports whether a failure may be retried.
type Classifier func(err error) bool

// Policy bounds the attempts of one job. The zero value allows a single
// attempt with no backoff.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	Strategy    string
	MaxBackoff  time.Duration
	Retryable   Classifier
}

// Decision is the outcome of Decide: either retry after Delay, or give up.
type Decision struct {
	Retry bool
	Delay time.Duration
}

func GiveUp() Decision {
	return Decision{}
}

func RetryAfter(d time.Duration) Decision {
	return Decision{Retry: true, Delay: d}
}

func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
		Strategy:    BackoffConstant,
	}
}

// Attempts returns the normalized attempt limit (always >= 1).
func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Decide is called after attempt number attempt (1-based) failed.
func (p Policy) Decide(attempt int, failure error) Decision {
	if attempt >= p.Attempts() {
		return GiveUp()
	}
	classify := p.Retryable
	if classify == nil {
		classify = DefaultClassifier
	}
	if !classify(failure) {
		return GiveUp()
	}
	return RetryAfter(p.Delay(attempt))
}

// Delay returns the wait inserted after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch NormalizeStrategy(p.Strategy) {
	case BackoffLinear:
		d = p.Backoff * time.Duration(attempt)
	case BackoffExponential:
		d = p.Backoff
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxBackoff > 0 && d >= p.MaxBackoff {
				break
			}
		}
	default:
		d = p.Backoff
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

func NormalizeStrategy(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case BackoffLinear:
		return BackoffLinear
	case BackoffExponential:
		return BackoffExponential
	default:
		return BackoffConstant
	}
}

// DefaultClassifier treats every failure as retryable except permanent ones
// and batch cancellation.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that no further attempts are made.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
