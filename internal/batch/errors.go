package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned by PermitPool.Acquire once the pool is closed.
	ErrPoolClosed = errors.New("permit pool closed")
	// ErrAdmissionFault aborts a whole batch. It is distinct from unit failures.
	ErrAdmissionFault = errors.New("admission fault")
)

// FailedUnitsError is returned by Scheduler.Run when every unit reached a
// terminal state but some of them failed.
type FailedUnitsError struct {
	Count int
	Total int
}

func (e *FailedUnitsError) Error() string {
	return fmt.Sprintf("batch completed, but %d units failed", e.Count)
}

// PanicError wraps a value recovered from a panicking attempt.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("pipeline panic: %v", e.Value)
}
