package model

import "fmt"

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Statuses only move forward; succeeded and failed accept nothing. A pending
// job fails directly when the batch aborts before it is admitted.
var allowedTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
	StatusSucceeded: {},
	StatusFailed:    {},
}

func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionJobStatus(job *JobState, toStatus string) error {
	from := job.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("invalid job status transition: %q -> %q (unit=%s)", from, toStatus, job.Unit.ID)
	}
	job.Status = toStatus
	return nil
}
