package model

import "time"

// Unit is one independently processable source directory.
type Unit struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Category string `json:"category,omitempty"`
}

const (
	OutcomeSuccess          = "success"
	OutcomeRetryableFailure = "retryable_failure"
	OutcomeTerminalFailure  = "terminal_failure"
)

// Attempt is a single pipeline execution for a unit.
type Attempt struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
}

// JobState is the per-unit record a runner builds up until it reaches a
// terminal status.
type JobState struct {
	Unit      Unit      `json:"unit"`
	Attempts  []Attempt `json:"attempts"`
	Status    string    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
}

func NewJobState(unit Unit) JobState {
	return JobState{Unit: unit, Status: StatusPending}
}

func (j JobState) Terminal() bool {
	return IsTerminal(j.Status)
}
