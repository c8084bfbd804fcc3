package model

import (
	"time"
	"unicode/utf8"
)

const (
	EventQueued    = "queued"
	EventStarted   = "started"
	EventStage     = "stage"
	EventRetrying  = "retrying"
	EventSucceeded = "succeeded"
	EventFailed    = "failed"
)

// Event is a status change emitted by a job runner. Events of one unit are
// emitted sequentially by that unit's runner.
type Event struct {
	UnitID      string        `json:"unit_id"`
	Kind        string        `json:"kind"`
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Stage       string        `json:"stage,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Elapsed     time.Duration `json:"elapsed,omitempty"`
	At          time.Time     `json:"at"`
}

func (e Event) Terminal() bool {
	return e.Kind == EventSucceeded || e.Kind == EventFailed
}

// Truncate shortens s to at most max bytes, marking the cut with "...". The
// cut never splits a UTF-8 sequence.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:runeBoundary(s, max)]
	}
	return s[:runeBoundary(s, max-3)] + "..."
}

// runeBoundary backs n off to the start of the rune it falls in.
func runeBoundary(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
