package batch

import (
	"log/slog"
	"sort"

	"github.com/rust4c/c2rust-agent-sub001/internal/model"
)

// Snapshot is a point-in-time view of a running batch.
type Snapshot struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (s Snapshot) Done() int {
	return s.Succeeded + s.Failed
}

const (
	msgAdmitted = iota
	msgTerminal
)

type aggMsg struct {
	kind  int
	index int
	job   model.JobState
}

// aggregator owns the batch tally. Every change arrives as a message on one
// channel and is applied by a single goroutine.
type aggregator struct {
	msgs   chan aggMsg
	snaps  chan chan Snapshot
	done   chan struct{}
	logger *slog.Logger

	// Owned by loop until done is closed.
	tally    Snapshot
	admitted map[int]bool
	terminal map[int]model.JobState
}

func newAggregator(total int, logger *slog.Logger) *aggregator {
	a := &aggregator{
		msgs:     make(chan aggMsg, total+1),
		snaps:    make(chan chan Snapshot),
		done:     make(chan struct{}),
		logger:   logger,
		tally:    Snapshot{Total: total, Pending: total},
		admitted: make(map[int]bool, total),
		terminal: make(map[int]model.JobState, total),
	}
	go a.loop()
	return a
}

func (a *aggregator) loop() {
	defer close(a.done)
	for {
		select {
		case m, ok := <-a.msgs:
			if !ok {
				return
			}
			a.apply(m)
		case reply := <-a.snaps:
			reply <- a.tally
		}
	}
}

func (a *aggregator) apply(m aggMsg) {
	switch m.kind {
	case msgAdmitted:
		if a.admitted[m.index] || a.hasTerminal(m.index) {
			return
		}
		a.admitted[m.index] = true
		a.tally.Pending--
		a.tally.InFlight++
	case msgTerminal:
		if a.hasTerminal(m.index) {
			a.logger.Warn("ignoring duplicate terminal outcome", "unit", m.job.Unit.ID)
			return
		}
		a.terminal[m.index] = m.job
		if a.admitted[m.index] {
			a.tally.InFlight--
		} else {
			a.tally.Pending--
		}
		if m.job.Status == model.StatusSucceeded {
			a.tally.Succeeded++
		} else {
			a.tally.Failed++
		}
	}
}

func (a *aggregator) hasTerminal(index int) bool {
	_, ok := a.terminal[index]
	return ok
}

func (a *aggregator) admit(index int, unit model.Unit) {
	a.msgs <- aggMsg{kind: msgAdmitted, index: index, job: model.NewJobState(unit)}
}

func (a *aggregator) finish(index int, job model.JobState) {
	a.msgs <- aggMsg{kind: msgTerminal, index: index, job: job}
}

// snapshot is safe to call from any goroutine, also after close.
func (a *aggregator) snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case a.snaps <- reply:
		return <-reply
	case <-a.done:
		return a.tally
	}
}

// close stops the actor and returns the terminal job states in unit order.
// All senders must have returned before close is called.
func (a *aggregator) close() (Snapshot, []model.JobState) {
	close(a.msgs)
	<-a.done

	idx := make([]int, 0, len(a.terminal))
	for i := range a.terminal {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	jobs := make([]model.JobState, 0, len(idx))
	for _, i := range idx {
		jobs = append(jobs, a.terminal[i])
	}
	return a.tally, jobs
}
