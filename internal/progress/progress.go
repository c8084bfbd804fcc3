// Package progress renders scheduler status events. Every reporter here is
// driven from the scheduler's single event loop, so Handle is never called
// concurrently.
package progress

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rust4c/c2rust-agent-sub001/internal/model"
)

// Reporter matches batch.Reporter.
type Reporter interface {
	Handle(ev model.Event)
}

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Line prints one line per significant event:
//
//	[0/4] start paired_files/list (attempt 1/3)
//	[0/4] retry paired_files/list attempt 1/3: verify failed ...
//	[1/4] done  paired_files/list (attempt 2/3, 1.4s)
type Line struct {
	w      io.Writer
	total  int
	done   int
	color  bool
	stages bool
}

type LineOptions struct {
	// Color enables lipgloss styling of the status word.
	Color bool
	// Stages also prints stage changes within an attempt.
	Stages bool
}

func NewLine(w io.Writer, total int, opts LineOptions) *Line {
	return &Line{w: w, total: total, color: opts.Color, stages: opts.Stages}
}

func (l *Line) Handle(ev model.Event) {
	if ev.Terminal() {
		l.done++
	}
	prefix := fmt.Sprintf("[%d/%d]", l.done, l.total)
	switch ev.Kind {
	case model.EventStarted:
		l.printf("%s %s %s (attempt %d/%d)\n", prefix, l.word("start", mutedStyle), ev.UnitID, ev.Attempt, ev.MaxAttempts)
	case model.EventStage:
		if l.stages {
			l.printf("%s %s %s %s\n", prefix, l.word("stage", mutedStyle), ev.UnitID, ev.Stage)
		}
	case model.EventRetrying:
		l.printf("%s %s %s attempt %d/%d: %s\n", prefix, l.word("retry", warnStyle), ev.UnitID, ev.Attempt, ev.MaxAttempts, oneLine(ev.Reason))
	case model.EventSucceeded:
		l.printf("%s %s  %s (attempt %d/%d, %s)\n", prefix, l.word("done", okStyle), ev.UnitID, ev.Attempt, ev.MaxAttempts, ev.Elapsed.Round(100*time.Millisecond))
	case model.EventFailed:
		l.printf("%s %s  %s after %d/%d: %s\n", prefix, l.word("fail", errorStyle), ev.UnitID, ev.Attempt, ev.MaxAttempts, oneLine(ev.Reason))
	}
}

func (l *Line) word(s string, style lipgloss.Style) string {
	if !l.color {
		return s
	}
	return style.Render(s)
}

func (l *Line) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(l.w, format, args...)
}

// Summary writes the final "Done: S succeeded, F failed" line.
func Summary(w io.Writer, succeeded, failed int) {
	_, _ = fmt.Fprintf(w, "Done: %d succeeded, %d failed\n", succeeded, failed)
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	return s
}

// Log reports events through slog; used when stdout is not the audience
// (JSON output, log files).
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Handle(ev model.Event) {
	attrs := []any{"unit", ev.UnitID, "attempt", ev.Attempt, "max_attempts", ev.MaxAttempts}
	switch ev.Kind {
	case model.EventQueued:
		l.logger.Debug("unit queued", "unit", ev.UnitID)
	case model.EventStarted:
		l.logger.Debug("attempt started", attrs...)
	case model.EventStage:
		l.logger.Debug("stage", append(attrs, "stage", ev.Stage)...)
	case model.EventRetrying:
		l.logger.Warn("attempt failed, retrying", append(attrs, "reason", ev.Reason)...)
	case model.EventSucceeded:
		l.logger.Info("unit succeeded", append(attrs, "elapsed", ev.Elapsed)...)
	case model.EventFailed:
		l.logger.Error("unit failed", append(attrs, "reason", ev.Reason)...)
	}
}

// Multi fans one event out to several reporters in order.
type Multi []Reporter

func (m Multi) Handle(ev model.Event) {
	for _, r := range m {
		if r != nil {
			r.Handle(ev)
		}
	}
}
