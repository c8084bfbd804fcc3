package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rust4c/c2rust-agent-sub001/internal/config"
	"github.com/rust4c/c2rust-agent-sub001/internal/history"
	"github.com/rust4c/c2rust-agent-sub001/internal/model"
	"github.com/rust4c/c2rust-agent-sub001/internal/runstore"
)

type statusResult struct {
	Root string        `json:"root"`
	Runs []history.Run `json:"runs"`
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	root := fs.String("root", "", "work tree whose runs to show (default: first argument or current directory)")
	runID := fs.String("run", "", "show one run by id or id prefix")
	limit := fs.Int("limit", 10, "number of recent runs to list")
	reportFile := fs.String("report", "", "show a report file instead of the run history")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := cf.load()
	if err != nil {
		return err
	}
	defer logger.Close()

	if strings.TrimSpace(*reportFile) != "" {
		rf, err := runstore.LoadReport(strings.TrimSpace(*reportFile))
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(rf)
		}
		printReportFile(rf)
		return nil
	}

	target, err := resolveRoot(config.FirstNonEmpty(*root, fs.Arg(0), "."))
	if err != nil {
		return err
	}
	if cfg.History.Disabled {
		return errors.New("run history is disabled in config; use --report to read a report file")
	}
	dbPath := rootRelative(target, cfg.History.Path)
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		if *cf.jsonOut {
			return printJSON(statusResult{Root: target, Runs: []history.Run{}})
		}
		fmt.Printf("no runs recorded for %s\n", target)
		return nil
	}

	ctx := context.Background()
	store, err := history.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if strings.TrimSpace(*runID) != "" {
		run, err := store.GetRun(ctx, *runID)
		if err != nil {
			return err
		}
		if *cf.jsonOut {
			return printJSON(run)
		}
		printRun(run)
		return nil
	}

	runs, err := store.RecentRuns(ctx, target, *limit)
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		return printJSON(statusResult{Root: target, Runs: runs})
	}
	if len(runs) == 0 {
		fmt.Printf("no runs recorded for %s\n", target)
		return nil
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %s  %-9s  total=%d ok=%d failed=%d  %s",
			shortID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Command,
			r.Total,
			r.Succeeded,
			r.Failed,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
		)
		if r.Error != "" {
			line += "  error: " + firstLine(r.Error)
		}
		fmt.Println(line)
	}
	return nil
}

func printRun(run *history.Run) {
	fmt.Printf("run_id: %s\n", run.ID)
	fmt.Printf("root: %s\n", run.Root)
	fmt.Printf("command: %s\n", run.Command)
	fmt.Printf("started_at: %s\n", run.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Printf("concurrency: %d\n", run.Concurrency)
	fmt.Printf("max_attempts: %d\n", run.MaxAttempts)
	fmt.Printf("total: %d succeeded: %d failed: %d\n", run.Total, run.Succeeded, run.Failed)
	if run.Error != "" {
		fmt.Printf("error: %s\n", firstLine(run.Error))
	}
	for _, u := range run.Units {
		if u.Status != model.StatusFailed {
			continue
		}
		fmt.Printf("  failed: %s (%d attempts): %s\n", u.UnitID, u.Attempts, firstLine(u.LastError))
	}
}

func printReportFile(rf runstore.ReportFile) {
	fmt.Printf("run_id: %s\n", rf.RunID)
	fmt.Printf("root: %s\n", rf.Root)
	fmt.Printf("command: %s\n", rf.Command)
	fmt.Printf("duration: %s\n", rf.Report.Duration().Round(time.Millisecond))
	fmt.Printf("total: %d succeeded: %d failed: %d\n", rf.Report.Total, rf.Report.Succeeded, rf.Report.Failed)
	if rf.Error != "" {
		fmt.Printf("error: %s\n", firstLine(rf.Error))
	}
	printFailedJobs(rf.Report.FailedJobs())
}
