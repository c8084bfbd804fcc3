package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rust4c/c2rust-agent-sub001/internal/batch"
	"github.com/rust4c/c2rust-agent-sub001/internal/config"
	"github.com/rust4c/c2rust-agent-sub001/internal/discovery"
	"github.com/rust4c/c2rust-agent-sub001/internal/history"
	"github.com/rust4c/c2rust-agent-sub001/internal/metrics"
	"github.com/rust4c/c2rust-agent-sub001/internal/model"
	"github.com/rust4c/c2rust-agent-sub001/internal/pipeline"
	"github.com/rust4c/c2rust-agent-sub001/internal/progress"
	"github.com/rust4c/c2rust-agent-sub001/internal/runstore"
)

const metricsShutdownTimeout = 5 * time.Second

type batchResult struct {
	RunID      string       `json:"run_id"`
	Root       string       `json:"root"`
	Command    string       `json:"command"`
	ReportPath string       `json:"report_path,omitempty"`
	Error      string       `json:"error,omitempty"`
	Report     batch.Report `json:"report"`
}

func runTranslate(args []string) error {
	fs := flag.NewFlagSet("translate", flag.ContinueOnError)
	bf := bindBatchFlags(fs)
	root := fs.String("root", "", "work tree holding the units (default: first argument or current directory)")
	rerunFailed := fs.Bool("rerun-failed", false, "only process units that failed in the latest recorded run for root")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	target, err := resolveRoot(config.FirstNonEmpty(*root, fs.Arg(0), "."))
	if err != nil {
		return err
	}
	s, err := newBatchSession(fs, bf)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signalContext()
	defer stop()

	var units []model.Unit
	if *rerunFailed {
		units, err = s.failedUnits(ctx, target)
		if err != nil {
			return err
		}
		if len(units) == 0 {
			fmt.Println("no failed units to re-run")
			return nil
		}
	} else {
		opts := s.cfg.DiscoveryOptions()
		opts.Logger = s.logger.Logger
		units, err = discovery.Discover(target, opts)
		if err != nil {
			return err
		}
	}
	return s.execute(ctx, "translate", target, units)
}

func runSingle(args []string) error {
	fs := flag.NewFlagSet("single", flag.ContinueOnError)
	bf := bindBatchFlags(fs)
	dir := fs.String("dir", "", "unit directory (default: first argument)")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := config.FirstNonEmpty(*dir, fs.Arg(0))
	if target == "" {
		fs.Usage()
		return errors.New("unit directory is required")
	}
	unit, err := discovery.UnitFromDir(target)
	if err != nil {
		return err
	}
	s, err := newBatchSession(fs, bf)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signalContext()
	defer stop()
	return s.execute(ctx, "single", unit.Path, []model.Unit{unit})
}

// failedUnits returns the units that failed in the latest recorded run for root.
func (s *batchSession) failedUnits(ctx context.Context, root string) ([]model.Unit, error) {
	if s.cfg.History.Disabled {
		return nil, errors.New("--rerun-failed needs the run history; drop --no-history or enable [history]")
	}
	store, err := s.openHistory(ctx, root)
	if err != nil {
		return nil, err
	}
	run, failed, err := store.FailedUnits(ctx, root)
	if err != nil {
		return nil, err
	}
	units := make([]model.Unit, 0, len(failed))
	for _, u := range failed {
		units = append(units, u.Unit())
	}
	s.logger.Info("re-running failed units", "previous_run", run.ID, "units", len(units))
	return units, nil
}

func (s *batchSession) execute(ctx context.Context, command, root string, units []model.Unit) error {
	cfg := s.cfg
	runID := history.NewRunID()
	logger := s.logger.With("run_id", runID, "command", command)

	lock, err := runstore.AcquireRootLock(root, command)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("release lock failed", "error", err)
		}
	}()

	pipe, err := pipeline.New(pipeline.Config{
		Transform:    cfg.Pipeline.Transform,
		Verify:       cfg.Pipeline.Verify,
		Repair:       cfg.Pipeline.Repair,
		RepairRounds: cfg.Pipeline.RepairRounds,
		OutputDir:    cfg.Pipeline.OutputDir,
		LogDir:       rootRelative(root, cfg.Pipeline.LogDir),
		Extensions:   cfg.Discovery.Extensions,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if len(units) > 0 {
		if err := pipeline.CheckDependencies(pipe.Commands()...); err != nil {
			return err
		}
	}

	store, err := s.openHistory(ctx, root)
	if err != nil {
		logger.Warn("run history unavailable", "error", err)
		store = nil
	}

	collector := metrics.NewCollector()
	reporters := progress.Multi{collector}
	var dash *progress.Dashboard
	switch {
	case *s.flags.jsonOut:
		reporters = append(reporters, progress.NewLog(logger))
	case *s.flags.noProgress:
	case *s.flags.dashboard && stdoutIsTTY():
		dash = progress.NewDashboard(progress.DashboardOptions{
			Title:       "c2rust-agent " + command,
			Total:       len(units),
			Concurrency: cfg.ConcurrentLimit,
			Output:      os.Stdout,
		})
		reporters = append(reporters, dash)
	default:
		reporters = append(reporters, progress.NewLine(os.Stdout, len(units), progress.LineOptions{
			Color:  stdoutIsTTY(),
			Stages: *s.flags.stages,
		}))
	}

	sched := batch.New(pipe, batch.Options{
		Concurrency:    cfg.ConcurrentLimit,
		Retry:          cfg.RetryPolicy(),
		AttemptTimeout: cfg.AttemptTimeout.Duration,
		Reporter:       reporters,
		Logger:         logger,
	})

	if cfg.Metrics.Addr != "" {
		srv, err := metrics.Serve(cfg.Metrics.Addr, metrics.NewRouter(metrics.RouterOptions{
			Gatherer: collector.Registry(),
			Status:   sched,
			RunID:    runID,
			Root:     root,
		}), logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", "error", err)
			}
		}()
	}

	if dash != nil {
		dash.Start()
	}
	report, runErr := sched.Run(ctx, units)
	if dash != nil {
		if err := dash.Stop(); err != nil {
			logger.Warn("dashboard stopped with error", "error", err)
		}
	}

	// Persist even when interrupted; ctx may already be canceled.
	persistCtx := context.WithoutCancel(ctx)
	reportPath := config.FirstNonEmpty(*s.flags.report, runstore.DefaultReportPath(root))
	rf := runstore.ReportFile{
		RunID:       runID,
		Root:        root,
		Command:     command,
		Concurrency: sched.Concurrency(),
		MaxAttempts: cfg.RetryPolicy().Attempts(),
		Report:      report,
	}
	if runErr != nil {
		rf.Error = runErr.Error()
	}
	if err := runstore.SaveReport(reportPath, rf); err != nil {
		logger.Warn("write report failed", "path", reportPath, "error", err)
		reportPath = ""
	}
	if store != nil {
		rec := history.NewRecord(runID, root, command, sched.Concurrency(), cfg.RetryPolicy().Attempts(), report, runErr)
		if err := store.SaveRun(persistCtx, &rec); err != nil {
			logger.Warn("record run history failed", "error", err)
		}
	}

	if *s.flags.jsonOut {
		res := batchResult{
			RunID:      runID,
			Root:       root,
			Command:    command,
			ReportPath: reportPath,
			Error:      rf.Error,
			Report:     report,
		}
		if err := printJSON(res); err != nil {
			return err
		}
		return runErr
	}

	progress.Summary(os.Stdout, report.Succeeded, report.Failed)
	printFailedJobs(report.FailedJobs())
	fmt.Printf("run_id: %s\n", runID)
	if reportPath != "" {
		fmt.Printf("report: %s\n", reportPath)
	}
	return runErr
}

func printFailedJobs(jobs []model.JobState) {
	for _, job := range jobs {
		fmt.Printf("  failed: %s (%d attempts): %s\n", job.Unit.ID, len(job.Attempts), firstLine(job.LastError))
	}
}
