package cli

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rust4c/c2rust-agent-sub001/internal/config"
	"github.com/rust4c/c2rust-agent-sub001/internal/history"
	"github.com/rust4c/c2rust-agent-sub001/internal/logging"
)

type commonFlags struct {
	config    *string
	jsonOut   *bool
	logLevel  *string
	logFormat *string
	logFile   *string
}

func bindCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		config:    fs.String("config", "", "config file (default: first of "+strings.Join(config.SearchPaths, ", ")+")"),
		jsonOut:   fs.Bool("json", false, "print JSON output"),
		logLevel:  fs.String("log-level", "", "log level: debug|info|warn|error"),
		logFormat: fs.String("log-format", "", "log format: text|json"),
		logFile:   fs.String("log-file", "", "also append logs to this file"),
	}
}

// load reads the config file and builds the logger; flag values win over the
// file for the log settings.
func (c *commonFlags) load() (config.Config, *logging.Logger, error) {
	cfg, err := config.Load(*c.config)
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg.Log.Level = config.FirstNonEmpty(*c.logLevel, cfg.Log.Level)
	cfg.Log.Format = config.FirstNonEmpty(*c.logFormat, cfg.Log.Format)
	cfg.Log.File = config.FirstNonEmpty(*c.logFile, cfg.Log.File)
	cfg = config.Normalize(cfg)

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

type batchFlags struct {
	*commonFlags
	concurrency     *int
	maxAttempts     *int
	retryBackoff    *time.Duration
	backoffStrategy *string
	attemptTimeout  *time.Duration
	metricsAddr     *string
	report          *string
	noHistory       *bool
	dashboard       *bool
	noProgress      *bool
	stages          *bool
}

func bindBatchFlags(fs *flag.FlagSet) *batchFlags {
	return &batchFlags{
		commonFlags:     bindCommonFlags(fs),
		concurrency:     fs.Int("concurrency", 0, "max units processed at once (0 = config concurrent_limit)"),
		maxAttempts:     fs.Int("max-attempts", 0, "max attempts per unit (0 = config max_retry_attempts)"),
		retryBackoff:    fs.Duration("retry-backoff", 0, "base delay between attempts of one unit"),
		backoffStrategy: fs.String("backoff", "", "backoff strategy: constant|linear|exponential"),
		attemptTimeout:  fs.Duration("attempt-timeout", 0, "bound on one attempt (0 = no bound)"),
		metricsAddr:     fs.String("metrics-addr", "", "serve /metrics, /status and /healthz on this address while running"),
		report:          fs.String("report", "", "report file path (default: <root>/.c2rust-agent/last-report.json)"),
		noHistory:       fs.Bool("no-history", false, "do not record this run in the run history"),
		dashboard:       fs.Bool("dashboard", true, "live dashboard when stdout is a terminal"),
		noProgress:      fs.Bool("no-progress", false, "suppress per-unit progress lines"),
		stages:          fs.Bool("stages", false, "also print pipeline stage changes"),
	}
}

// apply overlays the flags that were set onto cfg.
func (b *batchFlags) apply(fs *flag.FlagSet, cfg config.Config) config.Config {
	set := visitedFlags(fs)
	cfg.ConcurrentLimit = config.FirstPositive(*b.concurrency, cfg.ConcurrentLimit)
	cfg.MaxRetryAttempts = config.FirstPositive(*b.maxAttempts, cfg.MaxRetryAttempts)
	if set["retry-backoff"] {
		cfg.RetryBackoff.Duration = *b.retryBackoff
	}
	if set["attempt-timeout"] {
		cfg.AttemptTimeout.Duration = *b.attemptTimeout
	}
	cfg.BackoffStrategy = config.FirstNonEmpty(*b.backoffStrategy, cfg.BackoffStrategy)
	cfg.Metrics.Addr = config.FirstNonEmpty(*b.metricsAddr, cfg.Metrics.Addr)
	if *b.noHistory {
		cfg.History.Disabled = true
	}
	return config.Normalize(cfg)
}

func visitedFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// batchSession carries what every batch command shares once flags are parsed.
type batchSession struct {
	cfg     config.Config
	logger  *logging.Logger
	flags   *batchFlags
	history *history.Store
}

func newBatchSession(fs *flag.FlagSet, b *batchFlags) (*batchSession, error) {
	cfg, logger, err := b.load()
	if err != nil {
		return nil, err
	}
	return &batchSession{cfg: b.apply(fs, cfg), logger: logger, flags: b}, nil
}

// openHistory opens the run history for root once; nil means disabled.
func (s *batchSession) openHistory(ctx context.Context, root string) (*history.Store, error) {
	if s.cfg.History.Disabled {
		return nil, nil
	}
	if s.history != nil {
		return s.history, nil
	}
	store, err := history.Open(ctx, rootRelative(root, s.cfg.History.Path))
	if err != nil {
		return nil, err
	}
	s.history = store
	return store, nil
}

func (s *batchSession) close() {
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Warn("close run history failed", "error", err)
		}
	}
	_ = s.logger.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
