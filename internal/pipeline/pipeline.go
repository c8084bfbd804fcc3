// Package pipeline runs the external transform, verify and repair commands
// for one unit. It implements batch.Invoker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rust4c/c2rust-agent-sub001/internal/batch"
	"github.com/rust4c/c2rust-agent-sub001/internal/discovery"
	"github.com/rust4c/c2rust-agent-sub001/internal/model"
	"github.com/rust4c/c2rust-agent-sub001/internal/retry"
)

const (
	StageTransform = "transform"
	StageVerify    = "verify"
	StageRepair    = "repair"
)

// Placeholders expanded in command arguments.
const (
	PlaceholderUnit    = "{unit}"
	PlaceholderUnitID  = "{unit_id}"
	PlaceholderOutput  = "{output}"
	PlaceholderSources = "{sources}"
	PlaceholderLog     = "{log}"
)

// KeyErrorsEnv carries the key errors of the last verify run to repair
// commands.
const KeyErrorsEnv = "C2RUST_AGENT_KEY_ERRORS"

// ErrNoSources is a permanent failure: the unit directory has no recognized
// files left.
var ErrNoSources = errors.New("no source files in unit")

type Config struct {
	Transform    []string
	Verify       []string
	Repair       []string
	RepairRounds int
	// OutputDir is joined to the unit directory when relative; an absolute
	// path gets one subdirectory per unit.
	OutputDir string
	// LogDir holds one log per unit. Empty means <unit>/.c2rust-agent/.
	LogDir     string
	Extensions []string
	Logger     *slog.Logger
}

// StageError is a command that ran and failed.
type StageError struct {
	Stage   string
	Command []string
	Err     error
	// Output is the key error text, or the raw kept output when no compiler
	// errors were recognized.
	Output string
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// CommandPipeline is the production batch.Invoker.
type CommandPipeline struct {
	cfg    Config
	logger *slog.Logger
}

var _ batch.Invoker = (*CommandPipeline)(nil)

func New(cfg Config) (*CommandPipeline, error) {
	if len(cfg.Transform) == 0 {
		return nil, fmt.Errorf("pipeline transform command is empty")
	}
	if len(cfg.Verify) == 0 {
		return nil, fmt.Errorf("pipeline verify command is empty")
	}
	if cfg.RepairRounds < 0 || len(cfg.Repair) == 0 {
		cfg.RepairRounds = 0
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		cfg.OutputDir = discovery.DefaultOutputDirName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandPipeline{cfg: cfg, logger: logger}, nil
}

// Commands returns every configured command, for dependency checks.
func (p *CommandPipeline) Commands() [][]string {
	cmds := [][]string{p.cfg.Transform, p.cfg.Verify}
	if p.cfg.RepairRounds > 0 {
		cmds = append(cmds, p.cfg.Repair)
	}
	return cmds
}

// OutputDir is where the unit's Rust project is written.
func (p *CommandPipeline) OutputDir(unit model.Unit) string {
	if filepath.IsAbs(p.cfg.OutputDir) {
		return filepath.Join(p.cfg.OutputDir, safeFileID(unit.ID))
	}
	return filepath.Join(unit.Path, p.cfg.OutputDir)
}

func (p *CommandPipeline) LogPath(unit model.Unit) string {
	if strings.TrimSpace(p.cfg.LogDir) == "" {
		return filepath.Join(unit.Path, ".c2rust-agent", "pipeline.log")
	}
	return filepath.Join(p.cfg.LogDir, safeFileID(unit.ID)+".log")
}

// Run performs one attempt: transform, verify, then up to RepairRounds rounds
// of repair and re-verify.
func (p *CommandPipeline) Run(ctx context.Context, unit model.Unit, stage batch.StageFunc) error {
	if stage == nil {
		stage = func(string) {}
	}

	sources, err := discovery.SourceFiles(unit.Path, p.cfg.Extensions)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrNoSources, unit.Path))
	}

	outputDir := p.OutputDir(unit)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", outputDir, err)
	}
	logPath := p.LogPath(unit)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log dir for %s: %w", unit.ID, err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open pipeline log %s: %w", logPath, err)
	}
	defer func() {
		_ = logFile.Close()
	}()
	_, _ = fmt.Fprintf(logFile, "=== %s attempt started for %s\n", time.Now().UTC().Format(time.RFC3339), unit.ID)

	vars := templateVars{unit: unit, output: outputDir, sources: sources, log: logPath}

	stage(StageTransform)
	if _, err := p.runStage(ctx, StageTransform, p.cfg.Transform, vars, unit.Path, logFile, nil); err != nil {
		return err
	}

	stage(StageVerify)
	verifyErr := p.verify(ctx, vars, outputDir, logFile)
	if verifyErr == nil {
		return nil
	}

	for round := 1; round <= p.cfg.RepairRounds; round++ {
		if retry.IsPermanent(verifyErr) || ctx.Err() != nil {
			break
		}
		var keyErrs string
		var se *StageError
		if errors.As(verifyErr, &se) {
			keyErrs = se.Output
		}
		stage(fmt.Sprintf("%s %d/%d", StageRepair, round, p.cfg.RepairRounds))
		p.logger.Debug("repairing unit", "unit", unit.ID, "round", round, "rounds", p.cfg.RepairRounds)
		env := []string{KeyErrorsEnv + "=" + keyErrs}
		if _, err := p.runStage(ctx, StageRepair, p.cfg.Repair, vars, outputDir, logFile, env); err != nil {
			return err
		}
		stage(StageVerify)
		verifyErr = p.verify(ctx, vars, outputDir, logFile)
		if verifyErr == nil {
			return nil
		}
	}
	return verifyErr
}

func (p *CommandPipeline) verify(ctx context.Context, vars templateVars, outputDir string, logFile io.Writer) error {
	_, err := p.runStage(ctx, StageVerify, p.cfg.Verify, vars, outputDir, logFile, nil)
	return err
}

func (p *CommandPipeline) runStage(ctx context.Context, stage string, tmpl []string, vars templateVars, dir string, logFile io.Writer, env []string) (CommandResult, error) {
	argv := vars.expand(tmpl)
	_, _ = fmt.Fprintf(logFile, "--- %s: %s\n", stage, strings.Join(argv, " "))
	res, err := RunCommand(ctx, argv, CommandOptions{Dir: dir, Env: env, LogWriter: logFile})
	if err == nil {
		return res, nil
	}
	if retry.IsPermanent(err) {
		return res, err
	}
	out := res.Combined()
	if key := KeyErrors(out); key != "" {
		out = key
	}
	return res, &StageError{Stage: stage, Command: argv, Err: err, Output: out}
}

type templateVars struct {
	unit    model.Unit
	output  string
	sources []string
	log     string
}

// expand replaces placeholders. An argument that is exactly {sources} becomes
// one argument per source file.
func (v templateVars) expand(tmpl []string) []string {
	r := strings.NewReplacer(
		PlaceholderUnitID, v.unit.ID,
		PlaceholderUnit, v.unit.Path,
		PlaceholderOutput, v.output,
		PlaceholderSources, strings.Join(v.sources, " "),
		PlaceholderLog, v.log,
	)
	out := make([]string, 0, len(tmpl)+len(v.sources))
	for _, arg := range tmpl {
		if arg == PlaceholderSources {
			out = append(out, v.sources...)
			continue
		}
		out = append(out, r.Replace(arg))
	}
	return out
}

func safeFileID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "unit"
	}
	return strings.NewReplacer("/", "__", "\\", "__", ":", "_").Replace(id)
}
