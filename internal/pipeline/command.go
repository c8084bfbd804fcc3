package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rust4c/c2rust-agent-sub001/internal/retry"
)

type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// maxKeep bounds the output kept in memory per stream for error reporting.
const maxKeep = 8192

// ErrMissingTool is wrapped (as a permanent failure) when a pipeline command
// is not installed.
var ErrMissingTool = errors.New("missing external tool")

type CommandOptions struct {
	Dir       string
	Env       []string
	LogWriter io.Writer
	OnLine    func(stream OutputStream, line string)
}

// CommandResult holds the first maxKeep bytes of each stream.
type CommandResult struct {
	Stdout string
	Stderr string
}

// Combined returns stderr followed by stdout, which is where compilers put
// their diagnostics.
func (r CommandResult) Combined() string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(r.Stderr); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(r.Stdout); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

// RunCommand runs argv, streaming both output streams line by line into the
// log writer. A missing binary is reported as a permanent failure.
func RunCommand(ctx context.Context, argv []string, opts CommandOptions) (CommandResult, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return CommandResult{}, retry.Permanent(errors.New("empty command"))
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return CommandResult{}, retry.Permanent(fmt.Errorf("%w: %s is not installed or not on PATH", ErrMissingTool, argv[0]))
	}

	cmd := exec.CommandContext(ctx, bin, argv[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return CommandResult{}, fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return CommandResult{}, fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return CommandResult{}, fmt.Errorf("start %s: %w", argv[0], err)
	}

	var outBuf strings.Builder
	var errBuf strings.Builder
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(stream OutputStream, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			appendLimited(&outBuf, &errBuf, stream, line)
			if opts.LogWriter != nil {
				_, _ = io.WriteString(opts.LogWriter, line+"\n")
			}
			mu.Unlock()

			if opts.OnLine != nil {
				opts.OnLine(stream, line)
			}
		}
	}

	wg.Add(2)
	go read(StreamStdout, stdoutPipe)
	go read(StreamStderr, stderrPipe)
	wg.Wait()

	waitErr := cmd.Wait()
	mu.Lock()
	result := CommandResult{Stdout: outBuf.String(), Stderr: errBuf.String()}
	mu.Unlock()
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("%s: %w (%v)", argv[0], ctxErr, waitErr)
		}
		return result, fmt.Errorf("%s: %w", argv[0], waitErr)
	}
	return result, nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(outBuf, errBuf *strings.Builder, stream OutputStream, line string) {
	b := outBuf
	if stream == StreamStderr {
		b = errBuf
	}
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	remain := maxKeep - b.Len()
	if len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}

// DependencyReport tells which pipeline binaries resolve on PATH.
type DependencyReport struct {
	Tools []ToolStatus `json:"tools"`
}

type ToolStatus struct {
	Name  string `json:"name"`
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

func (r DependencyReport) Missing() []string {
	out := make([]string, 0)
	for _, t := range r.Tools {
		if !t.Found {
			out = append(out, t.Name)
		}
	}
	return out
}

// DependencyStatus looks up the first word of every non-empty command.
func DependencyStatus(commands ...[]string) DependencyReport {
	report := DependencyReport{}
	seen := make(map[string]bool)
	for _, argv := range commands {
		if len(argv) == 0 {
			continue
		}
		name := strings.TrimSpace(argv[0])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		st := ToolStatus{Name: name}
		if path, err := exec.LookPath(name); err == nil {
			st.Found = true
			st.Path = path
		}
		report.Tools = append(report.Tools, st)
	}
	return report
}

// CheckDependencies fails with ErrMissingTool when any command is missing.
func CheckDependencies(commands ...[]string) error {
	missing := DependencyStatus(commands...).Missing()
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s not installed or not on PATH", ErrMissingTool, strings.Join(missing, ", "))
}
