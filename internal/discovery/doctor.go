package discovery

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rust4c/c2rust-agent-sub001/internal/runstore"
)

type DoctorOptions struct {
	Root string
	// Tools are binary names that must resolve on PATH.
	Tools []string
	// ConfigSource is the file the config was loaded from, empty for defaults.
	ConfigSource string
	Discovery    Options
}

type DoctorResult struct {
	OK     bool          `json:"ok"`
	Units  int           `json:"units"`
	Checks []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Doctor checks that a batch could start on root: tools present, root
// readable with at least one unit, state directory writable, root unlocked.
func Doctor(opts DoctorOptions) (DoctorResult, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		root = "."
	}

	checks := make([]DoctorCheck, 0, len(opts.Tools)+4)
	for _, tool := range uniqueTools(opts.Tools) {
		path, err := exec.LookPath(tool)
		checks = append(checks, DoctorCheck{
			Name:    "dependency:" + tool,
			OK:      err == nil,
			Message: dependencyMessage(err == nil, path, tool),
		})
	}

	result := DoctorResult{}
	units, err := Discover(root, opts.Discovery)
	switch {
	case err != nil:
		checks = append(checks, DoctorCheck{Name: "directory:root", OK: false, Message: err.Error()})
	case len(units) == 0:
		checks = append(checks, DoctorCheck{Name: "directory:root", OK: false, Message: "no units found under " + root})
	default:
		result.Units = len(units)
		checks = append(checks, DoctorCheck{Name: "directory:root", OK: true, Message: fmt.Sprintf("%d units found", len(units))})
	}

	stateOK, stateMessage := ensureWritableDir(runstore.StateDir(root))
	checks = append(checks, DoctorCheck{Name: "directory:state", OK: stateOK, Message: stateMessage})

	lockDir := filepath.Join(root, runstore.LockDirName)
	if _, err := os.Stat(lockDir); err == nil {
		checks = append(checks, DoctorCheck{Name: "lock", OK: false, Message: "held; remove " + lockDir + " if no batch is running"})
	} else {
		checks = append(checks, DoctorCheck{Name: "lock", OK: true, Message: "free"})
	}

	cfgMessage := "built-in defaults"
	if strings.TrimSpace(opts.ConfigSource) != "" {
		cfgMessage = opts.ConfigSource
	}
	checks = append(checks, DoctorCheck{Name: "config", OK: true, Message: cfgMessage})

	result.OK = true
	for _, c := range checks {
		if !c.OK {
			result.OK = false
			break
		}
	}
	result.Checks = checks
	return result, nil
}

func uniqueTools(tools []string) []string {
	seen := make(map[string]bool, len(tools))
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func dependencyMessage(ok bool, path, name string) string {
	if ok {
		return name + " found at " + path
	}
	return name + " not found on PATH"
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := runstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "c2rust-agent-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, "writable"
}
