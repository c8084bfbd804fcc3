// Package runstore holds the on-disk state of a work root: the run lock and
// the JSON batch report, both written so that a crash never leaves a torn
// file behind.
package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rust4c/c2rust-agent-sub001/internal/batch"
)

const (
	StateDirName   = ".c2rust-agent"
	ReportFileName = "last-report.json"
	reportSchema   = 1
)

// ReportFile is the JSON document written after every batch.
type ReportFile struct {
	SchemaVersion int          `json:"schema_version"`
	RunID         string       `json:"run_id"`
	Root          string       `json:"root"`
	Command       string       `json:"command"`
	Concurrency   int          `json:"concurrency"`
	MaxAttempts   int          `json:"max_attempts"`
	Error         string       `json:"error,omitempty"`
	Report        batch.Report `json:"report"`
}

// StateDir is the hidden per-root directory; discovery never treats it as a
// unit.
func StateDir(root string) string {
	return filepath.Join(root, StateDirName)
}

func DefaultReportPath(root string) string {
	return filepath.Join(StateDir(root), ReportFileName)
}

func Mkdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".c2rust-agent-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return WriteBytes(path, data)
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse JSON %s: %w", path, err)
	}
	return nil
}

func SaveReport(path string, rf ReportFile) error {
	rf.SchemaVersion = reportSchema
	return WriteJSON(path, rf)
}

func LoadReport(path string) (ReportFile, error) {
	var rf ReportFile
	if err := ReadJSON(path, &rf); err != nil {
		return ReportFile{}, err
	}
	if rf.SchemaVersion != reportSchema {
		return ReportFile{}, fmt.Errorf("report %s: unsupported schema_version %d", path, rf.SchemaVersion)
	}
	return rf, nil
}
