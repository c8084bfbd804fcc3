package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rust4c/c2rust-agent-sub001/internal/discovery"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stdoutIsTTY() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// resolveRoot returns the absolute, symlink-free form of a work root so that
// history lookups match regardless of how the root was spelled.
func resolveRoot(raw string) (string, error) {
	abs, err := filepath.Abs(strings.TrimSpace(raw))
	if err != nil {
		return "", &discovery.Error{Root: raw, Err: err}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &discovery.Error{Root: raw, Err: err}
	}
	return filepath.Clean(resolved), nil
}

// rootRelative joins a relative path onto root; absolute paths are kept.
func rootRelative(root, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
