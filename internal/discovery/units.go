// Package discovery enumerates the source units of a work tree and checks the
// local environment before a batch is started.
package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rust4c/c2rust-agent-sub001/internal/model"
)

var (
	DefaultExtensions = []string{".c", ".h"}
	DefaultCategories = []string{"individual_files", "paired_files"}
)

const DefaultOutputDirName = "rust-project"

// ErrRootUnreadable is wrapped by every fatal discovery error.
var ErrRootUnreadable = errors.New("discovery root unreadable")

// Error reports a root that cannot be scanned. No units are returned with it.
type Error struct {
	Root string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("discover units in %s: %v", e.Root, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrRootUnreadable, e.Err}
}

type Options struct {
	Extensions []string
	Categories []string
	// SkipDirs are directory names never treated as units, in addition to
	// hidden directories.
	SkipDirs []string
	Logger   *slog.Logger
}

func (o Options) normalized() Options {
	norm := o
	norm.Extensions = normalizeExtensions(o.Extensions)
	if len(norm.Extensions) == 0 {
		norm.Extensions = DefaultExtensions
	}
	if o.Categories == nil {
		norm.Categories = DefaultCategories
	}
	if o.SkipDirs == nil {
		norm.SkipDirs = []string{DefaultOutputDirName}
	}
	if norm.Logger == nil {
		norm.Logger = slog.Default()
	}
	return norm
}

func normalizeExtensions(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, e := range raw {
		v := strings.ToLower(strings.TrimSpace(e))
		if v == "" {
			continue
		}
		if !strings.HasPrefix(v, ".") {
			v = "." + v
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Discover returns the units under root ordered by path. When category
// directories exist under root each of them is scanned; otherwise root is.
func Discover(root string, opts Options) ([]model.Unit, error) {
	opts = opts.normalized()

	absRoot, err := canonicalPath(root)
	if err != nil {
		return nil, &Error{Root: root, Err: err}
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, &Error{Root: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &Error{Root: root, Err: fmt.Errorf("not a directory")}
	}
	if _, err := os.ReadDir(absRoot); err != nil {
		return nil, &Error{Root: root, Err: err}
	}

	scanDirs := make([]scanTarget, 0, len(opts.Categories))
	for _, c := range opts.Categories {
		dir := filepath.Join(absRoot, c)
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			scanDirs = append(scanDirs, scanTarget{dir: dir, category: c})
		}
	}
	if len(scanDirs) == 0 {
		scanDirs = append(scanDirs, scanTarget{dir: absRoot})
	}

	byPath := make(map[string]model.Unit)
	for _, target := range scanDirs {
		found, err := scanDirectory(target.dir, opts)
		if err != nil {
			opts.Logger.Warn("skipping unreadable directory", "dir", target.dir, "error", err)
			continue
		}
		opts.Logger.Debug("scanned directory", "dir", target.dir, "units", len(found))
		for _, dir := range found {
			canon, err := canonicalPath(dir)
			if err != nil {
				opts.Logger.Warn("skipping unresolvable directory", "dir", dir, "error", err)
				continue
			}
			if _, dup := byPath[canon]; dup {
				continue
			}
			byPath[canon] = model.Unit{
				ID:       unitID(absRoot, canon),
				Path:     canon,
				Category: target.category,
			}
		}
	}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	units := make([]model.Unit, 0, len(paths))
	for _, p := range paths {
		units = append(units, byPath[p])
	}
	return units, nil
}

type scanTarget struct {
	dir      string
	category string
}

// scanDirectory returns the immediate children of dir that hold recognized
// files. A dir whose only subdirectories are skipped ones is itself the unit
// when it qualifies.
func scanDirectory(dir string, opts Options) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	found := make([]string, 0)
	sawSubdir := false
	for _, e := range entries {
		if !isDirEntry(dir, e) {
			continue
		}
		if skipDir(e.Name(), opts.SkipDirs) {
			continue
		}
		sawSubdir = true
		child := filepath.Join(dir, e.Name())
		ok, err := hasRecognizedFile(child, opts.Extensions)
		if err != nil {
			opts.Logger.Warn("skipping unreadable directory", "dir", child, "error", err)
			continue
		}
		if ok {
			found = append(found, child)
		}
	}

	if !sawSubdir {
		ok, err := hasRecognizedFile(dir, opts.Extensions)
		if err != nil {
			return nil, err
		}
		if ok {
			found = append(found, dir)
		}
	}
	return found, nil
}

func isDirEntry(parent string, e fs.DirEntry) bool {
	if e.IsDir() {
		return true
	}
	if e.Type()&fs.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(filepath.Join(parent, e.Name()))
	return err == nil && fi.IsDir()
}

func skipDir(name string, skip []string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, s := range skip {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}

func hasRecognizedFile(dir string, exts []string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if HasExtension(e.Name(), exts) {
			return true, nil
		}
	}
	return false, nil
}

// HasExtension reports whether name ends in one of exts (case-insensitive).
func HasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// SourceFiles lists the recognized files directly inside dir, sorted.
func SourceFiles(dir string, exts []string) ([]string, error) {
	exts = normalizeExtensions(exts)
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read unit directory %s: %w", dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !HasExtension(e.Name(), exts) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return filepath.Clean(resolved), nil
}

func unitID(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return filepath.Base(dir)
	}
	return filepath.ToSlash(rel)
}

// UnitFromDir builds a single unit for an explicit directory, as used by the
// single-unit command.
func UnitFromDir(dir string) (model.Unit, error) {
	canon, err := canonicalPath(dir)
	if err != nil {
		return model.Unit{}, &Error{Root: dir, Err: err}
	}
	fi, err := os.Stat(canon)
	if err != nil {
		return model.Unit{}, &Error{Root: dir, Err: err}
	}
	if !fi.IsDir() {
		return model.Unit{}, &Error{Root: dir, Err: fmt.Errorf("not a directory")}
	}
	return model.Unit{ID: filepath.Base(canon), Path: canon}, nil
}
