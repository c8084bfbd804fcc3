package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var allowed = map[string]map[string]bool{
	"cli": {
		"batch":     true,
		"config":    true,
		"discovery": true,
		"history":   true,
		"logging":   true,
		"metrics":   true,
		"model":     true,
		"pipeline":  true,
		"progress":  true,
		"runstore":  true,
	},
	"pipeline": {
		"batch":     true,
		"discovery": true,
		"model":     true,
		"retry":     true,
	},
	"batch": {
		"model": true,
		"retry": true,
	},
	"config": {
		"discovery": true,
		"retry":     true,
	},
	"discovery": {
		"model":    true,
		"runstore": true,
	},
	"history": {
		"batch": true,
		"model": true,
	},
	"metrics": {
		"batch": true,
		"model": true,
	},
	"progress": {
		"model": true,
	},
	"runstore": {
		"batch": true,
	},
	"logging": {},
	"model":   {},
	"retry":   {},
}

// Binaries under cmd/ only reach the module through the cli package.
const cmdPackage = "cmd"

func main() {
	allowed[cmdPackage] = map[string]bool{"cli": true}

	violations := []string{}
	for _, dir := range []string{"internal", cmdPackage} {
		found, err := checkTree(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "boundary walk of %s failed: %v\n", dir, err)
			os.Exit(1)
		}
		violations = append(violations, found...)
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Fprintln(os.Stderr, "architecture boundary violations detected:")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "- %s\n", v)
		}
		os.Exit(1)
	}

	fmt.Println("architecture boundary check: OK")
}

func checkTree(root string) ([]string, error) {
	var violations []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		srcPkg := sourcePackage(path)
		if srcPkg == "" {
			return nil
		}
		allowMap, ok := allowed[srcPkg]
		if !ok {
			violations = append(violations, fmt.Sprintf("%s: package %q has no boundary entry", path, srcPkg))
			return nil
		}

		file, err := parser.ParseFile(token.NewFileSet(), path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		for _, imp := range file.Imports {
			tgtPkg, ok := targetPackage(strings.Trim(imp.Path.Value, `"`))
			if !ok || tgtPkg == srcPkg {
				continue
			}
			if !allowMap[tgtPkg] {
				violations = append(violations, fmt.Sprintf("%s: %s -> %s is forbidden", path, srcPkg, tgtPkg))
			}
		}
		return nil
	})
	return violations, err
}

func sourcePackage(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) < 2 {
		return ""
	}
	switch parts[0] {
	case cmdPackage:
		return cmdPackage
	case "internal":
		return parts[1]
	}
	return ""
}

func targetPackage(importPath string) (string, bool) {
	const prefix = "github.com/rust4c/c2rust-agent-sub001/internal/"
	rest, ok := strings.CutPrefix(importPath, prefix)
	if !ok || rest == "" {
		return "", false
	}
	return strings.Split(rest, "/")[0], true
}
