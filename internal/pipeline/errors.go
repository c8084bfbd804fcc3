package pipeline

import (
	"strings"
	"unicode"
)

// KeyErrors picks compiler error lines and their location/context lines out
// of verify output. It returns "" when nothing looks like a compiler error.
func KeyErrors(output string) string {
	keep := make([]string, 0)
	inError := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.Contains(line, "error[E") || strings.Contains(line, "error:"):
			keep = append(keep, line)
			inError = true
		case inError && isContextLine(trimmed):
			keep = append(keep, line)
		case strings.HasPrefix(trimmed, "warning"):
			inError = false
		}
	}
	return strings.Join(keep, "\n")
}

// isContextLine matches rustc's "--> file:line:col", "|" gutters and
// numbered source lines such as "10 |     foo".
func isContextLine(trimmed string) bool {
	if strings.HasPrefix(trimmed, "-->") || strings.HasPrefix(trimmed, "|") {
		return true
	}
	digits := strings.TrimLeftFunc(trimmed, unicode.IsDigit)
	return len(digits) < len(trimmed) && strings.HasPrefix(strings.TrimSpace(digits), "|")
}
