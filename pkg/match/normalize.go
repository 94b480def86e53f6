// Package match selects files under a local directory with doublestar
// globs, so a job's outputs can be uploaded by pattern.
package match

import (
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern converts a user-provided glob pattern to canonical form.
//
// Unescaped backslashes become forward slashes; escaped glob
// metacharacters (\*, \?, \[ ...) are preserved.
//
// Examples:
//
//	"bw/**"          → "bw/**"           (unchanged)
//	"bw\all\x.bw"    → "bw/all/x.bw"     (backslash → slash)
//	"logs/run\*.txt" → "logs/run\*.txt"  (escape preserved)
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' {
			result.WriteRune(r)
			continue
		}
		if i+1 < len(runes) && strings.ContainsRune(globEscapable, runes[i+1]) {
			result.WriteRune('\\')
			result.WriteRune(runes[i+1])
			i++
			continue
		}
		result.WriteRune('/')
	}
	return result.String()
}

// IsHidden returns true if any slash-separated segment starts with a dot.
//
//	"bw/sample.bw"      → false
//	".cache/sample.bw"  → true
//	"bw/.sample.bw"     → true
//	"bw/sample.bw."     → false
func IsHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg != "" && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
