package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IgnoreFileName is read from a client directory root when present.
const IgnoreFileName = ".cdistignore"

// skippedDirs are never descended into.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__MACOSX":     true,
}

// defaultIgnorePatterns are always applied regardless of config or ignore files.
// Partial downloads must never be cataloged.
var defaultIgnorePatterns = []string{"*.part", "*.tmp", IgnoreFileName}

// IsHousekeeping reports whether a file or directory name is excluded from
// every scan: hidden entries and directories such as .git.
func IsHousekeeping(name string) bool {
	return strings.HasPrefix(name, ".") || skippedDirs[name]
}

// NewDefaultIgnoreMatcher returns a matcher holding the built-in patterns
// followed by extra.
func NewDefaultIgnoreMatcher(extra []string) *IgnoreMatcher {
	return NewIgnoreMatcher(append(append([]string{}, defaultIgnorePatterns...), extra...))
}

// ignorePattern is a validated doublestar pattern with its matching strategy.
type ignorePattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
}

// IgnoreMatcher checks file paths against a set of doublestar ignore patterns.
// Patterns without '/' match any path component, so "crash-reports" ignores
// the directory and everything below it. Patterns with '/' match the full
// relative path from the directory root.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines, lines starting with '#' and invalid patterns are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSuffix(raw, "/")
		if !doublestar.ValidatePattern(raw) {
			continue
		}
		patterns = append(patterns, ignorePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether the given relative path should be ignored.
// relativePath may use either separator.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	if len(m.patterns) == 0 {
		return false
	}

	normalized := strings.TrimPrefix(filepath.ToSlash(relativePath), "./")
	components := strings.Split(normalized, "/")

	for _, p := range m.patterns {
		if p.matchPath {
			if matchPathOrParent(p.pattern, normalized) {
				return true
			}
			continue
		}
		for _, c := range components {
			if ok, _ := doublestar.Match(p.pattern, c); ok {
				return true
			}
		}
	}
	return false
}

// matchPathOrParent matches pattern against p and each of its parent directories.
func matchPathOrParent(pattern, p string) bool {
	for p != "." && p != "/" && p != "" {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
		p = path.Dir(p)
	}
	return false
}

// With returns a matcher holding the patterns of both m and other.
func (m *IgnoreMatcher) With(other *IgnoreMatcher) *IgnoreMatcher {
	if other == nil || len(other.patterns) == 0 {
		return m
	}
	combined := make([]ignorePattern, 0, len(m.patterns)+len(other.patterns))
	combined = append(combined, m.patterns...)
	combined = append(combined, other.patterns...)
	return &IgnoreMatcher{patterns: combined}
}

// ParseIgnoreFile reads an ignore file and returns the raw pattern strings.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
