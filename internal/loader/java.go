package loader

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrJavaNotFound is returned when no Java executable can be located.
var ErrJavaNotFound = errors.New("java executable not found")

// JavaLocator finds a Java executable. The zero value searches the real
// environment.
type JavaLocator struct {
	// Getenv and LookPath default to os.Getenv and exec.LookPath.
	Getenv   func(string) string
	LookPath func(string) (string, error)

	// Patterns are doublestar globs for well-known install locations.
	// Nil uses the defaults for the running OS.
	Patterns []string
}

func javaBinary() string {
	if runtime.GOOS == "windows" {
		return "java.exe"
	}
	return "java"
}

func defaultJavaPatterns() []string {
	switch runtime.GOOS {
	case "linux":
		return []string{
			"/usr/lib/jvm/*/bin/java",
			"/usr/java/*/bin/java",
			"/opt/java/*/bin/java",
			"/opt/java/bin/java",
		}
	case "darwin":
		return []string{
			"/Library/Java/JavaVirtualMachines/*/Contents/Home/bin/java",
			"/System/Library/Java/JavaVirtualMachines/*/Contents/Home/bin/java",
		}
	case "windows":
		return []string{
			"C:/Program Files/Java/*/bin/java.exe",
			"C:/Program Files (x86)/Java/*/bin/java.exe",
			"C:/Program Files/Eclipse Adoptium/*/bin/java.exe",
		}
	default:
		return nil
	}
}

// Locate returns the first Java found, in order: configured, then
// JAVA_HOME/bin, then PATH, then well-known install locations. Among
// several installs under one pattern the lexically last (usually newest)
// wins.
func (l JavaLocator) Locate(configured string) (string, error) {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	lookPath := l.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	patterns := l.Patterns
	if patterns == nil {
		patterns = defaultJavaPatterns()
	}

	if configured != "" {
		if isExecutableFile(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: configured java_path %s is not an executable file", ErrJavaNotFound, configured)
	}

	if home := getenv("JAVA_HOME"); home != "" {
		if p := filepath.Join(home, "bin", javaBinary()); isExecutableFile(p) {
			return p, nil
		}
	}

	if p, err := lookPath(javaBinary()); err == nil {
		return p, nil
	}

	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			continue
		}
		sort.Sort(sort.Reverse(sort.StringSlice(matches)))
		for _, m := range matches {
			if isExecutableFile(m) {
				return m, nil
			}
		}
	}

	return "", ErrJavaNotFound
}

func isExecutableFile(p string) bool {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0111 != 0
}
