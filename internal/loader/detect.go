package loader

import (
	"fmt"
	"strings"
)

// Kind names a mod loader.
type Kind string

const (
	KindForge  Kind = "forge"
	KindFabric Kind = "fabric"
)

// SuccessDetector decides from captured output whether an installer run
// worked. Installer exit codes are not trusted on their own.
type SuccessDetector interface {
	Succeeded(stdout, stderr string) bool
}

// SubstringDetector succeeds when stdout contains any of its markers.
type SubstringDetector struct {
	Markers []string
}

func (d SubstringDetector) Succeeded(stdout, _ string) bool {
	for _, m := range d.Markers {
		if strings.Contains(stdout, m) {
			return true
		}
	}
	return false
}

// DefaultDetectors holds the detector used for each loader kind.
var DefaultDetectors = map[Kind]SuccessDetector{
	KindForge:  SubstringDetector{Markers: []string{"The client installed successfully", "Successfully installed client"}},
	KindFabric: SubstringDetector{Markers: []string{"Done"}},
}

// ParseKind validates a loader name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindForge, KindFabric:
		return k, nil
	default:
		return "", fmt.Errorf("unknown loader %q: want forge or fabric", s)
	}
}
