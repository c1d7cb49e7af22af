package download

import (
	"regexp"
	"runtime"
	"strings"
)

// Platform identifies an operating system and CPU the way version
// descriptors name them: os is "linux", "windows" or "osx"; arch is
// "x86_64", "x86" or "arm64".
type Platform struct {
	OS   string
	Arch string
}

// CurrentPlatform returns the platform of the running process.
func CurrentPlatform() Platform {
	p := Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
	switch runtime.GOOS {
	case "darwin":
		p.OS = "osx"
	}
	switch runtime.GOARCH {
	case "amd64":
		p.Arch = "x86_64"
	case "386":
		p.Arch = "x86"
	}
	return p
}

// NativesDir is the directory name native libraries for p are extracted to.
func (p Platform) NativesDir() string {
	if p.OS == "osx" {
		return "macos"
	}
	return p.OS
}

// bits is the value substituted for ${arch} in native classifiers.
func (p Platform) bits() string {
	if p.Arch == "x86" {
		return "32"
	}
	return "64"
}

// Rule is one entry of a library's rules list.
type Rule struct {
	Action   string          `json:"action"`
	OS       *OSRule         `json:"os,omitempty"`
	Features map[string]bool `json:"features,omitempty"`
}

// OSRule restricts a Rule to matching platforms. Version is a regular
// expression over the OS version and is not evaluated.
type OSRule struct {
	Name    string `json:"name,omitempty"`
	Arch    string `json:"arch,omitempty"`
	Version string `json:"version,omitempty"`
}

func (r Rule) matches(p Platform) bool {
	// Feature rules gate launcher options such as demo mode, none of
	// which apply to a distributed bundle.
	if len(r.Features) > 0 {
		return false
	}
	if r.OS == nil {
		return true
	}
	if r.OS.Name != "" && r.OS.Name != p.OS {
		return false
	}
	if r.OS.Arch != "" && r.OS.Arch != p.Arch {
		return false
	}
	return true
}

// Allowed evaluates rules for p. No rules allows; otherwise the last
// matching rule decides and no match disallows.
func Allowed(rules []Rule, p Platform) bool {
	if len(rules) == 0 {
		return true
	}
	allowed := false
	for _, r := range rules {
		if r.matches(p) {
			allowed = r.Action == "allow"
		}
	}
	return allowed
}

// NativeArtifact returns the native archive lib provides for p, if any.
// Older descriptors list it as a classifier selected through the natives
// map; newer ones publish a separate library whose artifact path carries
// a natives-<os> token.
func (lib Library) NativeArtifact(p Platform) (*Artifact, bool) {
	if key, ok := lib.Natives[p.OS]; ok {
		key = strings.ReplaceAll(key, "${arch}", p.bits())
		if a, ok := lib.Downloads.Classifiers[key]; ok {
			return &a, true
		}
		return nil, false
	}
	if a := lib.Downloads.Artifact; a != nil && nativesPlatform(a.Path) != "" {
		return a, true
	}
	return nil, false
}

var nativesToken = regexp.MustCompile(`natives-(linux|windows|macos|osx)`)

// nativesPlatform infers the natives directory from a file name, or
// returns "" when the name carries no platform token.
func nativesPlatform(name string) string {
	m := nativesToken.FindStringSubmatch(strings.ToLower(name))
	if m == nil {
		return ""
	}
	if m[1] == "osx" {
		return "macos"
	}
	return m[1]
}
