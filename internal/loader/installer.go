// Package loader runs third-party mod-loader installers against a staged
// copy of a client bundle and folds what they produce back into it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cdist-go/internal/cdist"
	"cdist-go/internal/config"
)

var (
	// ErrInstallerNotFound is returned when the installer archive is missing.
	ErrInstallerNotFound = errors.New("installer not found")
	// ErrInstallerFailed is wrapped by every InstallerError.
	ErrInstallerFailed = errors.New("installer failed")
	// ErrOutputNotFound is returned when the installer reported success but
	// the expected version directory never appeared.
	ErrOutputNotFound = errors.New("installer output not found")
)

// InstallerError carries the captured output of a failed installer run.
type InstallerError struct {
	Reason   string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *InstallerError) Error() string {
	return fmt.Sprintf("installer failed: %s (exit code %d)\nstdout:\n%s\nstderr:\n%s", e.Reason, e.ExitCode, e.Stdout, e.Stderr)
}

func (e *InstallerError) Unwrap() error {
	return ErrInstallerFailed
}

// OutputNotFoundError lists what the workspace held instead of the
// expected version directory.
type OutputNotFoundError struct {
	Expected string
	Found    []string
}

func (e *OutputNotFoundError) Error() string {
	found := "nothing"
	if len(e.Found) > 0 {
		found = strings.Join(e.Found, ", ")
	}
	return fmt.Sprintf("installer output not found: expected versions/%s, found %s", e.Expected, found)
}

func (e *OutputNotFoundError) Unwrap() error {
	return ErrOutputNotFound
}

// Request describes one loader installation.
type Request struct {
	Kind             Kind
	InstallerPath    string
	MinecraftVersion string
	// LoaderVersion is the loader's own version, e.g. "47.2.0" or "0.15.11".
	LoaderVersion string
	// LoaderVersionID overrides the version directory the installer is
	// expected to create. Empty derives it from Kind.
	LoaderVersionID string
	// ClientDirectory is the installed vanilla client the loader is added to.
	ClientDirectory string
}

// VersionID returns the directory name the installer is expected to produce.
func (r Request) VersionID() string {
	if r.LoaderVersionID != "" {
		return r.LoaderVersionID
	}
	switch r.Kind {
	case KindForge:
		return r.MinecraftVersion + "-forge-" + r.LoaderVersion
	case KindFabric:
		return "fabric-loader-" + r.LoaderVersion + "-" + r.MinecraftVersion
	default:
		return ""
	}
}

func (r Request) validate() error {
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if r.MinecraftVersion == "" {
		return fmt.Errorf("minecraft version is required")
	}
	if r.VersionID() == "" || strings.ContainsAny(r.VersionID(), `/\`) {
		return fmt.Errorf("invalid loader version id %q", r.VersionID())
	}
	if r.Kind == KindFabric && r.LoaderVersion == "" {
		return fmt.Errorf("fabric requires a loader version")
	}
	if r.ClientDirectory == "" {
		return fmt.Errorf("client directory is required")
	}
	return nil
}

// Result summarizes a successful installation.
type Result struct {
	VersionID       string
	ClientJar       bool // installer produced a jar that replaced client.jar
	LibrariesCopied int
	Stdout          string
}

// Installer runs loader installers through a Java executable.
type Installer struct {
	java         string
	timeout      time.Duration
	pollInterval time.Duration
	pollAttempts int
	workDir      string
	detectors    map[Kind]SuccessDetector
	logger       cdist.Logger
}

// Option configures an Installer.
type Option func(*Installer)

// WithTimeout bounds each installer process.
func WithTimeout(d time.Duration) Option {
	return func(i *Installer) { i.timeout = d }
}

// WithPolling sets how often and how many times the installer output is
// looked for.
func WithPolling(interval time.Duration, attempts int) Option {
	return func(i *Installer) {
		i.pollInterval = interval
		if attempts > 0 {
			i.pollAttempts = attempts
		}
	}
}

// WithWorkDir sets where disposable workspaces are created.
func WithWorkDir(dir string) Option {
	return func(i *Installer) { i.workDir = dir }
}

// WithDetector replaces the success detector for one loader kind.
func WithDetector(kind Kind, d SuccessDetector) Option {
	return func(i *Installer) { i.detectors[kind] = d }
}

func WithLogger(l cdist.Logger) Option {
	return func(i *Installer) { i.logger = l }
}

// NewInstaller returns an Installer that runs java.
func NewInstaller(java string, opts ...Option) *Installer {
	i := &Installer{
		java:         java,
		timeout:      config.DefaultLoaderTimeout,
		pollInterval: config.DefaultPollInterval,
		pollAttempts: config.DefaultPollAttempts,
		detectors:    make(map[Kind]SuccessDetector, len(DefaultDetectors)),
		logger:       cdist.NewNopLogger(),
	}
	for k, d := range DefaultDetectors {
		i.detectors[k] = d
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewInstallerFromConfig locates Java and applies the configured timings.
func NewInstallerFromConfig(cfg config.LoaderConfig, logger cdist.Logger) (*Installer, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	interval, err := cfg.PollIntervalDuration()
	if err != nil {
		return nil, err
	}
	java, err := JavaLocator{}.Locate(cfg.JavaPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("using java", "path", java)
	return NewInstaller(java,
		WithTimeout(timeout),
		WithPolling(interval, cfg.PollAttempts),
		WithLogger(logger),
	), nil
}

// Install stages req.ClientDirectory into a workspace, runs the installer
// there and copies its output back. The workspace is always removed.
func (i *Installer) Install(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if info, err := os.Stat(req.InstallerPath); err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInstallerNotFound, req.InstallerPath)
	}
	if i.java == "" || !isExecutableFile(i.java) {
		return nil, fmt.Errorf("%w: %q", ErrJavaNotFound, i.java)
	}

	workspace, err := os.MkdirTemp(i.workDir, "cdist-loader-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			i.logger.Debug("removing loader workspace", "path", workspace, "error", err)
		}
	}()

	staged, err := stage(workspace, req)
	if err != nil {
		return nil, fmt.Errorf("staging workspace: %w", err)
	}

	i.logger.Info("running loader installer", "kind", req.Kind, "installer", req.InstallerPath, "version", req.VersionID())
	stdout, err := i.run(ctx, workspace, req)
	if err != nil {
		return nil, err
	}

	versionDir := filepath.Join(workspace, "versions", req.VersionID())
	if err := i.waitFor(ctx, versionDir); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &OutputNotFoundError{Expected: req.VersionID(), Found: listVersions(workspace)}
	}

	res, err := relocate(workspace, req, staged)
	if err != nil {
		return nil, err
	}
	res.Stdout = stdout
	i.logger.Info("loader installed", "version", res.VersionID, "libraries", res.LibrariesCopied, "client_jar", res.ClientJar)
	return res, nil
}

func (i *Installer) args(workspace string, req Request) []string {
	args := []string{"-jar", req.InstallerPath}
	switch req.Kind {
	case KindForge:
		args = append(args, "--installClient", workspace)
	case KindFabric:
		args = append(args, "client", "-dir", workspace,
			"-mcversion", req.MinecraftVersion, "-loader", req.LoaderVersion, "-noprofile")
	}
	return args
}

func (i *Installer) run(ctx context.Context, workspace string, req Request) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	stdout := newTailBuffer(maxOutputBytes)
	stderr := newTailBuffer(maxOutputBytes)

	cmd := exec.CommandContext(runCtx, i.java, i.args(workspace, req)...)
	cmd.Dir = workspace
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	runErr := cmd.Run()
	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", &InstallerError{
			Reason:   fmt.Sprintf("timed out after %s", i.timeout),
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if runErr != nil && exitErr == nil {
		return "", fmt.Errorf("starting installer: %w", runErr)
	}

	detector := i.detectors[req.Kind]
	if detector == nil || !detector.Succeeded(stdout.String(), stderr.String()) {
		return "", &InstallerError{
			Reason:   "success marker not found in output",
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	if exitCode != 0 {
		i.logger.Warn("installer reported success with non-zero exit code", "exit_code", exitCode)
	}
	return stdout.String(), nil
}

// waitFor polls until dir exists. Some installers finish writing after the
// process has reported completion.
func (i *Installer) waitFor(ctx context.Context, dir string) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(i.pollInterval), uint64(i.pollAttempts-1)),
		ctx,
	)
	return backoff.Retry(func() error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return backoff.Permanent(fmt.Errorf("%s is not a directory", dir))
		}
		return nil
	}, policy)
}

// stage lays out a launcher directory holding the client under its
// vanilla version id. It returns the library paths already present.
func stage(workspace string, req Request) (map[string]bool, error) {
	mc := req.MinecraftVersion
	versionDir := filepath.Join(workspace, "versions", mc)

	if err := copyFile(filepath.Join(req.ClientDirectory, cdist.ClientJarName), filepath.Join(versionDir, mc+".jar")); err != nil {
		return nil, err
	}
	if err := copyFile(filepath.Join(req.ClientDirectory, cdist.VersionDescriptorName), filepath.Join(versionDir, mc+".json")); err != nil {
		return nil, err
	}

	staged := make(map[string]bool)
	src := filepath.Join(req.ClientDirectory, "libraries")
	if _, err := os.Stat(src); err == nil {
		err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(src, p)
			if err != nil {
				return err
			}
			staged[filepath.ToSlash(rel)] = true
			return copyFile(p, filepath.Join(workspace, "libraries", rel))
		})
		if err != nil {
			return nil, fmt.Errorf("copying libraries: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(workspace, "launcher_profiles.json"), []byte(launcherProfiles), 0644); err != nil {
		return nil, fmt.Errorf("writing launcher profiles: %w", err)
	}
	return staged, nil
}

// launcherProfiles satisfies installers that refuse to run outside a
// launcher directory.
const launcherProfiles = `{
  "profiles": {},
  "selectedProfile": "",
  "clientToken": "",
  "authenticationDatabase": {},
  "launcherVersion": {"name": "cdist", "format": 21}
}
`

// relocate copies the produced jar, descriptor and new libraries into the
// client directory.
func relocate(workspace string, req Request, staged map[string]bool) (*Result, error) {
	id := req.VersionID()
	versionDir := filepath.Join(workspace, "versions", id)
	res := &Result{VersionID: id}

	jar := filepath.Join(versionDir, id+".jar")
	if _, err := os.Stat(jar); err == nil {
		if err := copyFile(jar, filepath.Join(req.ClientDirectory, cdist.ClientJarName)); err != nil {
			return nil, err
		}
		res.ClientJar = true
	}

	descriptor := filepath.Join(versionDir, id+".json")
	if _, err := os.Stat(descriptor); err != nil {
		return nil, fmt.Errorf("%w: %s has no %s.json", ErrOutputNotFound, id, id)
	}
	if err := copyFile(descriptor, filepath.Join(req.ClientDirectory, cdist.VersionDescriptorName)); err != nil {
		return nil, err
	}

	libs := filepath.Join(workspace, "libraries")
	if _, err := os.Stat(libs); err != nil {
		return res, nil
	}
	err := filepath.WalkDir(libs, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(libs, p)
		if err != nil {
			return err
		}
		if staged[filepath.ToSlash(rel)] {
			return nil
		}
		if err := copyFile(p, filepath.Join(req.ClientDirectory, "libraries", rel)); err != nil {
			return err
		}
		res.LibrariesCopied++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("copying installed libraries: %w", err)
	}
	return res, nil
}

func listVersions(workspace string) []string {
	entries, err := os.ReadDir(filepath.Join(workspace, "versions"))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// copyFile writes src to dst through a temp file in dst's directory.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("setting permissions: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming into %s: %w", dst, err)
	}
	return nil
}
