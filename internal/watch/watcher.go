// Package watch keeps the catalog in step with the updates root while it
// changes. Each top-level client directory gets its own debounce timer, and
// removals are applied to the catalog as soon as they are seen.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"cdist-go/internal/cdist"
	cdistfs "cdist-go/internal/fs"
)

const (
	defaultDebounce = 2 * time.Second
	defaultMaxDepth = 8
)

// Reconciler is the catalog side of the watcher. *cdist.Service satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, clientDirectory string) (*cdist.SyncResult, error)
	RemoveFile(ctx context.Context, clientDirectory, filePath string) error
	BundleDirectories() ([]string, error)
}

// Config holds the parameters for a Watcher.
type Config struct {
	// Root is the updates root. Its immediate subdirectories are the keys
	// reconciliation is scheduled by.
	Root string

	// Debounce is the quiet period after the last event for a key before
	// that key is reconciled. Zero falls back to two seconds.
	Debounce time.Duration

	// MaxDepth bounds how far below Root directories are watched. Zero
	// falls back to 8.
	MaxDepth int

	// Ignore holds extra doublestar patterns, relative to a client directory.
	Ignore []string

	Logger cdist.Logger

	// OnReconcile, when set, is called after every reconciliation.
	OnReconcile func(clientDirectory string, result *cdist.SyncResult, err error)
}

// Watcher drives a Reconciler from filesystem events. Run must be called
// exactly once.
type Watcher struct {
	cfg      Config
	rec      Reconciler
	fsw      *fsnotify.Watcher
	root     string
	ignore   *cdistfs.IgnoreMatcher
	logger   cdist.Logger
	debounce time.Duration
	maxDepth int
	started  atomic.Bool

	mu     sync.Mutex
	timers map[string]*time.Timer
	locks  map[string]*sync.Mutex
	// dirs holds the client directories currently watched, by key.
	dirs map[string]struct{}
	wg   sync.WaitGroup
}

// New creates a Watcher and registers every eligible directory under Root.
func New(cfg Config, rec Reconciler) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("watch: root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch: root is not a directory: %s", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		rec:      rec,
		fsw:      fsw,
		root:     root,
		ignore:   cdistfs.NewDefaultIgnoreMatcher(cfg.Ignore),
		logger:   cfg.Logger,
		debounce: cfg.Debounce,
		maxDepth: cfg.MaxDepth,
		timers:   make(map[string]*time.Timer),
		locks:    make(map[string]*sync.Mutex),
		dirs:     make(map[string]struct{}),
	}
	if w.logger == nil {
		w.logger = cdist.NewNopLogger()
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}
	if w.maxDepth <= 0 {
		w.maxDepth = defaultMaxDepth
	}

	if err := w.addDirectories(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run reconciles every existing bundle, then processes events until ctx is
// cancelled. Pending timers are cancelled and in-flight work is awaited
// before Run returns. A fatal watcher error is returned; cancellation is not
// an error.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("watch: Run called more than once")
	}
	defer w.shutdown()

	dirs, err := w.rec.BundleDirectories()
	if err != nil {
		w.logger.Warn("listing bundles for initial pass failed", "error", err)
	}
	for _, dir := range dirs {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.reconcile(ctx, dir)
		}()
	}
	w.logger.Info("watching updates root", "root", w.root, "bundles", len(dirs), "debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watch: fsnotify event channel closed unexpectedly")
			}
			w.handle(ctx, evt)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watch: fsnotify error channel closed unexpectedly")
			}
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, evt fsnotify.Event) {
	key, rel, ok := w.split(evt.Name)
	if !ok {
		return
	}

	switch {
	case evt.Has(fsnotify.Remove), evt.Has(fsnotify.Rename):
		if rel == "" {
			// A removed root entry that was never watched was a plain file.
			if w.forgetClientDir(key) {
				w.logger.Warn("client directory removed; catalog rows kept", "directory", key)
			}
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.remove(ctx, key, rel)
		}()

	case evt.Has(fsnotify.Create):
		w.maybeAddDir(evt.Name)
		w.schedule(ctx, key)

	case evt.Has(fsnotify.Write):
		w.schedule(ctx, key)
	}
}

// split maps an event path to its client directory key and the path inside
// it. ok is false for paths the watcher does not track.
func (w *Watcher) split(name string) (key, rel string, ok bool) {
	r, err := filepath.Rel(w.root, name)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(r), "/")
	key = parts[0]
	if key == cdist.AssetsDirectory || cdistfs.IsHousekeeping(key) {
		return "", "", false
	}
	if len(parts) > w.maxDepth {
		return "", "", false
	}
	for _, p := range parts[1:] {
		if cdistfs.IsHousekeeping(p) {
			return "", "", false
		}
	}
	rel = strings.Join(parts[1:], "/")
	if rel == "" {
		// A plain file directly in the root is not a client directory.
		if info, err := os.Stat(name); err == nil && !info.IsDir() {
			return "", "", false
		}
		return key, "", true
	}
	if w.ignore.Match(rel) {
		return "", "", false
	}
	return key, rel, true
}

// schedule arms the debounce timer for key, replacing any pending one.
func (w *Watcher) schedule(ctx context.Context, key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if t, ok := w.timers[key]; ok && t.Stop() {
		w.wg.Done()
	}

	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[key] == t {
			delete(w.timers, key)
		}
		w.mu.Unlock()
		w.reconcile(ctx, key)
	})
	w.timers[key] = t
}

func (w *Watcher) keyLock(key string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[key]
	if !ok {
		l = &sync.Mutex{}
		w.locks[key] = l
	}
	return l
}

func (w *Watcher) reconcile(ctx context.Context, key string) {
	if ctx.Err() != nil {
		return
	}
	l := w.keyLock(key)
	l.Lock()
	defer l.Unlock()

	result, err := w.rec.Reconcile(ctx, key)
	if err != nil {
		w.logger.Error("reconcile failed", "directory", key, "error", err)
	} else {
		w.logger.Info("reconciled", "directory", key, "added", result.Added, "updated", result.Updated, "errors", result.Errors)
	}
	if w.cfg.OnReconcile != nil {
		w.cfg.OnReconcile(key, result, err)
	}
}

func (w *Watcher) remove(ctx context.Context, key, rel string) {
	l := w.keyLock(key)
	l.Lock()
	err := w.rec.RemoveFile(ctx, key, rel)
	l.Unlock()

	if err != nil {
		w.logger.Error("removing file from catalog failed", "directory", key, "path", rel, "error", err)
	}
	w.schedule(ctx, key)
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	for key, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, key)
	}
	w.mu.Unlock()

	w.wg.Wait()
	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("closing fsnotify watcher", "error", err)
	}
}

// addDirectories registers dir and every eligible directory below it.
func (w *Watcher) addDirectories(dir string) error {
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping inaccessible path", "path", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if !w.eligibleDir(p) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", p, err)
		}
		if filepath.Dir(p) == w.root {
			w.mu.Lock()
			w.dirs[filepath.Base(p)] = struct{}{}
			w.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk directory tree: %w", err)
	}
	return nil
}

// forgetClientDir drops key from the watched client directories and reports
// whether it was one.
func (w *Watcher) forgetClientDir(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.dirs[key]
	delete(w.dirs, key)
	return ok
}

// maybeAddDir registers a directory created after startup together with
// anything already inside it.
func (w *Watcher) maybeAddDir(p string) {
	info, err := os.Stat(p)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addDirectories(p); err != nil {
		w.logger.Warn("watching new directory failed", "path", p, "error", err)
	}
}

func (w *Watcher) eligibleDir(p string) bool {
	r, err := filepath.Rel(w.root, p)
	if err != nil {
		return false
	}
	if r == "." {
		return true
	}
	parts := strings.Split(filepath.ToSlash(r), "/")
	if len(parts) >= w.maxDepth {
		return false
	}
	if parts[0] == cdist.AssetsDirectory {
		return false
	}
	for _, part := range parts {
		if cdistfs.IsHousekeeping(part) {
			return false
		}
	}
	if len(parts) > 1 && w.ignore.Match(strings.Join(parts[1:], "/")) {
		return false
	}
	return true
}
