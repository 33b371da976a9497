// Package watch re-runs a callback whenever files matching a set of glob patterns change.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
)

const DefaultDebounce = 500 * time.Millisecond

var defaultIgnores = []string{
	".git",
	"**/.git/**",
	"**/*.swp",
	"**/*~",
	"**/.DS_Store",
}

type Config struct {
	// BaseDir is the directory patterns are relative to.
	BaseDir string
	// Patterns select the files that trigger a run. An empty list matches everything.
	Patterns []string
	// Ignore lists additional directories or patterns relative to BaseDir which are never watched.
	Ignore   []string
	Debounce time.Duration
	OnChange func(ctx context.Context, changed []string) error
}

type Watcher struct {
	cfg     Config
	fsw     *fsnotify.Watcher
	ignores []string
}

func New(cfg Config) (*Watcher, error) {
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve base directory")
	}
	cfg.BaseDir = base

	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	ignores := append([]string{}, defaultIgnores...)
	for _, item := range cfg.Ignore {
		item = filepath.ToSlash(item)
		if filepath.IsAbs(filepath.FromSlash(item)) {
			rel, err := filepath.Rel(base, filepath.FromSlash(item))
			if err != nil || !filepath.IsLocal(rel) {
				continue
			}
			item = filepath.ToSlash(rel)
		}

		item = strings.TrimSuffix(item, "/")
		ignores = append(ignores, item, item+"/**")
	}

	for _, pattern := range append(append([]string{}, cfg.Patterns...), ignores...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, eris.Errorf("invalid pattern %q", pattern)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, eris.Wrap(err, "failed to create watcher")
	}

	w := &Watcher{cfg: cfg, fsw: fsw, ignores: ignores}
	err = w.addDirectories()
	if err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.cfg.BaseDir, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
			return true
		}
	}
	return false
}

func (w *Watcher) isIgnored(rel string) bool {
	return matchAny(w.ignores, rel)
}

func (w *Watcher) matches(rel string) bool {
	return len(w.cfg.Patterns) == 0 || matchAny(w.cfg.Patterns, rel)
}

func (w *Watcher) addDirectories() error {
	return filepath.WalkDir(w.cfg.BaseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// unreadable directories are skipped
			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if path != w.cfg.BaseDir && w.isIgnored(w.rel(path)) {
			return filepath.SkipDir
		}

		err = w.fsw.Add(path)
		if err != nil {
			return eris.Wrapf(err, "failed to watch %s", path)
		}
		return nil
	})
}

// Run processes events until ctx is cancelled. Events arriving within the debounce window are passed to
// OnChange as one batch. OnChange never runs concurrently with itself; changes that arrive while it runs
// trigger another run afterwards.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var (
		lock    sync.Mutex
		pending = map[string]bool{}
		trigger = make(chan struct{}, 1)
		timer   *time.Timer
	)

	stop := make(chan struct{})
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		for {
			select {
			case <-stop:
				return
			case <-trigger:
			}

			lock.Lock()
			changed := make([]string, 0, len(pending))
			for item := range pending {
				changed = append(changed, item)
			}
			pending = map[string]bool{}
			lock.Unlock()

			if len(changed) == 0 || ctx.Err() != nil {
				continue
			}
			sort.Strings(changed)

			buildsys.Log(ctx).Info().Strs("changed", changed).Msg("change detected")
			if w.cfg.OnChange != nil {
				err := w.cfg.OnChange(ctx, changed)
				if err != nil && ctx.Err() == nil {
					buildsys.Log(ctx).Error().Err(err).Msg("run failed")
				}
			}
		}
	}()

	fire := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	defer func() {
		lock.Lock()
		if timer != nil {
			timer.Stop()
		}
		lock.Unlock()
		close(stop)
		<-runDone
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return eris.New("watcher event channel closed unexpectedly")
			}

			rel := w.rel(evt.Name)
			if w.isIgnored(rel) {
				continue
			}

			if evt.Has(fsnotify.Create) {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					err = w.fsw.Add(evt.Name)
					if err != nil {
						buildsys.Log(ctx).Warn().Err(err).Str("path", evt.Name).Msg("failed to watch new directory")
					}
				}
			}

			if !w.matches(rel) {
				continue
			}

			lock.Lock()
			pending[rel] = true
			if timer == nil {
				timer = time.AfterFunc(w.cfg.Debounce, fire)
			} else {
				timer.Reset(w.cfg.Debounce)
			}
			lock.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return eris.New("watcher error channel closed unexpectedly")
			}
			buildsys.Log(ctx).Warn().Err(err).Msg("watcher error")
		}
	}
}
