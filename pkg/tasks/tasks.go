// Package tasks contains the lifecycle entry points the CLI dispatches to: build, download_thirdparty,
// clean and test.
package tasks

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/config"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/state"
)

// EntryPoint performs one lifecycle action.
type EntryPoint func(ctx context.Context, env *Env, opts Options) error

type Options struct {
	DryRun bool
	// Force re-runs steps even if their outputs are up to date.
	Force bool
	// Jobs overrides build.jobs when > 0.
	Jobs      int
	Targets   []string
	BuildType string
	// Filter is passed to ctest -R.
	Filter string
	// Only limits the third-party deps to the listed names.
	Only []string
	// Update recomputes third-party checksums and writes them to the manifest.
	Update         bool
	SkipThirdparty bool
	// NoBuild runs the tests without building first.
	NoBuild bool
	// All makes clean remove the download cache and the state directory as well.
	All bool
	// Thirdparty makes clean remove extracted dependencies and their stamps.
	Thirdparty bool
	// Repeat reruns failed tests up to N times.
	Repeat int
	// Watch keeps rebuilding on source changes until the context is cancelled.
	Watch bool
}

var entryPoints = map[string]EntryPoint{
	"build":               RunBuild,
	"download_thirdparty": DownloadThirdparty,
	"clean":               RunClean,
	"test":                RunTest,
}

var aliases = map[string]string{
	"thirdparty": "download_thirdparty",
	"download":   "download_thirdparty",
}

// EntryPoints returns the registered entry points keyed by name.
func EntryPoints() map[string]EntryPoint {
	result := make(map[string]EntryPoint, len(entryPoints))
	for name, fn := range entryPoints {
		result[name] = fn
	}
	return result
}

// Names returns the sorted entry point names (without aliases).
func Names() []string {
	names := make([]string, 0, len(entryPoints))
	for name := range entryPoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves an entry point by name or alias.
func Lookup(name string) (EntryPoint, bool) {
	if target, ok := aliases[name]; ok {
		name = target
	}

	fn, ok := entryPoints[name]
	return fn, ok
}

// Env bundles everything the entry points share.
type Env struct {
	Root   string
	Config *config.Config
	State  *state.Store
	// Tasks holds the tasks declared in the project's task script. It may be empty.
	Tasks  buildsys.TaskList
	Stdout io.Writer
	Stderr io.Writer
	// Args is recorded in the run history.
	Args []string
}

// NewEnv opens the state database and loads the project's task script (if there is one).
func NewEnv(ctx context.Context, cfg *config.Config, scriptOptions map[string]string) (*Env, error) {
	store, err := state.Open(ctx, cfg.StatePath("state.db"))
	if err != nil {
		return nil, err
	}

	env := &Env{
		Root:   cfg.Root,
		Config: cfg,
		State:  store,
		Tasks:  buildsys.TaskList{},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	tasksFile := cfg.Path(cfg.TasksFile)
	_, err = os.Stat(tasksFile)
	switch {
	case err == nil:
		env.Tasks, err = buildsys.Parse(ctx, tasksFile, cfg.Root, scriptOptions, env.TaskCachePath())
		if err != nil {
			store.Close()
			return nil, eris.Wrapf(err, "failed to load %s", tasksFile)
		}
	case !errors.Is(err, os.ErrNotExist):
		store.Close()
		return nil, eris.Wrapf(err, "failed to check %s", tasksFile)
	case len(scriptOptions) > 0:
		store.Close()
		return nil, eris.Errorf("options were passed but %s doesn't exist", tasksFile)
	}

	return env, nil
}

func (e *Env) Close() error {
	if e.State == nil {
		return nil
	}

	err := e.State.Close()
	e.State = nil
	return err
}

// TaskCachePath is where the parsed task script is cached.
func (e *Env) TaskCachePath() string {
	return e.Config.StatePath("tasks.cache")
}

func (e *Env) runOptions(opts Options) buildsys.RunOptions {
	return buildsys.RunOptions{
		ProjectRoot: e.Root,
		DryRun:      opts.DryRun,
		Force:       opts.Force,
		Stdout:      e.Stdout,
		Stderr:      e.Stderr,
	}
}

type lockHeldKey struct{}

// run executes fn while holding the workspace lock and records the outcome in the run history. Nested
// calls (i.e. test running the build) reuse the outer lock and record nothing.
func (e *Env) run(ctx context.Context, name string, fn func(context.Context) error) error {
	if ctx.Value(lockHeldKey{}) != nil {
		return fn(ctx)
	}

	lock, err := acquireLock(ctx, e.Config.StatePath(LockFile))
	if err != nil {
		return err
	}
	defer lock.Unlock()

	logger := buildsys.Log(ctx).With().Str("entry", name).Logger()
	ctx = buildsys.WithLogger(ctx, &logger)
	ctx = context.WithValue(ctx, lockHeldKey{}, true)

	started := time.Now()
	err = fn(ctx)
	duration := time.Since(started)

	if err == nil {
		logger.Info().Dur("took", duration).Msgf("%s finished in %s", name, duration.Round(time.Millisecond))
	}

	// clean --all removes the database
	if e.State != nil {
		run := state.Run{
			Task:     name,
			Args:     e.Args,
			Started:  started,
			Duration: duration,
			Success:  err == nil,
		}
		if err != nil {
			run.Error = err.Error()
		}

		_, recordErr := e.State.RecordRun(context.Background(), run)
		if recordErr != nil {
			logger.Warn().Err(recordErr).Msg("failed to record run")
		}
	}

	return err
}

// TaskList returns the lifecycle tasks merged with the tasks from the task script.
func (e *Env) TaskList(ctx context.Context, opts Options) (buildsys.TaskList, error) {
	return e.lifecycleTasks(ctx, opts)
}

// RunTasks runs lifecycle or script tasks by name. Names of entry points dispatch to the entry point
// instead.
func RunTasks(ctx context.Context, env *Env, names []string, opts Options) error {
	for _, name := range names {
		if fn, ok := Lookup(name); ok {
			err := fn(ctx, env, opts)
			if err != nil {
				return err
			}
			continue
		}

		err := env.run(ctx, name, func(ctx context.Context) error {
			list, err := env.lifecycleTasks(ctx, opts)
			if err != nil {
				return err
			}

			return buildsys.RunTask(ctx, list, name, env.runOptions(opts))
		})
		if err != nil {
			return err
		}
	}

	return nil
}
