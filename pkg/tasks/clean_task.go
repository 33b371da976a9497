package tasks

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/compiledb"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/posix"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/thirdparty"
)

// RunClean removes build products. Options.Thirdparty and Options.All widen the scope to the extracted
// dependencies and to every cache respectively.
func RunClean(ctx context.Context, env *Env, opts Options) error {
	err := env.run(ctx, "clean", func(ctx context.Context) error {
		if _, ok := env.Tasks["clean"]; ok {
			err := buildsys.RunTask(ctx, env.Tasks, "clean", env.runOptions(opts))
			if err != nil {
				return err
			}
		}

		paths, err := env.cleanPaths(ctx, opts)
		if err != nil {
			return err
		}

		err = env.removePaths(ctx, paths, opts.DryRun)
		if err != nil {
			return err
		}

		if opts.Thirdparty && !opts.DryRun {
			return env.State.ClearStamps(ctx)
		}
		return nil
	})
	if err != nil || !opts.All {
		return err
	}

	// The lock and the history live in the state directory so it can only go once we're done with them.
	cfg := env.Config
	paths := []string{cfg.DownloadCache(), cfg.StatePath()}
	if !opts.DryRun {
		err = env.Close()
		if err != nil {
			return eris.Wrap(err, "failed to close the state database")
		}
	}

	return env.removePaths(ctx, paths, opts.DryRun)
}

func (e *Env) cleanPaths(ctx context.Context, opts Options) ([]string, error) {
	cfg := e.Config
	paths := []string{
		cfg.BuildDir(),
		cfg.OutputDir(),
		filepath.Join(e.Root, compiledb.FileName),
		e.TaskCachePath(),
	}

	for _, pattern := range cfg.Clean.Paths {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(e.Root, pattern)
		}

		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid clean pattern %s", pattern)
		}
		paths = append(paths, matches...)
	}

	if opts.Thirdparty {
		dests, err := e.thirdpartyDests()
		if err != nil {
			return nil, err
		}
		paths = append(paths, dests...)
	}

	return paths, nil
}

func (e *Env) thirdpartyDests() ([]string, error) {
	withManifest, err := e.hasManifest()
	if err != nil || !withManifest {
		return nil, err
	}

	m, err := thirdparty.LoadManifest(e.Config.ManifestPath())
	if err != nil {
		return nil, err
	}

	dests := make([]string, 0, len(m.Deps))
	for _, dep := range m.Deps {
		dests = append(dests, thirdparty.DestPath(e.Root, dep))
	}
	sort.Strings(dests)
	return dests, nil
}

// containsRoot reports whether removing path would delete root.
func containsRoot(root, path string) bool {
	rel, err := filepath.Rel(path, root)
	return err == nil && filepath.IsLocal(rel)
}

// within reports whether path is base or located below it.
func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	return err == nil && (rel == "." || filepath.IsLocal(rel))
}

// checkRemovable rejects paths outside the project. The configured build, output, cache and state
// directories may live elsewhere.
func (e *Env) checkRemovable(path string) error {
	if containsRoot(e.Root, path) {
		return eris.Errorf("refusing to remove %s since it contains the project root", path)
	}

	cfg := e.Config
	for _, base := range []string{e.Root, cfg.BuildDir(), cfg.OutputDir(), cfg.DownloadCache(), cfg.StatePath()} {
		if within(base, path) {
			return nil
		}
	}
	return eris.Errorf("refusing to remove %s since it is outside the project", path)
}

// removePaths checks every path before removing anything.
func (e *Env) removePaths(ctx context.Context, paths []string, dryRun bool) error {
	seen := map[string]bool{}
	targets := make([]string, 0, len(paths))
	for _, path := range paths {
		path = filepath.Clean(path)
		if seen[path] {
			continue
		}
		seen[path] = true

		err := e.checkRemovable(path)
		if err != nil {
			return err
		}
		targets = append(targets, path)
	}

	for _, path := range targets {
		buildsys.Log(ctx).Info().Bool("command", true).Msgf("rm -rf %s", path)
		if dryRun {
			continue
		}

		err := posix.Remove([]string{path}, true, true)
		if err != nil {
			return err
		}
	}

	return nil
}
