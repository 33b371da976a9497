package buildsys

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/posix"
)

// RunOptions control a single RunTask call.
type RunOptions struct {
	ProjectRoot string
	// DryRun only logs the commands that would run.
	DryRun bool
	// Force skips the freshness checks for the requested task (not its dependencies).
	Force bool
	// Env is added to every task's environment. Task level values win.
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		runTasks map[string]bool
		tasks    TaskList
		opts     RunOptions
	}
)

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	return ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
}

func getTaskEnv(task *Task, extra map[string]string) expand.Environ {
	overrides := make(map[string]string, len(extra)+len(task.Env))
	for name, value := range extra {
		overrides[name] = value
	}
	for name, value := range task.Env {
		overrides[name] = value
	}

	return expand.ListEnviron(mergeEnv(os.Environ(), overrides)...)
}

// builtinMiddleware runs rm, mv and mkdir in-process to make sure they behave consistently across platforms.
func builtinMiddleware(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) > 0 && posix.IsBuiltin(args[0]) {
			hc := interp.HandlerCtx(ctx)
			return posix.Run(hc.Dir, args, hc.Stderr)
		}

		return next(ctx, args)
	}
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// resolvePatternLists expands the glob patterns relative to base. Plain paths are returned as-is even
// if they don't exist; patterns that match nothing are dropped.
func resolvePatternLists(projectRoot, base string, patterns []string) ([]string, error) {
	result := []string{}

	for _, item := range patterns {
		item = normalizePath(projectRoot, base, item)
		if !hasGlobMeta(item) {
			result = append(result, item)
			continue
		}

		matches, err := doublestar.FilepathGlob(item)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", item)
		}
		result = append(result, matches...)
	}

	return result, nil
}

// RunTask executes the named task and its dependencies. Each task runs at most once per call.
func RunTask(ctx context.Context, tasks TaskList, name string, opts RunOptions) error {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	if opts.ProjectRoot == "" {
		opts.ProjectRoot = "."
	}
	root, err := filepath.Abs(opts.ProjectRoot)
	if err != nil {
		return eris.Wrap(err, "failed to resolve project root")
	}
	opts.ProjectRoot = root

	rctx := runtimeCtx{
		runTasks: make(map[string]bool),
		tasks:    tasks,
		opts:     opts,
	}

	ctx = context.WithValue(ctx, runtimeCtxKey{}, &rctx)
	taskMeta, found := tasks[name]
	if !found {
		return TaskNotFound{Name: name}
	}

	return runTaskInternal(ctx, taskMeta, opts.Force, true)
}

func shouldSkip(ctx context.Context, task *Task) (bool, error) {
	rctx := getRuntimeCtx(ctx)
	root := rctx.opts.ProjectRoot

	skipList, err := resolvePatternLists(root, task.Base, task.SkipIfExists)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve skip_if_exists list")
	}

	found := 0
	for _, item := range skipList {
		exists, err := fileExists(item)
		if err != nil {
			return false, err
		}
		if exists {
			found++
		}
	}

	if found > 0 && found == len(skipList) {
		log(ctx).Info().
			Str("task", task.Short).
			Msg("skipped because all skip files exist")
		return true, nil
	}

	return false, nil
}

func isUpToDate(ctx context.Context, task *Task) (bool, error) {
	rctx := getRuntimeCtx(ctx)
	root := rctx.opts.ProjectRoot

	inputList, err := resolvePatternLists(root, task.Base, task.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	var newestInput time.Time
	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() {
		return false, nil
	}

	outputList, err := resolvePatternLists(root, task.Base, task.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve output list")
	}

	var newestOutput time.Time
	oldestOutput := time.Now()
	missing := 0

	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return false, eris.Wrapf(err, "failed to check output %s", item)
			}
			missing++
			continue
		}

		mt := info.ModTime()
		if mt.After(newestOutput) {
			newestOutput = mt
		}
		if mt.Before(oldestOutput) {
			oldestOutput = mt
		}
	}

	if missing > 0 || newestOutput.IsZero() {
		return false, nil
	}

	if newestOutput.Sub(oldestOutput) > 10*time.Minute {
		log(ctx).Warn().
			Str("task", task.Short).
			Msgf("oldest output is %.1f minutes older than the newest output", newestOutput.Sub(oldestOutput).Minutes())
	}

	if oldestOutput.After(newestInput) {
		log(ctx).Info().
			Str("task", task.Short).
			Msgf("nothing to do (output is %.1f seconds newer)", oldestOutput.Sub(newestInput).Seconds())
		return true, nil
	}

	return false, nil
}

func newShellRunner(task *Task, opts RunOptions) (*interp.Runner, error) {
	base := task.Base
	if base == "" {
		base = opts.ProjectRoot
	}

	return interp.New(
		interp.Dir(base),
		interp.Env(getTaskEnv(task, opts.Env)),
		interp.ExecHandlers(builtinMiddleware),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, opts.Stdout, opts.Stderr),
		interp.Params("-e"),
	)
}

func runTaskInternal(ctx context.Context, task *Task, force, canSkip bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rctx := getRuntimeCtx(ctx)
	status, ok := rctx.runTasks[task.Short]
	if ok {
		if status {
			log(ctx).Debug().Msgf("task %s already run", task.Short)
			return nil
		}

		return RecursionError{Name: task.Short}
	}

	rctx.runTasks[task.Short] = false

	for _, dep := range task.Deps {
		depTask, ok := rctx.tasks[dep]
		if !ok {
			return eris.Wrapf(TaskNotFound{Name: dep}, "task %s failed", task.Short)
		}

		err := runTaskInternal(ctx, depTask, false, true)
		if err != nil {
			return eris.Wrapf(err, "task %s failed due to its dependency %s", task.Short, dep)
		}
	}

	if canSkip && !force {
		skip, err := shouldSkip(ctx, task)
		if err != nil {
			return err
		}

		if !skip {
			skip, err = isUpToDate(ctx, task)
			if err != nil {
				return err
			}
		}

		if skip {
			rctx.runTasks[task.Short] = true
			return nil
		}
	}

	// With the skip and input/output checks done, we can finally start executing
	runner, err := newShellRunner(task, rctx.opts)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	strBuffer := strings.Builder{}

	for _, item := range task.Cmds {
		switch item := item.(type) {
		case TaskCmdFunc:
			log(ctx).Info().
				Str("task", task.Short).
				Bool("command", true).
				Msg(item.Name)

			if !rctx.opts.DryRun {
				err = item.Fn(ctx)
				if err != nil {
					return eris.Wrapf(err, "step %s of task %s failed", item.Name, task.Short)
				}
			}
			continue
		}

		stmts, err := item.ToShellStmts(parser)
		if err != nil {
			return eris.Wrap(err, "failed to parse shell script")
		}

		if stmts != nil {
			for _, stm := range stmts {
				strBuffer.Reset()
				err = printer.Print(&strBuffer, stm)
				if err != nil {
					return eris.Wrap(err, "failed to print shell statement")
				}

				log(ctx).Info().
					Str("task", task.Short).
					Bool("command", true).
					Msg(strBuffer.String())

				if rctx.opts.DryRun {
					continue
				}

				err = runner.Run(ctx, stm)
				if err != nil {
					return eris.Wrapf(err, "command failed in task %s", task.Short)
				}

				if runner.Exited() {
					rctx.runTasks[task.Short] = true
					return nil
				}
			}
		} else {
			subTask, err := item.ToTask()
			if err != nil {
				return eris.Wrap(err, "failed to retrieve task ref")
			}

			if subTask == nil {
				return eris.Errorf("unexpected task command %+v", item)
			}

			err = runTaskInternal(ctx, subTask, force, true)
			if err != nil {
				return err
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	rctx.runTasks[task.Short] = true
	return nil
}

// Command runs a single command in dir with the interpreter setup tasks use. A nil writer discards
// the output.
func Command(ctx context.Context, dir string, env map[string]string, stdout, stderr io.Writer, args ...string) error {
	line, err := FormatCommand(args...)
	if err != nil {
		return err
	}

	file, err := syntax.NewParser().Parse(strings.NewReader(line), "")
	if err != nil {
		return eris.Wrapf(err, "failed to parse %s", line)
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(mergeEnv(os.Environ(), env)...)),
		interp.ExecHandlers(builtinMiddleware),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, stdout, stderr),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	log(ctx).Debug().Bool("command", true).Str("path", dir).Msg(line)
	err = runner.Run(ctx, file)
	if err != nil {
		return eris.Wrapf(err, "command %s failed", line)
	}
	return nil
}

// LookPath resolves name the same way the task interpreter does.
func LookPath(name string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	return interp.LookPathDir(cwd, expand.ListEnviron(os.Environ()...), name)
}
