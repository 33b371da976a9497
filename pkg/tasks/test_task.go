package tasks

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
)

func (e *Env) junitPath(s buildSettings) string {
	junit := e.Config.Test.Junit
	if junit == "" || filepath.IsAbs(junit) {
		return junit
	}
	return filepath.Join(s.dir, junit)
}

func (e *Env) ctestArgs(s buildSettings, opts Options) []string {
	args := []string{
		"ctest", "--test-dir", s.dir, "--output-on-failure",
		"--parallel", strconv.Itoa(s.jobs),
	}

	if opts.Filter != "" {
		args = append(args, "-R", opts.Filter)
	}
	if opts.Repeat > 0 {
		args = append(args, "--repeat", "until-pass:"+strconv.Itoa(opts.Repeat))
	}
	if timeout := e.Config.Test.Timeout; timeout > 0 {
		// ctest takes whole seconds and treats 0 as no timeout
		args = append(args, "--timeout", strconv.Itoa(int(math.Ceil(timeout.Seconds()))))
	}
	if junit := e.junitPath(s); junit != "" {
		args = append(args, "--output-junit", junit)
	}

	return args
}

// testTask runs ctest (or test.command) and evaluates the JUnit report afterwards.
func (e *Env) testTask(s buildSettings, opts Options) (*buildsys.Task, error) {
	junit := e.junitPath(s)
	env := s.buildEnv()
	env["TEST_FILTER"] = opts.Filter
	env["JUNIT_FILE"] = junit

	task := &buildsys.Task{
		Short: "test",
		Desc:  "Runs the test suite",
		Base:  e.Root,
		Env:   env,
	}
	if !opts.NoBuild {
		task.Deps = []string{"build"}
	}

	removeStale := buildsys.TaskCmdFunc{Name: "remove stale test report", Fn: func(ctx context.Context) error {
		if junit == "" {
			return nil
		}
		err := os.Remove(junit)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return eris.Wrapf(err, "failed to remove %s", junit)
		}
		return nil
	}}

	if e.Config.Test.Command != "" {
		task.Cmds = []buildsys.TaskCmd{
			removeStale,
			buildsys.TaskCmdScript{Content: e.Config.Test.Command},
			buildsys.TaskCmdFunc{Name: "evaluate test report", Fn: func(ctx context.Context) error {
				return reportTests(ctx, junit, nil)
			}},
		}
		return task, nil
	}

	args := e.ctestArgs(s, opts)
	task.Cmds = []buildsys.TaskCmd{
		removeStale,
		buildsys.TaskCmdFunc{Name: "ctest", Fn: func(ctx context.Context) error {
			err := buildsys.Command(ctx, e.Root, env, e.Stdout, e.Stderr, args...)
			return reportTests(ctx, junit, err)
		}},
	}
	return task, nil
}

// reportTests logs the JUnit summary. Failures found in the report replace runErr since they are more
// useful than ctest's exit status.
func reportTests(ctx context.Context, junit string, runErr error) error {
	if junit == "" {
		return runErr
	}

	if _, err := os.Stat(junit); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if runErr == nil {
				buildsys.Log(ctx).Warn().Str("path", junit).Msg("no test report was written")
			}
			return runErr
		}
		return eris.Wrapf(err, "failed to check %s", junit)
	}

	report, err := readJUnit(junit)
	if err != nil {
		return err
	}

	buildsys.Log(ctx).Info().
		Int("total", report.Total).
		Int("failed", len(report.Failures)).
		Int("skipped", report.Skipped).
		Msgf("%d tests, %d failed, %d skipped", report.Total, len(report.Failures), report.Skipped)

	if err := report.Err(); err != nil {
		return err
	}
	return runErr
}

// RunTest builds the project (unless Options.NoBuild is set) and runs the test suite.
func RunTest(ctx context.Context, env *Env, opts Options) error {
	return env.run(ctx, "test", func(ctx context.Context) error {
		list, err := env.lifecycleTasks(ctx, opts)
		if err != nil {
			return err
		}

		return buildsys.RunTask(ctx, list, "test", env.runOptions(opts))
	})
}
