package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/compiledb"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/config"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/thirdparty"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/watch"
)

// metaConfigure holds the cmake command line of the last successful configure run.
const metaConfigure = "configure_command"

// buildSettings are the effective values after applying the CLI overrides to the config.
type buildSettings struct {
	dir       string
	output    string
	buildType string
	generator string
	jobs      int
	targets   []string
}

func (e *Env) buildSettings(opts Options) (buildSettings, error) {
	cfg := e.Config
	s := buildSettings{
		dir:       cfg.BuildDir(),
		output:    cfg.OutputDir(),
		buildType: cfg.Build.Type,
		generator: cfg.Build.Generator,
		jobs:      cfg.Jobs(),
		targets:   cfg.Build.Targets,
	}

	if opts.BuildType != "" {
		if !config.IsValidBuildType(opts.BuildType) {
			return s, eris.Errorf("invalid build type %s (must be one of Debug, Release, RelWithDebInfo or MinSizeRel)", opts.BuildType)
		}
		s.buildType = opts.BuildType
	}
	if opts.Jobs > 0 {
		s.jobs = opts.Jobs
	}
	if len(opts.Targets) > 0 {
		s.targets = opts.Targets
	}

	return s, nil
}

// buildEnv is exported to build.command and test.command scripts.
func (s buildSettings) buildEnv() map[string]string {
	return map[string]string{
		"BUILD_DIR":  s.dir,
		"OUTPUT_DIR": s.output,
		"BUILD_TYPE": s.buildType,
		"JOBS":       strconv.Itoa(s.jobs),
	}
}

func (e *Env) configureArgs(s buildSettings) []string {
	cfg := e.Config
	args := []string{
		"cmake", "-S", e.Root, "-B", s.dir, "-G", s.generator,
		"-DCMAKE_BUILD_TYPE=" + s.buildType,
		"-DCMAKE_EXPORT_COMPILE_COMMANDS=ON",
	}

	if cfg.Build.Install {
		args = append(args, "-DCMAKE_INSTALL_PREFIX="+s.output)
	}
	for _, define := range cfg.Build.Defines {
		args = append(args, "-D"+define)
	}
	if cfg.Build.Ccache {
		args = append(args, "-DCMAKE_C_COMPILER_LAUNCHER=ccache", "-DCMAKE_CXX_COMPILER_LAUNCHER=ccache")
	}
	if cfg.Build.Coverage {
		args = append(args, "-DENABLE_COVERAGE=ON")
	}
	if cfg.Build.Sanitizers != "" {
		args = append(args, "-DSANITIZERS="+cfg.Build.Sanitizers)
	}

	return args
}

func compileArgs(s buildSettings) []string {
	args := []string{"cmake", "--build", s.dir, "--parallel", strconv.Itoa(s.jobs)}
	for _, target := range s.targets {
		args = append(args, "--target", target)
	}
	return args
}

func scriptCmd(args ...string) (buildsys.TaskCmd, error) {
	line, err := buildsys.FormatCommand(args...)
	if err != nil {
		return nil, err
	}
	return buildsys.TaskCmdScript{Content: line}, nil
}

func (e *Env) hasManifest() (bool, error) {
	_, err := os.Stat(e.Config.ManifestPath())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, eris.Wrapf(err, "failed to check %s", e.Config.ManifestPath())
}

// needsReconfigure reports whether the cmake command line differs from the one used for the last
// configure run.
func (e *Env) needsReconfigure(ctx context.Context, line string) (bool, error) {
	have, err := e.State.Meta(ctx, metaConfigure)
	if err != nil {
		return false, eris.Wrap(err, "failed to read build settings")
	}

	if have != "" && have != line {
		buildsys.Log(ctx).Info().Str("previous", have).Msg("cmake settings changed, reconfiguring")
		return true, nil
	}
	return false, nil
}

// lifecycleTasks generates the built-in tasks for the current configuration. User tasks from the task
// script are merged in; built-in names win.
func (e *Env) lifecycleTasks(ctx context.Context, opts Options) (buildsys.TaskList, error) {
	cfg := e.Config
	s, err := e.buildSettings(opts)
	if err != nil {
		return nil, err
	}

	for _, dep := range cfg.Build.Deps {
		if _, ok := e.Tasks[dep]; !ok {
			return nil, eris.Wrapf(buildsys.TaskNotFound{Name: dep}, "build.deps refers to an unknown task")
		}
	}

	withManifest, err := e.hasManifest()
	if err != nil {
		return nil, err
	}

	list := buildsys.TaskList{}
	configureDeps := append([]string{}, cfg.Build.Deps...)

	if withManifest {
		list["check_tools"] = &buildsys.Task{
			Short: "check_tools",
			Desc:  "Verifies that the tools listed in the manifest are installed",
			Base:  e.Root,
			Cmds: []buildsys.TaskCmd{buildsys.TaskCmdFunc{Name: "check tools", Fn: func(ctx context.Context) error {
				m, err := thirdparty.LoadManifest(cfg.ManifestPath())
				if err != nil {
					return err
				}
				return thirdparty.CheckTools(ctx, m.Tools)
			}}},
		}
		configureDeps = append(configureDeps, "check_tools")

		thirdpartyTask := &buildsys.Task{
			Short: "thirdparty",
			Desc:  "Downloads and extracts third-party dependencies",
			Base:  e.Root,
			Cmds: []buildsys.TaskCmd{buildsys.TaskCmdFunc{Name: "sync third-party deps", Fn: func(ctx context.Context) error {
				return e.syncThirdparty(ctx, Options{DryRun: opts.DryRun})
			}}},
		}
		list["thirdparty"] = thirdpartyTask
		if !opts.SkipThirdparty {
			configureDeps = append(configureDeps, "thirdparty")
		}
	}

	configureLine, err := buildsys.FormatCommand(e.configureArgs(s)...)
	if err != nil {
		return nil, err
	}

	configure := &buildsys.Task{
		Short:   "configure",
		Desc:    "Generates the build tree with cmake",
		Base:    e.Root,
		Deps:    configureDeps,
		Inputs:  []string{"**/CMakeLists.txt", "cmake/**/*.cmake"},
		Outputs: []string{filepath.Join(s.dir, "CMakeCache.txt")},
		Cmds: []buildsys.TaskCmd{
			buildsys.TaskCmdScript{Content: configureLine},
			buildsys.TaskCmdFunc{Name: "remember build settings", Fn: func(ctx context.Context) error {
				return e.State.SetMeta(ctx, metaConfigure, configureLine)
			}},
		},
	}

	reconfigure, err := e.needsReconfigure(ctx, configureLine)
	if err != nil {
		return nil, err
	}
	if opts.Force || reconfigure {
		// without inputs the task always runs
		configure.Inputs = nil
	}
	list["configure"] = configure

	compile := &buildsys.Task{
		Short: "compile",
		Desc:  "Compiles the configured targets",
		Base:  e.Root,
		Deps:  []string{"configure"},
		Env:   s.buildEnv(),
	}
	if cfg.Build.Command != "" {
		compile.Cmds = []buildsys.TaskCmd{buildsys.TaskCmdScript{Content: cfg.Build.Command}}
	} else {
		cmd, err := scriptCmd(compileArgs(s)...)
		if err != nil {
			return nil, err
		}
		compile.Cmds = []buildsys.TaskCmd{cmd}
	}
	list["compile"] = compile

	buildDeps := []string{"compile"}
	if cfg.Build.Install {
		cmd, err := scriptCmd("cmake", "--install", s.dir, "--prefix", s.output)
		if err != nil {
			return nil, err
		}

		list["install"] = &buildsys.Task{
			Short: "install",
			Desc:  "Installs the build results into the output directory",
			Base:  e.Root,
			Deps:  []string{"compile"},
			Cmds:  []buildsys.TaskCmd{cmd},
		}
		buildDeps = append(buildDeps, "install")
	}

	if cfg.Build.CompileCommands {
		list["compile_commands"] = &buildsys.Task{
			Short: "compile_commands",
			Desc:  "Merges the compile_commands.json files into the project root",
			Base:  e.Root,
			Deps:  []string{"configure"},
			Cmds: []buildsys.TaskCmd{buildsys.TaskCmdFunc{Name: "merge compile_commands.json", Fn: func(ctx context.Context) error {
				return mergeCompileCommands(ctx, s.dir, filepath.Join(e.Root, compiledb.FileName))
			}}},
		}
		buildDeps = append(buildDeps, "compile_commands")
	}

	list["build"] = &buildsys.Task{
		Short: "build",
		Desc:  "Configures, compiles and installs the project",
		Base:  e.Root,
		Deps:  buildDeps,
	}

	testTask, err := e.testTask(s, opts)
	if err != nil {
		return nil, err
	}
	list["test"] = testTask

	return list.Merge(e.Tasks), nil
}

func mergeCompileCommands(ctx context.Context, buildDir, output string) error {
	inputs, err := compiledb.Find(buildDir)
	if err != nil {
		return err
	}

	if len(inputs) == 0 {
		buildsys.Log(ctx).Warn().Str("path", buildDir).Msg("no compile_commands.json found")
		return nil
	}

	count, err := compiledb.Merge(output, inputs...)
	if err != nil {
		return err
	}

	buildsys.Log(ctx).Info().Str("path", output).Msgf("merged %d compile commands from %d files", count, len(inputs))
	return nil
}

func (e *Env) build(ctx context.Context, opts Options) error {
	list, err := e.lifecycleTasks(ctx, opts)
	if err != nil {
		return err
	}

	return buildsys.RunTask(ctx, list, "build", e.runOptions(opts))
}

// RunBuild configures and compiles the project. With Options.Watch it keeps rebuilding whenever one of
// the build.watch patterns changes.
func RunBuild(ctx context.Context, env *Env, opts Options) error {
	return env.run(ctx, "build", func(ctx context.Context) error {
		err := env.build(ctx, opts)
		if err != nil || !opts.Watch {
			return err
		}

		cfg := env.Config
		w, err := watch.New(watch.Config{
			BaseDir:  env.Root,
			Patterns: cfg.Build.Watch,
			Ignore:   []string{cfg.BuildDir(), cfg.OutputDir(), cfg.StatePath()},
			OnChange: func(ctx context.Context, _ []string) error {
				// only the first round may be forced
				rebuild := opts
				rebuild.Force = false
				return env.build(ctx, rebuild)
			},
		})
		if err != nil {
			return err
		}

		buildsys.Log(ctx).Info().Strs("patterns", cfg.Build.Watch).Msg("watching for changes, press Ctrl+C to stop")
		return w.Run(ctx)
	})
}
