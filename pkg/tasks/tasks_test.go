package tasks

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/config"
)

func newTestEnv(t *testing.T, configText string) *Env {
	t.Helper()
	root := t.TempDir()
	if configText != "" {
		require.NoError(t, os.WriteFile(filepath.Join(root, config.DefaultFile), []byte(configText), 0o644))
	}

	cfg, err := config.Load(root, "")
	require.NoError(t, err)

	env, err := NewEnv(context.Background(), cfg, nil)
	require.NoError(t, err)
	env.Stdout = io.Discard
	env.Stderr = io.Discard
	t.Cleanup(func() { env.Close() })
	return env
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestEntryPoints(t *testing.T) {
	points := EntryPoints()
	assert.Len(t, points, 4)
	for _, name := range []string{"build", "download_thirdparty", "clean", "test"} {
		assert.NotNil(t, points[name], name)
	}
	assert.Equal(t, []string{"build", "clean", "download_thirdparty", "test"}, Names())

	for _, name := range []string{"thirdparty", "download", "download_thirdparty"} {
		fn, ok := Lookup(name)
		assert.True(t, ok, name)
		assert.NotNil(t, fn)
	}

	_, ok := Lookup("deploy")
	assert.False(t, ok)

	// callers can't modify the registry
	delete(points, "build")
	_, ok = Lookup("build")
	assert.True(t, ok)
}

func TestNewEnvRejectsOptionsWithoutScript(t *testing.T) {
	cfg, err := config.Load(t.TempDir(), "")
	require.NoError(t, err)

	_, err = NewEnv(context.Background(), cfg, map[string]string{"foo": "bar"})
	assert.Error(t, err)
}

func TestRunCleanDryRun(t *testing.T) {
	env := newTestEnv(t, "[clean]\npaths = [\"*.log\"]\n")
	files := []string{
		filepath.Join(env.Root, "build", "CMakeCache.txt"),
		filepath.Join(env.Root, "output", "bin", "app"),
		filepath.Join(env.Root, "compile_commands.json"),
		filepath.Join(env.Root, "configure.log"),
		filepath.Join(env.Root, "src", "main.cpp"),
	}
	for _, file := range files {
		touch(t, file)
	}

	require.NoError(t, RunClean(context.Background(), env, Options{DryRun: true}))
	for _, file := range files {
		assert.FileExists(t, file)
	}

	require.NoError(t, RunClean(context.Background(), env, Options{}))
	assert.NoDirExists(t, filepath.Join(env.Root, "build"))
	assert.NoDirExists(t, filepath.Join(env.Root, "output"))
	assert.NoFileExists(t, filepath.Join(env.Root, "compile_commands.json"))
	assert.NoFileExists(t, filepath.Join(env.Root, "configure.log"))
	assert.FileExists(t, filepath.Join(env.Root, "src", "main.cpp"))

	runs, err := env.State.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "clean", runs[0].Task)
	assert.True(t, runs[0].Success)

	// nothing left to remove
	require.NoError(t, RunClean(context.Background(), env, Options{}))
}

func TestRunCleanThirdparty(t *testing.T) {
	env := newTestEnv(t, "")
	touch(t, filepath.Join(env.Root, "thirdparty", "thirdparty.yml"))
	require.NoError(t, os.WriteFile(filepath.Join(env.Root, "thirdparty", "thirdparty.yml"), []byte(`deps:
  zlib:
    url: https://example.com/zlib.tar.gz
    dest: thirdparty/zlib
    sha256: abc
`), 0o644))
	touch(t, filepath.Join(env.Root, "thirdparty", "zlib", "zlib.h"))

	ctx := context.Background()
	require.NoError(t, env.State.SetStamp(ctx, "zlib", "https://example.com/zlib.tar.gz#abc"))

	status, err := ThirdpartyStatus(ctx, env)
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.True(t, status[0].Current)
	assert.True(t, status[0].Active)

	require.NoError(t, RunClean(ctx, env, Options{Thirdparty: true}))
	assert.NoDirExists(t, filepath.Join(env.Root, "thirdparty", "zlib"))
	assert.FileExists(t, filepath.Join(env.Root, "thirdparty", "thirdparty.yml"))

	stamps, err := env.State.Stamps(ctx)
	require.NoError(t, err)
	assert.Empty(t, stamps)
}

func TestRunCleanAll(t *testing.T) {
	env := newTestEnv(t, "")
	touch(t, filepath.Join(env.Config.DownloadCache(), "zlib.tar.gz"))

	require.NoError(t, RunClean(context.Background(), env, Options{All: true}))
	assert.Nil(t, env.State)
	assert.NoDirExists(t, env.Config.StatePath())
}

func TestRunCleanRefusesRoot(t *testing.T) {
	env := newTestEnv(t, "[build]\noutput = \".\"\n")

	err := RunClean(context.Background(), env, Options{})
	assert.Error(t, err)
	assert.DirExists(t, env.Root)
}

func TestRunCleanRefusesOutsideProject(t *testing.T) {
	env := newTestEnv(t, "[clean]\npaths = [\"../victim\"]\n")
	victim := filepath.Join(filepath.Dir(env.Root), "victim")
	touch(t, victim)
	touch(t, filepath.Join(env.Config.BuildDir(), "CMakeCache.txt"))

	err := RunClean(context.Background(), env, Options{})
	assert.Error(t, err)
	assert.FileExists(t, victim)
	assert.DirExists(t, env.Config.BuildDir(), "nothing is removed if one path is rejected")
}

func TestRunCleanOutputOutsideProject(t *testing.T) {
	env := newTestEnv(t, "[build]\noutput = \"../install\"\n")
	installed := filepath.Join(filepath.Dir(env.Root), "install", "bin", "app")
	touch(t, installed)

	require.NoError(t, RunClean(context.Background(), env, Options{}))
	assert.NoFileExists(t, installed)
}

func TestContainsRoot(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "work", "project")
	assert.True(t, containsRoot(root, root))
	assert.True(t, containsRoot(root, filepath.Dir(root)))
	assert.False(t, containsRoot(root, filepath.Join(root, "build")))
	assert.False(t, containsRoot(root, filepath.Join(filepath.Dir(root), "other")))
}

func TestRunBuildDryRun(t *testing.T) {
	env := newTestEnv(t, `[build]
type = "Debug"
defines = ["WITH_TESTS=ON"]
ccache = true
`)
	touch(t, filepath.Join(env.Root, "CMakeLists.txt"))

	require.NoError(t, RunBuild(context.Background(), env, Options{DryRun: true, Jobs: 3}))
	assert.NoDirExists(t, env.Config.BuildDir())

	runs, err := env.State.Runs(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "build", runs[0].Task)

	s, err := env.buildSettings(Options{Jobs: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, s.jobs)

	args := env.configureArgs(s)
	assert.Contains(t, args, "-DCMAKE_BUILD_TYPE=Debug")
	assert.Contains(t, args, "-DWITH_TESTS=ON")
	assert.Contains(t, args, "-DCMAKE_CXX_COMPILER_LAUNCHER=ccache")
	assert.Contains(t, args, "-DCMAKE_INSTALL_PREFIX="+env.Config.OutputDir())

	assert.Equal(t, []string{"cmake", "--build", s.dir, "--parallel", "3", "--target", "app"},
		compileArgs(buildSettings{dir: s.dir, jobs: 3, targets: []string{"app"}}))

	_, err = env.buildSettings(Options{BuildType: "Fast"})
	assert.Error(t, err)
}

func TestLifecycleTasks(t *testing.T) {
	env := newTestEnv(t, "[build]\ninstall = false\ndeps = [\"codegen\"]\n")
	env.Tasks = buildsys.TaskList{
		"codegen": {Short: "codegen"},
		"build":   {Short: "build", Desc: "user build"},
	}
	ctx := context.Background()

	list, err := env.lifecycleTasks(ctx, Options{})
	require.NoError(t, err)

	assert.NotContains(t, list, "install")
	assert.NotContains(t, list, "thirdparty", "no manifest")
	assert.Contains(t, list, "codegen")
	assert.Equal(t, "Configures, compiles and installs the project", list["build"].Desc)
	assert.Equal(t, []string{"codegen"}, list["configure"].Deps)
	assert.NotEmpty(t, list["configure"].Inputs)
	assert.Equal(t, []string{"build"}, list["test"].Deps)

	list, err = env.lifecycleTasks(ctx, Options{NoBuild: true})
	require.NoError(t, err)
	assert.Empty(t, list["test"].Deps)

	// the same cmake command line keeps the up-to-date check
	line := list["configure"].Cmds[0].(buildsys.TaskCmdScript).Content
	require.NoError(t, env.State.SetMeta(ctx, metaConfigure, line))
	list, err = env.lifecycleTasks(ctx, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, list["configure"].Inputs)

	// any change to the cmake settings forces cmake to run again
	list, err = env.lifecycleTasks(ctx, Options{BuildType: "Debug"})
	require.NoError(t, err)
	assert.Empty(t, list["configure"].Inputs)

	env.Config.Build.Defines = []string{"WITH_TESTS=ON"}
	list, err = env.lifecycleTasks(ctx, Options{})
	require.NoError(t, err)
	assert.Empty(t, list["configure"].Inputs)
	assert.Contains(t, list["configure"].Cmds[0].(buildsys.TaskCmdScript).Content, "-DWITH_TESTS=ON")
	env.Config.Build.Defines = nil

	env.Config.Build.Deps = []string{"missing"}
	_, err = env.lifecycleTasks(ctx, Options{})
	assert.ErrorAs(t, err, &buildsys.TaskNotFound{})
}

func TestCtestArgs(t *testing.T) {
	env := newTestEnv(t, "[test]\ntimeout = \"90s\"\n")
	s := buildSettings{dir: "/b", jobs: 2}

	args := env.ctestArgs(s, Options{Filter: "unit", Repeat: 3})
	assert.Equal(t, []string{
		"ctest", "--test-dir", "/b", "--output-on-failure", "--parallel", "2",
		"-R", "unit", "--repeat", "until-pass:3", "--timeout", "90",
		"--output-junit", filepath.Join("/b", "test-results.xml"),
	}, args)

	// ctest would read 0 as no timeout at all
	env.Config.Test.Timeout = 500 * time.Millisecond
	args = env.ctestArgs(s, Options{})
	assert.Equal(t, []string{"--timeout", "1"}, args[6:8])
}

func TestReportTests(t *testing.T) {
	ctx := context.Background()
	junit := filepath.Join(t.TempDir(), "report.xml")
	runErr := errors.New("ctest failed")

	assert.Equal(t, runErr, reportTests(ctx, junit, runErr))
	assert.NoError(t, reportTests(ctx, junit, nil))

	require.NoError(t, os.WriteFile(junit, []byte(ctestReport), 0o644))
	err := reportTests(ctx, junit, runErr)
	var failure TestFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Failed)
	assert.Equal(t, 3, failure.Total)
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", LockFile)
	ctx := context.Background()

	lock, err := acquireLock(ctx, path)
	require.NoError(t, err)

	timeoutCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = acquireLock(timeoutCtx, path)
	assert.Error(t, err)

	require.NoError(t, lock.Unlock())
	second, err := acquireLock(ctx, path)
	require.NoError(t, err)
	require.NoError(t, second.Unlock())
}

func TestRunTasks(t *testing.T) {
	env := newTestEnv(t, "")
	called := 0
	env.Tasks = buildsys.TaskList{
		"hello": {Short: "hello", Cmds: []buildsys.TaskCmd{buildsys.TaskCmdFunc{Name: "greet", Fn: func(context.Context) error {
			called++
			return nil
		}}}},
	}
	ctx := context.Background()

	require.NoError(t, RunTasks(ctx, env, []string{"hello", "clean"}, Options{}))
	assert.Equal(t, 1, called)

	runs, err := env.State.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "clean", runs[0].Task)
	assert.Equal(t, "hello", runs[1].Task)

	err = RunTasks(ctx, env, []string{"nope"}, Options{})
	assert.ErrorAs(t, err, &buildsys.TaskNotFound{})

	list, err := env.TaskList(ctx, Options{})
	require.NoError(t, err)
	assert.Contains(t, list.Names(), "hello")
	assert.Contains(t, list.Names(), "configure")
}
