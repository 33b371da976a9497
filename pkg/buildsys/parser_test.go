package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScript = `
mode = option("mode", "debug", help = "build flavour")

def configure():
    setenv("FROM_SCRIPT", "1")
    prepend_path("//tools/bin")

    proto = task(
        desc = "hidden helper",
        cmds = ["echo proto"],
    )

    task(
        short = "codegen",
        desc = "generate sources (" + mode + ")",
        deps = [],
        inputs = ["proto/*.proto"],
        outputs = ["gen/"],
        env = {"MODE": mode},
        cmds = [
            proto,
            ("protoc", "--out", resolve_path("gen"), "a b.proto"),
            ["VAR=1", "echo", "$HOME"],
        ],
    )

    task(
        short = "package",
        desc = "bundle",
        deps = ["codegen"],
        cmds = ["echo " + read_yaml("meta.yml", "release.name", "none")],
    )
`

func writeScript(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "tasks.star")
	require.NoError(t, os.WriteFile(script, []byte(content), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.yml"), []byte("release:\n  name: nightly\n"), 0o644))
	return dir, script
}

func TestRunScriptCollectsTasks(t *testing.T) {
	dir, script := writeScript(t, sampleScript)

	tasks, options, err := RunScript(context.Background(), script, dir, map[string]string{"mode": "release"}, true)
	require.NoError(t, err)

	require.Contains(t, options, "mode")
	assert.Equal(t, "debug", options["mode"].Default())
	assert.Equal(t, "build flavour", options["mode"].Help)

	assert.Equal(t, []string{"codegen", "package"}, tasks.Names())

	codegen := tasks["codegen"]
	assert.Equal(t, "generate sources (release)", codegen.Desc)
	assert.Equal(t, dir, codegen.Base)
	assert.Equal(t, "release", codegen.Env["MODE"])
	assert.Equal(t, "1", codegen.Env["FROM_SCRIPT"])
	assert.True(t, strings.HasPrefix(codegen.Env["PATH"], filepath.Join(dir, "tools", "bin")))
	require.Len(t, codegen.Cmds, 3)

	ref, ok := codegen.Cmds[0].(TaskCmdTaskRef)
	require.True(t, ok)
	assert.True(t, ref.Task.Hidden)
	assert.True(t, strings.HasPrefix(ref.Task.Short, "auto#"))

	script1, ok := codegen.Cmds[1].(TaskCmdScript)
	require.True(t, ok)
	assert.Equal(t, "protoc --out gen 'a b.proto'", script1.Content)

	script2, ok := codegen.Cmds[2].(TaskCmdScript)
	require.True(t, ok)
	assert.Equal(t, "VAR=1 echo '$HOME'", script2.Content)

	pkgTask := tasks["package"]
	assert.Equal(t, []string{"codegen"}, pkgTask.Deps)
	assert.Equal(t, "echo nightly", pkgTask.Cmds[0].(TaskCmdScript).Content)
}

func TestRunScriptErrors(t *testing.T) {
	cases := map[string]string{
		"no configure":   `x = 1`,
		"reserved name":  "def configure():\n    task(short = \"configure\")\n",
		"option late":    "def configure():\n    option(\"late\")\n",
		"script error":   "def configure():\n    error(\"boom\")\n",
		"bad cmd type":   "def configure():\n    task(short = \"x\", cmds = [1])\n",
		"syntax problem": "def configure(:\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir, script := writeScript(t, content)
			_, _, err := RunScript(context.Background(), script, dir, nil, true)
			assert.Error(t, err)
		})
	}
}

func TestParseUsesCache(t *testing.T) {
	dir, script := writeScript(t, sampleScript)
	cacheFile := filepath.Join(dir, ".executor", "tasks.cache")
	ctx := context.Background()

	tasks, err := Parse(ctx, script, dir, nil, cacheFile)
	require.NoError(t, err)
	require.FileExists(t, cacheFile)

	options, cached, err := ReadCache(cacheFile)
	require.NoError(t, err)
	assert.Empty(t, options)
	assert.Equal(t, tasks.Names(), cached.Names())
	assert.Equal(t, tasks["codegen"].Desc, cached["codegen"].Desc)

	// a broken script is not evaluated as long as the cache is valid
	require.NoError(t, os.WriteFile(script, []byte("def configure(:\n"), 0o644))
	past := tasksCacheTime(t, cacheFile).Add(-time.Second)
	require.NoError(t, os.Chtimes(script, past, past))

	again, err := Parse(ctx, script, dir, nil, cacheFile)
	require.NoError(t, err)
	assert.Equal(t, tasks.Names(), again.Names())

	// different options invalidate the cache
	_, err = Parse(ctx, script, dir, map[string]string{"mode": "release"}, cacheFile)
	assert.Error(t, err)
}

func TestWriteCacheRejectsGoSteps(t *testing.T) {
	list := TaskList{"x": {Short: "x", Cmds: []TaskCmd{TaskCmdFunc{Name: "fn"}}}}
	err := WriteCache(filepath.Join(t.TempDir(), "c"), nil, list)
	assert.Error(t, err)
}

func tasksCacheTime(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.ModTime()
}
