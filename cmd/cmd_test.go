package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleWriter(t *testing.T) {
	buf := bytes.Buffer{}
	root := filepath.Join(string(filepath.Separator), "work", "project")
	logger := zerolog.New(NewConsoleWriter(&buf, root))

	path := filepath.Join(root, "build", "CMakeCache.txt")
	logger.Info().Str("task", "configure").Str("path", path).Msgf("wrote %s", path)
	assert.Contains(t, buf.String(), "configure: wrote "+filepath.Join("build", "CMakeCache.txt"))

	buf.Reset()
	logger.Info().Str("task", "compile").Bool("command", true).Msg("cmake --build build")
	assert.Contains(t, buf.String(), "compile: $ cmake --build build")

	buf.Reset()
	logger.Error().Str("dep", "zlib").Msg("checksum mismatch")
	assert.Contains(t, buf.String(), "zlib: Error: checksum mismatch")
}

func TestCommandsRegistered(t *testing.T) {
	for _, args := range [][]string{
		{"build"}, {"download"}, {"thirdparty"}, {"clean"}, {"test"}, {"run"},
		{"check-tools"}, {"history"}, {"tool", "rm"}, {"tool", "mv"}, {"tool", "mkdir"},
		{"tool", "merge-compile-commands"},
	} {
		found, _, err := rootCmd.Find(args)
		require.NoError(t, err, args)
		name := args[len(args)-1]
		assert.True(t, found.Name() == name || found.HasAlias(name), args)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := bytes.Buffer{}
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		globals.root = ""
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestToolCommands(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	_, err := execute(t, "tool", "mkdir", "-p", dir)
	require.NoError(t, err)
	assert.DirExists(t, dir)

	input := filepath.Join(dir, "compile_commands.json")
	require.NoError(t, os.WriteFile(input, []byte(`[{"file": "a.c"}]`), 0o644))
	output := filepath.Join(t.TempDir(), "merged.json")
	_, err = execute(t, "tool", "merge-compile-commands", output, input)
	require.NoError(t, err)
	assert.FileExists(t, output)

	_, err = execute(t, "tool", "rm", filepath.Dir(dir))
	assert.Error(t, err, "directories need -r")

	_, err = execute(t, "tool", "rm", "-r", "-f", filepath.Dir(dir), filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Dir(dir))
}

func TestRunListsTasks(t *testing.T) {
	root := t.TempDir()

	out, err := execute(t, "--root", root, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "Available tasks:")
	assert.Contains(t, out, "configure:")
	assert.Contains(t, out, "compile_commands:")

	out, err = execute(t, "--root", root, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "TASK")
}
