package posix

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	sub := filepath.Join(dir, "sub")
	touch(t, file)
	touch(t, filepath.Join(sub, "b.txt"))

	err := Remove([]string{sub}, false, false)
	assert.Error(t, err, "directories need -r")
	assert.DirExists(t, sub)

	require.NoError(t, Remove([]string{file, sub}, true, false))
	assert.NoFileExists(t, file)
	assert.NoDirExists(t, sub)

	assert.Error(t, Remove([]string{file}, false, false))
	assert.NoError(t, Remove([]string{file}, false, true))
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	touch(t, src)

	renamed := filepath.Join(dir, "b.txt")
	require.NoError(t, Move([]string{src}, renamed))
	assert.FileExists(t, renamed)

	target := filepath.Join(dir, "target")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, Move([]string{renamed}, target))
	assert.FileExists(t, filepath.Join(target, "b.txt"))

	touch(t, filepath.Join(dir, "c.txt"))
	touch(t, filepath.Join(dir, "d.txt"))
	err := Move([]string{filepath.Join(dir, "c.txt"), filepath.Join(dir, "d.txt")}, filepath.Join(dir, "nope"))
	assert.Error(t, err)
}

func TestMkdir(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")

	assert.Error(t, Mkdir([]string{nested}, false))
	require.NoError(t, Mkdir([]string{nested}, true))
	assert.DirExists(t, nested)
	assert.NoError(t, Mkdir([]string{nested}, true))
}

func TestRunBuiltin(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, Run(dir, []string{"mkdir", "-p", "out/obj"}, io.Discard))
	assert.DirExists(t, filepath.Join(dir, "out", "obj"))

	touch(t, filepath.Join(dir, "out", "obj", "main.o"))
	require.NoError(t, Run(dir, []string{"mv", "out/obj/main.o", "out"}, io.Discard))
	assert.FileExists(t, filepath.Join(dir, "out", "main.o"))

	require.NoError(t, Run(dir, []string{"rm", "-rf", "out", "missing"}, io.Discard))
	assert.NoDirExists(t, filepath.Join(dir, "out"))

	assert.Error(t, Run(dir, []string{"cp", "a", "b"}, io.Discard))
	assert.Error(t, Run(dir, []string{"rm", "--bogus"}, io.Discard))
}
