package compiledb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDB(t *testing.T, path string, files ...string) {
	t.Helper()
	entries := []map[string]string{}
	for _, file := range files {
		entries = append(entries, map[string]string{
			"directory": "/build",
			"command":   "cc -c " + file,
			"file":      file,
		})
	}

	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestFindAndMerge(t *testing.T) {
	dir := t.TempDir()
	writeDB(t, filepath.Join(dir, "build", "b", FileName), "/src/b.c")
	writeDB(t, filepath.Join(dir, "build", "a", FileName), "/src/a.c", "/src/a2.c")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build", "other.json"), []byte("[]"), 0o644))

	found, err := Find(filepath.Join(dir, "build"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "build", "a", FileName),
		filepath.Join(dir, "build", "b", FileName),
	}, found)

	output := filepath.Join(dir, FileName)
	count, err := Merge(output, found...)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	var merged []map[string]string
	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &merged))
	require.Len(t, merged, 3)
	assert.Equal(t, "/src/a.c", merged[0]["file"])
	assert.Equal(t, "/src/b.c", merged[2]["file"])
}

func TestMergeErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Merge(filepath.Join(dir, "out.json"))
	assert.Error(t, err)

	_, err = Merge(filepath.Join(dir, "out.json"), filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0o644))
	_, err = Merge(filepath.Join(dir, "out.json"), broken)
	assert.Error(t, err)
}
