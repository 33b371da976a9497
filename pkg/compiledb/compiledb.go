// Package compiledb merges the compile_commands.json databases cmake writes per build tree so editors
// and clang tools see a single file at the project root.
package compiledb

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
)

// FileName is the name clang tooling expects.
const FileName = "compile_commands.json"

// Merge concatenates the entries of all inputs into output. Entries are kept as-is, so the inputs should
// only use absolute paths.
func Merge(output string, inputs ...string) (int, error) {
	if len(inputs) == 0 {
		return 0, eris.New("no input files given")
	}

	result := make([]json.RawMessage, 0)
	for _, fpath := range inputs {
		data, err := os.ReadFile(fpath)
		if err != nil {
			return 0, eris.Wrapf(err, "failed to read %s", fpath)
		}

		var chunk []json.RawMessage
		err = json.Unmarshal(data, &chunk)
		if err != nil {
			return 0, eris.Wrapf(err, "failed to decode %s", fpath)
		}

		result = append(result, chunk...)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return 0, eris.Wrap(err, "failed to encode output")
	}

	err = os.MkdirAll(filepath.Dir(output), 0o770)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to create %s", filepath.Dir(output))
	}

	err = os.WriteFile(output, data, 0o660)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to write to %s", output)
	}

	return len(result), nil
}

// Find returns every compile_commands.json below dir in lexical order.
func Find(dir string) ([]string, error) {
	result := []string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && d.Name() == FileName {
			result = append(result, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to search %s", dir)
	}

	sort.Strings(result)
	return result, nil
}
