package posix

import (
	"io"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
)

// IsBuiltin reports whether name is one of the commands Run implements.
func IsBuiltin(name string) bool {
	switch name {
	case "rm", "mv", "mkdir":
		return true
	}
	return false
}

// Run executes a builtin command line (args[0] is the command name). Relative paths are resolved
// against dir.
func Run(dir string, args []string, stderr io.Writer) error {
	if len(args) == 0 || !IsBuiltin(args[0]) {
		return eris.Errorf("not a builtin: %v", args)
	}

	flags := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	flags.SetOutput(stderr)

	var recursive, force, parents bool
	switch args[0] {
	case "rm":
		flags.BoolVarP(&recursive, "recursive", "r", false, "recursively delete directories")
		flags.BoolVarP(&force, "force", "f", false, "ignore missing files")
	case "mkdir":
		flags.BoolVarP(&parents, "parents", "p", false, "create parent directories as needed")
	}

	err := flags.Parse(args[1:])
	if err != nil {
		return eris.Wrapf(err, "%s: invalid arguments", args[0])
	}

	paths := flags.Args()
	for idx, item := range paths {
		if !filepath.IsAbs(item) {
			paths[idx] = filepath.Join(dir, item)
		}
	}

	switch args[0] {
	case "rm":
		return Remove(paths, recursive, force)
	case "mkdir":
		return Mkdir(paths, parents)
	default:
		if len(paths) < 2 {
			return eris.New("mv: not enough parameters")
		}
		return Move(paths[:len(paths)-1], paths[len(paths)-1])
	}
}
