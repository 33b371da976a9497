package cmd

import (
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/compiledb"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/posix"
)

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Portable helpers for build scripts",
	Long: `These commands behave the same on every platform. Tasks get them automatically; the
subcommands are meant for external scripts.`,
	// the helpers don't need a project
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		level := zerolog.InfoLevel
		if globals.logLevel != "" {
			level, err = zerolog.ParseLevel(globals.logLevel)
			if err != nil {
				return eris.Wrapf(err, "invalid log level %s", globals.logLevel)
			}
		}

		logger, err = newLogger("", level, globals.logJSON, "")
		if err != nil {
			return err
		}

		cmd.SetContext(buildsys.WithLogger(cmd.Context(), &logger))
		return nil
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <source>... <dest>",
	Short: "Cross-platform implementation of the POSIX mv command",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return posix.Move(args[:len(args)-1], args[len(args)-1])
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "A cross-platform implementation of the POSIX rm command",
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, err := cmd.Flags().GetBool("recursive")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		return posix.Remove(args, recursive, force)
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>...",
	Short: "A cross-platform implementation of the POSIX mkdir command",
	RunE: func(cmd *cobra.Command, args []string) error {
		makeParents, err := cmd.Flags().GetBool("parents")
		if err != nil {
			return err
		}

		return posix.Mkdir(args, makeParents)
	},
}

var mergeCompileCommandsCmd = &cobra.Command{
	Use:   "merge-compile-commands <output> <input>...",
	Short: "Merges several compile_commands.json files into one",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := compiledb.Merge(args[0], args[1:]...)
		if err != nil {
			return eris.Wrapf(err, "failed to write %s", args[0])
		}

		buildsys.Log(cmd.Context()).Info().Str("path", args[0]).Msgf("wrote %d entries to %s", count, args[0])
		return nil
	},
}

func init() {
	rmCmd.Flags().BoolP("recursive", "r", false, "recursively delete directories")
	rmCmd.Flags().BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	mkdirCmd.Flags().BoolP("parents", "p", false, "create parent directories as needed")

	toolCmd.AddCommand(mvCmd, rmCmd, mkdirCmd, mergeCompileCommandsCmd)
	rootCmd.AddCommand(toolCmd)
}
