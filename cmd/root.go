package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/config"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/tasks"
)

var globals struct {
	config   string
	root     string
	logLevel string
	logJSON  bool
	dryRun   bool
	force    bool
}

var (
	cfg     *config.Config
	logger  = zerolog.New(NewConsoleWriter(os.Stderr, "")).Level(zerolog.InfoLevel)
	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "executor",
	Short: "Builds, tests and packages the project",
	Long: `executor drives the project build: it fetches third-party dependencies, configures and
compiles the project with cmake, runs the tests and cleans up afterwards. Project specific tasks
can be declared in a Starlark tasks file and run with "executor run".`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&globals.config, "config", "c", "", "config file (default <root>/executor.toml)")
	flags.StringVar(&globals.root, "root", "", "project root (default: nearest directory with executor.toml, tasks.star or .git)")
	flags.StringVar(&globals.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&globals.logJSON, "log-json", false, "print log events as JSON")
	flags.BoolVarP(&globals.dryRun, "dry-run", "n", false, "only print the commands, don't execute anything")
	flags.BoolVarP(&globals.force, "force", "f", false, "run every step even if its outputs are up to date")
}

func projectRoot() (string, error) {
	if globals.root != "" {
		return globals.root, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", eris.Wrap(err, "failed to retrieve the current working directory")
	}

	root, err := pkg.FindProjectRoot(wd)
	if err != nil {
		// a fresh checkout without markers is still a valid project
		return wd, nil
	}
	return root, nil
}

func newLogger(root string, level zerolog.Level, jsonOutput bool, file string) (zerolog.Logger, error) {
	var out io.Writer = NewConsoleWriter(os.Stderr, root)
	if jsonOutput {
		out = os.Stderr
	}

	if file != "" {
		handle, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
		if err != nil {
			return logger, eris.Wrapf(err, "failed to open log file %s", file)
		}

		logFile = handle
		out = zerolog.MultiLevelWriter(out, handle)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func setup(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}

	cfg, err = config.Load(root, globals.config)
	if err != nil {
		return err
	}

	if globals.logLevel != "" {
		cfg.Log.Level = globals.logLevel
		err = cfg.Validate()
		if err != nil {
			return err
		}
	}

	logger, err = newLogger(cfg.Root, cfg.LogLevel(), globals.logJSON || cfg.Log.JSON, cfg.Path(cfg.Log.File))
	if err != nil {
		return err
	}

	cmd.SetContext(buildsys.WithLogger(cmd.Context(), &logger))
	return nil
}

// withEnv prepares the task environment for a command and releases it once fn returns.
func withEnv(cmd *cobra.Command, scriptOptions map[string]string, fn func(ctx context.Context, env *tasks.Env) error) error {
	ctx := cmd.Context()
	env, err := tasks.NewEnv(ctx, cfg, scriptOptions)
	if err != nil {
		return err
	}
	defer env.Close()

	env.Args = os.Args[1:]
	return fn(ctx, env)
}

func baseOptions() tasks.Options {
	return tasks.Options{
		DryRun: globals.dryRun,
		Force:  globals.force,
	}
}

// Execute runs the CLI and exits with a non-zero status on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("command failed")
	}

	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}
