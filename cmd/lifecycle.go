package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/tasks"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Configures and compiles the project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := baseOptions()
		var err error
		flags := cmd.Flags()

		if opts.Jobs, err = flags.GetInt("jobs"); err != nil {
			return err
		}
		if opts.Targets, err = flags.GetStringSlice("target"); err != nil {
			return err
		}
		if opts.BuildType, err = flags.GetString("type"); err != nil {
			return err
		}
		if opts.SkipThirdparty, err = flags.GetBool("skip-thirdparty"); err != nil {
			return err
		}
		if opts.Watch, err = flags.GetBool("watch"); err != nil {
			return err
		}

		return withEnv(cmd, nil, func(ctx context.Context, env *tasks.Env) error {
			return tasks.RunBuild(ctx, env, opts)
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:     "download",
	Aliases: []string{"thirdparty", "download_thirdparty"},
	Short:   "Downloads and extracts the third-party dependencies",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := baseOptions()
		var err error
		flags := cmd.Flags()

		if opts.Only, err = flags.GetStringSlice("only"); err != nil {
			return err
		}
		if opts.Update, err = flags.GetBool("update"); err != nil {
			return err
		}
		list, err := flags.GetBool("list")
		if err != nil {
			return err
		}

		return withEnv(cmd, nil, func(ctx context.Context, env *tasks.Env) error {
			if !list {
				return tasks.DownloadThirdparty(ctx, env, opts)
			}

			status, err := tasks.ThirdpartyStatus(ctx, env)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tDEST\tURL")
			for _, dep := range status {
				state := "missing"
				switch {
				case !dep.Active:
					state = "inactive"
				case dep.Current:
					state = "ok"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", dep.Name, state, dep.Dest, dep.URL)
			}
			return w.Flush()
		})
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Removes build products",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := baseOptions()
		var err error
		flags := cmd.Flags()

		if opts.Thirdparty, err = flags.GetBool("thirdparty"); err != nil {
			return err
		}
		if opts.All, err = flags.GetBool("all"); err != nil {
			return err
		}

		return withEnv(cmd, nil, func(ctx context.Context, env *tasks.Env) error {
			return tasks.RunClean(ctx, env, opts)
		})
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Builds the project and runs the test suite",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := baseOptions()
		var err error
		flags := cmd.Flags()

		if opts.Filter, err = flags.GetString("filter"); err != nil {
			return err
		}
		if opts.NoBuild, err = flags.GetBool("no-build"); err != nil {
			return err
		}
		if opts.Repeat, err = flags.GetInt("repeat"); err != nil {
			return err
		}
		if opts.Jobs, err = flags.GetInt("jobs"); err != nil {
			return err
		}

		return withEnv(cmd, nil, func(ctx context.Context, env *tasks.Env) error {
			return tasks.RunTest(ctx, env, opts)
		})
	},
}

func init() {
	buildCmd.Flags().IntP("jobs", "j", 0, "parallel jobs (default build.jobs)")
	buildCmd.Flags().StringSliceP("target", "t", nil, "only build the given targets")
	buildCmd.Flags().String("type", "", "cmake build type (Debug, Release, RelWithDebInfo, MinSizeRel)")
	buildCmd.Flags().Bool("skip-thirdparty", false, "don't sync third-party dependencies first")
	buildCmd.Flags().Bool("watch", false, "rebuild whenever a watched file changes")

	downloadCmd.Flags().StringSlice("only", nil, "limit the sync to the given dependencies")
	downloadCmd.Flags().Bool("update", false, "recompute the checksums and write them to the manifest")
	downloadCmd.Flags().Bool("list", false, "list the dependencies and their state")

	cleanCmd.Flags().Bool("thirdparty", false, "also remove extracted third-party dependencies")
	cleanCmd.Flags().Bool("all", false, "also remove the download cache and the state directory")

	testCmd.Flags().StringP("filter", "R", "", "only run tests matching this regular expression")
	testCmd.Flags().Bool("no-build", false, "run the tests without building first")
	testCmd.Flags().Int("repeat", 0, "rerun failing tests up to N times")
	testCmd.Flags().IntP("jobs", "j", 0, "parallel jobs (default build.jobs)")

	rootCmd.AddCommand(buildCmd, downloadCmd, cleanCmd, testCmd)
}
