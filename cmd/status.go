package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/tasks"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/thirdparty"
)

var checkToolsCmd = &cobra.Command{
	Use:   "check-tools",
	Short: "Verifies that the tools required by the third-party manifest are installed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := thirdparty.LoadManifest(cfg.ManifestPath())
		if err != nil {
			return err
		}

		pkg.PrintTask("Checking tools")
		failed := 0
		for _, status := range thirdparty.InspectTools(cmd.Context(), m.Tools) {
			if status.Err != nil {
				failed++
				pkg.PrintError(status.Err.Error())
				continue
			}

			pkg.PrintSubtask(fmt.Sprintf("%s %s (%s)", status.Name, status.Version, status.Path))
		}

		if failed > 0 {
			return eris.Errorf("%d of %d tools are missing or too old", failed, len(m.Tools))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Shows the most recent executor runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := tasks.NewEnv(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.State.Runs(ctx, limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTASK\tSTARTED\tDURATION\tRESULT")
		for _, run := range runs {
			result := "ok"
			if !run.Success {
				result = "failed: " + run.Error
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", run.ID, run.Task, humanize.Time(run.Started),
				run.Duration.Round(time.Millisecond), result)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "l", 10, "number of runs to show")

	rootCmd.AddCommand(checkToolsCmd, historyCmd)
}
