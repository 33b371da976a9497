package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/tasks"
)

var runCmd = &cobra.Command{
	Use:   "run [task...] [option=value...]",
	Short: "Runs tasks from the tasks file or lifecycle tasks",
	Long: `Runs the given tasks. Arguments of the form key=value are passed to the tasks file as options.
Without any task names, the available tasks are listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskArgs := make([]string, 0)
		options := make(map[string]string)

		for _, part := range args {
			pos := strings.Index(part, "=")
			if pos > -1 {
				options[part[:pos]] = part[pos+1:]
			} else {
				taskArgs = append(taskArgs, part)
			}
		}

		return withEnv(cmd, options, func(ctx context.Context, env *tasks.Env) error {
			if len(taskArgs) > 0 {
				return tasks.RunTasks(ctx, env, taskArgs, baseOptions())
			}

			list, err := env.TaskList(ctx, baseOptions())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Available tasks:")
			maxNameLen := 0
			names := list.Names()
			for _, name := range names {
				if len(name) > maxNameLen {
					maxNameLen = len(name)
				}
			}

			lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
			for _, name := range names {
				fmt.Fprintf(out, lineFmt, name+":", list[name].Desc)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
