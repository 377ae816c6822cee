package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mortifiers/memflow-cli/internal/facade"
)

var procCmd = &cobra.Command{
	Use:   "proc",
	Short: "Inspect target processes",
}

var procLsCmd = &cobra.Command{
	Use:   "ls <session>",
	Short: "List processes of the target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Processes []facade.ProcessSummary `json:"processes"`
		}
		printed, err := invoke(cmd, "list-processes", map[string]any{"session": args[0]}, &result)
		if err != nil || printed {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PID\tNAME\tARCH\tBASE")
		for _, p := range result.Processes {
			fmt.Fprintf(w, "%d\t%s\t%s\t%#x\n", p.PID, p.Name, p.Arch, p.Base)
		}
		return w.Flush()
	},
}

var procOpenCmd = &cobra.Command{
	Use:   "open <session> <pid|name>",
	Short: "Open a process by pid or by unique name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"session": args[0]}
		if pid, err := strconv.ParseUint(args[1], 10, 32); err == nil {
			params["pid"] = pid
		} else {
			params["name"] = args[1]
		}

		var result facade.ProcessSummary
		printed, err := invoke(cmd, "open-process", params, &result)
		if err != nil || printed {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pid=%d name=%s arch=%s base=%#x\n",
			result.PID, result.Name, result.Arch, result.Base)
		return nil
	},
}

var procModulesCmd = &cobra.Command{
	Use:   "modules <session> <pid>",
	Short: "List modules loaded by a process",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid pid %q", args[1])
		}
		var result struct {
			Modules []facade.ModuleSummary `json:"modules"`
		}
		printed, err := invoke(cmd, "list-modules",
			map[string]any{"session": args[0], "pid": pid}, &result)
		if err != nil || printed {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tBASE\tSIZE")
		for _, m := range result.Modules {
			fmt.Fprintf(w, "%s\t%#x\t%#x\n", m.Name, m.Base, m.Size)
		}
		return w.Flush()
	},
}

func init() {
	procCmd.AddCommand(procLsCmd)
	procCmd.AddCommand(procOpenCmd)
	procCmd.AddCommand(procModulesCmd)
}
