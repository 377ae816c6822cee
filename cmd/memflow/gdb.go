package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var gdbCmd = &cobra.Command{
	Use:   "gdb",
	Short: "Spawn GDB stubs over target processes",
}

var gdbPort int

var gdbSpawnCmd = &cobra.Command{
	Use:   "spawn <session> <pid>",
	Short: "Spawn a GDB stub listener for a process",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid pid %q", args[1])
		}
		var result struct {
			Port int `json:"port"`
		}
		printed, err := invoke(cmd, "spawn-gdb-stub", map[string]any{
			"session": args[0], "pid": pid, "port": gdbPort,
		}, &result)
		if err != nil || printed {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "gdb stub listening on port %d\n", result.Port)
		fmt.Fprintf(cmd.OutOrStdout(), "attach with: target remote :%d\n", result.Port)
		return nil
	},
}

var gdbStopCmd = &cobra.Command{
	Use:   "stop <session> <port>",
	Short: "Stop a GDB stub listener",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid port %q", args[1])
		}
		printed, err := invoke(cmd, "stop-gdb-stub", map[string]any{
			"session": args[0], "port": port,
		}, nil)
		if err != nil || printed {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stopped gdb stub on port %d\n", port)
		return nil
	},
}

func init() {
	gdbSpawnCmd.Flags().IntVarP(&gdbPort, "port", "p", 0, "listener port (0 picks a free port)")
	gdbCmd.AddCommand(gdbSpawnCmd)
	gdbCmd.AddCommand(gdbStopCmd)
}
