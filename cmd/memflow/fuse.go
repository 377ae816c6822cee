package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var fuseCmd = &cobra.Command{
	Use:   "fuse",
	Short: "Mount process memory as a filesystem",
}

var fuseWritable bool

var fuseMountCmd = &cobra.Command{
	Use:   "mount <session> <pid> <path>",
	Short: "Mount a filesystem view of the session",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid pid %q", args[1])
		}
		printed, err := invoke(cmd, "mount-fuse", map[string]any{
			"session": args[0], "pid": pid, "path": args[2], "writable": fuseWritable,
		}, nil)
		if err != nil || printed {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "mounted at %s\n", args[2])
		return nil
	},
}

var fuseUmountCmd = &cobra.Command{
	Use:   "umount <session> <path>",
	Short: "Unmount a filesystem view",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		printed, err := invoke(cmd, "umount-fuse", map[string]any{
			"session": args[0], "path": args[1],
		}, nil)
		if err != nil || printed {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "unmounted %s\n", args[1])
		return nil
	},
}

func init() {
	fuseMountCmd.Flags().BoolVarP(&fuseWritable, "writable", "w", false, "allow writes through the mount")
	fuseCmd.AddCommand(fuseMountCmd)
	fuseCmd.AddCommand(fuseUmountCmd)
}
