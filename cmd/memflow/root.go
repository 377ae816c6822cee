package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mortifiers/memflow-cli/internal/daemon"
	"github.com/mortifiers/memflow-cli/internal/protocol"
)

// Version is set at build time.
var Version = "dev"

var (
	daemonNetwork string
	daemonAddress string
	infoFilePath  string
	jsonOutput    bool
)

var rootCmd = &cobra.Command{
	Use:   "memflow",
	Short: "memflow - memory introspection client",
	Long: `memflow talks to a running memflowd: connect introspection
sessions, inspect target processes, read and write their memory, and
spawn GDB stubs or FUSE mounts over them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the client with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&daemonNetwork, "network", "n", "", "daemon transport (tcp or unix)")
	pf.StringVarP(&daemonAddress, "address", "a", "", "daemon address")
	pf.StringVar(&infoFilePath, "info-file", "", "daemon info file to discover the endpoint")
	pf.BoolVar(&jsonOutput, "json", false, "print raw JSON results")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(detachCmd)
	rootCmd.AddCommand(connectorsCmd)
	rootCmd.AddCommand(osCmd)
	rootCmd.AddCommand(procCmd)
	rootCmd.AddCommand(memCmd)
	rootCmd.AddCommand(fuseCmd)
	rootCmd.AddCommand(gdbCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "memflow %s\n", Version)
	},
}

// endpoint resolves the daemon endpoint: explicit flags first, then
// the info file, then MEMFLOW_ADDRESS, then the default.
func endpoint() (network, address string, err error) {
	network = daemonNetwork
	address = daemonAddress
	if address != "" {
		if network == "" {
			network = "tcp"
		}
		return network, address, nil
	}
	if infoFilePath != "" {
		info, err := daemon.ReadInfoFile(infoFilePath)
		if err != nil {
			return "", "", err
		}
		return info.Network, info.Address, nil
	}
	if env := os.Getenv("MEMFLOW_ADDRESS"); env != "" {
		if network == "" {
			network = "tcp"
		}
		return network, env, nil
	}
	return "tcp", "localhost:8000", nil
}

// dialDaemon connects a protocol client for one command invocation.
func dialDaemon() (*protocol.Client, error) {
	network, address, err := endpoint()
	if err != nil {
		return nil, err
	}
	client, err := protocol.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s %s: %w", network, address, err)
	}
	return client, nil
}

// invoke runs one command against the daemon. With --json the raw
// result is printed and printed=true is returned so callers skip their
// own formatting; otherwise the result is decoded into out.
func invoke(cmd *cobra.Command, command string, params map[string]any, out any) (printed bool, err error) {
	client, err := dialDaemon()
	if err != nil {
		return false, err
	}
	defer client.Close()

	result, err := client.Call(cmd.Context(), command, params)
	if err != nil {
		return false, err
	}
	if jsonOutput {
		data, err := json.MarshalIndent(json.RawMessage(result), "", "  ")
		if err != nil {
			return false, err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return true, nil
	}
	if out == nil || len(result) == 0 {
		return false, nil
	}
	return false, json.Unmarshal(result, out)
}
