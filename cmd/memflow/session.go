package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mortifiers/memflow-cli/internal/backend"
	"github.com/mortifiers/memflow-cli/internal/session"
)

var (
	connectConnector  string
	connectOs         string
	connectArgs       []string
	connectDetachable bool
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Create an introspection session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		args := make(map[string]string, len(connectArgs))
		for _, kv := range connectArgs {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --arg %q, want key=value", kv)
			}
			args[key] = value
		}

		var result struct {
			SessionID string `json:"session_id"`
		}
		printed, err := invoke(cmd, "connect", map[string]any{
			"connector":  connectConnector,
			"os":         connectOs,
			"args":       args,
			"detachable": connectDetachable,
		}, &result)
		if err != nil || printed {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.SessionID)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List active sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var result struct {
			Sessions []session.Info `json:"sessions"`
		}
		printed, err := invoke(cmd, "list-sessions", nil, &result)
		if err != nil || printed {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tCONNECTOR\tOS\tPROCS\tMOUNTS\tSTUBS\tDETACHABLE")
		for _, s := range result.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%t\n",
				s.ID, s.Connector, s.Os,
				len(s.Processes), len(s.Mounts), len(s.Listeners), s.Detachable)
		}
		return w.Flush()
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <session>",
	Short: "Close a session and release its resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		printed, err := invoke(cmd, "close-session", map[string]any{"session": args[0]}, nil)
		if err != nil || printed {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %s closed\n", args[0])
		return nil
	},
}

var detachCmd = &cobra.Command{
	Use:   "detach <session>",
	Short: "Let a session survive client disconnects",
	RunE: func(cmd *cobra.Command, args []string) error {
		printed, err := invoke(cmd, "detach-session", map[string]any{"session": args[0]}, nil)
		if err != nil || printed {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %s detached\n", args[0])
		return nil
	},
	Args: cobra.ExactArgs(1),
}

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "List available connectors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var result struct {
			Connectors []backend.ConnectorInfo `json:"connectors"`
		}
		printed, err := invoke(cmd, "list-connectors", nil, &result)
		if err != nil || printed {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDESCRIPTION")
		for _, c := range result.Connectors {
			fmt.Fprintf(w, "%s\t%s\n", c.Name, c.Description)
		}
		return w.Flush()
	},
}

var osCmd = &cobra.Command{
	Use:   "os",
	Short: "List available OS plugins",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var result struct {
			Os []backend.OsInfo `json:"os"`
		}
		printed, err := invoke(cmd, "list-os", nil, &result)
		if err != nil || printed {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDESCRIPTION")
		for _, p := range result.Os {
			fmt.Fprintf(w, "%s\t%s\n", p.Name, p.Description)
		}
		return w.Flush()
	},
}

func init() {
	flags := connectCmd.Flags()
	flags.StringVar(&connectConnector, "connector", "", "connector name (see 'memflow connectors')")
	flags.StringVar(&connectOs, "os", "", "OS plugin name (see 'memflow os')")
	flags.StringArrayVar(&connectArgs, "arg", nil, "backend argument, key=value (repeatable)")
	flags.BoolVar(&connectDetachable, "detachable", false, "session survives client disconnect")
	connectCmd.MarkFlagRequired("connector")
	connectCmd.MarkFlagRequired("os")
}
