package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var memCmd = &cobra.Command{
	Use:   "mem",
	Short: "Read, write and translate process memory",
}

var memReadOut string

var memReadCmd = &cobra.Command{
	Use:   "read <session> <pid> <address> <length>",
	Short: "Read process memory",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid pid %q", args[1])
		}
		addr, err := parseAddr(args[2])
		if err != nil {
			return err
		}
		length, err := parseAddr(args[3])
		if err != nil {
			return err
		}

		var result struct {
			Bytes []byte `json:"bytes"`
		}
		printed, err := invoke(cmd, "read-memory", map[string]any{
			"session": args[0], "pid": pid, "address": addr, "length": length,
		}, &result)
		if err != nil || printed {
			return err
		}

		if memReadOut != "" {
			return os.WriteFile(memReadOut, result.Bytes, 0o644)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatHexDump(addr, result.Bytes))
		return nil
	},
}

var memWriteCmd = &cobra.Command{
	Use:   "write <session> <pid> <address> <hex|@file>",
	Short: "Write process memory",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid pid %q", args[1])
		}
		addr, err := parseAddr(args[2])
		if err != nil {
			return err
		}

		var data []byte
		if file, ok := strings.CutPrefix(args[3], "@"); ok {
			data, err = os.ReadFile(file)
		} else {
			data, err = hex.DecodeString(args[3])
		}
		if err != nil {
			return fmt.Errorf("invalid write payload: %w", err)
		}

		var result struct {
			Written int `json:"written"`
		}
		printed, err := invoke(cmd, "write-memory", map[string]any{
			"session": args[0], "pid": pid, "address": addr, "data": data,
		}, &result)
		if err != nil || printed {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes at %#x\n", result.Written, addr)
		return nil
	},
}

var memTranslateCmd = &cobra.Command{
	Use:   "translate <session> <pid> <address>",
	Short: "Translate a virtual address to physical",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid pid %q", args[1])
		}
		addr, err := parseAddr(args[2])
		if err != nil {
			return err
		}

		var result struct {
			Physical uint64 `json:"physical"`
		}
		printed, err := invoke(cmd, "translate", map[string]any{
			"session": args[0], "pid": pid, "address": addr,
		}, &result)
		if err != nil || printed {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%#x -> %#x\n", addr, result.Physical)
		return nil
	},
}

func init() {
	memReadCmd.Flags().StringVarP(&memReadOut, "out", "o", "", "write bytes to a file instead of dumping")
	memCmd.AddCommand(memReadCmd)
	memCmd.AddCommand(memWriteCmd)
	memCmd.AddCommand(memTranslateCmd)
}

// parseAddr accepts decimal or 0x-prefixed hex.
func parseAddr(s string) (uint64, error) {
	var v uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

// formatHexDump renders data as a classic 16-byte-wide dump with the
// virtual address in the offset column.
func formatHexDump(addr uint64, data []byte) string {
	var b strings.Builder
	for off := 0; off < len(data); off += 16 {
		row := data[off:min(off+16, len(data))]
		fmt.Fprintf(&b, "%016x  ", addr+uint64(off))
		for i := 0; i < 16; i++ {
			if i == 8 {
				b.WriteByte(' ')
			}
			if i < len(row) {
				fmt.Fprintf(&b, "%02x ", row[i])
			} else {
				b.WriteString("   ")
			}
		}
		b.WriteString(" |")
		for _, c := range row {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			b.WriteByte(c)
		}
		b.WriteString("|\n")
	}
	return b.String()
}
