package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Info is the daemon discovery record clients read to find the
// command channel.
type Info struct {
	PID       int       `json:"pid"`
	Network   string    `json:"network"`
	Address   string    `json:"address"`
	StartedAt time.Time `json:"started_at"`
}

func newInfo(network, address string) Info {
	return Info{
		PID:       os.Getpid(),
		Network:   network,
		Address:   address,
		StartedAt: time.Now().UTC(),
	}
}

// writePidFile records the daemon pid. An empty path disables the
// file.
func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing pid file %s: %w", path, err)
	}
	return nil
}

func removePidFile(path string) {
	if path != "" {
		os.Remove(path)
	}
}

// writeInfoFile records the command channel endpoint as JSON.
func writeInfoFile(path string, info Info) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding daemon info: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing info file %s: %w", path, err)
	}
	return nil
}

func removeInfoFile(path string) {
	if path != "" {
		os.Remove(path)
	}
}

// ReadInfoFile loads a daemon discovery record.
func ReadInfoFile(path string) (Info, error) {
	var info Info
	data, err := os.ReadFile(path)
	if err != nil {
		return info, fmt.Errorf("reading info file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("decoding info file %s: %w", path, err)
	}
	return info, nil
}
