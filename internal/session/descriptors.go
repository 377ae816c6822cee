package session

import (
	"context"
	"sync"
)

// StopFunc tears down an adapter task. It must return once the adapter
// has acknowledged cancellation, or when ctx expires.
type StopFunc func(ctx context.Context) error

// onceStop wraps a stop hook so that racing teardown paths, an
// explicit Unmount or StopListener against session close, invoke it at
// most once. Later callers block until the first invocation returns
// and observe its result.
func onceStop(stop StopFunc) StopFunc {
	var once sync.Once
	var err error
	return func(ctx context.Context) error {
		once.Do(func() {
			if stop != nil {
				err = stop(ctx)
			}
		})
		return err
	}
}

// MountState is the lifecycle of a filesystem mount.
type MountState string

const (
	MountStateMounting   MountState = "Mounting"
	MountStateActive     MountState = "Active"
	MountStateUnmounting MountState = "Unmounting"
)

// MountDescriptor records one FUSE mount owned by a session.
type MountDescriptor struct {
	Path     string     `json:"path"`
	PID      uint32     `json:"pid"`
	Writable bool       `json:"writable"`
	State    MountState `json:"state"`

	stop StopFunc
}

// ListenerState is the lifecycle of a GDB stub listener.
type ListenerState string

const (
	ListenerStateStarting  ListenerState = "Starting"
	ListenerStateListening ListenerState = "Listening"
	ListenerStateClosed    ListenerState = "Closed"
)

// ListenerDescriptor records one GDB stub listener owned by a session.
type ListenerDescriptor struct {
	Addr  string        `json:"addr"`
	Port  int           `json:"port"`
	PID   uint32        `json:"pid"`
	State ListenerState `json:"state"`

	stop StopFunc
}
