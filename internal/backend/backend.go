// Package backend defines the boundary to the low-level memory
// introspection libraries. The daemon core never touches raw memory
// itself: it drives these contracts, and concrete connector/OS plugin
// pairs (a QEMU connector, a win32 OS resolver, the in-process dummy
// pair) live behind them.
package backend

import (
	"context"
	"sort"
	"sync"

	"github.com/mortifiers/memflow-cli/internal/types"
)

// Architecture identifies a target instruction set.
type Architecture string

const (
	ArchX86_64  Architecture = "x86_64"
	ArchX86     Architecture = "i386"
	ArchAArch64 Architecture = "aarch64"
	ArchUnknown Architecture = "unknown"
)

// Args carries connector/OS plugin arguments from the connect command.
type Args map[string]string

// ConnectorInfo describes a registered connector.
type ConnectorInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// OsInfo describes a registered OS plugin.
type OsInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ProcessInfo is the backend's view of one process.
type ProcessInfo struct {
	PID  uint32       `json:"pid"`
	Name string       `json:"name"`
	Base uint64       `json:"base"`
	Arch Architecture `json:"arch"`
}

// ModuleInfo is the backend's view of one loaded module.
type ModuleInfo struct {
	Name string `json:"name"`
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
}

// Connector provides raw access to a memory source (physical RAM, a
// snapshot file, a remote agent).
type Connector interface {
	Name() string
	Description() string

	// Open establishes the raw memory source. Failures are reported
	// as ConnectorError.
	Open(ctx context.Context, args Args) (MemorySource, error)
}

// MemorySource is a connector's raw byte-level view.
type MemorySource interface {
	// ReadPhysical fills buf from physical address addr, atomically:
	// either the whole buffer is filled or an error is returned.
	ReadPhysical(ctx context.Context, addr uint64, buf []byte) error

	// WritePhysical writes data at physical address addr, atomically.
	WritePhysical(ctx context.Context, addr uint64, data []byte) error

	Close() error
}

// OsPlugin resolves process and module structure on top of a memory
// source.
type OsPlugin interface {
	Name() string
	Description() string

	// Init builds an OS instance over the source. Failures are
	// reported as OsInitError.
	Init(ctx context.Context, src MemorySource, args Args) (OsInstance, error)
}

// OsInstance resolves processes within one introspected OS. Instances
// are owned by exactly one session and must outlive every process
// opened from them.
type OsInstance interface {
	// ProcessList enumerates the OS's processes.
	ProcessList(ctx context.Context) ([]ProcessInfo, error)

	// OpenProcess opens a raw process by pid. Returns ProcessNotFound
	// if no such pid exists.
	OpenProcess(ctx context.Context, pid uint32) (RawProcess, error)

	// Close releases the instance and its memory source.
	Close() error
}

// RawProcess is the backend's handle to one process address space.
type RawProcess interface {
	Info() ProcessInfo

	// ReadAt fills buf from virtual address addr. The read is atomic:
	// a request spanning an unmapped page fails as a whole with
	// MemoryAccessError and no partial data.
	ReadAt(ctx context.Context, addr uint64, buf []byte) error

	// WriteAt writes data at virtual address addr, with the same
	// whole-request atomicity as ReadAt.
	WriteAt(ctx context.Context, addr uint64, data []byte) error

	// Translate resolves a virtual address to a physical address,
	// failing with TranslationError if the page is not mapped.
	Translate(ctx context.Context, va uint64) (uint64, error)

	// Modules enumerates the process's loaded modules.
	Modules(ctx context.Context) ([]ModuleInfo, error)

	// Alive reports whether the process still exists. Liveness is
	// checked lazily by callers on access, never polled.
	Alive(ctx context.Context) bool

	Close() error
}

// ExecutionController is an optional capability of a RawProcess.
// Backends that can control execution (pause, resume, single-step)
// implement it; the GDB stub probes for it and reports Unsupported
// otherwise.
type ExecutionController interface {
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	Step(ctx context.Context) error
}

// Registry holds the available connector and OS plugin pairs.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	osPlugins  map[string]OsPlugin
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
		osPlugins:  make(map[string]OsPlugin),
	}
}

// RegisterConnector adds a connector. Later registrations with the
// same name replace earlier ones.
func (r *Registry) RegisterConnector(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

// RegisterOsPlugin adds an OS plugin.
func (r *Registry) RegisterOsPlugin(p OsPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.osPlugins[p.Name()] = p
}

// Connectors lists registered connectors, sorted by name.
func (r *Registry) Connectors() []ConnectorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ConnectorInfo, 0, len(r.connectors))
	for _, c := range r.connectors {
		infos = append(infos, ConnectorInfo{Name: c.Name(), Description: c.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// OsPlugins lists registered OS plugins, sorted by name.
func (r *Registry) OsPlugins() []OsInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]OsInfo, 0, len(r.osPlugins))
	for _, p := range r.osPlugins {
		infos = append(infos, OsInfo{Name: p.Name(), Description: p.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Connect opens the named connector and initializes the named OS
// plugin over it. The returned OsInstance owns the memory source and
// releases it on Close.
func (r *Registry) Connect(ctx context.Context, connectorName, osName string, args Args) (OsInstance, error) {
	r.mu.RLock()
	connector, haveConnector := r.connectors[connectorName]
	osPlugin, haveOs := r.osPlugins[osName]
	r.mu.RUnlock()

	if !haveConnector {
		return nil, types.Newf(types.KindConnectorError, "unknown connector %q", connectorName)
	}
	if !haveOs {
		return nil, types.Newf(types.KindOsInitError, "unknown os plugin %q", osName)
	}

	src, err := connector.Open(ctx, args)
	if err != nil {
		return nil, types.Wrap(types.KindConnectorError, "connector "+connectorName+" failed to open", err)
	}

	osInst, err := osPlugin.Init(ctx, src, args)
	if err != nil {
		src.Close()
		return nil, types.Wrap(types.KindOsInitError, "os plugin "+osName+" failed to initialize", err)
	}
	return osInst, nil
}
