package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mortifiers/memflow-cli/internal/types"
)

// The dummy connector / dummy_os plugin pair backs tests and local
// development with a fully in-process target: a page-granular physical
// memory source and a small fixed process table mapped onto it.

const (
	pageSize = 0x1000

	// addressSpaceLimit is the top of the dummy virtual address space.
	// Accesses at or above it fail with OutOfRange.
	addressSpaceLimit = uint64(1) << 48
)

// ProcessExiter is implemented by OS instances whose processes can
// disappear underneath the daemon. The dummy OS implements it so tests
// can simulate a target process exiting mid-session.
type ProcessExiter interface {
	ExitProcess(pid uint32) bool
}

// NewDummyConnector returns the in-process dummy connector.
func NewDummyConnector() Connector {
	return &dummyConnector{}
}

// NewDummyOsPlugin returns the dummy_os plugin.
func NewDummyOsPlugin() OsPlugin {
	return &dummyOsPlugin{}
}

type dummyConnector struct{}

func (c *dummyConnector) Name() string        { return "dummy" }
func (c *dummyConnector) Description() string { return "in-process memory source for testing" }

func (c *dummyConnector) Open(_ context.Context, _ Args) (MemorySource, error) {
	return &dummySource{pages: make(map[uint64][]byte)}, nil
}

// dummySource is a sparse page-granular physical memory.
type dummySource struct {
	mu    sync.RWMutex
	pages map[uint64][]byte
}

func (s *dummySource) ReadPhysical(_ context.Context, addr uint64, buf []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyPages(addr, buf, false)
}

func (s *dummySource) WritePhysical(_ context.Context, addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyPages(addr, data, true)
}

// copyPages moves len(buf) bytes between buf and the page map starting
// at addr. Pages are validated up front so the operation never
// partially completes.
func (s *dummySource) copyPages(addr uint64, buf []byte, write bool) error {
	if len(buf) == 0 {
		return nil
	}
	end := addr + uint64(len(buf))
	for page := addr &^ (pageSize - 1); page < end; page += pageSize {
		if _, ok := s.pages[page]; !ok {
			return types.NewReasonf(types.KindMemoryAccess, types.ReasonUnmapped,
				"physical page %#x not present", page)
		}
	}
	off := 0
	for off < len(buf) {
		cur := addr + uint64(off)
		page := cur &^ (pageSize - 1)
		pageOff := int(cur - page)
		n := pageSize - pageOff
		if rem := len(buf) - off; n > rem {
			n = rem
		}
		if write {
			copy(s.pages[page][pageOff:pageOff+n], buf[off:off+n])
		} else {
			copy(buf[off:off+n], s.pages[page][pageOff:pageOff+n])
		}
		off += n
	}
	return nil
}

// mapRange allocates zeroed physical pages covering [addr, addr+size).
func (s *dummySource) mapRange(addr, size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for page := addr &^ (pageSize - 1); page < addr+size; page += pageSize {
		if _, ok := s.pages[page]; !ok {
			s.pages[page] = make([]byte, pageSize)
		}
	}
}

func (s *dummySource) Close() error { return nil }

type dummyOsPlugin struct{}

func (p *dummyOsPlugin) Name() string        { return "dummy_os" }
func (p *dummyOsPlugin) Description() string { return "fixed process table over any memory source" }

// region maps one virtual range of a dummy process onto physical
// memory.
type region struct {
	va       uint64
	pa       uint64
	size     uint64
	readOnly bool
}

type dummyProcSpec struct {
	info    ProcessInfo
	regions []region
	modules []ModuleInfo
}

func (p *dummyOsPlugin) Init(_ context.Context, src MemorySource, _ Args) (OsInstance, error) {
	ds, ok := src.(*dummySource)
	if !ok {
		return nil, fmt.Errorf("dummy_os requires the dummy connector")
	}

	osInst := &dummyOs{
		src:    ds,
		procs:  make(map[uint32]*dummyProcSpec),
		exited: make(map[uint32]bool),
	}

	// Physical layout: each process gets a disjoint physical window.
	// Virtual layouts deliberately leave holes between regions so
	// unmapped-span accesses have something to trip over.
	specs := []dummyProcSpec{
		{
			info: ProcessInfo{PID: 4, Name: "System", Base: 0x10000, Arch: ArchX86_64},
			regions: []region{
				{va: 0x10000, pa: 0x100000, size: 0x8000},
			},
			modules: []ModuleInfo{
				{Name: "ntoskrnl.exe", Base: 0x10000, Size: 0x8000},
			},
		},
		{
			info: ProcessInfo{PID: 420, Name: "notepad.exe", Base: 0x400000, Arch: ArchX86_64},
			regions: []region{
				{va: 0x1000, pa: 0x200000, size: 0x4000},
				{va: 0x400000, pa: 0x210000, size: 0x10000, readOnly: true},
				{va: 0x7ff80000, pa: 0x230000, size: 0x20000, readOnly: true},
			},
			modules: []ModuleInfo{
				{Name: "notepad.exe", Base: 0x400000, Size: 0x10000},
				{Name: "kernel32.dll", Base: 0x7ff80000, Size: 0x20000},
			},
		},
		{
			info: ProcessInfo{PID: 1337, Name: "calc.exe", Base: 0x500000, Arch: ArchX86_64},
			regions: []region{
				{va: 0x500000, pa: 0x300000, size: 0x8000},
			},
			modules: []ModuleInfo{
				{Name: "calc.exe", Base: 0x500000, Size: 0x8000},
			},
		},
		{
			info: ProcessInfo{PID: 1000, Name: "svchost.exe", Base: 0x600000, Arch: ArchX86},
			regions: []region{
				{va: 0x600000, pa: 0x310000, size: 0x4000},
			},
			modules: []ModuleInfo{
				{Name: "svchost.exe", Base: 0x600000, Size: 0x4000},
			},
		},
		{
			info: ProcessInfo{PID: 1001, Name: "svchost.exe", Base: 0x700000, Arch: ArchX86},
			regions: []region{
				{va: 0x700000, pa: 0x320000, size: 0x4000},
			},
			modules: []ModuleInfo{
				{Name: "svchost.exe", Base: 0x700000, Size: 0x4000},
			},
		},
	}

	for i := range specs {
		spec := specs[i]
		for _, r := range spec.regions {
			ds.mapRange(r.pa, r.size)
		}
		osInst.procs[spec.info.PID] = &specs[i]
	}
	return osInst, nil
}

// dummyOs implements OsInstance and ProcessExiter.
type dummyOs struct {
	mu     sync.RWMutex
	src    *dummySource
	procs  map[uint32]*dummyProcSpec
	exited map[uint32]bool
	closed bool
}

func (o *dummyOs) ProcessList(_ context.Context) ([]ProcessInfo, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return nil, types.New(types.KindOsInitError, "os instance closed")
	}
	infos := make([]ProcessInfo, 0, len(o.procs))
	for pid, spec := range o.procs {
		if o.exited[pid] {
			continue
		}
		infos = append(infos, spec.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	return infos, nil
}

func (o *dummyOs) OpenProcess(_ context.Context, pid uint32) (RawProcess, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	spec, ok := o.procs[pid]
	if !ok || o.exited[pid] {
		return nil, types.Newf(types.KindProcessNotFound, "no process with pid %d", pid)
	}
	return &dummyProcess{os: o, spec: spec}, nil
}

func (o *dummyOs) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.src.Close()
}

// ExitProcess simulates the target process exiting. Returns false if
// the pid does not exist.
func (o *dummyOs) ExitProcess(pid uint32) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.procs[pid]; !ok {
		return false
	}
	o.exited[pid] = true
	return true
}

type dummyProcess struct {
	os   *dummyOs
	spec *dummyProcSpec
}

func (p *dummyProcess) Info() ProcessInfo { return p.spec.info }

func (p *dummyProcess) Alive(_ context.Context) bool {
	p.os.mu.RLock()
	defer p.os.mu.RUnlock()
	return !p.os.closed && !p.os.exited[p.spec.info.PID]
}

// regionAt finds the region containing va, or nil.
func (p *dummyProcess) regionAt(va uint64) *region {
	for i := range p.spec.regions {
		r := &p.spec.regions[i]
		if va >= r.va && va < r.va+r.size {
			return r
		}
	}
	return nil
}

// checkSpan validates a whole [addr, addr+length) access and returns
// the covering regions in order. Any gap fails the entire request.
func (p *dummyProcess) checkSpan(addr uint64, length int, write bool) ([]*region, error) {
	if length == 0 {
		return nil, nil
	}
	if addr >= addressSpaceLimit || addr+uint64(length) > addressSpaceLimit {
		return nil, types.NewReasonf(types.KindMemoryAccess, types.ReasonOutOfRange,
			"access at %#x+%#x exceeds address space", addr, length)
	}
	var regions []*region
	cur := addr
	end := addr + uint64(length)
	for cur < end {
		r := p.regionAt(cur)
		if r == nil {
			return nil, types.NewReasonf(types.KindMemoryAccess, types.ReasonUnmapped,
				"address %#x not mapped", cur)
		}
		if write && r.readOnly {
			return nil, types.NewReasonf(types.KindMemoryAccess, types.ReasonPermissionDenied,
				"region at %#x is read-only", r.va)
		}
		regions = append(regions, r)
		cur = r.va + r.size
	}
	return regions, nil
}

func (p *dummyProcess) access(ctx context.Context, addr uint64, buf []byte, write bool) error {
	if !p.Alive(ctx) {
		return types.Newf(types.KindProcessNotFound, "process %d has exited", p.spec.info.PID)
	}
	regions, err := p.checkSpan(addr, len(buf), write)
	if err != nil {
		return err
	}
	off := 0
	for _, r := range regions {
		start := addr + uint64(off)
		if start < r.va {
			start = r.va
		}
		n := int(r.va + r.size - start)
		if rem := len(buf) - off; n > rem {
			n = rem
		}
		pa := r.pa + (start - r.va)
		if write {
			err = p.os.src.WritePhysical(ctx, pa, buf[off:off+n])
		} else {
			err = p.os.src.ReadPhysical(ctx, pa, buf[off:off+n])
		}
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

func (p *dummyProcess) ReadAt(ctx context.Context, addr uint64, buf []byte) error {
	return p.access(ctx, addr, buf, false)
}

func (p *dummyProcess) WriteAt(ctx context.Context, addr uint64, data []byte) error {
	return p.access(ctx, addr, data, true)
}

func (p *dummyProcess) Translate(_ context.Context, va uint64) (uint64, error) {
	r := p.regionAt(va)
	if r == nil {
		return 0, types.Newf(types.KindTranslation, "address %#x not mapped", va)
	}
	return r.pa + (va - r.va), nil
}

func (p *dummyProcess) Modules(ctx context.Context) ([]ModuleInfo, error) {
	if !p.Alive(ctx) {
		return nil, types.Newf(types.KindProcessNotFound, "process %d has exited", p.spec.info.PID)
	}
	mods := make([]ModuleInfo, len(p.spec.modules))
	copy(mods, p.spec.modules)
	return mods, nil
}

func (p *dummyProcess) Close() error { return nil }
