// Package fusefs exposes a session's process address spaces as a
// filesystem. The tree is /<pid>/{mem,info,modules/<name>} plus
// by-name aliases; mem is the byte-addressable virtual address space
// of the process.
package fusefs

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/mortifiers/memflow-cli/internal/facade"
	"github.com/mortifiers/memflow-cli/internal/session"
	"github.com/mortifiers/memflow-cli/internal/types"
)

// memFileSize is the advertised extent of a process mem file: the
// canonical user virtual address space. Reads beyond it are short.
const memFileSize = 1 << 48

// view is the state shared by every node of one mount: the session it
// serves, write policy, the process list cache, and the unmount
// barrier.
type view struct {
	facade   *facade.Facade
	sess     *session.Session
	writable bool
	refresh  time.Duration

	mu          sync.Mutex
	procs       []facade.ProcessSummary
	lastRefresh time.Time

	barrier sync.RWMutex
	closing bool
	drained sync.WaitGroup
}

func newView(f *facade.Facade, sess *session.Session, writable bool, refresh time.Duration) *view {
	if refresh <= 0 {
		refresh = 10 * time.Second
	}
	return &view{facade: f, sess: sess, writable: writable, refresh: refresh}
}

// beginOp admits one filesystem operation, refusing new work once
// unmounting has begun.
func (v *view) beginOp() error {
	v.barrier.RLock()
	if v.closing {
		v.barrier.RUnlock()
		return types.NewReason(types.KindMount, types.ReasonUnmounting, "filesystem is unmounting")
	}
	v.drained.Add(1)
	v.barrier.RUnlock()
	return nil
}

func (v *view) endOp() {
	v.drained.Done()
}

// startUnmount flips the barrier; in-flight operations finish, new
// ones fail. The returned wait blocks until the last one drains.
func (v *view) startUnmount() (wait func()) {
	v.barrier.Lock()
	v.closing = true
	v.barrier.Unlock()
	return v.drained.Wait
}

// processList returns the session's process list, cached for the
// refresh interval. A backend failure degrades to the previous
// snapshot, or to an empty directory when there is none.
func (v *view) processList(ctx context.Context) []facade.ProcessSummary {
	v.mu.Lock()
	defer v.mu.Unlock()
	if time.Since(v.lastRefresh) < v.refresh && v.procs != nil {
		return v.procs
	}
	procs, err := v.facade.ListProcesses(ctx, v.sess.Os())
	if err != nil {
		return v.procs
	}
	v.procs = procs
	v.lastRefresh = time.Now()
	return procs
}

// openHandle resolves a pid through the owning session so the mount
// shares handles with the command channel.
func (v *view) openHandle(ctx context.Context, pid uint32) (*facade.ProcessHandle, error) {
	return v.sess.OpenProcess(ctx, facade.ProcessSelector{PID: &pid})
}

// errno maps taxonomy errors onto filesystem error codes.
func errno(err error) error {
	switch types.KindOf(err) {
	case types.KindMemoryAccess:
		switch types.ReasonOf(err) {
		case types.ReasonPermissionDenied:
			return syscall.EACCES
		case types.ReasonOutOfRange:
			return syscall.ENXIO
		}
		return syscall.EIO
	case types.KindProcessNotFound:
		return syscall.ENOENT
	case types.KindMount:
		return syscall.EIO
	case types.KindSessionClosing, types.KindSessionNotFound:
		return syscall.EIO
	}
	return syscall.EIO
}

// Inode numbering keeps a process's files stable across refreshes:
// the pid in the low 32 bits, a member tag above.
const (
	memberRoot uint64 = iota
	memberDir
	memberMem
	memberInfo
	memberModules
)

func inodeFor(pid uint32, member uint64) uint64 {
	return member<<32 | uint64(pid)
}

// FS is the filesystem root.
type FS struct {
	view *view
}

// NewFS builds the filesystem over a session view.
func NewFS(f *facade.Facade, sess *session.Session, writable bool, refresh time.Duration) *FS {
	return &FS{view: newView(f, sess, writable, refresh)}
}

func (f *FS) Root() (fusefs.Node, error) {
	return &rootDir{view: f.view}, nil
}

type rootDir struct {
	view *view
}

func (d *rootDir) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = 1
	a.Mode = os.ModeDir | 0o555
	return nil
}

func (d *rootDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	if err := d.view.beginOp(); err != nil {
		return nil, errno(err)
	}
	defer d.view.endOp()

	procs := d.view.processList(ctx)
	entries := make([]fuse.Dirent, 0, len(procs)+1)
	entries = append(entries, fuse.Dirent{Name: "by-name", Type: fuse.DT_Dir})
	for _, p := range procs {
		entries = append(entries, fuse.Dirent{
			Inode: inodeFor(p.PID, memberDir),
			Name:  strconv.FormatUint(uint64(p.PID), 10),
			Type:  fuse.DT_Dir,
		})
	}
	return entries, nil
}

func (d *rootDir) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	if err := d.view.beginOp(); err != nil {
		return nil, errno(err)
	}
	defer d.view.endOp()

	if name == "by-name" {
		return &byNameDir{view: d.view}, nil
	}
	pid64, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return nil, syscall.ENOENT
	}
	h, err := d.view.openHandle(ctx, uint32(pid64))
	if err != nil {
		return nil, errno(err)
	}
	return &processDir{view: d.view, handle: h}, nil
}

// byNameDir aliases unique process names to their pid directories.
// Names shared by several processes are ambiguous and do not appear.
type byNameDir struct {
	view *view
}

func (d *byNameDir) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = 2
	a.Mode = os.ModeDir | 0o555
	return nil
}

func (d *byNameDir) uniqueNames(ctx context.Context) map[string]uint32 {
	counts := make(map[string]int)
	pids := make(map[string]uint32)
	for _, p := range d.view.processList(ctx) {
		counts[p.Name]++
		pids[p.Name] = p.PID
	}
	for name, n := range counts {
		if n > 1 {
			delete(pids, name)
		}
	}
	return pids
}

func (d *byNameDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	if err := d.view.beginOp(); err != nil {
		return nil, errno(err)
	}
	defer d.view.endOp()

	names := d.uniqueNames(ctx)
	entries := make([]fuse.Dirent, 0, len(names))
	for name, pid := range names {
		entries = append(entries, fuse.Dirent{
			Inode: inodeFor(pid, memberDir),
			Name:  name,
			Type:  fuse.DT_Dir,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (d *byNameDir) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	if err := d.view.beginOp(); err != nil {
		return nil, errno(err)
	}
	defer d.view.endOp()

	pid, ok := d.uniqueNames(ctx)[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	h, err := d.view.openHandle(ctx, pid)
	if err != nil {
		return nil, errno(err)
	}
	return &processDir{view: d.view, handle: h}, nil
}

// processDir is /<pid>.
type processDir struct {
	view   *view
	handle *facade.ProcessHandle
}

func (d *processDir) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = inodeFor(d.handle.PID(), memberDir)
	a.Mode = os.ModeDir | 0o555
	return nil
}

func (d *processDir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	pid := d.handle.PID()
	return []fuse.Dirent{
		{Inode: inodeFor(pid, memberMem), Name: "mem", Type: fuse.DT_File},
		{Inode: inodeFor(pid, memberInfo), Name: "info", Type: fuse.DT_File},
		{Inode: inodeFor(pid, memberModules), Name: "modules", Type: fuse.DT_Dir},
	}, nil
}

func (d *processDir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	switch name {
	case "mem":
		return &memFile{view: d.view, handle: d.handle}, nil
	case "info":
		return &infoFile{view: d.view, handle: d.handle}, nil
	case "modules":
		return &modulesDir{view: d.view, handle: d.handle}, nil
	}
	return nil, syscall.ENOENT
}

// memFile is /<pid>/mem: the process virtual address space. Offsets
// are virtual addresses; reads past the address space end are short.
type memFile struct {
	view   *view
	handle *facade.ProcessHandle
}

func (f *memFile) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = inodeFor(f.handle.PID(), memberMem)
	a.Size = memFileSize
	a.Mode = 0o444
	if f.view.writable {
		a.Mode = 0o644
	}
	return nil
}

func (f *memFile) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if err := f.view.beginOp(); err != nil {
		return errno(err)
	}
	defer f.view.endOp()

	offset := uint64(req.Offset)
	if offset >= memFileSize {
		resp.Data = nil
		return nil
	}
	size := uint64(req.Size)
	if offset+size > memFileSize {
		size = memFileSize - offset
	}
	data, err := f.view.facade.ReadMemory(ctx, f.handle, offset, int(size))
	if err != nil {
		if types.ReasonOf(err) != types.ReasonUnmapped {
			return errno(err)
		}
		// File-read semantics: a span crossing the end of a mapped
		// region returns the mapped prefix, a hole reads as end of
		// file.
		data = f.mappedPrefix(ctx, offset, int(size))
	}
	resp.Data = data
	return nil
}

// pageStep is the granularity used to locate the end of a mapped
// region when a read crosses into unmapped space.
const pageStep = 0x1000

// mappedPrefix reads as much of [addr, addr+length) as is mapped,
// stopping at the first page that fails.
func (f *memFile) mappedPrefix(ctx context.Context, addr uint64, length int) []byte {
	var out []byte
	cur := addr
	end := addr + uint64(length)
	for cur < end {
		next := (cur/pageStep + 1) * pageStep
		if next > end {
			next = end
		}
		chunk, err := f.view.facade.ReadMemory(ctx, f.handle, cur, int(next-cur))
		if err != nil {
			break
		}
		out = append(out, chunk...)
		cur = next
	}
	return out
}

func (f *memFile) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	if err := f.view.beginOp(); err != nil {
		return errno(err)
	}
	defer f.view.endOp()

	if !f.view.writable {
		return syscall.EACCES
	}
	if err := f.view.facade.WriteMemory(ctx, f.handle, uint64(req.Offset), req.Data); err != nil {
		return errno(err)
	}
	resp.Size = len(req.Data)
	return nil
}

// infoFile is /<pid>/info: process metadata as text.
type infoFile struct {
	view   *view
	handle *facade.ProcessHandle
}

func (f *infoFile) content() []byte {
	s := f.handle.Summary()
	return []byte(fmt.Sprintf("pid:  %d\nname: %s\narch: %s\nbase: 0x%x\n",
		s.PID, s.Name, s.Arch, s.Base))
}

func (f *infoFile) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = inodeFor(f.handle.PID(), memberInfo)
	a.Size = uint64(len(f.content()))
	a.Mode = 0o444
	return nil
}

func (f *infoFile) ReadAll(_ context.Context) ([]byte, error) {
	if err := f.view.beginOp(); err != nil {
		return nil, errno(err)
	}
	defer f.view.endOp()
	return f.content(), nil
}

// modulesDir is /<pid>/modules.
type modulesDir struct {
	view   *view
	handle *facade.ProcessHandle
}

func (d *modulesDir) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = inodeFor(d.handle.PID(), memberModules)
	a.Mode = os.ModeDir | 0o555
	return nil
}

func (d *modulesDir) modules(ctx context.Context) ([]facade.ModuleSummary, error) {
	return d.view.facade.ListModules(ctx, d.handle)
}

func (d *modulesDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	if err := d.view.beginOp(); err != nil {
		return nil, errno(err)
	}
	defer d.view.endOp()

	mods, err := d.modules(ctx)
	if err != nil {
		// Enumeration failures degrade to an empty directory.
		return nil, nil
	}
	entries := make([]fuse.Dirent, 0, len(mods))
	for _, m := range mods {
		entries = append(entries, fuse.Dirent{Name: m.Name, Type: fuse.DT_File})
	}
	return entries, nil
}

func (d *modulesDir) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	if err := d.view.beginOp(); err != nil {
		return nil, errno(err)
	}
	defer d.view.endOp()

	mods, err := d.modules(ctx)
	if err != nil {
		return nil, syscall.ENOENT
	}
	for _, m := range mods {
		if m.Name == name {
			return &moduleFile{view: d.view, handle: d.handle, module: m}, nil
		}
	}
	return nil, syscall.ENOENT
}

// moduleFile is /<pid>/modules/<name>: the module's mapped region.
type moduleFile struct {
	view   *view
	handle *facade.ProcessHandle
	module facade.ModuleSummary
}

func (f *moduleFile) Attr(_ context.Context, a *fuse.Attr) error {
	a.Size = f.module.Size
	a.Mode = 0o444
	return nil
}

func (f *moduleFile) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if err := f.view.beginOp(); err != nil {
		return errno(err)
	}
	defer f.view.endOp()

	offset := uint64(req.Offset)
	if offset >= f.module.Size {
		resp.Data = nil
		return nil
	}
	size := uint64(req.Size)
	if offset+size > f.module.Size {
		size = f.module.Size - offset
	}
	data, err := f.view.facade.ReadMemory(ctx, f.handle, f.module.Base+offset, int(size))
	if err != nil {
		return errno(err)
	}
	resp.Data = data
	return nil
}
