// Package ksyscall is the syscall ABI surface: the layer that ties
// together capability spaces, address spaces, channels, and the
// userspace allocators into the operations a thread actually invokes
// (map_memory, unmap_memory, channel send/recv/call, cap_clone, thread
// exit). Each operation takes a *Process or *Thread and plain arguments,
// and returns a defs.Err_t-backed error, matching the flat-discriminant
// ABI the rest of the kernel core uses.
package ksyscall

import (
	"context"
	"sync"

	"kernel/addrspace"
	"kernel/captype"
	"kernel/capspace"
	"kernel/channel"
	"kernel/defs"
	"kernel/klog"
	"kernel/mem"
	"kernel/memcap"
	"kernel/msgcopy"
	"kernel/threadexit"
	"kernel/uaspace"
	"kernel/uheap"
	"kernel/vmem"
)

var log = klog.For("ksyscall")

// Process is one userspace process: its capability space, its kernel-side
// address space (page table + mapping list), the userspace-visible
// mirror of that address space used for ASLR placement, a heap carved
// out of mapped memory, and the thread set sharing all of it.
type Process struct {
	Pid   defs.Pid_t
	Space *capspace.Space
	Addr  *addrspace.AddressSpace
	UA    *uaspace.Manager
	Heap  *uheap.Allocator
	phys  *mem.PhysMemManager

	mu      sync.Mutex
	threads map[defs.Tid_t]*Thread
	nextTid uint64
}

// Thread is one thread of execution within a Process.
type Thread struct {
	Tid   defs.Tid_t
	Stack uaspace.Region
}

// NewProcess creates an empty process backed by phys for frame
// allocation, with its userspace address space spanning
// [0, maxUserAddr) and seeded for ASLR with seed. The heap starts with
// no zones; it grows by mapping fresh Memory capabilities through the
// process's own MapMemory as it runs out of room.
func NewProcess(pid defs.Pid_t, phys *mem.PhysMemManager, maxUserAddr uint64, seed [32]byte) *Process {
	p := &Process{
		Pid:     pid,
		Space:   capspace.NewSpace(),
		Addr:    addrspace.New(),
		UA:      uaspace.New(maxUserAddr, seed),
		phys:    phys,
		threads: make(map[defs.Tid_t]*Thread),
	}
	p.Heap = uheap.New(0, 0, 0, 0, p.growHeapZone)
	return p
}

// growHeapZone is the uheap.ZoneSource backing this process's heap: it
// maps a fresh Memory capability large enough for minSize and hands back
// its capability id and the virtual address range the heap allocator may
// carve blocks from.
func (p *Process) growHeapZone(minSize uint64) (uint64, uint64, uint64, error) {
	numPages := int((minSize + mem.PGSIZE - 1) / mem.PGSIZE)
	if numPages == 0 {
		numPages = 1
	}
	res, err := p.MapMemory(MapMemoryArgs{NumPages: numPages, Flags: captype.FlagRead | captype.FlagWrite})
	if err != nil {
		return 0, 0, 0, err
	}
	return uint64(res.CapID), res.VA, uint64(numPages) * mem.PGSIZE, nil
}

func (p *Process) newTid() defs.Tid_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextTid++
	return defs.Tid_t(p.nextTid)
}

// SpawnThread registers a new thread in the process and reserves a
// stack region of stackSize bytes chosen by ASLR.
func (p *Process) SpawnThread(stackSize uint64) (*Thread, error) {
	addr, err := p.UA.FindMapAddress(stackSize)
	if err != nil {
		return nil, err
	}
	region := uaspace.Region{Start: addr, Size: stackSize}
	if err := p.UA.InsertRegion(region); err != nil {
		return nil, err
	}
	t := &Thread{Tid: p.newTid(), Stack: region}
	p.mu.Lock()
	p.threads[t.Tid] = t
	p.mu.Unlock()
	return t, nil
}

func (p *Process) allocFrame() (mem.Pa_t, error) {
	f, err := p.phys.Alloc(mem.PGSIZE)
	if err != nil {
		return 0, err
	}
	return f.Addr, nil
}

func (p *Process) releaseFrame(addr mem.Pa_t) {
	p.phys.Dealloc(mem.PhysFrame{Addr: addr, Size: mem.PGSIZE})
}

// MapMemoryArgs describes a map_memory syscall request.
type MapMemoryArgs struct {
	NumPages int
	Flags    captype.CapFlags
}

// MapMemoryResult is what map_memory returns on success: the capability
// id naming the new Memory capability, and the virtual address it was
// placed at.
type MapMemoryResult struct {
	CapID captype.CapId
	VA    uint64
}

// MapMemory allocates a fresh Memory capability of args.NumPages pages
// (all lazy-zero until touched), picks a virtual address for it via
// ASLR, and installs the mapping in the process's address space.
func (p *Process) MapMemory(args MapMemoryArgs) (MapMemoryResult, error) {
	if args.NumPages <= 0 {
		return MapMemoryResult{}, defs.WrapErr("ksyscall.MapMemory", defs.EINVLARGS)
	}
	size := uint64(args.NumPages) * mem.PGSIZE

	addr, err := p.UA.FindMapAddress(size)
	if err != nil {
		return MapMemoryResult{}, err
	}

	m := memcap.New(args.NumPages, p.allocFrame, p.releaseFrame)
	strong := captype.NewStrong(m, args.Flags)
	capID := p.Space.Memory.Insert(captype.FromStrong(strong), true)

	if _, err := p.Addr.MapMemory(vmem.VAddr(addr), m, args.Flags); err != nil {
		_, _ = p.Space.Memory.Remove(capID)
		return MapMemoryResult{}, err
	}
	if err := p.UA.InsertRegion(uaspace.Region{Start: addr, Size: size}); err != nil {
		_ = p.Addr.UnmapMemory(vmem.VAddr(addr))
		_, _ = p.Space.Memory.Remove(capID)
		return MapMemoryResult{}, err
	}

	log.WithField("pid", p.Pid).WithField("va", addr).Debug("map_memory")
	return MapMemoryResult{CapID: capID, VA: addr}, nil
}

// UnmapMemory removes the mapping at va, releasing its userspace region
// reservation and the underlying kernel-side page table entries.
func (p *Process) UnmapMemory(va uint64) error {
	if err := p.Addr.UnmapMemory(vmem.VAddr(va)); err != nil {
		return err
	}
	if _, err := p.UA.RemoveRegion(va); err != nil {
		return err
	}
	return nil
}

// CapClone clones a capability from src into dst under newPerms.
func CapClone(dst, src *Process, id captype.CapId, newPerms captype.CapFlags, weakness capspace.CloneWeakness, destroySrc bool) (captype.CapId, error) {
	return capspace.CapClone(dst.Space, src.Space, id, newPerms, weakness, destroySrc, true)
}

// ChannelCreate allocates a new Channel capability in p's capability
// space and returns its id.
func (p *Process) ChannelCreate(flags captype.CapFlags) captype.CapId {
	strong := captype.NewStrong(channel.New(), flags)
	return p.Space.Channel.Insert(captype.FromStrong(strong), true)
}

// ChannelSend performs a synchronous send on the channel named by id.
func (p *Process) ChannelSend(ctx context.Context, id captype.CapId, msg channel.Message) error {
	strong, err := p.Space.Channel.GetWithPerms(id, captype.FlagWrite, true)
	if err != nil {
		return err
	}
	return strong.Get().SyncSend(ctx, msg)
}

// ChannelRecv performs a synchronous receive on the channel named by id.
func (p *Process) ChannelRecv(ctx context.Context, id captype.CapId) (channel.Message, error) {
	strong, err := p.Space.Channel.GetWithPerms(id, captype.FlagRead, true)
	if err != nil {
		return channel.Message{}, err
	}
	return strong.Get().SyncRecv(ctx)
}

// ChannelCall performs a call (send + block for reply) on the channel
// named by id.
func (p *Process) ChannelCall(ctx context.Context, id captype.CapId, msg channel.Message) (channel.Message, error) {
	strong, err := p.Space.Channel.GetWithPerms(id, captype.FlagWrite|captype.FlagRead, true)
	if err != nil {
		return channel.Message{}, err
	}
	return strong.Get().SyncCall(ctx, msg)
}

// ReplySend delivers msg through the reply capability named by capID, the
// id a sync_call's message carries in-band so the receiver can address
// it without ever seeing the caller's capability space. A second
// ReplySend against the same capID, or one naming an id never issued by
// a live SyncCall, fails with EINVLID.
func ReplySend(capID uint64, msg channel.Message) error {
	reply := channel.TakeReply(capID)
	if reply == nil {
		return defs.WrapErr("ksyscall.ReplySend", defs.EINVLID)
	}
	return reply.Send(msg)
}

// WriteMemory streams data into the Memory capability named by id,
// starting at byte offset off, using msgcopy's page-crossing writer.
func (p *Process) WriteMemory(id captype.CapId, off int, data []byte, ram *mem.Ram) (msgcopy.WriteResult, error) {
	strong, err := p.Space.Memory.GetWithPerms(id, captype.FlagWrite, true)
	if err != nil {
		return msgcopy.WriteResult{}, err
	}
	w := msgcopy.NewMemoryWriter(strong.Get(), ram, off)
	return w.WriteRegion(data)
}

// ExitThread runs the thread-exit tail sequence for tid: unmap its
// stack, release the transient-unmap counter, then forget the thread.
func (p *Process) ExitThread(tid defs.Tid_t) error {
	p.mu.Lock()
	t, ok := p.threads[tid]
	p.mu.Unlock()
	if !ok {
		return defs.WrapErr("ksyscall.ExitThread", defs.EINVLID)
	}
	err := threadexit.Run(p.UA, t.Stack.Start, func() error {
		p.mu.Lock()
		delete(p.threads, tid)
		p.mu.Unlock()
		return nil
	})
	return err
}

// ThreadCount reports the number of live threads, used by tests and
// diagnostics.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}
