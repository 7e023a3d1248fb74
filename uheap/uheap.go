// Package uheap implements the userspace heap: an intrusive free-list
// allocator carved out of memory-capability-backed heap zones, growing
// by adding more zones when exhausted. Each zone keeps a sorted-by-
// address free list, searched first-fit, merging a freed block with its
// address-adjacent neighbors. A real allocator splices free-list nodes
// directly into freed memory via raw pointers; this implementation keeps
// the free list as ordinary Go values indexed by address, since a hosted
// simulator has no real memory to store the node headers in.
package uheap

import (
	"sort"
	"sync"

	"kernel/defs"
)

// block is one free range within a zone, [addr, addr+size).
type block struct {
	addr uint64
	size uint64
}

func (b block) end() uint64 { return b.addr + b.size }

// zone is one contiguous heap extent, carved from a memory capability at
// process bootstrap or grown on demand, with its own sorted free list.
// capID names the Memory capability backing the zone, so an allocation
// out of it can be addressed as (capability, offset) for a zero-copy
// channel send instead of only by raw address.
type zone struct {
	capID uint64
	base  uint64
	size  uint64
	free  []block // sorted by addr, no two entries touching (always merged)
}

func newZone(capID, base, size uint64) *zone {
	return &zone{capID: capID, base: base, size: size, free: []block{{addr: base, size: size}}}
}

func (z *zone) freeSpace() uint64 {
	var total uint64
	for _, b := range z.free {
		total += b.size
	}
	return total
}

func (z *zone) contains(addr uint64) bool {
	return addr >= z.base && addr < z.base+z.size
}

// alloc finds the first free block big enough for size bytes aligned to
// align, splitting off the remainder if the block is larger than needed.
func (z *zone) alloc(size, align uint64) (uint64, bool) {
	for i, b := range z.free {
		start := alignUp(b.addr, align)
		needed := (start - b.addr) + size
		if needed > b.size {
			continue
		}
		remainderStart := start + size
		remainderEnd := b.end()

		var replacement []block
		if start > b.addr {
			replacement = append(replacement, block{addr: b.addr, size: start - b.addr})
		}
		if remainderEnd > remainderStart {
			replacement = append(replacement, block{addr: remainderStart, size: remainderEnd - remainderStart})
		}

		z.free = append(z.free[:i], append(replacement, z.free[i+1:]...)...)
		return start, true
	}
	return 0, false
}

// dealloc returns [addr, addr+size) to the free list, merging with
// address-adjacent free blocks on either side so the list never holds two
// touching blocks (matching Node::merge in the original allocator).
func (z *zone) dealloc(addr, size uint64) {
	nb := block{addr: addr, size: size}
	idx := sort.Search(len(z.free), func(i int) bool { return z.free[i].addr >= addr })

	if idx > 0 && z.free[idx-1].end() == nb.addr {
		nb.addr = z.free[idx-1].addr
		nb.size += z.free[idx-1].size
		idx--
		z.free = append(z.free[:idx], z.free[idx+1:]...)
	}
	if idx < len(z.free) && nb.end() == z.free[idx].addr {
		nb.size += z.free[idx].size
		z.free = append(z.free[:idx], z.free[idx+1:]...)
	}

	z.free = append(z.free, block{})
	copy(z.free[idx+1:], z.free[idx:])
	z.free[idx] = nb
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// ZoneSource supplies fresh heap zones when the allocator runs out of
// space in its existing ones, e.g. by mapping a new memory capability
// into the process's address space. The returned capID names that
// capability so allocations out of the new zone can be addressed as
// (capability, offset).
type ZoneSource func(minSize uint64) (capID uint64, base uint64, size uint64, err error)

// Allocator is the process-wide userspace heap.
type Allocator struct {
	mu         sync.Mutex
	zones      []*zone
	growZoneBy uint64
	source     ZoneSource
}

// New creates an allocator that starts with one zone [base, base+size),
// backed by the capability named capID, and grows by requesting further
// zones of at least growZoneBy bytes from source when exhausted.
func New(capID, base, size, growZoneBy uint64, source ZoneSource) *Allocator {
	return &Allocator{zones: []*zone{newZone(capID, base, size)}, growZoneBy: growZoneBy, source: source}
}

// MessageBuffer names a heap allocation as (memory capability, offset,
// size), the form a channel send needs to transfer the buffer by
// reference instead of copying it: Addr is the same allocation expressed
// as a flat virtual address, kept for callers (e.g. Dealloc) that only
// need to free it back.
type MessageBuffer struct {
	CapID  uint64
	Offset uint64
	Size   uint64
	Addr   uint64
}

// Alloc returns a size-byte, align-aligned allocation as a MessageBuffer,
// growing the heap with a new zone if no existing zone has room.
func (a *Allocator) Alloc(size, align uint64) (MessageBuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, z := range a.zones {
		if addr, ok := z.alloc(size, align); ok {
			return MessageBuffer{CapID: z.capID, Offset: addr - z.base, Size: size, Addr: addr}, nil
		}
	}

	if a.source == nil {
		return MessageBuffer{}, defs.WrapErr("uheap.Alloc", defs.EOOM)
	}
	want := size + align
	if want < a.growZoneBy {
		want = a.growZoneBy
	}
	capID, base, zsize, err := a.source(want)
	if err != nil {
		return MessageBuffer{}, defs.WrapErr("uheap.Alloc", defs.EOOM)
	}
	z := newZone(capID, base, zsize)
	a.zones = append(a.zones, z)

	addr, ok := z.alloc(size, align)
	if !ok {
		return MessageBuffer{}, defs.WrapErr("uheap.Alloc", defs.EOOM)
	}
	return MessageBuffer{CapID: z.capID, Offset: addr - z.base, Size: size, Addr: addr}, nil
}

// Dealloc returns a previously allocated [addr, addr+size) range to the
// zone that contains it.
func (a *Allocator) Dealloc(addr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, z := range a.zones {
		if z.contains(addr) {
			z.dealloc(addr, size)
			return nil
		}
	}
	return defs.WrapErr("uheap.Dealloc", defs.EINVLARGS)
}

// FreeSpace reports the total free bytes across all zones, used by tests.
func (a *Allocator) FreeSpace() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, z := range a.zones {
		total += z.freeSpace()
	}
	return total
}

// ZoneCount reports how many zones the heap currently spans.
func (a *Allocator) ZoneCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.zones)
}
