// Package addrspace implements the AddressSpace capability: a sorted
// list of virtual-address mappings plus a mapping-id index, hosting
// Memory (and, eventually, EventPool and PhysMem) mappings searched both
// by address and by id.
package addrspace

import (
	"sort"
	"sync"
	"sync/atomic"

	"kernel/captype"
	"kernel/defs"
	"kernel/memcap"
	"kernel/vmem"
)

// MappingId names one live mapping, independent of its virtual address,
// so a mapping can be looked up and removed by id even if its address is
// not known to the caller.
type MappingId uint64

var nextMappingID atomic.Uint64

func newMappingID() MappingId {
	return MappingId(nextMappingID.Add(1))
}

// mapping records one [base, base+size) region backed by a Memory
// capability, sorted by base for binary-search lookup by address.
type mapping struct {
	id     MappingId
	base   vmem.VAddr
	size   uint64
	memory *memcap.Memory
}

func (m mapping) end() vmem.VAddr { return m.base + vmem.VAddr(m.size) }

// AddressSpace is a process's virtual address space: a page table plus
// the bookkeeping needed to resolve an address to the Memory capability
// mapped there and tear mappings down cleanly.
type AddressSpace struct {
	mu    sync.Mutex
	pt    *vmem.PageTable
	byVA  []mapping // kept sorted by base
	byID  map[MappingId]int
}

// New creates an empty address space with a fresh page table.
func New() *AddressSpace {
	return &AddressSpace{pt: vmem.New(), byID: make(map[MappingId]int)}
}

// PageTable exposes the underlying page table, e.g. for a page-fault
// handler that needs to inspect or fault in entries directly.
func (a *AddressSpace) PageTable() *vmem.PageTable { return a.pt }

// MapMemory installs mem's pages starting at base with PTE permissions
// derived from flags, committing page table entries only for pages
// already materialized (Owned or Cow) and leaving lazy pages unresolved
// until their own first touch -- mapping an all-lazy region must not
// itself consume a frame per page. A materialized Cow page is always
// installed read-only regardless of flags, since write access to it must
// fault and break the share first. Any failure unwinds every page table
// entry this call had already installed and registers this address space
// as a mapping site only on success, so later page-state transitions (a
// Cow break, a lazy commit) can remap it with the same options.
func (a *AddressSpace) MapMemory(base vmem.VAddr, m *memcap.Memory, flags captype.CapFlags) (MappingId, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := uint64(m.NumPages()) * 4096
	idx := a.findInsertionIndex(base)
	if idx < len(a.byVA) && a.byVA[idx].base < base+vmem.VAddr(size) {
		return 0, defs.WrapErr("addrspace.MapMemory", defs.EINVLVIRTADDR)
	}
	if idx > 0 && a.byVA[idx-1].end() > base {
		return 0, defs.WrapErr("addrspace.MapMemory", defs.EINVLVIRTADDR)
	}

	options := vmem.PteUser
	if flags.Contains(captype.FlagWrite) {
		options |= vmem.PteWrite
	}

	installed := make([]vmem.VAddr, 0, m.NumPages())
	for i := 0; i < m.NumPages(); i++ {
		frame, kind, materialized, err := m.MaterializedFrame(i)
		if err != nil {
			for _, va := range installed {
				_, _ = a.pt.UnmapPage(va)
			}
			return 0, err
		}
		if !materialized {
			continue
		}
		pageFlags := options
		if kind == memcap.PageCow {
			pageFlags &^= vmem.PteWrite
		}
		va := base + vmem.VAddr(i)*vmem.VAddr(4096)
		if err := a.pt.MapPage(va, frame, pageFlags); err != nil {
			for _, va := range installed {
				_, _ = a.pt.UnmapPage(va)
			}
			return 0, err
		}
		installed = append(installed, va)
	}
	m.AddMappingSite(a.pt, base, options)

	id := newMappingID()
	mp := mapping{id: id, base: base, size: size, memory: m}
	a.byVA = append(a.byVA, mapping{})
	copy(a.byVA[idx+1:], a.byVA[idx:])
	a.byVA[idx] = mp
	a.reindexLocked()
	return id, nil
}

// UnmapMemory removes the mapping containing address, unmapping every
// page table entry it installed and deregistering the mapping site from
// its Memory capability.
func (a *AddressSpace) UnmapMemory(address vmem.VAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.findContaining(address)
	if !ok {
		return defs.WrapErr("addrspace.UnmapMemory", defs.EINVLVIRTADDR)
	}
	return a.removeAtLocked(idx)
}

// UnmapByID removes a mapping looked up by id rather than address.
func (a *AddressSpace) UnmapByID(id MappingId) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.byID[id]
	if !ok {
		return defs.WrapErr("addrspace.UnmapByID", defs.EINVLID)
	}
	return a.removeAtLocked(idx)
}

func (a *AddressSpace) removeAtLocked(idx int) error {
	mp := a.byVA[idx]
	for i := 0; i < mp.memory.NumPages(); i++ {
		va := mp.base + vmem.VAddr(i)*vmem.VAddr(4096)
		_, _ = a.pt.UnmapPage(va)
	}
	mp.memory.RemoveMappingSite(a.pt, mp.base)
	a.byVA = append(a.byVA[:idx], a.byVA[idx+1:]...)
	a.reindexLocked()
	return nil
}

// MemoryAt returns the Memory capability and mapping id mapped at
// address, if any.
func (a *AddressSpace) MemoryAt(address vmem.VAddr) (*memcap.Memory, MappingId, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.findContaining(address)
	if !ok {
		return nil, 0, defs.WrapErr("addrspace.MemoryAt", defs.EINVLVIRTADDR)
	}
	return a.byVA[idx].memory, a.byVA[idx].id, nil
}

// findInsertionIndex returns the index at which a mapping starting at
// base should be inserted to keep byVA sorted.
func (a *AddressSpace) findInsertionIndex(base vmem.VAddr) int {
	return sort.Search(len(a.byVA), func(i int) bool { return a.byVA[i].base >= base })
}

// findContaining returns the index of the mapping containing address, if
// any, via binary search on the sorted mapping list.
func (a *AddressSpace) findContaining(address vmem.VAddr) (int, bool) {
	i := sort.Search(len(a.byVA), func(i int) bool { return a.byVA[i].end() > address })
	if i < len(a.byVA) && a.byVA[i].base <= address {
		return i, true
	}
	return 0, false
}

func (a *AddressSpace) reindexLocked() {
	for k := range a.byID {
		delete(a.byID, k)
	}
	for i, m := range a.byVA {
		a.byID[m.id] = i
	}
}

// MappingCount reports the number of live mappings, used by tests.
func (a *AddressSpace) MappingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byVA)
}

// CapType identifies this payload type to the capability system.
func (a *AddressSpace) CapType() defs.CapType { return defs.CapAddressSpace }
