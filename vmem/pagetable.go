// Package vmem implements the four-level virtual address space engine:
// map_page/unmap_page/map_many with transactional rollback, and a
// huge-page path for the shared kernel image. A real x86-64 page table
// is reached through CR3 and walked with raw pointer arithmetic over
// direct-mapped physical memory -- none of which exists in a hosted Go
// process, so this package keeps the four-level index decomposition of
// a real table but represents the table itself as an in-memory radix
// structure over simulated frames rather than a CR3-rooted table.
package vmem

import (
	"kernel/defs"
	"kernel/mem"
)

// PteFlags mirror the x86-64 page table entry permission/attribute bits
// (present, writable, user-accessible, copy-on-write).
type PteFlags uint32

const (
	PtePresent PteFlags = 1 << iota
	PteWrite
	PteUser
	PteCow
	PteWasCow
	PteHuge2M
	PteHuge1G
)

// VAddr is a simulated virtual address.
type VAddr uint64

const (
	pageShift  = 12
	entryBits  = 9
	entryMask  = (1 << entryBits) - 1
	levels     = 4
)

// shl returns the bit shift for page-table level c (0 = lowest): each
// level consumes 9 bits above the 12-bit page offset.
func shl(c uint) uint { return pageShift + entryBits*c }

// indices decomposes a virtual address into its four page-table level
// indices.
func indices(v VAddr) [levels]uint {
	var idx [levels]uint
	for c := uint(0); c < levels; c++ {
		idx[levels-1-c] = (uint(v) >> shl(c)) & entryMask
	}
	return idx
}

type pte struct {
	frame mem.Pa_t
	flags PteFlags
}

func (p pte) present() bool { return p.flags&PtePresent != 0 }

// node is one page-table level: either a further set of child nodes
// (interior level) or leaf PTEs (level 0).
type node struct {
	children [1 << entryBits]*node
	leaves   [1 << entryBits]pte
}

// PageTable is one address space's simulated four-level page table,
// walked top-down from a synthetic root, exactly as the real hardware
// walks CR3 -> PML4 -> PDPT -> PD -> PT.
type PageTable struct {
	root *node
}

// New creates an empty page table.
func New() *PageTable {
	return &PageTable{root: &node{}}
}

// MapPage installs a single 4K mapping, failing with EINVLVIRTADDR if a
// present mapping already occupies va -- map_page must not silently
// overwrite a live mapping.
func (pt *PageTable) MapPage(va VAddr, frame mem.Pa_t, flags PteFlags) error {
	idx := indices(va)
	n := pt.root
	for level := 3; level >= 1; level-- {
		i := idx[3-level]
		if n.children[i] == nil {
			n.children[i] = &node{}
		}
		n = n.children[i]
	}
	i := idx[3]
	if n.leaves[i].present() {
		return defs.WrapErr("vmem.MapPage", defs.EINVLVIRTADDR)
	}
	n.leaves[i] = pte{frame: frame, flags: flags | PtePresent}
	return nil
}

// UnmapPage removes the mapping at va, returning the physical frame it
// pointed at, or EINVLVIRTADDR if nothing was mapped there.
func (pt *PageTable) UnmapPage(va VAddr) (mem.Pa_t, error) {
	idx := indices(va)
	n := pt.root
	for level := 3; level >= 1; level-- {
		i := idx[3-level]
		if n.children[i] == nil {
			return 0, defs.WrapErr("vmem.UnmapPage", defs.EINVLVIRTADDR)
		}
		n = n.children[i]
	}
	i := idx[3]
	if !n.leaves[i].present() {
		return 0, defs.WrapErr("vmem.UnmapPage", defs.EINVLVIRTADDR)
	}
	frame := n.leaves[i].frame
	n.leaves[i] = pte{}
	return frame, nil
}

// Lookup reports the frame and flags mapped at va, if any. A va covered
// by a huge page reports the huge page's base frame and flags.
func (pt *PageTable) Lookup(va VAddr) (mem.Pa_t, PteFlags, bool) {
	idx := indices(va)
	n := pt.root
	for level := 3; level >= 1; level-- {
		i := idx[3-level]
		if n.leaves[i].present() {
			return n.leaves[i].frame, n.leaves[i].flags, true
		}
		if n.children[i] == nil {
			return 0, 0, false
		}
		n = n.children[i]
	}
	i := idx[3]
	if !n.leaves[i].present() {
		return 0, 0, false
	}
	return n.leaves[i].frame, n.leaves[i].flags, true
}

// Mapping is one page to install as part of a batch.
type Mapping struct {
	VA    VAddr
	Frame mem.Pa_t
	Flags PteFlags
}

// MapMany installs every mapping in batch, or none: it is all-or-nothing,
// rolling back every page it had already installed if any later page in
// the batch conflicts with an existing mapping. A conflict here always
// reports EINVLMEMZONE rather than MapPage's own EINVLVIRTADDR, since the
// caller asked for a zone of pages and it is the zone, not any single
// page, that turned out to overlap something already mapped.
func (pt *PageTable) MapMany(batch []Mapping) error {
	installed := make([]VAddr, 0, len(batch))
	for _, m := range batch {
		if err := pt.MapPage(m.VA, m.Frame, m.Flags); err != nil {
			for _, va := range installed {
				_, _ = pt.UnmapPage(va)
			}
			return defs.WrapErr("vmem.MapMany", defs.EINVLMEMZONE)
		}
		installed = append(installed, m.VA)
	}
	return nil
}

// MapHugePage installs a 2M or 1G mapping, used for the shared kernel
// image path, stored directly at the level whose block size matches
// rather than descending to 4K leaves.
func (pt *PageTable) MapHugePage(va VAddr, frame mem.Pa_t, size mem.FrameSize, flags PteFlags) error {
	switch size {
	case mem.Frame2M:
		return pt.mapAtLevel(va, frame, 1, flags|PteHuge2M)
	case mem.Frame1G:
		return pt.mapAtLevel(va, frame, 2, flags|PteHuge1G)
	default:
		return pt.MapPage(va, frame, flags)
	}
}

func (pt *PageTable) mapAtLevel(va VAddr, frame mem.Pa_t, targetLevel int, flags PteFlags) error {
	idx := indices(va)
	n := pt.root
	for level := 3; level > targetLevel; level-- {
		i := idx[3-level]
		if n.children[i] == nil {
			n.children[i] = &node{}
		}
		n = n.children[i]
	}
	i := idx[3-targetLevel]
	if n.leaves[i].present() {
		return defs.WrapErr("vmem.MapHugePage", defs.EINVLVIRTADDR)
	}
	n.leaves[i] = pte{frame: frame, flags: flags | PtePresent}
	return nil
}
