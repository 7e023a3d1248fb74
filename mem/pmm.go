// Package mem implements the two-tier physical memory allocator: a
// lock-free atomic buddy allocator per zone (buddy.go), and a manager that
// bootstraps zones from a raw memory map and round-robins allocations
// across them (pmm.go).
package mem

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"kernel/config"
	"kernel/defs"
	"kernel/klog"
)

var log = klog.For("mem")

// PhysMemManager is the top-level physical memory allocator: a set of
// independent lock-free buddy zones built from the boot memory map, with
// allocations spread round-robin across zones to reduce cross-CPU
// contention on any one zone's root node.
type PhysMemManager struct {
	zones []*BuddyZone
	next  atomic.Uint64
}

// Bootstrap builds one BuddyZone per usable range in cfg.PhysMem.Ranges,
// concurrently (each zone's node array is independent so there is no
// shared state to race on during construction), using errgroup for
// structured fan-out and error propagation.
func Bootstrap(cfg *config.BootConfig) (*PhysMemManager, error) {
	ranges := cfg.PhysMem.Ranges
	leaf := cfg.PhysMem.LeafSize
	if leaf == 0 {
		leaf = PGSIZE
	}
	zones := make([]*BuddyZone, len(ranges))

	var g errgroup.Group
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			z, err := NewBuddyZone(Pa_t(r.Start), r.Size, leaf)
			if err != nil {
				return fmt.Errorf("zone %d [%#x,+%#x): %w", i, r.Start, r.Size, err)
			}
			zones[i] = z
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.WithField("zones", len(zones)).Info("physical memory bootstrap complete")
	return &PhysMemManager{zones: zones}, nil
}

// Alloc satisfies a request for size bytes (rounded up to a power of two
// no smaller than the zone leaf) from one of the manager's zones, trying
// each zone starting from a round-robin cursor before giving up with
// EOOM.
func (m *PhysMemManager) Alloc(size uint64) (PhysFrame, error) {
	if len(m.zones) == 0 {
		return PhysFrame{}, defs.WrapErr("mem.Alloc", defs.EOOM)
	}
	start := int(m.next.Add(1) % uint64(len(m.zones)))
	for i := 0; i < len(m.zones); i++ {
		z := m.zones[(start+i)%len(m.zones)]
		if r, ok := z.Alloc(size); ok {
			return PhysFrame{Addr: r.Start, Size: r.Size}, nil
		}
	}
	return PhysFrame{}, defs.WrapErr("mem.Alloc", defs.EOOM)
}

// Dealloc returns f to the zone that owns its address range.
func (m *PhysMemManager) Dealloc(f PhysFrame) {
	z := m.zoneFor(Pa_t(f.Addr))
	if z == nil {
		panic("mem: dealloc of frame outside any zone")
	}
	z.Dealloc(PhysRange{Start: f.Addr, Size: f.Size})
}

func (m *PhysMemManager) zoneFor(addr Pa_t) *BuddyZone {
	for _, z := range m.zones {
		if addr >= z.Start() && addr < z.Start()+Pa_t(z.Size()) {
			return z
		}
	}
	return nil
}

// TotalSize returns the sum of all zone sizes, used for reporting.
func (m *PhysMemManager) TotalSize() uint64 {
	var total uint64
	for _, z := range m.zones {
		total += z.Size()
	}
	return total
}

// ZoneCount returns the number of zones.
func (m *PhysMemManager) ZoneCount() int { return len(m.zones) }

// AllZero reports whether every zone's tree is fully free, used by tests
// to check the alloc/dealloc round-trip invariant.
func (m *PhysMemManager) AllZero() bool {
	for _, z := range m.zones {
		if !z.AllZero() {
			return false
		}
	}
	return true
}
