// Package uaspace implements the userspace address-space manager: a
// sorted list of mapped regions with gaps found via a ChaCha20-seeded
// random placement (ASLR), and a transient-unmap counter that lets a
// thread unmap its own stack out from under itself during exit without
// racing another mapper. Placement uses a two-pass algorithm -- count
// free slots across every gap, then pick the nth one -- so the chosen
// address is uniformly distributed across all valid placements rather
// than biased toward whichever gap is scanned first.
package uaspace

import (
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20"

	"kernel/defs"
)

// Region is one mapped [start, start+size) range of user virtual memory.
type Region struct {
	Start uint64
	Size  uint64
}

func (r Region) end() uint64 { return r.Start + r.Size }
func (r Region) contains(addr uint64) bool {
	return addr >= r.Start && addr < r.end()
}

const pageSize = 4096

// aslrSource draws uniformly distributed 64-bit words from a ChaCha20
// keystream seeded once at manager creation, standing in for
// rand_chacha::ChaCha20Rng::next_u64.
type aslrSource struct {
	mu     sync.Mutex
	cipher *chacha20.Cipher
}

func newASLRSource(seed [32]byte) *aslrSource {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		panic("uaspace: chacha20 init: " + err.Error())
	}
	return &aslrSource{cipher: c}
}

func (a *aslrSource) nextUint64() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero, out [8]byte
	a.cipher.XORKeyStream(out[:], zero[:])
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(out[i]) << (8 * uint(i))
	}
	return v
}

// Manager is the per-process userspace address-space manager.
type Manager struct {
	mu      sync.Mutex
	regions []Region // sorted by Start
	end     uint64   // exclusive upper bound of the mappable range
	aslr    *aslrSource

	transientCount atomic.Int64
}

// New creates a manager over the mappable range [0, maxAddr), seeded for
// ASLR with seed.
func New(maxAddr uint64, seed [32]byte) *Manager {
	return &Manager{end: maxAddr, aslr: newASLRSource(seed)}
}

// freeRegion is one gap between mapped regions, or before the first / after
// the last.
type freeRegion struct {
	start uint64
	size  uint64
}

func (m *Manager) freeRegionsLocked() []freeRegion {
	var free []freeRegion
	prev := uint64(0)
	for _, r := range m.regions {
		if r.Start > prev {
			free = append(free, freeRegion{start: prev, size: r.Start - prev})
		}
		prev = r.end()
	}
	if m.end > prev {
		free = append(free, freeRegion{start: prev, size: m.end - prev})
	}
	return free
}

// FindMapAddress chooses a placement for a region of the given size using
// the two-pass ASLR algorithm: count every valid page-aligned slot across
// every free gap, pick a uniformly random index among them, then find
// which gap and offset that index falls in.
func (m *Manager) FindMapAddress(size uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sizePages := roundUpPages(size)

	var available uint64
	for _, f := range m.freeRegionsLocked() {
		if f.size >= sizePages {
			available += (f.size-sizePages)/pageSize + 1
		}
	}
	if available == 0 {
		return 0, defs.WrapErr("uaspace.FindMapAddress", defs.EOOM)
	}

	pick := m.aslr.nextUint64() % available
	for _, f := range m.freeRegionsLocked() {
		if f.size < sizePages {
			continue
		}
		slots := (f.size-sizePages)/pageSize + 1
		if pick < slots {
			return f.start + pick*pageSize, nil
		}
		pick -= slots
	}
	panic("uaspace: available slot accounting is inconsistent")
}

func roundUpPages(size uint64) uint64 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// InsertRegion records a newly mapped region, keeping the region list
// sorted by start address for future binary search.
func (m *Manager) InsertRegion(r Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].Start >= r.Start })
	if idx < len(m.regions) && m.regions[idx].Start < r.end() {
		return defs.WrapErr("uaspace.InsertRegion", defs.EINVLVIRTADDR)
	}
	if idx > 0 && m.regions[idx-1].end() > r.Start {
		return defs.WrapErr("uaspace.InsertRegion", defs.EINVLVIRTADDR)
	}
	m.regions = append(m.regions, Region{})
	copy(m.regions[idx+1:], m.regions[idx:])
	m.regions[idx] = r
	return nil
}

// RemoveRegion removes whichever region contains addr.
func (m *Manager) RemoveRegion(addr uint64) (Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.findLocked(addr)
	if !ok {
		return Region{}, defs.WrapErr("uaspace.RemoveRegion", defs.EINVLVIRTADDR)
	}
	r := m.regions[idx]
	m.regions = append(m.regions[:idx], m.regions[idx+1:]...)
	return r, nil
}

func (m *Manager) findLocked(addr uint64) (int, bool) {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end() > addr })
	if i < len(m.regions) && m.regions[i].Start <= addr {
		return i, true
	}
	return 0, false
}

// BeginTransientUnmap increments the transient-unmap counter, marking
// that a thread is about to unmap a region (typically its own stack) that
// it is still currently running on top of. A concurrent mapper waiting in
// AwaitTransientUnmap must not proceed until this drops back to zero.
func (m *Manager) BeginTransientUnmap() {
	m.transientCount.Add(1)
}

// EndTransientUnmap decrements the counter once the unmapping thread has
// moved off the region (e.g. switched to a safe stack) and will not touch
// it again.
func (m *Manager) EndTransientUnmap() {
	m.transientCount.Add(-1)
}

// AwaitTransientUnmap spins until no thread has an in-flight transient
// unmap outstanding. It takes no lock: the counter is read atomically,
// and nothing stops a new BeginTransientUnmap right after the zero is
// observed.
func (m *Manager) AwaitTransientUnmap() {
	for m.transientCount.Load() != 0 {
		// Busy-wait: transient unmaps are expected to complete in a few
		// instructions (an unmap syscall plus a stack switch), so
		// parking here would cost more than it saves.
	}
}

// RegionCount reports the number of live regions, used by tests.
func (m *Manager) RegionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}
