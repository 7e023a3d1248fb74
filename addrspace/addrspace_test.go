package addrspace

import (
	"testing"

	"kernel/captype"
	"kernel/mem"
	"kernel/memcap"
	"kernel/vmem"
)

func newTestMemory(pages int) *memcap.Memory {
	var next mem.Pa_t = 0x100000
	alloc := func() (mem.Pa_t, error) {
		f := next
		next += mem.Pa_t(mem.PGSIZE)
		return f, nil
	}
	return memcap.New(pages, alloc, func(mem.Pa_t) {})
}

func newEagerTestMemory(t *testing.T, pages int) *memcap.Memory {
	t.Helper()
	var next mem.Pa_t = 0x200000
	alloc := func() (mem.Pa_t, error) {
		f := next
		next += mem.Pa_t(mem.PGSIZE)
		return f, nil
	}
	m, err := memcap.NewWithSource(pages, memcap.SourceEager, alloc, func(mem.Pa_t) {})
	if err != nil {
		t.Fatalf("NewWithSource: %v", err)
	}
	return m
}

func TestMapMemoryReadOnlyInstallsReadOnlyPTE(t *testing.T) {
	as := New()
	m := newEagerTestMemory(t, 1)
	if _, err := as.MapMemory(vmem.VAddr(0x800000), m, captype.FlagRead); err != nil {
		t.Fatal(err)
	}
	_, flags, ok := as.pt.Lookup(vmem.VAddr(0x800000))
	if !ok {
		t.Fatal("expected a page table entry for an eagerly materialized page")
	}
	if flags&vmem.PteWrite != 0 {
		t.Fatal("a read-only mapping must not install PteWrite")
	}
}

func TestMapMemoryWriteInstallsWritablePTE(t *testing.T) {
	as := New()
	m := newEagerTestMemory(t, 1)
	if _, err := as.MapMemory(vmem.VAddr(0x900000), m, captype.FlagRead|captype.FlagWrite); err != nil {
		t.Fatal(err)
	}
	_, flags, ok := as.pt.Lookup(vmem.VAddr(0x900000))
	if !ok {
		t.Fatal("expected a page table entry for an eagerly materialized page")
	}
	if flags&vmem.PteWrite == 0 {
		t.Fatal("a read-write mapping must install PteWrite")
	}
}

func TestMapMemoryLeavesLazyPagesUnmaterialized(t *testing.T) {
	as := New()
	m := newTestMemory(3) // LazyZeroAlloc: nothing should be allocated by mapping alone
	if _, err := as.MapMemory(vmem.VAddr(0xa00000), m, captype.FlagRead|captype.FlagWrite); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		va := vmem.VAddr(0xa00000) + vmem.VAddr(i)*4096
		if _, _, ok := as.pt.Lookup(va); ok {
			t.Fatalf("page %d should not have a page table entry before first touch", i)
		}
	}
	if kind, err := m.PageKindAt(0); err != nil || kind != memcap.PageLazyZeroAlloc {
		t.Fatalf("mapping a lazy page must not materialize it, got kind %v err %v", kind, err)
	}
}

func TestMapMemoryAndLookup(t *testing.T) {
	as := New()
	m := newTestMemory(2)
	id, err := as.MapMemory(vmem.VAddr(0x400000), m, captype.FlagRead|captype.FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected nonzero mapping id")
	}
	got, gotID, err := as.MemoryAt(vmem.VAddr(0x400000 + 4096))
	if err != nil {
		t.Fatal(err)
	}
	if got != m || gotID != id {
		t.Fatal("expected lookup to find the mapped memory and matching id")
	}
}

func TestMapMemoryRejectsOverlap(t *testing.T) {
	as := New()
	m1 := newTestMemory(4)
	if _, err := as.MapMemory(vmem.VAddr(0x400000), m1, captype.FlagRead|captype.FlagWrite); err != nil {
		t.Fatal(err)
	}
	m2 := newTestMemory(2)
	if _, err := as.MapMemory(vmem.VAddr(0x400000+4096), m2, captype.FlagRead|captype.FlagWrite); err == nil {
		t.Fatal("expected overlapping mapping to fail")
	}
}

func TestUnmapMemoryRemovesMapping(t *testing.T) {
	as := New()
	m := newTestMemory(1)
	if _, err := as.MapMemory(vmem.VAddr(0x500000), m, captype.FlagRead|captype.FlagWrite); err != nil {
		t.Fatal(err)
	}
	if err := as.UnmapMemory(vmem.VAddr(0x500000)); err != nil {
		t.Fatal(err)
	}
	if as.MappingCount() != 0 {
		t.Fatalf("expected 0 mappings after unmap, got %d", as.MappingCount())
	}
	if _, _, err := as.MemoryAt(vmem.VAddr(0x500000)); err == nil {
		t.Fatal("expected lookup after unmap to fail")
	}
}

func TestUnmapByID(t *testing.T) {
	as := New()
	m := newTestMemory(1)
	id, err := as.MapMemory(vmem.VAddr(0x600000), m, captype.FlagRead|captype.FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := as.UnmapByID(id); err != nil {
		t.Fatal(err)
	}
	if as.MappingCount() != 0 {
		t.Fatal("expected mapping to be removed by id")
	}
}

func TestSortedMappingsStayOrdered(t *testing.T) {
	as := New()
	bases := []vmem.VAddr{0x700000, 0x400000, 0x500000}
	for _, b := range bases {
		if _, err := as.MapMemory(b, newTestMemory(1), captype.FlagRead|captype.FlagWrite); err != nil {
			t.Fatal(err)
		}
	}
	for _, b := range bases {
		if _, _, err := as.MemoryAt(b); err != nil {
			t.Fatalf("lookup for %#x failed: %v", b, err)
		}
	}
}
