package uheap

import "testing"

func TestAllocDeallocRoundTrip(t *testing.T) {
	a := New(0, 0x1000, 0x10000, 0, nil)
	total := a.FreeSpace()

	mb, err := a.Alloc(64, 8)
	if err != nil {
		t.Fatal(err)
	}
	if mb.Addr%8 != 0 {
		t.Fatalf("expected 8-byte aligned address, got %#x", mb.Addr)
	}
	if mb.Size != 64 {
		t.Fatalf("expected message buffer size 64, got %d", mb.Size)
	}
	if a.FreeSpace() != total-64 {
		t.Fatalf("expected free space to shrink by 64, got %d", a.FreeSpace())
	}

	if err := a.Dealloc(mb.Addr, 64); err != nil {
		t.Fatal(err)
	}
	if a.FreeSpace() != total {
		t.Fatalf("expected free space restored after dealloc, got %d", a.FreeSpace())
	}
}

func TestAllocMergesAdjacentFreeBlocks(t *testing.T) {
	a := New(0, 0x1000, 0x10000, 0, nil)
	a1, err := a.Alloc(64, 8)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := a.Alloc(64, 8)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Dealloc(a1.Addr, 64); err != nil {
		t.Fatal(err)
	}
	if err := a.Dealloc(a2.Addr, 64); err != nil {
		t.Fatal(err)
	}

	z := a.zones[0]
	if len(z.free) != 1 {
		t.Fatalf("expected adjacent frees to merge into one block, got %d blocks", len(z.free))
	}
}

func TestAllocGrowsZoneWhenExhausted(t *testing.T) {
	grown := false
	source := func(minSize uint64) (uint64, uint64, uint64, error) {
		grown = true
		return 7, 0x100000, minSize, nil
	}
	a := New(0, 0x1000, 128, 4096, source)

	// Exhaust the initial zone.
	if _, err := a.Alloc(128, 1); err != nil {
		t.Fatal(err)
	}
	mb, err := a.Alloc(64, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !grown {
		t.Fatal("expected allocator to request a new zone once the first was exhausted")
	}
	if a.ZoneCount() != 2 {
		t.Fatalf("expected 2 zones after growth, got %d", a.ZoneCount())
	}
	if mb.CapID != 7 {
		t.Fatalf("expected the grown allocation to carry the new zone's capability id, got %d", mb.CapID)
	}
}

func TestDeallocUnknownAddressFails(t *testing.T) {
	a := New(0, 0x1000, 0x1000, 0, nil)
	if err := a.Dealloc(0xdeadbeef, 64); err == nil {
		t.Fatal("expected dealloc of address outside any zone to fail")
	}
}

func TestAllocRespectsAlignment(t *testing.T) {
	a := New(0, 0x1003, 0x1000, 0, nil)
	mb, err := a.Alloc(16, 64)
	if err != nil {
		t.Fatal(err)
	}
	if mb.Addr%64 != 0 {
		t.Fatalf("expected 64-byte aligned address, got %#x", mb.Addr)
	}
}
