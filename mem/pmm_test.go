package mem

import (
	"testing"

	"kernel/config"
)

func TestBootstrapMultiZone(t *testing.T) {
	cfg := config.Default()
	cfg.PhysMem.Ranges = []config.MemRange{
		{Start: 0, Size: 1 << 16},
		{Start: 1 << 20, Size: 1 << 16},
	}
	cfg.PhysMem.LeafSize = 1 << 12

	m, err := Bootstrap(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if m.ZoneCount() != 2 {
		t.Fatalf("expected 2 zones, got %d", m.ZoneCount())
	}
	if m.TotalSize() != 1<<17 {
		t.Fatalf("expected total size %d, got %d", 1<<17, m.TotalSize())
	}
}

func TestManagerAllocDeallocAcrossZones(t *testing.T) {
	cfg := config.Default()
	cfg.PhysMem.Ranges = []config.MemRange{
		{Start: 0, Size: 1 << 13},
		{Start: 1 << 16, Size: 1 << 13},
	}
	cfg.PhysMem.LeafSize = 1 << 12

	m, err := Bootstrap(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var frames []PhysFrame
	for i := 0; i < 4; i++ {
		f, err := m.Alloc(1 << 12)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		frames = append(frames, f)
	}
	if _, err := m.Alloc(1 << 12); err == nil {
		t.Fatal("expected EOOM once both zones are exhausted")
	}
	for _, f := range frames {
		m.Dealloc(f)
	}
	if !m.AllZero() {
		t.Fatal("manager not fully zeroed after alloc/dealloc round trip")
	}
}
