package threadexit

import (
	"testing"

	"kernel/uaspace"
)

func TestRunUnmapsThenDestroys(t *testing.T) {
	var seed [32]byte
	mgr := uaspace.New(1<<20, seed)
	if err := mgr.InsertRegion(uaspace.Region{Start: 0x4000, Size: 0x1000}); err != nil {
		t.Fatal(err)
	}

	destroyed := false
	destroy := func() error {
		destroyed = true
		return nil
	}

	if err := Run(mgr, 0x4000, destroy); err != nil {
		t.Fatal(err)
	}
	if !destroyed {
		t.Fatal("expected destroy to be called")
	}
	if mgr.RegionCount() != 0 {
		t.Fatal("expected stack region to be unmapped")
	}
}

func TestRunFailsOnUnknownStackAddress(t *testing.T) {
	var seed [32]byte
	mgr := uaspace.New(1<<20, seed)
	called := false
	err := Run(mgr, 0x9999, func() error { called = true; return nil })
	if err == nil {
		t.Fatal("expected unmap of unknown stack address to fail")
	}
	if called {
		t.Fatal("expected destroy not to run when unmap fails")
	}
}

func TestRunLeavesTransientCounterBalanced(t *testing.T) {
	var seed [32]byte
	mgr := uaspace.New(1<<20, seed)
	if err := mgr.InsertRegion(uaspace.Region{Start: 0x4000, Size: 0x1000}); err != nil {
		t.Fatal(err)
	}
	if err := Run(mgr, 0x4000, nil); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		mgr.AwaitTransientUnmap()
		close(done)
	}()
	<-done
}
