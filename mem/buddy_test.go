package mem

import "testing"

func TestBuddyZoneAllocDeallocRoundTrip(t *testing.T) {
	z, err := NewBuddyZone(0, 1<<16, 1<<12)
	if err != nil {
		t.Fatal(err)
	}
	var got []PhysRange
	for {
		r, ok := z.Alloc(1 << 12)
		if !ok {
			break
		}
		got = append(got, r)
	}
	if len(got) != 16 {
		t.Fatalf("expected 16 leaf allocations, got %d", len(got))
	}
	for _, r := range got {
		z.Dealloc(r)
	}
	if !z.AllZero() {
		t.Fatal("zone not fully zeroed after alloc/dealloc round trip")
	}
}

func TestBuddyZoneNoOverlap(t *testing.T) {
	z, err := NewBuddyZone(0, 1<<20, 1<<12)
	if err != nil {
		t.Fatal(err)
	}
	var ranges []PhysRange
	for i := 0; i < 8; i++ {
		r, ok := z.Alloc(1 << 14)
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		for _, prev := range ranges {
			if r.Overlaps(prev) {
				t.Fatalf("range %+v overlaps %+v", r, prev)
			}
		}
		ranges = append(ranges, r)
	}
}

func TestBuddyZoneCoalescesOnDealloc(t *testing.T) {
	z, err := NewBuddyZone(0, 1<<14, 1<<12)
	if err != nil {
		t.Fatal(err)
	}
	a, ok := z.Alloc(1 << 12)
	if !ok {
		t.Fatal("first leaf alloc failed")
	}
	b, ok := z.Alloc(1 << 12)
	if !ok {
		t.Fatal("second leaf alloc failed")
	}
	if _, ok := z.Alloc(1 << 13); ok {
		t.Fatal("half-zone alloc should have failed while both leaves are held")
	}
	z.Dealloc(a)
	z.Dealloc(b)
	if !z.AllZero() {
		t.Fatal("zone did not fully coalesce after both leaves freed")
	}
	if _, ok := z.Alloc(1 << 13); !ok {
		t.Fatal("half-zone alloc should succeed after coalescing")
	}
}

func TestBuddyZoneOOM(t *testing.T) {
	z, err := NewBuddyZone(0, 1<<12, 1<<12)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := z.Alloc(1 << 12); !ok {
		t.Fatal("expected sole leaf allocation to succeed")
	}
	if _, ok := z.Alloc(1 << 12); ok {
		t.Fatal("expected second allocation in a one-leaf zone to fail")
	}
}

func TestBuddyZoneRejectsBadSizes(t *testing.T) {
	if _, err := NewBuddyZone(0, 100, 4096); err == nil {
		t.Fatal("expected error for non power-of-two size")
	}
	if _, err := NewBuddyZone(0, 4096, 100); err == nil {
		t.Fatal("expected error for non power-of-two leaf")
	}
	if _, err := NewBuddyZone(4096, 1<<20, 4096); err == nil {
		t.Fatal("expected error for misaligned start")
	}
}

func TestBuddyZoneConcurrentAllocDealloc(t *testing.T) {
	z, err := NewBuddyZone(0, 1<<16, 1<<12)
	if err != nil {
		t.Fatal(err)
	}
	const workers = 8
	done := make(chan bool, workers)
	for w := 0; w < workers; w++ {
		go func() {
			for i := 0; i < 50; i++ {
				r, ok := z.Alloc(1 << 12)
				if ok {
					z.Dealloc(r)
				}
			}
			done <- true
		}()
	}
	for w := 0; w < workers; w++ {
		<-done
	}
	if !z.AllZero() {
		t.Fatal("zone not fully zeroed after concurrent churn")
	}
}
