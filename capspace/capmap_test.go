package capspace

import (
	"testing"

	"kernel/captype"
	"kernel/defs"
)

type dummy struct{ n int }

func TestInsertAndGet(t *testing.T) {
	m := NewCapMap[dummy](defs.CapMemory)
	strong := captype.NewStrong(&dummy{n: 1}, captype.FlagRead|captype.FlagWrite)
	id := m.Insert(captype.FromStrong(strong), true)

	cap, err := m.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	strongOut, ok := cap.Upgrade()
	if !ok {
		t.Fatal("expected upgrade to succeed for a strong capability")
	}
	if strongOut.Get().n != 1 {
		t.Fatalf("expected dummy.n == 1, got %d", strongOut.Get().n)
	}
}

func TestInsertInvisibleNotFoundUntilVisible(t *testing.T) {
	m := NewCapMap[dummy](defs.CapMemory)
	strong := captype.NewStrong(&dummy{n: 2}, captype.FlagRead)
	id := m.Insert(captype.FromStrong(strong), false)

	if _, err := m.Get(id); err == nil {
		t.Fatal("expected invisible capability to be unreachable via Get")
	}
	if err := m.SetVisible(id, true); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(id); err != nil {
		t.Fatal("expected capability to become visible")
	}
}

func TestInsertMultipleAtomicSuccess(t *testing.T) {
	m := NewCapMap[dummy](defs.CapMemory)
	caps := []captype.Strong[dummy]{
		captype.NewStrong(&dummy{n: 1}, captype.FlagRead),
		captype.NewStrong(&dummy{n: 2}, captype.FlagRead),
		captype.NewStrong(&dummy{n: 3}, captype.FlagRead),
	}
	baseID, err := m.InsertMultiple(caps, captype.FlagRead)
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 3 {
		t.Fatalf("expected 3 entries after batch insert, got %d", m.Len())
	}
	if _, err := m.Get(baseID); err != nil {
		t.Fatal("expected base id to be reachable after batch insert")
	}
}

func TestGetWithPermsRejectsInsufficientPerms(t *testing.T) {
	m := NewCapMap[dummy](defs.CapMemory)
	strong := captype.NewStrong(&dummy{n: 5}, captype.FlagRead)
	id := m.Insert(captype.FromStrong(strong), true)

	if _, err := m.GetWithPerms(id, captype.FlagRead|captype.FlagWrite, false); err == nil {
		t.Fatal("expected insufficient permission to fail")
	}
	if _, err := m.GetWithPerms(id, captype.FlagRead, false); err != nil {
		t.Fatal(err)
	}
}

func TestGetWithPermsWeakAutoDestroy(t *testing.T) {
	m := NewCapMap[dummy](defs.CapMemory)
	strong := captype.NewStrong(&dummy{n: 9}, captype.FlagRead)
	id := m.Insert(captype.FromStrong(strong), true)

	cap, err := m.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	strongRef, _ := cap.Upgrade()
	weakCap := captype.FromWeak(strongRef.Downgrade())
	weakID := m.Insert(weakCap, true)

	strongRef.Destroy()

	if _, err := m.GetWithPerms(weakID, captype.FlagRead, true); err == nil {
		t.Fatal("expected dead weak capability to fail")
	}
	if _, err := m.Get(weakID); err == nil {
		t.Fatal("expected weak_auto_destroy to have removed the capability")
	}
}

func TestCloneNarrowsPermissions(t *testing.T) {
	src := NewCapMap[dummy](defs.CapMemory)
	dst := NewCapMap[dummy](defs.CapMemory)

	strong := captype.NewStrong(&dummy{n: 7}, captype.FlagRead|captype.FlagWrite)
	id := src.Insert(captype.FromStrong(strong), true)

	newID, err := Clone(dst, src, id, captype.FlagRead, KeepSame, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if newID.Flags() != captype.FlagRead {
		t.Fatalf("expected cloned capability to carry only FlagRead, got %v", newID.Flags())
	}
	if _, err := src.Get(id); err != nil {
		t.Fatal("expected source capability to survive a non-destroying clone")
	}
}

func TestCloneDestroysSourceWhenRequested(t *testing.T) {
	src := NewCapMap[dummy](defs.CapMemory)
	dst := NewCapMap[dummy](defs.CapMemory)

	strong := captype.NewStrong(&dummy{n: 8}, captype.FlagRead)
	id := src.Insert(captype.FromStrong(strong), true)

	if _, err := Clone(dst, src, id, captype.FlagRead, KeepSame, true, false); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Get(id); err == nil {
		t.Fatal("expected source capability to be destroyed")
	}
}
