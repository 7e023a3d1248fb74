// Package capspace implements the per-process capability space: one
// sharded id->capability index per capability type, each supporting
// atomic multi-insert with invisible-then-visible publication, lookup
// with permission checking, and cap_clone across spaces, expressed with
// a Go generic type in place of per-type boilerplate.
package capspace

import (
	"sync"

	"kernel/captype"
	"kernel/defs"
	"kernel/idtable"
)

type entry[T any] struct {
	visible bool
	cap     captype.Capability[T]
}

// capMapBuckets is the shard count for each CapMap's backing idtable.Table.
// A process rarely holds more than a few hundred live capabilities of any
// one type, so this keeps average chain length under one without wasting
// much idle bucket memory.
const capMapBuckets = 64

// CapMap is the per-type capability table: a monotonically increasing id
// counter plus a sharded id->entry index, guarded by one mutex per type
// so no single global capability-space lock is needed. Every operation
// except Len holds that per-type mutex, so a Get contends with every
// other operation on the same type; the index underneath is additionally
// bucket-locked (idtable.Table).
type CapMap[T any] struct {
	mu     sync.Mutex
	nextID uint64
	m      *idtable.Table[captype.CapId, *entry[T]]
	typ    defs.CapType
}

// NewCapMap creates an empty map for capability type t.
func NewCapMap[T any](t defs.CapType) *CapMap[T] {
	return &CapMap[T]{m: idtable.New[captype.CapId, *entry[T]](capMapBuckets), typ: t}
}

// Insert assigns a fresh CapId to cap and stores it, visible immediately
// unless visible is false.
func (c *CapMap[T]) Insert(cap captype.Capability[T], visible bool) captype.CapId {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := captype.NewCapID(c.typ, cap.Flags(), cap.IsWeak(), c.nextID)
	c.nextID++
	cap = cap.WithID(id)
	c.m.Set(id, &entry[T]{visible: visible, cap: cap})
	return id
}

// InsertMultiple atomically inserts len(caps) capabilities under
// contiguous ids sharing flags, invisible until every one has been
// stored, then flipped visible together, or none at all on failure.
// caps must all be strong.
func (c *CapMap[T]) InsertMultiple(caps []captype.Strong[T], flags captype.CapFlags) (captype.CapId, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	baseID := c.nextID
	ids := make([]captype.CapId, len(caps))
	for i := range caps {
		ids[i] = captype.NewCapID(c.typ, flags, false, baseID+uint64(i))
	}
	c.nextID += uint64(len(caps))

	for i, s := range caps {
		s.SetID(ids[i])
		c.m.Set(ids[i], &entry[T]{visible: false, cap: captype.FromStrong(s)})
	}
	for _, id := range ids {
		e, _ := c.m.Get(id)
		e.visible = true
	}

	if len(ids) == 0 {
		return captype.NewCapID(c.typ, flags, false, baseID), nil
	}
	return ids[0], nil
}

// SetVisible flips the visibility of an already-inserted capability,
// used to publish a capability inserted invisibly.
func (c *CapMap[T]) SetVisible(id captype.CapId, visible bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m.Get(id)
	if !ok {
		return defs.WrapErr("capspace.SetVisible", defs.EINVLID)
	}
	e.visible = visible
	return nil
}

// Get returns the capability stored at id if it exists and is visible.
func (c *CapMap[T]) Get(id captype.CapId) (captype.Capability[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m.Get(id)
	if !ok || !e.visible {
		return captype.Capability[T]{}, defs.WrapErr("capspace.Get", defs.EINVLID)
	}
	return e.cap, nil
}

// GetWithPerms returns a Strong reference to the capability at id,
// checking it carries every bit in required, upgrading a weak reference
// if necessary and optionally auto-removing a dead weak capability.
func (c *CapMap[T]) GetWithPerms(id captype.CapId, required captype.CapFlags, weakAutoDestroy bool) (captype.Strong[T], error) {
	cap, err := c.Get(id)
	if err != nil {
		return captype.Strong[T]{}, err
	}
	if !cap.Flags().Contains(required) {
		return captype.Strong[T]{}, defs.WrapErr("capspace.GetWithPerms", defs.EINVLPERM)
	}
	strong, ok := cap.Upgrade()
	if !ok {
		if weakAutoDestroy {
			_, _ = c.Remove(id)
		}
		return captype.Strong[T]{}, defs.WrapErr("capspace.GetWithPerms", defs.EINVLWEAK)
	}
	return strong, nil
}

// Remove deletes and returns the capability at id.
func (c *CapMap[T]) Remove(id captype.CapId) (captype.Capability[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m.Delete(id)
	if !ok {
		return captype.Capability[T]{}, defs.WrapErr("capspace.Remove", defs.EINVLID)
	}
	return e.cap, nil
}

// Len reports the number of live entries, used by tests and diagnostics.
func (c *CapMap[T]) Len() int {
	return c.m.Len()
}

// CloneWeakness controls how Clone treats the strong/weak bit of the
// cloned capability.
type CloneWeakness int

const (
	KeepSame CloneWeakness = iota
	MakeStrong
	MakeWeak
)

// Clone copies a capability from src to dst under new permission flags,
// optionally flipping its strong/weak bit and optionally destroying the
// source capability.
func Clone[T any](dst, src *CapMap[T], id captype.CapId, newPerms captype.CapFlags, weakness CloneWeakness, destroySrc, weakAutoDestroy bool) (captype.CapId, error) {
	cap, err := src.Get(id)
	if err != nil {
		return captype.Null, err
	}

	makeStrong := !cap.IsWeak()
	switch weakness {
	case MakeStrong:
		makeStrong = true
	case MakeWeak:
		makeStrong = false
	}

	newFlags := cap.Flags() & newPerms

	var newCap captype.Capability[T]
	if makeStrong {
		strong, ok := cap.Upgrade()
		if !ok {
			if weakAutoDestroy {
				_, _ = src.Remove(id)
			}
			return captype.Null, defs.WrapErr("capspace.Clone", defs.EINVLWEAK)
		}
		strong.SetID(strong.ID().WithFlags(newFlags))
		newCap = captype.FromStrong(strong)
	} else {
		strong, ok := cap.Upgrade()
		if !ok {
			return captype.Null, defs.WrapErr("capspace.Clone", defs.EINVLWEAK)
		}
		strong.SetID(strong.ID().WithFlags(newFlags))
		weak := strong.Downgrade()
		newCap = captype.FromWeak(weak)
	}

	newID := dst.Insert(newCap, true)

	if destroySrc {
		_, _ = src.Remove(id)
	}
	return newID, nil
}
