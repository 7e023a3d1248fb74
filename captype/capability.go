package captype

import (
	"sync"

	"kernel/defs"
)

// CapObject is implemented by every kernel object that can be named by a
// capability (Memory, AddressSpace, Channel, Reply, ...). CapType is fixed
// per concrete type.
type CapObject interface {
	CapType() defs.CapType
}

// refHolder is the shared control block behind a Strong/Weak pair: a
// strong capability owns the object outright, weak capabilities observe
// it without preventing destruction.
type refHolder[T any] struct {
	mu    sync.Mutex
	obj   *T
	alive bool
}

func newHolder[T any](obj *T) *refHolder[T] {
	return &refHolder[T]{obj: obj, alive: true}
}

// Strong is an owning capability reference: while any Strong value for a
// given object exists, the object is guaranteed live.
type Strong[T any] struct {
	id     CapId
	flags  CapFlags
	holder *refHolder[T]
}

// Weak is a non-owning capability reference: the referenced object may
// have already been destroyed, which Upgrade reports.
type Weak[T any] struct {
	id     CapId
	flags  CapFlags
	holder *refHolder[T]
}

// NewStrong wraps obj in a fresh owning capability with the given
// permission flags. The CapId is assigned later by the capability space
// that stores it (SetID).
func NewStrong[T any](obj *T, flags CapFlags) Strong[T] {
	return Strong[T]{flags: flags, holder: newHolder(obj)}
}

// ID returns the capability's assigned identifier.
func (s Strong[T]) ID() CapId { return s.id }

// SetID is called exactly once by the capability space that inserts this
// capability, after it has allocated the capability's id. The permission
// flags are taken from id, so the reference carries the flags its id
// encodes.
func (s *Strong[T]) SetID(id CapId) {
	s.id = id
	s.flags = id.Flags()
}

// Flags returns the permission bits this reference was granted.
func (s Strong[T]) Flags() CapFlags { return s.flags }

// IsWeak reports false: a Strong reference is never weak.
func (s Strong[T]) IsWeak() bool { return false }

// Get returns the underlying object pointer. Valid for the lifetime of s.
func (s Strong[T]) Get() *T { return s.holder.obj }

// Downgrade produces a Weak reference sharing the same underlying object.
func (s Strong[T]) Downgrade() Weak[T] {
	return Weak[T]{id: s.id.WithWeak(true), flags: s.flags, holder: s.holder}
}

// Destroy marks the underlying object dead; subsequent Upgrade calls on
// any weak reference derived from this Strong fail.
func (s Strong[T]) Destroy() {
	s.holder.mu.Lock()
	s.holder.alive = false
	s.holder.mu.Unlock()
}

// ID returns the capability's assigned identifier.
func (w Weak[T]) ID() CapId { return w.id }

// Flags returns the permission bits this reference was granted.
func (w Weak[T]) Flags() CapFlags { return w.flags }

// IsWeak reports true: a Weak reference is always weak.
func (w Weak[T]) IsWeak() bool { return true }

// Upgrade attempts to promote w to an owning Strong reference, failing if
// the object has already been destroyed.
func (w Weak[T]) Upgrade() (Strong[T], bool) {
	w.holder.mu.Lock()
	defer w.holder.mu.Unlock()
	if !w.holder.alive {
		return Strong[T]{}, false
	}
	return Strong[T]{id: w.id.WithWeak(false), flags: w.flags, holder: w.holder}, true
}

// Capability is either a Strong or a Weak reference to T: a tagged union
// over the two variants.
type Capability[T any] struct {
	strong Strong[T]
	weak   Weak[T]
	isWeak bool
}

// FromStrong wraps a Strong reference as a Capability.
func FromStrong[T any](s Strong[T]) Capability[T] {
	return Capability[T]{strong: s}
}

// FromWeak wraps a Weak reference as a Capability.
func FromWeak[T any](w Weak[T]) Capability[T] {
	return Capability[T]{weak: w, isWeak: true}
}

// ID returns the identifier of whichever variant this holds.
func (c Capability[T]) ID() CapId {
	if c.isWeak {
		return c.weak.ID()
	}
	return c.strong.ID()
}

// Flags returns the permission flags of whichever variant this holds.
func (c Capability[T]) Flags() CapFlags {
	if c.isWeak {
		return c.weak.Flags()
	}
	return c.strong.Flags()
}

// IsWeak reports which variant this Capability holds.
func (c Capability[T]) IsWeak() bool { return c.isWeak }

// SetID propagates an assigned id into whichever variant this holds.
func (c *Capability[T]) SetID(id CapId) {
	if c.isWeak {
		c.weak.id = id
	} else {
		c.strong.id = id
	}
}

// WithID returns a copy of c with its CapId replaced, used when a clone
// operation narrows permissions or flips strong/weak.
func (c Capability[T]) WithID(id CapId) Capability[T] {
	n := c
	n.SetID(id)
	return n
}

// Upgrade resolves c to a Strong reference, upgrading a weak one if
// necessary. ok is false if c is weak and the object was already
// destroyed.
func (c Capability[T]) Upgrade() (Strong[T], bool) {
	if !c.isWeak {
		return c.strong, true
	}
	return c.weak.Upgrade()
}
