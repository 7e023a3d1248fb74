// Package captype defines the capability identifier, permission flags,
// and the generic Strong/Weak capability wrapper shared by every
// capability type in the kernel, expressed with Go generics in place of
// a per-type trait bound.
package captype

import "kernel/defs"

// CapFlags are the permission bits a capability carries: read, write,
// production (create children/siblings), and upgrade (rights
// amplification on clone).
type CapFlags uint8

const (
	FlagRead CapFlags = 1 << iota
	FlagWrite
	FlagProd
	FlagUpgrade
)

// Contains reports whether f carries every bit set in required.
func (f CapFlags) Contains(required CapFlags) bool {
	return f&required == required
}

func (f CapFlags) String() string {
	s := ""
	if f&FlagRead != 0 {
		s += "R"
	}
	if f&FlagWrite != 0 {
		s += "W"
	}
	if f&FlagProd != 0 {
		s += "P"
	}
	if f&FlagUpgrade != 0 {
		s += "U"
	}
	if s == "" {
		return "-"
	}
	return s
}

// CapId packs type:5 | flags:4 | is_weak:1 | base_id:54 into one uint64.
const (
	baseIDBits  = 54
	isWeakBits  = 1
	flagsBits   = 4
	typeBits    = 5

	baseIDShift = 0
	isWeakShift = baseIDShift + baseIDBits
	flagsShift  = isWeakShift + isWeakBits
	typeShift   = flagsShift + flagsBits

	baseIDMask = (uint64(1) << baseIDBits) - 1
	flagsMask  = (uint64(1) << flagsBits) - 1
)

// CapId is the opaque, copyable handle userspace and the kernel exchange
// to name a capability: its type, permission flags, weak/strong bit, and
// a per-type-map base id are all packed into the one 64-bit value so that
// a syscall argument alone carries everything needed to route and permission
// check a capability reference without a prior lookup.
type CapId uint64

// NewCapID packs a capability identifier. base must fit in 54 bits.
func NewCapID(t defs.CapType, flags CapFlags, isWeak bool, base uint64) CapId {
	if base > baseIDMask {
		panic("captype: base id overflows 54 bits")
	}
	var weak uint64
	if isWeak {
		weak = 1
	}
	return CapId(
		uint64(t)<<typeShift |
			uint64(flags)&flagsMask<<flagsShift |
			weak<<isWeakShift |
			base&baseIDMask,
	)
}

// Null is the reserved all-zero CapId, never a valid live capability.
const Null CapId = 0

// Type extracts the capability type tag.
func (c CapId) Type() defs.CapType { return defs.CapType(uint64(c) >> typeShift) }

// Flags extracts the permission flags encoded at allocation time.
func (c CapId) Flags() CapFlags { return CapFlags((uint64(c) >> flagsShift) & flagsMask) }

// IsWeak reports whether this id names a weak reference.
func (c CapId) IsWeak() bool { return (uint64(c)>>isWeakShift)&1 != 0 }

// BaseID extracts the per-type-map index.
func (c CapId) BaseID() uint64 { return uint64(c) & baseIDMask }

// WithFlags returns a copy of c with its flags bits replaced, used when
// a clone operation narrows permissions.
func (c CapId) WithFlags(flags CapFlags) CapId {
	return NewCapID(c.Type(), flags, c.IsWeak(), c.BaseID())
}

// WithWeak returns a copy of c with its weak bit set as requested.
func (c CapId) WithWeak(weak bool) CapId {
	return NewCapID(c.Type(), c.Flags(), weak, c.BaseID())
}
