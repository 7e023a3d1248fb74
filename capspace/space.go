package capspace

import (
	"kernel/addrspace"
	"kernel/captype"
	"kernel/channel"
	"kernel/defs"
	"kernel/memcap"
)

// Space is one process's complete capability space: one CapMap per
// capability type it actually exercises in this repository. Sixteen
// CapType values are defined in total; this type wires the four that are
// exercised end-to-end (Memory, AddressSpace, Channel, Reply) -- see
// DESIGN.md for the remaining CapType values this repository defines but
// does not (yet) back with a concrete payload type.
type Space struct {
	Memory       *CapMap[memcap.Memory]
	AddressSpace *CapMap[addrspace.AddressSpace]
	Channel      *CapMap[channel.Channel]
	Reply        *CapMap[channel.Reply]
}

// NewSpace creates an empty capability space.
func NewSpace() *Space {
	return &Space{
		Memory:       NewCapMap[memcap.Memory](defs.CapMemory),
		AddressSpace: NewCapMap[addrspace.AddressSpace](defs.CapAddressSpace),
		Channel:      NewCapMap[channel.Channel](defs.CapChannel),
		Reply:        NewCapMap[channel.Reply](defs.CapReply),
	}
}

// CapClone dispatches a cap_clone by capability type to the matching
// typed CapMap.
func CapClone(dst, src *Space, id captype.CapId, newPerms captype.CapFlags, weakness CloneWeakness, destroySrc, weakAutoDestroy bool) (captype.CapId, error) {
	switch id.Type() {
	case defs.CapMemory:
		return Clone(dst.Memory, src.Memory, id, newPerms, weakness, destroySrc, weakAutoDestroy)
	case defs.CapAddressSpace:
		return Clone(dst.AddressSpace, src.AddressSpace, id, newPerms, weakness, destroySrc, weakAutoDestroy)
	case defs.CapChannel:
		return Clone(dst.Channel, src.Channel, id, newPerms, weakness, destroySrc, weakAutoDestroy)
	case defs.CapReply:
		return Clone(dst.Reply, src.Reply, id, newPerms, weakness, destroySrc, weakAutoDestroy)
	default:
		return captype.Null, defs.WrapErr("capspace.CapClone", defs.EINVLID)
	}
}
