package defs

// Tid_t identifies a thread (a goroutine playing the role of a userspace
// thread of execution).
type Tid_t uint64

// Pid_t identifies a thread group (the analogue of a process).
type Pid_t uint64

// CapType enumerates every capability object type the kernel knows
// about. The numeric value is encoded into the high 5 bits of a CapId, so
// it must stay within 0..31.
type CapType uint8

const (
	CapThread CapType = iota
	CapThreadGroup
	CapAddressSpace
	CapCapabilitySpace
	CapMemory
	CapEventPool
	CapKey
	CapChannel
	CapReply
	CapAllocator
	CapDropCheck
	CapDropCheckReciever
	CapMmioAllocator
	CapPhysMem
	CapIntAllocator
	CapInterrupt

	capTypeCount
)

var capTypeNames = [capTypeCount]string{
	"Thread", "ThreadGroup", "AddressSpace", "CapabilitySpace", "Memory",
	"EventPool", "Key", "Channel", "Reply", "Allocator", "DropCheck",
	"DropCheckReciever", "MmioAllocator", "PhysMem", "IntAllocator",
	"Interrupt",
}

// String renders the capability type's name.
func (t CapType) String() string {
	if int(t) < len(capTypeNames) {
		return capTypeNames[t]
	}
	return "Unknown"
}

// Valid reports whether t is a known capability type.
func (t CapType) Valid() bool {
	return t < capTypeCount
}
