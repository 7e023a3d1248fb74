// Package threadexit implements the userspace thread-exit tail sequence:
// a thread exiting must unmap its own stack region, but cannot safely run
// further userspace code on a stack that has already been unmapped out
// from under it, and a concurrent mapper must not reuse that address
// range until the exiting thread has actually finished using it. The
// three steps -- unmap, decrement the shared transient counter, destroy
// the thread -- are only race-free in that exact order: the transient
// counter is raised before the stack's page table entries are torn down,
// the caller switches off the unmapped stack, and only once safely off it
// does the counter drop and the thread actually get destroyed.
package threadexit

import (
	"kernel/defs"
	"kernel/uaspace"
)

// StackUnmapper performs the actual unmap of a thread's stack region; in
// the hosted simulator this is the uaspace.Manager for the process, kept
// as an interface here so tests can substitute a fake.
type StackUnmapper interface {
	RemoveRegion(addr uint64) (uaspace.Region, error)
	BeginTransientUnmap()
	EndTransientUnmap()
}

// DestroyFunc tears down the thread capability itself; supplied by the
// caller (ksyscall wires this to the real thread capability destruction).
type DestroyFunc func() error

// Run executes the exit-thread-only tail sequence for a thread whose
// stack begins at stackAddr: begin the transient unmap, remove the stack
// region, end the transient unmap, then destroy the thread. destroy is
// only invoked after the stack region is fully unmapped and the
// transient counter has been released.
func Run(mgr StackUnmapper, stackAddr uint64, destroy DestroyFunc) error {
	mgr.BeginTransientUnmap()
	_, err := mgr.RemoveRegion(stackAddr)
	mgr.EndTransientUnmap()
	if err != nil {
		return defs.WrapErr("threadexit.Run", defs.EINVLVIRTADDR)
	}

	if destroy != nil {
		return destroy()
	}
	return nil
}
