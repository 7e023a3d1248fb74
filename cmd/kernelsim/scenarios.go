package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kernel/addrspace"
	"kernel/captype"
	"kernel/channel"
	"kernel/config"
	"kernel/defs"
	"kernel/mem"
	"kernel/memcap"
	"kernel/uaspace"
	"kernel/vmem"
)

// scenario is one named end-to-end check the CLI can run and report
// PASS/FAIL for.
type scenario struct {
	name  string
	short string
	run   func() error
}

var scenarios = []scenario{
	{"s1", "buddy zone: exhaust, drain, reassemble", scenarioS1},
	{"s2", "memory capability: lazy-zero touch, cow-free dual mapping", scenarioS2},
	{"s3", "channel: sync_send/sync_recv rendezvous", scenarioS3},
	{"s4", "channel: sync_call/reply_reply round trip", scenarioS4},
	{"s5", "page table: map_many rolls back on overlap", scenarioS5},
	{"s6", "userspace address space: ASLR placement", scenarioS6},
}

// scenarioS1 allocates a 16MiB, 4KiB-leaf buddy zone, exhausts it one
// leaf at a time, confirms the next alloc fails, frees every leaf in
// reverse order, and confirms the zone reassembles into one allocation
// covering its entire span.
func scenarioS1() error {
	const zoneSize = 16 << 20
	const leaf = 4096
	zone, err := mem.NewBuddyZone(0, zoneSize, leaf)
	if err != nil {
		return fmt.Errorf("NewBuddyZone: %w", err)
	}

	seen := make(map[mem.Pa_t]bool)
	var ranges []mem.PhysRange
	for i := 0; i < zoneSize/leaf; i++ {
		r, ok := zone.Alloc(leaf)
		if !ok {
			return fmt.Errorf("alloc %d: expected success, zone reported exhaustion early", i)
		}
		if seen[r.Start] {
			return fmt.Errorf("alloc %d: address %#x handed out twice", i, r.Start)
		}
		seen[r.Start] = true
		ranges = append(ranges, r)
	}
	if _, ok := zone.Alloc(leaf); ok {
		return fmt.Errorf("alloc %d: expected exhaustion, zone had one more leaf to give", len(ranges))
	}

	for i := len(ranges) - 1; i >= 0; i-- {
		zone.Dealloc(ranges[i])
	}
	if !zone.AllZero() {
		return fmt.Errorf("zone not fully free after returning every leaf")
	}

	whole, ok := zone.Alloc(zoneSize)
	if !ok {
		return fmt.Errorf("whole-zone alloc after drain failed")
	}
	if whole.Start != zone.Start() {
		return fmt.Errorf("whole-zone alloc returned %#x, want zone start %#x", whole.Start, zone.Start())
	}
	return nil
}

// scenarioS2 creates a 4-page lazy-zero Memory capability, maps it
// read-write at A, observes the first touch reads zero and commits page
// 1 to Owned, writes through it, maps the same capability read-only at
// a second address, and confirms the write is visible there too.
func scenarioS2() error {
	phys, err := mem.Bootstrap(config.Default())
	if err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}
	allocate := func() (mem.Pa_t, error) {
		f, err := phys.Alloc(mem.PGSIZE)
		if err != nil {
			return 0, err
		}
		return f.Addr, nil
	}
	release := func(addr mem.Pa_t) {
		phys.Dealloc(mem.PhysFrame{Addr: addr, Size: mem.PGSIZE})
	}

	m := memcap.New(4, allocate, release)
	as := addrspace.New()
	ram := mem.NewRam()

	const a = vmem.VAddr(0x40000000)
	if _, err := as.MapMemory(a, m, captype.FlagRead|captype.FlagWrite); err != nil {
		return fmt.Errorf("MapMemory at A: %w", err)
	}

	readByteAt := func(base, addr vmem.VAddr) (byte, error) {
		mm, _, err := as.MemoryAt(addr)
		if err != nil {
			return 0, err
		}
		pageIdx := int((addr - base) / vmem.VAddr(mem.PGSIZE))
		frame, err := mm.GetPageForReading(pageIdx)
		if err != nil {
			return 0, err
		}
		off := int((addr - base) % vmem.VAddr(mem.PGSIZE))
		var buf [1]byte
		if _, err := ram.ReadFrame(frame, off, buf[:]); err != nil {
			return 0, err
		}
		return buf[0], nil
	}

	b, err := readByteAt(a, a+5000)
	if err != nil {
		return fmt.Errorf("read A+5000: %w", err)
	}
	if b != 0 {
		return fmt.Errorf("first touch of a lazy-zero page should read 0, got %d", b)
	}
	kind, err := m.PageKindAt(1)
	if err != nil {
		return fmt.Errorf("PageKindAt(1): %w", err)
	}
	if kind != memcap.PageOwned {
		return fmt.Errorf("page 1 should be Owned after first touch, got %v", kind)
	}

	pageIdx := int(5000 / mem.PGSIZE)
	frame, err := m.GetPageForWriting(pageIdx)
	if err != nil {
		return fmt.Errorf("GetPageForWriting: %w", err)
	}
	off := int(5000 % mem.PGSIZE)
	if _, err := ram.WriteFrame(frame, off, []byte{0xAB}); err != nil {
		return fmt.Errorf("WriteFrame: %w", err)
	}

	const b2 = vmem.VAddr(0x40000000 + 0x100000)
	if _, err := as.MapMemory(b2, m, captype.FlagRead); err != nil {
		return fmt.Errorf("MapMemory at B: %w", err)
	}

	got, err := readByteAt(b2, b2+5000)
	if err != nil {
		return fmt.Errorf("read B+5000: %w", err)
	}
	if got != 0xAB {
		return fmt.Errorf("expected 0xAB through the second mapping, got %#x", got)
	}
	return nil
}

// scenarioS3 has one goroutine sync_send a 3-byte message and another,
// after a short delay, sync_recv it, confirming the payload crosses
// intact and neither side reports an error.
func scenarioS3() error {
	ch := channel.New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- ch.SyncSend(ctx, channel.Message{Data: []byte{1, 2, 3}})
	}()
	time.Sleep(10 * time.Millisecond)

	msg, err := ch.SyncRecv(ctx)
	if err != nil {
		return fmt.Errorf("SyncRecv: %w", err)
	}
	if len(msg.Data) != 3 {
		return fmt.Errorf("got %d-byte message, want 3", len(msg.Data))
	}
	if err := <-sendErr; err != nil {
		return fmt.Errorf("SyncSend: %w", err)
	}
	return nil
}

// scenarioS4 drives a full sync_call: thread A calls with a 1-byte
// payload, thread B receives it, resolves
// the in-band reply id, and replies with 4 bytes. A second reply through
// the same id must fail since a reply capability is single-use.
func scenarioS4() error {
	ch := channel.New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type callResult struct {
		msg channel.Message
		err error
	}
	resc := make(chan callResult, 1)
	go func() {
		msg, err := ch.SyncCall(ctx, channel.Message{Data: []byte{7}})
		resc <- callResult{msg, err}
	}()

	req, err := ch.SyncRecv(ctx)
	if err != nil {
		return fmt.Errorf("SyncRecv: %w", err)
	}
	if len(req.Caps) != 1 {
		return fmt.Errorf("call message should carry exactly one reply cap id, got %d", len(req.Caps))
	}
	replyID := req.Caps[0]

	reply := channel.TakeReply(replyID)
	if reply == nil {
		return fmt.Errorf("TakeReply(%d): not found", replyID)
	}
	if err := reply.Send(channel.Message{Data: []byte{9, 9, 9, 9}}); err != nil {
		return fmt.Errorf("reply.Send: %w", err)
	}

	res := <-resc
	if res.err != nil {
		return fmt.Errorf("SyncCall: %w", res.err)
	}
	if len(res.msg.Data) != 4 {
		return fmt.Errorf("reply should be 4 bytes, got %d", len(res.msg.Data))
	}

	if reply.Send(channel.Message{}) == nil {
		return fmt.Errorf("a second reply through an already-spent reply cap should fail")
	}
	return nil
}

// scenarioS5 attempts a map_many batch where the third pair overlaps an
// already-live mapping, and confirms the whole batch rolls back: the
// first two pages, despite having installed cleanly, must not survive
// the failure of the third.
func scenarioS5() error {
	pt := vmem.New()
	if err := pt.MapPage(0x5000, 0x9000, vmem.PteWrite); err != nil {
		return fmt.Errorf("seed mapping: %w", err)
	}

	batch := []vmem.Mapping{
		{VA: 0x1000, Frame: 0x1000, Flags: vmem.PteWrite},
		{VA: 0x2000, Frame: 0x2000, Flags: vmem.PteWrite},
		{VA: 0x5000, Frame: 0x3000, Flags: vmem.PteWrite}, // overlaps the seed mapping
	}
	err := pt.MapMany(batch)
	if err == nil {
		return fmt.Errorf("expected map_many to fail on an overlapping batch entry")
	}
	if !errors.Is(err, &defs.KernErr{Code: defs.EINVLMEMZONE}) {
		return fmt.Errorf("map_many failed with %v, want EINVLMEMZONE", err)
	}

	if _, _, ok := pt.Lookup(0x1000); ok {
		return fmt.Errorf("first batch entry should have been rolled back")
	}
	if _, _, ok := pt.Lookup(0x2000); ok {
		return fmt.Errorf("second batch entry should have been rolled back")
	}
	if _, _, ok := pt.Lookup(0x5000); !ok {
		return fmt.Errorf("seed mapping should have survived the failed batch")
	}
	return nil
}

// scenarioS6 seeds the userspace address-space manager's ASLR with an
// all-zero key and confirms two successive single-page placements land
// at distinct, non-zero, page-aligned addresses below the mappable
// range.
func scenarioS6() error {
	var seed [32]byte
	mgr := uaspace.New(1<<32, seed)

	a, err := mgr.FindMapAddress(mem.PGSIZE)
	if err != nil {
		return fmt.Errorf("FindMapAddress 1: %w", err)
	}
	if err := mgr.InsertRegion(uaspace.Region{Start: a, Size: mem.PGSIZE}); err != nil {
		return fmt.Errorf("InsertRegion 1: %w", err)
	}

	b, err := mgr.FindMapAddress(mem.PGSIZE)
	if err != nil {
		return fmt.Errorf("FindMapAddress 2: %w", err)
	}
	if err := mgr.InsertRegion(uaspace.Region{Start: b, Size: mem.PGSIZE}); err != nil {
		return fmt.Errorf("InsertRegion 2: %w", err)
	}

	if a == b {
		return fmt.Errorf("two placements landed at the same address %#x", a)
	}
	if a == 0 || b == 0 {
		return fmt.Errorf("placement at address zero: %#x, %#x", a, b)
	}
	if a%mem.PGSIZE != 0 || b%mem.PGSIZE != 0 {
		return fmt.Errorf("placement not page-aligned: %#x, %#x", a, b)
	}
	if a+mem.PGSIZE > b && b+mem.PGSIZE > a {
		return fmt.Errorf("placements overlap: %#x, %#x", a, b)
	}
	if a >= 1<<32 || b >= 1<<32 {
		return fmt.Errorf("placement outside the mappable range: %#x, %#x", a, b)
	}
	return nil
}
