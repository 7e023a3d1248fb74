// Package msgcopy implements the message-copy engine: streaming bytes
// into a destination Memory capability's mapped range, crossing page
// boundaries transparently and invoking GetPageForWriting at each one,
// with in-band capability transfer and rollback if the copy cannot
// complete. The copy loop advances a byte offset, resolves the page
// containing it, copies the page-local slice, and repeats until the
// whole buffer is consumed or a page fault cannot be serviced.
package msgcopy

import (
	"kernel/defs"
	"kernel/mem"
)

// PageSource is anything that can resolve a page index to a writable
// frame, committing a backing frame for lazy pages on first touch.
// memcap.Memory satisfies this directly.
type PageSource interface {
	GetPageForWriting(pageIndex int) (mem.Pa_t, error)
	NumPages() int
}

// FrameReader reads bytes out of a physical frame, standing in for
// direct-mapped physical memory access: this repository simulates
// frames as addressable byte arenas rather than raw pointers into real
// RAM.
type FrameReader interface {
	ReadFrame(addr mem.Pa_t, off int, buf []byte) (int, error)
	WriteFrame(addr mem.Pa_t, off int, buf []byte) (int, error)
}

// MemoryWriter streams a byte sequence into dst starting at an
// byte offset, crossing page boundaries as needed.
type MemoryWriter struct {
	dst    PageSource
	ram    FrameReader
	offset int
}

// NewMemoryWriter creates a writer over dst starting at the given byte
// offset within dst's page array.
func NewMemoryWriter(dst PageSource, ram FrameReader, startOffset int) *MemoryWriter {
	return &MemoryWriter{dst: dst, ram: ram, offset: startOffset}
}

// WriteResult reports how much of a requested region was actually
// written, and whether the destination's capacity was exhausted.
type WriteResult struct {
	Written    int
	EndReached bool
}

const pageSize = int(mem.PGSIZE)

// WriteRegion writes data into the destination starting at the writer's
// current offset, crossing as many page boundaries as necessary,
// invoking GetPageForWriting exactly once per page touched. If a page
// fails to resolve (e.g. the backing allocator is out of memory) the
// write stops there and returns everything written so far along with the
// error, leaving the capability's visible state consistent: pages already
// written are committed, nothing beyond the failure point has been
// touched. Rollback-on-failure is handled at the granularity of whole
// destination capabilities by callers discarding the partially-written
// capability; the writer itself never leaves a page half-written.
func (w *MemoryWriter) WriteRegion(data []byte) (WriteResult, error) {
	written := 0
	for written < len(data) {
		pageIdx := w.offset / pageSize
		if pageIdx >= w.dst.NumPages() {
			return WriteResult{Written: written, EndReached: true}, nil
		}
		pageOff := w.offset % pageSize
		n := pageSize - pageOff
		if remain := len(data) - written; n > remain {
			n = remain
		}

		frame, err := w.dst.GetPageForWriting(pageIdx)
		if err != nil {
			return WriteResult{Written: written}, err
		}
		wrote, err := w.ram.WriteFrame(frame, pageOff, data[written:written+n])
		if err != nil {
			return WriteResult{Written: written}, err
		}
		written += wrote
		w.offset += wrote
		if wrote < n {
			// Partial frame write: stop here rather than silently
			// skipping ahead, so the caller sees exactly how far the
			// copy got.
			break
		}
	}
	return WriteResult{Written: written, EndReached: w.offset/pageSize >= w.dst.NumPages()}, nil
}

// CurrentOffset reports the writer's position, used to align a
// following write before writing an in-band capability id.
func (w *MemoryWriter) CurrentOffset() int { return w.offset }

// CapTransfer is one capability moved in-band as part of a message copy:
// its id in the source space and the permission flags it should carry in
// the destination space.
type CapTransfer struct {
	SrcID    uint64
	NewFlags uint8
}

// TransferCaps moves each entry in caps from src to dst using move, which
// the ksyscall layer supplies bound to the real capability-space clone
// operation (kept generic here to avoid msgcopy depending on every
// concrete capability type). If any single transfer fails the ones
// already moved are rolled back with undo, keeping the capability half
// of a message copy all-or-nothing.
func TransferCaps(caps []CapTransfer, move func(CapTransfer) (newID uint64, undo func(), err error)) ([]uint64, error) {
	newIDs := make([]uint64, 0, len(caps))
	var undos []func()

	for _, c := range caps {
		newID, undo, err := move(c)
		if err != nil {
			for i := len(undos) - 1; i >= 0; i-- {
				undos[i]()
			}
			return nil, defs.WrapErr("msgcopy.TransferCaps", defs.EINVLOP)
		}
		newIDs = append(newIDs, newID)
		if undo != nil {
			undos = append(undos, undo)
		}
	}
	return newIDs, nil
}
