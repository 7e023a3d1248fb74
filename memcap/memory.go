// Package memcap implements the Memory capability: a page array backing
// zero or more address-space mappings, each page independently Owned,
// Cow (copy-on-write, shared with another Memory capability), LazyAlloc
// (backed on first touch), or LazyZeroAlloc (backed on first touch,
// like LazyAlloc). memcap never writes to a frame, so a lazy page's
// first touch sees whatever content the allocator's frame holds.
package memcap

import (
	"sync"

	"kernel/defs"
	"kernel/mem"
	"kernel/vmem"
)

// PageKind tags which of the four page variants a slot holds.
type PageKind int

const (
	PageOwned PageKind = iota
	PageCow
	PageLazyAlloc
	PageLazyZeroAlloc
)

// sharedPage is the reference-counted backing of a Cow page; Owned pages
// never share one, so they keep their frame directly in Page.
type sharedPage struct {
	mu    sync.Mutex
	frame mem.Pa_t
	refs  int
}

// Page is one slot in a Memory capability's page array.
type Page struct {
	Kind   PageKind
	frame  mem.Pa_t    // valid when Kind == PageOwned
	shared *sharedPage // valid when Kind == PageCow
}

// MappingSite records one (address space, virtual address, options) triple
// that currently maps this Memory capability, so that a page-state
// transition (e.g. breaking a Cow page into an Owned one) can be
// propagated to every site that needs its page table entry updated when
// the page's backing frame changes underneath it, reinstalled with the
// same options the site originally mapped with.
type MappingSite struct {
	PageTable *vmem.PageTable
	Base      vmem.VAddr
	Options   vmem.PteFlags
}

// Memory is the capability payload: an ordered array of pages plus the
// set of places it is currently mapped.
type Memory struct {
	mu       sync.Mutex
	allocate func() (mem.Pa_t, error)
	release  func(mem.Pa_t)

	pages []Page
	sites []MappingSite
}

// New creates a Memory capability of numPages pages, all LazyZeroAlloc:
// no physical frame is committed until first touch -- the default
// backing for anonymous memory. The committed frame is not zeroed here.
func New(numPages int, allocate func() (mem.Pa_t, error), release func(mem.Pa_t)) *Memory {
	m, _ := NewWithSource(numPages, SourceLazyZero, allocate, release)
	return m
}

// PageSource selects how NewWithSource backs a freshly constructed
// Memory capability's pages.
type PageSource int

const (
	// SourceEager allocates and commits every page immediately as Owned.
	SourceEager PageSource = iota
	// SourceLazy defers allocation to first touch; first-touch content is
	// whatever the allocator hands back, not guaranteed zeroed.
	SourceLazy
	// SourceLazyZero defers allocation to first touch, like SourceLazy;
	// its pages keep the LazyZeroAlloc kind until then. The committed
	// frame is not zeroed by memcap.
	SourceLazyZero
)

// NewWithSource creates a Memory capability of numPages pages backed by
// source. A SourceEager capability allocates every page up front and
// rolls back (releasing whatever it already committed) if allocation
// fails partway through; SourceLazy and SourceLazyZero pages allocate
// nothing until first touch.
func NewWithSource(numPages int, source PageSource, allocate func() (mem.Pa_t, error), release func(mem.Pa_t)) (*Memory, error) {
	if numPages <= 0 {
		return nil, defs.WrapErr("memcap.NewWithSource", defs.EINVLARGS)
	}
	pages := make([]Page, numPages)
	switch source {
	case SourceEager:
		for i := range pages {
			frame, err := allocate()
			if err != nil {
				for j := 0; j < i; j++ {
					release(pages[j].frame)
				}
				return nil, err
			}
			pages[i] = Page{Kind: PageOwned, frame: frame}
		}
	case SourceLazy:
		for i := range pages {
			pages[i] = Page{Kind: PageLazyAlloc}
		}
	case SourceLazyZero:
		for i := range pages {
			pages[i] = Page{Kind: PageLazyZeroAlloc}
		}
	default:
		return nil, defs.WrapErr("memcap.NewWithSource", defs.EINVLARGS)
	}
	return &Memory{allocate: allocate, release: release, pages: pages}, nil
}

// NumPages returns the capability's page count.
func (m *Memory) NumPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// PageKindAt reports the current variant of page i, without resolving or
// committing a frame for it -- used by callers (and diagnostics) that
// need to observe a lazy page's state transition after a touch.
func (m *Memory) PageKindAt(i int) (PageKind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.pages) {
		return 0, defs.WrapErr("memcap.PageKindAt", defs.EINVLARGS)
	}
	return m.pages[i].Kind, nil
}

// Fork produces a new Memory capability sharing every Owned/Cow page of m
// copy-on-write: both capabilities see PageCow slots backed by the same
// sharedPage, and a write through either side breaks the share.
func (m *Memory) Fork() *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()

	child := &Memory{allocate: m.allocate, release: m.release, pages: make([]Page, len(m.pages))}
	for i, p := range m.pages {
		switch p.Kind {
		case PageOwned:
			sp := &sharedPage{frame: p.frame, refs: 2}
			m.pages[i] = Page{Kind: PageCow, shared: sp}
			child.pages[i] = Page{Kind: PageCow, shared: sp}
		case PageCow:
			p.shared.mu.Lock()
			p.shared.refs++
			p.shared.mu.Unlock()
			child.pages[i] = p
		default:
			child.pages[i] = p
		}
	}
	return child
}

// MaterializedFrame reports the frame currently backing page i and its
// kind, without allocating or otherwise mutating page state: Owned and
// Cow pages are already backed and report ok=true; LazyAlloc and
// LazyZeroAlloc pages report ok=false, since no frame exists for them
// until a read or write actually resolves them. Used by a mapping
// installer that must not defeat a lazy page's first-touch contract by
// forcing early materialization.
func (m *Memory) MaterializedFrame(i int) (frame mem.Pa_t, kind PageKind, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.pages) {
		return 0, 0, false, defs.WrapErr("memcap.MaterializedFrame", defs.EINVLARGS)
	}
	p := &m.pages[i]
	switch p.Kind {
	case PageOwned:
		return p.frame, PageOwned, true, nil
	case PageCow:
		p.shared.mu.Lock()
		f := p.shared.frame
		p.shared.mu.Unlock()
		return f, PageCow, true, nil
	default:
		return 0, p.Kind, false, nil
	}
}

// GetPageForReading resolves page i to a frame, committing a backing
// frame for a lazy page if this is its first touch.
func (m *Memory) GetPageForReading(i int) (mem.Pa_t, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolve(i, false)
}

// GetPageForWriting resolves page i to a frame guaranteed not to be
// shared, breaking a Cow share into a private Owned copy first if
// necessary (a standard copy-on-write fault), and remapping every other
// site that still maps this Memory capability so its page table entries
// stay coherent with the new frame.
func (m *Memory) GetPageForWriting(i int) (mem.Pa_t, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolve(i, true)
}

func (m *Memory) resolve(i int, forWrite bool) (mem.Pa_t, error) {
	if i < 0 || i >= len(m.pages) {
		return 0, defs.WrapErr("memcap.resolve", defs.EINVLARGS)
	}
	p := &m.pages[i]
	switch p.Kind {
	case PageOwned:
		return p.frame, nil
	case PageCow:
		if !forWrite {
			p.shared.mu.Lock()
			f := p.shared.frame
			p.shared.mu.Unlock()
			return f, nil
		}
		return m.breakCow(i)
	case PageLazyAlloc:
		frame, err := m.allocate()
		if err != nil {
			return 0, err
		}
		m.pages[i] = Page{Kind: PageOwned, frame: frame}
		m.remapPageLocked(i)
		return frame, nil
	case PageLazyZeroAlloc:
		frame, err := m.allocate()
		if err != nil {
			return 0, err
		}
		m.pages[i] = Page{Kind: PageOwned, frame: frame}
		m.remapPageLocked(i)
		return frame, nil
	default:
		panic("memcap: unknown page kind")
	}
}

func (m *Memory) breakCow(i int) (mem.Pa_t, error) {
	p := &m.pages[i]
	p.shared.mu.Lock()
	refs := p.shared.refs
	src := p.shared.frame
	p.shared.mu.Unlock()

	if refs == 1 {
		m.pages[i] = Page{Kind: PageOwned, frame: src}
		m.remapPageLocked(i)
		return src, nil
	}

	newFrame, err := m.allocate()
	if err != nil {
		return 0, err
	}

	p.shared.mu.Lock()
	p.shared.refs--
	p.shared.mu.Unlock()

	m.pages[i] = Page{Kind: PageOwned, frame: newFrame}
	m.remapPageLocked(i)
	return newFrame, nil
}

// remapPageLocked walks every recorded mapping site and, if page i falls
// within that site's mapped range, reinstalls its page table entry to
// point at the page's current frame with that site's options, forcing W
// off if the page is still Cow. Called with m.mu held.
func (m *Memory) remapPageLocked(i int) {
	for _, site := range m.sites {
		va := site.Base + vmem.VAddr(i)*vmem.VAddr(mem.PGSIZE)
		_, _ = site.PageTable.UnmapPage(va)
		frame, kind, err := m.resolveReadOnlyLocked(i)
		if err != nil {
			continue
		}
		flags := site.Options
		if kind == PageCow {
			flags &^= vmem.PteWrite
		}
		_ = site.PageTable.MapPage(va, frame, flags)
	}
}

func (m *Memory) resolveReadOnlyLocked(i int) (mem.Pa_t, PageKind, error) {
	p := &m.pages[i]
	switch p.Kind {
	case PageOwned:
		return p.frame, PageOwned, nil
	case PageCow:
		p.shared.mu.Lock()
		defer p.shared.mu.Unlock()
		return p.shared.frame, PageCow, nil
	default:
		return 0, 0, defs.WrapErr("memcap.resolveReadOnlyLocked", defs.EINVLARGS)
	}
}

// AddMappingSite records that pt now maps this Memory capability starting
// at base with the given PTE options, so future page-state transitions
// keep it coherent and reinstall with the same options.
func (m *Memory) AddMappingSite(pt *vmem.PageTable, base vmem.VAddr, options vmem.PteFlags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sites = append(m.sites, MappingSite{PageTable: pt, Base: base, Options: options})
}

// RemoveMappingSite drops a previously recorded mapping site, e.g. when
// an address space unmaps this capability.
func (m *Memory) RemoveMappingSite(pt *vmem.PageTable, base vmem.VAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, s := range m.sites {
		if s.PageTable == pt && s.Base == base {
			m.sites = append(m.sites[:idx], m.sites[idx+1:]...)
			return
		}
	}
}

// Resize grows or shrinks the page array in place, releasing frames for
// any pages dropped off the end.
func (m *Memory) Resize(newNumPages int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newNumPages < 0 {
		return defs.WrapErr("memcap.Resize", defs.EINVLARGS)
	}
	if newNumPages < len(m.pages) {
		for i := newNumPages; i < len(m.pages); i++ {
			m.releasePageLocked(i)
		}
		m.pages = m.pages[:newNumPages]
		return nil
	}
	for len(m.pages) < newNumPages {
		m.pages = append(m.pages, Page{Kind: PageLazyZeroAlloc})
	}
	return nil
}

func (m *Memory) releasePageLocked(i int) {
	p := &m.pages[i]
	switch p.Kind {
	case PageOwned:
		if m.release != nil {
			m.release(p.frame)
		}
	case PageCow:
		p.shared.mu.Lock()
		p.shared.refs--
		refs := p.shared.refs
		frame := p.shared.frame
		p.shared.mu.Unlock()
		if refs == 0 && m.release != nil {
			m.release(frame)
		}
	}
}

// CapType identifies this payload type to the capability system.
func (m *Memory) CapType() defs.CapType { return defs.CapMemory }
