// Package mem implements the monitor's page pool (spec.md §4.1): a single
// physical arena partitioned, by bookkeeping only, into a general sub-pool
// and two bounded sub-pools (translation-cache and swap).
package mem

import (
	"sync"

	"limits"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single 4KB page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page-aligned portion of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// LPGSHIFT is the base-2 exponent for a 4MB large page, the PDE size
/// x86 paging uses when PTE_PS is set (spec.md §3, §4.3).
const LPGSHIFT uint = 22

/// LPGSIZE is the size of a 4MB large page.
const LPGSIZE int = 1 << LPGSHIFT

// x86 (non-PAE, 32-bit) page-table-entry bit positions, per spec.md §9.
const (
	PTE_P   Pa_t = 1 << 0 /// present
	PTE_W   Pa_t = 1 << 1 /// writable
	PTE_U   Pa_t = 1 << 2 /// user-accessible (always set in shadow PTEs)
	PTE_PCD Pa_t = 1 << 4 /// cache-disable
	PTE_A   Pa_t = 1 << 5 /// accessed
	PTE_D   Pa_t = 1 << 6 /// dirty
	PTE_PS  Pa_t = 1 << 7 /// page size (4MB PDE)
	PTE_G   Pa_t = 1 << 8 /// global

	/// PTE_ADDR extracts the physical page number bits of a PTE.
	PTE_ADDR Pa_t = PGMASK

	/// LPTE_ADDR extracts the physical base address of a 4MB large-page PDE.
	LPTE_ADDR Pa_t = ^Pa_t(LPGSIZE - 1)
)

/// Pa_t is a 32-bit physical address.
type Pa_t uint32

/// Pg_t is a single 4KB page of raw bytes.
type Pg_t [PGSIZE]uint8

/// Pde_t/Pte_t are page-directory/page-table entries: 1024 32-bit slots.
type Pde_t [1024]Pa_t
type Pte_t [1024]Pa_t

/// SubPool_t names the bookkeeping partition a page belongs to. A page
/// belongs to at most one sub-pool at a time (spec.md §4.1 invariant).
type SubPool_t int

const (
	General SubPool_t = iota /// monitor's own data
	TC                       /// translation-cache pages, bounded by TC_LIMIT
	Swap                     /// shadow-page backing store, bounded by SWAP_LIMIT
)

func (s SubPool_t) String() string {
	switch s {
	case General:
		return "general"
	case TC:
		return "tc"
	case Swap:
		return "swap"
	default:
		return "?"
	}
}

/// AllocFlags controls Alloc's behavior beyond sub-pool selection.
type AllocFlags uint

const ZeroOnAlloc AllocFlags = 1 << 0

const none = ^uint32(0)

/// Pool_t is the monitor's single physical page arena, shared by every
/// sub-pool. All sub-pools allocate from one common free list, and each
/// page records the sub-pool it is currently charged to, so a page belongs
/// to at most one sub-pool at a time. There is no per-sub-pool bitmap.
type Pool_t struct {
	sync.Mutex
	base  Pa_t
	pages []pagerec_t
	arena []byte
	// free-list heads threaded through pagerec_t.next; ^0 = none. Only
	// freeHead[General] is used: it is the one list every sub-pool shares.
	freeHead [3]uint32
	limits   *limits.Pool
}

type pagerec_t struct {
	owner SubPool_t
	inuse bool
	next  uint32
}

/// NewPool carves count pages starting at base into a fresh pool, with the
/// TC and swap sub-pools bounded by the given limits.
func NewPool(base Pa_t, count int, lim *limits.Pool) *Pool_t {
	p := &Pool_t{base: base, pages: make([]pagerec_t, count), limits: lim}
	p.freeHead = [3]uint32{none, none, none}
	for i := count - 1; i >= 0; i-- {
		p.pages[i].next = p.freeHead[General]
		p.freeHead[General] = uint32(i)
	}
	return p
}

/// Contains reports whether pa falls within this pool's arena, without
/// panicking — callers resolving guest-controlled addresses must check
/// this before calling Dmap/Dmap8/Free.
func (p *Pool_t) Contains(pa Pa_t) bool {
	idx := int64(pa-p.base) >> PGSHIFT
	return idx >= 0 && idx < int64(len(p.pages))
}

func (p *Pool_t) pageOf(pa Pa_t) int {
	idx := int((pa - p.base) >> PGSHIFT)
	if idx < 0 || idx >= len(p.pages) {
		panic("mem: address outside pool arena")
	}
	return idx
}

// admit checks (and debits) the sub-pool ceiling for n additional pages.
// General has no ceiling beyond the arena itself.
func (p *Pool_t) admit(sp SubPool_t, n int) bool {
	switch sp {
	case TC:
		return p.limits.TC.Taken(uint(n))
	case Swap:
		return p.limits.Swap.Taken(uint(n))
	default:
		return true
	}
}

func (p *Pool_t) unadmit(sp SubPool_t, n int) {
	switch sp {
	case TC:
		p.limits.TC.Given(uint(n))
	case Swap:
		p.limits.Swap.Given(uint(n))
	}
}

/// Alloc allocates count contiguous-in-bookkeeping (not necessarily
/// physically contiguous) pages from the given sub-pool. It fails, rather
/// than evicting, once the sub-pool's ceiling would be exceeded (P6).
func (p *Pool_t) Alloc(sp SubPool_t, flags AllocFlags, count int) ([]Pa_t, bool) {
	if count <= 0 {
		panic("mem: bad count")
	}
	p.Lock()
	if !p.admit(sp, count) {
		p.Unlock()
		limits.Lhits++
		return nil, false
	}
	out := make([]Pa_t, 0, count)
	for i := 0; i < count; i++ {
		idx := p.freeHead[General]
		if idx == none {
			// roll back every page taken this call, and the admission.
			for _, pa := range out {
				p.freePageLocked(pa)
			}
			p.unadmit(sp, count)
			p.Unlock()
			return nil, false
		}
		p.freeHead[General] = p.pages[idx].next
		p.pages[idx].inuse = true
		p.pages[idx].owner = sp
		pa := p.base + Pa_t(idx)<<PGSHIFT
		out = append(out, pa)
	}
	p.Unlock()
	if flags&ZeroOnAlloc != 0 {
		for _, pa := range out {
			pg := p.Dmap(pa)
			*pg = Pg_t{}
		}
	}
	return out, true
}

func (p *Pool_t) freePageLocked(pa Pa_t) {
	idx := p.pageOf(pa)
	if !p.pages[idx].inuse {
		panic("mem: double free")
	}
	p.pages[idx].inuse = false
	p.pages[idx].next = p.freeHead[General]
	p.freeHead[General] = uint32(idx)
}

/// Free returns count pages starting at pa to the pool, crediting back
/// whichever sub-pool ceiling they were debited from.
func (p *Pool_t) Free(pa Pa_t, count int) {
	p.Lock()
	defer p.Unlock()
	sp := p.pages[p.pageOf(pa)].owner
	for i := 0; i < count; i++ {
		p.freePageLocked(pa + Pa_t(i)<<PGSHIFT)
	}
	p.unadmit(sp, count)
}

/// Outstanding reports how many pages are currently charged to sp.
func (p *Pool_t) Outstanding(sp SubPool_t) int {
	p.Lock()
	defer p.Unlock()
	n := 0
	for i := range p.pages {
		if p.pages[i].inuse && p.pages[i].owner == sp {
			n++
		}
	}
	return n
}
