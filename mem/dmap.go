package mem

import "unsafe"

// Dmap gives the monitor a linear, always-valid view of its own physical
// arena (spec.md §4.3's rationale: "access guest physical memory through a
// single linear address without per-access checks"). The teacher's Dmap
// aliases a fixed high virtual slot over all of host RAM via the CPU's own
// paging hardware; a hosted reimplementation has no such hardware to lean
// on, so the arena backing this pool is a flat byte slice and Dmap indexes
// directly into it instead of walking a direct-map page table.
func (p *Pool_t) arenaBytes() []byte {
	if p.arena == nil {
		p.arena = make([]byte, len(p.pages)*PGSIZE)
	}
	return p.arena
}

/// Dmap returns a pointer to the page at physical address pa.
func (p *Pool_t) Dmap(pa Pa_t) *Pg_t {
	idx := p.pageOf(pa)
	arena := p.arenaBytes()
	off := idx * PGSIZE
	return (*Pg_t)(unsafe.Pointer(&arena[off]))
}

/// Dmap8 returns a byte slice view of the page at pa, offset-aligned.
func (p *Pool_t) Dmap8(pa Pa_t) []uint8 {
	pg := p.Dmap(pa)
	off := int(pa & PGOFFSET)
	return pg[off:]
}

/// DmapPde/DmapPte reinterpret a page as a page-directory or page-table.
func (p *Pool_t) DmapPde(pa Pa_t) *Pde_t {
	return (*Pde_t)(unsafe.Pointer(p.Dmap(pa)))
}

func (p *Pool_t) DmapPte(pa Pa_t) *Pte_t {
	return (*Pte_t)(unsafe.Pointer(p.Dmap(pa)))
}
