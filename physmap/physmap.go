// Package physmap implements the monitor's physical-identity map
// (spec.md §4.3): a page directory over the whole of guest physical
// memory, large-paged (4MB PDEs) everywhere except the monitor's own
// reserved window, which is mapped at 4KB granularity and filled in
// lazily on first touch.
//
// The map is strictly for the monitor's own linear access to guest
// physical RAM — it is unrelated to the per-CPL shadow page directories
// the guest itself runs under, which live in the shadow package.
package physmap

import (
	"fmt"
	"sync"

	"diskimg"
	"limits"
	"mem"
)

/// Map_t is the monitor's identity-mapped view of guest physical memory.
type Map_t struct {
	sync.Mutex
	pool   *mem.Pool_t
	layout limits.Layout_t

	pd   *mem.Pde_t
	pdPa mem.Pa_t

	monPT     *mem.Pte_t
	monPTPa   mem.Pa_t
	monPDEIdx int

	guestBytes uint32

	// image is the on-disk monitor image FaultIn loads window pages from
	// (spec.md §4.3 invariant P2). Nil in tests and other contexts with no
	// boot image attached, in which case FaultIn falls back to an identity
	// mapping so the window still behaves like ordinary guest RAM.
	image *diskimg.Image_t

	// a20Mask is ANDed into every address before it is decoded (SPEC_FULL.md
	// §3's A20-gate supplement). 0xffffffff (the default) passes every
	// address through unchanged; 0xffefffff gates address line 20 off,
	// aliasing [1MB,2MB) onto [0,1MB) the way real hardware did for 8086
	// compatibility before the guest enables it.
	a20Mask uint32
}

/// SetImage attaches the on-disk monitor image FaultIn reads window pages
/// from. Must be called, if at all, before any window address is touched.
func (m *Map_t) SetImage(img *diskimg.Image_t) { m.image = img }

/// SetA20Mask installs the address mask the A20 gate currently implies,
/// kept in sync with vcpu.VCPU_t.A20Mask by the port-0x92 handler.
func (m *Map_t) SetA20Mask(mask uint32) { m.a20Mask = mask }

/// New builds a physical-identity map covering [0, guestBytes). Every 4MB
/// chunk outside the monitor's reserved window is installed as a present,
/// writable large page immediately; the window itself is left unmapped
/// until FaultIn is called.
func New(pool *mem.Pool_t, layout limits.Layout_t, guestBytes uint32) (*Map_t, error) {
	pgs, ok := pool.Alloc(mem.General, mem.ZeroOnAlloc, 1)
	if !ok {
		return nil, fmt.Errorf("physmap: no page available for page directory")
	}
	m := &Map_t{
		pool:       pool,
		layout:     layout,
		pdPa:       pgs[0],
		guestBytes: guestBytes,
		a20Mask:    0xffffffff,
	}
	m.pd = pool.DmapPde(m.pdPa)

	monBase := uint32(layout.MonBase)
	monEnd := uint32(layout.MonEnd)
	m.monPDEIdx = int(monBase >> mem.LPGSHIFT)

	for chunk := uint32(0); chunk < guestBytes; chunk += uint32(mem.LPGSIZE) {
		if chunk >= monBase && chunk < monEnd {
			continue
		}
		idx := int(chunk >> mem.LPGSHIFT)
		m.pd[idx] = mem.Pa_t(chunk) | mem.PTE_P | mem.PTE_W | mem.PTE_PS | mem.PTE_G
	}
	return m, nil
}

/// PD returns the physical address of the identity map's page directory,
/// suitable for loading into CR3 while the monitor is running.
func (m *Map_t) PD() mem.Pa_t { return m.pdPa }

func (m *Map_t) inWindow(addr uint32) bool {
	return addr >= uint32(m.layout.MonBase) && addr < uint32(m.layout.MonEnd)
}

/// FaultIn installs a 4KB mapping for addr, which must fall inside the
/// monitor's reserved window. The window's page table is allocated on its
/// first use and never freed.
func (m *Map_t) FaultIn(addr uint32) error {
	addr &= m.a20Mask
	m.Lock()
	defer m.Unlock()
	if !m.inWindow(addr) {
		return fmt.Errorf("physmap: %#x outside monitor window [%#x,%#x)",
			addr, m.layout.MonBase, m.layout.MonEnd)
	}
	if m.monPT == nil {
		pgs, ok := m.pool.Alloc(mem.General, mem.ZeroOnAlloc, 1)
		if !ok {
			return fmt.Errorf("physmap: no page available for window page table")
		}
		m.monPTPa = pgs[0]
		m.monPT = m.pool.DmapPte(m.monPTPa)
		m.pd[m.monPDEIdx] = m.monPTPa | mem.PTE_P | mem.PTE_W
	}
	pteIdx := (addr - uint32(m.layout.MonBase)) >> mem.PGSHIFT

	if m.image == nil {
		page := addr &^ uint32(mem.PGOFFSET)
		m.monPT[pteIdx] = mem.Pa_t(page) | mem.PTE_P | mem.PTE_W
		return nil
	}

	pgs, ok := m.pool.Alloc(mem.Swap, mem.ZeroOnAlloc, 1)
	if !ok {
		return fmt.Errorf("physmap: no swap page available for window fault at %#x", addr)
	}
	swapPa := pgs[0]
	buf := m.pool.Dmap8(swapPa)[:mem.PGSIZE]
	off := addr&^uint32(mem.PGOFFSET) - uint32(m.layout.MonBase)
	if err := m.image.ReadPage(off, buf); err != nil {
		m.pool.Free(swapPa, 1)
		return fmt.Errorf("physmap: loading monitor image page at %#x: %w", addr, err)
	}
	m.monPT[pteIdx] = swapPa | mem.PTE_P | mem.PTE_W | mem.PTE_U
	return nil
}

/// Walk resolves addr to its backing physical page, lazily faulting the
/// monitor window in as needed. It returns an error for any address
/// outside [0, guestBytes) or for an as-yet-unfaulted window address that
/// is also outside the underlying pool's arena.
func (m *Map_t) Walk(addr uint32) (mem.Pa_t, error) {
	addr &= m.a20Mask
	if addr >= m.guestBytes {
		return 0, fmt.Errorf("physmap: %#x beyond guest memory size %#x", addr, m.guestBytes)
	}

	if m.inWindow(addr) {
		return m.walkWindow(addr)
	}

	idx := int(addr >> mem.LPGSHIFT)
	m.Lock()
	present := idx < len(m.pd) && m.pd[idx]&mem.PTE_P != 0
	m.Unlock()
	if !present {
		return 0, fmt.Errorf("physmap: %#x not mapped", addr)
	}
	pa := mem.Pa_t(addr)
	if !m.pool.Contains(pa) {
		return 0, fmt.Errorf("physmap: %#x not backed by the pool arena", addr)
	}
	return pa, nil
}

// walkWindow resolves a monitor-window address through the window page
// table, faulting it in first if needed. Unlike the rest of the identity
// map, a window PTE's target need not equal addr: with an image attached,
// FaultIn backs the page with a swap page holding the on-disk monitor
// image's contents (spec.md §4.3 invariant P2).
func (m *Map_t) walkWindow(addr uint32) (mem.Pa_t, error) {
	pteIdx := (addr - uint32(m.layout.MonBase)) >> mem.PGSHIFT

	m.Lock()
	present := m.monPT != nil && m.monPT[pteIdx]&mem.PTE_P != 0
	m.Unlock()

	if !present {
		if err := m.FaultIn(addr); err != nil {
			return 0, err
		}
	}

	m.Lock()
	pte := m.monPT[pteIdx]
	m.Unlock()
	pa := (pte &^ mem.PGOFFSET) | mem.Pa_t(addr&uint32(mem.PGOFFSET))
	if !m.pool.Contains(pa) {
		return 0, fmt.Errorf("physmap: %#x not backed by the pool arena", addr)
	}
	return pa, nil
}

/// Bytes returns a byte-slice view of the page containing addr, for
/// callers that just need to read or write a few bytes in place.
func (m *Map_t) Bytes(addr uint32) ([]uint8, error) {
	pa, err := m.Walk(addr)
	if err != nil {
		return nil, err
	}
	return m.pool.Dmap8(pa), nil
}

/// ReadDesc implements gdt.DescReader: it reads the two 32-bit words of a
/// descriptor at guest-physical address addr.
func (m *Map_t) ReadDesc(addr uint32) (lo, hi uint32, ok bool) {
	b, err := m.Bytes(addr)
	if err != nil || len(b) < 8 {
		return 0, 0, false
	}
	lo = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	hi = uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24
	return lo, hi, true
}
