// Package gdt implements the monitor's shared Global Descriptor Table
// manager (spec.md §4.2): one host GDT shared between monitor and guest,
// with lazily-filled guest descriptors and synthesized "shadow" selectors
// for guest descriptors that collide with the monitor's reserved slots.
package gdt

import (
	"fmt"
	"sync"

	"limits"
)

// Monitor-reserved slot offsets, relative to a Layout's SelBase, following
// the original monitor's sys/gdt.c layout (null/code/data/user/tss/guest/
// shadow/tmp, in that order).
const (
	offNull   = 0x00
	offKCSeg  = 0x08
	offKDSeg  = 0x10
	offUCSeg  = 0x18
	offUDSeg  = 0x20
	offTSS    = 0x28
	offGCSeg  = 0x30 /// guest-visible CPL3 code, limit truncated to MonVBase-1
	offGDSeg  = 0x38 /// guest-visible CPL3 data, limit truncated to MonVBase-1
	offShadow = 0x40 /// base of the 6-entry shadow-descriptor array (one per segno)
	numShadow = 6
	offTmp    = offShadow + numShadow*8 /// temporary data selector for flag save/restore
)

// Segno indexes the six x86 segment registers, matching spec.md §3's
// ordering.
const (
	CS = iota
	DS
	ES
	FS
	GS
	SS
	NumSegs
)

// Descriptor flag bits (x86 segment descriptor, high dword), per the
// original monitor's sys/gdt.h.
const (
	DescA     uint32 = 1 << 8
	DescS     uint32 = 1 << 12
	DescDPL0  uint32 = 0 << 13
	DescP     uint32 = 1 << 15
	DescAVL   uint32 = 1 << 20
	DescDB    uint32 = 1 << 22
	DescG     uint32 = 1 << 23
	DescCode  uint32 = 1 << 11
	DescWrite uint32 = 1 << 9 // data: writable / code: readable
)

/// Desc_t is a decoded x86 segment descriptor.
type Desc_t struct {
	Base  uint32
	Limit uint32
	Flags uint32
	DPL   uint8
}

/// Encode packs d into the two 32-bit words an x86 GDT slot holds.
func (d Desc_t) Encode() (lo, hi uint32) {
	lo = (d.Base << 16) | (d.Limit & 0xffff)
	hi = (d.Base >> 16 & 0xff) | (d.Base & 0xff000000) | (d.Flags &^ (0x3 << 13))
	hi |= uint32(d.DPL&0x3) << 13
	hi |= (d.Limit >> 16 & 0xf) << 16
	return
}

/// Decode unpacks the two 32-bit words of a GDT slot into a Desc_t.
func Decode(lo, hi uint32) Desc_t {
	return Desc_t{
		Base:  (hi & 0xff000000) | (hi&0xff)<<16 | (lo >> 16),
		Limit: (lo & 0xffff) | (hi&0xf0000)>>16<<16,
		Flags: hi &^ (0x3 << 13),
		DPL:   uint8((hi >> 13) & 0x3),
	}
}

func makeCode(base, limit uint32, dpl uint8) Desc_t {
	return Desc_t{Base: base, Limit: limit >> 12, DPL: dpl,
		Flags: DescP | DescS | DescCode | DescWrite | DescG | DescDB}
}

func makeData(base, limit uint32, dpl uint8) Desc_t {
	return Desc_t{Base: base, Limit: limit >> 12, DPL: dpl,
		Flags: DescP | DescS | DescWrite | DescG | DescDB}
}

/// DescReader reads 8 raw descriptor bytes from guest-physical memory,
/// the contract segcache_sync uses to re-read a guest descriptor after a
/// GPF (spec.md §4.2). Implemented by physmap in the full monitor.
type DescReader interface {
	ReadDesc(guestPhys uint32) (lo, hi uint32, ok bool)
}

/// Manager_t is the shared host GDT: monitor-reserved slots are populated
/// once by NewManager; guest-visible slots are filled lazily by LoadSegCache and
/// SegcacheSync and invalidated wholesale on LoadGDT.
type Manager_t struct {
	sync.Mutex
	layout limits.Layout_t
	slots  map[uint32]Desc_t // keyed by selector (low 3 bits — RPL — masked off)

	guestGDTBase  uint32
	guestGDTLimit uint16
	pagingOn      bool
}

/// NewManager constructs a Manager with the monitor's fixed, privileged
/// slots already installed.
func NewManager(layout limits.Layout_t) *Manager_t {
	m := &Manager_t{layout: layout, slots: make(map[uint32]Desc_t)}
	base := layout.SelBase
	m.slots[base+offNull] = Desc_t{}
	m.slots[base+offKCSeg] = makeCode(0, 0xffffffff, 0)
	m.slots[base+offKDSeg] = makeData(0, 0xffffffff, 0)
	m.slots[base+offUCSeg] = makeCode(0, 0xffffffff, 3)
	m.slots[base+offUDSeg] = makeData(0, 0xffffffff, 3)
	m.slots[base+offGCSeg] = makeCode(0, layout.MonVBase-1, 3)
	m.slots[base+offGDSeg] = makeData(0, layout.MonVBase-1, 3)
	m.slots[base+offTmp] = makeData(0, 0xffffffff, 3)
	return m
}

// Selector constants relative to the configured layout.
func (m *Manager_t) SelKCSeg() uint16 { return uint16(m.layout.SelBase + offKCSeg) }
func (m *Manager_t) SelKDSeg() uint16 { return uint16(m.layout.SelBase + offKDSeg) }
func (m *Manager_t) SelUCSeg() uint16 { return uint16(m.layout.SelBase+offUCSeg) | 3 }
func (m *Manager_t) SelUDSeg() uint16 { return uint16(m.layout.SelBase+offUDSeg) | 3 }
func (m *Manager_t) SelTSS() uint16   { return uint16(m.layout.SelBase + offTSS) }
func (m *Manager_t) SelBase() uint32  { return m.layout.SelBase }

func (m *Manager_t) shadowSel(segno int) uint16 {
	return uint16(m.layout.SelBase+offShadow+uint32(segno*8)) | 3
}

/// LoadGDT handles a guest LGDT: caches base/limit and invalidates every
/// guest-visible slot so the next use of each selector re-synthesizes it.
func (m *Manager_t) LoadGDT(base uint32, limit uint16) {
	m.Lock()
	defer m.Unlock()
	m.guestGDTBase, m.guestGDTLimit = base, limit
	for sel := range m.slots {
		if sel < m.layout.SelBase {
			delete(m.slots, sel)
		}
	}
}

/// SetPaging records whether the guest currently has paging enabled;
/// LoadSegCache consults it because an unpaged guest always gets a
/// shadow selector (spec.md §4.2).
func (m *Manager_t) SetPaging(on bool) {
	m.Lock()
	m.pagingOn = on
	m.Unlock()
}

/// LoadSegCache installs a host-loadable descriptor for a guest segment
/// register change. It returns the selector the monitor should actually
/// load into the hardware register: either sel unchanged, or a
/// synthesized shadow selector when sel collides with the monitor's
/// reserved range or paging is off.
func (m *Manager_t) LoadSegCache(segno int, sel uint16, base, limit, flags uint32) uint16 {
	m.Lock()
	defer m.Unlock()

	truncLimit := limit
	if uint32(limit) > m.layout.MonVBase-1 {
		truncLimit = m.layout.MonVBase - 1
	}
	dpl := uint8(sel & 0x3)

	if !m.pagingOn || uint32(sel) >= m.layout.SelBase {
		hostSel := m.shadowSel(segno)
		m.slots[uint32(hostSel&^0x7)] = Desc_t{Base: base, Limit: truncLimit >> 12,
			Flags: flags | DescG | DescDB, DPL: 3}
		return hostSel
	}
	m.slots[uint32(sel&^0x7)] = Desc_t{Base: base, Limit: truncLimit >> 12,
		Flags: flags | DescG | DescDB, DPL: dpl}
	return sel
}

/// SegcacheSync re-reads the guest's own descriptor for origSel from guest
/// memory via mem and refreshes the cached (base, limit, flags). Called on
/// GPF from descriptor access (spec.md §4.2).
func (m *Manager_t) SegcacheSync(origSel uint16, mem DescReader) (Desc_t, error) {
	m.Lock()
	addr := m.guestGDTBase + uint32(origSel&^0x7)
	m.Unlock()

	lo, hi, ok := mem.ReadDesc(addr)
	if !ok {
		return Desc_t{}, fmt.Errorf("gdt: guest descriptor at %#x unreadable", addr)
	}
	d := Decode(lo, hi)
	d.Limit <<= 12
	m.Lock()
	m.slots[uint32(origSel&^0x7)] = d
	m.Unlock()
	return d, nil
}

/// Lookup returns the currently cached descriptor for sel, if any.
func (m *Manager_t) Lookup(sel uint16) (Desc_t, bool) {
	m.Lock()
	defer m.Unlock()
	d, ok := m.slots[uint32(sel&^0x7)]
	return d, ok
}
