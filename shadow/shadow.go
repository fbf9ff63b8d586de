// Package shadow implements the monitor's shadow pagetable (spec.md
// §4.4): one shadow page directory per guest privilege level, lazily
// synthesized from the guest's own page tables on page fault, and kept in
// sync across CR3 reloads without ever being discarded wholesale.
package shadow

import (
	"fmt"
	"sync"

	"diskimg"
	"limits"
	"mem"
	"physmap"
)

/// Cpl names the two concurrently-live shadow page directories.
type Cpl int

const (
	Sup Cpl = iota
	User
	numCpl
)

func (c Cpl) String() string {
	if c == Sup {
		return "sup"
	}
	return "user"
}

/// WalkErr names why a walk failed to resolve a translation.
type WalkErr int

const (
	WalkOK WalkErr = iota
	PDE_ERR
	PTE_ERR
)

/// WalkOpts controls Walk's behavior.
type WalkOpts struct {
	// Shadow selects a shadow-PD walk: page-table pages are monitor-owned
	// and read directly out of the pool, bypassing physmap. When false,
	// page-table pages are guest-physical and resolved through physmap.
	Shadow bool
	// SetAD marks Accessed (and, for writes, Dirty) in the PDE/PTE touched
	// by a successful walk, mirroring real hardware's page-walk side effect.
	SetAD bool
	// Write indicates the access being walked for is a write, used only
	// when SetAD is set.
	Write bool
}

/// WalkResult is the outcome of a successful walk.
type WalkResult struct {
	Pa       mem.Pa_t
	PDE      *mem.Pa_t
	PTE      *mem.Pa_t // nil for a large-page (PS=1) translation
	LargePDE bool

	// PTETablePa/PTEIdx identify the PTE's slot by physical address, for
	// callers (mtrace) that key off a shadow-PTE address rather than a
	// Go pointer.
	PTETablePa mem.Pa_t
	PTEIdx     uint32
}

/// PTEAddr returns the physical-address-space identity of a resolved PTE
/// slot, used as the mtrace trace-table key.
func (w WalkResult) PTEAddr() mem.Pa_t {
	return w.PTETablePa + mem.Pa_t(w.PTEIdx*4)
}

func tablePage(pool *mem.Pool_t, phys *physmap.Map_t, tablePa mem.Pa_t, shadow bool) (*mem.Pg_t, error) {
	if shadow {
		if !pool.Contains(tablePa) {
			return nil, fmt.Errorf("shadow: table page %#x outside pool", tablePa)
		}
		return pool.Dmap(tablePa), nil
	}
	pa, err := phys.Walk(uint32(tablePa))
	if err != nil {
		return nil, err
	}
	return pool.Dmap(pa), nil
}

/// Walk resolves guestLinear against the page directory at tablePa, using
/// the same algorithm for guest-PT walks and shadow-PT walks (distinguished
/// by opts.Shadow). It is the pt_walk-equivalent of spec.md §4.4 step 2/3.
func Walk(pool *mem.Pool_t, phys *physmap.Map_t, tablePa mem.Pa_t, guestLinear uint32, opts WalkOpts) (WalkResult, WalkErr) {
	pdIdx := guestLinear >> mem.LPGSHIFT
	ptIdx := (guestLinear >> mem.PGSHIFT) & 0x3ff

	pdPg, err := tablePage(pool, phys, tablePa, opts.Shadow)
	if err != nil {
		return WalkResult{}, PDE_ERR
	}
	pde := (*mem.Pde_t)(pg2pde(pdPg))
	pdePtr := &pde[pdIdx]
	if *pdePtr&mem.PTE_P == 0 {
		return WalkResult{}, PDE_ERR
	}
	if opts.SetAD {
		*pdePtr |= mem.PTE_A
		if opts.Write {
			*pdePtr |= mem.PTE_D
		}
	}

	if *pdePtr&mem.PTE_PS != 0 {
		base := *pdePtr & mem.LPTE_ADDR
		pa := base | mem.Pa_t(guestLinear&uint32(mem.LPGSIZE-1))
		return WalkResult{Pa: pa, PDE: pdePtr, LargePDE: true}, WalkOK
	}

	ptTablePa := *pdePtr & mem.PTE_ADDR
	ptPg, err := tablePage(pool, phys, ptTablePa, opts.Shadow)
	if err != nil {
		return WalkResult{}, PTE_ERR
	}
	pte := (*mem.Pte_t)(pg2pte(ptPg))
	ptePtr := &pte[ptIdx]
	if *ptePtr&mem.PTE_P == 0 {
		return WalkResult{}, PTE_ERR
	}
	if opts.SetAD {
		*ptePtr |= mem.PTE_A
		if opts.Write {
			*ptePtr |= mem.PTE_D
		}
	}
	pa := (*ptePtr & mem.PTE_ADDR) | mem.Pa_t(guestLinear&uint32(mem.PGOFFSET))
	return WalkResult{Pa: pa, PDE: pdePtr, PTE: ptePtr, PTETablePa: ptTablePa, PTEIdx: ptIdx}, WalkOK
}

/// Classification names the four-way outcome of Fault (spec.md §4.4 step 4).
type Classification int

const (
	HiddenFault Classification = iota
	TrueFault
	ShadowInstall
	MtracedFault
)

func (c Classification) String() string {
	switch c {
	case HiddenFault:
		return "hidden"
	case TrueFault:
		return "true"
	case ShadowInstall:
		return "shadow-install"
	case MtracedFault:
		return "mtraced"
	default:
		return "?"
	}
}

/// Tracer is the mtrace hook shadow consults when installing or faulting
/// on a shadow PTE.
type Tracer interface {
	// Claimed reports whether the page at the given shadow-PTE host
	// address is being traced.
	Claimed(shadowPTEAddr uint32) bool
	// Rearm is consulted whenever a shadow PTE is (re)installed for
	// guestPhys at shadowPTEAddr. It returns whether that guest-physical
	// page is still traced, in which case the shadow package must install
	// the new PTE read-only rather than with the guest's own writability.
	// This is how a trace survives a guest CR3 reload without shadow or
	// mtrace needing to eagerly re-derive anything at reload time.
	Rearm(guestPhys mem.Pa_t, shadowPTEAddr mem.Pa_t) bool
}

/// FaultResult is the full outcome of a Fault call.
type FaultResult struct {
	Class      Classification
	GuestWalk  WalkResult
	ShadowWalk WalkResult
	// SinglestepRequired is set on MtracedFault: the caller must make the
	// shadow PTE momentarily writable, let the faulting instruction
	// complete (e.g. via a single-step resume), then re-protect it.
	SinglestepRequired bool
}

/// Pagedir_t is one shadow page directory (one per guest CPL).
type Pagedir_t struct {
	pdPa mem.Pa_t
}

/// Shadow_t owns the monitor's shadow page directories and drives their
/// lazy synthesis from the guest's live page tables.
type Shadow_t struct {
	sync.Mutex
	pool   *mem.Pool_t
	phys   *physmap.Map_t
	layout limits.Layout_t
	tracer Tracer

	// image is the on-disk monitor image installShadow reads monitor-window
	// backing pages from (spec.md §4.4 testable property P2), mirroring
	// physmap.Map_t's own image field. Nil leaves the substituted swap page
	// zero-filled (physmap.Map_t.FaultIn with no image attached instead maps
	// the window page to itself).
	image *diskimg.Image_t

	pd      [numCpl]Pagedir_t
	active  Cpl
	guestPD mem.Pa_t // guest CR3, the root of the guest's real page tables
}

/// New allocates the Sup and User shadow page directories.
func New(pool *mem.Pool_t, phys *physmap.Map_t, layout limits.Layout_t, tracer Tracer) (*Shadow_t, error) {
	s := &Shadow_t{pool: pool, phys: phys, layout: layout, tracer: tracer}
	for i := Cpl(0); i < numCpl; i++ {
		pgs, ok := pool.Alloc(mem.General, mem.ZeroOnAlloc, 1)
		if !ok {
			return nil, fmt.Errorf("shadow: no page for %s shadow PD", i)
		}
		s.pd[i] = Pagedir_t{pdPa: pgs[0]}
	}
	return s, nil
}

/// SetImage attaches the on-disk monitor image installShadow reads
/// monitor-window backing pages from. Must be called, if at all, before any
/// window guest-physical address is first shadowed.
func (s *Shadow_t) SetImage(img *diskimg.Image_t) { s.image = img }

/// PD returns the physical address of cpl's shadow page directory, for
/// loading into CR3 when the monitor switches into guest context.
func (s *Shadow_t) PD(cpl Cpl) mem.Pa_t {
	s.Lock()
	defer s.Unlock()
	return s.pd[cpl].pdPa
}

/// SetActive records which shadow PD is current, following the guest's
/// CPL (spec.md §4.4 step 6).
func (s *Shadow_t) SetActive(cpl Cpl) {
	s.Lock()
	s.active = cpl
	s.Unlock()
}

/// SetGuestCR3 records the guest's real page-directory physical address,
/// as observed on a guest CR3 write (spec.md §4.4 step 5).
func (s *Shadow_t) SetGuestCR3(cr3 mem.Pa_t) {
	s.Lock()
	s.guestPD = cr3
	s.Unlock()
}

func privBits(flags mem.Pa_t) mem.Pa_t {
	out := mem.PTE_P | mem.PTE_U
	if flags&mem.PTE_W != 0 {
		out |= mem.PTE_W
	}
	return out
}

/// installShadow creates the missing shadow PDE/PTE for guestLinear from
/// the guest's own successful walk result (spec.md §4.4 step 4, third
/// bullet). If the target guest-physical address lies in the monitor
/// window, a swap page is substituted for the host-physical page.
func (s *Shadow_t) installShadow(cpl Cpl, guestLinear uint32, guestRes WalkResult) error {
	shadowPdPa := s.pd[cpl].pdPa
	pdIdx := guestLinear >> mem.LPGSHIFT

	pdPg := s.pool.Dmap(shadowPdPa)
	pde := (*mem.Pde_t)(pg2pde(pdPg))

	var guestFlags mem.Pa_t
	if guestRes.LargePDE {
		// a 4MB guest page is expanded on demand: only the faulting 4KB
		// page gets a shadow PTE, carrying the guest PDE's rights.
		guestFlags = *guestRes.PDE
	} else {
		guestFlags = *guestRes.PTE
	}

	if pde[pdIdx]&mem.PTE_P == 0 {
		pgs, ok := s.pool.Alloc(mem.General, mem.ZeroOnAlloc, 1)
		if !ok {
			return fmt.Errorf("shadow: no page for shadow PT")
		}
		pde[pdIdx] = pgs[0] | mem.PTE_P | mem.PTE_W | mem.PTE_U
	}
	ptPg := s.pool.Dmap(pde[pdIdx] & mem.PTE_ADDR)
	pte := (*mem.Pte_t)(pg2pte(ptPg))
	ptIdx := (guestLinear >> mem.PGSHIFT) & 0x3ff

	guestPhys := guestRes.Pa &^ mem.PGOFFSET
	backing := guestPhys
	if uint32(guestPhys) >= uint32(s.layout.MonBase) && uint32(guestPhys) < uint32(s.layout.MonEnd) {
		swap, ok := s.pool.Alloc(mem.Swap, mem.ZeroOnAlloc, 1)
		if !ok {
			return fmt.Errorf("shadow: swap page unavailable for monitor-window backing")
		}
		if s.image != nil {
			buf := s.pool.Dmap8(swap[0])[:mem.PGSIZE]
			off := uint32(guestPhys) - uint32(s.layout.MonBase)
			if err := s.image.ReadPage(off, buf); err != nil {
				s.pool.Free(swap[0], 1)
				return fmt.Errorf("shadow: loading monitor image page at %#x: %w", guestPhys, err)
			}
		}
		backing = swap[0]
	}
	flags := privBits(guestFlags)
	shadowPTEAddr := (pde[pdIdx] & mem.PTE_ADDR) + mem.Pa_t(ptIdx*4)
	if s.tracer != nil && s.tracer.Rearm(guestPhys, shadowPTEAddr) {
		flags &^= mem.PTE_W
	}
	pte[ptIdx] = backing | flags
	return nil
}

/// Fault performs the classification triage of spec.md §4.4 step 4 for a
/// guest page fault at guestLinear with hardware error code ecode (the
/// PTE_U/PTE_W bits of the access that faulted).
func (s *Shadow_t) Fault(cpl Cpl, guestLinear uint32, ecode mem.Pa_t) (FaultResult, error) {
	s.Lock()
	guestPD := s.guestPD
	shadowPD := s.pd[cpl].pdPa
	s.Unlock()

	iswrite := ecode&mem.PTE_W != 0

	guestRes, gerr := Walk(s.pool, s.phys, guestPD, guestLinear, WalkOpts{SetAD: true, Write: iswrite})
	if gerr != WalkOK {
		return FaultResult{Class: TrueFault}, nil
	}

	shadowRes, serr := Walk(s.pool, s.phys, shadowPD, guestLinear, WalkOpts{Shadow: true})
	if serr != WalkOK {
		if err := s.installShadow(cpl, guestLinear, guestRes); err != nil {
			return FaultResult{}, err
		}
		return FaultResult{Class: ShadowInstall, GuestWalk: guestRes}, nil
	}

	if iswrite && !shadowRes.LargePDE && shadowRes.PTE != nil && *shadowRes.PTE&mem.PTE_W == 0 &&
		guestRes.PTE != nil && *guestRes.PTE&mem.PTE_W != 0 {
		if s.tracer != nil && s.tracer.Claimed(uint32(shadowRes.PTEAddr())) {
			return FaultResult{Class: MtracedFault, GuestWalk: guestRes, ShadowWalk: shadowRes,
				SinglestepRequired: true}, nil
		}
	}

	return FaultResult{Class: HiddenFault, GuestWalk: guestRes, ShadowWalk: shadowRes}, nil
}

/// Resync re-derives cpl's shadow PD top-level entries from the guest's
/// current page tables without discarding the shadow PD (spec.md §4.4
/// step 5, triggered on guest CR3 write or TLB flush).
func (s *Shadow_t) Resync(cpl Cpl) error {
	s.Lock()
	guestPD := s.guestPD
	shadowPdPa := s.pd[cpl].pdPa
	s.Unlock()

	if !s.pool.Contains(guestPD) {
		gp, err := s.phys.Walk(uint32(guestPD))
		if err != nil {
			return fmt.Errorf("shadow: resync: %w", err)
		}
		guestPD = gp
	}
	guestPd := (*mem.Pde_t)(pg2pde(s.pool.Dmap(guestPD)))
	shadowPd := (*mem.Pde_t)(pg2pde(s.pool.Dmap(shadowPdPa)))

	for i := range guestPd {
		if guestPd[i]&mem.PTE_P == 0 {
			shadowPd[i] = 0
		}
		// present entries are left as-is; Fault will lazily repair any
		// now-stale shadow PTE on next access, per spec.md §9 Open Question 2.
	}
	return nil
}
