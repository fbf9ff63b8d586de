// Package vcpu holds the monitor's per-guest VCPU state (spec.md §3),
// including its accnt.Times_t guest/monitor time split, and World, the
// wiring that owns one instance of every core subsystem (mem, gdt,
// physmap, shadow, mtrace, modeswitch, fault, ioport, replay) behind a
// single struct rather than scattering it across globals.
package vcpu

import (
	"fmt"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"accnt"
	"arch"
	"diskimg"
	"fault"
	"gdt"
	"ioport"
	"limits"
	"mem"
	"modeswitch"
	"monlog"
	"mtrace"
	"physmap"
	"replay"
	"shadow"
)

/// Regs_t holds the general-purpose register file and the flat control
/// registers that survive a trap.
type Regs_t struct {
	EAX, ECX, EDX, EBX uint32
	ESP, EBP, ESI, EDI uint32
	EIP, EFlags        uint32
}

/// SegCache_t mirrors gdt.Desc_t plus the guest's own selector value, the
/// per-segment state spec.md §3 calls the "descriptor cache".
type SegCache_t struct {
	Selector uint16
	Base     uint32
	Limit    uint32
	Flags    uint32
}

/// CalloutContext is the forced-callout marker's payload (spec.md §4.7's
/// "Forced-callout vector"): a name the fault dispatcher looks up in its
/// handler table, plus up to two scratch arguments.
type CalloutContext struct {
	Name       string
	Arg0, Arg1 uint32
}

/// VCPU_t is one guest virtual CPU's full architectural state, as seen by
/// the monitor between traps.
type VCPU_t struct {
	sync.Mutex

	Regs Regs_t

	// Segs/OrigSegs are indexed by gdt.CS..gdt.SS. OrigSegs records the
	// guest's own selector values, independent of any shadow selector the
	// monitor synthesized in Segs[i].Selector (gdt.LoadSegCache).
	Segs     [gdt.NumSegs]SegCache_t
	OrigSegs [gdt.NumSegs]uint16

	LDT SegCache_t
	TR  SegCache_t

	GDTBase  uint32
	GDTLimit uint16
	IDTBase  uint32
	IDTLimit uint16

	CR0, CR2, CR3, CR4 uint32
	DR                 [8]uint32

	// A20Mask is the address mask the A20 gate currently implies; 0xffefffff
	// masks bit 20 off, 0xffffffff passes it through. NewWorld mirrors this
	// into physmap.Map_t, which ANDs it into every address it decodes
	// (SPEC_FULL.md §3's A20-gate supplement).
	A20Mask uint32

	IF            bool
	PendingVector int // -1 when no interrupt is pending
	InhibitWindow bool // set for one instruction after STI, per x86 semantics

	NExec uint64

	Callout CalloutContext

	// Times splits this VCPU's wall-clock time between running guest code
	// and running inside the monitor servicing a trap.
	Times accnt.Times_t
}

/// NewVCPU returns a VCPU_t with A20 gated off and no interrupt pending,
/// the reset state the boot path (uhci/diskimg) hands off from.
func NewVCPU() *VCPU_t {
	return &VCPU_t{A20Mask: 0xffefffff, PendingVector: -1}
}

// regPtr returns a pointer to the general-purpose or control register r
// names, or nil if r is not one this monitor tracks.
func (v *VCPU_t) regPtr(r x86asm.Reg) *uint32 {
	switch r {
	case x86asm.EAX:
		return &v.Regs.EAX
	case x86asm.ECX:
		return &v.Regs.ECX
	case x86asm.EDX:
		return &v.Regs.EDX
	case x86asm.EBX:
		return &v.Regs.EBX
	case x86asm.ESP:
		return &v.Regs.ESP
	case x86asm.EBP:
		return &v.Regs.EBP
	case x86asm.ESI:
		return &v.Regs.ESI
	case x86asm.EDI:
		return &v.Regs.EDI
	case x86asm.CR0:
		return &v.CR0
	case x86asm.CR2:
		return &v.CR2
	case x86asm.CR3:
		return &v.CR3
	case x86asm.CR4:
		return &v.CR4
	default:
		return nil
	}
}

/// ReadReg implements fault.Registers.
func (v *VCPU_t) ReadReg(r x86asm.Reg) uint32 {
	if p := v.regPtr(r); p != nil {
		return *p
	}
	return 0
}

/// WriteReg implements fault.Registers.
func (v *VCPU_t) WriteReg(r x86asm.Reg, val uint32) {
	if p := v.regPtr(r); p != nil {
		*p = val
	}
}

// segIdx maps an x86asm segment register to its gdt segment number
// (gdt.CS..gdt.SS).
func segIdx(seg x86asm.Reg) (int, bool) {
	switch seg {
	case x86asm.ES:
		return gdt.ES, true
	case x86asm.CS:
		return gdt.CS, true
	case x86asm.SS:
		return gdt.SS, true
	case x86asm.DS:
		return gdt.DS, true
	case x86asm.FS:
		return gdt.FS, true
	case x86asm.GS:
		return gdt.GS, true
	default:
		return 0, false
	}
}

/// ReadSeg implements fault.Registers.
func (v *VCPU_t) ReadSeg(seg x86asm.Reg) uint16 {
	if idx, ok := segIdx(seg); ok {
		return v.Segs[idx].Selector
	}
	return 0
}

/// WriteSeg implements fault.Registers: it sets only the visible selector,
/// leaving Base/Limit/Flags for the caller to reload via the GDT manager
/// (spec.md §4.2's gdt.LoadSegCache), the way a real MOV seg, r16 would
/// trigger a descriptor-cache reload as a side effect.
func (v *VCPU_t) WriteSeg(seg x86asm.Reg, sel uint16) {
	if idx, ok := segIdx(seg); ok {
		v.Segs[idx].Selector = sel
	}
}

/// EIP implements fault.Registers.
func (v *VCPU_t) EIP() uint32 { return v.Regs.EIP }

/// SetEIP implements fault.Registers.
func (v *VCPU_t) SetEIP(val uint32) { v.Regs.EIP = val }

/// World owns exactly one instance of every core subsystem for a single
/// guest, wired together the way spec.md §3 describes: one mem pool, one
/// GDT manager, one physical map, two shadow page directories, one trace
/// table, one mode switcher, one fault dispatcher, one I/O ring, one
/// record/replay engine.
type World struct {
	Layout limits.Layout_t
	Cap    arch.Capability

	Pool    *mem.Pool_t
	GDT     *gdt.Manager_t
	Phys    *physmap.Map_t
	Shadow  *shadow.Shadow_t
	MTrace  *mtrace.Table_t
	Mode    *modeswitch.Switcher_t
	Fault   *fault.Dispatcher_t
	IO      *ioport.Ring_t
	Replay  *replay.Engine_t

	GuestBytes uint32

	VCPU *VCPU_t
}

// a20Port is the original monitor's fast-A20-gate control port
// (SPEC_FULL.md §3's A20 supplement).
const a20Port = 0x92

/// NewWorld constructs every core subsystem for one guest and wires them
/// together: mtrace backs shadow's Tracer, the physical map backs both
/// shadow's monitor-window substitution and the fault dispatcher's
/// phys_map-fault handler, and port 0x92 is installed as the A20 gate.
func NewWorld(cap arch.Capability, layout limits.Layout_t, guestBytes uint32, poolPages int, tcLimit, swapLimit uint, eng *replay.Engine_t) (*World, error) {
	pool := mem.NewPool(0, poolPages, limits.MkPool(tcLimit, swapLimit))

	phys, err := physmap.New(pool, layout, guestBytes)
	if err != nil {
		return nil, fmt.Errorf("vcpu: physmap: %w", err)
	}

	g := gdt.NewManager(layout)
	mt := mtrace.New()

	sh, err := shadow.New(pool, phys, layout, mt)
	if err != nil {
		return nil, fmt.Errorf("vcpu: shadow: %w", err)
	}

	ms := modeswitch.New(cap, g, phys.PD())
	fd := fault.New(pool, phys, sh, mt, mem.Pa_t(layout.MonBase), mem.Pa_t(layout.MonEnd))
	fd.SetLogger(monlog.New(monlog.LevelWarn))
	io := ioport.New(eng)

	w := &World{
		Layout:     layout,
		Cap:        cap,
		Pool:       pool,
		GDT:        g,
		Phys:       phys,
		Shadow:     sh,
		MTrace:     mt,
		Mode:       ms,
		Fault:      fd,
		IO:         io,
		Replay:     eng,
		GuestBytes: guestBytes,
		VCPU:       NewVCPU(),
	}

	v := w.VCPU
	phys.SetA20Mask(v.A20Mask)
	io.Install(a20Port, func(port uint16, width ioport.Width, cookie interface{}) uint32 {
		if v.A20Mask&(1<<20) != 0 {
			return 0x02
		}
		return 0x00
	}, func(port uint16, width ioport.Width, val uint32, cookie interface{}) {
		if val&0x02 != 0 {
			v.A20Mask = 0xffffffff
		} else {
			v.A20Mask = 0xffefffff
		}
		phys.SetA20Mask(v.A20Mask)
	}, nil, false)

	return w, nil
}

/// SetImage attaches the on-disk monitor image to every subsystem that reads
/// monitor-window content from it: the physical-identity map and both
/// shadow page directories' own window fault-in path, keeping them
/// consistent with each other (spec.md §4.3/§4.4 testable property P2).
func (w *World) SetImage(img *diskimg.Image_t) {
	w.Phys.SetImage(img)
	w.Shadow.SetImage(img)
}

/// CodeAt implements fault.CodeReader: it resolves guestLinear through the
/// currently-active shadow page directory and returns up to n bytes from
/// the backing host page, for the GPF peephole emulator to decode.
func (w *World) CodeAt(guestLinear uint32, n int) ([]byte, error) {
	res, werr := shadow.Walk(w.Pool, w.Phys, w.activeShadowPD(), guestLinear, shadow.WalkOpts{Shadow: true})
	if werr != shadow.WalkOK {
		return nil, fmt.Errorf("vcpu: code fetch at %#x: shadow walk failed", guestLinear)
	}
	page := w.Pool.Dmap8(res.Pa &^ mem.PGOFFSET)
	off := int(res.Pa & mem.PGOFFSET)
	end := off + n
	if end > len(page) {
		end = len(page)
	}
	return page[off:end], nil
}

/// DispatchPF services a trapped #PF through Fault.HandlePF, bracketing the
/// work in VCPU.Times so guest time and monitor time stay separately
/// accounted.
func (w *World) DispatchPF(cpl shadow.Cpl, guestLinear uint32, ecode mem.Pa_t) (fault.Outcome, error) {
	since := w.VCPU.Times.EnterMonitor()
	defer w.VCPU.Times.ExitMonitor(since)
	return w.Fault.HandlePF(cpl, guestLinear, ecode)
}

/// DispatchGP services a trapped #GP through Fault.HandleGP, using the
/// VCPU's own register file and World's CodeAt for instruction decode, and
/// bracketing the work in VCPU.Times like DispatchPF.
func (w *World) DispatchGP(cplIsUser bool) (fault.Outcome, error) {
	since := w.VCPU.Times.EnterMonitor()
	defer w.VCPU.Times.ExitMonitor(since)
	return w.Fault.HandleGP(cplIsUser, w.VCPU, w)
}

/// RunGuest brackets a span of guest execution in VCPU.Times, the
/// VM-entry/VM-exit cycle every non-panic Outcome resumes into.
func (w *World) RunGuest(fn func() error) error {
	since := w.VCPU.Times.EnterGuest()
	defer w.VCPU.Times.ExitGuest(since)
	return fn()
}

func (w *World) activeShadowPD() mem.Pa_t {
	active := shadow.Sup
	if w.VCPU.Segs[gdt.CS].Selector&0x3 == 3 {
		active = shadow.User
	}
	return w.Shadow.PD(active)
}

/// Snapshot builds a replay.Snapshot of the VCPU's full architectural state
/// plus the guest's entire physical RAM image, the payload Checkpoint logs
/// or compares (spec.md §4.9).
func (w *World) Snapshot() replay.Snapshot {
	v := w.VCPU
	var snap replay.Snapshot
	snap.EAX, snap.ECX, snap.EDX, snap.EBX = v.Regs.EAX, v.Regs.ECX, v.Regs.EDX, v.Regs.EBX
	snap.ESP, snap.EBP, snap.ESI, snap.EDI = v.Regs.ESP, v.Regs.EBP, v.Regs.ESI, v.Regs.EDI
	snap.EIP, snap.EFLAGS = v.Regs.EIP, v.Regs.EFlags
	snap.CR0, snap.CR2, snap.CR3, snap.CR4 = v.CR0, v.CR2, v.CR3, v.CR4
	for i := 0; i < gdt.NumSegs; i++ {
		snap.SegSel[i] = uint32(v.Segs[i].Selector)
		snap.SegBase[i] = v.Segs[i].Base
		snap.SegLimit[i] = v.Segs[i].Limit
		snap.SegFlags[i] = v.Segs[i].Flags
	}

	ram := make([]byte, w.GuestBytes)
	for off := uint32(0); off < w.GuestBytes; off += uint32(mem.PGSIZE) {
		b, err := w.Phys.Bytes(off)
		if err != nil {
			continue
		}
		copy(ram[off:], b)
	}
	snap.RAM = ram
	return snap
}
