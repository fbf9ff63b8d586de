package fault

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"limits"
	"mem"
	"monlog"
	"mtrace"
	"physmap"
	"shadow"
)

func testLayout() limits.Layout_t {
	l := limits.DefaultLayout
	l.MonBase = 4 << 20
	l.MonEnd = 8 << 20
	return l
}

type fixture struct {
	pool *mem.Pool_t
	phys *physmap.Map_t
	sh   *shadow.Shadow_t
	mt   *mtrace.Table_t
	d    *Dispatcher_t
}

func mkfixture(t *testing.T) *fixture {
	t.Helper()
	layout := testLayout()
	guestBytes := uint32(16 << 20)
	pages := int(guestBytes/uint32(mem.PGSIZE)) + 64
	pool := mem.NewPool(0, pages, limits.MkPool(64, 64))
	phys, err := physmap.New(pool, layout, guestBytes)
	if err != nil {
		t.Fatalf("physmap.New: %v", err)
	}
	mt := mtrace.New()
	sh, err := shadow.New(pool, phys, layout, mt)
	if err != nil {
		t.Fatalf("shadow.New: %v", err)
	}
	d := New(pool, phys, sh, mt, mem.Pa_t(layout.MonBase), mem.Pa_t(layout.MonEnd))
	return &fixture{pool: pool, phys: phys, sh: sh, mt: mt, d: d}
}

func (f *fixture) buildGuestMapping(t *testing.T, guestLinear, guestPhys uint32) mem.Pa_t {
	t.Helper()
	pdPgs, ok := f.pool.Alloc(mem.General, mem.ZeroOnAlloc, 1)
	if !ok {
		t.Fatal("no page for guest PD")
	}
	ptPgs, ok := f.pool.Alloc(mem.General, mem.ZeroOnAlloc, 1)
	if !ok {
		t.Fatal("no page for guest PT")
	}
	pd := f.pool.DmapPde(pdPgs[0])
	pt := f.pool.DmapPte(ptPgs[0])

	pdIdx := guestLinear >> mem.LPGSHIFT
	ptIdx := (guestLinear >> mem.PGSHIFT) & 0x3ff
	pd[pdIdx] = ptPgs[0] | mem.PTE_P | mem.PTE_W | mem.PTE_U
	pt[ptIdx] = mem.Pa_t(guestPhys&^uint32(mem.PGOFFSET)) | mem.PTE_P | mem.PTE_W | mem.PTE_U

	return pdPgs[0]
}

func TestHandlePFOnMonitorSegmentPanics(t *testing.T) {
	f := mkfixture(t)
	out, err := f.d.HandlePF(shadow.User, 5<<20, mem.PTE_U)
	if out != OutcomePanic || err == nil {
		t.Fatalf("expected panic outcome for a fault in [MonBase,MonEnd), got %v / %v", out, err)
	}
}

func TestHandlePFInstallsShadowAndCounts(t *testing.T) {
	f := mkfixture(t)
	guestLinear := uint32(0x00201000) // below the [4MB,8MB) monitor range
	guestPD := f.buildGuestMapping(t, guestLinear, 0x00201000)
	f.sh.SetGuestCR3(guestPD)

	out, err := f.d.HandlePF(shadow.User, guestLinear, mem.PTE_U|mem.PTE_W)
	if err != nil {
		t.Fatalf("HandlePF: %v", err)
	}
	if out != OutcomeInstalled {
		t.Fatalf("expected installed, got %v", out)
	}
	if f.d.Counters.ShadowFaults != 1 {
		t.Fatalf("expected ShadowFaults == 1, got %d", f.d.Counters.ShadowFaults)
	}
}

func TestHandlePFTrueFaultPassesThrough(t *testing.T) {
	f := mkfixture(t)
	pdPgs, _ := f.pool.Alloc(mem.General, mem.ZeroOnAlloc, 1)
	f.sh.SetGuestCR3(pdPgs[0])

	out, err := f.d.HandlePF(shadow.User, 0x00300000, mem.PTE_U)
	if err != nil {
		t.Fatalf("HandlePF: %v", err)
	}
	if out != OutcomePassthrough {
		t.Fatalf("expected passthrough, got %v", out)
	}
	if f.d.Counters.TrueFaults != 1 {
		t.Fatalf("expected TrueFaults == 1, got %d", f.d.Counters.TrueFaults)
	}
}

func TestHandlePhysMapFaultCounts(t *testing.T) {
	f := mkfixture(t)
	out, err := f.d.HandlePhysMapFault(5 << 20) // inside the monitor window
	if err != nil {
		t.Fatalf("HandlePhysMapFault: %v", err)
	}
	if out != OutcomeInstalled {
		t.Fatalf("expected installed, got %v", out)
	}
	if f.d.Counters.PhysMapFaults != 1 {
		t.Fatalf("expected PhysMapFaults == 1, got %d", f.d.Counters.PhysMapFaults)
	}
}

func TestHandleGPAtUserCPLAlwaysPassesThrough(t *testing.T) {
	f := mkfixture(t)
	out, err := f.d.HandleGP(true, nil, nil)
	if err != nil {
		t.Fatalf("HandleGP: %v", err)
	}
	if out != OutcomePassthrough {
		t.Fatalf("expected passthrough at CPL3, got %v", out)
	}
}

type fakeRegs struct {
	eip  uint32
	regs map[x86asm.Reg]uint32
	segs map[x86asm.Reg]uint16
}

func newFakeRegs(eip uint32) *fakeRegs {
	return &fakeRegs{eip: eip, regs: map[x86asm.Reg]uint32{}, segs: map[x86asm.Reg]uint16{}}
}
func (f *fakeRegs) ReadReg(r x86asm.Reg) uint32     { return f.regs[r] }
func (f *fakeRegs) WriteReg(r x86asm.Reg, v uint32) { f.regs[r] = v }
func (f *fakeRegs) ReadSeg(r x86asm.Reg) uint16      { return f.segs[r] }
func (f *fakeRegs) WriteSeg(r x86asm.Reg, v uint16)  { f.segs[r] = v }
func (f *fakeRegs) EIP() uint32                      { return f.eip }
func (f *fakeRegs) SetEIP(v uint32)                  { f.eip = v }

type fakeCode struct{ bytes []byte }

func (c fakeCode) CodeAt(guestLinear uint32, n int) ([]byte, error) { return c.bytes, nil }

// mov eax, cr3 (0f 20 d8)
func TestHandleGPEmulatesMovFromControlReg(t *testing.T) {
	f := mkfixture(t)
	regs := newFakeRegs(0x1000)
	regs.regs[x86asm.CR3] = 0xdeadb000
	code := fakeCode{bytes: []byte{0x0f, 0x20, 0xd8}}

	out, err := f.d.HandleGP(false, regs, code)
	if err != nil {
		t.Fatalf("HandleGP: %v", err)
	}
	if out != OutcomeEmulated {
		t.Fatalf("expected emulated, got %v", out)
	}
	if regs.regs[x86asm.EAX] != 0xdeadb000 {
		t.Fatalf("expected EAX == CR3, got %#x", regs.regs[x86asm.EAX])
	}
	if regs.eip != 0x1003 {
		t.Fatalf("expected EIP advanced past the 3-byte instruction, got %#x", regs.eip)
	}
}

// clts (0f 06)
func TestHandleGPEmulatesCLTS(t *testing.T) {
	f := mkfixture(t)
	regs := newFakeRegs(0x2000)
	code := fakeCode{bytes: []byte{0x0f, 0x06}}

	out, err := f.d.HandleGP(false, regs, code)
	if err != nil {
		t.Fatalf("HandleGP: %v", err)
	}
	if out != OutcomeEmulated {
		t.Fatalf("expected emulated, got %v", out)
	}
	if regs.eip != 0x2002 {
		t.Fatalf("expected EIP advanced past clts, got %#x", regs.eip)
	}
}

// mov ax, ds (66 8c d8)
func TestHandleGPEmulatesMovFromSegReg(t *testing.T) {
	f := mkfixture(t)
	regs := newFakeRegs(0x4000)
	regs.segs[x86asm.DS] = 0x23
	code := fakeCode{bytes: []byte{0x66, 0x8c, 0xd8}}

	out, err := f.d.HandleGP(false, regs, code)
	if err != nil {
		t.Fatalf("HandleGP: %v", err)
	}
	if out != OutcomeEmulated {
		t.Fatalf("expected emulated, got %v", out)
	}
	if regs.regs[x86asm.AX] != 0x23 {
		t.Fatalf("expected AX == DS selector, got %#x", regs.regs[x86asm.AX])
	}
}

// hlt is decodable but outside the emulation whitelist: passthrough.
func TestHandleGPUnrecognizedInstructionPassesThrough(t *testing.T) {
	f := mkfixture(t)
	regs := newFakeRegs(0x3000)
	code := fakeCode{bytes: []byte{0xf4}}

	out, err := f.d.HandleGP(false, regs, code)
	if err != nil {
		t.Fatalf("HandleGP: %v", err)
	}
	if out != OutcomePassthrough {
		t.Fatalf("expected passthrough for an unrecognized instruction, got %v", out)
	}
	if regs.eip != 0x3000 {
		t.Fatal("EIP must not move on passthrough")
	}
}

func TestHandlePFMtracedFaultRepairsShadowPTE(t *testing.T) {
	f := mkfixture(t)
	guestLinear := uint32(0x00201000)
	guestPD := f.buildGuestMapping(t, guestLinear, 0x00201000)
	f.sh.SetGuestCR3(guestPD)

	// first touch installs the shadow PTE, writable, matching the guest's
	// own PTE_W.
	if _, err := f.d.HandlePF(shadow.User, guestLinear, mem.PTE_U); err != nil {
		t.Fatalf("HandlePF: %v", err)
	}

	shadowPD := f.sh.PD(shadow.User)
	shadowRes, werr := shadow.Walk(f.pool, f.phys, shadowPD, guestLinear, shadow.WalkOpts{Shadow: true})
	if werr != shadow.WalkOK {
		t.Fatalf("shadow.Walk: %v", werr)
	}
	shadowPTEAddr := shadowRes.PTEAddr()

	// arm a trace: write-protect the shadow PTE and register it with
	// mtrace, mirroring what a live trace install does to an
	// already-shadowed guest page-table page.
	*shadowRes.PTE &^= mem.PTE_W
	var observedNewVal mem.Pa_t
	f.mt.Install(shadowPTEAddr, 0x00201000, func(guestPhys, newVal mem.Pa_t, cookie interface{}) {
		observedNewVal = newVal
	}, nil)

	out, err := f.d.HandlePF(shadow.User, guestLinear, mem.PTE_U|mem.PTE_W)
	if err != nil {
		t.Fatalf("HandlePF: %v", err)
	}
	if out != OutcomeInstalled {
		t.Fatalf("expected installed outcome for a mtraced fault, got %v", out)
	}
	if f.d.Counters.MtracedFaults != 1 {
		t.Fatalf("expected MtracedFaults == 1, got %d", f.d.Counters.MtracedFaults)
	}

	// the two faulting guest walks set Accessed and Dirty in the guest PTE.
	wantPTE := mem.Pa_t(0x00201000) | mem.PTE_P | mem.PTE_W | mem.PTE_U | mem.PTE_A | mem.PTE_D
	if observedNewVal != wantPTE {
		t.Fatalf("expected mtrace callback to observe the guest's new PTE %#x, got %#x", wantPTE, observedNewVal)
	}
	if got := *shadowRes.PTE; got != wantPTE&^mem.PTE_W {
		t.Fatalf("expected shadow PTE repaired to %#x (still write-protected), got %#x", wantPTE&^mem.PTE_W, got)
	}
}

func TestHandleForcedCalloutUnrecognizedNameIsNotImplemented(t *testing.T) {
	f := mkfixture(t)
	_, err := f.d.HandleForcedCallout("nonsense", map[string]func() error{})
	if err != ErrNotImplemented {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestHandlePFOnMonitorSegmentDedupsRepeatedPanicPath(t *testing.T) {
	f := mkfixture(t)
	f.d.SetLogger(monlog.New(monlog.LevelWarn))

	callSamePath := func() {
		f.d.HandlePF(shadow.User, 5<<20, mem.PTE_U)
	}
	for i := 0; i < 2; i++ {
		callSamePath()
	}

	if got := f.d.panicPaths.Len(); got != 1 {
		t.Fatalf("expected exactly one distinct panic path recorded, got %d", got)
	}
}

func TestHandlePFPanicWithNoLoggerDoesNotRecord(t *testing.T) {
	f := mkfixture(t)
	f.d.HandlePF(shadow.User, 5<<20, mem.PTE_U)
	if got := f.d.panicPaths.Len(); got != 0 {
		t.Fatalf("expected no panic-path recording without a logger, got %d", got)
	}
}

func TestHandleForcedCalloutDispatchesRegisteredHandler(t *testing.T) {
	f := mkfixture(t)
	called := false
	handlers := map[string]func() error{
		"reboot": func() error { called = true; return nil },
	}
	out, err := f.d.HandleForcedCallout("reboot", handlers)
	if err != nil {
		t.Fatalf("HandleForcedCallout: %v", err)
	}
	if out != OutcomeEmulated {
		t.Fatalf("expected emulated, got %v", out)
	}
	if !called {
		t.Fatal("expected the registered handler to run")
	}
}
