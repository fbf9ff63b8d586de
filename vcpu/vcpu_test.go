package vcpu

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"arch"
	"fault"
	"gdt"
	"limits"
	"mem"
	"shadow"
)

func testLayout() limits.Layout_t {
	l := limits.DefaultLayout
	l.MonBase = 4 << 20
	l.MonEnd = 8 << 20
	return l
}

func mkworld(t *testing.T) *World {
	t.Helper()
	layout := testLayout()
	guestBytes := uint32(16 << 20)
	pages := int(guestBytes/4096) + 64
	w, err := NewWorld(arch.NewFake(), layout, guestBytes, pages, 64, 64, nil)
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	return w
}

func TestReadWriteRegRoundTrip(t *testing.T) {
	v := NewVCPU()
	v.WriteReg(x86asm.EAX, 0x1234)
	if got := v.ReadReg(x86asm.EAX); got != 0x1234 {
		t.Fatalf("expected 0x1234, got %#x", got)
	}
	v.WriteReg(x86asm.CR3, 0xdead1000)
	if v.CR3 != 0xdead1000 {
		t.Fatalf("expected CR3 updated via WriteReg, got %#x", v.CR3)
	}
}

func TestReadWriteSegRoundTrip(t *testing.T) {
	v := NewVCPU()
	v.WriteSeg(x86asm.DS, 0x23)
	if got := v.ReadSeg(x86asm.DS); got != 0x23 {
		t.Fatalf("expected DS selector 0x23, got %#x", got)
	}
	if v.Segs[gdt.DS].Selector != 0x23 {
		t.Fatalf("expected Segs[gdt.DS].Selector updated, got %#x", v.Segs[gdt.DS].Selector)
	}
}

func TestReadRegUnknownReturnsZero(t *testing.T) {
	v := NewVCPU()
	if got := v.ReadReg(x86asm.AX); got != 0 {
		t.Fatalf("expected 0 for an untracked register, got %#x", got)
	}
}

func TestNewWorldWiresSubsystems(t *testing.T) {
	w := mkworld(t)
	if w.Shadow == nil || w.Phys == nil || w.MTrace == nil || w.Mode == nil || w.Fault == nil || w.IO == nil {
		t.Fatal("expected every core subsystem to be constructed")
	}
}

func TestA20GatePortRoundTrip(t *testing.T) {
	w := mkworld(t)
	if w.VCPU.A20Mask != 0xffefffff {
		t.Fatalf("expected A20 gated off initially, got mask %#x", w.VCPU.A20Mask)
	}
	w.IO.Outb(a20Port, 0x02)
	if w.VCPU.A20Mask != 0xffffffff {
		t.Fatalf("expected A20 gated on after OUT 0x92,0x02, got mask %#x", w.VCPU.A20Mask)
	}
	if w.IO.Inb(a20Port) != 0x02 {
		t.Fatal("expected IN 0x92 to reflect the gated-on state")
	}
	w.IO.Outb(a20Port, 0x00)
	if w.VCPU.A20Mask != 0xffefffff {
		t.Fatal("expected A20 gated back off")
	}
}

func TestDispatchPFAccountsMonitorTime(t *testing.T) {
	w := mkworld(t)
	out, err := w.DispatchPF(shadow.User, 5<<20, mem.PTE_U) // inside [MonBase, MonEnd)
	if out != fault.OutcomePanic || err == nil {
		t.Fatalf("expected panic outcome for a fault in the monitor segment, got %v / %v", out, err)
	}
	if w.VCPU.Times.MonitorNs < 0 {
		t.Fatalf("expected a non-negative MonitorNs delta, got %d", w.VCPU.Times.MonitorNs)
	}
	if w.VCPU.Times.GuestNs != 0 {
		t.Fatalf("expected GuestNs untouched by DispatchPF, got %d", w.VCPU.Times.GuestNs)
	}
}

func TestRunGuestAccountsGuestTime(t *testing.T) {
	w := mkworld(t)
	ran := false
	if err := w.RunGuest(func() error { ran = true; return nil }); err != nil {
		t.Fatalf("RunGuest: %v", err)
	}
	if !ran {
		t.Fatal("expected the guest callback to run")
	}
	if w.VCPU.Times.GuestNs < 0 {
		t.Fatalf("expected a non-negative GuestNs delta, got %d", w.VCPU.Times.GuestNs)
	}
}

func TestCodeAtFetchesFromActiveShadowPD(t *testing.T) {
	w := mkworld(t)
	guestLinear := uint32(0x00401000)
	guestPhys := uint32(0x00201000) // below the [4MB,8MB) monitor window

	pdPgs, ok := w.Pool.Alloc(mem.General, mem.ZeroOnAlloc, 1)
	if !ok {
		t.Fatal("no page for guest PD")
	}
	ptPgs, ok := w.Pool.Alloc(mem.General, mem.ZeroOnAlloc, 1)
	if !ok {
		t.Fatal("no page for guest PT")
	}
	pd := w.Pool.DmapPde(pdPgs[0])
	pt := w.Pool.DmapPte(ptPgs[0])
	pdIdx := guestLinear >> mem.LPGSHIFT
	ptIdx := (guestLinear >> mem.PGSHIFT) & 0x3ff
	pd[pdIdx] = ptPgs[0] | mem.PTE_P | mem.PTE_W | mem.PTE_U
	pt[ptIdx] = mem.Pa_t(guestPhys) | mem.PTE_P | mem.PTE_W | mem.PTE_U

	w.Shadow.SetGuestCR3(pdPgs[0])
	if _, err := w.Shadow.Fault(shadow.Sup, guestLinear, mem.PTE_U); err != nil {
		t.Fatalf("Fault: %v", err)
	}

	page := w.Pool.Dmap8(mem.Pa_t(guestPhys))
	copy(page, []byte{0x0f, 0x06, 0x90, 0x90})

	code, err := w.CodeAt(guestLinear, 4)
	if err != nil {
		t.Fatalf("CodeAt: %v", err)
	}
	if code[0] != 0x0f || code[1] != 0x06 {
		t.Fatalf("expected clts bytes at the start, got %v", code)
	}
}

func TestSnapshotCapturesRegisters(t *testing.T) {
	w := mkworld(t)
	w.VCPU.Regs.EAX = 0x42
	w.VCPU.Segs[gdt.CS].Selector = 0x08
	snap := w.Snapshot()
	if snap.EAX != 0x42 {
		t.Fatalf("expected snapshot EAX 0x42, got %#x", snap.EAX)
	}
	if snap.SegSel[gdt.CS] != 0x08 {
		t.Fatalf("expected snapshot CS selector 0x08, got %#x", snap.SegSel[gdt.CS])
	}
	if len(snap.RAM) != int(w.GuestBytes) {
		t.Fatalf("expected snapshot RAM length %d, got %d", w.GuestBytes, len(snap.RAM))
	}
}
