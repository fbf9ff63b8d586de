package modeswitch

import (
	"errors"
	"testing"

	"arch"
	"gdt"
	"limits"
)

func mkswitcher() (*Switcher_t, *arch.Fake) {
	f := arch.NewFake()
	g := gdt.NewManager(limits.DefaultLayout)
	return New(f, g, 0xdead000), f
}

// R1: switch_to_kernel(); switch_to_user() restores the visible CPL
// without disturbing any register other than documented scratch — here,
// that the tracked Mode ends where it is expected and IF ends up enabled.
func TestToKernelThenToUserRoundTrip(t *testing.T) {
	s, f := mkswitcher()
	s.ToKernel(0x1000)
	if s.Mode() != Kernel {
		t.Fatalf("expected kernel mode, got %s", s.Mode())
	}
	if f.CR3 != 0x1000 {
		t.Fatalf("expected CR3 0x1000, got %#x", f.CR3)
	}
	if err := s.ToUser(); err != nil {
		t.Fatalf("ToUser: %v", err)
	}
	if s.Mode() != User {
		t.Fatalf("expected user mode, got %s", s.Mode())
	}
	if f.IretCount != 1 {
		t.Fatalf("expected exactly one IRET, got %d", f.IretCount)
	}
	if !f.IF {
		t.Fatal("expected interrupts enabled after the transition completes")
	}
}

func TestToUserRequiresKernelMode(t *testing.T) {
	s, _ := mkswitcher()
	s.mode = User
	if err := s.ToUser(); err == nil {
		t.Fatal("expected ToUser from user mode to fail")
	}
}

func TestToPhysicalRestoresPriorCR3(t *testing.T) {
	s, f := mkswitcher()
	s.ToKernel(0x2000)

	var sawDuring uintptr
	err := s.ToPhysical(func() error {
		sawDuring = f.CR3
		return nil
	})
	if err != nil {
		t.Fatalf("ToPhysical: %v", err)
	}
	if sawDuring != uintptr(s.physPD) {
		t.Fatalf("expected CR3 == physPD during ToPhysical, got %#x", sawDuring)
	}
	if f.CR3 != 0x2000 {
		t.Fatalf("expected CR3 restored to 0x2000 after ToPhysical, got %#x", f.CR3)
	}
	if s.Mode() != Kernel {
		t.Fatalf("expected kernel mode after ToPhysical returns, got %s", s.Mode())
	}
}

func TestToPhysicalPropagatesCallbackError(t *testing.T) {
	s, _ := mkswitcher()
	s.ToKernel(0x3000)
	want := errors.New("boom")
	err := s.ToPhysical(func() error { return want })
	if err != want {
		t.Fatalf("expected ToPhysical to propagate the callback error, got %v", err)
	}
	if s.Mode() != Kernel {
		t.Fatal("expected mode to return to kernel even on callback error")
	}
}
