// Package modeswitch implements the monitor's mode switcher (spec.md
// §4.6): the three CPU modes visible to the monitor (kernel, user,
// physical) and the synchronous, interrupt-mediated transitions between
// them.
package modeswitch

import (
	"fmt"
	"sync"

	"arch"
	"gdt"
	"mem"
)

/// Mode names one of the monitor's three visible CPU modes.
type Mode int

const (
	Kernel Mode = iota /// CPL 0, monitor segments; the only mode that may reload CR3.
	User               /// CPL 3, monitor data selectors; cannot touch privileged state.
	Physical           /// momentary: CR3 points at the physical-identity map.
)

func (m Mode) String() string {
	switch m {
	case Kernel:
		return "kernel"
	case User:
		return "user"
	case Physical:
		return "physical"
	default:
		return "?"
	}
}

/// Switcher_t drives transitions between modes. Every transition that
/// touches CR3 is bracketed by CLI/STI: a preempting interrupt between the
/// CR3 write and the matching segment/selector load would resume into a
/// half-switched address space (spec.md §5).
type Switcher_t struct {
	sync.Mutex
	cap    arch.Capability
	gdt    *gdt.Manager_t
	physPD mem.Pa_t

	mode   Mode
	curCR3 mem.Pa_t
}

/// New returns a Switcher_t that starts in Kernel mode.
func New(cap arch.Capability, g *gdt.Manager_t, physPD mem.Pa_t) *Switcher_t {
	return &Switcher_t{cap: cap, gdt: g, physPD: physPD, mode: Kernel}
}

/// Mode reports the currently tracked mode.
func (s *Switcher_t) Mode() Mode {
	s.Lock()
	defer s.Unlock()
	return s.mode
}

/// ToKernel switches to kernel mode with cr3 as the active page directory
/// — a guest shadow PD, ordinarily. The CR3 reload happens with interrupts
/// disabled.
func (s *Switcher_t) ToKernel(cr3 mem.Pa_t) {
	s.Lock()
	defer s.Unlock()
	s.cap.CLI()
	s.cap.WriteCR3(uintptr(cr3))
	s.curCR3 = cr3
	s.mode = Kernel
	s.cap.STI()
}

/// ToUser switches to user mode (CPL 3) by returning via IRET, matching the
/// teacher's own interrupt-return convention for dropping privilege. It
/// loads no segment selectors itself.
func (s *Switcher_t) ToUser() error {
	s.Lock()
	defer s.Unlock()
	if s.mode != Kernel {
		return fmt.Errorf("modeswitch: ToUser only valid from kernel mode, was %s", s.mode)
	}
	s.cap.CLI()
	s.mode = User
	s.cap.IRET()
	s.cap.STI()
	return nil
}

/// ToPhysical switches CR3 to the physical-identity map for a guest-RAM
/// access that needs no shadow translation, then returns to kernel mode.
/// It is always entered from, and returns to, Kernel mode — "momentary"
/// per spec.md §4.6.
func (s *Switcher_t) ToPhysical(fn func() error) error {
	s.Lock()
	if s.mode != Kernel {
		s.Unlock()
		return fmt.Errorf("modeswitch: ToPhysical only valid from kernel mode, was %s", s.mode)
	}
	prior := s.curCR3
	s.cap.CLI()
	s.cap.WriteCR3(uintptr(s.physPD))
	s.mode = Physical
	s.cap.STI()
	s.Unlock()

	err := fn()

	s.Lock()
	s.cap.CLI()
	s.cap.WriteCR3(uintptr(prior))
	s.curCR3 = prior
	s.mode = Kernel
	s.cap.STI()
	s.Unlock()
	return err
}
