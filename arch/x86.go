package arch

// X86 is the reference Capability implementation. Every method is a thin
// wrapper over a single privileged instruction implemented in
// arch_amd64.s, following the same pattern the teacher's forked runtime
// uses for Rdtsc/CPUHint/Gptr: the Go function is declared here with no
// body and its body lives in hand-written assembly, because Go has no
// surface syntax for CR-register moves, LGDT, or port I/O.
type X86 struct{}

func readcr2() uintptr
func readcr3() uintptr
func writecr3(pd uintptr)

func lgdt(base uintptr, limit uint16)
func ltr(sel uint16)

func inb(port uint16) uint8
func inw(port uint16) uint16
func inl(port uint16) uint32
func outb(port uint16, v uint8)
func outw(port uint16, v uint16)
func outl(port uint16, v uint32)

func iret()
func sti()
func cli()

func fxsave(frame *[512]byte)
func fxrstor(frame *[512]byte)

func (X86) ReadCR2() uintptr           { return readcr2() }
func (X86) ReadCR3() uintptr           { return readcr3() }
func (X86) WriteCR3(pd uintptr)        { writecr3(pd) }
func (X86) LGDT(base uintptr, l uint16) { lgdt(base, l) }
func (X86) LTR(sel uint16)             { ltr(sel) }
func (X86) Inb(port uint16) uint8      { return inb(port) }
func (X86) Inw(port uint16) uint16     { return inw(port) }
func (X86) Inl(port uint16) uint32     { return inl(port) }
func (X86) Outb(port uint16, v uint8)  { outb(port, v) }
func (X86) Outw(port uint16, v uint16) { outw(port, v) }
func (X86) Outl(port uint16, v uint32) { outl(port, v) }
func (X86) IRET()                      { iret() }
func (X86) STI()                       { sti() }
func (X86) CLI()                       { cli() }
func (X86) FXSave(f *[512]byte)        { fxsave(f) }
func (X86) FXRstor(f *[512]byte)       { fxrstor(f) }

var _ Capability = X86{}
