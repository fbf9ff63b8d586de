package arch

// Fake is an in-memory Capability used by tests: port I/O and control
// registers are plain fields instead of real hardware state.
type Fake struct {
	CR2, CR3    uintptr
	GDTBase     uintptr
	GDTLimit    uint16
	TR          uint16
	Ports       map[uint16]uint32
	IF          bool
	IretCount   int
	FXSaveCount int
}

func NewFake() *Fake {
	return &Fake{Ports: make(map[uint16]uint32)}
}

func (f *Fake) ReadCR2() uintptr    { return f.CR2 }
func (f *Fake) ReadCR3() uintptr    { return f.CR3 }
func (f *Fake) WriteCR3(pd uintptr) { f.CR3 = pd }

func (f *Fake) LGDT(base uintptr, limit uint16) { f.GDTBase, f.GDTLimit = base, limit }
func (f *Fake) LTR(sel uint16)                  { f.TR = sel }

func (f *Fake) Inb(port uint16) uint8  { return uint8(f.Ports[port]) }
func (f *Fake) Inw(port uint16) uint16 { return uint16(f.Ports[port]) }
func (f *Fake) Inl(port uint16) uint32 { return f.Ports[port] }
func (f *Fake) Outb(port uint16, v uint8)  { f.Ports[port] = uint32(v) }
func (f *Fake) Outw(port uint16, v uint16) { f.Ports[port] = uint32(v) }
func (f *Fake) Outl(port uint16, v uint32) { f.Ports[port] = v }

func (f *Fake) IRET() { f.IretCount++ }
func (f *Fake) STI()  { f.IF = true }
func (f *Fake) CLI()  { f.IF = false }

func (f *Fake) FXSave(frame *[512]byte)  { f.FXSaveCount++ }
func (f *Fake) FXRstor(frame *[512]byte) {}

var _ Capability = (*Fake)(nil)
