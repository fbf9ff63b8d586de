// Package limits holds the monitor's fixed, boot-time layout and the
// resource ceilings the core subsystems enforce against it.
package limits

import "unsafe"
import "sync/atomic"

/// Lhits counts the number of times a caller was refused due to a limit.
var Lhits int

/// Sysatomic_t is a numeric limit that can be atomically updated. Taken()
/// debits the counter and refuses (without blocking) once it would go
/// negative; Given() credits it back.
type Sysatomic_t int64

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

/// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(_n uint) {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	atomic.AddInt64(s._aptr(), n)
}

/// Taken tries to decrement the limit by the provided amount.
/// It returns true on success.
func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	g := atomic.AddInt64(s._aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), n)
	return false
}

/// Take decrements the limit by one and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

/// Give increments the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}

/// Layout_t is the monitor's fixed physical/virtual memory and GDT layout,
/// set once at boot (vcpu.World construction) and never re-read afterward.
type Layout_t struct {
	// MonBase/MonEnd bound the reserved physical window the monitor's own
	// image occupies.
	MonBase uintptr
	MonEnd  uintptr
	// MonVBase is the guest-visible virtual ceiling; segment limits are
	// truncated to MonVBase-1 so the guest can never address monitor code.
	MonVBase uint32
	// SelBase is the first GDT slot (in bytes) reserved for the monitor;
	// slots below it mirror the guest's own descriptors.
	SelBase uint32
	// RecPrintFreq is how many retired guest instructions elapse between
	// periodic MS checkpoints during record/replay.
	RecPrintFreq uint64
}

/// DefaultLayout mirrors the historical 8MB-at-4MB monitor window and
/// 0xff800000 virtual base from the reference monitor.
var DefaultLayout = Layout_t{
	MonBase:      4 << 20,
	MonEnd:       12 << 20,
	MonVBase:     0xff800000,
	SelBase:      0x2000,
	RecPrintFreq: 100000,
}

/// Pool is a monitor-wide sub-pool ceiling: TC_LIMIT and SWAP_LIMIT from
/// spec.md §4.1, each backed by a Sysatomic_t counted down from the limit.
type Pool struct {
	TC   Sysatomic_t
	Swap Sysatomic_t
}

/// MkPool returns a Pool with the given TC and swap page ceilings.
func MkPool(tcLimit, swapLimit uint) *Pool {
	return &Pool{
		TC:   Sysatomic_t(tcLimit),
		Swap: Sysatomic_t(swapLimit),
	}
}
