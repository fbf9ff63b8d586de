// Package ioport implements the monitor's I/O-port ring (spec.md §4.8): a
// per-port callback table plus two 512-bit bitmaps marking which ports are
// subject to record/replay logging.
package ioport

import (
	"fmt"
	"sync"

	"replay"
)

/// Width is the access width of an I/O-port instruction.
type Width int

const (
	Byte Width = 1
	Word Width = 2
	Long Width = 4
)

/// ReadFn services an IN from port.
type ReadFn func(port uint16, width Width, cookie interface{}) uint32

/// WriteFn services an OUT to port.
type WriteFn func(port uint16, width Width, value uint32, cookie interface{})

type portEntry struct {
	read   ReadFn
	write  WriteFn
	cookie interface{}
}

// bitmap512 is a 512-bit set, one bit per port in [0, 512); the original
// monitor's record/replay bitmaps cover only the legacy ISA I/O range.
type bitmap512 [8]uint64

func (b *bitmap512) set(port uint16) {
	b[port/64] |= 1 << (port % 64)
}

func (b *bitmap512) test(port uint16) bool {
	if int(port) >= 512 {
		return false
	}
	return b[port/64]&(1<<(port%64)) != 0
}

/// Ring_t is the I/O-port callback table plus its record/replay bitmaps.
type Ring_t struct {
	mu sync.Mutex

	ports map[uint16]portEntry

	recordMask bitmap512
	replayMask bitmap512

	eng *replay.Engine_t
}

/// New returns a Ring_t that logs through eng. eng may be nil, in which case
/// the ring behaves as a plain passthrough callback table with no logging.
func New(eng *replay.Engine_t) *Ring_t {
	return &Ring_t{ports: make(map[uint16]portEntry), eng: eng}
}

/// Install registers read/write callbacks for port. If logged is true, both
/// the record and replay bitmaps mark the port, so every access to it is
/// journaled by eng.
func (r *Ring_t) Install(port uint16, read ReadFn, write WriteFn, cookie interface{}, logged bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[port] = portEntry{read: read, write: write, cookie: cookie}
	if logged {
		r.recordMask.set(port)
		r.replayMask.set(port)
	}
}

func (r *Ring_t) logged(port uint16) bool {
	return r.recordMask.test(port) || r.replayMask.test(port)
}

func (r *Ring_t) in(port uint16, w Width) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.eng != nil && r.eng.Mode() == replay.Replaying && r.logged(port) {
		v, err := r.eng.ReplayIO(replay.TagIN, port, int(w))
		if err != nil {
			panic(fmt.Sprintf("ioport: replay IN: %v", err))
		}
		return v
	}

	var v uint32
	if e, ok := r.ports[port]; ok && e.read != nil {
		v = e.read(port, w, e.cookie)
	}
	if r.eng != nil && r.eng.Mode() == replay.Recording && r.logged(port) {
		if err := r.eng.RecordIO(replay.TagIN, port, int(w), v); err != nil {
			panic(fmt.Sprintf("ioport: record IN: %v", err))
		}
	}
	return v
}

func (r *Ring_t) out(port uint16, w Width, v uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.eng != nil && r.eng.Mode() == replay.Replaying && r.logged(port) {
		if _, err := r.eng.ReplayIO(replay.TagOUT, port, int(w)); err != nil {
			panic(fmt.Sprintf("ioport: replay OUT: %v", err))
		}
		return
	}

	if e, ok := r.ports[port]; ok && e.write != nil {
		e.write(port, w, v, e.cookie)
	}
	if r.eng != nil && r.eng.Mode() == replay.Recording && r.logged(port) {
		if err := r.eng.RecordIO(replay.TagOUT, port, int(w), v); err != nil {
			panic(fmt.Sprintf("ioport: record OUT: %v", err))
		}
	}
}

/// Inb/Inw/Inl/Outb/Outw/Outl are the single-access I/O entry points
/// spec.md §4.8 names (rr_in{b,w,l}/rr_out{b,w,l}).
func (r *Ring_t) Inb(port uint16) uint8  { return uint8(r.in(port, Byte)) }
func (r *Ring_t) Inw(port uint16) uint16 { return uint16(r.in(port, Word)) }
func (r *Ring_t) Inl(port uint16) uint32 { return r.in(port, Long) }

func (r *Ring_t) Outb(port uint16, v uint8)  { r.out(port, Byte, uint32(v)) }
func (r *Ring_t) Outw(port uint16, v uint16) { r.out(port, Word, uint32(v)) }
func (r *Ring_t) Outl(port uint16, v uint32) { r.out(port, Long, v) }

/// Ins reads n values of width w from port in sequence (rr_ins).
func (r *Ring_t) Ins(port uint16, w Width, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = r.in(port, w)
	}
	return out
}

/// Outs writes vals to port in sequence (rr_outs).
func (r *Ring_t) Outs(port uint16, w Width, vals []uint32) {
	for _, v := range vals {
		r.out(port, w, v)
	}
}
