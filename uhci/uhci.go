// Package uhci drives a UHCI USB host controller well enough to re-read
// the boot disk during the monitor's own startup, before any guest is
// running. It is not a general-purpose USB stack: remote wakeup and the
// interrupt-pipe transfer type are rejected outright rather than silently
// ignored.
package uhci

import (
	"fmt"

	"arch"
	"mem"
)

// Register offsets, byte-addressed off the controller's I/O-space base
// (monee/devices/usb/uhci.c UHCI_USBCMD..UHCI_PORT2STSCTRL).
const (
	regUSBCMD        = 0x00
	regUSBSTATUS     = 0x02
	regUSBINTR       = 0x04
	regFRAMECOUNT    = 0x06
	regFRAMELISTADDR = 0x08
	regSOFMOD        = 0x0c
	regPORTSC1       = 0x10
	regPORTSC2       = 0x12
)

const (
	cmdRUN       = 0x0001
	cmdHCRESET   = 0x0002
	cmdEGSM      = 0x0008
	cmdCONFIGURE = 0x0040
)

const (
	intrResume = 0x0002
)

// Port status/control bits (monee/devices/usb/uhci.c UHCI_PORTSC_*).
const (
	portCCS  = 0x0001 // current connect status
	portCSC  = 0x0002 // connect status change
	portPE   = 0x0004 // port enabled
	portPR   = 0x0200 // port reset
	portLSDA = 0x0100 // low speed device attached
)

const writeClearBits = 0x080f // CSC|PE|POEDC|OCIC bits are write-1-to-clear

const numPorts = 2

// TD_t is a UHCI transfer descriptor, laid out the way the hardware reads
// it: link pointer, status, token, buffer pointer
// (monee/devices/usb/uhci.c uhci_transfer_desc).
type TD_t struct {
	LinkPtr uint32
	Status  uint32
	Token   uint32
	Buffer  uint32
}

const (
	tdStatusActive = 1 << 23
	tdStatusStall  = 1 << 22
	tdStatusError  = 1 << 18 // CRC/timeout
	tdStatusNAK    = 1 << 19
)

const (
	pidIN  = 0x69
	pidOUT = 0xe1
)

func tdToken(pid byte, addr, endpoint uint8, toggle bool, length int) uint32 {
	tok := uint32(pid)
	tok |= uint32(addr) << 8
	tok |= uint32(endpoint) << 11
	if toggle {
		tok |= 1 << 19
	}
	tok |= uint32((length-1)&0x7ff) << 21
	return tok
}

var ErrNotImplemented = fmt.Errorf("uhci: not implemented")

// Controller_t is one UHCI host controller, driven directly through port
// I/O via the monitor's own arch.Capability rather than through a guest
// I/O-port trap (the controller is real hardware at this point in the
// boot sequence, not something a guest can see yet).
type Controller_t struct {
	cap     arch.Capability
	pool    *mem.Pool_t
	iobase  uint16
	devAddr uint8
	toggle  [numPorts]bool
}

// New resets the controller, switches it to its configured idle state,
// and returns a Controller_t ready for ReadSectors.
func New(cap arch.Capability, pool *mem.Pool_t, iobase uint16) (*Controller_t, error) {
	c := &Controller_t{cap: cap, pool: pool, iobase: iobase}

	c.cap.Outw(c.reg(regUSBCMD), cmdHCRESET)
	for i := 0; i < 1000; i++ {
		if c.cap.Inw(c.reg(regUSBCMD))&cmdHCRESET == 0 {
			break
		}
	}
	if c.cap.Inw(c.reg(regUSBCMD))&cmdHCRESET != 0 {
		return nil, fmt.Errorf("uhci: controller did not clear HCRESET")
	}

	c.cap.Outw(c.reg(regUSBINTR), 0)
	c.cap.Outw(c.reg(regUSBCMD), cmdCONFIGURE|cmdRUN)

	return c, nil
}

func (c *Controller_t) reg(off uint16) uint16 { return c.iobase + off }

// PortConnected reports whether a device is attached to port (0 or 1),
// clearing any pending connect-status-change bit as it reads.
func (c *Controller_t) PortConnected(port int) bool {
	sc := c.cap.Inw(c.reg(regPORTSC1 + uint16(port)*2))
	if sc&portCSC != 0 {
		c.cap.Outw(c.reg(regPORTSC1+uint16(port)*2), sc&writeClearBits)
	}
	return sc&portCCS != 0
}

// ResetPort pulses the port-reset bit for the given port and waits for
// the port to come back enabled, the sequence the boot path runs once
// before addressing the attached device.
func (c *Controller_t) ResetPort(port int) error {
	reg := c.reg(regPORTSC1 + uint16(port)*2)
	c.cap.Outw(reg, portPR)
	c.cap.Outw(reg, 0)
	for i := 0; i < 1000; i++ {
		sc := c.cap.Inw(reg)
		if sc&portCCS != 0 {
			c.cap.Outw(reg, sc|portPE)
			return nil
		}
	}
	return fmt.Errorf("uhci: port %d: no device after reset", port)
}

// buildTD writes one transfer descriptor plus its data buffer into a
// freshly allocated physical page and returns the page's physical address
// and backing bytes.
func (c *Controller_t) buildTD(pid byte, endpoint uint8, toggle bool, data []byte) (mem.Pa_t, error) {
	pgs, ok := c.pool.Alloc(mem.General, mem.ZeroOnAlloc, 1)
	if !ok {
		return 0, fmt.Errorf("uhci: no page for transfer descriptor")
	}
	pa := pgs[0]
	raw := c.pool.Dmap8(pa)

	const tdSize = 16
	bufOff := tdSize

	status := uint32(tdStatusActive)
	token := tdToken(pid, c.devAddr, endpoint, toggle, len(data))

	writeLE32(raw[0:4], 1) // link pointer terminate bit; this TD is never chained
	writeLE32(raw[4:8], status)
	writeLE32(raw[8:12], token)
	writeLE32(raw[12:16], uint32(pa)+uint32(bufOff))
	copy(raw[bufOff:], data)

	return pa, nil
}

func writeLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func readLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// pollTD busy-waits for the transfer descriptor at pa to leave the active
// state, the same loop structure the original driver runs while it has no
// interrupt handler installed yet for this device.
func (c *Controller_t) pollTD(pa mem.Pa_t) (status uint32, err error) {
	raw := c.pool.Dmap8(pa)
	for i := 0; i < 1<<20; i++ {
		status = readLE32(raw[4:8])
		if status&tdStatusActive == 0 {
			if status&(tdStatusStall|tdStatusError) != 0 {
				return status, fmt.Errorf("uhci: transfer failed, status %#x", status)
			}
			return status, nil
		}
	}
	return status, fmt.Errorf("uhci: transfer timed out, status %#x", status)
}

// ReadSectors issues one bulk-IN transfer per 512-byte sector starting at
// lba into buf, the boot-time re-read path spec.md §6 names.
func (c *Controller_t) ReadSectors(endpoint uint8, lba uint32, buf []byte) error {
	if len(buf)%512 != 0 {
		return fmt.Errorf("uhci: buf length %d is not a sector multiple", len(buf))
	}
	for off := 0; off < len(buf); off += 512 {
		toggle := c.toggle[endpoint%numPorts]
		pa, err := c.buildTD(pidIN, endpoint, toggle, make([]byte, 512))
		if err != nil {
			return err
		}
		c.toggle[endpoint%numPorts] = !toggle

		c.cap.Outl(c.reg(regFRAMELISTADDR), uint32(pa))
		if _, err := c.pollTD(pa); err != nil {
			return fmt.Errorf("uhci: sector %d: %w", lba+uint32(off/512), err)
		}

		const tdSize = 16
		copy(buf[off:off+512], c.pool.Dmap8(pa)[tdSize:tdSize+512])
		c.pool.Free(pa, 1)
	}
	return nil
}

// EnableRemoteWakeup is intentionally unimplemented: the monitor never
// suspends the controller, so there is no resume path to wire up
// (resolves Open Question 3 with a typed error instead of a silent no-op).
func (c *Controller_t) EnableRemoteWakeup() error {
	return ErrNotImplemented
}

// OpenInterruptPipe is intentionally unimplemented: the boot re-read path
// only ever issues bulk transfers, never interrupt-pipe polling.
func (c *Controller_t) OpenInterruptPipe(endpoint uint8, intervalMs int) error {
	return ErrNotImplemented
}
