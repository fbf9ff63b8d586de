// Package diskimg defines the block-device contract the monitor's boot
// path reads through (spec.md §4.3's phys_map_install_page, §6's boot
// interface) and the on-disk monitor-image format cmd/mkmonimg writes.
//
// It deliberately narrows fs.Disk_i's async request-queue shape down to a
// synchronous sector read/write, the same simplification uhci.ReadSectors
// already makes: at the point the monitor installs a monitor-window page,
// there is exactly one outstanding request and nothing else running.
package diskimg

import (
	"encoding/binary"
	"fmt"
	"os"

	"mem"
	"uhci"
)

const SectorSize = 512

// PageSectors is the number of disk sectors backing one 4KB page.
const PageSectors = mem.PGSIZE / SectorSize

// BlockDevice is the narrow synchronous contract diskimg reads and writes
// through; uhci.Controller_t and an in-memory fake both satisfy it.
type BlockDevice interface {
	ReadSectors(lba uint32, buf []byte) error
	WriteSectors(lba uint32, buf []byte) error
}

const magic = 0x6d6f6e65 // "mone"
const headerVersion = 1

// headerSectors is how many sectors the header occupies on disk, rounded
// up from its packed size so page data always starts on a sector boundary.
const headerSectors = 1

// Header is the fixed-layout record cmd/mkmonimg writes to sector 0: the
// monitor's physical window plus the entry point the boot loader jumps to.
type Header struct {
	Magic      uint32
	Version    uint32
	MonBase    uint32
	MonEnd     uint32
	GuestBytes uint32
	Entry      uint32
}

const headerSize = 6 * 4

func (h Header) marshal() []byte {
	buf := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.MonBase)
	binary.LittleEndian.PutUint32(buf[12:16], h.MonEnd)
	binary.LittleEndian.PutUint32(buf[16:20], h.GuestBytes)
	binary.LittleEndian.PutUint32(buf[20:24], h.Entry)
	return buf
}

func unmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("diskimg: header sector too short")
	}
	h := Header{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Version:    binary.LittleEndian.Uint32(buf[4:8]),
		MonBase:    binary.LittleEndian.Uint32(buf[8:12]),
		MonEnd:     binary.LittleEndian.Uint32(buf[12:16]),
		GuestBytes: binary.LittleEndian.Uint32(buf[16:20]),
		Entry:      binary.LittleEndian.Uint32(buf[20:24]),
	}
	if h.Magic != magic {
		return Header{}, fmt.Errorf("diskimg: bad magic %#x", h.Magic)
	}
	if h.Version != headerVersion {
		return Header{}, fmt.Errorf("diskimg: unsupported version %d", h.Version)
	}
	return h, nil
}

// WriteHeader stamps hdr with the image magic and format version and
// writes it to dev's first sector; cmd/mkmonimg calls it first, before
// laying down the monitor image's pages with WritePages.
func WriteHeader(dev BlockDevice, hdr Header) error {
	hdr.Magic, hdr.Version = magic, headerVersion
	return dev.WriteSectors(0, hdr.marshal())
}

// Image_t is an opened monitor image: its header plus the device it was
// read from.
type Image_t struct {
	dev BlockDevice
	Hdr Header
}

// Open reads and validates the image header from dev.
func Open(dev BlockDevice) (*Image_t, error) {
	buf := make([]byte, SectorSize)
	if err := dev.ReadSectors(0, buf); err != nil {
		return nil, fmt.Errorf("diskimg: read header: %w", err)
	}
	hdr, err := unmarshalHeader(buf)
	if err != nil {
		return nil, err
	}
	return &Image_t{dev: dev, Hdr: hdr}, nil
}

// ReadPage fills buf (which must be exactly one page long) with the
// monitor-image content backing guest-physical offset within the monitor
// window, the page phys_map_install_page loads into a freshly allocated
// swap page (spec.md §4.3 invariant P2).
func (img *Image_t) ReadPage(offset uint32, buf []byte) error {
	if len(buf) != mem.PGSIZE {
		return fmt.Errorf("diskimg: ReadPage buffer must be exactly one page")
	}
	if offset%uint32(mem.PGSIZE) != 0 {
		return fmt.Errorf("diskimg: ReadPage offset %#x is not page-aligned", offset)
	}
	lba := headerSectors + offset/SectorSize
	return img.dev.ReadSectors(lba, buf)
}

// UHCIDevice adapts a uhci.Controller_t endpoint to BlockDevice. The boot
// media is read-only from the monitor's point of view: WriteSectors
// always fails rather than pretending to write to a USB mass-storage
// device this package never drives beyond bulk-IN.
type UHCIDevice struct {
	Ctrl     *uhci.Controller_t
	Endpoint uint8
}

func (u UHCIDevice) ReadSectors(lba uint32, buf []byte) error {
	return u.Ctrl.ReadSectors(u.Endpoint, lba, buf)
}

func (u UHCIDevice) WriteSectors(lba uint32, buf []byte) error {
	return fmt.Errorf("diskimg: boot media is read-only")
}

// WritePages writes data to the image at page-aligned offset off, padding
// the final partial page with zeroes. cmd/mkmonimg uses this to lay down
// a monitor binary's loadable segments after WriteHeader.
func WritePages(dev BlockDevice, off uint32, data []byte) error {
	if off%uint32(mem.PGSIZE) != 0 {
		return fmt.Errorf("diskimg: WritePages offset %#x is not page-aligned", off)
	}
	npages := (len(data) + mem.PGSIZE - 1) / mem.PGSIZE
	buf := make([]byte, npages*mem.PGSIZE)
	copy(buf, data)
	lba := headerSectors + off/SectorSize
	return dev.WriteSectors(lba, buf)
}

// FileDevice is a BlockDevice backed by a host file; cmd/mkmonimg writes
// through one to produce the monitor image it installs on boot media.
type FileDevice struct {
	f *os.File
}

func NewFileDevice(f *os.File) *FileDevice { return &FileDevice{f: f} }

func (d *FileDevice) ReadSectors(lba uint32, buf []byte) error {
	_, err := d.f.ReadAt(buf, int64(lba)*SectorSize)
	return err
}

func (d *FileDevice) WriteSectors(lba uint32, buf []byte) error {
	_, err := d.f.WriteAt(buf, int64(lba)*SectorSize)
	return err
}

// MemDevice is an in-memory BlockDevice backing tests and small images
// that fit comfortably in RAM; it satisfies BlockDevice directly.
type MemDevice struct {
	Sectors [][SectorSize]byte
}

func NewMemDevice(nsectors int) *MemDevice {
	return &MemDevice{Sectors: make([][SectorSize]byte, nsectors)}
}

func (m *MemDevice) ReadSectors(lba uint32, buf []byte) error {
	n := len(buf) / SectorSize
	if int(lba)+n > len(m.Sectors) {
		return fmt.Errorf("diskimg: read past end of device")
	}
	for i := 0; i < n; i++ {
		copy(buf[i*SectorSize:(i+1)*SectorSize], m.Sectors[int(lba)+i][:])
	}
	return nil
}

func (m *MemDevice) WriteSectors(lba uint32, buf []byte) error {
	n := (len(buf) + SectorSize - 1) / SectorSize
	if int(lba)+n > len(m.Sectors) {
		return fmt.Errorf("diskimg: write past end of device")
	}
	for i := 0; i < n; i++ {
		lo, hi := i*SectorSize, (i+1)*SectorSize
		if hi > len(buf) {
			hi = len(buf)
		}
		copy(m.Sectors[int(lba)+i][:], buf[lo:hi])
	}
	return nil
}
