// Command mkmonimg builds the on-disk monitor image diskimg.Open reads
// back at boot: a header naming the monitor's physical window, followed
// by the monitor binary's loadable segments laid out at the guest-physical
// offsets they run at.
//
// The original implementation was a link-time step in the C build; this
// Go version plays the same role the teacher's chentry plays for kernel
// images, just one step further down the boot chain.
package main

import (
	"debug/elf"
	"fmt"
	"log"
	"os"
	"strconv"

	"diskimg"
)

func usage(me string) {
	fmt.Printf("%s <monitor-elf> <image-out> <monbase> <monend> <guestbytes>\n", me)
	os.Exit(1)
}

func chkELF(eh *elf.FileHeader) {
	if eh.Data != elf.ELFDATA2LSB {
		log.Fatal("not little-endian?")
	}
	if eh.Class != elf.ELFCLASS32 {
		log.Fatal("not a 32 bit elf")
	}
	if eh.Type != elf.ET_EXEC {
		log.Fatal("not an executable elf")
	}
	if eh.Machine != elf.EM_386 {
		log.Fatal("not an x86 elf")
	}
}

func parseUint32(s string) uint32 {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		log.Fatalf("invalid number %q: %v", s, err)
	}
	return uint32(v)
}

func main() {
	if len(os.Args) != 6 {
		usage(os.Args[0])
	}
	elfPath, imgPath := os.Args[1], os.Args[2]
	monBase := parseUint32(os.Args[3])
	monEnd := parseUint32(os.Args[4])
	guestBytes := parseUint32(os.Args[5])

	ef, err := elf.Open(elfPath)
	if err != nil {
		log.Fatal(err)
	}
	defer ef.Close()
	chkELF(&ef.FileHeader)

	out, err := os.Create(imgPath)
	if err != nil {
		log.Fatal(err)
	}
	defer out.Close()
	dev := diskimg.NewFileDevice(out)

	hdr := diskimg.Header{
		MonBase:    monBase,
		MonEnd:     monEnd,
		GuestBytes: guestBytes,
		Entry:      uint32(ef.Entry),
	}
	if err := diskimg.WriteHeader(dev, hdr); err != nil {
		log.Fatal(err)
	}

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if uint32(prog.Vaddr) < monBase || uint32(prog.Vaddr) >= monEnd {
			log.Fatalf("segment at %#x falls outside [%#x,%#x)", prog.Vaddr, monBase, monEnd)
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			log.Fatalf("reading segment at %#x: %v", prog.Vaddr, err)
		}
		off := uint32(prog.Vaddr) - monBase
		pageOff := off &^ 0xfff
		pad := make([]byte, off-pageOff+uint32(len(data)))
		copy(pad[off-pageOff:], data)
		if err := diskimg.WritePages(dev, pageOff, pad); err != nil {
			log.Fatalf("writing segment at %#x: %v", prog.Vaddr, err)
		}
		fmt.Printf("wrote %d bytes at guest-physical %#x\n", len(data), prog.Vaddr)
	}
}
