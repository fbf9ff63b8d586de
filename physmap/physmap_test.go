package physmap

import (
	"bytes"
	"testing"

	"diskimg"
	"limits"
	"mem"
)

func testLayout() limits.Layout_t {
	l := limits.DefaultLayout
	l.MonBase = 4 << 20
	l.MonEnd = 8 << 20
	return l
}

func mkmap(t *testing.T, guestBytes uint32) (*Map_t, *mem.Pool_t) {
	t.Helper()
	pages := int(guestBytes/uint32(mem.PGSIZE)) + 16
	pool := mem.NewPool(0, pages, limits.MkPool(4, 4))
	m, err := New(pool, testLayout(), guestBytes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, pool
}

func TestWalkOrdinaryRAMIsEagerlyMapped(t *testing.T) {
	m, _ := mkmap(t, 16<<20)
	pa, err := m.Walk(1 << 20)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if pa != mem.Pa_t(1<<20) {
		t.Fatalf("expected identity mapping, got %#x", pa)
	}
}

func TestWalkMonitorWindowFaultsInLazily(t *testing.T) {
	m, _ := mkmap(t, 16<<20)
	addr := uint32(5 << 20) // inside [4MB, 8MB)
	if m.monPT != nil {
		t.Fatal("window page table must not exist before first touch")
	}
	pa, err := m.Walk(addr)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if pa != mem.Pa_t(addr) {
		t.Fatalf("expected identity mapping, got %#x", pa)
	}
	if m.monPT == nil {
		t.Fatal("expected window page table to be installed after FaultIn")
	}
}

func TestWalkBeyondGuestMemoryFails(t *testing.T) {
	m, _ := mkmap(t, 16<<20)
	if _, err := m.Walk(32 << 20); err == nil {
		t.Fatal("expected error walking past guest memory size")
	}
}

func TestWalkMonitorWindowWithImageReturnsImageContent(t *testing.T) {
	m, _ := mkmap(t, 16<<20)
	layout := testLayout()
	windowSize := uint32(layout.MonEnd - layout.MonBase)

	dev := diskimg.NewMemDevice(1 + int(windowSize)/diskimg.SectorSize)
	hdr := diskimg.Header{MonBase: uint32(layout.MonBase), MonEnd: uint32(layout.MonEnd)}
	if err := diskimg.WriteHeader(dev, hdr); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	want := bytes.Repeat([]byte{0x42}, mem.PGSIZE)
	if err := dev.WriteSectors(1, want); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}
	img, err := diskimg.Open(dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.SetImage(img)

	addr := uint32(layout.MonBase)
	pa, err := m.Walk(addr)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if pa == mem.Pa_t(addr) {
		t.Fatal("expected an image-backed window page to live on a distinct swap page")
	}
	got := m.pool.Dmap8(pa)[:mem.PGSIZE]
	if !bytes.Equal(got, want) {
		t.Fatal("expected the window page to contain the on-disk monitor image")
	}
}

func TestWalkA20GateOffAliases1MBDownTo0(t *testing.T) {
	m, _ := mkmap(t, 16<<20)
	m.SetA20Mask(0xffefffff)

	gated, err := m.Walk(1 << 20)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	low, err := m.Walk(0)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if gated != low {
		t.Fatalf("expected 0x100000 to alias 0x0 with A20 gated off, got %#x vs %#x", gated, low)
	}

	m.SetA20Mask(0xffffffff)
	ungated, err := m.Walk(1 << 20)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if ungated == low {
		t.Fatal("expected 0x100000 to resolve distinctly from 0x0 with A20 gated on")
	}
}

func TestReadDescRoundTrip(t *testing.T) {
	m, pool := mkmap(t, 16<<20)
	addr := uint32(1 << 20)
	b := pool.Dmap8(mem.Pa_t(addr))
	copy(b, []byte{0xef, 0xbe, 0xad, 0xde, 0x11, 0x22, 0x33, 0x44})

	lo, hi, ok := m.ReadDesc(addr)
	if !ok {
		t.Fatal("ReadDesc failed")
	}
	if lo != 0xdeadbeef || hi != 0x44332211 {
		t.Fatalf("got lo=%#x hi=%#x", lo, hi)
	}
}
