package gdt

import (
	"testing"

	"limits"
)

type fakeMem struct {
	lo, hi map[uint32]uint32
}

func newFakeMem() *fakeMem { return &fakeMem{lo: map[uint32]uint32{}, hi: map[uint32]uint32{}} }

func (f *fakeMem) put(addr uint32, d Desc_t) {
	lo, hi := d.Encode()
	f.lo[addr], f.hi[addr] = lo, hi
}

func (f *fakeMem) ReadDesc(addr uint32) (uint32, uint32, bool) {
	lo, ok := f.lo[addr]
	if !ok {
		return 0, 0, false
	}
	return lo, f.hi[addr], true
}

// R2: segcache_sync on a guest-owned selector reproduces the base and DPL
// of the descriptor actually present in guest memory for that selector.
func TestSegcacheSyncRoundTrip(t *testing.T) {
	m := NewManager(limits.DefaultLayout)
	mem := newFakeMem()

	guestBase := uint32(0x1000)
	m.LoadGDT(guestBase, 0xff)
	m.SetPaging(true)

	sel := uint16(0x18) // below SelBase, guest-owned slot
	want := Desc_t{Base: 0xdead0000, Limit: 0xff, Flags: DescP | DescS | DescWrite, DPL: 3}
	mem.put(guestBase+uint32(sel&^0x7), want)

	got, err := m.SegcacheSync(sel, mem)
	if err != nil {
		t.Fatalf("segcache_sync: %v", err)
	}
	if got.Base != want.Base || got.DPL != want.DPL {
		t.Fatalf("round trip mismatch: got %+v want base=%x dpl=%d", got, want.Base, want.DPL)
	}
}

func TestLoadSegCacheShadowForReservedSelector(t *testing.T) {
	m := NewManager(limits.DefaultLayout)
	m.SetPaging(true)

	reserved := uint16(limits.DefaultLayout.SelBase + 8)
	host := m.LoadSegCache(CS, reserved, 0, 0xffffffff, DescP|DescS|DescCode)
	want := uint16(limits.DefaultLayout.SelBase+offShadow+CS*8) | 3
	if host != want {
		t.Fatalf("expected shadow selector %#x for reserved sel, got %#x", want, host)
	}
}

func TestLoadSegCacheIdentityForGuestSelector(t *testing.T) {
	m := NewManager(limits.DefaultLayout)
	m.SetPaging(true)

	sel := uint16(0x20 | 3)
	host := m.LoadSegCache(DS, sel, 0x1000, 0xffff, DescP|DescS|DescWrite)
	if host != sel {
		t.Fatalf("guest selector below SelBase should pass through unchanged, got %#x want %#x", host, sel)
	}
}

func TestLoadSegCacheShadowWhenPagingOff(t *testing.T) {
	m := NewManager(limits.DefaultLayout)
	m.SetPaging(false)

	sel := uint16(0x20 | 3)
	host := m.LoadSegCache(SS, sel, 0, 0xffff, DescP|DescS|DescWrite)
	want := uint16(limits.DefaultLayout.SelBase+offShadow+SS*8) | 3
	if host != want {
		t.Fatalf("unpaged guest must always get a shadow selector, got %#x want %#x", host, want)
	}
}

func TestLoadGDTInvalidatesGuestSlots(t *testing.T) {
	m := NewManager(limits.DefaultLayout)
	m.SetPaging(true)
	sel := uint16(0x20 | 3)
	m.LoadSegCache(DS, sel, 0x1000, 0xffff, DescP|DescS|DescWrite)
	if _, ok := m.Lookup(sel); !ok {
		t.Fatal("expected slot to be populated before LoadGDT")
	}
	m.LoadGDT(0x2000, 0xff)
	if _, ok := m.Lookup(sel); ok {
		t.Fatal("LoadGDT must invalidate previously cached guest slots")
	}
}
