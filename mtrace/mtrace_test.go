package mtrace

import (
	"testing"

	"mem"
)

func TestInstallAndClaimed(t *testing.T) {
	tb := New()
	tb.Install(0x1000, 0x2000, nil, nil)
	if !tb.Claimed(0x1000) {
		t.Fatal("expected 0x1000 to be claimed after Install")
	}
	if tb.Claimed(0x1001) {
		t.Fatal("unrelated address must not be claimed")
	}
}

func TestRemoveDisarms(t *testing.T) {
	tb := New()
	tb.Install(0x1000, 0x2000, nil, nil)
	tb.Remove(0x1000)
	if tb.Claimed(0x1000) {
		t.Fatal("expected trace to be disarmed after Remove")
	}
	if tb.Rearm(0x2000, 0x1000) {
		t.Fatal("removed trace must not be rearmable")
	}
}

func TestHandleInvokesCallback(t *testing.T) {
	tb := New()
	var got mem.Pa_t
	tb.Install(0x1000, 0x2000, func(guestPhys, newVal mem.Pa_t, cookie interface{}) {
		got = newVal
	}, nil)
	if !tb.Handle(0x1000, 0xdeadbeef) {
		t.Fatal("expected Handle to claim a registered trace")
	}
	if got != 0xdeadbeef {
		t.Fatalf("callback did not observe new value, got %#x", got)
	}
	if tb.Handle(0x9999, 0) {
		t.Fatal("Handle on an untraced address must not claim")
	}
}

// Open Question 2: a trace survives a guest CR3 reload by guestPhys
// identity, re-indexed at the new shadow-PTE address on next install.
func TestRearmMovesTraceToNewShadowAddress(t *testing.T) {
	tb := New()
	tb.Install(0x1000, 0x2000, nil, nil)

	// simulate shadow.Resync discarding the old shadow PTE, then a later
	// Fault reinstalling the page at a different shadow-PTE address.
	if !tb.Rearm(0x2000, 0x3000) {
		t.Fatal("expected Rearm to find the trace by guestPhys")
	}
	if !tb.Claimed(0x3000) {
		t.Fatal("expected trace to be armed at the new address")
	}

	if tb.Rearm(0x4000, 0x5000) {
		t.Fatal("Rearm on an untraced guestPhys must return false")
	}
}
