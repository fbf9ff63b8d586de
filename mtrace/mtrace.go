// Package mtrace implements the monitor's memory-trace subsystem
// (spec.md §4.5): write-protecting selected guest-physical pages in their
// shadow PTE so that guest writes to them — typically the guest's own page
// tables — become monitor-visible faults.
package mtrace

import (
	"sync"

	"hashtable"
	"mem"
)

/// TraceCallback is invoked when a traced write is claimed. newVal is the
/// PTE/PDE value the guest was writing; cookie is whatever Install was
/// given.
type TraceCallback func(guestPhys mem.Pa_t, newVal mem.Pa_t, cookie interface{})

type trace_t struct {
	guestPhys mem.Pa_t
	cb        TraceCallback
	cookie    interface{}
}

/// Table_t is the trace table: shadow-PTE-address → trace_t, plus a
/// secondary guestPhys → trace_t index that survives a shadow PD rebuild
/// (spec.md §9 Open Question 2 — traces are not carried across a guest
/// CR3 reload; this index is what lets them be re-armed lazily instead).
type Table_t struct {
	sync.Mutex
	byAddr *hashtable.Hashtable_t
	byPhys *hashtable.Hashtable_t
}

/// New returns an empty trace table.
func New() *Table_t {
	return &Table_t{
		byAddr: hashtable.MkHash(64),
		byPhys: hashtable.MkHash(64),
	}
}

func addrKey(addr mem.Pa_t) int32 { return int32(addr) }

/// Install arms a trace on the guest-physical page backing shadowPTEAddr.
func (t *Table_t) Install(shadowPTEAddr, guestPhys mem.Pa_t, cb TraceCallback, cookie interface{}) {
	t.Lock()
	defer t.Unlock()
	tr := &trace_t{guestPhys: guestPhys, cb: cb, cookie: cookie}
	t.byAddr.Set(addrKey(shadowPTEAddr), tr)
	t.byPhys.Set(addrKey(guestPhys), tr)
}

/// Remove disarms any trace on shadowPTEAddr's backing page.
func (t *Table_t) Remove(shadowPTEAddr mem.Pa_t) {
	t.Lock()
	defer t.Unlock()
	v, ok := t.byAddr.Get(addrKey(shadowPTEAddr))
	if !ok {
		return
	}
	tr := v.(*trace_t)
	t.byAddr.Del(addrKey(shadowPTEAddr))
	t.byPhys.Del(addrKey(tr.guestPhys))
}

/// Claimed implements shadow.Tracer: it reports whether shadowPTEAddr
/// currently has an armed trace.
func (t *Table_t) Claimed(shadowPTEAddr uint32) bool {
	t.Lock()
	defer t.Unlock()
	_, ok := t.byAddr.Get(addrKey(mem.Pa_t(shadowPTEAddr)))
	return ok
}

/// Rearm implements shadow.Tracer: when a shadow PTE is (re)installed for
/// guestPhys at a possibly new shadowPTEAddr, Rearm looks the page up by
/// its guest-physical identity — which a CR3 reload never invalidates —
/// and, if still traced, re-indexes the trace under the new address.
func (t *Table_t) Rearm(guestPhys, shadowPTEAddr mem.Pa_t) bool {
	t.Lock()
	defer t.Unlock()
	v, ok := t.byPhys.Get(addrKey(guestPhys))
	if !ok {
		return false
	}
	tr := v.(*trace_t)
	if _, already := t.byAddr.Get(addrKey(shadowPTEAddr)); !already {
		t.byAddr.Set(addrKey(shadowPTEAddr), tr)
	}
	return true
}

/// Handle processes a write the caller has already determined faulted
/// against a traced, read-only shadow PTE. It invokes the registered
/// callback (if any) with the guest's intended new value and reports
/// whether the write was claimed — a write mtrace does not recognize is
/// not claimed, and the caller must treat it as an ordinary fault.
func (t *Table_t) Handle(shadowPTEAddr mem.Pa_t, newVal mem.Pa_t) (claimed bool) {
	t.Lock()
	v, ok := t.byAddr.Get(addrKey(shadowPTEAddr))
	t.Unlock()
	if !ok {
		return false
	}
	tr := v.(*trace_t)
	if tr.cb != nil {
		tr.cb(tr.guestPhys, newVal, tr.cookie)
	}
	return true
}
