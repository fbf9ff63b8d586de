// Package accnt tracks how a VCPU's wall-clock time splits between running
// guest code and running inside the monitor itself (shadow install,
// peephole emulation, replay bookkeeping) — trap-and-emulate's overhead is
// exactly that split. Times_t keeps the teacher's atomic-counter-plus-
// mutex-guarded-merge shape from its own per-process user/system time
// accounting, renamed onto guest/monitor time instead of user/system time.
package accnt

import "sync"
import "sync/atomic"
import "time"

/// Times_t accumulates a VCPU's guest-time/monitor-time split, in
/// nanoseconds. Adds are atomic; the embedded mutex only guards Add and
/// Snapshot, which read both counters together and must see a consistent
/// pair.
type Times_t struct {
	/// Nanoseconds spent executing guest code.
	GuestNs int64
	/// Nanoseconds spent inside the monitor servicing a trap.
	MonitorNs int64
	sync.Mutex
}

func now() int64 {
	return time.Now().UnixNano()
}

/// GuestAdd adds delta nanoseconds to the guest-time counter.
func (a *Times_t) GuestAdd(delta int64) {
	atomic.AddInt64(&a.GuestNs, delta)
}

/// MonitorAdd adds delta nanoseconds to the monitor-time counter.
func (a *Times_t) MonitorAdd(delta int64) {
	atomic.AddInt64(&a.MonitorNs, delta)
}

/// EnterGuest returns a timestamp to pass to ExitGuest once the VCPU traps
/// back out, bracketing one guest-execution span the way a VM-entry/
/// VM-exit pair would.
func (a *Times_t) EnterGuest() int64 {
	return now()
}

/// ExitGuest adds the time since since to GuestNs.
func (a *Times_t) ExitGuest(since int64) {
	a.GuestAdd(now() - since)
}

/// EnterMonitor/ExitMonitor bracket a span of monitor-side work the same
/// way EnterGuest/ExitGuest bracket guest execution.
func (a *Times_t) EnterMonitor() int64 {
	return now()
}

func (a *Times_t) ExitMonitor(since int64) {
	a.MonitorAdd(now() - since)
}

/// Add merges another VCPU's accounting into this one, e.g. when summing a
/// multi-VCPU guest's total time.
func (a *Times_t) Add(n *Times_t) {
	guestNs, monitorNs := n.Snapshot()
	a.Lock()
	a.GuestNs += guestNs
	a.MonitorNs += monitorNs
	a.Unlock()
}

/// Snapshot returns a consistent copy of both counters.
func (a *Times_t) Snapshot() (guestNs, monitorNs int64) {
	a.Lock()
	guestNs, monitorNs = a.GuestNs, a.MonitorNs
	a.Unlock()
	return
}
