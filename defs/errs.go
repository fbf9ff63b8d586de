package defs

import "fmt"

/// Err_t is a negative-valued error code, matching the teacher's kernel
/// convention of returning small integers rather than error interfaces from
/// every fallible, possibly-hot-path call.
type Err_t int

/// Error codes used across the monitor core. Values are negated at the call
/// site (e.g. "return -defs.EFAULT") to match the teacher's idiom.
const (
	EFAULT       Err_t = 1 /// guest-visible fault; not a monitor error
	ENOMEM       Err_t = 2 /// page pool exhausted
	EINVAL       Err_t = 3 /// malformed request
	ENAMETOOLONG Err_t = 4 /// overlong guest string
	ENOHEAP      Err_t = 5 /// resource admission refused without blocking
	EAGAIN       Err_t = 6 /// port or trace claimed by someone else; retry
)

func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case EFAULT:
		return "EFAULT"
	case ENOMEM:
		return "ENOMEM"
	case EINVAL:
		return "EINVAL"
	case ENAMETOOLONG:
		return "ENAMETOOLONG"
	case ENOHEAP:
		return "ENOHEAP"
	case EAGAIN:
		return "EAGAIN"
	default:
		return fmt.Sprintf("Err_t(%d)", int(e))
	}
}

/// Outcome classifies how a monitor entry point's result should be handled,
/// per spec.md §7's error taxonomy: a guest fault is reflected to the guest,
/// a monitor-recoverable condition is retried or treated as a no-op, and an
/// abort is fatal.
type Outcome int

const (
	GuestFault Outcome = iota /// deliver to the guest; not a monitor error
	Recovered                /// handled internally (phys_map miss, unknown port, ...)
	Abort                    /// fatal: log mismatch, OOM, unexpected kernel exception
)

func (o Outcome) String() string {
	switch o {
	case GuestFault:
		return "GuestFault"
	case Recovered:
		return "Recovered"
	case Abort:
		return "Abort"
	default:
		return "Outcome(?)"
	}
}

/// Result pairs an Outcome with the Err_t that produced it, the shape every
/// public entry point in the core returns.
type Result struct {
	Outcome Outcome
	Err     Err_t
}

/// Tid_t identifies a schedulable unit of execution. The monitor drives a
/// single VCPU from a single thread (spec.md §5), so in practice only one
/// Tid_t is ever live, but the type is kept distinct from a bare int so
/// call sites document intent the way the teacher's thread-info map does.
type Tid_t int

/// VcpuID identifies a virtual CPU. spec.md explicitly excludes multi-CPU
/// guests, so only VcpuID(0) is ever constructed, but fields that key state
/// by VCPU (mtrace callbacks, replay checkpoints) still carry it rather than
/// assuming a singleton, so the single-VCPU restriction lives in one place
/// (vcpu.World) instead of being assumed throughout.
type VcpuID int
