// Package arch is the substitution seam between the portable scheduler,
// lock, pipe, and queue logic and the processor-specific primitives
// (compare-and-swap, memory barriers, core identification) that the real
// ARMv7-A hardware would provide via LDREX/STREX, DSB/ISB, and the MPIDR
// register. The software implementation here models a core as a goroutine
// and CAS as sync/atomic, so that every higher layer is written exactly as
// it would be against real registers.
package arch

import (
	"sync/atomic"
)

// CAS32 performs the LDREX/STREX-equivalent compare-and-swap on a
// naturally-aligned 32-bit word.
func CAS32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}

// Load32 performs an atomic load of a naturally-aligned 32-bit word.
func Load32(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// Store32 performs an atomic store of a naturally-aligned 32-bit word.
func Store32(addr *uint32, v uint32) {
	atomic.StoreUint32(addr, v)
}

// DataSyncBarrier models DSB: it completes when every mutation issued by
// the calling goroutine before the call is visible to every other core.
// sync/atomic's memory model already provides this; the call exists so
// translation-table and device-register code reads the way it would against
// real barriers, and so a future MMIO-backed arch package has an exact
// function to replace.
func DataSyncBarrier() {}

// InstructionSyncBarrier models ISB: it completes when a core is guaranteed
// to fetch subsequent instructions as if the pipeline were flushed. No-op in
// the software model, for the same reason as DataSyncBarrier.
func InstructionSyncBarrier() {}

// TLBInvalidateAll models "invalidate entire unified TLB", issued after any
// translation-table mutation that is not guaranteed ASID-private.
func TLBInvalidateAll() {}

// BranchPredictorInvalidateAll models "flush branch predictor", issued
// alongside TLB invalidation per the same sequencing rule as real VMSAv6
// hardware (DSB; TLBIALL; BPIALL; DSB; ISB).
func BranchPredictorInvalidateAll() {}

// SignalEvent models SEV: wake any core parked on WaitForEvent because it
// found nothing runnable. The software model backs this with a one-slot
// buffered channel so WaitForEvent never misses a signal raised just
// before it parks; each pending signal releases a single waiter.
var eventCh = make(chan struct{}, 1)

func SignalEvent() {
	select {
	case eventCh <- struct{}{}:
	default:
	}
}

// WaitForEvent models WFE: block until SignalEvent has been called at least
// once since the last WaitForEvent returned, or the supplied channel closes.
func WaitForEvent(stop <-chan struct{}) {
	select {
	case <-eventCh:
	case <-stop:
	}
}

// CoreID identifies one of the cores sharing this workspace. Real hardware
// reads this from MPIDR (Processor/CortexA53/processor.c's
// get_core_number); in the software model the caller supplies it.
type CoreID uint32

// LockOwner encodes the "core_claim_lock" convention used throughout the
// reference: zero means free, and a non-zero value is (core index + 1), so
// that core 0 never collides with the free sentinel.
func LockOwner(core CoreID) uint32 { return uint32(core) + 1 }
