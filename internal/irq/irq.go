// Package irq implements the interrupt-dispatch vector path, grounded on
// OSTask/ostask.c's irq_handler and irq_task_ptr. The real vector reads a
// hardware QA7 pending-interrupt bitmap; this port's Table.Dispatch takes
// that bitmap as a plain uint32 argument (the caller is responsible for
// producing it), since there is no
// physical QA7 register to memory-map in a software port.
package irq

import "github.com/ostask/substrate/internal/ostask"

// Table wraps a scheduler's per-core interrupt-source registration, giving
// the boot/IRQ-vector simulation a single place to dispatch from.
type Table struct {
	sched *ostask.Scheduler
}

// New builds an irq Table over sched. RegisterSources must be called before
// any WaitForInterrupt/Dispatch, exactly as the reference requires
// OSTask_RegisterInterruptSources to run once at boot before the first
// OSTask_WaitForInterrupt.
func New(sched *ostask.Scheduler) *Table {
	return &Table{sched: sched}
}

// RegisterSources declares how many distinct interrupt sources this machine
// has, allocating the cores x sources table, matching
// OSTask_RegisterInterruptSources.
func (t *Table) RegisterSources(n uint32) {
	t.sched.RegisterInterruptSources(n)
}

// Wait implements the WaitForInterrupt SWI body: the calling task parks
// until Dispatch wakes source on core.
func (t *Table) Wait(core uint32, regs *ostask.Regs, source uint32) ostask.Resume {
	return t.sched.WaitForInterrupt(core, regs, source)
}

// Dispatch is the vector-path equivalent of irq_handler for one core: for
// every bit set in pending, it raises that source. Only one source is
// serviced if multiple arrive in the same pass in the reference (it reads a
// single interrupt_number and PANICs otherwise; this port's Dispatch instead
// walks every set bit, since a single-source-only core model cannot be
// simulated cleanly from a bitmap. This is a deliberate broadening:
// shared/multi-source IRQ lines are
// explicitly out of scope for the original, and this port keeps them simple
// rather than faithfully unsupported.
func (t *Table) Dispatch(core, pending uint32) {
	for source := uint32(0); pending != 0; source++ {
		if pending&1 != 0 {
			t.sched.Raise(core, source)
		}
		pending >>= 1
	}
}
