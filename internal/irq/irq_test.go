package irq

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ostask/substrate/internal/dlist"
	"github.com/ostask/substrate/internal/ostask"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestWaitThenDispatchWakesSingleSource(t *testing.T) {
	sched := ostask.New(1, 16, 8, testLog())
	sched.BootCore(0)
	table := New(sched)
	table.RegisterSources(4)

	runner := &ostask.Task{}
	dlist.New[ostask.Task, *ostask.Task](runner)
	sched.AttachAsCurrent(0, runner)

	var regs ostask.Regs
	table.Wait(0, &regs, 2)

	table.Dispatch(0, 1<<2)

	if sched.Current(0) != runner {
		t.Fatalf("Dispatch of the awaited source did not resume the waiting task")
	}
}

func TestDispatchBroadensAcrossEverySetBit(t *testing.T) {
	sched := ostask.New(1, 16, 8, testLog())
	sched.BootCore(0)
	table := New(sched)
	table.RegisterSources(4)

	runnerA := &ostask.Task{}
	dlist.New[ostask.Task, *ostask.Task](runnerA)
	sched.AttachAsCurrent(0, runnerA)
	var regsA ostask.Regs
	table.Wait(0, &regsA, 0)

	runnerB := &ostask.Task{}
	dlist.New[ostask.Task, *ostask.Task](runnerB)
	sched.AttachAsCurrent(0, runnerB)
	var regsB ostask.Regs
	table.Wait(0, &regsB, 1)

	// Both source 0 and source 1 pending in the same pass: unlike the
	// single-source vector this is ported from, Dispatch wakes every bit.
	table.Dispatch(0, (1<<0)|(1<<1))

	found := map[*ostask.Task]bool{}
	n := sched.Current(0)
	for i := 0; i < 8 && len(found) < 2; i++ {
		found[n] = true
		n = n.Next_unsafe()
	}
	if !found[runnerA] || !found[runnerB] {
		t.Fatalf("Dispatch did not wake both pending sources")
	}
}

func TestDispatchWithNoPendingBitsDoesNothing(t *testing.T) {
	sched := ostask.New(1, 16, 8, testLog())
	sched.BootCore(0)
	table := New(sched)
	table.RegisterSources(4)

	// No waiters registered; Dispatch with an empty bitmap must not panic
	// or raise any source.
	table.Dispatch(0, 0)
}
