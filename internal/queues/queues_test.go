package queues

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

func freshTask() *ostask.Task {
	t := &ostask.Task{}
	dlist.New[ostask.Task, *ostask.Task](t)
	return t
}

func TestWaitParksAsHandlerThenRouteSWIMatches(t *testing.T) {
	sched := ostask.New(1, 16, 8, testLog())
	sched.BootCore(0)
	m := New(sched)
	q := m.Create()

	handler := freshTask()
	sched.AttachAsCurrent(0, handler)
	var hregs ostask.Regs
	_, blocked := m.Wait(0, &hregs, q, false, false)
	if !blocked {
		t.Fatalf("Wait on an empty queue did not park the caller as a handler")
	}

	caller := freshTask()
	sched.AttachAsCurrent(0, caller)
	var cregs ostask.Regs
	_, routed, errb := m.RouteSWI(0, &cregs, q, 0x123)
	if errb != nil {
		t.Fatalf("RouteSWI() error = %v", errb)
	}
	if routed {
		t.Fatalf("RouteSWI() blocked = true, want false (a handler was waiting)")
	}
	if sched.Current(0) != handler {
		t.Fatalf("RouteSWI did not schedule the matched handler as current")
	}
	if handler.Regs.R[0] != caller.Handle() || handler.Regs.R[1] != 0x123 {
		t.Fatalf("handler regs = %v, want R0=%#x R1=0x123", handler.Regs.R[:3], caller.Handle())
	}
}

func TestRouteSWIParksWhenNoHandlerMatches(t *testing.T) {
	sched := ostask.New(1, 16, 8, testLog())
	sched.BootCore(0)
	m := New(sched)
	q := m.Create()

	caller := freshTask()
	sched.AttachAsCurrent(0, caller)
	var cregs ostask.Regs
	_, blocked, errb := m.RouteSWI(0, &cregs, q, 0x55)
	if errb != nil {
		t.Fatalf("RouteSWI() error = %v", errb)
	}
	if !blocked {
		t.Fatalf("RouteSWI() with no handlers blocked = false, want true")
	}

	waiter := freshTask()
	sched.AttachAsCurrent(0, waiter)
	var wregs ostask.Regs
	_, waited := m.Wait(0, &wregs, q, false, false)
	if waited {
		t.Fatalf("Wait() did not immediately dequeue the already-queued request")
	}
	current := sched.Current(0)
	if current != waiter {
		t.Fatalf("immediate-dequeue Wait changed the current task")
	}
	if current.Regs.R[0] != caller.Handle() || current.Regs.R[1] != 0x55 || current.Regs.R[2] != 0 {
		t.Fatalf("dequeued request regs = %v, want R0=%#x R1=0x55 R2=0", current.Regs.R[:3], caller.Handle())
	}
}

func TestRouteSWIRespectsMatchFilters(t *testing.T) {
	sched := ostask.New(2, 16, 8, testLog())
	sched.BootCore(0)
	sched.BootCore(1)
	m := New(sched)
	q := m.Create()

	handler := freshTask()
	sched.AttachAsCurrent(0, handler)
	var hregs ostask.Regs
	m.Wait(0, &hregs, q, true, false)
	handler.SWIOffset = 0x99

	caller := freshTask()
	sched.AttachAsCurrent(0, caller)
	var cregs ostask.Regs
	_, blocked, errb := m.RouteSWI(0, &cregs, q, 0x11)
	if errb != nil {
		t.Fatalf("RouteSWI() error = %v", errb)
	}
	if !blocked {
		t.Fatalf("RouteSWI() with a mismatched SWI-filtered handler blocked = false, want true")
	}
}
