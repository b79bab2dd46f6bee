package swi

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ostask/substrate/internal/errs"
	"github.com/ostask/substrate/internal/irq"
	"github.com/ostask/substrate/internal/locks"
	"github.com/ostask/substrate/internal/mmu"
	"github.com/ostask/substrate/internal/ostask"
	"github.com/ostask/substrate/internal/pipes"
	"github.com/ostask/substrate/internal/queues"
	"github.com/ostask/substrate/internal/rawmem"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newDispatcher(t *testing.T, cores uint32) (*Dispatcher, *ostask.Scheduler) {
	t.Helper()
	sched := ostask.New(cores, 16, 8, testLog())
	for c := uint32(0); c < cores; c++ {
		sched.BootCore(c)
	}
	lm := locks.New(sched)
	pm := pipes.New(sched)
	qm := queues.New(sched)
	it := irq.New(sched)
	it.RegisterSources(4)
	return NewDispatcher(sched, lm, pm, qm, it), sched
}

func TestDispatchUnknownSWI(t *testing.T) {
	d, _ := newDispatcher(t, 1)
	var regs ostask.Regs
	_, errb := d.Dispatch(0, &regs, 0x3ff)
	if errb != errs.UnknownSWI {
		t.Fatalf("Dispatch(unknown) error = %v, want errs.UnknownSWI", errb)
	}
}

func TestDispatchYield(t *testing.T) {
	d, _ := newDispatcher(t, 1)
	var regs ostask.Regs
	if _, errb := d.Dispatch(0, &regs, Yield); errb != nil {
		t.Fatalf("Dispatch(Yield) error = %v", errb)
	}
}

func TestDispatchCreateSetsHandle(t *testing.T) {
	d, sched := newDispatcher(t, 1)
	var regs ostask.Regs
	regs.R[0] = 0x1000
	regs.R[1] = 0x2000
	if _, errb := d.Dispatch(0, &regs, Create); errb != nil {
		t.Fatalf("Dispatch(Create) error = %v", errb)
	}
	if sched.Current(0).Regs.R[0] == 0 {
		t.Fatalf("Dispatch(Create) left R0 (handle) unset")
	}
}

func TestDispatchCoresReportsCount(t *testing.T) {
	d, _ := newDispatcher(t, 3)
	var regs ostask.Regs
	resume, errb := d.Dispatch(1, &regs, Cores)
	if errb != nil {
		t.Fatalf("Dispatch(Cores) error = %v", errb)
	}
	if resume.Task.Regs.R[0] != 1 || resume.Task.Regs.R[1] != 3 {
		t.Fatalf("Dispatch(Cores) regs = %v, want R0=1 R1=3", resume.Task.Regs.R[:2])
	}
}

func TestDispatchLockClaimUnregisteredIsInvalidLock(t *testing.T) {
	d, _ := newDispatcher(t, 1)
	var regs ostask.Regs
	regs.R[0] = 99
	_, errb := d.Dispatch(0, &regs, LockClaim)
	if errb != errs.InvalidLock {
		t.Fatalf("Dispatch(LockClaim, unregistered id) error = %v, want errs.InvalidLock", errb)
	}
}

func TestDispatchLockClaimAndRelease(t *testing.T) {
	d, sched := newDispatcher(t, 1)
	var word locks.Word
	d.RegisterLock(7, &word)

	var regs ostask.Regs
	regs.R[0] = 7
	regs.R[1] = 0xAAAA
	if _, errb := d.Dispatch(0, &regs, LockClaim); errb != nil {
		t.Fatalf("Dispatch(LockClaim) error = %v", errb)
	}
	if sched.Current(0).Regs.R[0] != 0 {
		t.Fatalf("Dispatch(LockClaim) on a free lock reclaimed = %d, want 0", sched.Current(0).Regs.R[0])
	}

	var regs2 ostask.Regs
	regs2.R[0] = 7
	if _, errb := d.Dispatch(0, &regs2, LockRelease); errb != nil {
		t.Fatalf("Dispatch(LockRelease) error = %v", errb)
	}
	if word != 0 {
		t.Fatalf("word = %#x after Release of an uncontended lock, want 0", word)
	}
}

func TestDispatchMapDeviceWithoutMMU(t *testing.T) {
	d, _ := newDispatcher(t, 1)
	var regs ostask.Regs
	_, errb := d.Dispatch(0, &regs, MapDevice)
	if errb != errs.NoMMU {
		t.Fatalf("Dispatch(MapDevice) with no MMU wired = %v, want errs.NoMMU", errb)
	}
}

// TestAppMemoryTopFaultDrivenSlotMap exercises the concrete scenario the
// SlotFaultHandler wiring exists for: grow a task's app memory with
// AppMemoryTop, then fault on an address inside the new region that has
// never actually been mapped (ClearRegion only installs the handler) and
// confirm the installed handler resolves it in place and the instruction's
// translation now succeeds.
func TestAppMemoryTopFaultDrivenSlotMap(t *testing.T) {
	d, sched := newDispatcher(t, 1)
	d.MMU = mmu.NewManager(1)
	d.Pool = rawmem.New(32*rawmem.SectionPages, testLog())

	cur := sched.Current(0)
	table := d.MMU.Table(cur.Slot.MMUMap)

	var regs ostask.Regs
	regs.R[0] = 0x10000 // grow to a 64 KiB top
	if _, errb := d.Dispatch(0, &regs, AppMemoryTop); errb != nil {
		t.Fatalf("Dispatch(AppMemoryTop) error = %v", errb)
	}
	if got := sched.Current(0).Regs.R[0]; got != 0x10000 {
		t.Fatalf("Dispatch(AppMemoryTop) new top = %#x, want 0x10000", got)
	}

	// The grown region is only fault-armed, not yet mapped.
	if _, _, ok := table.Translate(0x2000); ok {
		t.Fatalf("Translate() on a freshly grown, unwritten page reported ok")
	}

	if !table.HandleFault(0x2000, 0x5) {
		t.Fatalf("HandleFault() on the grown region returned false, want the slot handler to resolve it")
	}

	if _, _, ok := table.Translate(0x2000); !ok {
		t.Fatalf("Translate() after HandleFault() still reports not ok")
	}
}

func TestHandleAbortResolvesThroughSlotHandler(t *testing.T) {
	d, sched := newDispatcher(t, 1)
	d.MMU = mmu.NewManager(1)
	d.Pool = rawmem.New(32*rawmem.SectionPages, testLog())

	cur := sched.Current(0)
	table := d.MMU.Table(cur.Slot.MMUMap)

	var regs ostask.Regs
	regs.R[0] = 0x10000
	if _, errb := d.Dispatch(0, &regs, AppMemoryTop); errb != nil {
		t.Fatalf("Dispatch(AppMemoryTop) error = %v", errb)
	}

	// NOP encoding (MOV r0, r0), little-endian ARM.
	code := []byte{0x00, 0x00, 0xA0, 0xE1}
	if errb := d.HandleAbort(0, table, 0x2000, 0x5, 0x1000, code, false); errb != nil {
		t.Fatalf("HandleAbort() on a slot-backed fault = %v, want nil (resolved)", errb)
	}
	if _, _, ok := table.Translate(0x2000); !ok {
		t.Fatalf("Translate() after HandleAbort() still reports not ok")
	}
}

func TestHandleAbortEscalatesUnresolvableFault(t *testing.T) {
	d, sched := newDispatcher(t, 1)
	d.MMU = mmu.NewManager(1)
	cur := sched.Current(0)
	table := d.MMU.Table(cur.Slot.MMUMap)

	code := []byte{0x00, 0x00, 0xA0, 0xE1}
	errb := d.HandleAbort(0, table, 0xdead0000, 0x5, 0x1000, code, false)
	if errb == nil {
		t.Fatalf("HandleAbort() on an untouched region = nil, want an escalated error")
	}
	if errb.Code != errs.UnresolvedFault.Code {
		t.Fatalf("HandleAbort() error code = %#x, want %#x", errb.Code, errs.UnresolvedFault.Code)
	}
}

func TestDispatchAppMemoryTopWithoutMMU(t *testing.T) {
	d, _ := newDispatcher(t, 1)
	var regs ostask.Regs
	_, errb := d.Dispatch(0, &regs, AppMemoryTop)
	if errb != errs.NoMMU {
		t.Fatalf("Dispatch(AppMemoryTop) with no MMU/pool wired = %v, want errs.NoMMU", errb)
	}
}

func TestDispatchPipeCreateWaitForDataRoundTrip(t *testing.T) {
	d, sched := newDispatcher(t, 1)

	var create ostask.Regs
	create.R[0] = 64
	if _, errb := d.Dispatch(0, &create, PipeCreate); errb != nil {
		t.Fatalf("Dispatch(PipeCreate) error = %v", errb)
	}
	handle := sched.Current(0).Regs.R[0]
	if handle == 0 {
		t.Fatalf("Dispatch(PipeCreate) left the pipe handle unset")
	}

	var wait ostask.Regs
	wait.R[0] = handle
	wait.R[1] = 1
	_, errb := d.Dispatch(0, &wait, PipeWaitForData)
	if errb != nil {
		t.Fatalf("Dispatch(PipeWaitForData) error = %v", errb)
	}
}

func TestChunkMasksOperationBits(t *testing.T) {
	if Chunk(0x400+5) != 0x400 {
		t.Fatalf("Chunk(0x405) = %#x, want 0x400", Chunk(0x400+5))
	}
	if Chunk(0x440+1) != 0x440 {
		t.Fatalf("Chunk(0x441) = %#x, want 0x440", Chunk(0x440+1))
	}
}

func TestRegisterModuleAndDispatchModule(t *testing.T) {
	d, _ := newDispatcher(t, 1)
	called := false
	d.RegisterModule(0x400, func(core uint32, regs *ostask.Regs) *errs.Block {
		called = true
		return nil
	})

	var regs ostask.Regs
	if errb := d.DispatchModule(0, &regs, 0x403); errb != nil {
		t.Fatalf("DispatchModule() error = %v", errb)
	}
	if !called {
		t.Fatalf("DispatchModule() did not invoke the registered handler")
	}

	if errb := d.DispatchModule(0, &regs, 0x500); errb != errs.UnknownSWI {
		t.Fatalf("DispatchModule() on an unregistered chunk = %v, want errs.UnknownSWI", errb)
	}
}

func TestRegistryLoadLinksInstancesToBase(t *testing.T) {
	r := NewRegistry()
	h := &Header{Chunk: 0x400}

	base := r.Load(h, "")
	if base.Base != nil {
		t.Fatalf("first Load() instance has a non-nil Base")
	}

	instance := r.Load(h, "1")
	if instance.Base != base {
		t.Fatalf("Load() with a postfix did not link to the base instance")
	}

	if len(r.Modules()) != 2 {
		t.Fatalf("Modules() = %d entries, want 2", len(r.Modules()))
	}
}

func TestRegistryLoadInstanceWithNoBasePanics(t *testing.T) {
	r := NewRegistry()
	h := &Header{Chunk: 0x440}

	defer func() {
		if recover() == nil {
			t.Fatalf("Load() with a postfix and no prior base did not panic")
		}
	}()
	r.Load(h, "1")
}
