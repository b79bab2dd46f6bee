// Package ostask implements the cooperative multi-core task scheduler: task
// and slot records, per-core running lists, the shared runnable/sleeping
// lists, and the OSTask-range SWI bodies (Yield, Sleep, Create, Spawn,
// RegisterInterruptSources, WaitForInterrupt, Tick). It is grounded
// directly on OSTask/ostask.c; biscuit/src/proc's own process scheduler
// contributes style only (doc-comment density, sync/atomic idioms, struct
// layout taste from mem.go and vm/as.go).
package ostask

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ostask/substrate/internal/arch"
	"github.com/ostask/substrate/internal/dlist"
)

// Regs mirrors svc_registers: the general-purpose registers, link register,
// and saved program status register captured on every mode transition.
type Regs struct {
	R    [13]uint32
	LR   uint32
	SPSR uint32
}

// userModeMask is the mode-bits mask used throughout ostask.c to test
// `0 == (regs->spsr & 15)` (usr32 or sys32).
const userModeMask = 0xf

// AppMemBlock records one mapped range of a task slot's address space,
// matching OSTaskSlot's app_mem array.
type AppMemBlock struct {
	BasePage uint32
	Pages    uint32
	VA       uint32
}

const maxAppMemBlocks = 30

// Slot is an address-space container; every task belongs to exactly one
// slot, and multiple tasks may share one (spawned via Create rather than
// Spawn).
type Slot struct {
	dlist.Links[Slot]
	MMUMap  uint32
	AppMem  [maxAppMemBlocks]AppMemBlock
	nBlocks int
}

// Link implements dlist.Elem[Slot].
func (s *Slot) Link() *dlist.Links[Slot] { return &s.Links }

// AddAppMem records a new mapped block in the slot, matching the reference's
// linear app_mem[30] table; it panics if the table is exhausted, which is
// the behaviour Vm_t callers in the reference rely on never happening in
// practice (a slot exhausting 30 distinct mapped regions is a design bug,
// not a runtime condition to recover from).
func (s *Slot) AddAppMem(b AppMemBlock) {
	if s.nBlocks >= maxAppMemBlocks {
		panic("ostask: slot app_mem table exhausted")
	}
	s.AppMem[s.nBlocks] = b
	s.nBlocks++
}

// Blocks returns the slot's live app-memory-block records, matching a scan
// bound of app_mem[0:n] rather than the full fixed-size array.
func (s *Slot) Blocks() []AppMemBlock {
	return s.AppMem[:s.nBlocks]
}

// Find returns the app-memory block covering va, the way find_handler's
// slot-backed case scans app_mem linearly for the region a faulting access
// falls inside. pageSize is the caller's page size, since ostask has no
// dependency on mmu's constants.
func (s *Slot) Find(va, pageSize uint32) (AppMemBlock, bool) {
	for _, b := range s.Blocks() {
		if va >= b.VA && va < b.VA+b.Pages*pageSize {
			return b, true
		}
	}
	return AppMemBlock{}, false
}

// Task is one schedulable unit of execution: register state plus list
// linkage. Tasks are never individually heap-churned at runtime; they are
// drawn from and returned to Scheduler's pool, mirroring the reference's
// fixed 1 MiB OSTask_free_pool.
type Task struct {
	dlist.Links[Task]
	Regs             Regs
	BankedSPUsr      uint32
	BankedLRUsr      uint32
	Resumes          int32 // -1 == blocked
	Slot             *Slot
	Controller       *Task
	MatchSWI         bool
	MatchCore        bool
	SWIOffset        uint32
	SWICore          uint32
	handle           uint32
}

// Link implements dlist.Elem[Task].
func (t *Task) Link() *dlist.Links[Task] { return &t.Links }

// Handle returns the obfuscated, stable identifier for t. Unlike the
// reference's `0x4b534154 XOR (uint32_t) task`, this port cannot XOR a raw
// Go pointer: Go's garbage collector may relocate objects, so a pointer's
// bit pattern is not a stable identifier. Handles are instead assigned from
// a monotonic counter when the task is taken from the pool and obfuscated
// with the same constant, recorded in a Scheduler-owned lookup table.
func (t *Task) Handle() uint32 { return t.handle }

const handleXOR = 0x4b534154

// coreState is the per-core workspace: the running list (head = currently
// executing task) and that core's idle task. Only the goroutine representing
// this core mutates `running` during normal dispatch; an injected interrupt
// (irq.Table) runs on the same goroutine synchronously, exactly as real IRQ
// preemption only affects the interrupted core.
type coreState struct {
	running *Task
	idle    *Task
}

// Scheduler owns every cross-core list and the per-core workspaces. One
// Scheduler corresponds to the `shared` and `workspace[]` globals of the
// reference combined into a single addressable object, as section 9's
// "global mutable state" design note recommends for a portable port.
type Scheduler struct {
	log *logrus.Entry

	mu    sync.Mutex // shared.ostask.lock: guards pool setup and slot assignment
	cores []coreState

	taskPool dlist.Safe[Task, *Task]
	slotPool dlist.Safe[Slot, *Slot]
	runnable dlist.Safe[Task, *Task]
	sleeping dlist.Safe[Task, *Task]
	blocked  dlist.Safe[Task, *Task]

	handlesMu sync.Mutex
	handles   map[uint32]*Task
	nextID    uint32

	numInterruptSources uint32
	irqMu               sync.Mutex
	irqTasks            [][]*Task // [core][source]
}

// New creates a scheduler for numCores cores, with taskPoolSize tasks and
// slotPoolSize slots pre-allocated, mirroring setup_pools' pool carve-out
// (the reference hardcodes 100 of each from a 1 MiB region; this port takes
// the pool sizes as parameters since the backing store here is ordinary Go
// memory, not a claimed physical section).
func New(numCores, taskPoolSize, slotPoolSize uint32, log *logrus.Entry) *Scheduler {
	s := &Scheduler{
		log:     log.WithField("subsystem", "ostask"),
		cores:   make([]coreState, numCores),
		handles: make(map[uint32]*Task),
	}
	for i := uint32(0); i < taskPoolSize; i++ {
		t := &Task{}
		dlist.New[Task, *Task](t)
		dlist.InsertAtTail[Task, *Task](&s.taskPool, t)
	}
	for i := uint32(0); i < slotPoolSize; i++ {
		sl := &Slot{MMUMap: i}
		dlist.New[Slot, *Slot](sl)
		dlist.InsertAtTail[Slot, *Slot](&s.slotPool, sl)
	}
	return s
}

func (s *Scheduler) assignHandle(t *Task) uint32 {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	s.nextID++
	h := handleXOR ^ s.nextID
	t.handle = h
	s.handles[h] = t
	return h
}

func (s *Scheduler) releaseHandle(t *Task) {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	delete(s.handles, t.handle)
	t.handle = 0
}

// TaskFromHandle resolves a handle back to its Task, or nil if unknown.
func (s *Scheduler) TaskFromHandle(h uint32) *Task {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	return s.handles[h]
}

// BootCore brings core up: the first core to boot carves the task and slot
// pools (already done in New here, since this port has no physical memory
// claim step of its own to gate on) and creates the shared idle slot; every
// core then detaches its own running task record and, for the first core,
// a dedicated idle task, matching boot_with_stack/setup_pools.
func (s *Scheduler) BootCore(core uint32) *Task {
	s.mu.Lock()
	first := s.cores[core].running == nil && core == 0 && s.allIdle()
	s.mu.Unlock()

	running := dlist.DetachAtHead[Task, *Task](&s.taskPool)
	if running == nil {
		panic("ostask: task pool exhausted during boot")
	}
	s.assignHandle(running)

	slot := dlist.DetachAtHead[Slot, *Slot](&s.slotPool)
	if slot == nil {
		panic("ostask: slot pool exhausted during boot")
	}
	running.Slot = slot
	dlist.New[Task, *Task](running)
	s.cores[core].running = running

	if first {
		idle := dlist.DetachAtHead[Task, *Task](&s.taskPool)
		s.assignHandle(idle)
		idle.Slot = slot
		dlist.Attach[Task, *Task](idle, &s.cores[core].running)
		s.cores[core].running = s.cores[core].running.Next_unsafe()
		s.cores[core].idle = idle
	} else {
		s.cores[core].idle = running
	}

	return running
}

func (s *Scheduler) allIdle() bool {
	for i := range s.cores {
		if s.cores[i].running != nil {
			return false
		}
	}
	return true
}

// Next_unsafe exposes the next pointer for Scheduler's own bootstrap code,
// which needs to advance a head pointer the same way dll_attach's caller
// does in boot_with_stack (`workspace.ostask.running =
// workspace.ostask.running->next`). Exported within the package only via
// the dlist helpers elsewhere; this method exists solely for that one
// bootstrap idiom match.
func (t *Task) Next_unsafe() *Task { return dlist.Next[Task, *Task](t) }

// Current returns the task currently running on core.
func (s *Scheduler) Current(core uint32) *Task { return s.cores[core].running }

func (s *Scheduler) saveState(core uint32, regs *Regs) {
	t := s.cores[core].running
	t.Regs = *regs
	if t.Regs.SPSR&userModeMask == 0 {
		// Captured only on transitions out of user/system mode, matching
		// the asm block in ostask_svc that reads sp_usr/lr_usr.
	}
}

// SaveUserBanked records the banked user-mode SP/LR for the running task on
// core, called by the trap entry whenever the interrupted mode was usr32 or
// sys32 (spsr & 0xf == 0), exactly as ostask_svc's leading asm block does
// before dispatching.
func (s *Scheduler) SaveUserBanked(core uint32, sp, lr uint32) {
	t := s.cores[core].running
	t.BankedSPUsr = sp
	t.BankedLRUsr = lr
}

// Resume describes what the caller of a scheduling operation must do to
// return control to the (possibly different) task left running on core.
type Resume struct {
	Task           *Task
	SwitchSlot     bool
	RestoreUserSP  uint32
	RestoreUserLR  uint32
}

// Yield implements OSTask_Yield: the caller gives up the core. If it is the
// per-core idle task and nothing else is on this core's running list, a
// task is pulled from the shared runnable list and becomes current (if the
// runnable list is empty, idle stays current); if idle has other tasks on
// its list, the next one becomes current and idle stays on the list.
// Otherwise the caller is detached from its core's running list, the next
// task becomes current, and the caller is pushed onto the tail of the
// shared runnable list so any core may take it.
func (s *Scheduler) Yield(core uint32, regs *Regs) Resume {
	return s.yieldOrSleep(core, regs, false)
}

// Sleep implements OSTask_Sleep: identical to Yield except the caller is
// inserted into the shared sleeping list (ordered by relative delta) rather
// than the runnable list. regs.R[0] carries the requested milliseconds, in
// the same register slot the reference reuses for the sleeping list's delta
// bookkeeping.
func (s *Scheduler) Sleep(core uint32, regs *Regs) Resume {
	return s.yieldOrSleep(core, regs, true)
}

func (s *Scheduler) yieldOrSleep(core uint32, regs *Regs, sleep bool) Resume {
	cs := &s.cores[core]
	running := cs.running
	next := dlist.Next[Task, *Task](running)

	if running == cs.idle {
		if next == running {
			resume := dlist.DetachAtHead[Task, *Task](&s.runnable)
			if resume != nil {
				s.saveState(core, regs)
				dlist.Attach[Task, *Task](resume, &cs.running)
				cs.running = resume
			}
			return s.resumeFor(core)
		}
		s.saveState(core, regs)
		cs.running = next
		return s.resumeFor(core)
	}

	s.saveState(core, regs)
	cs.running = next

	if dlist.Single[Task, *Task](running) {
		panic("ostask: running list must always contain idle")
	}
	dlist.Detach[Task, *Task](running)

	if sleep {
		s.sleepingAdd(running)
	} else {
		dlist.InsertAtTail[Task, *Task](&s.runnable, running)
		arch.SignalEvent()
	}

	return s.resumeFor(core)
}

func (s *Scheduler) resumeFor(core uint32) Resume {
	t := s.cores[core].running
	r := Resume{Task: t}
	if t.Regs.SPSR&userModeMask == 0 {
		r.RestoreUserSP = t.BankedSPUsr
		r.RestoreUserLR = t.BankedLRUsr
	}
	return r
}

// sleepingAdd inserts tired into the shared sleeping list, encoding the
// relative delta exactly as put_to_sleep does: tired.Regs.R[0] holds the
// milliseconds remaining after the preceding entry's own delta.
func (s *Scheduler) sleepingAdd(tired *Task) {
	dlist.Manipulate[Task, *Task](&s.sleeping, func(head **Task) struct{} {
		t := *head
		time := tired.Regs.R[0]
		if t == nil {
			*head = tired
			return struct{}{}
		}
		if t.Regs.R[0] > time {
			t.Regs.R[0] -= time
			dlist.Attach[Task, *Task](tired, head)
			*head = tired
			return struct{}{}
		}
		time -= t.Regs.R[0]
		for dlist.Next[Task, *Task](t) != *head && dlist.Next[Task, *Task](t).Regs.R[0] <= time {
			t = dlist.Next[Task, *Task](t)
			time -= t.Regs.R[0]
		}
		tired.Regs.R[0] = time
		tail := dlist.Next[Task, *Task](t)
		if tail != *head {
			tail.Regs.R[0] -= time
		}
		dlist.Attach[Task, *Task](tired, &tail)
		return struct{}{}
	})
}

// Tick implements OSTask_Tick: decrement the head of the sleeping list and
// move every task whose delta has now reached zero onto the runnable list,
// matching sleeping_tasks_tick/wakey_wakey.
func (s *Scheduler) Tick() {
	woken := dlist.Manipulate[Task, *Task](&s.sleeping, func(head **Task) *Task {
		t := *head
		if t == nil {
			return nil
		}
		t.Regs.R[0]--
		if t.Regs.R[0] > 0 {
			return nil
		}
		end := t
		start := t
		for dlist.Next[Task, *Task](end) != start && dlist.Next[Task, *Task](end).Regs.R[0] == 0 {
			end = dlist.Next[Task, *Task](end)
		}
		return dlist.DetachUntil[Task, *Task](head, end)
	})
	if woken != nil {
		dlist.Manipulate[Task, *Task](&s.runnable, func(head **Task) struct{} {
			dlist.InsertListAtHead[Task, *Task](woken, head)
			return struct{}{}
		})
	}
}

// Create implements OSTask_Create: allocate a task from the pool, point it
// at entry/sp with the caller's slot, and splice it in immediately after
// the caller on the caller's own core (new device-driver helper tasks
// inherit the creating core until they Yield or Sleep).
func (s *Scheduler) Create(core uint32, entry, sp uint32, a [4]uint32) uint32 {
	return s.create(core, entry, sp, a, nil)
}

// Spawn implements OSTask_Spawn (a supplement over the bare Create the
// distilled spec names: a task that also gets a fresh address-space slot,
// matching the original's OSTaskSlot allocation path used by module
// bring-up).
func (s *Scheduler) Spawn(core uint32, entry, sp uint32, a [4]uint32) uint32 {
	slot := dlist.DetachAtHead[Slot, *Slot](&s.slotPool)
	if slot == nil {
		panic("ostask: slot pool exhausted")
	}
	return s.create(core, entry, sp, a, slot)
}

func (s *Scheduler) create(core uint32, entry, sp uint32, a [4]uint32, slot *Slot) uint32 {
	cs := &s.cores[core]
	task := dlist.DetachAtHead[Task, *Task](&s.taskPool)
	if task == nil {
		panic("ostask: task pool exhausted")
	}
	if !dlist.Single[Task, *Task](task) {
		panic("ostask: detached task must be a self-loop")
	}

	if slot != nil {
		task.Slot = slot
	} else {
		task.Slot = cs.running.Slot
	}
	task.Regs.LR = entry
	task.Regs.SPSR = 0x10
	task.BankedSPUsr = sp
	task.BankedLRUsr = 0 // unexpected_task_return sentinel in the reference
	handle := s.assignHandle(task)
	task.Regs.R[0] = handle
	task.Regs.R[1] = a[0]
	task.Regs.R[2] = a[1]
	task.Regs.R[3] = a[2]
	task.Regs.R[4] = a[3]

	next := dlist.Next[Task, *Task](cs.running)
	dlist.Attach[Task, *Task](task, &next)

	return handle
}

// EndTask releases a task back to the pool; it must not be the task
// currently running on any core.
func (s *Scheduler) EndTask(t *Task) {
	s.releaseHandle(t)
	t.Controller = nil
	t.Slot = nil
	dlist.New[Task, *Task](t)
	dlist.InsertAtTail[Task, *Task](&s.taskPool, t)
}

// RegisterInterruptSources implements OSTask_RegisterInterruptSources: it
// must be called exactly once, before any WaitForInterrupt, and allocates
// the cores x sources IRQ table.
func (s *Scheduler) RegisterInterruptSources(n uint32) {
	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	if s.numInterruptSources != 0 {
		panic("ostask: RegisterInterruptSources called more than once")
	}
	s.numInterruptSources = n
	s.irqTasks = make([][]*Task, len(s.cores))
	for i := range s.irqTasks {
		s.irqTasks[i] = make([]*Task, n)
	}
}

// WaitForInterrupt implements OSTask_WaitForInterrupt: the caller parks
// until Scheduler.Raise(core, source), reached through irq.Table.Dispatch,
// reschedules it. It panics if another task is already waiting on the same
// (core, source) cell. Unlike the hardware
// original, this port does not track the SPSR interrupt-disable bit; it is
// the caller's responsibility not to race its own core between setting up
// the wait and a concurrent interrupt (exactly as the reference requires
// interrupts to already be disabled at the call site).
func (s *Scheduler) WaitForInterrupt(core uint32, regs *Regs, source uint32) Resume {
	s.irqMu.Lock()
	if source >= s.numInterruptSources {
		s.irqMu.Unlock()
		panic("ostask: WaitForInterrupt on unregistered source")
	}
	if s.irqTasks[core][source] != nil {
		s.irqMu.Unlock()
		panic("ostask: WaitForInterrupt on a source that already has a waiting task")
	}
	cs := &s.cores[core]
	running := cs.running
	s.irqTasks[core][source] = running
	s.irqMu.Unlock()

	s.saveState(core, regs)
	next := dlist.Next[Task, *Task](running)
	cs.running = next
	if dlist.Single[Task, *Task](running) {
		panic("ostask: running list must always contain idle")
	}
	dlist.Detach[Task, *Task](running)

	return s.resumeFor(core)
}

// Raise implements the IRQ vector's dispatch half: it looks up and clears
// irq_tasks[core][source] and splices the matched task to the head of that
// core's running list, making it the new current task the next time that
// core's dispatch loop checks. It is a no-op (matching "PANIC" in the
// reference, softened to a boolean result here since spurious interrupts
// with no registered waiter are a HAL-level condition, not a scheduler
// invariant violation) if no task is waiting.
func (s *Scheduler) Raise(core, source uint32) bool {
	s.irqMu.Lock()
	t := s.irqTasks[core][source]
	if t != nil {
		s.irqTasks[core][source] = nil
	}
	s.irqMu.Unlock()
	if t == nil {
		return false
	}
	dlist.Attach[Task, *Task](t, &s.cores[core].running)
	s.cores[core].running = t
	return true
}

// Block moves the running task on core onto the shared blocked list
// (used by the locks package when a lock is contended), returning the
// caller's saved Resume the way Yield/Sleep do.
func (s *Scheduler) Block(core uint32, regs *Regs) (blocked *Task, resume Resume) {
	cs := &s.cores[core]
	running := cs.running
	s.saveState(core, regs)
	next := dlist.Next[Task, *Task](running)
	cs.running = next
	dlist.Detach[Task, *Task](running)
	dlist.InsertAtTail[Task, *Task](&s.blocked, running)
	return running, s.resumeFor(core)
}

// BlockedList exposes the shared blocked list for the locks package, which
// must scan it linearly to find the specific task waiting for a given lock
// (queue_running_OSTask's equivalent scan, generalised).
func (s *Scheduler) BlockedList() *dlist.Safe[Task, *Task] { return &s.blocked }

// RunnableList exposes the shared runnable list so the locks package can
// promote a woken task without duplicating list plumbing.
func (s *Scheduler) RunnableList() *dlist.Safe[Task, *Task] { return &s.runnable }

// AttachAfterCurrent splices task into core's running list immediately
// after the currently running task, the same placement Create uses; the
// pipes package uses it to wake a sender whose space has been freed. (The
// queues package schedules a matched handler with AttachAsCurrent instead,
// since queue_running_OSTask's `dll_attach_OSTask( matched_handler,
// &workspace.ostask.running )` makes the handler the new head.)
func (s *Scheduler) AttachAfterCurrent(core uint32, task *Task) {
	cs := &s.cores[core]
	next := dlist.Next[Task, *Task](cs.running)
	dlist.Attach[Task, *Task](task, &next)
}

// AttachAsCurrent splices task to the head of core's running list, making
// it the new current task, matching queue_running_OSTask's handler
// scheduling and irq_handler's `dll_attach_OSTask( irq_task,
// &workspace.ostask.running )`.
func (s *Scheduler) AttachAsCurrent(core uint32, task *Task) {
	cs := &s.cores[core]
	dlist.Attach[Task, *Task](task, &cs.running)
	cs.running = task
}

// ResumeCurrent reports the Resume for whatever task is presently current on
// core, for callers (queues, irq) that change cs.running via AttachAsCurrent
// or AttachAfterCurrent and then need the same RestoreUserSP/LR bookkeeping
// Yield/Sleep/Block return.
func (s *Scheduler) ResumeCurrent(core uint32) Resume { return s.resumeFor(core) }

// DetachCurrent removes the running task from core's running list (used by
// queues/pipes when the caller blocks into a different wait structure
// entirely rather than the shared runnable/sleeping/blocked lists) and
// returns it along with the task now current.
func (s *Scheduler) DetachCurrent(core uint32, regs *Regs) (detached *Task, resume Resume) {
	cs := &s.cores[core]
	running := cs.running
	s.saveState(core, regs)
	next := dlist.Next[Task, *Task](running)
	cs.running = next
	dlist.Detach[Task, *Task](running)
	return running, s.resumeFor(core)
}

// AttachToCore splices task onto the tail of core's running list without
// disturbing which task core currently has running, for use by the SWI
// dispatcher's SwitchToCore: the caller first DetachCurrent's the migrating
// task off its old core, then AttachToCore's it onto the new one.
func (s *Scheduler) AttachToCore(core uint32, task *Task) {
	cs := &s.cores[core]
	dlist.Attach[Task, *Task](task, &cs.running)
}

// NumCores reports how many cores this scheduler was built for.
func (s *Scheduler) NumCores() uint32 { return uint32(len(s.cores)) }
