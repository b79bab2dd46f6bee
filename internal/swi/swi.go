// Package swi implements system-call number decoding and dispatch,
// grounded on OSTask/ostask.c's execute_svc chunk test, Modules/osmodule.c's
// module bookkeeping, and Modules/module.h's module header layout. Numbers
// 0x300-0x33F are the inline OSTask range this package routes directly to
// internal/ostask, internal/locks, internal/pipes, internal/queues, and
// internal/irq; numbers at or above moduleBase are chunked module calls,
// routed through a registered Handlers table exactly as
// RegisterSWIHandlers/swi_handler do in the reference.
package swi

import (
	"github.com/ostask/substrate/internal/diag"
	"github.com/ostask/substrate/internal/errs"
	"github.com/ostask/substrate/internal/irq"
	"github.com/ostask/substrate/internal/locks"
	"github.com/ostask/substrate/internal/mmu"
	"github.com/ostask/substrate/internal/ostask"
	"github.com/ostask/substrate/internal/pipes"
	"github.com/ostask/substrate/internal/queues"
	"github.com/ostask/substrate/internal/rawmem"
	"github.com/ostask/substrate/internal/util"
)

// Inline OSTask SWI numbers.
const (
	Yield        = 0x300
	Sleep        = 0x301
	Create       = 0x302
	Spawn        = 0x303
	EndTask      = 0x304
	Cores        = 0x305
	MapDevice    = 0x307
	AppMemoryTop = 0x308

	LockClaim           = 0x310
	LockRelease         = 0x311
	EnablingInterrupts  = 0x312
	WaitForInterrupt    = 0x313
	SwitchToCore        = 0x317
	Tick                = 0x318

	PipeCreate         = 0x320
	PipeWaitForSpace   = 0x321
	PipeSpaceFilled    = 0x322
	PipeSetSender      = 0x323
	PipeNoMoreData     = 0x325
	PipeWaitForData    = 0x326
	PipeDataConsumed   = 0x327
	PipeSetReceiver    = 0x328
	PipeNotListening   = 0x329

	QueueCreate = 0x330
	QueueWait   = 0x331
)

// moduleBase is the first chunked-module SWI number; any number below this
// and not one of the constants above is unknown.
const moduleBase = 0x400

// chunkSize matches the reference's 64-call-per-chunk module convention (the
// low six bits select the operation within a module, the rest select it).
const chunkSize = 64

// Handler is one module-registered SWI implementation, matching a chunked
// entry point reached through a module's offset_to_swi_handler.
type Handler func(core uint32, regs *ostask.Regs) *errs.Block

// Dispatcher ties every SWI number to the subsystem that implements it.
type Dispatcher struct {
	Sched  *ostask.Scheduler
	Locks  *locks.Manager
	Pipes  *pipes.Manager
	Queues *queues.Manager
	IRQ    *irq.Table
	MMU    *mmu.Manager // optional; MapDevice/AppMemoryTop error if nil
	Pool   *rawmem.Pool // optional; AppMemoryTop errors if nil

	modules map[uint32]Handler // chunk -> handler

	// Pipe/queue handles live in their own space, distinct from ostask task
	// handles, matching handle_from_pipe/handle_from_queue in the
	// reference; lock words have no handle at all, so a caller must first
	// RegisterLock an identifier for the pinned *locks.Word it wants to
	// claim/release by SWI.
	nextHandle uint32
	pipeOf     map[uint32]*pipes.Pipe
	queueOf    map[uint32]*queues.Queue
	lockOf     map[uint32]*locks.Word
}

// NewDispatcher builds a Dispatcher over the given subsystem managers.
func NewDispatcher(sched *ostask.Scheduler, lm *locks.Manager, pm *pipes.Manager, qm *queues.Manager, it *irq.Table) *Dispatcher {
	return &Dispatcher{
		Sched: sched, Locks: lm, Pipes: pm, Queues: qm, IRQ: it,
		modules: make(map[uint32]Handler),
		pipeOf:  make(map[uint32]*pipes.Pipe),
		queueOf: make(map[uint32]*queues.Queue),
		lockOf:  make(map[uint32]*locks.Word),
	}
}

func (d *Dispatcher) newHandle() uint32 {
	d.nextHandle++
	return d.nextHandle
}

// RegisterLock associates a register-sized identifier (chosen by the caller
// when first publishing a lock to user mode; no SWI hands one out) with its
// backing *locks.Word,
// so a later LockClaim/LockRelease SWI naming that identifier in regs.R[0]
// can find it. Lock words must be allocated from pinned storage, per
// internal/locks' own caveat.
func (d *Dispatcher) RegisterLock(id uint32, word *locks.Word) {
	d.lockOf[id] = word
}

// RegisterModule implements RegisterSWIHandlers: bind handler as the
// implementation of every SWI in chunk.
func (d *Dispatcher) RegisterModule(chunk uint32, handler Handler) {
	d.modules[chunk] = handler
}

// Dispatch decodes number and performs the corresponding operation for the
// task currently running on core, returning the Resume the caller's trap
// return path should act on. Pipe and queue operations take their handle
// in regs.R[0] and resolve it against the Dispatcher's own pipeOf/queueOf
// maps, which PipeCreate and QueueCreate fill; these handles are distinct
// from ostask's task handles.
func (d *Dispatcher) Dispatch(core uint32, regs *ostask.Regs, number uint32) (resume ostask.Resume, errb *errs.Block) {
	switch number {
	case Yield:
		return d.Sched.Yield(core, regs), nil
	case Sleep:
		return d.Sched.Sleep(core, regs), nil
	case Create:
		h := d.Sched.Create(core, regs.R[0], regs.R[1], [4]uint32{regs.R[2], regs.R[3], regs.R[4], regs.R[5]})
		d.Sched.Current(core).Regs.R[0] = h
		return ostask.Resume{Task: d.Sched.Current(core)}, nil
	case Spawn:
		h := d.Sched.Spawn(core, regs.R[0], regs.R[1], [4]uint32{regs.R[2], regs.R[3], regs.R[4], regs.R[5]})
		d.Sched.Current(core).Regs.R[0] = h
		return ostask.Resume{Task: d.Sched.Current(core)}, nil
	case Cores:
		cur := d.Sched.Current(core)
		cur.Regs.R[0] = core
		cur.Regs.R[1] = d.Sched.NumCores()
		return ostask.Resume{Task: cur}, nil
	case EndTask:
		detached, r := d.Sched.DetachCurrent(core, regs)
		d.Sched.EndTask(detached)
		return r, nil

	case LockClaim:
		word, ok := d.lockOf[regs.R[0]]
		if !ok {
			return ostask.Resume{}, errs.InvalidLock
		}
		reclaimed, r, blocked := d.Locks.Claim(word, core, regs, regs.R[1])
		if blocked {
			return r, nil
		}
		cur := d.Sched.Current(core)
		if reclaimed {
			cur.Regs.R[0] = 1
		} else {
			cur.Regs.R[0] = 0
		}
		return ostask.Resume{Task: cur}, nil
	case LockRelease:
		word, ok := d.lockOf[regs.R[0]]
		if !ok {
			return ostask.Resume{}, errs.InvalidLock
		}
		d.Locks.Release(word)
		return ostask.Resume{Task: d.Sched.Current(core)}, nil

	case EnablingInterrupts:
		regs.SPSR |= 0x80
		return ostask.Resume{Task: d.Sched.Current(core)}, nil
	case WaitForInterrupt:
		return d.IRQ.Wait(core, regs, regs.R[0]), nil
	case SwitchToCore:
		target := regs.R[0]
		detached, r := d.Sched.DetachCurrent(core, regs)
		d.Sched.AttachToCore(target, detached)
		return r, nil
	case Tick:
		d.Sched.Tick()
		return ostask.Resume{Task: d.Sched.Current(core)}, nil

	case PipeCreate:
		cur := d.Sched.Current(core)
		p, eb := d.Pipes.Create(cur, regs.R[0], regs.R[1])
		if eb != nil {
			return ostask.Resume{}, eb
		}
		h := d.newHandle()
		d.pipeOf[h] = p
		cur.Regs.R[0] = h
		return ostask.Resume{Task: cur}, nil
	case PipeWaitForSpace:
		p, ok := d.pipeOf[regs.R[0]]
		if !ok {
			return ostask.Resume{}, errs.InvalidHandle
		}
		avail, blocked, r, eb := d.Pipes.WaitForSpace(core, regs, p, regs.R[1])
		if eb != nil {
			return ostask.Resume{}, eb
		}
		if blocked {
			return r, nil
		}
		cur := d.Sched.Current(core)
		cur.Regs.R[0] = avail
		return ostask.Resume{Task: cur}, nil
	case PipeSpaceFilled:
		p, ok := d.pipeOf[regs.R[0]]
		if !ok {
			return ostask.Resume{}, errs.InvalidHandle
		}
		avail, eb := d.Pipes.SpaceFilled(core, p, regs.R[1])
		if eb != nil {
			return ostask.Resume{}, eb
		}
		cur := d.Sched.Current(core)
		cur.Regs.R[0] = avail
		return ostask.Resume{Task: cur}, nil
	case PipeWaitForData:
		p, ok := d.pipeOf[regs.R[0]]
		if !ok {
			return ostask.Resume{}, errs.InvalidHandle
		}
		avail, blocked, r, eb := d.Pipes.WaitForData(core, regs, p, regs.R[1])
		if eb != nil {
			return ostask.Resume{}, eb
		}
		if blocked {
			return r, nil
		}
		cur := d.Sched.Current(core)
		cur.Regs.R[0] = avail
		return ostask.Resume{Task: cur}, nil
	case PipeDataConsumed:
		p, ok := d.pipeOf[regs.R[0]]
		if !ok {
			return ostask.Resume{}, errs.InvalidHandle
		}
		avail, eb := d.Pipes.DataConsumed(core, p, regs.R[1])
		if eb != nil {
			return ostask.Resume{}, eb
		}
		cur := d.Sched.Current(core)
		cur.Regs.R[0] = avail
		return ostask.Resume{Task: cur}, nil
	case PipeSetSender:
		p, ok := d.pipeOf[regs.R[0]]
		if !ok {
			return ostask.Resume{}, errs.InvalidHandle
		}
		newOwner := d.Sched.TaskFromHandle(regs.R[1])
		if eb := d.Pipes.SetSender(core, p, newOwner); eb != nil {
			return ostask.Resume{}, eb
		}
		return ostask.Resume{Task: d.Sched.Current(core)}, nil
	case PipeSetReceiver:
		p, ok := d.pipeOf[regs.R[0]]
		if !ok {
			return ostask.Resume{}, errs.InvalidHandle
		}
		newOwner := d.Sched.TaskFromHandle(regs.R[1])
		if eb := d.Pipes.SetReceiver(core, p, newOwner); eb != nil {
			return ostask.Resume{}, eb
		}
		return ostask.Resume{Task: d.Sched.Current(core)}, nil
	case PipeNoMoreData:
		p, ok := d.pipeOf[regs.R[0]]
		if !ok {
			return ostask.Resume{}, errs.InvalidHandle
		}
		d.Pipes.NoMoreData(p)
		return ostask.Resume{Task: d.Sched.Current(core)}, nil
	case PipeNotListening:
		p, ok := d.pipeOf[regs.R[0]]
		if !ok {
			return ostask.Resume{}, errs.InvalidHandle
		}
		d.Pipes.NotListening(p)
		return ostask.Resume{Task: d.Sched.Current(core)}, nil

	case QueueCreate:
		q := d.Queues.Create()
		h := d.newHandle()
		d.queueOf[h] = q
		cur := d.Sched.Current(core)
		cur.Regs.R[0] = h
		return ostask.Resume{Task: cur}, nil
	case QueueWait:
		q, ok := d.queueOf[regs.R[0]]
		if !ok {
			return ostask.Resume{}, errs.InvalidQueue
		}
		r, blocked := d.Queues.Wait(core, regs, q, false, false)
		if blocked {
			return r, nil
		}
		return ostask.Resume{Task: d.Sched.Current(core)}, nil

	case MapDevice:
		if d.MMU == nil {
			return ostask.Resume{}, errs.NoMMU
		}
		cur := d.Sched.Current(core)
		d.MMU.Table(cur.Slot.MMUMap).Map(mmu.Mapping{
			VA:       regs.R[0],
			BasePage: regs.R[1],
			Pages:    regs.R[2],
			Kind:     mmu.Device,
		})
		return ostask.Resume{Task: cur}, nil

	case AppMemoryTop:
		if d.MMU == nil || d.Pool == nil {
			return ostask.Resume{}, errs.NoMMU
		}
		cur := d.Sched.Current(core)
		slot := cur.Slot
		oldTop := appMemTop(slot)
		newTop := regs.R[0]
		if newTop > oldTop {
			growth := util.Roundup(newTop-oldTop, uint32(rawmem.PageSize))
			pages := growth / rawmem.PageSize
			base := d.Pool.Claim(pages)
			if base == rawmem.Unavailable {
				return ostask.Resume{}, errs.OutOfMemory
			}
			block := ostask.AppMemBlock{BasePage: base, Pages: pages, VA: oldTop}
			slot.AddAppMem(block)
			table := d.MMU.Table(slot.MMUMap)
			table.ClearRegion(block.VA, block.Pages, mmu.SlotFaultHandler(table, func(va uint32) (basePage, pagesOut, regionVA uint32, ok bool) {
				b, found := slot.Find(va, rawmem.PageSize)
				if !found {
					return 0, 0, 0, false
				}
				return b.BasePage, b.Pages, b.VA, true
			}))
			oldTop = newTop
		}
		cur.Regs.R[0] = oldTop
		return ostask.Resume{Task: cur}, nil

	default:
		return ostask.Resume{}, errs.UnknownSWI
	}
}

// appMemTop reports the current top of slot's app-memory region: the
// highest VA+size among its recorded blocks, matching the reference's
// walk of app_mem[0:n] to find where the next growth request should start.
func appMemTop(slot *ostask.Slot) uint32 {
	var top uint32
	for _, b := range slot.Blocks() {
		if end := b.VA + b.Pages*rawmem.PageSize; end > top {
			top = end
		}
	}
	return top
}

// HandleAbort resolves a data/prefetch abort reported for core: it first
// asks table to handle the fault, matching find_handler's slot-backed
// resolution path (including the AppMemoryTop-installed ClearRegion
// handler above); if that fails, it escalates by decoding the faulting
// instruction via diag.DecodeFault and returns an error Block carrying the
// resulting report: any fault type other than the translation-level faults
// HandleFault itself resolves is escalated to the caller this way.
func (d *Dispatcher) HandleAbort(core uint32, table *mmu.Table, va, fault, pc uint32, code []byte, thumb bool) *errs.Block {
	if table.HandleFault(va, fault) {
		return nil
	}
	report := diag.DecodeFault(core, va, fault, pc, code, thumb, table.DescriptorWord(va))
	return errs.New(errs.UnresolvedFault.Code, report.String())
}

// Chunk returns the chunk identifier a module SWI number belongs to (number
// with its low six operation-select bits cleared), matching how the
// reference finds a module's swi_handlers table.
func Chunk(number uint32) uint32 { return number &^ (chunkSize - 1) }

// DispatchModule routes a chunked module SWI to its registered Handler, the
// module equivalent of the inline Dispatch above.
func (d *Dispatcher) DispatchModule(core uint32, regs *ostask.Regs, number uint32) *errs.Block {
	h, ok := d.modules[Chunk(number)]
	if !ok {
		return errs.UnknownSWI
	}
	return h(core, regs)
}

// Header mirrors struct module_header: every field is a byte offset from the
// header's own address to the named entry point or string, or zero if the
// module does not provide it, save for Chunk (the literal SWI chunk number)
// and Flags (the literal flag bits, not an offset, matching the reference's
// module_flags static word despite module.h's header word list naming it
// alongside the true offsets).
type Header struct {
	Start            uint32
	Init             uint32
	Finalise         uint32
	ServiceCall      uint32
	Title            uint32
	Help             uint32
	Keywords         uint32
	Chunk            uint32
	SWIHandler       uint32
	SWINames         uint32
	SWIDecoder       uint32
	MessagesFile     uint32
	Flags            uint32
}

// Module is one loaded module instance, matching struct module: a header, a
// private word the module's own code owns, and the instance/base linkage
// used when the same module image is loaded more than once under distinct
// postfixes (e.g. two USB host controllers sharing one driver image).
type Module struct {
	Header  *Header
	Private uint32
	Postfix string
	Base    *Module
}

// Registry collects loaded modules, matching shared.module.modules/last;
// unlike the reference's singly-linked list threaded through the modules
// themselves, this port keeps an ordinary slice, since Go has no need to
// economise on a second pointer field per module.
type Registry struct {
	modules  []*Module
	byHeader map[*Header][]*Module
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{byHeader: make(map[*Header][]*Module)}
}

// Load implements new_module: registers a fresh instance of header under
// postfix (empty for the first, primary instance), linking subsequent
// same-header instances to their base.
func (r *Registry) Load(header *Header, postfix string) *Module {
	m := &Module{Header: header, Postfix: postfix}
	if postfix != "" {
		instances := r.byHeader[header]
		if len(instances) == 0 {
			panic("swi: instance load of a module with no base instance")
		}
		m.Base = instances[0]
	}
	r.byHeader[header] = append(r.byHeader[header], m)
	r.modules = append(r.modules, m)
	return m
}

// Modules returns every loaded module instance, in load order.
func (r *Registry) Modules() []*Module { return r.modules }
