// Package pipes implements fixed-capacity single-producer/single-consumer
// byte rings, grounded directly on OSTask/pipes.c. A pipe's ring storage is
// modeled here as a plain byte slice rather than a pair of VMSAv6 virtual
// address ranges backed by claimed physical pages: the reference's
// "double-mapped" trick (the same physical range appearing twice,
// consecutively, in virtual memory so wraparound reads stay contiguous) is
// a virtual-memory-only concern, so this port exposes an equivalent
// ReadAt/WriteAt pair that wraps on max_block_size without requiring a real
// aliased mapping, while keeping every blocking/waking rule — including the
// debug-pipe special case — identical to the reference.
package pipes

import (
	"github.com/ostask/substrate/internal/dlist"
	"github.com/ostask/substrate/internal/errs"
	"github.com/ostask/substrate/internal/ostask"
	"github.com/ostask/substrate/internal/util"
)

// Pipe is one ring, matching struct OSPipe.
type Pipe struct {
	dlist.Links[Pipe]

	sender   *ostask.Task
	receiver *ostask.Task
	// senderClosed/receiverClosed model the (void*) -1 sentinel used by
	// mark_pipe_sender_finished/mark_pipe_receiver_finished.
	senderClosed   bool
	receiverClosed bool

	senderWaitingFor   uint32
	receiverWaitingFor uint32

	data         []byte
	maxBlockSize uint32
	maxData      uint32 // 0 => double-mapped, unbounded total transfer
	writeIndex   uint32
	readIndex    uint32
}

// Link implements dlist.Elem[Pipe].
func (p *Pipe) Link() *dlist.Links[Pipe] { return &p.Links }

// Manager owns the shared pipe list and ties pipe operations back to a
// scheduler for blocking/waking, mirroring shared.ostask.pipes plus the
// scheduler access pipes.c makes directly through workspace.ostask.
type Manager struct {
	sched *ostask.Scheduler
	pipes dlist.Safe[Pipe, *Pipe]

	debugPipe *Pipe
}

// New builds a pipe Manager bound to sched.
func New(sched *ostask.Scheduler) *Manager {
	return &Manager{sched: sched}
}

// Create allocates a new pipe owned (as both sender and receiver, initially)
// by the calling task, matching PipeCreate. maxBlockSize must be a multiple
// of the page size when the pipe manages its own backing storage (maxData
// == 0, the double-mapped case).
func (m *Manager) Create(caller *ostask.Task, maxBlockSize, maxData uint32) (*Pipe, *errs.Block) {
	if maxData != 0 && maxBlockSize > maxData {
		return nil, errs.PipeCreation
	}
	p := &Pipe{
		sender:       caller,
		receiver:     caller,
		maxBlockSize: maxBlockSize,
		maxData:      maxData,
		data:         make([]byte, maxBlockSize),
	}
	dlist.New[Pipe, *Pipe](p)
	dlist.InsertAtTail[Pipe, *Pipe](&m.pipes, p)
	return p, nil
}

// SetDebugPipe designates p as the manager's debug pipe: a per-core sender
// endpoint that bypasses ownership checks, matching
// workspace.ostask.debug_pipe / this_is_debug_receiver.
func (m *Manager) SetDebugPipe(p *Pipe) { m.debugPipe = p }

func (p *Pipe) dataInPipe() uint32  { return p.writeIndex - p.readIndex }
func (p *Pipe) spaceInPipe() uint32 { return p.maxBlockSize - p.dataInPipe() }

// ReadAt returns up to n bytes currently available to read, without
// advancing the read cursor, wrapping on max_block_size exactly as a
// double-mapped VA range would expose a contiguous view.
func (p *Pipe) ReadAt(n uint32) []byte {
	n = util.Min(n, p.dataInPipe())
	out := make([]byte, n)
	for i := uint32(0); i < n; i++ {
		out[i] = p.data[(p.readIndex+i)%p.maxBlockSize]
	}
	return out
}

// WriteAt writes b into the ring starting at the current write cursor,
// wrapping on max_block_size; it does not advance the cursor (callers call
// SpaceFilled afterward, exactly as a real caller writes through the mapped
// VA and then issues PipeSpaceFilled).
func (p *Pipe) WriteAt(b []byte) {
	for i, c := range b {
		p.data[(p.writeIndex+uint32(i))%p.maxBlockSize] = c
	}
}

// WaitForSpace implements PipeWaitForSpace: it reports available space
// immediately if there is enough (or the receiver has closed), otherwise it
// parks the caller and returns the Resume the caller's core should act on.
func (m *Manager) WaitForSpace(core uint32, regs *ostask.Regs, p *Pipe, amount uint32) (available uint32, blocked bool, resume ostask.Resume, errb *errs.Block) {
	caller := m.sched.Current(core)
	isNormal := p != m.debugPipe

	if p.sender != caller && p.sender != nil && isNormal {
		return 0, false, ostask.Resume{}, errs.NotOwner
	}
	if isNormal && p.sender == nil {
		p.sender = caller
	}

	available = p.spaceInPipe()
	if available >= amount || p.receiverClosed {
		return available, false, ostask.Resume{}, nil
	}

	p.senderWaitingFor = amount
	_, r := m.sched.DetachCurrent(core, regs)
	return 0, true, r, nil
}

// SpaceFilled implements PipeSpaceFilled: advances the write cursor and, if
// the receiver was waiting for at least that much data, wakes it onto the
// shared runnable list.
func (m *Manager) SpaceFilled(core uint32, p *Pipe, amount uint32) (available uint32, errb *errs.Block) {
	caller := m.sched.Current(core)
	if p.sender != caller && p != m.debugPipe {
		return 0, errs.NotOwner
	}

	available = p.spaceInPipe()
	if available < amount {
		return 0, errs.PipeOverflowed
	}

	p.writeIndex += amount
	available -= amount

	receiver := p.receiver
	if receiver != nil && p.receiverWaitingFor > 0 && p.receiverWaitingFor <= p.dataInPipe() {
		p.receiverWaitingFor = 0
		receiver.Regs.R[1] = p.dataInPipe()
		dlist.InsertAtTail[ostask.Task, *ostask.Task](m.sched.RunnableList(), receiver)
	}
	return available, nil
}

// WaitForData implements PipeWaitForData, symmetric to WaitForSpace.
func (m *Manager) WaitForData(core uint32, regs *ostask.Regs, p *Pipe, amount uint32) (available uint32, blocked bool, resume ostask.Resume, errb *errs.Block) {
	caller := m.sched.Current(core)

	if p.receiver != caller && p.receiver != nil {
		return 0, false, ostask.Resume{}, errs.NotOwner
	}
	if p.receiver == nil {
		p.receiver = caller
	}

	available = p.dataInPipe()
	if available >= amount || p.senderClosed {
		return available, false, ostask.Resume{}, nil
	}

	p.receiverWaitingFor = amount
	_, r := m.sched.DetachCurrent(core, regs)
	return 0, true, r, nil
}

// DataConsumed implements PipeDataConsumed: advances the read cursor and,
// if the sender was waiting for enough freed space, wakes it.
func (m *Manager) DataConsumed(core uint32, p *Pipe, amount uint32) (available uint32, errb *errs.Block) {
	caller := m.sched.Current(core)
	if p.receiver != caller {
		return 0, errs.NotOwner
	}

	available = p.dataInPipe()
	if available < amount {
		panic("pipes: consumed more than available")
	}

	p.readIndex += amount
	available -= amount

	if p.senderWaitingFor > 0 && p.senderWaitingFor <= p.spaceInPipe() {
		sender := p.sender
		p.senderWaitingFor = 0
		sender.Regs.R[1] = p.spaceInPipe()
		if sender != caller {
			m.sched.AttachAfterCurrent(core, sender)
		}
	}
	return available, nil
}

// SetSender implements PipeSetSender: transfers the sender endpoint to a
// different task, unmapping the cached VA (modeled here as simply clearing
// nothing, since this port has no VA cache to invalidate).
func (m *Manager) SetSender(core uint32, p *Pipe, newSender *ostask.Task) *errs.Block {
	if p.sender != m.sched.Current(core) {
		return errs.NotOwner
	}
	p.sender = newSender
	return nil
}

// SetReceiver implements PipeSetReceiver, symmetric to SetSender.
func (m *Manager) SetReceiver(core uint32, p *Pipe, newReceiver *ostask.Task) *errs.Block {
	if p.receiver != m.sched.Current(core) {
		return errs.NotOwner
	}
	p.receiver = newReceiver
	return nil
}

// NoMoreData implements PipeNoMoreData: marks the sender side closed and
// frees the pipe if the receiver side is already closed too.
func (m *Manager) NoMoreData(p *Pipe) {
	p.senderClosed = true
	if p.receiverClosed {
		m.free(p)
	}
}

// NotListening implements PipeNotListening, symmetric to NoMoreData.
func (m *Manager) NotListening(p *Pipe) {
	p.receiverClosed = true
	if p.senderClosed {
		m.free(p)
	}
}

func (m *Manager) free(p *Pipe) {
	dlist.Manipulate[Pipe, *Pipe](&m.pipes, func(head **Pipe) struct{} {
		if *head == p {
			if dlist.Single[Pipe, *Pipe](p) {
				*head = nil
			} else {
				*head = dlist.Next[Pipe, *Pipe](p)
			}
		}
		dlist.Detach[Pipe, *Pipe](p)
		return struct{}{}
	})
}
