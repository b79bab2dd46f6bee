// Package queues implements the handler-task dispatch mechanism user-mode
// SWI implementations use to route work to a worker task, grounded directly
// on OSTask/queues.c. A queue holds two lists: handlers waiting to service a
// request (parked by Wait) and requests waiting for a handler (parked by
// RouteSWI when no handler currently matches).
package queues

import (
	"sync"

	"github.com/ostask/substrate/internal/dlist"
	"github.com/ostask/substrate/internal/errs"
	"github.com/ostask/substrate/internal/ostask"
)

// Queue is one OSQueue: a pair of plain (non-MP-safe) circular lists
// threaded through the tasks themselves, both protected by Manager's single
// lock exactly as shared.ostask.queues_lock protects every queue in the
// reference (one lock for all queues, not one per queue).
type Queue struct {
	waiting  *ostask.Task // tasks whose requests have not yet matched a handler
	handlers *ostask.Task // handler tasks parked by Wait, ready to take work
}

// Manager ties queue operations to a scheduler and serialises access to
// every queue's lists behind one lock, matching shared.ostask.queues_lock.
type Manager struct {
	sched *ostask.Scheduler
	mu    sync.Mutex
}

// New builds a queue Manager bound to sched.
func New(sched *ostask.Scheduler) *Manager {
	return &Manager{sched: sched}
}

// Create allocates a new, empty queue, matching new_queue/QueueCreate.
func (m *Manager) Create() *Queue {
	return &Queue{}
}

// Wait implements QueueWait: the calling task offers itself as a handler
// for q. If a request is already queued, the caller immediately takes it
// (its handle, SWI offset, and core are returned exactly as QueueWait
// copies them into regs r0-r2); otherwise the caller is parked on q's
// handler list until RouteSWI matches it.
func (m *Manager) Wait(core uint32, regs *ostask.Regs, q *Queue, matchSWI, matchCore bool) (resume ostask.Resume, blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q.waiting == nil {
		running, r := m.sched.DetachCurrent(core, regs)
		running.MatchSWI = matchSWI
		running.MatchCore = matchCore
		dlist.Attach[ostask.Task, *ostask.Task](running, &q.handlers)
		return r, true
	}

	head := q.waiting
	if dlist.Single[ostask.Task, *ostask.Task](head) {
		q.waiting = nil
	} else {
		q.waiting = dlist.Next[ostask.Task, *ostask.Task](head)
		dlist.Detach[ostask.Task, *ostask.Task](head)
	}

	current := m.sched.Current(core)
	current.Regs.R[0] = head.Handle()
	current.Regs.R[1] = head.SWIOffset
	current.Regs.R[2] = head.SWICore
	head.Controller = current

	return ostask.Resume{}, false
}

// RouteSWI implements queue_running_OSTask: the calling task is requesting
// that queue-handler op (a SWI number) be serviced, on behalf of core. If a
// parked handler on q matches (per its MatchSWI/MatchCore filters), it is
// scheduled directly onto core's running list, taking control over the
// caller; otherwise the caller itself is parked onto q's waiting list until
// a future Wait matches it.
func (m *Manager) RouteSWI(core uint32, regs *ostask.Regs, q *Queue, op uint32) (resume ostask.Resume, blocked bool, errb *errs.Block) {
	if q == nil {
		return ostask.Resume{}, false, errs.InvalidQueue
	}

	caller, r := m.sched.DetachCurrent(core, regs)

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched *ostask.Task
	if q.handlers != nil {
		head := q.handlers
		h := head
		for {
			next := dlist.Next[ostask.Task, *ostask.Task](h)
			if (!h.MatchSWI || h.SWIOffset == op) && (!h.MatchCore || h.SWICore == core) {
				matched = h
				if q.handlers == matched {
					if dlist.Single[ostask.Task, *ostask.Task](matched) {
						q.handlers = nil
					} else {
						q.handlers = next
						dlist.Detach[ostask.Task, *ostask.Task](matched)
					}
				} else {
					dlist.Detach[ostask.Task, *ostask.Task](matched)
				}
				break
			}
			if next == head {
				break
			}
			h = next
		}
	}

	if matched != nil {
		matched.Regs.R[0] = caller.Handle()
		matched.Regs.R[1] = op
		matched.Regs.R[2] = core
		caller.Controller = matched
		m.sched.AttachAsCurrent(core, matched)
		return m.sched.ResumeCurrent(core), false, nil
	}

	caller.SWIOffset = op
	caller.SWICore = core
	dlist.Attach[ostask.Task, *ostask.Task](caller, &q.waiting)
	return r, true, nil
}
