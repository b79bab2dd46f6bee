// Package locks implements task-owned mutexes with a FIFO of blocked
// tasks, grounded directly on OSTask/locks.c. A lock word is a plain
// uint32 the caller owns the storage for (typically embedded in shared
// kernel state or a user-mapped page); Claim/Release operate on a pointer
// to it via the arch package's CAS primitive, mirroring the reference's use
// of change_word_if_equal (LDREX/STREX) directly on the lock word.
package locks

import (
	"unsafe"

	"github.com/ostask/substrate/internal/arch"
	"github.com/ostask/substrate/internal/dlist"
	"github.com/ostask/substrate/internal/ostask"
)

// wantedBit is the low bit of a lock word: set when at least one task is
// parked in the shared blocked list waiting for this specific lock.
const wantedBit = 1

// Word is the exported type of a lock's backing storage: bit 0 is
// "wanted", bits 1..31 are the half-handle (owner handle with bit 0
// cleared) of the current owner, or the whole word is 0 when free.
type Word = uint32

// Manager ties Claim/Release to a specific scheduler's blocked list, since
// a blocked task is recorded there regardless of which lock it awaits (the
// scan in Release matches on the lock address carried in the task's own
// saved registers, exactly as the reference's release routine does).
type Manager struct {
	sched *ostask.Scheduler
}

// New builds a lock Manager bound to sched's shared blocked list.
func New(sched *ostask.Scheduler) *Manager {
	return &Manager{sched: sched}
}

// lockAddrReg is the GP register slot a blocked task's saved regs.r[0] holds
// the address of the lock it awaits, matching the reference's convention
// (Release scans shared.ostask.blocked for a task whose r[0] equals the
// lock's address).
const lockAddrReg = 0

// Claim attempts to take the lock at *word for the task identified by
// callerHandle. It returns (reclaimed=true) if the caller already owns the
// lock (a legitimate reclaim, not an error, matching TaskOpLockClaim); the
// caller is expected not to call Release on a reclaim, by the same
// convention as the reference. If the lock is held by another task, the
// running task on core is parked in the scheduler's shared blocked list and
// Claim returns at once with blocked=true and the ostask.Resume for the task
// now current on core — callers drive that resume exactly as they would
// for Yield/Sleep.
func (m *Manager) Claim(word *Word, core uint32, regs *ostask.Regs, callerHandle uint32) (reclaimed bool, resume ostask.Resume, blocked bool) {
	for {
		old := arch.Load32(word)
		if old == 0 {
			if arch.CAS32(word, 0, callerHandle&^wantedBit) {
				return false, ostask.Resume{}, false
			}
			continue
		}
		if old&^wantedBit == callerHandle&^wantedBit {
			return true, ostask.Resume{}, false
		}

		wanted := old | wantedBit
		if old == wanted || arch.CAS32(word, old, wanted) {
			// Either already marked wanted, or we just marked it: park.
			regs.R[lockAddrReg] = lockWordAsReg(word)
			_, r := m.sched.Block(core, regs)
			return false, r, true
		}
		// Lost the race (owner released between Load and CAS); retry.
	}
}

// Release hands the lock at *word to the next FIFO waiter recorded in the
// scheduler's shared blocked list, or frees it if none is waiting,
// matching TaskOpLockRelease's linear scan for a task whose saved r[0]
// equals the lock's address.
func (m *Manager) Release(word *Word) {
	old := arch.Load32(word)
	if old&wantedBit == 0 {
		arch.Store32(word, 0)
		return
	}

	blocked := m.sched.BlockedList()
	var winner *ostask.Task
	dlist.Manipulate[ostask.Task, *ostask.Task](blocked, func(head **ostask.Task) struct{} {
		h := *head
		if h == nil {
			return struct{}{}
		}
		t := h
		target := lockWordAsReg(word)
		for {
			next := dlist.Next[ostask.Task, *ostask.Task](t)
			if t.Regs.R[lockAddrReg] == target {
				winner = t
				if *head == t {
					if dlist.Single[ostask.Task, *ostask.Task](t) {
						*head = nil
					} else {
						*head = next
					}
				}
				dlist.Detach[ostask.Task, *ostask.Task](t)
				break
			}
			if next == h {
				break
			}
			t = next
		}
		return struct{}{}
	})

	if winner == nil {
		arch.Store32(word, 0)
		return
	}

	stillWanted := uint32(0)
	blocked2 := m.sched.BlockedList()
	dlist.Manipulate[ostask.Task, *ostask.Task](blocked2, func(head **ostask.Task) struct{} {
		h := *head
		if h == nil {
			return struct{}{}
		}
		t := h
		target := lockWordAsReg(word)
		for {
			if t.Regs.R[lockAddrReg] == target {
				stillWanted = wantedBit
				return struct{}{}
			}
			next := dlist.Next[ostask.Task, *ostask.Task](t)
			if next == h {
				break
			}
			t = next
		}
		return struct{}{}
	})

	arch.Store32(word, (winner.Handle()&^wantedBit)|stillWanted)
	dlist.InsertAtTail[ostask.Task, *ostask.Task](m.sched.RunnableList(), winner)
	arch.SignalEvent()
}

// lockWordAsReg converts the lock's storage address into the same
// register-sized identifier the reference stores in r[0]. Because this
// port's lock words live in ordinary (potentially relocatable) Go memory,
// using a raw pointer value here would be unsound under a moving GC in
// general; lock words are expected to be allocated once from pinned kernel
// storage (e.g. a heap.Heap arena) for the lifetime of the kernel, exactly
// as the reference's lock words live in the non-relocating kernel image.
func lockWordAsReg(word *Word) uint32 {
	return uint32(uintptr(unsafe.Pointer(word)))
}
