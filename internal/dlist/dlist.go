// Package dlist implements the intrusive doubly-linked list kit every other
// subsystem builds on: task run/sleep/blocked lists, pipe and queue waiter
// lists, and heap free lists are all circular DLLs threaded through the
// node's own storage. The plain operations mirror Utilities/mpsafe_dll.h's
// dll_new/dll_attach/dll_detach/dll_detach_until/dll_insert_list_at_head; the
// Safe wrapper mirrors its mpsafe_insert_at_head/mpsafe_manipulate_list
// family, which protects concurrent access from multiple cores by swapping
// the head pointer for a busy sentinel while one core owns the list.
package dlist

import (
	"sync/atomic"

	"github.com/ostask/substrate/internal/arch"
)

// Links is embedded by any node type participating in a list built by this
// package. Unlike the reference's per-type macro expansion, one Links[T]
// instantiation serves every node kind (*OSTask, *Pipe, *osqueue, ...).
type Links[T any] struct {
	next *T
	prev *T
}

// Elem is satisfied by a pointer type whose pointee embeds Links[T] and
// exposes it. T is typically declared as:
//
//	type Node struct { dlist.Links[Node]; ... }
//	func (n *Node) Link() *dlist.Links[Node] { return &n.Links }
type Elem[T any] interface {
	*T
	Link() *Links[T]
}

// New initialises item as a single-item circular list (self-loop).
func New[T any, E Elem[T]](item *T) {
	l := E(item).Link()
	l.next = item
	l.prev = item
}

// Attach inserts item immediately before *head (i.e. at the tail of the
// list *head points into), creating a new list if *head is nil, and leaves
// *head unchanged.
func Attach[T any, E Elem[T]](item *T, head **T) {
	if *head == nil {
		New[T, E](item)
		*head = item
		return
	}
	h := *head
	hl := E(h).Link()
	tail := hl.prev
	il := E(item).Link()
	il.next = h
	il.prev = tail
	E(tail).Link().next = item
	hl.prev = item
}

// Detach removes item from whatever list it is in, leaving it a self-loop.
// It is the caller's responsibility to fix up any head pointer that pointed
// at item.
func Detach[T any, E Elem[T]](item *T) {
	l := E(item).Link()
	next, prev := l.next, l.prev
	E(prev).Link().next = next
	E(next).Link().prev = prev
	New[T, E](item)
}

// DetachUntil removes the prefix of the list starting at *head and ending at
// (and including) last, returning the old *head as the detached sublist's
// head and leaving the remainder, if any, in *head.
func DetachUntil[T any, E Elem[T]](head **T, last *T) *T {
	first := *head
	ll := E(last).Link()
	afterLast := ll.next
	if afterLast == first {
		*head = nil
	} else {
		*head = afterLast
		fl := E(first).Link()
		al := E(afterLast).Link()
		lastPrev := fl.prev
		fl.prev = al.prev
		E(al.prev).Link().next = first
		al.prev = lastPrev
		E(lastPrev).Link().next = afterLast
	}
	ll.next = first
	E(first).Link().prev = last
	return first
}

// InsertListAtHead splices a (possibly multi-item) list, given by its own
// head pointer, in immediately before *head.
func InsertListAtHead[T any, E Elem[T]](list *T, head **T) {
	if list == nil {
		return
	}
	if *head == nil {
		*head = list
		return
	}
	ll := E(list).Link()
	listTail := ll.prev
	hl := E(*head).Link()
	headPrev := hl.prev

	ll.prev = headPrev
	E(headPrev).Link().next = list
	E(listTail).Link().next = *head
	hl.prev = listTail
	*head = list
}

// Single reports whether item is the only element of its list.
func Single[T any, E Elem[T]](item *T) bool {
	l := E(item).Link()
	return l.next == item && l.prev == item
}

// Next returns the node following item in its list.
func Next[T any, E Elem[T]](item *T) *T { return E(item).Link().next }

// Prev returns the node preceding item in its list.
func Prev[T any, E Elem[T]](item *T) *T { return E(item).Link().prev }

// Safe wraps a list head so that multiple cores (goroutines) can insert,
// detach, and run critical sections over the list without external locking.
// The reference implementation achieves this by CASing the head word to the
// sentinel value 1 while a core owns the list and restoring the real head
// (or a new one) afterward; other cores spin on wait_for_event. This port
// models the same "exclusive ownership of the head slot" discipline with an
// explicit busy flag instead of repurposing the pointer's bit pattern, which
// is not meaningful for a real Go pointer.
type Safe[T any, E Elem[T]] struct {
	busy atomic.Bool
	head atomic.Pointer[T]
}

func (s *Safe[T, E]) acquire(stop <-chan struct{}) *T {
	for {
		if s.busy.CompareAndSwap(false, true) {
			return s.head.Load()
		}
		arch.WaitForEvent(stop)
	}
}

func (s *Safe[T, E]) release(h *T) {
	s.head.Store(h)
	s.busy.Store(false)
	arch.SignalEvent()
}

// Manipulate runs fn with exclusive access to the list, represented as a
// local head variable fn may freely mutate (including to nil, for an empty
// list, or via Attach/Detach/DetachUntil/InsertListAtHead), and returns
// whatever fn returns.
func Manipulate[T any, E Elem[T], R any](s *Safe[T, E], fn func(head **T) R) R {
	h := s.acquire(nil)
	r := fn(&h)
	s.release(h)
	return r
}

// InsertAtHead attaches item so that it becomes the new head of the list.
func InsertAtHead[T any, E Elem[T]](s *Safe[T, E], item *T) {
	Manipulate[T, E](s, func(head **T) struct{} {
		Attach[T, E](item, head)
		*head = item
		return struct{}{}
	})
}

// InsertAtTail attaches item at the end of the list, leaving the head
// unchanged.
func InsertAtTail[T any, E Elem[T]](s *Safe[T, E], item *T) {
	Manipulate[T, E](s, func(head **T) struct{} {
		if *head == nil {
			*head = item
		} else {
			Attach[T, E](item, head)
		}
		return struct{}{}
	})
}

// DetachAtHead removes and returns the current head of the list, or nil if
// the list is empty.
func DetachAtHead[T any, E Elem[T]](s *Safe[T, E]) *T {
	return Manipulate[T, E](s, func(head **T) *T {
		h := *head
		if h == nil {
			return nil
		}
		if Single[T, E](h) {
			*head = nil
		} else {
			next := Next[T, E](h)
			Detach[T, E](h)
			*head = next
		}
		return h
	})
}
